// Package health polls the remote module registry and reports modules that
// stop answering their health checks.
package health

import (
	"context"
	"errors"
	"time"
)

// Static errors for health package
var (
	ErrNilChecker = errors.New("health monitor requires a checker")
	ErrStopping   = errors.New("health monitor is stopping")
)

// DefaultInterval is the polling period used when Config.Interval is zero.
const DefaultInterval = 30 * time.Second

// Checker checks every registered remote module once.
type Checker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// AlertFunc is called once for each module that turns unhealthy.
type AlertFunc func(ctx context.Context, moduleID string) error

// Config represents configuration for the health monitor
type Config struct {
	Interval time.Duration `json:"interval"`

	// DeferredAlerts runs the alert callback on a tracked goroutine instead
	// of inside the polling loop.
	DeferredAlerts bool `json:"deferred_alerts"`
}

// HealthStatus represents the status of a monitored module
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ModuleHealth is the latest observation for one module.
type ModuleHealth struct {
	ID                  string       `json:"id"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Since               time.Time    `json:"since"`
}

// Snapshot is the result of the most recent polling iteration.
type Snapshot struct {
	CheckedAt time.Time               `json:"checked_at,omitzero"`
	Modules   map[string]ModuleHealth `json:"modules"`
}
