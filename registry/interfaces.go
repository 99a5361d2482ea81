// Package registry keeps track of modules that run as external services
// reachable over HTTP, checks their health and forwards requests to them.
package registry

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Registry errors
var (
	ErrInvalidBaseURL       = errors.New("invalid base URL")
	ErrUnknownAuthType      = errors.New("unknown auth type")
	ErrNotRegistered        = errors.New("module not registered")
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	ErrRetriesExhausted     = errors.New("request failed after retries")
	ErrClientError          = errors.New("client error response")
	ErrEmptyModuleID        = errors.New("empty module id")
)

// Defaults applied to zero Record fields.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultHealthPath         = "/health"
)

// AuthType selects how requests to a remote module are authenticated.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// Auth carries the credentials attached to every request sent to a module.
type Auth struct {
	Type  AuthType `json:"type,omitempty"`
	Token string   `json:"-"`
}

// Checker is the part of the registry the health monitor depends on.
type Checker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// Record describes one remote module. Records handed out by the registry
// are copies.
type Record struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version,omitempty"`
	Description string            `json:"description,omitempty"`
	BaseURL     string            `json:"base_url"`
	HealthURL   string            `json:"health_url"`
	Auth        Auth              `json:"auth"`
	Timeout     time.Duration     `json:"timeout"`
	MaxRetries  int               `json:"max_retries"`
	RetryDelay  time.Duration     `json:"retry_delay"`
	Healthy     bool              `json:"healthy"`
	LastCheck   time.Time         `json:"last_check,omitzero"`
	ErrorCount  int               `json:"error_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (r Record) clone() Record {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// Option customises a Record at registration.
type Option func(*Record)

// WithHealthURL overrides the default <base>/health endpoint.
func WithHealthURL(u string) Option {
	return func(r *Record) { r.HealthURL = u }
}

// WithName sets the display name and version.
func WithName(name, version string) Option {
	return func(r *Record) {
		r.Name = name
		r.Version = version
	}
}

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(r *Record) { r.Description = desc }
}

// WithTimeout sets the per-request timeout used by Proxy.
func WithTimeout(d time.Duration) Option {
	return func(r *Record) { r.Timeout = d }
}

// WithRetries sets how many times Proxy tries a request and the pause
// between attempts.
func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(r *Record) {
		r.MaxRetries = maxRetries
		r.RetryDelay = delay
	}
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]string) Option {
	return func(r *Record) { r.Metadata = maps.Clone(md) }
}
