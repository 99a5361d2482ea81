// Package restart holds the restart policy shared by the module lifecycle
// manager and the platform-service orchestrator: a sliding window that caps
// how many restarts may happen and a backoff that grows per restart.
package restart

import (
	"sync"
	"time"
)

// Policy describes how often a supervised entity may be restarted.
//
// MaxRestarts restarts are allowed within Window. InitialBackoff is the
// first delay; each recorded restart multiplies the current delay by
// Multiplier, never dropping below InitialBackoff nor exceeding MaxBackoff.
// A Multiplier of 1 gives a fixed delay.
type Policy struct {
	MaxRestarts    int           `json:"max_restarts" yaml:"max_restarts" toml:"max_restarts"`
	Window         time.Duration `json:"window" yaml:"window" toml:"window"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
}

// ModulePolicy is the default for crash-restarting modules: three restarts
// in a minute with a fixed two second delay.
func ModulePolicy() Policy {
	return Policy{
		MaxRestarts:    3,
		Window:         time.Minute,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Second,
		Multiplier:     1,
	}
}

// ServicePolicy is the default for platform services: five restarts in five
// minutes, backoff doubling from one second up to a minute.
func ServicePolicy() Policy {
	return Policy{
		MaxRestarts:    5,
		Window:         5 * time.Minute,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}
}

// Never disables automatic restarts: the first crash is terminal.
func Never() Policy {
	p := ModulePolicy()
	p.MaxRestarts = 0
	return p
}

// normalized fills zero fields with usable values.
func (p Policy) normalized() Policy {
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxRestarts < 0 {
		p.MaxRestarts = 0
	}
	return p
}

// Tracker is the restart bookkeeping for one supervised entity. It is owned
// by the supervisor, never by the supervised process. Tracker is safe for
// concurrent use.
type Tracker struct {
	policy Policy

	mu       sync.Mutex
	restarts []time.Time
	backoff  time.Duration
	total    int
}

// NewTracker creates a tracker with the given policy.
func NewTracker(p Policy) *Tracker {
	p = p.normalized()
	return &Tracker{policy: p, backoff: p.InitialBackoff}
}

// Policy returns the normalized policy.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Exceeded reports whether the restarts recorded within the window at now
// have reached MaxRestarts.
func (t *Tracker) Exceeded(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	return len(t.restarts) >= t.policy.MaxRestarts
}

// Record adds a restart at now and grows the backoff.
func (t *Tracker) Record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	t.restarts = append(t.restarts, now)
	t.total++

	next := time.Duration(float64(t.backoff) * t.policy.Multiplier)
	next = max(next, t.policy.InitialBackoff)
	t.backoff = min(next, t.policy.MaxBackoff)
}

// Count returns the restarts within the window at now.
func (t *Tracker) Count(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	return len(t.restarts)
}

// Total returns every restart ever recorded.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Backoff returns the current backoff.
func (t *Tracker) Backoff() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoff
}

// LaunchDelay is the part of the current backoff not yet elapsed since
// lastStart. A zero lastStart means no delay.
func (t *Tracker) LaunchDelay(now, lastStart time.Time) time.Duration {
	if lastStart.IsZero() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(0, t.backoff-now.Sub(lastStart))
}

// Cooldown is the forced wait applied when the window is exhausted.
func (t *Tracker) Cooldown() time.Duration {
	return t.policy.MaxBackoff
}

// Reset clears the window and restores the initial backoff. The total is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts = nil
	t.backoff = t.policy.InitialBackoff
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.policy.Window)
	kept := t.restarts[:0]
	for _, ts := range t.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.restarts = kept
}
