package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_SlidingWindow(t *testing.T) {
	tr := NewTracker(Policy{MaxRestarts: 3, Window: 10 * time.Second, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 1})
	base := time.Unix(1_000, 0)

	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		assert.False(t, tr.Exceeded(now), "restart %d should be allowed", i+1)
		tr.Record(now)
	}
	assert.True(t, tr.Exceeded(base.Add(3*time.Second)))
	assert.Equal(t, 3, tr.Count(base.Add(3*time.Second)))

	// first restart leaves the window
	later := base.Add(10*time.Second + time.Millisecond)
	assert.False(t, tr.Exceeded(later))
	assert.Equal(t, 2, tr.Count(later))
	assert.Equal(t, 3, tr.Total())
}

func TestTracker_BackoffGrowsAndCaps(t *testing.T) {
	tr := NewTracker(Policy{MaxRestarts: 10, Window: time.Minute, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2})
	now := time.Unix(0, 0)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for _, w := range want {
		tr.Record(now)
		assert.Equal(t, w, tr.Backoff())
	}

	tr.Reset()
	assert.Equal(t, time.Second, tr.Backoff())
	assert.Equal(t, 4, tr.Total())
	assert.Equal(t, 5*time.Second, tr.Cooldown())
}

func TestTracker_LaunchDelay(t *testing.T) {
	tr := NewTracker(Policy{MaxRestarts: 1, Window: time.Minute, InitialBackoff: 4 * time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2})
	now := time.Unix(100, 0)

	assert.Zero(t, tr.LaunchDelay(now, time.Time{}))
	assert.Equal(t, 3*time.Second, tr.LaunchDelay(now, now.Add(-time.Second)))
	assert.Zero(t, tr.LaunchDelay(now, now.Add(-time.Hour)))
}

func TestPolicy_Defaults(t *testing.T) {
	tr := NewTracker(Policy{})
	p := tr.Policy()
	assert.Equal(t, time.Minute, p.Window)
	assert.Equal(t, 1.0, p.Multiplier)
	assert.True(t, tr.Exceeded(time.Now()), "zero restarts allowed means the first crash is terminal")

	assert.Equal(t, 0, Never().MaxRestarts)
	assert.Equal(t, 2.0, ServicePolicy().Multiplier)
	assert.Equal(t, ModulePolicy().InitialBackoff, ModulePolicy().MaxBackoff)
}
