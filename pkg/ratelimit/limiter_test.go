package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowAtMostOncePerInterval(t *testing.T) {
	l := New(20)
	start := time.Unix(1_700_000_000, 0)

	allowed := 0
	for ms := 0; ms <= 1000; ms++ {
		if l.Allow(start.Add(time.Duration(ms) * time.Millisecond)) {
			allowed++
		}
	}

	assert.LessOrEqual(t, allowed, 21)
	assert.GreaterOrEqual(t, allowed, 20)
}

func TestAllowIsStrictlyPeriodic(t *testing.T) {
	l := New(10) // 100ms
	t0 := time.Unix(0, 0)

	assert.True(t, l.Allow(t0))
	assert.False(t, l.Allow(t0.Add(99*time.Millisecond)))
	// No credit accumulates while idle: one allow, then the window restarts.
	assert.True(t, l.Allow(t0.Add(1000*time.Millisecond)))
	assert.False(t, l.Allow(t0.Add(1001*time.Millisecond)))
	assert.False(t, l.Allow(t0.Add(1099*time.Millisecond)))
	assert.True(t, l.Allow(t0.Add(1100*time.Millisecond)))
}

func TestIntervalClamping(t *testing.T) {
	tests := []struct {
		fps  int
		want time.Duration
	}{
		{fps: 0, want: 50 * time.Millisecond},
		{fps: 1, want: 200 * time.Millisecond},
		{fps: 20, want: 50 * time.Millisecond},
		{fps: 60, want: time.Second / 60},
		{fps: 500, want: time.Second / 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interval(tt.fps), "fps=%d", tt.fps)
	}
}

func TestSetFPS(t *testing.T) {
	l := New(20)
	l.SetFPS(5)
	assert.Equal(t, 200*time.Millisecond, l.Interval())

	t0 := time.Unix(0, 0)
	assert.True(t, l.Allow(t0))
	assert.False(t, l.Allow(t0.Add(150*time.Millisecond)))
	assert.True(t, l.Allow(t0.Add(200*time.Millisecond)))
}

func TestSetFPSKeepsLastAllowed(t *testing.T) {
	l := New(10) // 100ms
	t0 := time.Unix(1_700_000_000, 0)

	assert.True(t, l.Allow(t0))
	l.SetFPS(5) // 200ms
	assert.False(t, l.Allow(t0.Add(100*time.Millisecond)))
	assert.False(t, l.Allow(t0.Add(150*time.Millisecond)))
	assert.True(t, l.Allow(t0.Add(200*time.Millisecond)))
}

func TestAllowAfterLongIdleGrantsSingleEvent(t *testing.T) {
	l := New(20)
	t0 := time.Unix(1_700_000_000, 0)

	assert.True(t, l.Allow(t0))
	later := t0.Add(time.Hour)
	assert.True(t, l.Allow(later))
	for ms := 1; ms < 50; ms++ {
		assert.False(t, l.Allow(later.Add(time.Duration(ms)*time.Millisecond)), "ms=%d", ms)
	}
	assert.True(t, l.Allow(later.Add(50*time.Millisecond)))
}
