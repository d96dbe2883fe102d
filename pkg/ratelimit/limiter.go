// Package ratelimit gates how often a periodic signal, such as a cursor
// position, may be emitted.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	MinFPS     = 5
	MaxFPS     = 60
	DefaultFPS = 20
)

// Limiter allows at most one event per 1000/fps milliseconds. The bucket
// holds a single token, so idle time never buys a burst: the next event is
// allowed one interval after the last allowed one. Denied events are
// dropped by the caller.
type Limiter struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	interval time.Duration
	last     time.Time // most recent Allow call
}

// New creates a limiter for the given rate. Values outside [MinFPS, MaxFPS]
// are clamped; zero selects DefaultFPS.
func New(fps int) *Limiter {
	interval := Interval(fps)
	return &Limiter{
		lim:      rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Interval returns the minimum spacing between allowed events for fps.
func Interval(fps int) time.Duration {
	switch {
	case fps == 0:
		fps = DefaultFPS
	case fps < MinFPS:
		fps = MinFPS
	case fps > MaxFPS:
		fps = MaxFPS
	}
	return time.Second / time.Duration(fps)
}

// Allow reports whether an event at now may be emitted.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = now
	return l.lim.AllowN(now, 1)
}

// SetFPS changes the rate. A pending interval keeps running at the new rate.
func (l *Limiter) SetFPS(fps int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = Interval(fps)
	if l.last.IsZero() {
		l.lim = rate.NewLimiter(rate.Every(l.interval), 1)
		return
	}
	l.lim.SetLimitAt(l.last, rate.Every(l.interval))
}

// Interval returns the current spacing between allowed events.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}
