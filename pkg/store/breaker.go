package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

// BreakerConfig tunes the circuit breaker around a Store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open-state duration before probing
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker fails Load and Save fast with gobreaker.ErrOpenState while the
// backend keeps failing. Watch is passed through unchanged.
type Breaker struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps s in a circuit breaker.
func WithBreaker(s Store, config BreakerConfig) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("store circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A missing map is an answer, not a backend failure.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{Store: s, cb: cb}
}

func (b *Breaker) Load(ctx context.Context, id string) (*model.Graph, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.Store.Load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Graph), nil
}

func (b *Breaker) Save(ctx context.Context, g *model.Graph) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Store.Save(ctx, g)
	})
	return err
}

// State reports the breaker state, for status endpoints.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
