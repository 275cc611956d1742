package blobstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a tier with a circuit breaker. While open, calls fail fast
// with gobreaker.ErrOpenState instead of waiting on a dead backend.
type Breaker struct {
	tier Tier
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker trips after failures consecutive errors and probes again after
// cooldown. A missing object is not a failure.
func WithBreaker(tier Tier, failures int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        tier.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
	if logger != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("tier breaker state change", "tier", name, "from", from.String(), "to", to.String())
		}
	}
	return &Breaker{tier: tier, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Name implements Tier.
func (b *Breaker) Name() string { return b.tier.Name() }

// Get implements Tier.
func (b *Breaker) Get(ctx context.Context, key string) (Object, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.tier.Get(ctx, key)
	})
	if err != nil {
		return Object{}, b.wrap("get", key, err)
	}
	return v.(Object), nil
}

// Put implements Tier.
func (b *Breaker) Put(ctx context.Context, key string, body []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.tier.Put(ctx, key, body)
	})
	return b.wrap("put", key, err)
}

// Delete implements Tier.
func (b *Breaker) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.tier.Delete(ctx, key)
	})
	return b.wrap("delete", key, err)
}

// List implements Tier.
func (b *Breaker) List(ctx context.Context, prefix string, modifiedAfter time.Time) ([]string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.tier.List(ctx, prefix, modifiedAfter)
	})
	if err != nil {
		return nil, b.wrap("list", prefix, err)
	}
	return v.([]string), nil
}

// wrap leaves tier errors alone and labels breaker rejections.
func (b *Breaker) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var te *TierError
	if errors.As(err, &te) {
		return err
	}
	return &TierError{Tier: b.Name(), Op: op, Key: key, Err: err}
}
