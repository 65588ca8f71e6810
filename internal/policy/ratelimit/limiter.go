// Package ratelimit spaces outgoing requests with a shared token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between consecutive turns across every
// caller sharing the instance.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	observe  func(time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum spacing between turns. Zero disables limiting.
	MinInterval time.Duration
	// ObserveDelay, when set, receives every wait longer than a millisecond.
	ObserveDelay func(time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: cfg.MinInterval,
		observe:  cfg.ObserveDelay,
	}
}

// Interval reports the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// WaitTurn blocks until the caller may issue its request or ctx is done.
func (l *Limiter) WaitTurn(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(waited)
	}
	return nil
}
