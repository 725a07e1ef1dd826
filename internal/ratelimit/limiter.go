// Package ratelimit bounds how often the service calls the price provider.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Acquirer blocks until one outbound request may proceed.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Limiter allows at most perSecond requests in any rolling one-second
// window. The bucket holds a single token, so admissions are spaced
// 1/perSecond apart and never burst. Callers are delayed, never rejected;
// the only error is the caller's own context ending.
type Limiter struct {
	perSecond int
	lim       *rate.Limiter
}

func New(perSecond int) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", perSecond)
	}
	return &Limiter{
		perSecond: perSecond,
		lim:       rate.NewLimiter(rate.Limit(perSecond), 1),
	}, nil
}

func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

func (l *Limiter) PerSecond() int { return l.perSecond }

// Interval is the minimum spacing between two admitted requests.
func (l *Limiter) Interval() time.Duration {
	return time.Second / time.Duration(l.perSecond)
}

// NoDelay admits every request immediately. Used by tests.
type NoDelay struct{}

func (NoDelay) Acquire(ctx context.Context) error { return ctx.Err() }
