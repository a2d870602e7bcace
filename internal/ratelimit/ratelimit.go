// Package ratelimit paces outbound sends with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks until the next send may proceed or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewInterval returns a limiter allowing one send per interval. A
// non-positive interval disables pacing.
func NewInterval(interval time.Duration) Limiter {
	if interval <= 0 {
		return Unlimited{}
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
