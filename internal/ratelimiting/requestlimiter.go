package ratelimiting

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type RequestLimiter interface {
	// Limit waits for a slot and runs operation
	//
	// Returns false without running operation if the slot (plus minOperationTime)
	// would not be available before the deadline of ctx, or ctx ended while waiting.
	Limit(ctx context.Context, minOperationTime time.Duration, operation func(ctx context.Context)) bool
}

type pacedRequestLimiter struct {
	limiter   *rate.Limiter
	nowFunc   func() time.Time
	afterFunc func(time.Duration) <-chan time.Time
}

// NewPacedRequestLimiter spreads outbound requests evenly at perSecond, allowing bursts of burst
func NewPacedRequestLimiter(
	perSecond int,
	burst int,
	nowFunc func() time.Time,
	afterFunc func(time.Duration) <-chan time.Time,
) *pacedRequestLimiter {
	return &pacedRequestLimiter{
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		nowFunc:   nowFunc,
		afterFunc: afterFunc,
	}
}

func (l *pacedRequestLimiter) Limit(ctx context.Context, minOperationTime time.Duration, operation func(ctx context.Context)) bool {
	if ctx.Err() != nil {
		return false
	}

	now := l.nowFunc()
	reservation := l.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false
	}

	wait := reservation.DelayFrom(now)
	if deadline, ok := ctx.Deadline(); ok && now.Add(wait+minOperationTime).After(deadline) {
		reservation.CancelAt(now)
		return false
	}

	if wait > 0 {
		select {
		case <-ctx.Done():
			reservation.CancelAt(l.nowFunc())
			return false
		case <-l.afterFunc(wait):
		}
	}

	operation(ctx)
	return true
}
