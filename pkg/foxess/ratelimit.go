package foxess

import (
	"context"
	"sync"
	"time"
)

const (
	// requestSpacing is the minimum gap between consecutive cloud calls,
	// matching the vendor's tightest documented rate limit.
	requestSpacing = time.Second
	// spacingMargin absorbs clock-resolution error on top of the spacing.
	// The cloud counts calls on its own clock, so the exact margin matters.
	spacingMargin = 200 * time.Millisecond
)

// rateLimiter spaces consecutive requests at least a second apart. It is a
// spacing gate, not a token bucket: there are no bursts, and concurrent
// callers on the same client serialize through it in lock order.
type rateLimiter struct {
	mu   sync.Mutex
	last time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		now:   time.Now,
		sleep: sleepContext,
	}
}

// acquire blocks until enough time has passed since the previous permitted
// call. The first call on a fresh limiter never waits. The last-call stamp
// is taken after the wait completes, so each subsequent caller pays the full
// spacing relative to the caller before it.
func (r *rateLimiter) acquire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.last.IsZero() {
		if elapsed := r.now().Sub(r.last); elapsed < requestSpacing {
			if err := r.sleep(ctx, requestSpacing-elapsed+spacingMargin); err != nil {
				return err
			}
		}
	}
	r.last = r.now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
