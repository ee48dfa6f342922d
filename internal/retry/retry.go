// Package retry holds the backoff schedules and the interruptible wait used
// by the bounded retry loops.
package retry

import (
	"context"
	"time"
)

// WaitFunc blocks for d or until ctx ends.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Linear returns base*k, the wait before retry k+1.
func Linear(base time.Duration, k int) time.Duration {
	return base * time.Duration(k)
}

// Quadratic returns base*k², the wait before retry k.
func Quadratic(base time.Duration, k int) time.Duration {
	return base * time.Duration(k*k)
}
