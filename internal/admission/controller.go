// Package admission bounds how many request workflows run at once.
//
// Callers queue in arrival order when every slot is taken. The slot is
// released on every exit path of the task, including panics.
package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/billie-coop/askdata/internal/metrics"
)

// Controller admits at most a fixed number of concurrent tasks.
//
// Used by: bot.HandleDelivery (wraps pipeline and finalizer)
// Purpose: Keep the data engine and the LLM services from being flooded
type Controller struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	waiting  atomic.Int64
	metrics  *metrics.Metrics
}

// New creates a controller with limit slots (at least one). m may be nil.
func New(limit int, m *metrics.Metrics) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   int64(limit),
		metrics: m,
	}
}

// Limit returns the number of slots.
func (c *Controller) Limit() int { return int(c.limit) }

// InFlight returns how many tasks currently hold a slot.
func (c *Controller) InFlight() int64 { return c.inFlight.Load() }

// Waiting returns how many callers are queued for a slot.
func (c *Controller) Waiting() int64 { return c.waiting.Load() }

func (c *Controller) publish() {
	c.metrics.SetAdmission(c.inFlight.Load(), c.waiting.Load())
}

// Run waits for a slot, then runs task with ctx. A caller whose ctx ends
// while queued returns ctx.Err() without running the task.
func (c *Controller) Run(ctx context.Context, task func(context.Context) error) error {
	c.waiting.Add(1)
	c.publish()
	err := c.sem.Acquire(ctx, 1)
	c.waiting.Add(-1)
	if err != nil {
		c.publish()
		return err
	}

	c.inFlight.Add(1)
	c.publish()
	defer func() {
		c.inFlight.Add(-1)
		c.sem.Release(1)
		c.publish()
	}()

	return task(ctx)
}

// Do is Run for tasks that produce a value.
func Do[T any](ctx context.Context, c *Controller, task func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, func(ctx context.Context) error {
		var err error
		out, err = task(ctx)
		return err
	})
	return out, err
}
