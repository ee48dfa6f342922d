// Package dedup drops repeated deliveries of the same inbound message.
//
// Messaging bridges redeliver on timeouts and reconnects. The first delivery
// of an id inside the retention window is accepted; every repeat is dropped
// before it can create a request or send anything.
package dedup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/csync"
)

const defaultShards = 32

// Cache remembers delivery ids for a fixed window.
//
// Used by: bot.HandleDelivery (first step of every delivery)
// Purpose: Exactly one request per delivered message
type Cache struct {
	window  time.Duration
	entries *csync.Sharded[string, time.Time]
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now. Tests use it to move through the window
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithShards sets the number of independently locked shards.
func WithShards(n int) Option {
	return func(c *Cache) { c.entries = csync.NewSharded[string, time.Time](n) }
}

// New creates a cache that keeps ids for window.
func New(window time.Duration, opts ...Option) *Cache {
	c := &Cache{
		window:  window,
		entries: csync.NewSharded[string, time.Time](defaultShards),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Accept records id and reports true the first time it is seen within the
// window. A repeat inside the window reports false. An entry older than the
// window counts as absent and is replaced.
func (c *Cache) Accept(id string) bool {
	now := c.now()
	accepted := false
	c.entries.Compute(id, func(seen time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Sub(seen) < c.window {
			return seen, true
		}
		accepted = true
		return now, true
	})
	return accepted
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Sweep removes every entry older than the window and returns how many were
// removed.
func (c *Cache) Sweep() int {
	now := c.now()
	return c.entries.DeleteFunc(func(_ string, seen time.Time) bool {
		return now.Sub(seen) >= c.window
	})
}

// Start launches the sweeper, which runs every window/2 until Stop.
// Calling Start on a running cache does nothing.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	interval := c.window / 2
	if interval <= 0 {
		interval = time.Second
	}
	go c.sweepLoop(interval, c.stop, c.stopped)
}

// Stop halts the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

func (c *Cache) sweepLoop(interval time.Duration, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired deliveries",
					zap.Int("removed", n),
					zap.Int("remaining", c.Len()))
			}
		}
	}
}
