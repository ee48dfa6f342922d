package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAcceptDropsRepeatsInsideWindow(t *testing.T) {
	clock := newClock()
	c := New(5*time.Minute, WithClock(clock.Now))

	assert.True(t, c.Accept("d1"))
	assert.False(t, c.Accept("d1"))

	clock.Advance(4*time.Minute + 59*time.Second)
	assert.False(t, c.Accept("d1"), "still inside the window")
	assert.True(t, c.Accept("d2"))
}

func TestAcceptAfterWindowTreatsEntryAsAbsent(t *testing.T) {
	clock := newClock()
	c := New(5*time.Minute, WithClock(clock.Now))

	require.True(t, c.Accept("d1"))
	clock.Advance(5 * time.Minute)
	assert.True(t, c.Accept("d1"))
	assert.False(t, c.Accept("d1"), "re-accepting restarts the window")
}

func TestSweepOnlyRemovesExpired(t *testing.T) {
	clock := newClock()
	c := New(time.Minute, WithClock(clock.Now), WithShards(4))

	c.Accept("old")
	clock.Advance(30 * time.Second)
	c.Accept("fresh")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Accept("fresh"), "sweeping must not forget ids inside the window")
}

func TestConcurrentAcceptAdmitsOnce(t *testing.T) {
	c := New(time.Minute)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Accept("same") {
				accepted.Add(1)
			}
			c.Accept(fmt.Sprintf("other-%d", i))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 65, c.Len())
}

func TestStartStop(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Start()
	c.Start()
	c.Accept("d1")

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}
