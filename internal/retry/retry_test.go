package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}

func TestSchedules(t *testing.T) {
	base := 1500 * time.Millisecond
	assert.Equal(t, 1500*time.Millisecond, Linear(base, 1))
	assert.Equal(t, 3000*time.Millisecond, Linear(base, 2))

	assert.Equal(t, time.Second, Quadratic(time.Second, 1))
	assert.Equal(t, 4*time.Second, Quadratic(time.Second, 2))
}
