package console

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/events"
)

func TestChannelQueuesReplies(t *testing.T) {
	ch := NewChannel("console", t.TempDir(), nil)

	require.NoError(t, ch.SendText(context.Background(), "console", "The total is 42."))
	msg := waitForReply(ch.replies)()
	assert.Equal(t, replyMsg{text: "The total is 42."}, msg)
}

func TestChannelKeepsChartCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG"), 0o644))
	keepDir := filepath.Join(t.TempDir(), "charts")
	ch := NewChannel("console", keepDir, nil)

	require.NoError(t, ch.SendImage(context.Background(), "console", src, ""))
	require.NoError(t, os.Remove(src))

	msg := (<-ch.replies).(replyMsg)
	assert.True(t, strings.HasPrefix(msg.image, keepDir))
	data, err := os.ReadFile(msg.image)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data)
}

func TestChannelSendRespectsContext(t *testing.T) {
	ch := NewChannel("console", t.TempDir(), nil)
	for i := 0; i < cap(ch.replies); i++ {
		require.NoError(t, ch.SendText(context.Background(), "", "x"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.SendText(ctx, "", "overflow"), context.Canceled)
}

func TestSubmitHandsDeliveryToHandler(t *testing.T) {
	ch := NewChannel("console", t.TempDir(), nil)
	var got channel.Delivery
	h := channel.HandlerFunc(func(ctx context.Context, d channel.Delivery) {
		got = d
		_ = ch.SendText(ctx, d.User, "answer")
	})
	m := NewModel(context.Background(), ch, h, nil)
	m.resize(80, 24)

	cmd := m.submit("how many orders?")
	require.NotNil(t, cmd)
	assert.Equal(t, 1, m.pending)

	// Run the handler directly instead of through the batch.
	m.handler.HandleDelivery(m.ctx, channel.Delivery{ID: "x", User: ch.User(), Body: "how many orders?"})
	assert.Equal(t, "console", got.User)
	assert.Equal(t, "how many orders?", got.Body)

	_, _ = m.Update(waitForReply(ch.replies)())
	_, _ = m.Update(deliveryDoneMsg{})
	assert.Zero(t, m.pending)
	require.Len(t, m.entries, 2)
	assert.True(t, m.entries[0].fromUser)
	assert.Equal(t, "answer", m.entries[1].text)
}

func TestLaterSubmitsSkipSpinnerTick(t *testing.T) {
	ch := NewChannel("console", t.TempDir(), nil)
	ids := make(chan string, 2)
	h := channel.HandlerFunc(func(_ context.Context, d channel.Delivery) { ids <- d.ID })
	m := NewModel(context.Background(), ch, h, nil)

	m.submit("a")
	m.submit("b")
	assert.Equal(t, 2, m.pending)

	// With a delivery already pending, submit returns the handler command alone.
	msg := m.submit("c")()
	assert.Equal(t, deliveryDoneMsg{}, msg)
	assert.NotEmpty(t, <-ids)
}

func TestDescribe(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name   string
		ev     events.Event
		want   string
		wantOK bool
	}{
		{"registered", events.Event{Type: events.RequestRegisteredEvent, Time: at,
			Payload: events.RequestPayload{RequestID: "0190aaaa-bbbb-cccc-dddd-123456789abc"}},
			"09:30:00 request 56789abc started", true},
		{"finished", events.Event{Type: events.RequestFinishedEvent, Time: at,
			Payload: events.RequestPayload{RequestID: "r1", Outcome: "answered"}},
			"09:30:00 request r1 finished: answered", true},
		{"attempt failed", events.Event{Type: events.QueryAttemptEvent, Time: at,
			Payload: events.QueryAttemptPayload{Attempt: 2, Err: errors.New("no such column: x")}},
			"09:30:00 query attempt 2 failed: no such column: x", false},
		{"reloaded", events.Event{Type: events.DatasetReloadedEvent, Time: at,
			Payload: events.DatasetPayload{Path: "/data/vendas.csv"}},
			"09:30:00 dataset reloaded: /data/vendas.csv", true},
		{"export failed", events.Event{Type: events.ExportTriggeredEvent, Time: at,
			Payload: events.DatasetPayload{Err: errors.New("502")}},
			"09:30:00 export triggered failed: 502", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := describe(tt.ev)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestEventUpdatesStatus(t *testing.T) {
	evs := make(chan events.Event, 1)
	m := NewModel(context.Background(), NewChannel("console", t.TempDir(), nil), nil, evs)

	_, cmd := m.Update(eventMsg{event: events.Event{Type: events.DatasetReloadedEvent, Payload: events.DatasetPayload{Err: errors.New("bad")}}})
	assert.False(t, m.statusOK)
	assert.Contains(t, m.status, "dataset reloaded failed")
	require.NotNil(t, cmd)

	close(evs)
	assert.Nil(t, cmd())
}
