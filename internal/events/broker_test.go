package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedAndWildcardSubscribers(t *testing.T) {
	b := NewBroker()
	typed := b.Subscribe(DatasetReloadedEvent)
	all := b.Subscribe()

	b.Publish(DatasetReloadedEvent, DatasetPayload{Path: "data.csv"})
	b.Publish(RequestRegisteredEvent, RequestPayload{RequestID: "r1", User: "u"})

	ev := <-typed
	assert.Equal(t, DatasetReloadedEvent, ev.Type)
	assert.Equal(t, "data.csv", ev.Payload.(DatasetPayload).Path)
	assert.False(t, ev.Time.IsZero())
	assert.Empty(t, typed)

	require.Len(t, all, 2)
	assert.Equal(t, DatasetReloadedEvent, (<-all).Type)
	assert.Equal(t, RequestRegisteredEvent, (<-all).Type)
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(QueryAttemptEvent)
	for i := 0; i < b.bufferSize+5; i++ {
		b.Publish(QueryAttemptEvent, QueryAttemptPayload{Attempt: i})
	}
	assert.Len(t, ch, b.bufferSize)
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(RequestCancelledEvent, RequestFinishedEvent)
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Empty(t, b.subscribers)

	b.Publish(RequestFinishedEvent, nil)
}

func TestCloseAndNilBroker(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(RequestCancelledEvent, RequestFinishedEvent)
	b.Close()
	_, open := <-ch
	assert.False(t, open)

	var nb *Broker
	assert.NotPanics(t, func() { nb.Publish(RequestFinishedEvent, nil) })
}
