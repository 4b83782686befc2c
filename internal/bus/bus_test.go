package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishSubscribe(t *testing.T) {
	b := NewInMemory(4)
	sub, cancel := b.Subscribe(ChannelFindings)
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), ChannelFindings, "finding-1"))

	select {
	case v := <-sub.C:
		assert.Equal(t, "finding-1", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInMemoryDropsOnFullQueueAndMarksDegraded(t *testing.T) {
	b := NewInMemory(1)
	sub, cancel := b.Subscribe(ChannelFindings)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, ChannelFindings, 1))
	require.NoError(t, b.Publish(ctx, ChannelFindings, 2)) // queue full, dropped

	assert.True(t, b.IsDegraded(ChannelFindings))

	// Only the first value was delivered.
	v := <-sub.C
	assert.Equal(t, 1, v)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewInMemory(4)
	sub, cancel := b.Subscribe(ChannelIncidents)
	cancel()

	require.NoError(t, b.Publish(context.Background(), ChannelIncidents, "x"))

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := NewInMemory(4)
	sub1, cancel1 := b.Subscribe(ChannelEventsRaw)
	defer cancel1()
	sub2, cancel2 := b.Subscribe(ChannelEventsRaw)
	defer cancel2()

	require.NoError(t, b.Publish(context.Background(), ChannelEventsRaw, "e"))

	assert.Equal(t, "e", <-sub1.C)
	assert.Equal(t, "e", <-sub2.C)
}
