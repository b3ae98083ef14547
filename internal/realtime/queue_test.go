package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainOrder(t *testing.T) {
	q := newMessageQueue(10)

	require.NoError(t, q.Enqueue(&QueuedMessage{Topic: "a", Event: "1", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Topic: "b", Event: "2", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Topic: "c", Event: "3", Priority: PriorityNormal}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Topic: "d", Event: "4", Priority: PriorityHigh}))

	var order []string
	for msg := range q.Drain() {
		order = append(order, msg.Event)
	}
	assert.Equal(t, []string{"2", "4", "3", "1"}, order)
	assert.Zero(t, q.Size())
}

func TestQueueSecondDrainEmpty(t *testing.T) {
	q := newMessageQueue(10)
	require.NoError(t, q.Enqueue(&QueuedMessage{Topic: "a", Priority: PriorityNormal}))

	first := 0
	for range q.Drain() {
		first++
	}
	require.Equal(t, 1, first)

	second := 0
	for range q.Drain() {
		second++
	}
	assert.Zero(t, second)
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := newMessageQueue(5)
	for i := 0; i < 50; i++ {
		_ = q.Enqueue(&QueuedMessage{Topic: "t", Priority: PriorityNormal})
		require.LessOrEqual(t, q.Size(), 5)
	}
	assert.Equal(t, 5, q.Size())
}

func TestQueueOverflowEvictsLowestPriorityOldest(t *testing.T) {
	q := newMessageQueue(3)

	var droppedErr error
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "old-low", Priority: PriorityLow, onDelivery: func(err error) { droppedErr = err }}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "new-low", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "normal", Priority: PriorityNormal}))

	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "high", Priority: PriorityHigh}))
	assert.Equal(t, 3, q.Size())
	assert.ErrorIs(t, droppedErr, ErrQueueFull)

	var order []string
	for msg := range q.Drain() {
		order = append(order, msg.Event)
	}
	assert.Equal(t, []string{"high", "normal", "new-low"}, order)
}

func TestQueueRejectsWhenNewcomerIsLowest(t *testing.T) {
	q := newMessageQueue(2)
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "a", Priority: PriorityNormal}))
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "b", Priority: PriorityNormal}))

	err := q.Enqueue(&QueuedMessage{Event: "c", Priority: PriorityLow})
	assert.ErrorIs(t, err, ErrQueueFull)

	err = q.Enqueue(&QueuedMessage{Event: "d", Priority: PriorityNormal})
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, 2, q.Size())
}

func TestQueueDropsExpired(t *testing.T) {
	q := newMessageQueue(10)

	var droppedErr error
	expired := &QueuedMessage{
		Event:      "stale",
		Priority:   PriorityNormal,
		TTL:        time.Millisecond,
		EnqueuedAt: time.Now().Add(-time.Second),
		onDelivery: func(err error) { droppedErr = err },
	}
	require.NoError(t, q.Enqueue(expired))
	require.NoError(t, q.Enqueue(&QueuedMessage{Event: "fresh", Priority: PriorityNormal}))

	var order []string
	for msg := range q.Drain() {
		order = append(order, msg.Event)
	}
	assert.Equal(t, []string{"fresh"}, order)
	assert.ErrorIs(t, droppedErr, ErrMessageExpired)
}
