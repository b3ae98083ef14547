package inventory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/realtime"
)

type stubBus struct {
	mu       sync.Mutex
	handlers map[string]realtime.Handler
	unsubs   int
}

func newStubBus() *stubBus {
	return &stubBus{handlers: make(map[string]realtime.Handler)}
}

func (b *stubBus) Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return &realtime.Subscription{}, nil
}

func (b *stubBus) Unsubscribe(sub *realtime.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs++
	return nil
}

func (b *stubBus) stock(t *testing.T, productID, available string) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers["inventory:"+productID]
	b.mu.Unlock()
	require.NotNil(t, handler)
	payload := fmt.Sprintf(`{"productId":%q,"available":%q,"at":1}`, productID, available)
	handler(EventStock, []byte(payload))
}

func TestWatchRequiresProductID(t *testing.T) {
	w := NewWatcher(newStubBus())
	_, err := w.Watch("", 10, nil)
	assert.ErrorIs(t, err, realtime.ErrEmptyTopic)
}

func TestAlertFiresOnceBelowThreshold(t *testing.T) {
	bus := newStubBus()
	w := NewWatcher(bus)

	var alerts []Alert
	pw, err := w.Watch("p1", 10, func(a Alert) { alerts = append(alerts, a) })
	require.NoError(t, err)
	defer pw.Stop()

	bus.stock(t, "p1", "25")
	assert.Empty(t, alerts)

	bus.stock(t, "p1", "9.5")
	require.Len(t, alerts, 1)
	assert.Equal(t, "p1", alerts[0].ProductID)
	assert.Equal(t, 10.0, alerts[0].Threshold)

	// still below, no repeat
	bus.stock(t, "p1", "3")
	bus.stock(t, "p1", "0.25")
	assert.Len(t, alerts, 1)
}

func TestAlertRearmsAfterRecovery(t *testing.T) {
	bus := newStubBus()
	w := NewWatcher(bus)

	var alerts []Alert
	pw, err := w.Watch("p1", 10, func(a Alert) { alerts = append(alerts, a) })
	require.NoError(t, err)
	defer pw.Stop()

	bus.stock(t, "p1", "5")
	bus.stock(t, "p1", "50")
	bus.stock(t, "p1", "2")
	assert.Len(t, alerts, 2)

	// landing exactly on the threshold neither fires nor re-arms
	bus.stock(t, "p1", "10")
	bus.stock(t, "p1", "4")
	assert.Len(t, alerts, 2)
}

func TestLevelSnapshot(t *testing.T) {
	bus := newStubBus()
	w := NewWatcher(bus)
	pw, err := w.Watch("p1", 10, nil)
	require.NoError(t, err)
	defer pw.Stop()

	_, ok := pw.Level()
	assert.False(t, ok)

	bus.stock(t, "p1", "42")
	level, ok := pw.Level()
	require.True(t, ok)
	assert.Equal(t, "p1", level.ProductID)
	assert.Equal(t, int64(1), level.At)
}

func TestStopIsIdempotent(t *testing.T) {
	bus := newStubBus()
	w := NewWatcher(bus)
	pw, err := w.Watch("p1", 10, nil)
	require.NoError(t, err)

	require.NoError(t, pw.Stop())
	require.NoError(t, pw.Stop())
	assert.Equal(t, 1, bus.unsubs)
}
