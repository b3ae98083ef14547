package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/realtime"
)

type sentEvent struct {
	topic   string
	event   string
	payload []byte
	opt     realtime.SendOption
}

type stubBus struct {
	mu       sync.Mutex
	sent     []sentEvent
	handlers map[string]realtime.Handler
	unsubs   int
}

func newStubBus() *stubBus {
	return &stubBus{handlers: make(map[string]realtime.Handler)}
}

func (b *stubBus) Send(topic, event string, payload any, option ...realtime.SendOption) error {
	raw, err := sonic.ConfigFastest.Marshal(payload)
	if err != nil {
		return err
	}
	var opt realtime.SendOption
	if len(option) != 0 {
		opt = option[0]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{topic: topic, event: event, payload: raw, opt: opt})
	return nil
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

func (b *stubBus) deliver(t *testing.T, topic, event string, payload any) {
	t.Helper()
	raw, err := sonic.ConfigFastest.Marshal(payload)
	require.NoError(t, err)
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	require.NotNil(t, handler)
	handler(event, raw)
}

func (b *stubBus) events(event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, s := range b.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type memArchive struct {
	mu   sync.Mutex
	rows []Message
}

func (a *memArchive) Save(ctx context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, msg)
	return nil
}

func (a *memArchive) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Message
	for _, m := range a.rows {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestJoinRequiresConversationID(t *testing.T) {
	svc := NewService(newStubBus(), "u1", nil)
	_, err := svc.Join("", nil)
	assert.ErrorIs(t, err, realtime.ErrEmptyTopic)
}

func TestSendLifecycle(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	var updates []Message
	conv.OnStatusChange(func(m Message) { updates = append(updates, m) })

	msg, err := conv.Send("hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StatusSending, msg.Status)
	assert.Equal(t, KindText, msg.Kind)
	assert.Equal(t, "u1", msg.SenderID)

	outbound := bus.events(EventMessage)
	require.Len(t, outbound, 1)
	assert.Equal(t, "chat:c1", outbound[0].topic)
	require.NotNil(t, outbound[0].opt.OnDelivery)

	outbound[0].opt.OnDelivery(nil)
	require.Len(t, updates, 1)
	assert.Equal(t, StatusSent, updates[0].Status)
	assert.Equal(t, msg.ID, updates[0].ID)
}

func TestSendFailureAfterRetries(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	var updates []Message
	conv.OnStatusChange(func(m Message) { updates = append(updates, m) })

	_, err = conv.Send("hello")
	require.NoError(t, err)

	bus.events(EventMessage)[0].opt.OnDelivery(realtime.ErrRetriesExceeded)
	require.Len(t, updates, 1)
	assert.Equal(t, StatusFailed, updates[0].Status)
}

func TestInboundMessageAcksDelivered(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)

	var received []Message
	conv, err := svc.Join("c1", func(m Message) { received = append(received, m) })
	require.NoError(t, err)

	bus.deliver(t, "chat:c1", EventMessage, Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", SentAt: 1,
	})

	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].ID)

	acks := bus.events(EventDelivered)
	require.Len(t, acks, 1)
	var r Receipt
	require.NoError(t, sonic.ConfigFastest.Unmarshal(acks[0].payload, &r))
	assert.Equal(t, "m1", r.MessageID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, realtime.PriorityLow, acks[0].opt.Priority)

	// own echo is ignored, no second ack
	bus.deliver(t, "chat:c1", EventMessage, Message{ID: "m2", SenderID: "u1"})
	assert.Len(t, received, 1)
	assert.Len(t, bus.events(EventDelivered), 1)
	_ = conv
}

func TestReceiptsAdvanceStatus(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	var updates []Message
	conv.OnStatusChange(func(m Message) { updates = append(updates, m) })

	msg, err := conv.Send("hello")
	require.NoError(t, err)
	bus.events(EventMessage)[0].opt.OnDelivery(nil)

	bus.deliver(t, "chat:c1", EventDelivered, Receipt{MessageID: msg.ID, UserID: "u2", At: 2})
	bus.deliver(t, "chat:c1", EventRead, Receipt{MessageID: msg.ID, UserID: "u2", At: 3})
	// stale delivered after read never regresses
	bus.deliver(t, "chat:c1", EventDelivered, Receipt{MessageID: msg.ID, UserID: "u2", At: 4})

	require.Len(t, updates, 3)
	assert.Equal(t, StatusSent, updates[0].Status)
	assert.Equal(t, StatusDelivered, updates[1].Status)
	assert.Equal(t, int64(2), updates[1].DeliveredAt)
	assert.Equal(t, StatusRead, updates[2].Status)
	assert.Equal(t, int64(3), updates[2].ReadAt)
}

func TestSendKind(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	msg, err := conv.SendKind(KindSystem, "courier assigned")
	require.NoError(t, err)
	assert.Equal(t, KindSystem, msg.Kind)
}

func TestMarkRead(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	require.NoError(t, conv.MarkRead("m9"))
	reads := bus.events(EventRead)
	require.Len(t, reads, 1)
	var r Receipt
	require.NoError(t, sonic.ConfigFastest.Unmarshal(reads[0].payload, &r))
	assert.Equal(t, "m9", r.MessageID)
}

func TestLeaveStopsSending(t *testing.T) {
	bus := newStubBus()
	svc := NewService(bus, "u1", nil)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	require.NoError(t, conv.Leave())
	require.NoError(t, conv.Leave())
	assert.Equal(t, 1, bus.unsubs)

	_, err = conv.Send("late")
	assert.ErrorIs(t, err, realtime.ErrUnknownSubscription)
}

func TestArchiveCapturesBothDirections(t *testing.T) {
	bus := newStubBus()
	arch := &memArchive{}
	svc := NewService(bus, "u1", arch)
	conv, err := svc.Join("c1", nil)
	require.NoError(t, err)

	_, err = conv.Send("out")
	require.NoError(t, err)
	bus.deliver(t, "chat:c1", EventMessage, Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "in"})

	hist, err := conv.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "out", hist[0].Body)
	assert.Equal(t, "in", hist[1].Body)
}
