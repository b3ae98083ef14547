package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/realtime"
)

// Event types carried on a conversation topic.
const (
	EventMessage   = "message"
	EventDelivered = "delivered"
	EventRead      = "read"
)

// DeliveryStatus tracks an outbound message through its lifecycle.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// MessageKind discriminates message payloads.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindLocation MessageKind = "location"
	KindSystem   MessageKind = "system"
)

// Message is one chat message on a conversation topic.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Kind           MessageKind    `json:"kind"`
	Body           string         `json:"body"`
	SentAt         int64          `json:"sentAt"`
	Status         DeliveryStatus `json:"-"`
	DeliveredAt    int64          `json:"-"`
	ReadAt         int64          `json:"-"`
}

// Receipt acknowledges a message as delivered or read by a peer.
type Receipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	At             int64  `json:"at"`
}

// Bus is the slice of the connection manager the chat service needs.
type Bus interface {
	Send(topic, event string, payload any, option ...realtime.SendOption) error
	Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription) error
}

// Service joins conversations for one local user.
type Service struct {
	bus     Bus
	userID  string
	archive Archive
	now     func() time.Time
}

// NewService builds a chat service. The archive is optional; without one
// messages are not persisted locally.
func NewService(bus Bus, userID string, archive Archive) *Service {
	return &Service{bus: bus, userID: userID, archive: archive, now: time.Now}
}

// Join subscribes to a conversation. Incoming messages from peers are
// acknowledged as delivered automatically and handed to onMessage.
func (s *Service) Join(conversationID string, onMessage func(Message)) (*Conversation, error) {
	if conversationID == "" {
		return nil, realtime.ErrEmptyTopic
	}
	c := &Conversation{
		svc:       s,
		id:        conversationID,
		topic:     "chat:" + conversationID,
		onMessage: onMessage,
		outbound:  make(map[string]*Message),
	}
	sub, err := s.bus.Subscribe(c.topic, c.onEvent)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

// Conversation is one joined chat room.
type Conversation struct {
	svc       *Service
	id        string
	topic     string
	sub       *realtime.Subscription
	onMessage func(Message)

	mu       sync.Mutex
	outbound map[string]*Message
	onStatus func(Message)
	left     bool
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// OnStatusChange registers a callback for outbound delivery lifecycle
// changes: sent, delivered, read and failed.
func (c *Conversation) OnStatusChange(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Send publishes a text message on the conversation. The returned message
// is in StatusSending; later transitions arrive through OnStatusChange.
// Messages survive disconnection in the manager's offline buffer and are
// marked failed only when replay retries are exhausted.
func (c *Conversation) Send(body string) (Message, error) {
	return c.SendKind(KindText, body)
}

// SendKind publishes a message with an explicit kind, e.g. a shared
// location or a system notice.
func (c *Conversation) SendKind(kind MessageKind, body string) (Message, error) {
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		SenderID:       c.svc.userID,
		Kind:           kind,
		Body:           body,
		SentAt:         c.svc.now().UnixMilli(),
		Status:         StatusSending,
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return Message{}, realtime.ErrUnknownSubscription
	}
	stored := msg
	c.outbound[msg.ID] = &stored
	c.mu.Unlock()

	err := c.svc.bus.Send(c.topic, EventMessage, msg, realtime.SendOption{
		Priority:   realtime.PriorityNormal,
		OnDelivery: func(err error) { c.onDelivery(msg.ID, err) },
	})
	if err != nil {
		c.mu.Lock()
		delete(c.outbound, msg.ID)
		c.mu.Unlock()
		return Message{}, err
	}

	c.archiveMessage(msg)
	return msg, nil
}

// MarkRead publishes a read receipt for a peer's message.
func (c *Conversation) MarkRead(messageID string) error {
	return c.sendReceipt(EventRead, messageID)
}

// Leave unsubscribes from the conversation.
func (c *Conversation) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	sub := c.sub
	c.mu.Unlock()
	return c.svc.bus.Unsubscribe(sub)
}

func (c *Conversation) onEvent(event string, payload []byte) {
	switch event {
	case EventMessage:
		var msg Message
		if err := (realtime.Envelope{Payload: payload}).DecodePayload(&msg); err != nil {
			logs.Warnf("chat: drop malformed message on %s: %+v", c.topic, err)
			return
		}
		if msg.SenderID == c.svc.userID {
			return
		}
		c.archiveMessage(msg)
		if err := c.sendReceipt(EventDelivered, msg.ID); err != nil {
			logs.Warnf("chat: delivery ack for %s: %+v", msg.ID, err)
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}

	case EventDelivered:
		c.applyReceipt(payload, StatusDelivered)

	case EventRead:
		c.applyReceipt(payload, StatusRead)
	}
}

func (c *Conversation) applyReceipt(payload []byte, status DeliveryStatus) {
	var r Receipt
	if err := (realtime.Envelope{Payload: payload}).DecodePayload(&r); err != nil {
		logs.Warnf("chat: drop malformed receipt on %s: %+v", c.topic, err)
		return
	}
	if r.UserID == c.svc.userID {
		return
	}

	c.mu.Lock()
	msg, ok := c.outbound[r.MessageID]
	if ok {
		// read implies delivered; never regress
		if status == StatusDelivered && (msg.Status == StatusRead || msg.Status == StatusFailed) {
			ok = false
		} else {
			msg.Status = status
			switch status {
			case StatusDelivered:
				msg.DeliveredAt = r.At
			case StatusRead:
				msg.ReadAt = r.At
				if msg.DeliveredAt == 0 {
					msg.DeliveredAt = r.At
				}
			}
		}
	}
	var snapshot Message
	if ok {
		snapshot = *msg
	}
	fn := c.onStatus
	c.mu.Unlock()

	if ok && fn != nil {
		fn(snapshot)
	}
}

// onDelivery is the manager's exactly-once verdict on the wire write.
func (c *Conversation) onDelivery(messageID string, err error) {
	status := StatusSent
	if err != nil {
		status = StatusFailed
		if !errors.Is(err, realtime.ErrRetriesExceeded) {
			logs.Warnf("chat: message %s dropped: %+v", messageID, err)
		}
	}

	c.mu.Lock()
	msg, ok := c.outbound[messageID]
	if ok && msg.Status == StatusSending {
		msg.Status = status
	} else {
		ok = false
	}
	var snapshot Message
	if ok {
		snapshot = *msg
	}
	fn := c.onStatus
	c.mu.Unlock()

	if ok && fn != nil {
		fn(snapshot)
	}
}

func (c *Conversation) sendReceipt(event, messageID string) error {
	return c.svc.bus.Send(c.topic, event, Receipt{
		MessageID:      messageID,
		ConversationID: c.id,
		UserID:         c.svc.userID,
		At:             c.svc.now().UnixMilli(),
	}, realtime.SendOption{Priority: realtime.PriorityLow})
}

func (c *Conversation) archiveMessage(msg Message) {
	if c.svc.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.svc.archive.Save(ctx, msg); err != nil {
		logs.Errorf("chat: archive message %s: %+v", msg.ID, err)
	}
}

// History loads the most recent archived messages for the conversation,
// oldest first.
func (c *Conversation) History(ctx context.Context, limit int) ([]Message, error) {
	if c.svc.archive == nil {
		return nil, nil
	}
	return c.svc.archive.Recent(ctx, c.id, limit)
}
