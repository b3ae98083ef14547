package realtime

import (
	"iter"
	"sort"
	"sync"
	"time"
)

const defaultQueueCapacity = 100

// QueuedMessage is an outbound event buffered while the channel is down.
type QueuedMessage struct {
	Topic      string
	Event      string
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int

	// TTL drops the message when it waits longer than this; zero keeps it forever.
	TTL time.Duration

	seq        uint64
	onDelivery func(error)
}

func (m *QueuedMessage) expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.EnqueuedAt) > m.TTL
}

// messageQueue is a bounded priority buffer for outbound messages.
// Delivery order on drain is priority descending, then enqueue order.
type messageQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*QueuedMessage
	seq      uint64
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &messageQueue{
		capacity: capacity,
		items:    make([]*QueuedMessage, 0, capacity),
	}
}

// Enqueue inserts a message respecting capacity. On overflow the oldest
// entry of the lowest priority tier is evicted; when the incoming message
// itself belongs to the lowest tier present it is rejected instead.
// An evicted message has its delivery callback notified with ErrQueueFull.
func (q *messageQueue) Enqueue(msg *QueuedMessage) error {
	if msg == nil {
		return nil
	}
	var evicted *QueuedMessage
	q.mu.Lock()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	expired := q.dropExpiredLocked(time.Now())
	if len(q.items) >= q.capacity {
		victim := q.victimLocked()
		if victim < 0 || q.items[victim].Priority >= msg.Priority {
			q.mu.Unlock()
			notifyDropped(expired, ErrMessageExpired)
			return ErrQueueFull
		}
		evicted = q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}
	q.seq++
	msg.seq = q.seq
	q.items = append(q.items, msg)
	q.mu.Unlock()

	notifyDropped(expired, ErrMessageExpired)
	if evicted != nil && evicted.onDelivery != nil {
		evicted.onDelivery(ErrQueueFull)
	}
	return nil
}

// Drain empties the queue and returns a one-shot ordered sequence over
// the removed messages. A second call yields an empty sequence.
func (q *messageQueue) Drain() iter.Seq[*QueuedMessage] {
	q.mu.Lock()
	expired := q.dropExpiredLocked(time.Now())
	drained := q.items
	q.items = make([]*QueuedMessage, 0, q.capacity)
	q.mu.Unlock()
	notifyDropped(expired, ErrMessageExpired)

	sort.SliceStable(drained, func(i, j int) bool {
		if drained[i].Priority != drained[j].Priority {
			return drained[i].Priority > drained[j].Priority
		}
		return drained[i].seq < drained[j].seq
	})
	return func(yield func(*QueuedMessage) bool) {
		for _, msg := range drained {
			if !yield(msg) {
				return
			}
		}
	}
}

// Size returns the number of buffered messages.
func (q *messageQueue) Size() int {
	q.mu.Lock()
	size := len(q.items)
	q.mu.Unlock()
	return size
}

// Clear discards all buffered messages without notifying callbacks.
func (q *messageQueue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}

// victimLocked picks the oldest entry of the lowest priority tier.
func (q *messageQueue) victimLocked() int {
	victim := -1
	for i, item := range q.items {
		if victim < 0 ||
			item.Priority < q.items[victim].Priority ||
			(item.Priority == q.items[victim].Priority && item.seq < q.items[victim].seq) {
			victim = i
		}
	}
	return victim
}

func (q *messageQueue) dropExpiredLocked(now time.Time) []*QueuedMessage {
	var expired []*QueuedMessage
	kept := q.items[:0]
	for _, item := range q.items {
		if item.expired(now) {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return expired
}

func notifyDropped(dropped []*QueuedMessage, err error) {
	for _, msg := range dropped {
		if msg.onDelivery != nil {
			msg.onDelivery(err)
		}
	}
}
