package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	// DefaultHeartbeatInterval is the default ping cadence while connected.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxRetries bounds replay attempts per queued message.
	DefaultMaxRetries = 3

	sessionOutboundSize = 64
	inboundBufferSize   = 64
	missedPongLimit     = 2
)

// Option defines the manager runtime configuration.
type Option struct {
	// Backoff defines the reconnect delay policy. Optional; default DefaultBackoff when all fields are zero.
	Backoff Backoff
	// HeartbeatInterval is the ping cadence while connected. Optional; default 30s.
	HeartbeatInterval time.Duration
	// QueueCapacity bounds the offline message buffer. Optional; default 100.
	QueueCapacity int
	// MaxRetries bounds replay attempts per queued message. Optional; default 3.
	MaxRetries int
	// QualityWindow is the heartbeat sample window size. Optional; default 5.
	QualityWindow int
}

func (opt *Option) init() {
	if opt.Backoff.Base == 0 && opt.Backoff.Max == 0 && opt.Backoff.Jitter == 0 && opt.Backoff.MaxAttempts == 0 {
		opt.Backoff = DefaultBackoff()
	}
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.QueueCapacity <= 0 {
		opt.QueueCapacity = defaultQueueCapacity
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	if opt.QualityWindow <= 0 {
		opt.QualityWindow = defaultQualityWindow
	}
}

// Handler receives inbound events for a subscribed topic.
type Handler func(event string, payload []byte)

// StateListener observes connection state transitions.
type StateListener func(prev, next ConnectionState)

// QualityListener observes connection quality changes.
type QualityListener func(quality ConnectionQuality)

// ErrorListener observes internally handled failures: queue overflow,
// dropped messages and reconnect exhaustion.
type ErrorListener func(err error)

// SendOption tunes a single Send call.
type SendOption struct {
	// Priority orders the message while buffered. Optional; default PriorityNormal.
	Priority Priority
	// OnDelivery is invoked exactly once: with nil after the transport write,
	// or with the reason the message was dropped. Optional.
	OnDelivery func(error)
	// TTL bounds how long the message may wait in the offline buffer. Optional; default unbounded.
	TTL time.Duration
	// Transient messages are never buffered; they are dropped when not connected. Optional.
	Transient bool
}

// Subscription is an opaque handle for removing a topic handler.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// Manager owns the channel lifecycle: connect, reconnect, heartbeat,
// offline buffering and inbound event dispatch. One instance exists per
// client session; all exported methods are safe for concurrent use.
type Manager struct {
	opt     Option
	dialer  Dialer
	queue   *messageQueue
	quality *QualityMonitor

	mu                sync.Mutex
	state             ConnectionState
	connectedAt       time.Time
	reconnectAttempts int
	lastError         error
	subs              map[string]map[uint64]Handler
	nextSubID         uint64
	stateListeners    map[uint64]StateListener
	qualityListeners  map[uint64]QualityListener
	errorListeners    map[uint64]ErrorListener
	nextListenerID    uint64
	lastQuality       ConnectionQuality
	out               chan *QueuedMessage
	cancel            context.CancelFunc
	done              chan struct{}
	running           bool
}

// New validates config and builds a manager.
func New(dialer Dialer, option ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}
	var opt Option
	if len(option) != 0 {
		opt = option[0]
	}
	opt.init()

	return &Manager{
		opt:              opt,
		dialer:           dialer,
		queue:            newMessageQueue(opt.QueueCapacity),
		quality:          NewQualityMonitor(opt.QualityWindow, 2*opt.HeartbeatInterval),
		state:            StateDisconnected,
		subs:             make(map[string]map[uint64]Handler),
		stateListeners:   make(map[uint64]StateListener),
		qualityListeners: make(map[uint64]QualityListener),
		errorListeners:   make(map[uint64]ErrorListener),
		lastQuality:      QualityDisconnected,
	}, nil
}

// Connect starts the connection lifecycle. Idempotent: a no-op while the
// manager is already connecting, connected or reconnecting.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.transition(StateConnecting, nil)

	go func() {
		m.run(ctx)
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()
}

// Disconnect tears the channel down. Pending timers and in-flight dials
// are cancelled immediately; subscriptions and the offline buffer persist
// and are rehydrated by a subsequent Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.transition(StateDisconnected, nil)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quality returns the current connection quality.
func (m *Manager) Quality() ConnectionQuality {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateConnected {
		return QualityDisconnected
	}
	return m.quality.Current()
}

// Stats returns a read-only snapshot of the connection.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ConnectedAt:       m.connectedAt,
		ReconnectAttempts: m.reconnectAttempts,
		AverageLatency:    m.quality.Average(),
		LastError:         m.lastError,
	}
}

// QueueSize returns the number of messages waiting in the offline buffer.
func (m *Manager) QueueSize() int {
	return m.queue.Size()
}

// Subscribe registers a handler for inbound events on topic. The handler
// keeps receiving events across reconnects without re-registration.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	handlers, ok := m.subs[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		m.subs[topic] = handlers
	}
	handlers[id] = handler
	first := !ok
	m.mu.Unlock()

	if first {
		m.sendControl(topic, EventSubscribe)
	}
	return &Subscription{topic: topic, id: id}, nil
}

// Unsubscribe removes a handler by its subscription handle.
func (m *Manager) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	m.mu.Lock()
	handlers, ok := m.subs[sub.topic]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSubscription
	}
	if _, ok := handlers[sub.id]; !ok {
		m.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(handlers, sub.id)
	last := len(handlers) == 0
	if last {
		delete(m.subs, sub.topic)
	}
	m.mu.Unlock()

	if last {
		m.sendControl(sub.topic, EventUnsubscribe)
	}
	return nil
}

// Send publishes an event on topic. It never blocks on the network: while
// connected the message is handed to the transport worker, otherwise it is
// buffered and replayed after reconnect. Delivery outcome is reported via
// the optional OnDelivery callback, not the return value; Send only fails
// when the payload cannot be encoded or the offline buffer rejects it.
func (m *Manager) Send(topic, event string, payload any, option ...SendOption) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	var opt SendOption
	if len(option) != 0 {
		opt = option[0]
	}
	if opt.Priority == priorityUnset {
		opt.Priority = PriorityNormal
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := sonic.ConfigFastest.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal payload")
		}
		raw = data
	}

	msg := &QueuedMessage{
		Topic:      topic,
		Event:      event,
		Payload:    raw,
		Priority:   opt.Priority,
		TTL:        opt.TTL,
		onDelivery: opt.OnDelivery,
	}
	return m.route(msg, opt.Transient)
}

// OnStateChange registers a state transition observer and returns its
// removal function.
func (m *Manager) OnStateChange(fn StateListener) (remove func()) {
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.stateListeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.stateListeners, id)
		m.mu.Unlock()
	}
}

// OnQualityChange registers a quality observer and returns its removal function.
func (m *Manager) OnQualityChange(fn QualityListener) (remove func()) {
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.qualityListeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.qualityListeners, id)
		m.mu.Unlock()
	}
}

// OnError registers an observer for internally handled failures and
// returns its removal function.
func (m *Manager) OnError(fn ErrorListener) (remove func()) {
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.errorListeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.errorListeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) route(msg *QueuedMessage, transient bool) error {
	m.mu.Lock()
	state := m.state
	out := m.out
	m.mu.Unlock()

	if state == StateConnected && out != nil {
		select {
		case out <- msg:
			return nil
		default:
		}
	}
	if transient {
		if msg.onDelivery != nil {
			msg.onDelivery(ErrNotConnected)
		}
		return nil
	}
	if err := m.queue.Enqueue(msg); err != nil {
		m.notifyError(err)
		if msg.onDelivery != nil {
			msg.onDelivery(err)
		}
		return err
	}
	return nil
}

// sendControl pushes a subscribe/unsubscribe frame to the live session.
// When disconnected it does nothing: the reconnect path replays the whole
// desired topic set anyway.
func (m *Manager) sendControl(topic, event string) {
	_ = m.route(&QueuedMessage{
		Topic:    topic,
		Event:    event,
		Priority: PriorityHigh,
	}, true)
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			err = m.runSession(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		m.recordFailure(attempt, err)
		logs.Warnf("connection lost (attempt %d): %+v", attempt, err)
		if m.opt.Backoff.Exhausted(attempt) {
			m.exhaust(err)
			return
		}
		m.transition(StateReconnecting, err)
		if !m.sleepBackoff(ctx, attempt) {
			return
		}
		m.transition(StateConnecting, nil)
	}
}

// runSession owns one established connection until it fails or the
// manager is torn down. All transport I/O is serialized here.
func (m *Manager) runSession(ctx context.Context, conn Conn) error {
	// Re-establish every desired subscription before the session counts
	// as ready.
	for _, topic := range m.topics() {
		if err := m.writeEnvelope(ctx, conn, Envelope{
			Topic: topic,
			Type:  EventSubscribe,
			Ts:    time.Now().UnixMilli(),
		}); err != nil {
			return errors.Wrap(err, "resubscribe")
		}
	}

	out := make(chan *QueuedMessage, sessionOutboundSize)
	m.mu.Lock()
	m.out = out
	m.reconnectAttempts = 0
	m.connectedAt = time.Now()
	m.lastError = nil
	m.mu.Unlock()
	m.transition(StateConnected, nil)
	defer func() {
		m.mu.Lock()
		m.out = nil
		m.mu.Unlock()
		m.requeueAbandoned(out)
	}()

	if err := m.flush(ctx, conn); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := make(chan []byte, inboundBufferSize)
	readErr := make(chan error, 1)
	go m.readLoop(sessionCtx, conn, frames, readErr)

	ticker := time.NewTicker(m.opt.HeartbeatInterval)
	defer ticker.Stop()
	pending := make(map[uint64]time.Time)
	var pingSeq uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			m.dispatch(data, pending)
		case <-ticker.C:
			if len(pending) >= missedPongLimit {
				return ErrHeartbeatTimeout
			}
			pingSeq++
			pending[pingSeq] = time.Now()
			if err := m.writePing(ctx, conn, pingSeq); err != nil {
				return err
			}
		case msg := <-out:
			if err := m.writeMessage(ctx, conn, msg); err != nil {
				m.requeue(msg)
				return err
			}
		}
	}
}

// flush replays the offline buffer in priority order. A failed write
// requeues the failed message with its retry budget consumed and puts the
// remainder back untouched.
func (m *Manager) flush(ctx context.Context, conn Conn) error {
	var failed error
	for msg := range m.queue.Drain() {
		if failed != nil {
			_ = m.queue.Enqueue(msg)
			continue
		}
		if err := m.writeMessage(ctx, conn, msg); err != nil {
			m.requeue(msg)
			failed = err
		}
	}
	return failed
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, frames chan<- []byte, readErr chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			select {
			case readErr <- errors.Wrap(err, "read"):
			case <-ctx.Done():
			}
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one inbound frame: heartbeat pongs feed the quality
// monitor, everything else goes to the topic handlers in arrival order.
func (m *Manager) dispatch(data []byte, pending map[uint64]time.Time) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		logs.Warnf("drop malformed frame: %+v", err)
		return
	}
	if env.Topic == TopicHeartbeat {
		if env.Type != EventPong {
			return
		}
		var pong pingPayload
		if err := env.DecodePayload(&pong); err != nil {
			return
		}
		sent, ok := pending[pong.Seq]
		if !ok {
			return
		}
		// A pong proves liveness for every earlier outstanding ping too.
		for seq := range pending {
			if seq <= pong.Seq {
				delete(pending, seq)
			}
		}
		m.quality.RecordSample(time.Since(sent))
		m.notifyQuality()
		return
	}
	for _, handler := range m.handlers(env.Topic) {
		handler(env.Type, env.Payload)
	}
}

func (m *Manager) writeMessage(ctx context.Context, conn Conn, msg *QueuedMessage) error {
	err := m.writeEnvelope(ctx, conn, Envelope{
		Topic:   msg.Topic,
		Type:    msg.Event,
		Payload: msg.Payload,
		Ts:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if msg.onDelivery != nil {
		msg.onDelivery(nil)
	}
	return nil
}

func (m *Manager) writePing(ctx context.Context, conn Conn, seq uint64) error {
	env, err := NewEnvelope(TopicHeartbeat, EventPing, pingPayload{
		Seq:    seq,
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return m.writeEnvelope(ctx, conn, env)
}

func (m *Manager) writeEnvelope(ctx context.Context, conn Conn, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// requeue returns a failed message to the buffer, dropping it when the
// retry budget is exhausted.
func (m *Manager) requeue(msg *QueuedMessage) {
	msg.RetryCount++
	if msg.RetryCount > m.opt.MaxRetries {
		logs.Warnf("drop message on %s after %d retries", msg.Topic, msg.RetryCount-1)
		m.notifyError(ErrRetriesExceeded)
		if msg.onDelivery != nil {
			msg.onDelivery(ErrRetriesExceeded)
		}
		return
	}
	if err := m.queue.Enqueue(msg); err != nil {
		m.notifyError(err)
		if msg.onDelivery != nil {
			msg.onDelivery(err)
		}
	}
}

// requeueAbandoned moves messages stranded in a dead session's outbound
// channel back into the buffer.
func (m *Manager) requeueAbandoned(out chan *QueuedMessage) {
	for {
		select {
		case msg := <-out:
			if msg.Event == EventSubscribe || msg.Event == EventUnsubscribe {
				continue
			}
			if err := m.queue.Enqueue(msg); err != nil {
				m.notifyError(err)
				if msg.onDelivery != nil {
					msg.onDelivery(err)
				}
			}
		default:
			return
		}
	}
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) bool {
	wait := m.opt.Backoff.Next(attempt)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) exhaust(err error) {
	logs.Errorf("reconnect exhausted: %+v", err)
	m.transition(StateError, err)
	m.notifyError(ErrReconnectExhausted)
}

func (m *Manager) recordFailure(attempt int, err error) {
	m.mu.Lock()
	m.reconnectAttempts = attempt
	m.lastError = err
	m.mu.Unlock()
}

func (m *Manager) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	return topics
}

func (m *Manager) handlers(topic string) []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	registered := m.subs[topic]
	if len(registered) == 0 {
		return nil
	}
	handlers := make([]Handler, 0, len(registered))
	for _, handler := range registered {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (m *Manager) transition(next ConnectionState, err error) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]StateListener, 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if err != nil {
		logs.Infof("connection %s -> %s: %v", prev, next, err)
	} else {
		logs.Infof("connection %s -> %s", prev, next)
	}
	for _, fn := range listeners {
		fn(prev, next)
	}
	m.notifyQuality()
}

func (m *Manager) notifyQuality() {
	quality := m.Quality()
	m.mu.Lock()
	if quality == m.lastQuality {
		m.mu.Unlock()
		return
	}
	m.lastQuality = quality
	listeners := make([]QualityListener, 0, len(m.qualityListeners))
	for _, fn := range m.qualityListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(quality)
	}
}

func (m *Manager) notifyError(err error) {
	m.mu.Lock()
	listeners := make([]ErrorListener, 0, len(m.errorListeners))
	for _, fn := range m.errorListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}
