package presence

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/realtime"
)

// Topic is the well-known routing key presence records travel on.
const Topic = "presence"

// EventUpdate is the presence record upsert event type.
const EventUpdate = "update"

const defaultAwayTimeout = 5 * time.Minute

// Status is a user's self-reported availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// LatLng is an optional coarse position attached to a record.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is one user's presence, upserted by that user's own client and
// observed read-only by everyone else on the topic.
type Record struct {
	UserID     string  `json:"userId"`
	Status     Status  `json:"status"`
	LastSeenAt int64   `json:"lastSeenAt"`
	Location   *LatLng `json:"location,omitempty"`
	DeviceInfo string  `json:"deviceInfo,omitempty"`
	Context    string  `json:"currentContext,omitempty"`

	// Stale marks records older than the staleness threshold. Derived
	// locally, never sent; a data quality signal, not an error.
	Stale bool `json:"-"`
}

// Bus is the slice of the connection manager the tracker needs.
type Bus interface {
	Send(topic, event string, payload any, option ...realtime.SendOption) error
	Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription) error
	OnStateChange(fn realtime.StateListener) (remove func())
}

// Option defines tracker configuration.
type Option struct {
	// AwayTimeout flips online to away after this much inactivity. Optional; default 5m.
	AwayTimeout time.Duration
	// StaleAfter marks peer records stale beyond this age. Optional; default 3*AwayTimeout.
	StaleAfter time.Duration
	// DeviceInfo is attached to every published record. Optional.
	DeviceInfo string
}

// Tracker publishes the local user's presence and mirrors every peer's.
type Tracker struct {
	bus    Bus
	userID string
	opt    Option

	mu          sync.Mutex
	status      Status
	manual      bool
	location    *LatLng
	context     string
	awayTimer   *time.Timer
	peers       map[string]Record
	sub         *realtime.Subscription
	removeState func()
	started     bool
	now         func() time.Time
}

// NewTracker builds a tracker for the local user.
func NewTracker(bus Bus, userID string, option ...Option) *Tracker {
	var opt Option
	if len(option) != 0 {
		opt = option[0]
	}
	if opt.AwayTimeout <= 0 {
		opt.AwayTimeout = defaultAwayTimeout
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 3 * opt.AwayTimeout
	}
	return &Tracker{
		bus:    bus,
		userID: userID,
		opt:    opt,
		status: StatusOffline,
		peers:  make(map[string]Record),
		now:    time.Now,
	}
}

// Start subscribes to the presence topic and announces the user online.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.status = StatusOnline
	t.manual = false
	t.awayTimer = time.AfterFunc(t.opt.AwayTimeout, t.onAwayTimeout)
	t.mu.Unlock()

	sub, err := t.bus.Subscribe(Topic, t.onEvent)
	if err != nil {
		return err
	}
	remove := t.bus.OnStateChange(t.onConnectionState)

	t.mu.Lock()
	t.sub = sub
	t.removeState = remove
	t.mu.Unlock()

	t.publish(false)
	return nil
}

// Stop announces offline best-effort and detaches from the bus.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.status = StatusOffline
	if t.awayTimer != nil {
		t.awayTimer.Stop()
	}
	sub := t.sub
	remove := t.removeState
	t.sub = nil
	t.removeState = nil
	t.mu.Unlock()

	t.publish(true)
	if sub != nil {
		_ = t.bus.Unsubscribe(sub)
	}
	if remove != nil {
		remove()
	}
}

// ActivityPing is the host application's hook for any user interaction.
// It clears manual overrides and flips away back to online.
func (t *Tracker) ActivityPing() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.manual = false
	changed := t.status != StatusOnline
	t.status = StatusOnline
	t.awayTimer.Reset(t.opt.AwayTimeout)
	t.mu.Unlock()

	if changed {
		t.publish(false)
	}
}

// GoOnline explicitly sets online, resuming automatic transitions.
func (t *Tracker) GoOnline() { t.setManual(StatusOnline, false) }

// GoBusy overrides automatic transitions until the next activity or timeout.
func (t *Tracker) GoBusy() { t.setManual(StatusBusy, true) }

// GoOffline overrides automatic transitions until the next activity.
func (t *Tracker) GoOffline() { t.setManual(StatusOffline, true) }

// SetLocation attaches a coarse position to subsequent records.
func (t *Tracker) SetLocation(lat, lng float64) {
	t.mu.Lock()
	t.location = &LatLng{Lat: lat, Lng: lng}
	t.mu.Unlock()
	t.publish(false)
}

// SetContext attaches an application context label to subsequent records.
func (t *Tracker) SetContext(context string) {
	t.mu.Lock()
	t.context = context
	t.mu.Unlock()
	t.publish(false)
}

// Status returns the local user's current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Peer returns the last known record for a user, with staleness applied.
func (t *Tracker) Peer(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[userID]
	if !ok {
		return Record{}, false
	}
	return t.applyStaleness(rec), true
}

// Peers returns every known peer record, with staleness applied.
func (t *Tracker) Peers() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, t.applyStaleness(rec))
	}
	return out
}

func (t *Tracker) setManual(status Status, manual bool) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.manual = manual
	changed := t.status != status
	t.status = status
	if t.awayTimer != nil {
		if status == StatusOffline {
			t.awayTimer.Stop()
		} else {
			t.awayTimer.Reset(t.opt.AwayTimeout)
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish(status == StatusOffline)
	}
}

func (t *Tracker) onAwayTimeout() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	if t.manual {
		// the override consumed this timeout; automatic transitions resume
		t.manual = false
		t.awayTimer.Reset(t.opt.AwayTimeout)
		t.mu.Unlock()
		return
	}
	if t.status != StatusOnline {
		t.mu.Unlock()
		return
	}
	t.status = StatusAway
	t.mu.Unlock()

	t.publish(false)
}

// onConnectionState mirrors channel health into presence: a lost channel
// publishes offline best-effort, a recovered one re-announces the
// current status.
func (t *Tracker) onConnectionState(prev, next realtime.ConnectionState) {
	switch next {
	case realtime.StateDisconnected, realtime.StateError:
		t.publishStatus(StatusOffline, true)
	case realtime.StateConnected:
		t.publish(false)
	}
}

func (t *Tracker) onEvent(event string, payload []byte) {
	if event != EventUpdate {
		return
	}
	var rec Record
	if err := (realtime.Envelope{Payload: payload}).DecodePayload(&rec); err != nil {
		logs.Warnf("presence: drop malformed record: %+v", err)
		return
	}
	if rec.UserID == "" || rec.UserID == t.userID {
		return
	}

	t.mu.Lock()
	existing, ok := t.peers[rec.UserID]
	if !ok || rec.LastSeenAt >= existing.LastSeenAt {
		t.peers[rec.UserID] = rec
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(transient bool) {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	t.publishStatus(status, transient)
}

func (t *Tracker) publishStatus(status Status, transient bool) {
	t.mu.Lock()
	rec := Record{
		UserID:     t.userID,
		Status:     status,
		LastSeenAt: t.now().UnixMilli(),
		Location:   t.location,
		DeviceInfo: t.opt.DeviceInfo,
		Context:    t.context,
	}
	t.mu.Unlock()

	err := t.bus.Send(Topic, EventUpdate, rec, realtime.SendOption{
		Priority:  realtime.PriorityHigh,
		Transient: transient,
	})
	if err != nil {
		logs.Warnf("presence: publish %s: %+v", status, err)
	}
}

func (t *Tracker) applyStaleness(rec Record) Record {
	age := t.now().UnixMilli() - rec.LastSeenAt
	rec.Stale = age > t.opt.StaleAfter.Milliseconds()
	return rec
}
