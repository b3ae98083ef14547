package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/realtime"
)

// Event types carried on a delivery location topic.
const (
	EventPosition = "position"
	EventPickup   = "picked_up"
	EventDropoff  = "delivered"
)

const (
	historyCap     = 50
	earthRadiusKm  = 6371.0
	minEtaSpeedKmh = 1.0
)

// Sample is one position fix for a delivery subject.
type Sample struct {
	DeliveryID string  `json:"deliveryId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracyM,omitempty"`
	SpeedKmh   float64 `json:"speedKmh,omitempty"`
	Heading    float64 `json:"heading,omitempty"`
	At         int64   `json:"at"`
}

// Source produces position fixes from a platform location service. Watch
// may be called again after the returned channel closes; each call
// restarts the underlying stream.
type Source interface {
	Watch(ctx context.Context) (<-chan Sample, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (<-chan Sample, error)

func (f SourceFunc) Watch(ctx context.Context) (<-chan Sample, error) { return f(ctx) }

// Bus is the slice of the connection manager the location layer needs.
type Bus interface {
	Send(topic, event string, payload any, option ...realtime.SendOption) error
	Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription) error
}

// Tracker follows and publishes courier positions per delivery.
type Tracker struct {
	bus Bus
	now func() time.Time
}

// NewTracker builds a location tracker over the shared bus.
func NewTracker(bus Bus) *Tracker {
	return &Tracker{bus: bus, now: time.Now}
}

func topicFor(deliveryID string) string { return "delivery-location:" + deliveryID }

// Update is a position fix with its marker classification.
type Update struct {
	Sample
	// Marker is EventPickup or EventDropoff for milestone fixes, empty
	// for ordinary position updates.
	Marker string
}

// Watch is one followed delivery.
type Watch struct {
	tracker  *Tracker
	id       string
	sub      *realtime.Subscription
	onUpdate func(Update)

	mu      sync.Mutex
	history []Update
	stopped bool
}

// Track subscribes to a delivery's location topic.
func (t *Tracker) Track(deliveryID string, onUpdate func(Update)) (*Watch, error) {
	if deliveryID == "" {
		return nil, realtime.ErrEmptyTopic
	}
	w := &Watch{tracker: t, id: deliveryID, onUpdate: onUpdate}
	sub, err := t.bus.Subscribe(topicFor(deliveryID), w.onEvent)
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

// Stop unsubscribes from the delivery's topic. History stays readable.
func (w *Watch) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()
	return w.tracker.bus.Unsubscribe(w.sub)
}

// History returns the retained fixes, oldest first.
func (w *Watch) History() []Update {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Update, len(w.history))
	copy(out, w.history)
	return out
}

// Last returns the most recent fix.
func (w *Watch) Last() (Update, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) == 0 {
		return Update{}, false
	}
	return w.history[len(w.history)-1], true
}

// ETA estimates minutes to a destination from the latest fix. Reported
// speed is used when present, fallbackSpeedKmh otherwise.
func (w *Watch) ETA(destLat, destLng, fallbackSpeedKmh float64) (time.Duration, bool) {
	last, ok := w.Last()
	if !ok {
		return 0, false
	}
	speed := last.SpeedKmh
	if speed < minEtaSpeedKmh {
		speed = fallbackSpeedKmh
	}
	if speed < minEtaSpeedKmh {
		return 0, false
	}
	km := DistanceKm(last.Lat, last.Lng, destLat, destLng)
	return time.Duration(km / speed * float64(time.Hour)), true
}

func (w *Watch) onEvent(event string, payload []byte) {
	var marker string
	switch event {
	case EventPosition:
	case EventPickup, EventDropoff:
		marker = event
	default:
		return
	}

	var sample Sample
	if err := (realtime.Envelope{Payload: payload}).DecodePayload(&sample); err != nil {
		logs.Warnf("location: drop malformed fix for %s: %+v", w.id, err)
		return
	}
	update := Update{Sample: sample, Marker: marker}

	w.mu.Lock()
	w.history = append(w.history, update)
	if len(w.history) > historyCap {
		w.history = w.history[len(w.history)-historyCap:]
	}
	fn := w.onUpdate
	w.mu.Unlock()

	if fn != nil {
		fn(update)
	}
}

// Publish sends one position fix for the local courier. Fixes are
// transient: a position that could not be sent now is worthless later.
func (t *Tracker) Publish(deliveryID string, sample Sample) error {
	sample.DeliveryID = deliveryID
	if sample.At == 0 {
		sample.At = t.now().UnixMilli()
	}
	return t.bus.Send(topicFor(deliveryID), EventPosition, sample, realtime.SendOption{
		Priority:  realtime.PriorityHigh,
		Transient: true,
	})
}

// MarkPickup publishes the pickup milestone. Milestones are buffered and
// replayed, unlike ordinary fixes.
func (t *Tracker) MarkPickup(deliveryID string, sample Sample) error {
	return t.publishMarker(deliveryID, EventPickup, sample)
}

// MarkDelivered publishes the delivery milestone.
func (t *Tracker) MarkDelivered(deliveryID string, sample Sample) error {
	return t.publishMarker(deliveryID, EventDropoff, sample)
}

func (t *Tracker) publishMarker(deliveryID, event string, sample Sample) error {
	sample.DeliveryID = deliveryID
	if sample.At == 0 {
		sample.At = t.now().UnixMilli()
	}
	return t.bus.Send(topicFor(deliveryID), event, sample, realtime.SendOption{
		Priority: realtime.PriorityHigh,
	})
}

// PublishFrom pumps fixes from a source until ctx ends or the source
// stream closes.
func (t *Tracker) PublishFrom(ctx context.Context, deliveryID string, source Source) error {
	samples, err := source.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			if err := t.Publish(deliveryID, sample); err != nil {
				logs.Warnf("location: publish fix for %s: %+v", deliveryID, err)
			}
		}
	}
}

// DistanceKm is the haversine great-circle distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
