package inventory

import (
	"strconv"
	"sync"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/logs"

	"main/internal/realtime"
)

// EventStock is the stock level update event type.
const EventStock = "stock"

// StockLevel is one product's stock snapshot on an inventory topic.
type StockLevel struct {
	ProductID string          `json:"productId"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved,omitempty"`
	At        int64           `json:"at"`
}

// Alert fires when available stock crosses below the watch threshold.
type Alert struct {
	ProductID string
	Available decimal.Decimal
	Threshold float64
}

// Bus is the slice of the connection manager the watcher needs.
type Bus interface {
	Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription) error
}

// Watcher tracks stock levels for watched products.
type Watcher struct {
	bus Bus
}

// NewWatcher builds an inventory watcher over the shared bus.
func NewWatcher(bus Bus) *Watcher {
	return &Watcher{bus: bus}
}

// ProductWatch is one watched product.
type ProductWatch struct {
	watcher   *Watcher
	productID string
	threshold float64
	onAlert   func(Alert)
	sub       *realtime.Subscription

	mu      sync.Mutex
	level   StockLevel
	hasData bool
	alerted bool
	stopped bool
}

// Watch subscribes to a product's inventory topic. onAlert fires once
// when available stock drops below threshold and is re-armed only after
// the level recovers above it.
func (w *Watcher) Watch(productID string, threshold float64, onAlert func(Alert)) (*ProductWatch, error) {
	if productID == "" {
		return nil, realtime.ErrEmptyTopic
	}
	pw := &ProductWatch{
		watcher:   w,
		productID: productID,
		threshold: threshold,
		onAlert:   onAlert,
	}
	sub, err := w.bus.Subscribe("inventory:"+productID, pw.onEvent)
	if err != nil {
		return nil, err
	}
	pw.sub = sub
	return pw, nil
}

// Stop unsubscribes from the product's topic.
func (pw *ProductWatch) Stop() error {
	pw.mu.Lock()
	if pw.stopped {
		pw.mu.Unlock()
		return nil
	}
	pw.stopped = true
	pw.mu.Unlock()
	return pw.watcher.bus.Unsubscribe(pw.sub)
}

// Level returns the last observed stock snapshot.
func (pw *ProductWatch) Level() (StockLevel, bool) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.level, pw.hasData
}

func (pw *ProductWatch) onEvent(event string, payload []byte) {
	if event != EventStock {
		return
	}
	var level StockLevel
	if err := (realtime.Envelope{Payload: payload}).DecodePayload(&level); err != nil {
		logs.Warnf("inventory: drop malformed stock level for %s: %+v", pw.productID, err)
		return
	}
	available, err := strconv.ParseFloat(level.Available.String(), 64)
	if err != nil {
		logs.Warnf("inventory: unreadable stock level for %s: %+v", pw.productID, err)
		return
	}

	pw.mu.Lock()
	pw.level = level
	pw.hasData = true
	fire := false
	if available < pw.threshold {
		if !pw.alerted {
			pw.alerted = true
			fire = true
		}
	} else if available > pw.threshold {
		pw.alerted = false
	}
	fn := pw.onAlert
	threshold := pw.threshold
	pw.mu.Unlock()

	if fire && fn != nil {
		fn(Alert{ProductID: pw.productID, Available: level.Available, Threshold: threshold})
	}
}
