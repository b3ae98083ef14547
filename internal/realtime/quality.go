package realtime

import (
	"sync"
	"time"
)

const (
	defaultQualityWindow = 5

	excellentBelow = 150 * time.Millisecond
	goodBelow      = 400 * time.Millisecond
)

// QualityMonitor classifies connection health from a rolling window of
// heartbeat round trip samples.
type QualityMonitor struct {
	mu         sync.Mutex
	window     []time.Duration
	next       int
	count      int
	lastSample time.Time
	maxSilence time.Duration
	now        func() time.Time
}

// NewQualityMonitor creates a monitor keeping the last windowSize samples.
// When no sample arrives within maxSilence the quality reads disconnected.
func NewQualityMonitor(windowSize int, maxSilence time.Duration) *QualityMonitor {
	if windowSize <= 0 {
		windowSize = defaultQualityWindow
	}
	return &QualityMonitor{
		window:     make([]time.Duration, windowSize),
		maxSilence: maxSilence,
		now:        time.Now,
	}
}

// RecordSample feeds one round trip measurement into the window.
func (m *QualityMonitor) RecordSample(rtt time.Duration) {
	m.mu.Lock()
	m.window[m.next] = rtt
	m.next = (m.next + 1) % len(m.window)
	if m.count < len(m.window) {
		m.count++
	}
	m.lastSample = m.now()
	m.mu.Unlock()
}

// Current maps the rolling average onto a quality tier.
func (m *QualityMonitor) Current() ConnectionQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return QualityDisconnected
	}
	if m.maxSilence > 0 && m.now().Sub(m.lastSample) > m.maxSilence {
		return QualityDisconnected
	}
	switch avg := m.averageLocked(); {
	case avg < excellentBelow:
		return QualityExcellent
	case avg < goodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Average returns the rolling average round trip, zero without samples.
func (m *QualityMonitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

// Reset discards all samples.
func (m *QualityMonitor) Reset() {
	m.mu.Lock()
	m.next = 0
	m.count = 0
	m.lastSample = time.Time{}
	m.mu.Unlock()
}

func (m *QualityMonitor) averageLocked() time.Duration {
	if m.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.count; i++ {
		sum += m.window[i]
	}
	return sum / time.Duration(m.count)
}
