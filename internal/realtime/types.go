package realtime

import "time"

// ConnectionState tracks the lifecycle of the managed channel.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionQuality classifies channel health from heartbeat round trips.
type ConnectionQuality uint8

const (
	QualityDisconnected ConnectionQuality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	default:
		return "disconnected"
	}
}

// Priority orders outbound messages while buffered.
// The zero value is treated as PriorityNormal.
type Priority uint8

const (
	priorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Stats is a read-only snapshot of the connection.
type Stats struct {
	// ConnectedAt is the time of the last connected transition; zero when never connected.
	ConnectedAt time.Time
	// ReconnectAttempts counts dial attempts since the last connected transition.
	ReconnectAttempts int
	// AverageLatency is the rolling average heartbeat round trip.
	AverageLatency time.Duration
	// LastError is the most recent transport error, nil when healthy.
	LastError error
}
