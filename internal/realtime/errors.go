package realtime

import "errors"

var (
	ErrNilDialer           = errors.New("realtime: nil dialer")
	ErrNilHandler          = errors.New("realtime: nil handler")
	ErrEmptyTopic          = errors.New("realtime: empty topic")
	ErrUnknownSubscription = errors.New("realtime: unknown subscription")
	ErrQueueFull           = errors.New("realtime: outbound queue full")
	ErrNotConnected        = errors.New("realtime: not connected")
	ErrReconnectExhausted  = errors.New("realtime: reconnect attempts exhausted")
	ErrRetriesExceeded     = errors.New("realtime: message retries exceeded")
	ErrMessageExpired      = errors.New("realtime: message ttl expired")
	ErrHeartbeatTimeout    = errors.New("realtime: heartbeat timed out")
)
