package realtime

import "context"

// Conn is a single established channel to the event bus.
// Read blocks until a frame arrives; implementations must unblock when the
// connection is closed.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer establishes new connections. It is called again on every
// reconnect attempt so implementations can re-authenticate with the
// latest session token each time.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
