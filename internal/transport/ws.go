package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"

	"main/internal/realtime"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// TokenSource supplies the session credential attached to every dial.
// It is consulted again on each reconnect so a refreshed token is always
// used for re-authentication.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// WSDialer dials the event bus over WebSocket, authenticating with a
// bearer token from the TokenSource.
type WSDialer struct {
	// URL is the ws/wss endpoint. Required.
	URL string
	// Tokens supplies the bearer credential per dial. Optional.
	Tokens TokenSource
	// Header carries extra handshake headers. Optional.
	Header http.Header
	// HandshakeTimeout bounds the dial. Optional; default 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write. Optional; default 10s.
	WriteTimeout time.Duration
}

// Dial establishes an authenticated connection.
func (d *WSDialer) Dial(ctx context.Context) (realtime.Conn, error) {
	if d == nil || d.URL == "" {
		return nil, errors.New("transport: missing websocket url")
	}

	header := http.Header{}
	for key, values := range d.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if d.Tokens != nil {
		token, err := d.Tokens.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "fetch token")
		}
		header.Set("Authorization", "Bearer "+token)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s (status %d)", d.URL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
