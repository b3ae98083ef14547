package transport

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/realtime"
)

const redisInboundBuffer = 64

// RedisBus adapts Redis Pub/Sub to the realtime Conn contract, for
// self-hosted deployments where Redis is the event bus. Topic routing
// keys map to Redis channels under an optional prefix.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus wraps an existing client. The prefix namespaces channels,
// e.g. "rt:" turns topic "presence" into channel "rt:presence".
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix}
}

// Dial verifies the server is reachable and opens a subscriber connection.
func (b *RedisBus) Dial(ctx context.Context) (realtime.Conn, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("transport: nil redis client")
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}

	conn := &redisConn{
		client:  b.client,
		pubsub:  b.client.Subscribe(ctx),
		prefix:  b.prefix,
		inbound: make(chan []byte, redisInboundBuffer),
		dead:    make(chan struct{}),
	}
	go conn.pump()
	return conn, nil
}

type redisConn struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	prefix  string
	inbound chan []byte
	dead    chan struct{}
	once    sync.Once
}

// pump forwards subscribed messages until the pubsub connection dies.
func (c *redisConn) pump() {
	defer c.markDead()
	for msg := range c.pubsub.Channel() {
		select {
		case c.inbound <- []byte(msg.Payload):
		case <-c.dead:
			return
		}
	}
}

func (c *redisConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.dead:
		return nil, errors.New("transport: redis connection closed")
	case data := <-c.inbound:
		return data, nil
	}
}

// Write interprets control envelopes locally: subscribes become channel
// subscriptions, heartbeat pings are answered with a pong after a real
// server round trip, everything else is published.
func (c *redisConn) Write(ctx context.Context, payload []byte) error {
	env, err := realtime.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	switch {
	case env.Type == realtime.EventSubscribe:
		return c.pubsub.Subscribe(ctx, c.prefix+env.Topic)
	case env.Type == realtime.EventUnsubscribe:
		return c.pubsub.Unsubscribe(ctx, c.prefix+env.Topic)
	case env.Topic == realtime.TopicHeartbeat:
		go c.answerPing(ctx, env)
		return nil
	default:
		return c.client.Publish(ctx, c.prefix+env.Topic, payload).Err()
	}
}

func (c *redisConn) Close() error {
	c.markDead()
	return c.pubsub.Close()
}

func (c *redisConn) markDead() {
	c.once.Do(func() { close(c.dead) })
}

// answerPing measures a real client->server round trip and echoes the
// ping payload back as a pong so the quality monitor sees live numbers.
func (c *redisConn) answerPing(ctx context.Context, ping realtime.Envelope) {
	if err := c.client.Ping(ctx).Err(); err != nil {
		logs.Warnf("redis heartbeat: %+v", err)
		return
	}
	pong := realtime.Envelope{
		Topic:   realtime.TopicHeartbeat,
		Type:    realtime.EventPong,
		Payload: ping.Payload,
		Ts:      ping.Ts,
	}
	data, err := pong.Encode()
	if err != nil {
		return
	}
	select {
	case c.inbound <- data:
	case <-c.dead:
	}
}
