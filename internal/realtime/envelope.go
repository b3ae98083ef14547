package realtime

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Well-known topics and control event types multiplexed over the channel.
const (
	// TopicHeartbeat carries ping/pong control events.
	TopicHeartbeat = "__heartbeat"

	// EventSubscribe and EventUnsubscribe are the control event types a
	// transport translates into bus-level topic bindings.
	EventSubscribe   = "__subscribe"
	EventUnsubscribe = "__unsubscribe"
	// EventPing and EventPong carry the heartbeat sequence.
	EventPing = "ping"
	EventPong = "pong"
)

// Envelope is the unit exchanged with the event bus: a topic routing key,
// a type discriminator and a JSON payload.
type Envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

type pingPayload struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sentAt"`
}

// NewEnvelope builds an envelope, marshaling payload when non-nil.
func NewEnvelope(topic, event string, payload any) (Envelope, error) {
	env := Envelope{
		Topic: topic,
		Type:  event,
		Ts:    time.Now().UnixMilli(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := sonic.ConfigFastest.Marshal(payload)
	if err != nil {
		return env, errors.Wrap(err, "marshal payload")
	}
	env.Payload = raw
	return env, nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := sonic.ConfigFastest.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return data, nil
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigFastest.Unmarshal(data, &env); err != nil {
		return env, errors.Wrap(err, "unmarshal envelope")
	}
	return env, nil
}

// DecodePayload parses the envelope payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := sonic.ConfigFastest.Unmarshal(e.Payload, out); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}
