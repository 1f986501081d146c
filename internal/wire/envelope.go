// Package wire defines the frames network adapters exchange and their
// msgpack encoding.
package wire

import (
	"fmt"
	"time"

	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

type MessageType string

const (
	// MessageHello announces a member when a connection opens.
	MessageHello MessageType = "hello"
	// MessageEvent carries a replicated event.
	MessageEvent MessageType = "event"
	// MessageHeartbeat keeps a member alive on transports without sessions.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageBye announces that a member leaves the channel.
	MessageBye MessageType = "bye"
)

// Envelope is one frame on the wire.
type Envelope struct {
	ID      string              `msgpack:"id"`
	Type    MessageType         `msgpack:"type"`
	Channel string              `msgpack:"channel"`
	Sender  string              `msgpack:"sender"`
	SentAt  int64               `msgpack:"sent_at"`
	Event   *remote.RemoteEvent `msgpack:"event,omitempty"`
}

func New(kind MessageType, channel, sender string) Envelope {
	return Envelope{
		ID:      ulid.Make().String(),
		Type:    kind,
		Channel: channel,
		Sender:  sender,
		SentAt:  time.Now().UTC().UnixNano(),
	}
}

func NewEvent(channel, sender string, event remote.RemoteEvent) Envelope {
	env := New(MessageEvent, channel, sender)
	env.Event = &event
	return env
}

func Encode(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" || env.Sender == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type or sender")
	}
	if env.Type == MessageEvent && env.Event == nil {
		return Envelope{}, fmt.Errorf("decode envelope %s: event frame without event", env.ID)
	}
	return env, nil
}
