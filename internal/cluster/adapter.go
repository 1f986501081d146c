package cluster

import (
	"context"
	"errors"

	"github.com/flitsinc/go-observation/internal/remote"
)

var (
	ErrAdapterClosed  = errors.New("network adapter closed")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Receiver accepts events that arrived from other members.
type Receiver interface {
	NotifyRemote(ctx context.Context, event remote.RemoteEvent)
}

// Adapter is the transport between cluster members. Send delivers to every
// started channel; whether it returns before delivery completes is up to
// the implementation. Start and stop are idempotent.
type Adapter interface {
	Send(ctx context.Context, event remote.RemoteEvent) error
	StartChannel(ctx context.Context, id string) error
	StopChannel(ctx context.Context, id string) error
	StopAllChannels(ctx context.Context) error
	Channels() *Channels
	Close() error
}

// AdapterFactory builds an adapter that hands received events to recv.
type AdapterFactory func(recv Receiver) (Adapter, error)

type contextKey string

const originKey contextKey = "origin"

// Origin describes where a received event came from.
type Origin struct {
	Channel string
	Member  string
}

func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

func OriginFromContext(ctx context.Context) (Origin, bool) {
	if ctx == nil {
		return Origin{}, false
	}
	origin, ok := ctx.Value(originKey).(Origin)
	return origin, ok
}
