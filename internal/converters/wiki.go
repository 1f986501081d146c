package converters

import (
	"context"

	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
)

// Wiki replicates wiki lifecycle events. The source is the wiki id.
type Wiki struct{}

func NewWiki() *Wiki { return &Wiki{} }

func (c *Wiki) Priority() int { return remote.DefaultPriority }

func (c *Wiki) Claims(kind observation.Kind) bool {
	return kind.In(observation.WikiKinds)
}

func (c *Wiki) ToRemote(ctx context.Context, event observation.LocalEvent) (remote.RemoteEvent, bool) {
	wiki, ok := event.Source.(string)
	if !ok || wiki == "" {
		return remote.RemoteEvent{}, false
	}
	return remote.RemoteEvent{
		Kind:   event.Kind,
		Name:   event.Name,
		Source: remote.Snapshot{remote.KeyWiki: wiki},
		Data:   contextSnapshot(ctx),
	}, true
}

func (c *Wiki) FromRemote(ctx context.Context, event remote.RemoteEvent) (observation.LocalEvent, bool) {
	wiki := event.Source.Get(remote.KeyWiki)
	if wiki == "" {
		return observation.LocalEvent{}, false
	}
	if !restoreContext(ctx, event.Data) {
		return observation.LocalEvent{}, false
	}
	return observation.LocalEvent{Kind: event.Kind, Name: event.Name, Source: wiki}, true
}
