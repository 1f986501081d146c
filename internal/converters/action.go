package converters

import (
	"context"
	"log"
	"strings"

	"github.com/flitsinc/go-observation/internal/model"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
)

// DefaultActions are the actions replicated when none are configured.
var DefaultActions = []string{"upload"}

// Action replicates action.executed events whose action name is in the
// allow-list. The event carries the document the action ran on.
type Action struct {
	resolver
	actions map[string]struct{}
}

func NewAction(store model.Store, actions []string, logger *log.Logger) *Action {
	if len(actions) == 0 {
		actions = DefaultActions
	}
	set := map[string]struct{}{}
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		set[a] = struct{}{}
	}
	return &Action{resolver: resolver{store: store, logger: logger}, actions: set}
}

func (c *Action) Priority() int { return remote.DefaultPriority }

func (c *Action) Claims(kind observation.Kind) bool {
	return kind == observation.KindActionExecuted
}

func (c *Action) Allowed(action string) bool {
	_, ok := c.actions[action]
	return ok
}

func (c *Action) ToRemote(ctx context.Context, event observation.LocalEvent) (remote.RemoteEvent, bool) {
	if !c.Allowed(event.Name) {
		return remote.RemoteEvent{}, false
	}
	doc, ok := event.Source.(*model.Document)
	if !ok || doc == nil {
		return remote.RemoteEvent{}, false
	}
	source := remote.Snapshot{remote.KeyDocLocale: doc.Locale}
	referenceSnapshot(source, doc.Reference)
	return remote.RemoteEvent{
		Kind:   event.Kind,
		Name:   event.Name,
		Source: source,
		Data:   contextSnapshot(ctx),
	}, true
}

func (c *Action) FromRemote(ctx context.Context, event remote.RemoteEvent) (observation.LocalEvent, bool) {
	if !c.Allowed(event.Name) {
		return observation.LocalEvent{}, false
	}
	ref, ok := referenceFromSnapshot(event.Source)
	if !ok {
		return observation.LocalEvent{}, false
	}
	if !restoreContext(ctx, event.Data) {
		return observation.LocalEvent{}, false
	}
	return observation.LocalEvent{
		Kind:   event.Kind,
		Name:   event.Name,
		Source: c.loadLatest(ctx, ref, event.Source.Get(remote.KeyDocLocale)),
	}, true
}
