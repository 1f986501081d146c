package converters

import (
	"context"
	"log"

	"github.com/flitsinc/go-observation/internal/model"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
)

// Document replicates document created, updated and deleted events. The
// receiving side reloads the revisions from its own store instead of
// trusting content carried by the event.
type Document struct {
	resolver
}

func NewDocument(store model.Store, logger *log.Logger) *Document {
	return &Document{resolver: resolver{store: store, logger: logger}}
}

func (c *Document) Priority() int { return remote.DefaultPriority }

func (c *Document) Claims(kind observation.Kind) bool {
	return kind.In(observation.DocumentKinds)
}

func (c *Document) ToRemote(ctx context.Context, event observation.LocalEvent) (remote.RemoteEvent, bool) {
	doc, ok := event.Source.(*model.Document)
	if !ok || doc == nil {
		return remote.RemoteEvent{}, false
	}
	return remote.RemoteEvent{
		Kind:   event.Kind,
		Name:   event.Name,
		Source: documentSnapshot(doc),
		Data:   contextSnapshot(ctx),
	}, true
}

func (c *Document) FromRemote(ctx context.Context, event remote.RemoteEvent) (observation.LocalEvent, bool) {
	ref, ok := referenceFromSnapshot(event.Source)
	if !ok {
		return observation.LocalEvent{}, false
	}
	if !restoreContext(ctx, event.Data) {
		return observation.LocalEvent{}, false
	}

	src := event.Source
	doc := c.load(ctx, ref, src.Get(remote.KeyDocVersion), src.Get(remote.KeyDocLocale))
	// Only the revision named by the event counts as the original; whatever
	// the local store links is replaced.
	doc.Original = nil
	if src.Has(remote.KeyOrigDocVersion) {
		orig := c.load(ctx, ref, src.Get(remote.KeyOrigDocVersion), src.Get(remote.KeyOrigDocLocale))
		orig.Original = nil
		doc.Original = orig
	}

	return observation.LocalEvent{
		Kind:   event.Kind,
		Name:   event.Name,
		Source: doc,
	}, true
}

func documentSnapshot(doc *model.Document) remote.Snapshot {
	s := remote.Snapshot{}
	referenceSnapshot(s, doc.Reference)
	if doc.Version != "" {
		s[remote.KeyDocVersion] = doc.Version
	}
	s[remote.KeyDocLocale] = doc.Locale
	if orig := doc.Original; orig != nil {
		s[remote.KeyOrigDocVersion] = orig.Version
		s[remote.KeyOrigDocLocale] = orig.Locale
	}
	return s
}
