// Package converters holds the built-in remote event converters for document,
// action and wiki lifecycle events.
package converters

import (
	"context"
	"log"

	"github.com/flitsinc/go-observation/internal/execctx"
	"github.com/flitsinc/go-observation/internal/model"
	"github.com/flitsinc/go-observation/internal/remote"
)

// Builtin returns the document, action and wiki converters.
func Builtin(store model.Store, actions []string, logger *log.Logger) []remote.Converter {
	return []remote.Converter{
		NewDocument(store, logger),
		NewAction(store, actions, logger),
		NewWiki(),
	}
}

// contextSnapshot captures the current wiki and user of ctx.
func contextSnapshot(ctx context.Context) remote.Snapshot {
	return remote.Snapshot{
		remote.KeyWiki: execctx.Wiki(ctx),
		remote.KeyUser: execctx.User(ctx),
	}
}

// restoreContext writes the wiki and user of data into the active execution.
// It reports false when ctx has no execution to restore into.
func restoreContext(ctx context.Context, data remote.Snapshot) bool {
	exec := execctx.FromContext(ctx)
	if exec == nil {
		return false
	}
	exec.SetWiki(data.Get(remote.KeyWiki))
	exec.SetUser(data.Get(remote.KeyUser))
	return true
}

func referenceSnapshot(s remote.Snapshot, ref model.DocumentReference) {
	s[remote.KeyDocWiki] = ref.Wiki
	s[remote.KeyDocSpace] = ref.Space
	s[remote.KeyDocPage] = ref.Page
}

func referenceFromSnapshot(s remote.Snapshot) (model.DocumentReference, bool) {
	ref := model.DocumentReference{
		Wiki:  s.Get(remote.KeyDocWiki),
		Space: s.Get(remote.KeyDocSpace),
		Page:  s.Get(remote.KeyDocPage),
	}
	if ref.Wiki == "" || ref.Space == "" || ref.Page == "" {
		return model.DocumentReference{}, false
	}
	return ref, true
}

// resolver loads documents for incoming events and degrades to placeholders
// when storage cannot serve them.
type resolver struct {
	store  model.Store
	logger *log.Logger
}

// load fetches the revision from storage. An empty version denotes a
// document that no longer exists, which is returned with identity only.
func (r resolver) load(ctx context.Context, ref model.DocumentReference, version, locale string) *model.Document {
	if version == "" {
		return &model.Document{Reference: ref, Locale: locale}
	}
	if r.store != nil {
		doc, err := r.store.LoadDocument(ctx, ref, version, locale)
		if err == nil {
			return doc
		}
		r.logf("failed to load document %s version %s locale %q: %v", ref, version, locale, err)
	} else {
		r.logf("no document store to load %s version %s", ref, version)
	}
	return &model.Document{Reference: ref, Version: version, Locale: locale, Desync: true}
}

// loadLatest fetches the current revision, falling back to a placeholder.
func (r resolver) loadLatest(ctx context.Context, ref model.DocumentReference, locale string) *model.Document {
	if r.store != nil {
		doc, err := r.store.LoadDocument(ctx, ref, "", locale)
		if err == nil {
			return doc
		}
		r.logf("failed to load document %s locale %q: %v", ref, locale, err)
	}
	return &model.Document{Reference: ref, Locale: locale, Desync: true}
}

func (r resolver) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
