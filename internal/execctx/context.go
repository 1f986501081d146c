// Package execctx carries the execution context of a request: the wiki the
// request runs against and the acting user.
package execctx

import (
	"context"
	"sync"
)

type contextKey string

const executionKey contextKey = "execution"

// Execution is mutable request state shared by everything running on behalf
// of one request.
type Execution struct {
	mu   sync.RWMutex
	wiki string
	user string
}

// Saved is a copy of an Execution's values, see Save and Restore.
type Saved struct {
	Wiki string
	User string
}

func New(wiki, user string) *Execution {
	return &Execution{wiki: wiki, user: user}
}

func (e *Execution) Wiki() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wiki
}

func (e *Execution) SetWiki(wiki string) {
	e.mu.Lock()
	e.wiki = wiki
	e.mu.Unlock()
}

func (e *Execution) User() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.user
}

func (e *Execution) SetUser(user string) {
	e.mu.Lock()
	e.user = user
	e.mu.Unlock()
}

func (e *Execution) Save() Saved {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Saved{Wiki: e.wiki, User: e.user}
}

func (e *Execution) Restore(s Saved) {
	e.mu.Lock()
	e.wiki = s.Wiki
	e.user = s.User
	e.mu.Unlock()
}

func WithExecution(ctx context.Context, exec *Execution) context.Context {
	if exec == nil {
		return ctx
	}
	return context.WithValue(ctx, executionKey, exec)
}

// FromContext returns the active execution, or nil when none is set.
func FromContext(ctx context.Context) *Execution {
	if ctx == nil {
		return nil
	}
	if val, ok := ctx.Value(executionKey).(*Execution); ok {
		return val
	}
	return nil
}

// Wiki returns the current wiki of ctx, or "" without an active execution.
func Wiki(ctx context.Context) string {
	if exec := FromContext(ctx); exec != nil {
		return exec.Wiki()
	}
	return ""
}

// User returns the acting user of ctx, or "" without an active execution.
func User(ctx context.Context) string {
	if exec := FromContext(ctx); exec != nil {
		return exec.User()
	}
	return ""
}
