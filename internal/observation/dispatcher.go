package observation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Listener receives events raised on a Dispatcher.
type Listener interface {
	OnEvent(ctx context.Context, event LocalEvent)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, event LocalEvent)

func (f ListenerFunc) OnEvent(ctx context.Context, event LocalEvent) {
	f(ctx, event)
}

// Dispatcher is the in-process publish/subscribe mechanism. Listeners run
// synchronously on the goroutine that calls Notify, in subscription order.
type Dispatcher struct {
	Logger *log.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	id       string
	kinds    map[Kind]struct{}
	listener Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: map[string]*subscription{}}
}

// Subscribe registers listener for the given kinds, or for every event when
// no kind is given. The returned function removes the subscription.
func (d *Dispatcher) Subscribe(listener Listener, kinds ...Kind) func() {
	kindSet := map[Kind]struct{}{}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		kindSet[k] = struct{}{}
	}
	// ULIDs sort by creation time, which keeps delivery in subscription order.
	id := ulid.Make().String()
	sub := &subscription{id: id, kinds: kindSet, listener: listener}

	d.mu.Lock()
	if d.subs == nil {
		d.subs = map[string]*subscription{}
	}
	d.subs[id] = sub
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

func (d *Dispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// PanicError reports a listener that panicked while handling an event.
type PanicError struct {
	Listener string
	Kind     Kind
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener %s panicked on %s: %v", e.Listener, e.Kind, e.Value)
}

// Notify delivers event to every matching listener. A panicking listener is
// logged and does not prevent delivery to the others; the panics are
// returned joined as *PanicError values.
func (d *Dispatcher) Notify(ctx context.Context, event LocalEvent) error {
	var errs []error
	for _, sub := range d.matching(event.Kind) {
		if err := d.deliver(ctx, sub, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) matching(kind Kind) []*subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[kind]; !ok {
				continue
			}
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, sub *subscription, event LocalEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Listener: sub.id, Kind: event.Kind, Value: r}
			d.logf("%v", err)
		}
	}()
	sub.listener.OnEvent(ctx, event)
	return nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
