package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Channels tracks the channels of one adapter. Start and Stop are idempotent
// and serialized per channel id; adapters plug their transport work in
// through the callbacks.
type Channels struct {
	local string

	mu        sync.Mutex
	channels  map[string]*Channel
	observers []func(MembershipEvent)
}

func NewChannels(local string) *Channels {
	return &Channels{local: local, channels: map[string]*Channel{}}
}

// Local is the id of this process's member in every channel.
func (r *Channels) Local() string { return r.local }

// Observe registers fn on every channel, present and future.
func (r *Channels) Observe(fn func(MembershipEvent)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	existing := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		existing = append(existing, ch)
	}
	r.mu.Unlock()
	for _, ch := range existing {
		ch.Observe(fn)
	}
}

func (r *Channels) channel(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		return ch
	}
	ch := NewChannel(id, r.local)
	for _, fn := range r.observers {
		ch.Observe(fn)
	}
	r.channels[id] = ch
	return ch
}

func (r *Channels) Get(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Start moves channel id to started, running start while it is starting.
// Starting a started channel does nothing. When start fails the channel
// goes back to stopped.
func (r *Channels) Start(ctx context.Context, id string, start func(context.Context, *Channel) error) error {
	if id == "" {
		return fmt.Errorf("channel id is required")
	}
	ch := r.channel(id)
	ch.op.Lock()
	defer ch.op.Unlock()

	if ch.State() == StateStarted {
		return nil
	}
	if err := ch.transition(StateStarting); err != nil {
		return err
	}
	ch.Join(r.local)
	if start != nil {
		if err := start(ctx, ch); err != nil {
			ch.reset()
			_ = ch.transition(StateStopped)
			return fmt.Errorf("start channel %s: %w", id, err)
		}
	}
	return ch.transition(StateStarted)
}

// Stop moves channel id to stopped, running stop while it is stopping.
// Stopping an unknown or stopped channel does nothing. The channel ends up
// stopped even when stop fails; the failure is returned.
func (r *Channels) Stop(ctx context.Context, id string, stop func(context.Context, *Channel) error) error {
	ch, ok := r.Get(id)
	if !ok {
		return nil
	}
	ch.op.Lock()
	defer ch.op.Unlock()

	if ch.State() != StateStarted {
		return nil
	}
	if err := ch.transition(StateStopping); err != nil {
		return err
	}
	var stopErr error
	if stop != nil {
		stopErr = stop(ctx, ch)
	}
	ch.reset()
	if err := ch.transition(StateStopped); err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("stop channel %s: %w", id, stopErr)
	}
	return nil
}

// StopAll stops every channel, continuing past failures, and returns the
// failures joined.
func (r *Channels) StopAll(ctx context.Context, stop func(context.Context, *Channel) error) error {
	var errs []error
	for _, ch := range r.All() {
		if err := r.Stop(ctx, ch.ID(), stop); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// All returns every known channel sorted by id.
func (r *Channels) All() []*Channel {
	r.mu.Lock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Started returns a stable copy of the started channels, safe to iterate
// while membership or channel state keeps changing.
func (r *Channels) Started() []*Channel {
	all := r.All()
	out := all[:0]
	for _, ch := range all {
		if ch.State() == StateStarted {
			out = append(out, ch)
		}
	}
	return out
}
