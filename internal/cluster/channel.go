package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State is the lifecycle state of a channel.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrInvalidTransition = errors.New("invalid channel state transition")

type TransitionError struct {
	Channel string
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for channel %s: %s -> %s", e.Channel, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateStarted, StateStopped},
	StateStarted:  {StateStopping},
	StateStopping: {StateStopped},
}

// Member is one cluster participant inside one channel.
type Member struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel"`
}

type MembershipEventType string

const (
	MemberJoined  MembershipEventType = "joined"
	MemberLeft    MembershipEventType = "left"
	MemberFailed  MembershipEventType = "failed"
	LeaderChanged MembershipEventType = "leader_changed"
)

// MembershipEvent reports a change of a channel's membership or leader.
// For LeaderChanged, Member is the new leader and is zero when the channel
// has no member left.
type MembershipEvent struct {
	Type    MembershipEventType `json:"type"`
	Channel string              `json:"channel"`
	Member  Member              `json:"member"`
}

// ElectLeader picks the leader of a membership set: the lowest id in byte
// order. Every member computing it over the same set gets the same answer.
func ElectLeader(ids []string) (string, bool) {
	leader := ""
	found := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !found || id < leader {
			leader = id
			found = true
		}
	}
	return leader, found
}

// Channel is a named broadcast domain with a membership set and a leader
// derived from it.
type Channel struct {
	id    string
	local string

	// op serializes start and stop of this channel.
	op sync.Mutex

	mu        sync.RWMutex
	state     State
	members   map[string]struct{}
	leader    string
	observers []func(MembershipEvent)
}

func NewChannel(id, local string) *Channel {
	return &Channel{id: id, local: local, members: map[string]struct{}{}}
}

func (c *Channel) ID() string { return c.id }

// LocalMember is this process's member of the channel.
func (c *Channel) LocalMember() Member {
	return Member{ID: c.local, ChannelID: c.id}
}

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Observe registers fn for membership events. Observers run synchronously
// after the change is applied, outside the channel lock.
func (c *Channel) Observe(fn func(MembershipEvent)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Channel) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return &TransitionError{Channel: c.id, From: c.state, To: to}
}

// Join adds a member. It reports whether the membership changed; members
// cannot join a channel that is stopping or stopped.
func (c *Channel) Join(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	if c.state != StateStarting && c.state != StateStarted {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.members[id]; ok {
		c.mu.Unlock()
		return false
	}
	c.members[id] = struct{}{}
	events := []MembershipEvent{{Type: MemberJoined, Channel: c.id, Member: Member{ID: id, ChannelID: c.id}}}
	events = append(events, c.electLocked()...)
	observers := c.observers
	c.mu.Unlock()

	notify(observers, events)
	return true
}

// Leave removes a member that left on its own.
func (c *Channel) Leave(id string) bool {
	return c.remove(id, MemberLeft)
}

// Fail removes a member that was detected as unreachable.
func (c *Channel) Fail(id string) bool {
	return c.remove(id, MemberFailed)
}

func (c *Channel) remove(id string, reason MembershipEventType) bool {
	c.mu.Lock()
	if _, ok := c.members[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.members, id)
	events := []MembershipEvent{{Type: reason, Channel: c.id, Member: Member{ID: id, ChannelID: c.id}}}
	events = append(events, c.electLocked()...)
	observers := c.observers
	c.mu.Unlock()

	notify(observers, events)
	return true
}

// reset drops every member, as happens when the channel stops.
func (c *Channel) reset() {
	c.mu.Lock()
	events := make([]MembershipEvent, 0, len(c.members)+1)
	for _, id := range sortedKeys(c.members) {
		if id == c.local {
			continue
		}
		events = append(events, MembershipEvent{Type: MemberLeft, Channel: c.id, Member: Member{ID: id, ChannelID: c.id}})
	}
	c.members = map[string]struct{}{}
	events = append(events, c.electLocked()...)
	observers := c.observers
	c.mu.Unlock()

	notify(observers, events)
}

// electLocked recomputes the leader and returns the resulting event, if the
// leader changed. c.mu must be held.
func (c *Channel) electLocked() []MembershipEvent {
	leader, _ := ElectLeader(sortedKeys(c.members))
	if leader == c.leader {
		return nil
	}
	c.leader = leader
	ev := MembershipEvent{Type: LeaderChanged, Channel: c.id}
	if leader != "" {
		ev.Member = Member{ID: leader, ChannelID: c.id}
	}
	return []MembershipEvent{ev}
}

// Members returns the current members sorted by id.
func (c *Channel) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := sortedKeys(c.members)
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, Member{ID: id, ChannelID: c.id})
	}
	return out
}

func (c *Channel) HasMember(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[id]
	return ok
}

// Leader returns the current leader; false when the channel has no member.
func (c *Channel) Leader() (Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.leader == "" {
		return Member{}, false
	}
	return Member{ID: c.leader, ChannelID: c.id}, true
}

func (c *Channel) IsLeader(id string) bool {
	leader, ok := c.Leader()
	return ok && leader.ID == id
}

// Info is a point-in-time view of a channel.
type Info struct {
	ID      string   `json:"id"`
	State   string   `json:"state"`
	Local   string   `json:"local"`
	Leader  string   `json:"leader,omitempty"`
	Members []string `json:"members"`
}

func (c *Channel) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:      c.id,
		State:   c.state.String(),
		Local:   c.local,
		Leader:  c.leader,
		Members: sortedKeys(c.members),
	}
}

func notify(observers []func(MembershipEvent), events []MembershipEvent) {
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
