package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func startedChannel(t *testing.T, id, local string) *Channel {
	t.Helper()
	reg := NewChannels(local)
	if err := reg.Start(context.Background(), id, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch, _ := reg.Get(id)
	return ch
}

func TestElectLeader(t *testing.T) {
	if _, ok := ElectLeader(nil); ok {
		t.Fatalf("expected no leader for empty set")
	}
	if _, ok := ElectLeader([]string{"", ""}); ok {
		t.Fatalf("expected no leader for blank ids")
	}
	leader, ok := ElectLeader([]string{"node-c", "node-a", "node-b"})
	if !ok || leader != "node-a" {
		t.Fatalf("expected node-a, got %q", leader)
	}
}

func TestLeaderConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"n1", "n2", "n3", "n4", "n5", "n6"}

	// Each view is the channel as one member sees it; every view applies the
	// same sequence of membership changes.
	views := make([]*Channel, 3)
	for i := range views {
		views[i] = startedChannel(t, "events", fmt.Sprintf("observer-%d", i))
		views[i].Leave(views[i].local)
	}

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]
		op := rng.Intn(3)
		prevLeader, hadLeader := views[0].Leader()
		for _, v := range views {
			switch op {
			case 0:
				v.Join(id)
			case 1:
				v.Leave(id)
			default:
				v.Fail(id)
			}
		}

		first, firstOK := views[0].Leader()
		for _, v := range views[1:] {
			got, ok := v.Leader()
			if ok != firstOK || got.ID != first.ID {
				t.Fatalf("step %d: views disagree on leader: %q vs %q", step, first.ID, got.ID)
			}
		}

		members := views[0].Members()
		if len(members) == 0 {
			if firstOK {
				t.Fatalf("step %d: empty channel must have no leader", step)
			}
			continue
		}
		if !firstOK || !views[0].HasMember(first.ID) {
			t.Fatalf("step %d: leader %q is not a member", step, first.ID)
		}
		if first.ID != members[0].ID {
			t.Fatalf("step %d: leader %q is not the lowest member %q", step, first.ID, members[0].ID)
		}
		if hadLeader && op != 0 && id == prevLeader.ID && first.ID == prevLeader.ID {
			t.Fatalf("step %d: removed leader still leads", step)
		}
	}
}

func TestLeaderFailover(t *testing.T) {
	ch := startedChannel(t, "events", "node-b")
	var events []MembershipEvent
	ch.Observe(func(ev MembershipEvent) { events = append(events, ev) })

	ch.Join("node-a")
	ch.Join("node-c")
	if !ch.IsLeader("node-a") {
		t.Fatalf("expected node-a to lead")
	}

	ch.Fail("node-a")
	if !ch.IsLeader("node-b") {
		t.Fatalf("expected node-b to take over")
	}
	ch.Leave("node-b")
	if !ch.IsLeader("node-c") {
		t.Fatalf("expected node-c to take over")
	}
	ch.Leave("node-c")
	if _, ok := ch.Leader(); ok {
		t.Fatalf("expected no leader for empty channel")
	}

	want := []MembershipEvent{
		{Type: MemberJoined, Channel: "events", Member: Member{ID: "node-a", ChannelID: "events"}},
		{Type: LeaderChanged, Channel: "events", Member: Member{ID: "node-a", ChannelID: "events"}},
		{Type: MemberJoined, Channel: "events", Member: Member{ID: "node-c", ChannelID: "events"}},
		{Type: MemberFailed, Channel: "events", Member: Member{ID: "node-a", ChannelID: "events"}},
		{Type: LeaderChanged, Channel: "events", Member: Member{ID: "node-b", ChannelID: "events"}},
		{Type: MemberLeft, Channel: "events", Member: Member{ID: "node-b", ChannelID: "events"}},
		{Type: LeaderChanged, Channel: "events", Member: Member{ID: "node-c", ChannelID: "events"}},
		{Type: MemberLeft, Channel: "events", Member: Member{ID: "node-c", ChannelID: "events"}},
		{Type: LeaderChanged, Channel: "events"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestJoinIgnoredWhenStopped(t *testing.T) {
	ch := NewChannel("events", "node-a")
	if ch.Join("node-b") {
		t.Fatalf("stopped channel must not accept members")
	}
	if ch.Leave("node-b") || ch.Fail("node-b") {
		t.Fatalf("removing an unknown member is not a change")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	reg := NewChannels("node-a")
	ctx := context.Background()
	starts, stops := 0, 0
	start := func(context.Context, *Channel) error { starts++; return nil }
	stop := func(context.Context, *Channel) error { stops++; return nil }

	if err := reg.Stop(ctx, "never", stop); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
	if err := reg.Start(ctx, "events", start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Start(ctx, "events", start); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ch, _ := reg.Get("events")
	if ch.State() != StateStarted || starts != 1 {
		t.Fatalf("expected started once, state=%s starts=%d", ch.State(), starts)
	}
	if !ch.IsLeader("node-a") || len(ch.Members()) != 1 {
		t.Fatalf("local member should be the only member and leader")
	}
	if len(reg.Started()) != 1 {
		t.Fatalf("expected one started channel")
	}

	if err := reg.Stop(ctx, "events", stop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := reg.Stop(ctx, "events", stop); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if ch.State() != StateStopped || stops != 1 {
		t.Fatalf("expected stopped once, state=%s stops=%d", ch.State(), stops)
	}
	if len(ch.Members()) != 0 || len(reg.Started()) != 0 {
		t.Fatalf("stopped channel keeps no members")
	}

	if err := reg.Start(ctx, "events", start); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if ch.State() != StateStarted || starts != 2 {
		t.Fatalf("expected restart")
	}
}

func TestStartFailureLeavesChannelStopped(t *testing.T) {
	reg := NewChannels("node-a")
	boom := errors.New("bind failed")
	err := reg.Start(context.Background(), "events", func(context.Context, *Channel) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped start error, got %v", err)
	}
	ch, _ := reg.Get("events")
	if ch.State() != StateStopped || len(ch.Members()) != 0 {
		t.Fatalf("expected clean stopped channel, state=%s", ch.State())
	}
	if err := reg.Start(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty channel id")
	}
}

func TestStopAllAggregatesFailures(t *testing.T) {
	reg := NewChannels("node-a")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := reg.Start(ctx, id, nil); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	var attempted []string
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	err := reg.StopAll(ctx, func(_ context.Context, ch *Channel) error {
		attempted = append(attempted, ch.ID())
		switch ch.ID() {
		case "a":
			return errA
		case "c":
			return errC
		}
		return nil
	})
	if len(attempted) != 3 {
		t.Fatalf("expected every channel attempted, got %v", attempted)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Fatalf("expected both failures joined, got %v", err)
	}
	for _, ch := range reg.All() {
		if ch.State() != StateStopped {
			t.Fatalf("channel %s not stopped", ch.ID())
		}
	}
}

func TestTransitionError(t *testing.T) {
	ch := NewChannel("events", "node-a")
	err := ch.transition(StateStarted)
	var te *TransitionError
	if !errors.As(err, &te) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.From != StateStopped || te.To != StateStarted {
		t.Fatalf("unexpected transition error %+v", te)
	}
}

func TestObserveAppliesToExistingAndNewChannels(t *testing.T) {
	reg := NewChannels("node-a")
	ctx := context.Background()
	if err := reg.Start(ctx, "first", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	seen := map[string]int{}
	reg.Observe(func(ev MembershipEvent) {
		if ev.Type == MemberJoined {
			seen[ev.Channel]++
		}
	})
	if err := reg.Start(ctx, "second", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := reg.Get("first")
	first.Join("node-b")
	if seen["first"] != 1 || seen["second"] != 1 {
		t.Fatalf("unexpected joins %v", seen)
	}
}

func TestOriginContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := OriginFromContext(ctx); ok {
		t.Fatalf("expected no origin")
	}
	ctx = WithOrigin(ctx, Origin{Channel: "events", Member: "node-b"})
	origin, ok := OriginFromContext(ctx)
	if !ok || origin.Channel != "events" || origin.Member != "node-b" {
		t.Fatalf("unexpected origin %+v", origin)
	}
}
