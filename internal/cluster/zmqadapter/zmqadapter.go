//go:build zmq

// Package zmqadapter connects cluster members with ZeroMQ pub/sub. Each node
// binds one PUB socket and subscribes to every peer's; the topic is the
// channel id. Membership comes from heartbeats: a member silent for longer
// than MemberTimeout is considered failed.
package zmqadapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/flitsinc/go-observation/internal/wire"
	zmq "github.com/pebbe/zmq4"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultMemberTimeout     = 5 * time.Second
	recvTimeout              = 200 * time.Millisecond
)

type Options struct {
	Node  string
	Bind  string
	Peers []string

	HeartbeatInterval time.Duration
	MemberTimeout     time.Duration

	Logger *log.Logger
}

func Factory(opts Options) cluster.AdapterFactory {
	return func(recv cluster.Receiver) (cluster.Adapter, error) {
		return New(opts, recv)
	}
}

type Adapter struct {
	opts     Options
	recv     cluster.Receiver
	channels *cluster.Channels
	closed   atomic.Bool

	zctx *zmq.Context
	sub  *zmq.Socket

	// pubMu guards pub, which zmq sockets require.
	pubMu sync.Mutex
	pub   *zmq.Socket

	mu       sync.Mutex
	lastSeen map[string]map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ cluster.Adapter = (*Adapter)(nil)

func New(opts Options, recv cluster.Receiver) (*Adapter, error) {
	if opts.Node == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("bind address is required")
	}
	if recv == nil {
		return nil, fmt.Errorf("receiver is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MemberTimeout <= 0 {
		opts.MemberTimeout = defaultMemberTimeout
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq context: %w", err)
	}
	a := &Adapter{
		opts:     opts,
		recv:     recv,
		channels: cluster.NewChannels(opts.Node),
		zctx:     zctx,
		lastSeen: map[string]map[string]time.Time{},
	}
	if err := a.open(); err != nil {
		a.closeSockets()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.recvLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()
	return a, nil
}

func (a *Adapter) open() error {
	pub, err := a.zctx.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("create pub: %w", err)
	}
	a.pub = pub
	_ = pub.SetLinger(0)
	if err := pub.Bind(a.opts.Bind); err != nil {
		return fmt.Errorf("bind pub %s: %w", a.opts.Bind, err)
	}

	sub, err := a.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("create sub: %w", err)
	}
	a.sub = sub
	_ = sub.SetLinger(0)
	if err := sub.SetRcvtimeo(recvTimeout); err != nil {
		return fmt.Errorf("sub timeout: %w", err)
	}
	// Every topic; frames for channels that are not running are dropped.
	if err := sub.SetSubscribe(""); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for _, peer := range a.opts.Peers {
		if err := sub.Connect(peer); err != nil {
			return fmt.Errorf("connect sub %s: %w", peer, err)
		}
	}
	return nil
}

func (a *Adapter) Channels() *cluster.Channels { return a.channels }

func (a *Adapter) StartChannel(ctx context.Context, id string) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	return a.channels.Start(ctx, id, func(_ context.Context, ch *cluster.Channel) error {
		return a.publish(wire.New(wire.MessageHello, ch.ID(), a.opts.Node))
	})
}

func (a *Adapter) StopChannel(ctx context.Context, id string) error {
	return a.channels.Stop(ctx, id, a.leave)
}

func (a *Adapter) StopAllChannels(ctx context.Context) error {
	return a.channels.StopAll(ctx, a.leave)
}

func (a *Adapter) leave(_ context.Context, ch *cluster.Channel) error {
	a.mu.Lock()
	delete(a.lastSeen, ch.ID())
	a.mu.Unlock()
	return a.publish(wire.New(wire.MessageBye, ch.ID(), a.opts.Node))
}

// Send queues event on the PUB socket for every started channel. Delivery
// to subscribers happens after Send returns.
func (a *Adapter) Send(ctx context.Context, event remote.RemoteEvent) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	for _, ch := range a.channels.Started() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.publish(wire.NewEvent(ch.ID(), a.opts.Node, event)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) publish(env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if a.pub == nil {
		return cluster.ErrAdapterClosed
	}
	if _, err := a.pub.SendMessage(env.Channel, frame); err != nil {
		return fmt.Errorf("publish %s on %s: %w", env.Type, env.Channel, err)
	}
	return nil
}

func (a *Adapter) recvLoop(ctx context.Context) {
	for ctx.Err() == nil {
		parts, err := a.sub.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) && ctx.Err() == nil {
				a.logf("zmqadapter: recv: %v", err)
			}
			continue
		}
		if len(parts) != 2 {
			continue
		}
		env, err := wire.Decode(parts[1])
		if err != nil {
			a.logf("zmqadapter: %v", err)
			continue
		}
		a.handle(env)
	}
}

func (a *Adapter) handle(env wire.Envelope) {
	if env.Sender == a.opts.Node {
		return
	}
	ch, ok := a.channels.Get(env.Channel)
	if !ok || ch.State() != cluster.StateStarted {
		return
	}
	if env.Type == wire.MessageBye {
		a.forget(env.Channel, env.Sender)
		ch.Leave(env.Sender)
		return
	}

	a.mu.Lock()
	seen := a.lastSeen[env.Channel]
	if seen == nil {
		seen = map[string]time.Time{}
		a.lastSeen[env.Channel] = seen
	}
	seen[env.Sender] = time.Now()
	a.mu.Unlock()
	ch.Join(env.Sender)

	if env.Type == wire.MessageEvent {
		origin := cluster.Origin{Channel: env.Channel, Member: env.Sender}
		a.recv.NotifyRemote(cluster.WithOrigin(context.Background(), origin), *env.Event)
	}
}

func (a *Adapter) forget(channel, member string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSeen[channel], member)
}

// heartbeatLoop announces this node on every started channel and fails
// members that went silent.
func (a *Adapter) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ch := range a.channels.Started() {
				if err := a.publish(wire.New(wire.MessageHeartbeat, ch.ID(), a.opts.Node)); err != nil {
					a.logf("zmqadapter: heartbeat: %v", err)
				}
				for _, member := range a.expired(ch.ID(), now) {
					a.logf("zmqadapter: channel %s: member %s timed out", ch.ID(), member)
					ch.Fail(member)
				}
			}
		}
	}
}

func (a *Adapter) expired(channel string, now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for member, seen := range a.lastSeen[channel] {
		if now.Sub(seen) > a.opts.MemberTimeout {
			out = append(out, member)
			delete(a.lastSeen[channel], member)
		}
	}
	return out
}

// Close says goodbye on every channel, stops the loops and releases the
// sockets.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.channels.StopAll(context.Background(), a.leave)
	a.cancel()
	a.wg.Wait()
	a.closeSockets()
	return err
}

func (a *Adapter) closeSockets() {
	var errs []error
	a.pubMu.Lock()
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
		a.pub = nil
	}
	a.pubMu.Unlock()
	if a.sub != nil {
		errs = append(errs, a.sub.Close())
		a.sub = nil
	}
	errs = append(errs, a.zctx.Term())
	if err := errors.Join(errs...); err != nil {
		a.logf("zmqadapter: close: %v", err)
	}
}

func (a *Adapter) logf(format string, args ...any) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
