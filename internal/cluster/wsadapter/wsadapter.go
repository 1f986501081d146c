// Package wsadapter connects cluster members over websockets. Every node
// serves Path and dials the configured peers for each started channel; the
// first frame in each direction is a hello naming the member.
package wsadapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/flitsinc/go-observation/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Path is where peers connect.
const Path = "/cluster/ws"

const (
	defaultPingInterval     = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultRetryInitial     = 250 * time.Millisecond
	defaultRetryMax         = 30 * time.Second
	readLimit               = 1 << 20
)

var errSelfDial = errors.New("peer is this node")

// statusSelfDial closes a connection whose hello names the accepting node,
// so the dialing side learns it reached itself.
const statusSelfDial websocket.StatusCode = 4001

type Options struct {
	Node  string
	Peers []string

	PingInterval time.Duration
	WriteTimeout time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = defaultRetryInitial
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
}

// Factory returns an adapter factory for opts.
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

	mu      sync.Mutex
	conns   map[string]map[string][]*peerConn
	cancels map[string]context.CancelFunc

	// sendMu keeps events from this node in order.
	sendMu sync.Mutex
	wg     sync.WaitGroup
}

var _ cluster.Adapter = (*Adapter)(nil)

func New(opts Options, recv cluster.Receiver) (*Adapter, error) {
	if opts.Node == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if recv == nil {
		return nil, fmt.Errorf("receiver is required")
	}
	for _, peer := range opts.Peers {
		if _, err := peerURL(peer, "check"); err != nil {
			return nil, err
		}
	}
	opts.defaults()
	return &Adapter{
		opts:     opts,
		recv:     recv,
		channels: cluster.NewChannels(opts.Node),
		conns:    map[string]map[string][]*peerConn{},
		cancels:  map[string]context.CancelFunc{},
	}, nil
}

func (a *Adapter) Channels() *cluster.Channels { return a.channels }

type peerConn struct {
	conn    *websocket.Conn
	channel string
	member  string
	// left is set once the member said goodbye or we closed the connection
	// ourselves.
	left atomic.Bool
	// dropped is set when the channel stops. Its membership is reset by then,
	// so the connection must not report the member as gone.
	dropped atomic.Bool
}

func (a *Adapter) StartChannel(ctx context.Context, id string) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	return a.channels.Start(ctx, id, a.connect)
}

// connect dials every peer once, concurrently, then keeps a redial loop per
// peer for as long as the channel runs. Unreachable peers do not fail the
// start.
func (a *Adapter) connect(ctx context.Context, ch *cluster.Channel) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancels[ch.ID()] = cancel
	a.mu.Unlock()

	first := make([]*peerConn, len(a.opts.Peers))
	self := make([]bool, len(a.opts.Peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range a.opts.Peers {
		g.Go(func() error {
			p, err := a.dial(gctx, ch.ID(), peer)
			switch {
			case errors.Is(err, errSelfDial):
				self[i] = true
			case err != nil && ctx.Err() != nil:
				return ctx.Err()
			case err != nil:
				a.logf("wsadapter: channel %s: dial %s: %v", ch.ID(), peer, err)
			default:
				first[i] = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		for _, p := range first {
			if p != nil {
				_ = p.conn.Close(websocket.StatusGoingAway, "start aborted")
			}
		}
		return err
	}

	for i, peer := range a.opts.Peers {
		if self[i] {
			continue
		}
		p := first[i]
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.maintain(loopCtx, ch, peer, p)
		}()
	}
	return nil
}

// maintain serves the connection to peer and redials it with exponential
// backoff whenever it drops, until ctx is done.
func (a *Adapter) maintain(ctx context.Context, ch *cluster.Channel, peer string, p *peerConn) {
	for {
		if p != nil {
			a.serve(ctx, ch, p)
		}
		if ctx.Err() != nil {
			return
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = a.opts.RetryInitial
		b.MaxInterval = a.opts.RetryMax
		next, err := backoff.Retry(ctx, func() (*peerConn, error) {
			p, err := a.dial(ctx, ch.ID(), peer)
			if errors.Is(err, errSelfDial) {
				return nil, backoff.Permanent(err)
			}
			return p, err
		}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if !errors.Is(err, errSelfDial) && ctx.Err() == nil {
				a.logf("wsadapter: channel %s: giving up on %s: %v", ch.ID(), peer, err)
			}
			return
		}
		p = next
	}
}

func (a *Adapter) dial(ctx context.Context, channel, peer string) (*peerConn, error) {
	u, err := peerURL(peer, channel)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: a.opts.HTTPClient})
	if err != nil {
		return nil, err
	}
	p, err := a.handshake(ctx, conn, channel, true)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return p, nil
}

func (a *Adapter) handshake(ctx context.Context, conn *websocket.Conn, channel string, initiator bool) (*peerConn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()
	conn.SetReadLimit(readLimit)

	hello, err := wire.Encode(wire.New(wire.MessageHello, channel, a.opts.Node))
	if err != nil {
		return nil, err
	}
	if initiator {
		if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
			return nil, fmt.Errorf("write hello: %w", err)
		}
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == statusSelfDial {
			return nil, errSelfDial
		}
		return nil, fmt.Errorf("read hello: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.MessageHello || env.Channel != channel {
		return nil, fmt.Errorf("unexpected %s frame for channel %q", env.Type, env.Channel)
	}
	if env.Sender == a.opts.Node {
		return nil, errSelfDial
	}
	if !initiator {
		if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
			return nil, fmt.Errorf("write hello: %w", err)
		}
	}
	return &peerConn{conn: conn, channel: channel, member: env.Sender}, nil
}

// ServeHTTP accepts a connection from a peer for a starting or started
// channel.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("channel")
	ch, ok := a.channels.Get(id)
	if !ok || a.closed.Load() || !joinable(ch) {
		http.Error(w, fmt.Sprintf("%s: %s", cluster.ErrUnknownChannel, id), http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	p, err := a.handshake(r.Context(), conn, id, false)
	if errors.Is(err, errSelfDial) {
		_ = conn.Close(statusSelfDial, "self")
		return
	}
	if err != nil {
		a.logf("wsadapter: channel %s: handshake: %v", id, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	a.serve(r.Context(), ch, p)
}

// serve registers p as a member connection and reads from it until it
// fails. A member whose last connection fails is reported as failed.
func (a *Adapter) serve(ctx context.Context, ch *cluster.Channel, p *peerConn) {
	if !a.register(p) {
		_ = p.conn.Close(websocket.StatusGoingAway, "channel stopped")
		return
	}
	ch.Join(p.member)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.ping(ctx, p)

	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			a.logf("wsadapter: channel %s: from %s: %v", p.channel, p.member, err)
			continue
		}
		switch env.Type {
		case wire.MessageEvent:
			origin := cluster.Origin{Channel: p.channel, Member: p.member}
			a.recv.NotifyRemote(cluster.WithOrigin(context.Background(), origin), *env.Event)
		case wire.MessageBye:
			p.left.Store(true)
		}
	}
	_ = p.conn.CloseNow()

	if p.dropped.Load() {
		return
	}
	if a.unregister(p) > 0 {
		return
	}
	if p.left.Load() {
		ch.Leave(p.member)
		return
	}
	a.logf("wsadapter: channel %s: lost member %s", p.channel, p.member)
	ch.Fail(p.member)
}

func (a *Adapter) ping(ctx context.Context, p *peerConn) {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
			err := p.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				_ = p.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// register records p unless its channel is no longer running.
func (a *Adapter) register(p *peerConn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cancels[p.channel]; !ok {
		return false
	}
	members := a.conns[p.channel]
	if members == nil {
		members = map[string][]*peerConn{}
		a.conns[p.channel] = members
	}
	members[p.member] = append(members[p.member], p)
	return true
}

// unregister forgets p and returns how many connections to its member
// remain.
func (a *Adapter) unregister(p *peerConn) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	members := a.conns[p.channel]
	list := members[p.member]
	for i, c := range list {
		if c == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(members, p.member)
	} else {
		members[p.member] = list
	}
	return len(list)
}

func (a *Adapter) conn(channel, member string) *peerConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.conns[channel][member]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// Send writes event to one connection of every member of every started
// channel and returns once all writes are done.
func (a *Adapter) Send(ctx context.Context, event remote.RemoteEvent) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	var errs []error
	for _, ch := range a.channels.Started() {
		frame, err := wire.Encode(wire.NewEvent(ch.ID(), a.opts.Node, event))
		if err != nil {
			return err
		}
		for _, member := range ch.Members() {
			if member.ID == a.opts.Node {
				continue
			}
			p := a.conn(ch.ID(), member.ID)
			if p == nil {
				continue
			}
			if err := a.write(ctx, p, frame); err != nil {
				errs = append(errs, fmt.Errorf("send to %s on %s: %w", member.ID, ch.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) write(ctx context.Context, p *peerConn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (a *Adapter) StopChannel(ctx context.Context, id string) error {
	return a.channels.Stop(ctx, id, a.disconnect)
}

func (a *Adapter) StopAllChannels(ctx context.Context) error {
	return a.channels.StopAll(ctx, a.disconnect)
}

// disconnect says goodbye to every member and closes the channel's
// connections.
func (a *Adapter) disconnect(ctx context.Context, ch *cluster.Channel) error {
	a.mu.Lock()
	cancel := a.cancels[ch.ID()]
	delete(a.cancels, ch.ID())
	members := a.conns[ch.ID()]
	delete(a.conns, ch.ID())
	for _, list := range members {
		for _, p := range list {
			p.left.Store(true)
			p.dropped.Store(true)
		}
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	bye, err := wire.Encode(wire.New(wire.MessageBye, ch.ID(), a.opts.Node))
	if err != nil {
		return err
	}
	for _, list := range members {
		for _, p := range list {
			_ = a.write(ctx, p, bye)
			_ = p.conn.Close(websocket.StatusNormalClosure, "channel stopped")
		}
	}
	return nil
}

// Close stops every channel and waits for the redial loops to end.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.channels.StopAll(context.Background(), a.disconnect)
	a.wg.Wait()
	return err
}

func joinable(ch *cluster.Channel) bool {
	switch ch.State() {
	case cluster.StateStarting, cluster.StateStarted:
		return true
	}
	return false
}

// peerURL turns a peer base URL (http, https, ws or wss) into the websocket
// URL of channel on that peer.
func peerURL(peer, channel string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(peer))
	if err != nil {
		return "", fmt.Errorf("invalid peer %q: %w", peer, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid peer %q: unsupported scheme %q", peer, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid peer %q: missing host", peer)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	u.RawQuery = url.Values{"channel": {channel}}.Encode()
	return u.String(), nil
}

func (a *Adapter) logf(format string, args ...any) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
