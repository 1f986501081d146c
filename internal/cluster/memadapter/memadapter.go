// Package memadapter connects several nodes living in one process. Events
// travel through the same wire encoding the network adapters use and are
// delivered synchronously: Send returns once every member has handled them.
package memadapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/flitsinc/go-observation/internal/wire"
)

// Network is the shared medium adapters join.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Adapter
}

func NewNetwork() *Network {
	return &Network{nodes: map[string]*Adapter{}}
}

// Factory returns an adapter factory that joins the network as node.
func (n *Network) Factory(node string) cluster.AdapterFactory {
	return func(recv cluster.Receiver) (cluster.Adapter, error) {
		return n.Join(node, recv)
	}
}

func (n *Network) Join(node string, recv cluster.Receiver) (*Adapter, error) {
	if node == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if recv == nil {
		return nil, fmt.Errorf("receiver is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[node]; ok {
		return nil, fmt.Errorf("node %s already joined", node)
	}
	a := &Adapter{
		network:  n,
		node:     node,
		recv:     recv,
		channels: cluster.NewChannels(node),
	}
	n.nodes[node] = a
	return a, nil
}

// Nodes lists the ids of the joined nodes.
func (n *Network) Nodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fail simulates the crash of node: it leaves the network without saying
// goodbye and every other node detects it as failed.
func (n *Network) Fail(node string) {
	a := n.remove(node)
	if a == nil {
		return
	}
	a.closed.Store(true)
	for _, peer := range n.peers("") {
		for _, ch := range peer.channels.All() {
			ch.Fail(node)
		}
	}
}

func (n *Network) remove(node string) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.nodes[node]
	if !ok {
		return nil
	}
	delete(n.nodes, node)
	return a
}

// peers returns every joined adapter except the one for node, in id order.
func (n *Network) peers(node string) []*Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Adapter, 0, len(n.nodes))
	for id, a := range n.nodes {
		if id != node {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].node < out[j].node })
	return out
}

type Adapter struct {
	network  *Network
	node     string
	recv     cluster.Receiver
	channels *cluster.Channels
	closed   atomic.Bool

	// sendMu keeps events from one sender in order.
	sendMu sync.Mutex
}

var _ cluster.Adapter = (*Adapter)(nil)

func (a *Adapter) Channels() *cluster.Channels { return a.channels }

func (a *Adapter) StartChannel(ctx context.Context, id string) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	return a.channels.Start(ctx, id, func(_ context.Context, ch *cluster.Channel) error {
		for _, peer := range a.network.peers(a.node) {
			peerCh, ok := peer.joinable(id)
			if !ok {
				continue
			}
			peerCh.Join(a.node)
			ch.Join(peer.node)
		}
		return nil
	})
}

func (a *Adapter) StopChannel(ctx context.Context, id string) error {
	return a.channels.Stop(ctx, id, a.leave)
}

func (a *Adapter) StopAllChannels(ctx context.Context) error {
	return a.channels.StopAll(ctx, a.leave)
}

func (a *Adapter) leave(_ context.Context, ch *cluster.Channel) error {
	for _, peer := range a.network.peers(a.node) {
		if peerCh, ok := peer.channels.Get(ch.ID()); ok {
			peerCh.Leave(a.node)
		}
	}
	return nil
}

// Send delivers event to the members of every started channel.
func (a *Adapter) Send(ctx context.Context, event remote.RemoteEvent) error {
	if a.closed.Load() {
		return cluster.ErrAdapterClosed
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	for _, ch := range a.channels.Started() {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := wire.Encode(wire.NewEvent(ch.ID(), a.node, event))
		if err != nil {
			return err
		}
		for _, member := range ch.Members() {
			if member.ID == a.node {
				continue
			}
			peer := a.network.node(member.ID)
			if peer == nil {
				continue
			}
			if err := peer.deliver(frame); err != nil {
				return fmt.Errorf("deliver to %s: %w", member.ID, err)
			}
		}
	}
	return nil
}

func (a *Adapter) deliver(frame []byte) error {
	env, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	if _, ok := a.joinable(env.Channel); !ok {
		return nil
	}
	ctx := cluster.WithOrigin(context.Background(), cluster.Origin{Channel: env.Channel, Member: env.Sender})
	a.recv.NotifyRemote(ctx, *env.Event)
	return nil
}

// joinable returns channel id when it is starting or started.
func (a *Adapter) joinable(id string) (*cluster.Channel, bool) {
	ch, ok := a.channels.Get(id)
	if !ok {
		return nil, false
	}
	switch ch.State() {
	case cluster.StateStarting, cluster.StateStarted:
		return ch, true
	}
	return nil, false
}

// Close stops every channel and leaves the network.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.channels.StopAll(context.Background(), a.leave)
	a.network.remove(a.node)
	return err
}

func (n *Network) node(id string) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}
