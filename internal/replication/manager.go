// Package replication bridges the local event dispatcher and the cluster
// network: local events are converted and sent to the other members, and
// events received from them are converted back and raised locally.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/execctx"
	"github.com/flitsinc/go-observation/internal/journal"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/flitsinc/go-observation/internal/replication"

var ErrDisabled = errors.New("remote observation disabled")

// Dispatcher raises events to the local listeners.
type Dispatcher interface {
	Notify(ctx context.Context, event observation.LocalEvent) error
}

// Recorder keeps a trail of replicated traffic.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) (journal.Entry, error)
}

type Option func(*Manager)

func WithJournal(r Recorder) Option {
	return func(m *Manager) { m.journal = r }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDebug enables logging of dropped and skipped events.
func WithDebug(debug bool) Option {
	return func(m *Manager) { m.debug = debug }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager is the remote observation manager of one node. A manager built
// without an adapter factory is disabled: it never sends and refuses to
// start channels.
type Manager struct {
	registry   *remote.Registry
	dispatcher Dispatcher
	adapter    cluster.Adapter
	journal    Recorder
	logger     *log.Logger
	debug      bool
	tracer     trace.Tracer

	active atomic.Int64
}

func NewManager(registry *remote.Registry, dispatcher Dispatcher, factory cluster.AdapterFactory, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("converter registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	m := &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if factory == nil {
		return m, nil
	}
	adapter, err := factory(m)
	if err != nil {
		return nil, fmt.Errorf("create network adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter factory returned no adapter")
	}
	m.adapter = adapter
	adapter.Channels().Observe(m.onMembership)
	return m, nil
}

func (m *Manager) Enabled() bool { return m.adapter != nil }

// LocalMember is the id this node uses in every channel, or empty when
// disabled.
func (m *Manager) LocalMember() string {
	if m.adapter == nil {
		return ""
	}
	return m.adapter.Channels().Local()
}

// ActiveRedeliveries is the number of remote events currently being raised
// locally.
func (m *Manager) ActiveRedeliveries() int64 {
	return m.active.Load()
}

// NotifyLocal sends a locally raised event to the other members. Events
// raised while handling a remote event are not sent, nor are events no
// converter claims. It returns once the adapter's Send returns.
func (m *Manager) NotifyLocal(ctx context.Context, event observation.LocalEvent) error {
	if m.adapter == nil || IsRemote(ctx) {
		return nil
	}
	if !m.registry.Claims(event.Kind) {
		return nil
	}
	if len(m.adapter.Channels().Started()) == 0 {
		m.debugf("no started channel, not sending %s", event.Kind)
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "replication.notify_local",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("event.kind", string(event.Kind))),
	)
	defer span.End()

	remoteEvent, ok := m.registry.ToRemote(ctx, event)
	if !ok {
		m.debugf("%s not applicable for replication", event.Kind)
		return nil
	}
	origin := cluster.Origin{Member: m.LocalMember()}
	if err := m.adapter.Send(ctx, remoteEvent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.record(ctx, journal.DirectionOut, journal.OutcomeFailed, origin, remoteEvent, err)
		return fmt.Errorf("send %s: %w", event.Kind, err)
	}
	m.record(ctx, journal.DirectionOut, journal.OutcomeSent, origin, remoteEvent, nil)
	return nil
}

// NotifyRemote raises an event received from another member on the local
// dispatcher. Listeners see a context for which IsRemote is true, so
// whatever they raise in turn stays local.
func (m *Manager) NotifyRemote(ctx context.Context, event remote.RemoteEvent) {
	exec := execctx.FromContext(ctx)
	if exec == nil {
		exec = execctx.New("", "")
		ctx = execctx.WithExecution(ctx, exec)
	} else {
		saved := exec.Save()
		defer exec.Restore(saved)
	}
	origin, _ := cluster.OriginFromContext(ctx)

	ctx, span := m.tracer.Start(ctx, "replication.notify_remote",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.kind", string(event.Kind)),
			attribute.String("cluster.channel", origin.Channel),
			attribute.String("cluster.member", origin.Member),
		),
	)
	defer span.End()

	local, ok := m.registry.ToLocal(ctx, event)
	if !ok {
		m.debugf("dropping %s from %s: no converter applies", event.Kind, origin.Member)
		m.record(ctx, journal.DirectionIn, journal.OutcomeDropped, origin, event, nil)
		return
	}
	if err := m.redeliver(ctx, local); err != nil {
		m.logf("remote observation: %v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.record(ctx, journal.DirectionIn, journal.OutcomeFailed, origin, event, err)
		return
	}
	m.record(ctx, journal.DirectionIn, journal.OutcomeDelivered, origin, event, nil)
}

func (m *Manager) redeliver(ctx context.Context, event observation.LocalEvent) (err error) {
	guarded := Enter(ctx)
	m.active.Add(1)
	defer func() {
		m.active.Add(-1)
		if r := recover(); r != nil {
			err = fmt.Errorf("redeliver %s: panic: %v", event.Kind, r)
		}
	}()
	if err := m.dispatcher.Notify(guarded, event); err != nil {
		return fmt.Errorf("redeliver %s: %w", event.Kind, err)
	}
	return nil
}

func (m *Manager) StartChannel(ctx context.Context, id string) error {
	if m.adapter == nil {
		return ErrDisabled
	}
	if err := m.adapter.StartChannel(ctx, id); err != nil {
		return err
	}
	m.logf("remote observation: channel %s started as %s", id, m.LocalMember())
	return nil
}

func (m *Manager) StopChannel(ctx context.Context, id string) error {
	if m.adapter == nil {
		return ErrDisabled
	}
	if err := m.adapter.StopChannel(ctx, id); err != nil {
		return err
	}
	m.logf("remote observation: channel %s stopped", id)
	return nil
}

// StopAllChannels stops every channel, continuing past failures.
func (m *Manager) StopAllChannels(ctx context.Context) error {
	if m.adapter == nil {
		return nil
	}
	return m.adapter.StopAllChannels(ctx)
}

// Channels describes every channel the adapter knows about.
func (m *Manager) Channels() []cluster.Info {
	if m.adapter == nil {
		return nil
	}
	all := m.adapter.Channels().All()
	out := make([]cluster.Info, 0, len(all))
	for _, ch := range all {
		out = append(out, ch.Info())
	}
	return out
}

// Close stops every channel and releases the adapter.
func (m *Manager) Close(ctx context.Context) error {
	if m.adapter == nil {
		return nil
	}
	return errors.Join(m.adapter.StopAllChannels(ctx), m.adapter.Close())
}

func (m *Manager) onMembership(ev cluster.MembershipEvent) {
	var kind observation.Kind
	switch ev.Type {
	case cluster.MemberJoined:
		kind = observation.KindMemberJoined
	case cluster.MemberLeft, cluster.MemberFailed:
		kind = observation.KindMemberLeft
	case cluster.LeaderChanged:
		kind = observation.KindLeaderChanged
	default:
		return
	}
	m.debugf("channel %s: member %s %s", ev.Channel, ev.Member.ID, ev.Type)
	_ = m.dispatcher.Notify(context.Background(), observation.LocalEvent{
		Kind:   kind,
		Name:   ev.Channel,
		Source: ev.Member,
		Data:   ev.Type,
	})
}

func (m *Manager) record(ctx context.Context, dir journal.Direction, outcome journal.Outcome, origin cluster.Origin, event remote.RemoteEvent, cause error) {
	if m.journal == nil {
		return
	}
	entry := journal.Entry{
		Direction: dir,
		Outcome:   outcome,
		Channel:   origin.Channel,
		Member:    origin.Member,
		Kind:      string(event.Kind),
		Name:      event.Name,
		Source:    event.Source,
		Data:      event.Data,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
	}
	if _, err := m.journal.Record(ctx, entry); err != nil {
		m.logf("journal %s: %v", event.Kind, err)
	}
}

func (m *Manager) debugf(format string, args ...any) {
	if !m.debug {
		return
	}
	m.logf("remote observation: "+format, args...)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
