// Package mesh is the in-process event bus. Every published event is
// appended to the immutable log before any subscriber sees it, so the log
// is always a superset of what was delivered. Subscriptions carry bounded
// queues with per-subscription overflow policies; a slow consumer never
// affects an unrelated one.
package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

const defaultQueueCap = 1024

// systemActor identifies events the mesh emits about itself.
const systemActor = "core.mesh"

// Config carries construction settings. Log is required.
type Config struct {
	Log             *ledger.Ledger
	IDs             *clock.IDGenerator
	Clock           clock.Clock
	DefaultQueueCap int
	Logger          *slog.Logger
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Subscriptions int    `json:"subscriptions"`
}

// Mesh routes published events to matching subscriptions. Publish-side
// dispatch is serialized by pubMu so that, per topic, enqueue order always
// matches log order; subscriber state lives behind subMu and is never held
// while delivering.
type Mesh struct {
	log        *ledger.Ledger
	ids        *clock.IDGenerator
	clockFn    clock.Clock
	logger     *slog.Logger
	defaultCap int

	pubMu       sync.Mutex // serializes append + fanout
	droppedSubs []droppedSub

	subMu sync.RWMutex
	subs  map[string]*Subscription

	closed atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a mesh over the given log.
func New(cfg Config) (*Mesh, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "mesh requires a log")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.IDs == nil {
		cfg.IDs = clock.NewIDGenerator(cfg.Clock)
	}
	if cfg.DefaultQueueCap <= 0 {
		cfg.DefaultQueueCap = defaultQueueCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mesh{
		log:        cfg.Log,
		ids:        cfg.IDs,
		clockFn:    cfg.Clock,
		logger:     cfg.Logger.With("component", "mesh"),
		defaultCap: cfg.DefaultQueueCap,
		subs:       make(map[string]*Subscription),
	}, nil
}

// Subscribe registers a pattern and returns the subscription handle whose
// Events channel receives matching events published after this call.
// History is available through Replay.
func (m *Mesh) Subscribe(pattern string, opts SubscribeOptions) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, fault.Wrap(fault.Validation, "subscribe", err)
	}
	if opts.QueueCap < 0 {
		return nil, fault.Errorf(fault.Validation, "subscribe: negative queue cap %d", opts.QueueCap)
	}
	if opts.QueueCap == 0 {
		opts.QueueCap = m.defaultCap
	}
	if opts.SlowConsumer == "" {
		opts.SlowConsumer = DropOldest
	}
	if !opts.SlowConsumer.valid() {
		return nil, fault.Errorf(fault.Validation, "subscribe: unknown slow consumer policy %q", opts.SlowConsumer)
	}
	if m.closed.Load() {
		return nil, fault.New(fault.Internal, "mesh is closed")
	}

	sub := &Subscription{
		id:      m.ids.NewString(),
		pattern: pattern,
		policy:  opts.SlowConsumer,
		ch:      make(chan contracts.Event, opts.QueueCap),
		done:    make(chan struct{}),
	}

	m.subMu.Lock()
	m.subs[sub.id] = sub
	m.subMu.Unlock()

	m.logger.Debug("subscribed", "subscription", sub.id, "pattern", pattern, "policy", sub.policy)
	return sub, nil
}

// Unsubscribe cancels a subscription and closes its Events channel.
// Unknown handles are a no-op.
func (m *Mesh) Unsubscribe(id string) {
	m.subMu.RLock()
	sub, ok := m.subs[id]
	m.subMu.RUnlock()
	if !ok {
		return
	}

	// Wake a publisher blocked on this queue before taking its lock.
	sub.cancel()

	m.pubMu.Lock()
	m.subMu.Lock()
	delete(m.subs, id)
	m.subMu.Unlock()
	sub.closeChan()
	m.pubMu.Unlock()

	m.logger.Debug("unsubscribed", "subscription", id)
}

// Publish validates the topic, appends an event.published record, and
// fans the event out to every matching subscription. The append happens
// first: a crash can lose deliveries, never log entries. Reserved-prefix
// authorization is the gate's job; the mesh trusts its caller.
func (m *Mesh) Publish(ctx context.Context, actor, topic string, payload []byte) (contracts.Event, error) {
	var zero contracts.Event
	if err := ValidateTopic(topic); err != nil {
		return zero, fault.Wrap(fault.Validation, "publish", err)
	}
	if m.closed.Load() {
		return zero, fault.New(fault.Internal, "mesh is closed")
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	return m.publishLocked(ctx, actor, topic, payload)
}

// publishLocked appends and dispatches one event plus any disconnect
// notices the dispatch produced. Caller holds pubMu.
func (m *Mesh) publishLocked(ctx context.Context, actor, topic string, payload []byte) (contracts.Event, error) {
	rec, err := m.log.Append(ctx, contracts.KindEventPublished, actor, topic, payload)
	if err != nil {
		return contracts.Event{}, err
	}
	ev := contracts.Event{Topic: topic, Seq: rec.Seq, TS: rec.TS, Payload: rec.Payload}
	m.published.Add(1)

	firstErr := m.fanout(ctx, ev)

	// Disconnect notices are real published events; dispatch them the
	// same way, iteratively in case they overflow further subscriptions.
	for _, dropped := range m.collectDropped() {
		notice, merr := json.Marshal(map[string]string{
			"subscription_id": dropped.id,
			"pattern":         dropped.pattern,
			"topic":           topic,
			"reason":          "queue_overflow",
		})
		if merr != nil {
			continue
		}
		if _, perr := m.publishLocked(ctx, systemActor, contracts.TopicMeshSubscriptionDropped, notice); perr != nil {
			m.logger.Error("subscription_dropped publish failed", "subscription", dropped.id, "error", perr)
		}
	}
	return ev, firstErr
}

// fanout enqueues ev to every matching live subscription, applying each
// one's overflow policy. Returns the first backpressure error, if any.
func (m *Mesh) fanout(ctx context.Context, ev contracts.Event) error {
	m.subMu.RLock()
	matching := make([]*Subscription, 0, 4)
	for _, sub := range m.subs {
		if MatchTopic(sub.pattern, ev.Topic) {
			matching = append(matching, sub)
		}
	}
	m.subMu.RUnlock()

	var firstErr error
	for _, sub := range matching {
		if sub.canceled() {
			continue
		}
		switch sub.policy {
		case DropOldest:
			m.enqueueDropOldest(sub, ev)
		case Block:
			if err := m.enqueueBlocking(ctx, sub, ev); err != nil && firstErr == nil {
				firstErr = err
			}
		case Disconnect:
			m.enqueueOrDisconnect(sub, ev)
		}
	}
	return firstErr
}

// enqueueDropOldest delivers ev, evicting the queue head when full. With
// pubMu held there is exactly one sender, so the loop terminates after at
// most one eviction per concurrent consumer receive.
func (m *Mesh) enqueueDropOldest(sub *Subscription, ev contracts.Event) {
	for {
		select {
		case sub.ch <- ev:
			sub.delivered.Add(1)
			m.delivered.Add(1)
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			m.dropped.Add(1)
		default:
		}
	}
}

// enqueueBlocking waits for queue space, the subscription's cancellation,
// or the caller's deadline.
func (m *Mesh) enqueueBlocking(ctx context.Context, sub *Subscription, ev contracts.Event) error {
	select {
	case sub.ch <- ev:
		sub.delivered.Add(1)
		m.delivered.Add(1)
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Backpressure,
			"publish: subscription "+sub.id+" queue full", ctx.Err())
	}
}

// enqueueOrDisconnect delivers ev or, when the queue is full, cancels the
// subscription and queues a disconnect notice.
func (m *Mesh) enqueueOrDisconnect(sub *Subscription, ev contracts.Event) {
	select {
	case sub.ch <- ev:
		sub.delivered.Add(1)
		m.delivered.Add(1)
		return
	default:
	}

	m.subMu.Lock()
	delete(m.subs, sub.id)
	m.subMu.Unlock()
	sub.cancel()
	sub.closeChan()
	m.droppedSubs = append(m.droppedSubs, droppedSub{id: sub.id, pattern: sub.pattern})
	m.logger.Warn("subscription disconnected on overflow", "subscription", sub.id, "pattern", sub.pattern, "topic", ev.Topic)
}

// collectDropped drains the disconnect-notice backlog. Caller holds pubMu.
func (m *Mesh) collectDropped() []droppedSub {
	out := m.droppedSubs
	m.droppedSubs = nil
	return out
}

type droppedSub struct {
	id      string
	pattern string
}

// Emergency fans an event out without touching the log. It exists for
// exactly one situation: announcing log corruption when appending is no
// longer possible. Delivery is best-effort and never blocks.
func (m *Mesh) Emergency(topic string, payload []byte) {
	ev := contracts.Event{Topic: topic, Seq: m.log.Len(), TS: m.clockFn(), Payload: payload}

	m.subMu.RLock()
	matching := make([]*Subscription, 0, 4)
	for _, sub := range m.subs {
		if MatchTopic(sub.pattern, topic) {
			matching = append(matching, sub)
		}
	}
	m.subMu.RUnlock()

	for _, sub := range matching {
		if sub.canceled() {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.delivered.Add(1)
			m.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			m.dropped.Add(1)
		}
	}
	m.logger.Error("emergency event delivered outside the log", "topic", topic, "subscriptions", len(matching))
}

// Stats snapshots the mesh counters.
func (m *Mesh) Stats() Stats {
	m.subMu.RLock()
	n := len(m.subs)
	m.subMu.RUnlock()
	return Stats{
		Published:     m.published.Load(),
		Delivered:     m.delivered.Load(),
		Dropped:       m.dropped.Load(),
		Subscriptions: n,
	}
}

// Close cancels every subscription and rejects further publishes.
func (m *Mesh) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.subMu.RLock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subMu.RUnlock()

	m.pubMu.Lock()
	m.subMu.Lock()
	for _, sub := range m.subs {
		sub.closeChan()
	}
	m.subs = make(map[string]*Subscription)
	m.subMu.Unlock()
	m.pubMu.Unlock()

	m.logger.Info("mesh closed")
}
