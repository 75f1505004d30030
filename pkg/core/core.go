// Package core assembles the control plane. One Core owns one ledger and
// every service that rides on it, built in dependency order and shut down
// in reverse. Everything above this package (the HTTP API, the CLI) talks
// to the facade methods here rather than to components directly, so the
// reserved-topic gate check cannot be skipped by a caller.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/graceos/grace/core/pkg/approval"
	"github.com/graceos/grace/core/pkg/archive"
	"github.com/graceos/grace/core/pkg/bench"
	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/config"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/gate"
	"github.com/graceos/grace/core/pkg/ledger"
	"github.com/graceos/grace/core/pkg/mesh"
	"github.com/graceos/grace/core/pkg/metrics"
	"github.com/graceos/grace/core/pkg/observability"
	"github.com/graceos/grace/core/pkg/policy"
)

// actionPublishReserved is proposed to the gate when a caller asks to
// publish under a reserved topic prefix. The topic is the resource, so
// only policies that target the reserved namespace can grant it.
const actionPublishReserved = "publish.reserved"

// Core wires the components together and owns their lifecycles.
type Core struct {
	cfg    config.Config
	logger *slog.Logger
	obs    *observability.Provider

	clockFn clock.Clock
	ids     *clock.IDGenerator

	ledger    *ledger.Ledger
	mesh      *mesh.Mesh
	policies  *policy.Store
	index     *approval.Index
	approvals *approval.Queue
	gate      *gate.Gate
	metrics   *metrics.Collector
	bench     *bench.Engine

	archive archive.Store
	dedup   gate.DedupStore
}

type options struct {
	clockFn clock.Clock
	logger  *slog.Logger
}

// Option adjusts construction, mainly so tests can inject a fake clock.
type Option func(*options)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clockFn = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the control plane from cfg: ledger, mesh, policy store (with
// seeds), approval queue (with read index), gate, metrics collector, and
// benchmark engine, sharing one clock and one logger. Background loops
// stay parked until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clockFn: clock.System(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{
		cfg:     cfg,
		logger:  o.logger,
		clockFn: o.clockFn,
		ids:     clock.NewIDGenerator(o.clockFn),
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Logger = o.logger
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	c.obs = obs

	if err := c.buildComponents(ctx); err != nil {
		c.obs.Shutdown(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Core) buildComponents(ctx context.Context) error {
	cfg := c.cfg
	for _, sub := range []string{"log", "policies"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return fmt.Errorf("ensure data dir: %w", err)
		}
	}

	var archiveFn ledger.ArchiveFunc
	if cfg.ArchiveType != "" {
		store, err := archive.NewStore(ctx, archive.StoreType(cfg.ArchiveType))
		if err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		c.archive = store
		archiveFn = func(ctx context.Context, name string, data []byte) error {
			_, err := store.Put(ctx, name, data)
			return err
		}
	}

	sealSeed, err := cfg.SealSeedBytes()
	if err != nil {
		return err
	}

	led, err := ledger.Open(filepath.Join(cfg.DataDir, "log"), ledger.Config{
		Clock:               c.clockFn,
		SegmentMaxBytes:     cfg.SegmentMaxBytes,
		RecoveryVerifyDepth: cfg.RecoveryVerifyDepth,
		SealSeed:            sealSeed,
		Archive:             archiveFn,
		OnCorruption:        c.onCorruption,
		Logger:              c.logger,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	c.ledger = led

	m, err := mesh.New(mesh.Config{Log: led, IDs: c.ids, Clock: c.clockFn, Logger: c.logger})
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}
	c.mesh = m

	pol, err := policy.New(policy.Config{Log: led, Clock: c.clockFn, Logger: c.logger})
	if err != nil {
		return fmt.Errorf("policy store: %w", err)
	}
	c.policies = pol
	if _, err := pol.LoadSeeds(ctx, filepath.Join(cfg.DataDir, "policies")); err != nil {
		return fmt.Errorf("policy seeds: %w", err)
	}

	// The read index is an optimization; a broken DSN degrades to
	// in-memory listing rather than refusing to start.
	dsn := cfg.IndexDSN
	if dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "index.db")
	}
	if ix, err := approval.OpenIndex(dsn); err != nil {
		c.logger.Warn("approval read index unavailable; lists served from memory", "dsn", dsn, "error", err)
	} else {
		c.index = ix
	}

	q, err := approval.New(approval.Config{
		Log:    led,
		Index:  c.index,
		Clock:  c.clockFn,
		IDs:    c.ids,
		Logger: c.logger,
	})
	if err != nil {
		return fmt.Errorf("approval queue: %w", err)
	}
	c.approvals = q

	if cfg.RedisAddr != "" {
		c.dedup = gate.NewRedisDedup(cfg.RedisAddr, "", 0, cfg.DedupWindow)
	}
	g, err := gate.New(gate.Config{
		Log:         led,
		Policies:    pol,
		Approvals:   q,
		Mesh:        m,
		Dedup:       c.dedup,
		DedupWindow: cfg.DedupWindow,
		Clock:       c.clockFn,
		IDs:         c.ids,
		Logger:      c.logger,
	})
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	c.gate = g

	col, err := metrics.New(metrics.Config{Log: led, Clock: c.clockFn, Logger: c.logger, Specs: cfg.KPIs})
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	c.metrics = col

	eng, err := bench.New(bench.Config{
		Log:        led,
		Collector:  col,
		Mesh:       m,
		Clock:      c.clockFn,
		Logger:     c.logger,
		Threshold:  cfg.BenchThreshold,
		WindowDays: cfg.BenchWindowDays,
		EvalPeriod: cfg.EvalPeriod,
	})
	if err != nil {
		return fmt.Errorf("benchmark engine: %w", err)
	}
	c.bench = eng
	return nil
}

// onCorruption announces a chain breach outside the log. During recovery
// the mesh does not exist yet; the ledger's own log line is the signal.
func (c *Core) onCorruption(seq uint64, reason string) {
	if c.mesh == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"seq": seq, "reason": reason})
	c.mesh.Emergency(contracts.TopicLogCorruptionDetected, payload)
}

// Start launches the approval sweeper and the benchmark evaluator.
func (c *Core) Start() {
	c.approvals.Start()
	c.bench.Start()
	c.logger.Info("control plane started",
		"records", c.ledger.Len(), "policies", c.policies.Len())
}

// Close stops background loops and releases resources in reverse build
// order. The state snapshot is written first, while everything is alive.
func (c *Core) Close(ctx context.Context) error {
	c.writeStateSnapshot()

	c.bench.Stop()
	c.approvals.Stop()
	c.mesh.Close()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := c.dedup.(io.Closer); ok && closer != nil {
		keep(closer.Close())
	}
	if c.index != nil {
		keep(c.index.Close())
	}
	if closer, ok := c.archive.(io.Closer); ok && closer != nil {
		keep(closer.Close())
	}
	keep(c.ledger.Close())
	keep(c.obs.Shutdown(ctx))
	return firstErr
}

// stateSnapshot is the <data-dir>/state.json cache. It is advisory only;
// deleting it loses nothing, every field is rebuilt from the log.
type stateSnapshot struct {
	HeadSeq   uint64    `json:"head_seq"`
	Ready     bool      `json:"ready"`
	WrittenAt time.Time `json:"written_at"`
}

func (c *Core) writeStateSnapshot() {
	snap := stateSnapshot{
		HeadSeq:   c.ledger.Len(),
		Ready:     c.bench.Readiness().Ready,
		WrittenAt: c.clockFn(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.cfg.DataDir, "state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn("state snapshot not written", "path", path, "error", err)
	}
}

// track opens a RED-instrumented span around one facade operation. The
// returned func must be called exactly once with the operation's error.
func (c *Core) track(ctx context.Context, op string) (context.Context, func(error)) {
	return c.obs.TrackOperation(ctx, op, attribute.String("operation", op))
}

// Propose evaluates an action against the active policy set.
func (c *Core) Propose(ctx context.Context, req contracts.ProposeRequest) (contracts.DecisionResponse, error) {
	ctx, done := c.track(ctx, "gate.propose")
	dec, err := c.gate.Propose(ctx, req)
	done(err)
	return dec, err
}

// RecordExecution reports the outcome of an allowed action.
func (c *Core) RecordExecution(ctx context.Context, actor string, report contracts.ExecutionReport) (contracts.Record, error) {
	ctx, done := c.track(ctx, "gate.execution")
	rec, err := c.gate.RecordExecution(ctx, actor, report)
	done(err)
	return rec, err
}

// AwaitApproval blocks until the named proposal's review resolves.
func (c *Core) AwaitApproval(ctx context.Context, proposalID string, timeout time.Duration) (contracts.Effect, error) {
	return c.gate.AwaitApproval(ctx, proposalID, timeout)
}

// ListApprovals filters the approval queue.
func (c *Core) ListApprovals(ctx context.Context, f approval.Filter) ([]contracts.ApprovalRequest, error) {
	return c.approvals.List(ctx, f)
}

// GetApproval returns one approval request by ID.
func (c *Core) GetApproval(ctx context.Context, requestID string) (contracts.ApprovalRequest, error) {
	return c.approvals.Get(ctx, requestID)
}

// SubmitApproval records one approver's vote.
func (c *Core) SubmitApproval(ctx context.Context, requestID, approver string, decision contracts.VoteDecision, reason string) (contracts.ApprovalRequest, error) {
	ctx, done := c.track(ctx, "approval.submit")
	req, err := c.approvals.Submit(ctx, requestID, approver, decision, reason)
	done(err)
	return req, err
}

// PublishAs publishes on behalf of actor. Topics under a reserved prefix
// are proposed to the gate first as publish.reserved actions with the
// topic as resource; anything short of an allow refuses the publish.
func (c *Core) PublishAs(ctx context.Context, actor, topic string, payload []byte) (contracts.Event, error) {
	ctx, done := c.track(ctx, "mesh.publish")
	ev, err := c.publishAs(ctx, actor, topic, payload)
	done(err)
	return ev, err
}

func (c *Core) publishAs(ctx context.Context, actor, topic string, payload []byte) (contracts.Event, error) {
	if contracts.ReservedTopic(topic) {
		dec, err := c.gate.Propose(ctx, contracts.ProposeRequest{
			Actor:      actor,
			ActionKind: actionPublishReserved,
			Resource:   topic,
			Payload:    payload,
		})
		if err != nil {
			return contracts.Event{}, err
		}
		if dec.Effect != contracts.EffectAllow {
			return contracts.Event{}, fault.Errorf(fault.Policy,
				"publish to reserved topic %s %sed: %s", topic, dec.Effect, dec.Reason)
		}
	}
	return c.mesh.Publish(ctx, actor, topic, payload)
}

// Subscribe opens a live subscription on the mesh.
func (c *Core) Subscribe(pattern string, opts mesh.SubscribeOptions) (*mesh.Subscription, error) {
	return c.mesh.Subscribe(pattern, opts)
}

// Unsubscribe cancels a subscription by ID.
func (c *Core) Unsubscribe(id string) {
	c.mesh.Unsubscribe(id)
}

// Replay opens an iterator over historical events matching pattern.
func (c *Core) Replay(pattern string, fromSeq uint64) (*mesh.Replay, error) {
	return c.mesh.Replay(pattern, fromSeq)
}

// MeshStats snapshots the mesh counters.
func (c *Core) MeshStats() mesh.Stats {
	return c.mesh.Stats()
}

// RecordMetric ingests one observation.
func (c *Core) RecordMetric(ctx context.Context, actor, domain, kpi string, value float64, metadata map[string]string) (contracts.MetricEvent, error) {
	ctx, done := c.track(ctx, "metrics.record")
	ev, err := c.metrics.Record(ctx, actor, domain, kpi, value, metadata)
	done(err)
	return ev, err
}

// RecordMetricBatch ingests several KPIs for one domain atomically.
func (c *Core) RecordMetricBatch(ctx context.Context, actor, domain string, values map[string]float64) error {
	ctx, done := c.track(ctx, "metrics.batch")
	err := c.metrics.Batch(ctx, actor, domain, values)
	done(err)
	return err
}

// DomainSnapshot derives the aggregate view of one domain. Unknown
// domains return NotFound.
func (c *Core) DomainSnapshot(domain string) (contracts.DomainSnapshot, error) {
	if len(c.metrics.Specs(domain)) == 0 {
		return contracts.DomainSnapshot{}, fault.Errorf(fault.NotFound, "domain %s has no registered KPIs", domain)
	}
	return c.metrics.Snapshot(domain), nil
}

// Domains lists every domain with at least one registered KPI.
func (c *Core) Domains() []string {
	return c.metrics.Domains()
}

// Windows returns the rolling aggregates for one (domain, kpi) series.
func (c *Core) Windows(domain, kpi string) ([]contracts.RollupWindow, error) {
	return c.metrics.Windows(domain, kpi)
}

// Readiness reports the elevation decision and its inputs.
func (c *Core) Readiness() contracts.ReadinessResponse {
	return c.bench.Readiness()
}

// BenchTick forces one benchmark evaluation outside the timer.
func (c *Core) BenchTick(ctx context.Context) error {
	ctx, done := c.track(ctx, "bench.tick")
	err := c.bench.Tick(ctx)
	done(err)
	return err
}

// VerifyLog re-walks the hash chain over [from, to].
func (c *Core) VerifyLog(ctx context.Context, from, to uint64) (ok bool, breachSeq uint64, err error) {
	ctx, done := c.track(ctx, "ledger.verify")
	ok, breachSeq, err = c.ledger.Verify(ctx, from, to)
	done(err)
	return ok, breachSeq, err
}

// RangeLog reads records [from, to] from the log.
func (c *Core) RangeLog(from, to uint64) ([]contracts.Record, error) {
	return c.ledger.Range(from, to)
}

// LogLen is the number of appended records.
func (c *Core) LogLen() uint64 {
	return c.ledger.Len()
}

// LogCorrupt reports whether the ledger has latched its corrupt state.
func (c *Core) LogCorrupt() bool {
	return c.ledger.Corrupt()
}

// UpsertPolicy installs or revises a policy on behalf of actor.
func (c *Core) UpsertPolicy(ctx context.Context, actor string, p contracts.Policy) (contracts.Policy, error) {
	ctx, done := c.track(ctx, "policy.upsert")
	out, err := c.policies.Upsert(ctx, actor, p)
	done(err)
	return out, err
}

// Policies lists the active policy set.
func (c *Core) Policies() []contracts.Policy {
	return c.policies.List()
}

// SystemActor reports whether actor claims a control-plane identity.
// Claimed system identities get no privilege over HTTP; the name exists
// so handlers can refuse them outright.
func SystemActor(actor string) bool {
	return strings.HasPrefix(actor, "core.")
}
