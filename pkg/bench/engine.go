// Package bench is the threshold evaluator. On every tick it derives the
// overall health, trust, and confidence means from the metrics collector,
// persists them as benchmark samples, and maintains one fixed ring per
// metric. When all three rings are simultaneously sustained the engine
// appends benchmark.crossed and publishes product.elevation_ready, once,
// until a violation re-arms it. Rings rebuild from the log, so the same
// history always yields the same readiness.
package bench

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
	"github.com/graceos/grace/core/pkg/mesh"
	"github.com/graceos/grace/core/pkg/metrics"
)

// benchActor stamps benchmark samples, crossings, and events.
const benchActor = "core.bench"

// benchDomain namespaces the engine's own samples in the log. The
// collector never registers it, so replayed samples stay out of domain
// aggregation.
const benchDomain = "core.bench"

const (
	defaultThreshold  = 0.90
	defaultWindowDays = 7
	defaultEvalPeriod = time.Hour
)

// The top-level metrics, in evaluation order.
var metricNames = [3]string{"overall_health", "overall_trust", "overall_confidence"}

// Config wires the engine. Log, Collector, and Mesh are required.
type Config struct {
	Log       *ledger.Ledger
	Collector *metrics.Collector
	Mesh      *mesh.Mesh
	Clock     clock.Clock
	Logger    *slog.Logger

	// Threshold a sample must meet; the boundary value itself counts.
	Threshold float64
	// WindowDays sizes the ring at 24 slots per day.
	WindowDays int
	// EvalPeriod is the tick interval for the background evaluator.
	EvalPeriod time.Duration
}

type benchSample struct {
	value float64
	ts    time.Time
}

// metricState is one metric's ring and sustained bookkeeping.
type metricState struct {
	samples          []benchSample
	sustained        bool
	firstSustainedAt *time.Time
	lastViolationAt  *time.Time
}

// Engine evaluates sustained quality. All ring state sits behind mu;
// the collector is read outside it.
type Engine struct {
	log       *ledger.Ledger
	collector *metrics.Collector
	mesh      *mesh.Mesh
	clockFn   clock.Clock
	logger    *slog.Logger

	threshold  float64
	windowDays int
	slots      int
	evalEvery  time.Duration

	mu       sync.Mutex
	states   map[string]*metricState
	elevated bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped bool
}

// New rebuilds the rings by replaying benchmark samples from the log.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "bench engine requires a log")
	}
	if cfg.Collector == nil {
		return nil, fault.New(fault.Validation, "bench engine requires a metrics collector")
	}
	if cfg.Mesh == nil {
		return nil, fault.New(fault.Validation, "bench engine requires a mesh")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = defaultWindowDays
	}
	if cfg.EvalPeriod <= 0 {
		cfg.EvalPeriod = defaultEvalPeriod
	}

	e := &Engine{
		log:        cfg.Log,
		collector:  cfg.Collector,
		mesh:       cfg.Mesh,
		clockFn:    cfg.Clock,
		logger:     cfg.Logger.With("component", "bench"),
		threshold:  cfg.Threshold,
		windowDays: cfg.WindowDays,
		slots:      24 * cfg.WindowDays,
		evalEvery:  cfg.EvalPeriod,
		states:     make(map[string]*metricState, len(metricNames)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, name := range metricNames {
		e.states[name] = &metricState{}
	}
	if err := e.rebuild(); err != nil {
		return nil, err
	}
	return e, nil
}

// rebuild replays benchmark samples tick by tick. Samples from one tick
// share a timestamp and are applied as a group, so the replayed state
// transitions exactly match the live ones. Nothing is appended or
// published here.
func (e *Engine) rebuild() error {
	it := e.log.StreamFrom(0)
	var pending []contracts.MetricEvent
	var pendingTS time.Time
	ticks := 0

	flush := func() {
		if len(pending) == 0 {
			return
		}
		values := make(map[string]*float64, len(pending))
		for i := range pending {
			values[pending[i].KPI] = &pending[i].Value
		}
		_ = e.applyTick(context.Background(), pendingTS, values, false)
		pending = pending[:0]
		ticks++
	}

	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if rec.Kind != contracts.KindMetricRecorded {
			continue
		}
		var ev contracts.MetricEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			continue
		}
		if ev.Domain != benchDomain {
			continue
		}
		if !ev.TS.Equal(pendingTS) {
			flush()
			pendingTS = ev.TS
		}
		pending = append(pending, ev)
	}
	flush()
	if err := it.Err(); err != nil {
		return err
	}
	if ticks > 0 {
		e.logger.Info("benchmark rings rebuilt", "ticks", ticks, "elevated", e.elevated)
	}
	return nil
}

// Tick runs one evaluation: read the overall means, persist them as
// samples, and update the rings. The background evaluator calls this
// every eval period; tests drive it directly.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clockFn()
	overalls, _ := e.overall()

	for _, name := range metricNames {
		v := overalls[name]
		if v == nil {
			continue
		}
		ev := contracts.MetricEvent{Domain: benchDomain, KPI: name, Value: *v, TS: now}
		body, err := json.Marshal(ev)
		if err != nil {
			return fault.Wrap(fault.Internal, "marshal benchmark sample", err)
		}
		if _, err := e.log.Append(ctx, contracts.KindMetricRecorded, benchActor, benchDomain+"/"+name, body); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyTick(ctx, now, overalls, true)
}

// applyTick folds one tick's samples into the rings and walks the
// sustained/elevated transitions. Caller holds e.mu when emit is true;
// during rebuild the engine is not yet shared.
func (e *Engine) applyTick(ctx context.Context, now time.Time, values map[string]*float64, emit bool) error {
	var violations []string
	for _, name := range metricNames {
		st := e.states[name]
		if v := values[name]; v != nil {
			st.append(benchSample{value: *v, ts: now}, e.slots)
		}
		was := st.sustained
		st.sustained = e.sustainedNow(st, now)
		switch {
		case st.sustained && !was:
			ts := now
			st.firstSustainedAt = &ts
		case !st.sustained && was:
			ts := now
			st.lastViolationAt = &ts
			violations = append(violations, name)
		}
	}

	all := true
	for _, name := range metricNames {
		all = all && e.states[name].sustained
	}
	switch {
	case all && !e.elevated:
		e.elevated = true
		if emit {
			if err := e.emitCrossed(ctx, now); err != nil {
				return err
			}
		}
	case !all && e.elevated:
		e.elevated = false
		if emit {
			e.emitLost(ctx, now, violations)
		}
	}
	return nil
}

// sustainedNow applies the three-part condition: full ring, every sample
// at or above the threshold, and the oldest sample aged a full window
// less one eval period, so the Nth on-schedule sample is the one that
// completes the window.
func (e *Engine) sustainedNow(st *metricState, now time.Time) bool {
	if len(st.samples) < e.slots {
		return false
	}
	for _, s := range st.samples {
		if s.value < e.threshold {
			return false
		}
	}
	minAge := time.Duration(e.windowDays)*24*time.Hour - e.evalEvery
	return !st.samples[0].ts.After(now.Add(-minAge))
}

func (st *metricState) append(s benchSample, slots int) {
	if len(st.samples) >= slots {
		st.samples = append(st.samples[:0], st.samples[1:]...)
	}
	st.samples = append(st.samples, s)
}

func (st *metricState) latest() (float64, bool) {
	if len(st.samples) == 0 {
		return 0, false
	}
	return st.samples[len(st.samples)-1].value, true
}

func (st *metricState) average() *float64 {
	if len(st.samples) == 0 {
		return nil
	}
	sum := 0.0
	for _, s := range st.samples {
		sum += s.value
	}
	avg := sum / float64(len(st.samples))
	return &avg
}

type crossedPayload struct {
	Health     float64   `json:"health"`
	Trust      float64   `json:"trust"`
	Confidence float64   `json:"confidence"`
	CrossedAt  time.Time `json:"crossed_at"`
}

func (e *Engine) emitCrossed(ctx context.Context, now time.Time) error {
	h, _ := e.states[metricNames[0]].latest()
	tr, _ := e.states[metricNames[1]].latest()
	cf, _ := e.states[metricNames[2]].latest()
	payload, err := json.Marshal(crossedPayload{Health: h, Trust: tr, Confidence: cf, CrossedAt: now})
	if err != nil {
		return fault.Wrap(fault.Internal, "marshal crossing", err)
	}
	if _, err := e.log.Append(ctx, contracts.KindBenchmarkCrossed, benchActor, benchDomain, payload); err != nil {
		return err
	}
	if _, err := e.mesh.Publish(ctx, benchActor, contracts.TopicProductElevationReady, payload); err != nil {
		e.logger.Warn("elevation_ready publish failed", "error", err)
	}
	e.logger.Info("benchmark crossed", "health", h, "trust", tr, "confidence", cf)
	return nil
}

type lostPayload struct {
	Violations []string           `json:"violations"`
	Values     map[string]float64 `json:"values"`
	LostAt     time.Time          `json:"lost_at"`
}

func (e *Engine) emitLost(ctx context.Context, now time.Time, violations []string) {
	values := make(map[string]float64, len(metricNames))
	for _, name := range metricNames {
		if v, ok := e.states[name].latest(); ok {
			values[name] = v
		}
	}
	payload, err := json.Marshal(lostPayload{Violations: violations, Values: values, LostAt: now})
	if err != nil {
		return
	}
	if _, err := e.mesh.Publish(ctx, benchActor, contracts.TopicProductElevationLost, payload); err != nil {
		e.logger.Warn("elevation_lost publish failed", "error", err)
	}
	e.logger.Info("elevation lost", "violations", violations)
}

// overall derives the current cross-domain means. A domain with a nil
// channel drops out of that channel's mean; all-nil means nil.
func (e *Engine) overall() (map[string]*float64, map[string]contracts.DomainSnapshot) {
	domains := e.collector.Domains()
	snaps := make(map[string]contracts.DomainSnapshot, len(domains))
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, d := range domains {
		snap := e.collector.Snapshot(d)
		snaps[d] = snap
		channels := map[string]*float64{
			metricNames[0]: snap.Health,
			metricNames[1]: snap.Trust,
			metricNames[2]: snap.Confidence,
		}
		for name, v := range channels {
			if v != nil {
				sums[name] += *v
				counts[name]++
			}
		}
	}
	out := make(map[string]*float64, len(metricNames))
	for _, name := range metricNames {
		if counts[name] == 0 {
			out[name] = nil
			continue
		}
		mean := sums[name] / float64(counts[name])
		out[name] = &mean
	}
	return out, snaps
}

// Readiness reports whether all three metrics are sustained, with the
// fresh overall values, per-ring status, and per-domain snapshots.
func (e *Engine) Readiness() contracts.ReadinessResponse {
	overalls, snaps := e.overall()

	e.mu.Lock()
	defer e.mu.Unlock()
	resp := contracts.ReadinessResponse{
		Ready:             e.elevated,
		OverallHealth:     overalls[metricNames[0]],
		OverallTrust:      overalls[metricNames[1]],
		OverallConfidence: overalls[metricNames[2]],
		Benchmarks:        make(map[string]contracts.BenchmarkStatus, len(metricNames)),
		Domains:           snaps,
	}
	for _, name := range metricNames {
		st := e.states[name]
		resp.Benchmarks[name] = contracts.BenchmarkStatus{
			Sustained:        st.sustained,
			Average:          st.average(),
			Threshold:        e.threshold,
			WindowDays:       e.windowDays,
			Samples:          len(st.samples),
			FirstSustainedAt: st.firstSustainedAt,
			LastViolationAt:  st.lastViolationAt,
		}
	}
	return resp
}

// Start launches the background evaluator. Start after Stop is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true
	go e.evalLoop()
}

func (e *Engine) evalLoop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.evalEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Tick(context.Background()); err != nil {
				e.logger.Warn("benchmark tick failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// Stop halts the evaluator and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()
	close(e.stopCh)
	<-e.doneCh
}
