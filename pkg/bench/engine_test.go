package bench

import (
	"context"
	"testing"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/ledger"
	"github.com/graceos/grace/core/pkg/mesh"
	"github.com/graceos/grace/core/pkg/metrics"
)

type fixture struct {
	engine    *Engine
	collector *metrics.Collector
	mesh      *mesh.Mesh
	log       *ledger.Ledger
	fake      *clock.Fake
}

func prodSpecs() []contracts.KPISpec {
	specs := make([]contracts.KPISpec, 0, 3)
	for _, kpi := range []string{"quality", "trust", "confidence"} {
		specs = append(specs, contracts.KPISpec{
			Domain:       "prod",
			KPI:          kpi,
			SemanticType: contracts.SemanticRatio01,
			Direction:    contracts.HigherIsBetter,
		})
	}
	return specs
}

func newFixture(t *testing.T, windowDays int, specs ...contracts.KPISpec) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log, err := ledger.Open(t.TempDir(), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })

	collector, err := metrics.New(metrics.Config{Log: log, Clock: fake.Clock(), Specs: specs})
	if err != nil {
		t.Fatal(err)
	}
	m, err := mesh.New(mesh.Config{Log: log, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	engine, err := New(Config{
		Log:        log,
		Collector:  collector,
		Mesh:       m,
		Clock:      fake.Clock(),
		WindowDays: windowDays,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{engine: engine, collector: collector, mesh: m, log: log, fake: fake}
}

// feedTick records one sample per KPI and runs one evaluation.
func (f *fixture) feedTick(t *testing.T, values map[string]float64) {
	t.Helper()
	for kpi, v := range values {
		if _, err := f.collector.Record(context.Background(), "svc.prod", "prod", kpi, v, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.engine.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.fake.Advance(time.Hour)
}

func (f *fixture) countKind(t *testing.T, kind contracts.RecordKind) int {
	t.Helper()
	n := 0
	it := f.log.StreamFrom(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if rec.Kind == kind {
			n++
		}
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) countTopic(t *testing.T, topic string) int {
	t.Helper()
	n := 0
	it := f.log.StreamFrom(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if rec.Kind == contracts.KindEventPublished && rec.Resource == topic {
			n++
		}
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestElevationAtFullWindow(t *testing.T) {
	f := newFixture(t, 7, prodSpecs()...)
	good := map[string]float64{"quality": 0.91, "trust": 0.91, "confidence": 0.91}

	for i := 0; i < 167; i++ {
		f.feedTick(t, good)
	}
	if f.engine.Readiness().Ready {
		t.Fatal("ready before the ring filled")
	}
	if n := f.countTopic(t, contracts.TopicProductElevationReady); n != 0 {
		t.Fatalf("elevation_ready published %d times before the window", n)
	}

	f.feedTick(t, good) // tick 168
	resp := f.engine.Readiness()
	if !resp.Ready {
		t.Fatal("not ready at tick 168")
	}
	if n := f.countTopic(t, contracts.TopicProductElevationReady); n != 1 {
		t.Fatalf("elevation_ready published %d times, want 1", n)
	}
	if n := f.countKind(t, contracts.KindBenchmarkCrossed); n != 1 {
		t.Fatalf("benchmark.crossed appended %d times, want 1", n)
	}
	hb := resp.Benchmarks["overall_health"]
	if !hb.Sustained || hb.Samples != 168 || hb.FirstSustainedAt == nil {
		t.Fatalf("health benchmark = %+v", hb)
	}

	// Staying sustained must not re-emit.
	f.feedTick(t, good)
	if n := f.countTopic(t, contracts.TopicProductElevationReady); n != 1 {
		t.Fatalf("elevation_ready re-published while sustained: %d", n)
	}

	// One bad health tick loses the elevation.
	f.feedTick(t, map[string]float64{"quality": 0.80, "trust": 0.91, "confidence": 0.91})
	resp = f.engine.Readiness()
	if resp.Ready {
		t.Fatal("still ready after violation")
	}
	if n := f.countTopic(t, contracts.TopicProductElevationLost); n != 1 {
		t.Fatalf("elevation_lost published %d times, want 1", n)
	}
	hb = resp.Benchmarks["overall_health"]
	if hb.Sustained || hb.LastViolationAt == nil {
		t.Fatalf("health benchmark after violation = %+v", hb)
	}

	// Good ticks do not rearm until the bad sample ages out of the ring.
	for i := 0; i < 10; i++ {
		f.feedTick(t, good)
	}
	if n := f.countTopic(t, contracts.TopicProductElevationReady); n != 1 {
		t.Fatalf("premature second elevation_ready: %d", n)
	}
	// Flush the violation out of the 168-slot ring entirely.
	for i := 0; i < 158; i++ {
		f.feedTick(t, good)
	}
	if n := f.countTopic(t, contracts.TopicProductElevationReady); n != 2 {
		t.Fatalf("second elevation_ready after recovery: %d, want 2", n)
	}
	if n := f.countKind(t, contracts.KindBenchmarkCrossed); n != 2 {
		t.Fatalf("benchmark.crossed count = %d, want 2", n)
	}
}

func TestThresholdBoundaryCounts(t *testing.T) {
	f := newFixture(t, 1, prodSpecs()...)
	exact := map[string]float64{"quality": 0.90, "trust": 0.90, "confidence": 0.90}

	for i := 0; i < 24; i++ {
		f.feedTick(t, exact)
	}
	if !f.engine.Readiness().Ready {
		t.Fatal("samples exactly at the threshold must sustain")
	}
}

func TestNoLossEventWithoutElevation(t *testing.T) {
	f := newFixture(t, 1, prodSpecs()...)

	// Only health is fed; the trust/confidence fallbacks (x0.95, x0.92)
	// stay below threshold, so the conjunction never holds.
	for i := 0; i < 24; i++ {
		f.feedTick(t, map[string]float64{"quality": 0.95})
	}
	resp := f.engine.Readiness()
	if resp.Ready {
		t.Fatal("ready without sustained trust/confidence")
	}
	if !resp.Benchmarks["overall_health"].Sustained {
		t.Fatal("health alone should be sustained")
	}

	f.feedTick(t, map[string]float64{"quality": 0.10})
	if resp := f.engine.Readiness(); resp.Benchmarks["overall_health"].Sustained {
		t.Fatal("health still sustained after violation")
	}
	if n := f.countTopic(t, contracts.TopicProductElevationLost); n != 0 {
		t.Fatalf("elevation_lost published %d times without a prior elevation", n)
	}
}

func TestNullTicksAppendNothing(t *testing.T) {
	f := newFixture(t, 1, prodSpecs()...)

	if err := f.engine.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.log.Len() != 0 {
		t.Fatalf("log has %d records after a null tick, want 0", f.log.Len())
	}
	resp := f.engine.Readiness()
	if resp.OverallHealth != nil || resp.Benchmarks["overall_health"].Samples != 0 {
		t.Fatalf("readiness after null tick = %+v", resp)
	}
}

func TestOverallMeansAcrossDomains(t *testing.T) {
	specs := append(prodSpecs(), contracts.KPISpec{
		Domain:       "ship",
		KPI:          "on_time",
		SemanticType: contracts.SemanticRatio01,
		Direction:    contracts.HigherIsBetter,
	})
	f := newFixture(t, 1, specs...)
	ctx := context.Background()

	if _, err := f.collector.Record(ctx, "svc.prod", "prod", "quality", 0.8, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.collector.Record(ctx, "svc.ship", "ship", "on_time", 0.6, nil); err != nil {
		t.Fatal(err)
	}

	resp := f.engine.Readiness()
	if resp.OverallHealth == nil {
		t.Fatal("overall health is nil")
	}
	if got, want := *resp.OverallHealth, 0.7; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("overall health = %v, want %v", got, want)
	}
	if len(resp.Domains) != 2 {
		t.Fatalf("domains = %d, want 2", len(resp.Domains))
	}
	if resp.Domains["ship"].Health == nil || *resp.Domains["ship"].Health != 0.6 {
		t.Fatalf("ship snapshot = %+v", resp.Domains["ship"])
	}
}

func TestRebuildReproducesState(t *testing.T) {
	f := newFixture(t, 1, prodSpecs()...)
	good := map[string]float64{"quality": 0.93, "trust": 0.93, "confidence": 0.93}

	for i := 0; i < 24; i++ {
		f.feedTick(t, good)
	}
	f.feedTick(t, map[string]float64{"quality": 0.5, "trust": 0.93, "confidence": 0.93})
	want := f.engine.Readiness()
	crossedBefore := f.countKind(t, contracts.KindBenchmarkCrossed)

	collector, err := metrics.New(metrics.Config{Log: f.log, Clock: f.fake.Clock(), Specs: prodSpecs()})
	if err != nil {
		t.Fatal(err)
	}
	rebuilt, err := New(Config{Log: f.log, Collector: collector, Mesh: f.mesh, Clock: f.fake.Clock(), WindowDays: 1})
	if err != nil {
		t.Fatal(err)
	}
	got := rebuilt.Readiness()

	if got.Ready != want.Ready {
		t.Fatalf("ready = %v, want %v", got.Ready, want.Ready)
	}
	for _, name := range metricNames {
		g, w := got.Benchmarks[name], want.Benchmarks[name]
		if g.Sustained != w.Sustained || g.Samples != w.Samples {
			t.Fatalf("%s: rebuilt %+v, want %+v", name, g, w)
		}
		if (g.FirstSustainedAt == nil) != (w.FirstSustainedAt == nil) {
			t.Fatalf("%s first_sustained_at mismatch", name)
		}
		if g.FirstSustainedAt != nil && !g.FirstSustainedAt.Equal(*w.FirstSustainedAt) {
			t.Fatalf("%s first_sustained_at = %s, want %s", name, g.FirstSustainedAt, w.FirstSustainedAt)
		}
		if (g.LastViolationAt == nil) != (w.LastViolationAt == nil) {
			t.Fatalf("%s last_violation_at mismatch", name)
		}
	}
	// Rebuilding replays history; it must not append new crossings.
	if after := f.countKind(t, contracts.KindBenchmarkCrossed); after != crossedBefore {
		t.Fatalf("rebuild appended crossings: %d -> %d", crossedBefore, after)
	}
}

func TestStartStopEvaluator(t *testing.T) {
	f := newFixture(t, 1, prodSpecs()...)
	f.engine.Start()
	f.engine.Start() // second start is a no-op
	f.engine.Stop()
	f.engine.Stop() // and stop is idempotent
	f.engine.Start() // after stop, stays stopped
}
