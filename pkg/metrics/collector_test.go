package metrics

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

func ratioSpec(domain, kpi string) contracts.KPISpec {
	return contracts.KPISpec{
		Domain:       domain,
		KPI:          kpi,
		SemanticType: contracts.SemanticRatio01,
		Direction:    contracts.HigherIsBetter,
	}
}

func newTestCollector(t *testing.T, specs ...contracts.KPISpec) (*Collector, *ledger.Ledger, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log, err := ledger.Open(t.TempDir(), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	c, err := New(Config{Log: log, Clock: fake.Clock(), Specs: specs})
	if err != nil {
		t.Fatal(err)
	}
	return c, log, fake
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestRegisterValidation(t *testing.T) {
	c, _, _ := newTestCollector(t)

	if err := c.Register(contracts.KPISpec{KPI: "uptime", SemanticType: contracts.SemanticRatio01, Direction: contracts.HigherIsBetter}); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("missing domain: err = %v", err)
	}
	if err := c.Register(contracts.KPISpec{Domain: "pay", KPI: "uptime", SemanticType: "percent", Direction: contracts.HigherIsBetter}); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("bad semantic type: err = %v", err)
	}
	if err := c.Register(contracts.KPISpec{Domain: "pay", KPI: "uptime", SemanticType: contracts.SemanticRatio01, Direction: "sideways"}); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("bad direction: err = %v", err)
	}

	spec := ratioSpec("pay", "uptime")
	if err := c.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(spec); err != nil {
		t.Fatalf("identical re-register must be a no-op, got %v", err)
	}
	spec.Direction = contracts.LowerIsBetter
	if err := c.Register(spec); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("conflicting re-register: err = %v", err)
	}
}

func TestRecordAppendsAndAggregates(t *testing.T) {
	c, log, _ := newTestCollector(t, ratioSpec("pay", "uptime"))
	ctx := context.Background()

	for _, v := range []float64{0.9, 0.8, 1.0} {
		if _, err := c.Record(ctx, "svc.pay", "pay", "uptime", v, map[string]string{"region": "eu"}); err != nil {
			t.Fatal(err)
		}
	}

	if log.Len() != 3 {
		t.Fatalf("log has %d records, want 3", log.Len())
	}
	rec, err := log.GetBySeq(0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != contracts.KindMetricRecorded || rec.Actor != "svc.pay" || rec.Resource != "pay/uptime" {
		t.Fatalf("record = %+v", rec)
	}
	var ev contracts.MetricEvent
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Value != 0.9 || ev.Metadata["region"] != "eu" {
		t.Fatalf("event = %+v", ev)
	}

	windows, err := c.Windows("pay", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range windows {
		if w.Count != 3 {
			t.Fatalf("window %s count = %d, want 3", w.Period, w.Count)
		}
		if w.Avg == nil {
			t.Fatalf("window %s avg is nil", w.Period)
		}
		approx(t, w.Period+" avg", *w.Avg, 0.9)
		approx(t, w.Period+" min", w.Min, 0.8)
		approx(t, w.Period+" max", w.Max, 1.0)
	}
}

func TestRecordRejectsInvalidValues(t *testing.T) {
	c, log, _ := newTestCollector(t, ratioSpec("pay", "uptime"))
	ctx := context.Background()

	cases := []struct {
		name  string
		kpi   string
		value float64
	}{
		{"above range", "uptime", 1.5},
		{"below range", "uptime", -0.1},
		{"nan", "uptime", math.NaN()},
		{"unregistered kpi", "latency", 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Record(ctx, "svc.pay", "pay", tc.kpi, tc.value, nil)
			if !fault.IsKind(err, fault.Validation) {
				t.Fatalf("err = %v, want validation fault", err)
			}
		})
	}

	if log.Len() != uint64(len(cases)) {
		t.Fatalf("log has %d records, want %d rejections", log.Len(), len(cases))
	}
	rec, err := log.GetBySeq(0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != contracts.KindMetricRejected {
		t.Fatalf("kind = %s, want metric.rejected", rec.Kind)
	}
	var rp rejectedPayload
	if err := json.Unmarshal(rec.Payload, &rp); err != nil {
		t.Fatal(err)
	}
	if rp.Reason != "ratio01 value outside [0,1]" || rp.Value != "1.5" {
		t.Fatalf("rejected payload = %+v", rp)
	}

	windows, err := c.Windows("pay", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	if windows[0].Count != 0 {
		t.Fatal("rejected values must not enter the aggregates")
	}
}

func TestWindowsSlide(t *testing.T) {
	c, _, fake := newTestCollector(t, ratioSpec("pay", "uptime"))
	ctx := context.Background()

	if _, err := c.Record(ctx, "svc.pay", "pay", "uptime", 0.9, nil); err != nil {
		t.Fatal(err)
	}
	fake.Advance(2 * time.Hour)

	windows, err := c.Windows("pay", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	if windows[0].Avg != nil || windows[0].Count != 0 {
		t.Fatalf("1h window = %+v, want empty", windows[0])
	}
	if windows[1].Count != 1 || windows[2].Count != 1 {
		t.Fatalf("1d/7d windows = %+v / %+v, want 1 sample", windows[1], windows[2])
	}

	fake.Advance(8 * 24 * time.Hour)
	windows, err = c.Windows("pay", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range windows {
		if w.Count != 0 || w.Avg != nil {
			t.Fatalf("window %s = %+v, want empty after 8d", w.Period, w)
		}
	}
}

func TestWindowMinMaxAfterEviction(t *testing.T) {
	spec := contracts.KPISpec{
		Domain:       "pay",
		KPI:          "latency",
		SemanticType: contracts.SemanticDurationMS,
		Direction:    contracts.LowerIsBetter,
	}
	c, _, fake := newTestCollector(t, spec)
	ctx := context.Background()

	record := func(v float64) {
		t.Helper()
		if _, err := c.Record(ctx, "svc.pay", "pay", "latency", v, nil); err != nil {
			t.Fatal(err)
		}
	}
	record(9)
	fake.Advance(30 * time.Minute)
	record(1)
	fake.Advance(15 * time.Minute)
	record(5)
	fake.Advance(25 * time.Minute) // the 9 is now 70m old

	windows, err := c.Windows("pay", "latency")
	if err != nil {
		t.Fatal(err)
	}
	hour := windows[0]
	if hour.Count != 2 {
		t.Fatalf("1h count = %d, want 2", hour.Count)
	}
	approx(t, "1h min", hour.Min, 1)
	approx(t, "1h max", hour.Max, 5)
	approx(t, "1h avg", *hour.Avg, 3)

	day := windows[1]
	if day.Count != 3 {
		t.Fatalf("1d count = %d, want 3", day.Count)
	}
	approx(t, "1d max", day.Max, 9)
}

func TestBatchAllOrNothing(t *testing.T) {
	c, log, _ := newTestCollector(t, ratioSpec("pay", "uptime"), ratioSpec("pay", "success_rate"))
	ctx := context.Background()

	err := c.Batch(ctx, "svc.pay", "pay", map[string]float64{
		"uptime":       0.99,
		"success_rate": 1.7,
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
	// Only the rejection is logged; the valid sibling is withheld.
	if log.Len() != 1 {
		t.Fatalf("log has %d records, want 1", log.Len())
	}
	rec, _ := log.GetBySeq(0)
	if rec.Kind != contracts.KindMetricRejected {
		t.Fatalf("kind = %s", rec.Kind)
	}

	if err := c.Batch(ctx, "svc.pay", "pay", map[string]float64{
		"uptime":       0.99,
		"success_rate": 0.97,
	}); err != nil {
		t.Fatal(err)
	}
	windows, err := c.Windows("pay", "success_rate")
	if err != nil {
		t.Fatal(err)
	}
	if windows[0].Count != 1 {
		t.Fatalf("success_rate count = %d, want 1", windows[0].Count)
	}
}

func TestSnapshotHealth(t *testing.T) {
	errorRate := contracts.KPISpec{
		Domain:       "pay",
		KPI:          "error_rate",
		SemanticType: contracts.SemanticRatio01,
		Direction:    contracts.LowerIsBetter,
	}
	reqCount := contracts.KPISpec{
		Domain:       "pay",
		KPI:          "requests",
		SemanticType: contracts.SemanticCount,
		Direction:    contracts.HigherIsBetter,
	}
	c, _, _ := newTestCollector(t, ratioSpec("pay", "uptime"), ratioSpec("pay", "success_rate"), errorRate, reqCount)
	ctx := context.Background()

	mustRecord := func(kpi string, v float64) {
		t.Helper()
		if _, err := c.Record(ctx, "svc.pay", "pay", kpi, v, nil); err != nil {
			t.Fatal(err)
		}
	}
	mustRecord("uptime", 0.9)
	mustRecord("success_rate", 0.8)
	mustRecord("error_rate", 0.2) // scores as 0.8
	mustRecord("requests", 12345) // counts never join the health mean

	snap := c.Snapshot("pay")
	if snap.Health == nil {
		t.Fatal("health is nil")
	}
	want := (0.9 + 0.8 + 0.8) / 3
	approx(t, "health", *snap.Health, want)
	approx(t, "trust", *snap.Trust, want*trustFactor)
	approx(t, "confidence", *snap.Confidence, want*confidenceFactor)
	approx(t, "kpis[error_rate]", snap.KPIs["error_rate"], 0.2)
	if _, ok := snap.KPIs["requests"]; !ok {
		t.Fatal("snapshot must list non-ratio kpi averages too")
	}
}

func TestSnapshotExplicitTrustConfidence(t *testing.T) {
	c, _, _ := newTestCollector(t,
		ratioSpec("pay", "uptime"),
		ratioSpec("pay", "trust"),
		ratioSpec("pay", "confidence"),
	)
	ctx := context.Background()

	for kpi, v := range map[string]float64{"uptime": 0.8, "trust": 0.7, "confidence": 0.6} {
		if _, err := c.Record(ctx, "svc.pay", "pay", kpi, v, nil); err != nil {
			t.Fatal(err)
		}
	}

	snap := c.Snapshot("pay")
	approx(t, "health", *snap.Health, 0.8) // trust/confidence stay out of the mean
	approx(t, "trust", *snap.Trust, 0.7)
	approx(t, "confidence", *snap.Confidence, 0.6)
}

func TestSnapshotEmptyDomain(t *testing.T) {
	c, _, fake := newTestCollector(t, ratioSpec("pay", "uptime"))

	snap := c.Snapshot("pay")
	if snap.Health != nil || snap.Trust != nil || snap.Confidence != nil {
		t.Fatalf("empty domain snapshot = %+v, want nil aggregates", snap)
	}

	// Samples older than an hour no longer carry health.
	if _, err := c.Record(context.Background(), "svc.pay", "pay", "uptime", 0.9, nil); err != nil {
		t.Fatal(err)
	}
	fake.Advance(2 * time.Hour)
	snap = c.Snapshot("pay")
	if snap.Health != nil {
		t.Fatalf("health = %v, want nil after the hour window drained", *snap.Health)
	}
}

func TestRebuildFromLog(t *testing.T) {
	specs := []contracts.KPISpec{ratioSpec("pay", "uptime"), ratioSpec("ship", "on_time")}
	c, log, fake := newTestCollector(t, specs...)
	ctx := context.Background()

	if _, err := c.Record(ctx, "svc.pay", "pay", "uptime", 0.9, nil); err != nil {
		t.Fatal(err)
	}
	fake.Advance(10 * time.Minute)
	if _, err := c.Record(ctx, "svc.ship", "ship", "on_time", 0.7, nil); err != nil {
		t.Fatal(err)
	}
	// A rejection must not be replayed into the ring.
	_, _ = c.Record(ctx, "svc.pay", "pay", "uptime", 2.0, nil)

	rebuilt, err := New(Config{Log: log, Clock: fake.Clock(), Specs: specs})
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		domain, kpi string
		avg         float64
	}{{"pay", "uptime", 0.9}, {"ship", "on_time", 0.7}} {
		windows, err := rebuilt.Windows(tc.domain, tc.kpi)
		if err != nil {
			t.Fatal(err)
		}
		if windows[2].Count != 1 {
			t.Fatalf("%s/%s rebuilt count = %d, want 1", tc.domain, tc.kpi, windows[2].Count)
		}
		approx(t, tc.domain+" avg", *windows[2].Avg, tc.avg)
	}

	if got, want := rebuilt.Domains(), []string{"pay", "ship"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("domains = %v, want %v", got, want)
	}
}

func TestRingCapBound(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log, err := ledger.Open(t.TempDir(), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	c, err := New(Config{Log: log, Clock: fake.Clock(), RingCap: 4, Specs: []contracts.KPISpec{ratioSpec("pay", "uptime")}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := c.Record(ctx, "svc.pay", "pay", "uptime", float64(i)/10, nil); err != nil {
			t.Fatal(err)
		}
		fake.Advance(time.Minute)
	}
	windows, err := c.Windows("pay", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	if windows[2].Count != 4 {
		t.Fatalf("7d count = %d, want ring cap 4", windows[2].Count)
	}
	approx(t, "min after overflow", windows[2].Min, 0.2)
}
