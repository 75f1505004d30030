// Package metrics ingests KPI observations. Every accepted value is
// appended to the log, inserted into a bounded per-(domain, kpi) ring,
// and folded into rolling 1h/1d/7d aggregates. Values that fail the
// registry schema are rejected with a validation fault and a
// metric.rejected record, so bad readings stay visible.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

// The rolling windows, narrowest first. Series data is retained for the
// widest one.
var windowPeriods = [3]struct {
	name string
	dur  time.Duration
}{
	{"1h", time.Hour},
	{"1d", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
}

// defaultRingCap bounds one series' in-memory events. When a series
// overflows, its oldest events fall out of the 7d aggregates early.
const defaultRingCap = 16384

// Explicit per-domain quality channels. When registered, they feed the
// domain's trust/confidence directly instead of the scaled health
// fallback, and they stay out of the health mean.
const (
	kpiTrust      = "trust"
	kpiConfidence = "confidence"
)

const (
	trustFactor      = 0.95
	confidenceFactor = 0.92
)

// Config wires the collector. Log is required. Specs are registered
// before the log is replayed, so history for them survives a restart.
type Config struct {
	Log     *ledger.Ledger
	Clock   clock.Clock
	Logger  *slog.Logger
	RingCap int
	Specs   []contracts.KPISpec
}

type seriesKey struct {
	domain string
	kpi    string
}

// Collector is the metrics store. The series map is guarded by mu;
// each series carries its own lock, so unrelated KPIs never contend.
type Collector struct {
	log     *ledger.Ledger
	clockFn clock.Clock
	logger  *slog.Logger
	ringCap int

	mu     sync.RWMutex
	series map[seriesKey]*series
}

// New registers cfg.Specs and replays metric.recorded history from the
// log into the registered series.
func New(cfg Config) (*Collector, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "metrics collector requires a log")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RingCap <= 0 {
		cfg.RingCap = defaultRingCap
	}

	c := &Collector{
		log:     cfg.Log,
		clockFn: cfg.Clock,
		logger:  cfg.Logger.With("component", "metrics"),
		ringCap: cfg.RingCap,
		series:  make(map[seriesKey]*series),
	}
	for _, spec := range cfg.Specs {
		if err := c.Register(spec); err != nil {
			return nil, err
		}
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds a KPI schema. Re-registering the identical spec is a
// no-op; changing an existing spec is a validation error.
func (c *Collector) Register(spec contracts.KPISpec) error {
	if spec.Domain == "" || spec.KPI == "" {
		return fault.New(fault.Validation, "kpi spec requires domain and kpi")
	}
	switch spec.SemanticType {
	case contracts.SemanticRatio01, contracts.SemanticCount, contracts.SemanticDurationMS:
	default:
		return fault.Errorf(fault.Validation, "unknown semantic type %q", spec.SemanticType)
	}
	switch spec.Direction {
	case contracts.HigherIsBetter, contracts.LowerIsBetter:
	default:
		return fault.Errorf(fault.Validation, "unknown direction %q", spec.Direction)
	}

	key := seriesKey{spec.Domain, spec.KPI}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.series[key]; ok {
		if existing.spec == spec {
			return nil
		}
		return fault.Errorf(fault.Validation, "kpi %s/%s already registered with a different spec", spec.Domain, spec.KPI)
	}
	c.series[key] = newSeries(spec, c.ringCap)
	return nil
}

func (c *Collector) lookup(domain, kpi string) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.series[seriesKey{domain, kpi}]
}

// rebuild replays accepted metric events. Events for KPIs that are not
// registered (including benchmark self-samples) are skipped.
func (c *Collector) rebuild() error {
	it := c.log.StreamFrom(0)
	replayed := 0
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
			c.logger.Warn("skipping unreadable metric record", "seq", rec.Seq, "error", err)
			continue
		}
		s := c.lookup(ev.Domain, ev.KPI)
		if s == nil {
			continue
		}
		s.mu.Lock()
		s.insert(ev)
		s.mu.Unlock()
		replayed++
	}
	if err := it.Err(); err != nil {
		return err
	}
	if replayed > 0 {
		c.logger.Info("metric history replayed", "events", replayed)
	}
	return nil
}

// Record validates one observation, appends it to the log, and folds it
// into the series aggregates.
func (c *Collector) Record(ctx context.Context, actor, domain, kpi string, value float64, metadata map[string]string) (contracts.MetricEvent, error) {
	s := c.lookup(domain, kpi)
	if reason := validateValue(s, domain, kpi, value); reason != "" {
		c.reject(ctx, actor, domain, kpi, value, reason)
		return contracts.MetricEvent{}, fault.Errorf(fault.Validation, "metric %s/%s: %s", domain, kpi, reason)
	}

	ev := contracts.MetricEvent{
		Domain:   domain,
		KPI:      kpi,
		Value:    value,
		TS:       c.clockFn(),
		Metadata: metadata,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return contracts.MetricEvent{}, fault.Wrap(fault.Internal, "marshal metric event", err)
	}
	if _, err := c.log.Append(ctx, contracts.KindMetricRecorded, actor, domain+"/"+kpi, body); err != nil {
		return contracts.MetricEvent{}, err
	}

	s.mu.Lock()
	s.insert(ev)
	s.mu.Unlock()
	return ev, nil
}

// Batch records one value per KPI for a single domain. The batch is
// all-or-nothing: if any value fails validation, every failure is
// rejected on the log and nothing is recorded.
func (c *Collector) Batch(ctx context.Context, actor, domain string, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}
	kpis := make([]string, 0, len(values))
	for kpi := range values {
		kpis = append(kpis, kpi)
	}
	sort.Strings(kpis)

	var bad []string
	for _, kpi := range kpis {
		s := c.lookup(domain, kpi)
		if reason := validateValue(s, domain, kpi, values[kpi]); reason != "" {
			c.reject(ctx, actor, domain, kpi, values[kpi], reason)
			bad = append(bad, kpi+": "+reason)
		}
	}
	if len(bad) > 0 {
		return fault.Errorf(fault.Validation, "batch for %s rejected: %s", domain, strings.Join(bad, "; "))
	}

	for _, kpi := range kpis {
		if _, err := c.Record(ctx, actor, domain, kpi, values[kpi], nil); err != nil {
			return err
		}
	}
	return nil
}

// validateValue returns the rejection reason, or "" when the value is
// acceptable for the series. A nil series means the KPI is unregistered.
func validateValue(s *series, domain, kpi string, value float64) string {
	if s == nil {
		return "kpi is not registered"
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "value is not a finite number"
	}
	switch s.spec.SemanticType {
	case contracts.SemanticRatio01:
		if value < 0 || value > 1 {
			return "ratio01 value outside [0,1]"
		}
	case contracts.SemanticCount, contracts.SemanticDurationMS:
		if value < 0 {
			return "value must be non-negative"
		}
	}
	return ""
}

type rejectedPayload struct {
	Domain string `json:"domain"`
	KPI    string `json:"kpi"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// reject records the refusal. The caller still gets the validation
// fault; a log append failure here is only logged.
func (c *Collector) reject(ctx context.Context, actor, domain, kpi string, value float64, reason string) {
	payload, err := json.Marshal(rejectedPayload{
		Domain: domain,
		KPI:    kpi,
		Value:  strconv.FormatFloat(value, 'g', -1, 64),
		Reason: reason,
	})
	if err != nil {
		return
	}
	if _, err := c.log.Append(ctx, contracts.KindMetricRejected, actor, domain+"/"+kpi, payload); err != nil {
		c.logger.Warn("metric.rejected append failed", "domain", domain, "kpi", kpi, "error", err)
	}
	c.logger.Warn("metric rejected", "actor", actor, "domain", domain, "kpi", kpi, "reason", reason)
}

// Windows returns the 1h, 1d, and 7d aggregates for one KPI, slid to
// the current clock.
func (c *Collector) Windows(domain, kpi string) ([]contracts.RollupWindow, error) {
	s := c.lookup(domain, kpi)
	if s == nil {
		return nil, fault.Errorf(fault.NotFound, "kpi %s/%s is not registered", domain, kpi)
	}
	now := c.clockFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slide(now)
	out := make([]contracts.RollupWindow, len(windowPeriods))
	for i := range windowPeriods {
		out[i] = s.window(i, now)
	}
	return out, nil
}

// Domains lists every domain with at least one registered KPI, sorted.
func (c *Collector) Domains() []string {
	c.mu.RLock()
	seen := make(map[string]bool)
	for key := range c.series {
		seen[key.domain] = true
	}
	c.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Specs lists the registered KPI schemas for one domain, sorted by KPI.
func (c *Collector) Specs(domain string) []contracts.KPISpec {
	c.mu.RLock()
	var out []contracts.KPISpec
	for key, s := range c.series {
		if key.domain == domain {
			out = append(out, s.spec)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].KPI < out[j].KPI })
	return out
}

// Snapshot derives one domain's quality view from its trailing-hour
// aggregates. Health is the mean of ratio01 KPI averages with
// lower-is-better values flipped to 1-v; explicit trust/confidence KPIs
// feed their channels directly and stay out of the health mean. A domain
// with no trailing-hour ratio01 samples has nil health.
func (c *Collector) Snapshot(domain string) contracts.DomainSnapshot {
	c.mu.RLock()
	var members []*series
	for key, s := range c.series {
		if key.domain == domain {
			members = append(members, s)
		}
	}
	c.mu.RUnlock()
	sort.Slice(members, func(i, j int) bool { return members[i].spec.KPI < members[j].spec.KPI })

	now := c.clockFn()
	snap := contracts.DomainSnapshot{Domain: domain, KPIs: make(map[string]float64)}

	var healthSum float64
	var healthN int
	var explicitTrust, explicitConfidence *float64

	for _, s := range members {
		s.mu.Lock()
		s.slide(now)
		hour := s.window(0, now)
		last := s.lastTS
		spec := s.spec
		s.mu.Unlock()

		if last.After(snap.LastUpdated) {
			snap.LastUpdated = last
		}
		if hour.Avg == nil {
			continue
		}
		avg := *hour.Avg
		snap.KPIs[spec.KPI] = avg
		if spec.SemanticType != contracts.SemanticRatio01 {
			continue
		}
		scored := avg
		if spec.Direction == contracts.LowerIsBetter {
			scored = 1 - avg
		}
		switch spec.KPI {
		case kpiTrust:
			explicitTrust = &scored
		case kpiConfidence:
			explicitConfidence = &scored
		default:
			healthSum += scored
			healthN++
		}
	}

	if healthN > 0 {
		health := healthSum / float64(healthN)
		snap.Health = &health
	}
	snap.Trust = explicitTrust
	if snap.Trust == nil && snap.Health != nil {
		trust := *snap.Health * trustFactor
		snap.Trust = &trust
	}
	snap.Confidence = explicitConfidence
	if snap.Confidence == nil && snap.Health != nil {
		confidence := *snap.Health * confidenceFactor
		snap.Confidence = &confidence
	}
	return snap
}
