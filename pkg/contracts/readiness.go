package contracts

import "time"

// BenchmarkStatus is the evaluator's view of one top-level metric ring.
type BenchmarkStatus struct {
	Sustained        bool       `json:"sustained"`
	Average          *float64   `json:"average"`
	Threshold        float64    `json:"threshold"`
	WindowDays       int        `json:"window_days"`
	Samples          int        `json:"samples"`
	FirstSustainedAt *time.Time `json:"first_sustained_at,omitempty"`
	LastViolationAt  *time.Time `json:"last_violation_at,omitempty"`
}

// ReadinessResponse is the full readiness surface: ready is true iff all
// three top-level metrics are simultaneously sustained.
type ReadinessResponse struct {
	Ready             bool                       `json:"ready"`
	OverallHealth     *float64                   `json:"overall_health"`
	OverallTrust      *float64                   `json:"overall_trust"`
	OverallConfidence *float64                   `json:"overall_confidence"`
	Benchmarks        map[string]BenchmarkStatus `json:"benchmarks"`
	Domains           map[string]DomainSnapshot  `json:"domains"`
}
