package contracts

import "time"

// SemanticType declares how a KPI's values are interpreted.
type SemanticType string

const (
	SemanticRatio01    SemanticType = "ratio01"
	SemanticCount      SemanticType = "count"
	SemanticDurationMS SemanticType = "duration_ms"
)

// Direction declares which way a KPI's values are good.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
)

// KPISpec is one registry entry: the schema for a (domain, kpi) pair.
type KPISpec struct {
	Domain       string       `json:"domain"`
	KPI          string       `json:"kpi"`
	SemanticType SemanticType `json:"semantic_type"`
	Direction    Direction    `json:"direction"`
}

// MetricEvent is one recorded observation for a (domain, kpi) pair.
type MetricEvent struct {
	Domain   string            `json:"domain"`
	KPI      string            `json:"kpi"`
	Value    float64           `json:"value"`
	TS       time.Time         `json:"ts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RollupWindow is the incremental aggregate over one rolling period.
// Avg is nil when the window holds no samples.
type RollupWindow struct {
	Period      string    `json:"period"`
	Avg         *float64  `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// DomainSnapshot is the derived view of one domain's aggregate quality.
// Health, trust, and confidence are nil when the domain had no ratio01
// samples in the trailing hour. KPIs maps each KPI to its trailing-hour
// average.
type DomainSnapshot struct {
	Domain      string             `json:"domain"`
	Health      *float64           `json:"health"`
	Trust       *float64           `json:"trust"`
	Confidence  *float64           `json:"confidence"`
	KPIs        map[string]float64 `json:"kpis,omitempty"`
	LastUpdated time.Time          `json:"last_updated"`
}
