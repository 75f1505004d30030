// Package config loads the core's settings from an optional YAML file and
// the GRACE_CORE_* environment, environment winning. The file mirrors the
// env fields so a deployment can pin everything in one document and still
// override per-process.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graceos/grace/core/pkg/contracts"
)

// Defaults for everything that has one. DataDir has no default; a core
// without a data directory has nowhere to put the log.
const (
	DefaultHTTPAddr            = ":8080"
	DefaultEvalPeriod          = time.Hour
	DefaultBenchThreshold      = 0.90
	DefaultBenchWindowDays     = 7
	DefaultDedupWindow         = 10 * time.Minute
	DefaultSegmentMaxBytes     = 64 << 20
	DefaultRecoveryVerifyDepth = 256
	DefaultRateRPS             = 50
	DefaultRateBurst           = 100
)

// Config holds every tunable of the core process.
type Config struct {
	// DataDir roots the persisted state: log/, policies/, index.db.
	DataDir string

	// HTTPAddr is the control API listen address.
	HTTPAddr string

	// EvalPeriod is the benchmark evaluator tick interval.
	EvalPeriod time.Duration
	// BenchThreshold is the sustained floor; the boundary value counts.
	BenchThreshold float64
	// BenchWindowDays sizes the benchmark rings at 24 slots per day.
	BenchWindowDays int

	// RateRPS and RateBurst bound each actor's control-API rate.
	RateRPS   float64
	RateBurst int

	// RedisAddr, when set, backs the gate's dedup window with Redis so
	// several frontends share one idempotency view.
	RedisAddr string

	// IndexDSN overrides the approval read index location. Default is
	// sqlite at <data-dir>/index.db; a postgres:// DSN selects Postgres.
	IndexDSN string

	// SealSeed is the hex-encoded 32-byte seed for segment seal
	// attestations. Empty disables attestation.
	SealSeed string

	// ArchiveType selects sealed-segment cold storage: "" (off), fs, s3,
	// or gcs. Backend details come from the GRACE_CORE_ARCHIVE_* env.
	ArchiveType string

	// OTLPEndpoint turns on trace/metric export when set.
	OTLPEndpoint string

	// JWTHS256Key, when set, verifies Bearer tokens and lets their sub
	// claim override the actor header.
	JWTHS256Key string

	// DedupWindow is how long the gate replays decided responses for a
	// repeated correlation id.
	DedupWindow time.Duration

	// SegmentMaxBytes caps one log segment before rollover.
	SegmentMaxBytes int64
	// RecoveryVerifyDepth is how many tail records startup re-verifies.
	RecoveryVerifyDepth int

	// KPIs pre-registers metric schemas so their history replays on boot.
	KPIs []contracts.KPISpec
}

// Default returns a config with every defaulted field filled in.
func Default() Config {
	return Config{
		HTTPAddr:            DefaultHTTPAddr,
		EvalPeriod:          DefaultEvalPeriod,
		BenchThreshold:      DefaultBenchThreshold,
		BenchWindowDays:     DefaultBenchWindowDays,
		RateRPS:             DefaultRateRPS,
		RateBurst:           DefaultRateBurst,
		DedupWindow:         DefaultDedupWindow,
		SegmentMaxBytes:     DefaultSegmentMaxBytes,
		RecoveryVerifyDepth: DefaultRecoveryVerifyDepth,
	}
}

// fileConfig is the YAML shape. Durations are strings ("1h", "10m") and
// KPI specs carry explicit keys, so the file reads the way operators write.
type fileConfig struct {
	DataDir             string    `yaml:"data_dir"`
	HTTPAddr            string    `yaml:"http_addr"`
	EvalPeriod          string    `yaml:"eval_period"`
	BenchThreshold      *float64  `yaml:"bench_threshold"`
	BenchWindowDays     *int      `yaml:"bench_window_days"`
	RateRPS             *float64  `yaml:"rate_rps"`
	RateBurst           *int      `yaml:"rate_burst"`
	RedisAddr           string    `yaml:"redis_addr"`
	IndexDSN            string    `yaml:"index_dsn"`
	SealSeed            string    `yaml:"seal_seed"`
	ArchiveType         string    `yaml:"archive_type"`
	OTLPEndpoint        string    `yaml:"otlp_endpoint"`
	JWTHS256Key         string    `yaml:"jwt_hs256_key"`
	DedupWindow         string    `yaml:"dedup_window"`
	SegmentMaxBytes     *int64    `yaml:"segment_max_bytes"`
	RecoveryVerifyDepth *int      `yaml:"recovery_verify_depth"`
	KPIs                []kpiSeed `yaml:"kpis"`
}

type kpiSeed struct {
	Domain       string `yaml:"domain"`
	KPI          string `yaml:"kpi"`
	SemanticType string `yaml:"semantic_type"`
	Direction    string `yaml:"direction"`
}

// Load builds the effective config: defaults, then the YAML file at path
// (skipped when path is empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.DataDir, fc.DataDir)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.RedisAddr, fc.RedisAddr)
	setString(&c.IndexDSN, fc.IndexDSN)
	setString(&c.SealSeed, fc.SealSeed)
	setString(&c.ArchiveType, fc.ArchiveType)
	setString(&c.OTLPEndpoint, fc.OTLPEndpoint)
	setString(&c.JWTHS256Key, fc.JWTHS256Key)

	if fc.BenchThreshold != nil {
		c.BenchThreshold = *fc.BenchThreshold
	}
	if fc.BenchWindowDays != nil {
		c.BenchWindowDays = *fc.BenchWindowDays
	}
	if fc.RateRPS != nil {
		c.RateRPS = *fc.RateRPS
	}
	if fc.RateBurst != nil {
		c.RateBurst = *fc.RateBurst
	}
	if fc.SegmentMaxBytes != nil {
		c.SegmentMaxBytes = *fc.SegmentMaxBytes
	}
	if fc.RecoveryVerifyDepth != nil {
		c.RecoveryVerifyDepth = *fc.RecoveryVerifyDepth
	}

	if err := setDuration(&c.EvalPeriod, fc.EvalPeriod, "eval_period"); err != nil {
		return err
	}
	if err := setDuration(&c.DedupWindow, fc.DedupWindow, "dedup_window"); err != nil {
		return err
	}

	for _, k := range fc.KPIs {
		c.KPIs = append(c.KPIs, contracts.KPISpec{
			Domain:       k.Domain,
			KPI:          k.KPI,
			SemanticType: contracts.SemanticType(k.SemanticType),
			Direction:    contracts.Direction(k.Direction),
		})
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DataDir, os.Getenv("GRACE_CORE_DATA_DIR"))
	setString(&c.HTTPAddr, os.Getenv("GRACE_CORE_HTTP_ADDR"))
	setString(&c.RedisAddr, os.Getenv("GRACE_CORE_REDIS_ADDR"))
	setString(&c.IndexDSN, os.Getenv("GRACE_CORE_INDEX_DSN"))
	setString(&c.SealSeed, os.Getenv("GRACE_CORE_SEAL_SEED"))
	setString(&c.ArchiveType, os.Getenv("GRACE_CORE_ARCHIVE_TYPE"))
	setString(&c.OTLPEndpoint, os.Getenv("GRACE_CORE_OTLP_ENDPOINT"))
	setString(&c.JWTHS256Key, os.Getenv("GRACE_CORE_JWT_HS256_KEY"))

	if err := setDuration(&c.EvalPeriod, os.Getenv("GRACE_CORE_EVAL_PERIOD"), "GRACE_CORE_EVAL_PERIOD"); err != nil {
		return err
	}
	if err := setDuration(&c.DedupWindow, os.Getenv("GRACE_CORE_DEDUP_WINDOW"), "GRACE_CORE_DEDUP_WINDOW"); err != nil {
		return err
	}
	if err := setFloat(&c.BenchThreshold, os.Getenv("GRACE_CORE_BENCH_THRESHOLD"), "GRACE_CORE_BENCH_THRESHOLD"); err != nil {
		return err
	}
	if err := setFloat(&c.RateRPS, os.Getenv("GRACE_CORE_RATE_RPS"), "GRACE_CORE_RATE_RPS"); err != nil {
		return err
	}
	if err := setInt(&c.BenchWindowDays, os.Getenv("GRACE_CORE_BENCH_WINDOW_DAYS"), "GRACE_CORE_BENCH_WINDOW_DAYS"); err != nil {
		return err
	}
	if err := setInt(&c.RateBurst, os.Getenv("GRACE_CORE_RATE_BURST"), "GRACE_CORE_RATE_BURST"); err != nil {
		return err
	}
	if err := setInt(&c.RecoveryVerifyDepth, os.Getenv("GRACE_CORE_RECOVERY_VERIFY_DEPTH"), "GRACE_CORE_RECOVERY_VERIFY_DEPTH"); err != nil {
		return err
	}
	if err := setInt64(&c.SegmentMaxBytes, os.Getenv("GRACE_CORE_SEGMENT_MAX_BYTES"), "GRACE_CORE_SEGMENT_MAX_BYTES"); err != nil {
		return err
	}
	return nil
}

// Validate checks the assembled config before anything opens the data dir.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("GRACE_CORE_DATA_DIR is required")
	}
	if c.BenchThreshold <= 0 || c.BenchThreshold > 1 {
		return fmt.Errorf("bench threshold %v outside (0, 1]", c.BenchThreshold)
	}
	if c.BenchWindowDays < 1 {
		return fmt.Errorf("bench window days %d < 1", c.BenchWindowDays)
	}
	if c.EvalPeriod <= 0 {
		return fmt.Errorf("eval period must be positive")
	}
	if c.SegmentMaxBytes < 4096 {
		return fmt.Errorf("segment max bytes %d below 4096", c.SegmentMaxBytes)
	}
	if _, err := c.SealSeedBytes(); err != nil {
		return err
	}
	for _, k := range c.KPIs {
		if k.Domain == "" || k.KPI == "" {
			return fmt.Errorf("kpi seed missing domain or kpi")
		}
	}
	return nil
}

// SealSeedBytes decodes the hex seal seed; empty means attestation off.
func (c *Config) SealSeedBytes() ([]byte, error) {
	if c.SealSeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.SealSeed)
	if err != nil {
		return nil, fmt.Errorf("seal seed is not hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("seal seed is %d bytes, want 32", len(seed))
	}
	return seed, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*dst = d
	return nil
}

func setFloat(dst *float64, v, name string) error {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func setInt(dst *int, v, name string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v, name string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}
