package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
)

// Seed files are operator conveniences: YAML or JSON documents dropped in
// <data-dir>/policies/ that pre-populate the gate on first boot. The log
// stays authoritative; a seed whose id already has version history is
// skipped so restarts never fork policy state.

const seedActor = "core.seed"

// seedSchemaVersions is the range of seed formats this build reads.
const seedSchemaVersions = "^1"

const seedSchemaURL = "https://grace.schemas.local/policy/seed.schema.json"

const seedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "policies"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "action_kind", "effect"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action_kind": {"type": "string", "minLength": 1},
          "actor_pattern": {"type": "string"},
          "resource_pattern": {"type": "string"},
          "condition": {"type": "object"},
          "condition_cel": {"type": "string"},
          "effect": {"enum": ["allow", "block", "review"]},
          "severity": {"type": "string"},
          "requires_approvers": {"type": "integer", "minimum": 0},
          "review_ttl": {"type": "string"}
        }
      }
    }
  }
}`

// Seed is one parsed seed document.
type Seed struct {
	SchemaVersion string       `json:"schema_version"`
	Policies      []SeedPolicy `json:"policies"`
}

// SeedPolicy is the on-disk policy shape. ReviewTTL is a duration string
// ("24h") rather than nanoseconds.
type SeedPolicy struct {
	ID                string         `json:"id"`
	ActionKind        string         `json:"action_kind"`
	ActorPattern      string         `json:"actor_pattern,omitempty"`
	ResourcePattern   string         `json:"resource_pattern,omitempty"`
	Condition         map[string]any `json:"condition,omitempty"`
	ConditionCEL      string         `json:"condition_cel,omitempty"`
	Effect            string         `json:"effect"`
	Severity          string         `json:"severity,omitempty"`
	RequiredApprovers int            `json:"requires_approvers,omitempty"`
	ReviewTTL         string         `json:"review_ttl,omitempty"`
}

func compileSeedSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(seedSchemaURL, strings.NewReader(seedSchema)); err != nil {
		return nil, fault.Wrap(fault.Internal, "seed schema load failed", err)
	}
	schema, err := c.Compile(seedSchemaURL)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "seed schema compile failed", err)
	}
	return schema, nil
}

// parseSeed decodes, schema-validates, and version-checks one document.
// YAML is a superset of JSON, so .json seeds take the same path.
func parseSeed(schema *jsonschema.Schema, data []byte) (Seed, error) {
	var zero Seed

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return zero, fault.Wrap(fault.Validation, "seed parse failed", err)
	}
	if doc == nil {
		return zero, fault.New(fault.Validation, "seed document is empty")
	}

	// Round-trip through JSON so the schema sees json-typed values.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return zero, fault.Wrap(fault.Validation, "seed is not json-compatible", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return zero, fault.Wrap(fault.Internal, "seed round-trip failed", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return zero, fault.Wrap(fault.Validation, "seed schema validation failed", err)
	}

	var seed Seed
	if err := json.Unmarshal(jsonBytes, &seed); err != nil {
		return zero, fault.Wrap(fault.Validation, "seed decode failed", err)
	}

	constraint, err := semver.NewConstraint(seedSchemaVersions)
	if err != nil {
		return zero, fault.Wrap(fault.Internal, "seed version constraint", err)
	}
	v, err := semver.NewVersion(seed.SchemaVersion)
	if err != nil {
		return zero, fault.Errorf(fault.Validation, "seed schema_version %q is not semver", seed.SchemaVersion)
	}
	if !constraint.Check(v) {
		return zero, fault.Errorf(fault.Validation,
			"seed schema_version %s outside supported range %s", seed.SchemaVersion, seedSchemaVersions)
	}
	return seed, nil
}

func (sp SeedPolicy) toPolicy() (contracts.Policy, error) {
	var zero contracts.Policy
	p := contracts.Policy{
		ID:                sp.ID,
		ActionKind:        sp.ActionKind,
		ActorPattern:      sp.ActorPattern,
		ResourcePattern:   sp.ResourcePattern,
		ConditionCEL:      sp.ConditionCEL,
		Effect:            contracts.Effect(sp.Effect),
		Severity:          sp.Severity,
		RequiredApprovers: sp.RequiredApprovers,
	}
	if sp.Condition != nil {
		raw, err := json.Marshal(sp.Condition)
		if err != nil {
			return zero, fault.Wrap(fault.Validation, "seed condition", err)
		}
		p.Condition = raw
	}
	if sp.ReviewTTL != "" {
		d, err := time.ParseDuration(sp.ReviewTTL)
		if err != nil {
			return zero, fault.Errorf(fault.Validation, "seed review_ttl %q is not a duration", sp.ReviewTTL)
		}
		if d < 0 {
			return zero, fault.Errorf(fault.Validation, "seed review_ttl %q is negative", sp.ReviewTTL)
		}
		p.ReviewTTL = d
	}
	return p, nil
}

// loadSeedDir parses every seed document in dir, sorted by file name.
// A missing directory means no seeds.
func loadSeedDir(dir string) ([]Seed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "read seed dir", err)
	}

	schema, err := compileSeedSchema()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seeds := make([]Seed, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "read seed "+name, err)
		}
		seed, err := parseSeed(schema, data)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "seed "+name, err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// LoadSeeds applies the seed documents under dir. Policies whose id already
// has version history in the log are skipped. Returns the number applied.
func (s *Store) LoadSeeds(ctx context.Context, dir string) (int, error) {
	seeds, err := loadSeedDir(dir)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, seed := range seeds {
		for _, sp := range seed.Policies {
			if s.hasHistory(sp.ID) {
				s.logger.Debug("seed policy already known; skipping", "policy", sp.ID)
				continue
			}
			p, err := sp.toPolicy()
			if err != nil {
				return applied, err
			}
			if _, err := s.Upsert(ctx, seedActor, p); err != nil {
				return applied, err
			}
			applied++
		}
	}
	if applied > 0 {
		s.logger.Info("seed policies applied", "count", applied, "dir", dir)
	}
	return applied, nil
}

func (s *Store) hasHistory(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[id] > 0
}
