package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

func newTestStore(t *testing.T) (*Store, *ledger.Ledger, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log, err := ledger.Open(t.TempDir(), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })

	s, err := New(Config{Log: log, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	return s, log, fake
}

func TestUpsertAssignsVersionsAndLogs(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	p1, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "allow-metrics", ActionKind: "metric.record", Effect: contracts.EffectAllow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p1.Version != 1 {
		t.Fatalf("first version = %d, want 1", p1.Version)
	}

	p2, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "allow-metrics", ActionKind: "metric.record", Effect: contracts.EffectBlock,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p2.Version != 2 {
		t.Fatalf("second version = %d, want 2", p2.Version)
	}

	got, ok := s.Get("allow-metrics")
	if !ok || got.Effect != contracts.EffectBlock || got.Version != 2 {
		t.Fatalf("active policy = %+v, want version 2 block", got)
	}

	if log.Len() != 2 {
		t.Fatalf("log has %d records, want 2", log.Len())
	}
	rec, err := log.GetBySeq(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != contracts.KindPolicyUpserted || rec.Resource != "allow-metrics" || rec.Actor != "ops.alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	var logged contracts.Policy
	if err := json.Unmarshal(rec.Payload, &logged); err != nil {
		t.Fatal(err)
	}
	if logged.Version != 2 || logged.Effect != contracts.EffectBlock {
		t.Fatalf("logged payload = %+v", logged)
	}
}

func TestUpsertValidation(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    contracts.Policy
	}{
		{"missing id", contracts.Policy{ActionKind: "x", Effect: contracts.EffectAllow}},
		{"missing action kind", contracts.Policy{ID: "p", Effect: contracts.EffectAllow}},
		{"bad effect", contracts.Policy{ID: "p", ActionKind: "x", Effect: "audit"}},
		{"negative approvers", contracts.Policy{ID: "p", ActionKind: "x", Effect: contracts.EffectReview, RequiredApprovers: -1}},
		{"bad condition", contracts.Policy{
			ID: "p", ActionKind: "x", Effect: contracts.EffectAllow,
			Condition: json.RawMessage(`{"op":"nope"}`),
		}},
		{"bad cel", contracts.Policy{
			ID: "p", ActionKind: "x", Effect: contracts.EffectAllow,
			ConditionCEL: "payload.size >",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, "ops.alice", tc.p)
			if !fault.IsKind(err, fault.Validation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
	if log.Len() != 0 {
		t.Fatalf("rejected upserts must not touch the log, got %d records", log.Len())
	}
}

func TestDeactivateRemovesButKeepsHistory(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "gate-deploys", ActionKind: "deploy.*", Effect: contracts.EffectReview,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, "ops.alice", "gate-deploys"); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("gate-deploys"); ok {
		t.Fatal("deactivated policy still active")
	}
	if got := s.Lookup("deploy.cluster", "svc.a", "r"); len(got) != 0 {
		t.Fatalf("lookup after deactivate = %+v", got)
	}

	err := s.Deactivate(ctx, "ops.alice", "gate-deploys")
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("second deactivate err = %v, want not found", err)
	}

	rec, err := log.GetBySeq(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != contracts.KindPolicyDeactivated || rec.Resource != "gate-deploys" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Version numbering continues across deactivation.
	p, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "gate-deploys", ActionKind: "deploy.*", Effect: contracts.EffectAllow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 {
		t.Fatalf("version after reactivation = %d, want 2", p.Version)
	}
}

func TestLookupOrdersBySpecificity(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []contracts.Policy{
		{ID: "catch-all", ActionKind: "*", Effect: contracts.EffectBlock},
		{ID: "deploy-glob", ActionKind: "deploy.*", Effect: contracts.EffectReview},
		{ID: "deploy-exact", ActionKind: "deploy.cluster", Effect: contracts.EffectAllow},
	} {
		if _, err := s.Upsert(ctx, "ops.alice", p); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Lookup("deploy.cluster", "svc.a", "prod-eu")
	if len(got) != 3 {
		t.Fatalf("lookup returned %d policies, want 3", len(got))
	}
	wantOrder := []string{"deploy-exact", "deploy-glob", "catch-all"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("lookup[%d] = %s, want %s (full order %+v)", i, got[i].ID, want, got)
		}
	}

	if got := s.Lookup("rollback.cluster", "svc.a", "prod-eu"); len(got) != 1 || got[0].ID != "catch-all" {
		t.Fatalf("rollback lookup = %+v, want only catch-all", got)
	}
}

func TestLookupBreaksTiesByVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "older", ActionKind: "deploy.*", Effect: contracts.EffectBlock,
	}); err != nil {
		t.Fatal(err)
	}
	// Edited twice: same specificity, higher version.
	for i := 0; i < 3; i++ {
		if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
			ID: "newer", ActionKind: "deploy.*", Effect: contracts.EffectAllow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Lookup("deploy.cluster", "svc.a", "r")
	if len(got) != 2 || got[0].ID != "newer" || got[0].Version != 3 {
		t.Fatalf("tie-break order = %+v, want newer@3 first", got)
	}
}

func TestLookupFiltersActorAndResource(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "svc-only", ActionKind: "deploy.*", ActorPattern: "svc.*",
		ResourcePattern: "prod-*", Effect: contracts.EffectAllow,
	}); err != nil {
		t.Fatal(err)
	}

	if got := s.Lookup("deploy.cluster", "svc.deployer", "prod-eu"); len(got) != 1 {
		t.Fatalf("matching triple returned %d policies", len(got))
	}
	if got := s.Lookup("deploy.cluster", "user.bob", "prod-eu"); len(got) != 0 {
		t.Fatalf("actor mismatch still returned %+v", got)
	}
	if got := s.Lookup("deploy.cluster", "svc.deployer", "staging-eu"); len(got) != 0 {
		t.Fatalf("resource mismatch still returned %+v", got)
	}
}

func TestFirstMatchRespectsConditions(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	// More specific policy only fires for production payloads.
	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "block-prod", ActionKind: "deploy.cluster", Effect: contracts.EffectBlock,
		Condition: json.RawMessage(`{"op":"eq","field":"env","value":"production"}`),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "allow-deploys", ActionKind: "deploy.*", Effect: contracts.EffectAllow,
	}); err != nil {
		t.Fatal(err)
	}

	p, ok := s.FirstMatch("deploy.cluster", "svc.a", "r", map[string]any{"env": "production"})
	if !ok || p.ID != "block-prod" {
		t.Fatalf("production payload matched %+v, want block-prod", p)
	}

	p, ok = s.FirstMatch("deploy.cluster", "svc.a", "r", map[string]any{"env": "staging"})
	if !ok || p.ID != "allow-deploys" {
		t.Fatalf("staging payload matched %+v, want allow-deploys", p)
	}

	if _, ok := s.FirstMatch("rollback.cluster", "svc.a", "r", nil); ok {
		t.Fatal("no policy should match rollback")
	}
}

func TestFirstMatchCEL(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "big-spend", ActionKind: "spend.approve", Effect: contracts.EffectReview,
		ConditionCEL: `actor.startsWith("svc.") && payload.amount > 1000.0`,
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.FirstMatch("spend.approve", "svc.biller", "acct", map[string]any{"amount": 5000.0}); !ok {
		t.Fatal("cel condition should hold for large amounts")
	}
	if _, ok := s.FirstMatch("spend.approve", "svc.biller", "acct", map[string]any{"amount": 10.0}); ok {
		t.Fatal("cel condition should reject small amounts")
	}
	// A runtime error (missing key) leaves the gate closed.
	if _, ok := s.FirstMatch("spend.approve", "svc.biller", "acct", map[string]any{}); ok {
		t.Fatal("cel runtime error must not satisfy the condition")
	}
}

func TestFirstMatchRequiresBothConditionForms(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "both", ActionKind: "deploy.*", Effect: contracts.EffectAllow,
		Condition:    json.RawMessage(`{"op":"eq","field":"env","value":"staging"}`),
		ConditionCEL: `payload.replicas <= 3.0`,
	}); err != nil {
		t.Fatal(err)
	}

	hit := func(payload map[string]any) bool {
		_, ok := s.FirstMatch("deploy.cluster", "svc.a", "r", payload)
		return ok
	}
	if !hit(map[string]any{"env": "staging", "replicas": 2.0}) {
		t.Fatal("both conditions hold; expected match")
	}
	if hit(map[string]any{"env": "production", "replicas": 2.0}) {
		t.Fatal("predicate fails; expected no match")
	}
	if hit(map[string]any{"env": "staging", "replicas": 9.0}) {
		t.Fatal("cel fails; expected no match")
	}
}

func TestRebuildFromLog(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	log, err := ledger.Open(dir, ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Log: log, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, p := range []contracts.Policy{
		{ID: "a", ActionKind: "deploy.*", Effect: contracts.EffectAllow},
		{ID: "b", ActionKind: "spend.*", Effect: contracts.EffectReview, RequiredApprovers: 2},
		{ID: "c", ActionKind: "*", Effect: contracts.EffectBlock},
	} {
		if _, err := s.Upsert(ctx, "ops.alice", p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "b", ActionKind: "spend.*", Effect: contracts.EffectReview, RequiredApprovers: 3,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, "ops.alice", "a"); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	log2, err := ledger.Open(dir, ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log2.Close() })

	s2, err := New(Config{Log: log2, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}

	if s2.Len() != 2 {
		t.Fatalf("rebuilt store has %d active policies, want 2", s2.Len())
	}
	if _, ok := s2.Get("a"); ok {
		t.Fatal("deactivated policy resurrected by rebuild")
	}
	b, ok := s2.Get("b")
	if !ok || b.Version != 2 || b.RequiredApprovers != 3 {
		t.Fatalf("rebuilt policy b = %+v, want version 2 with 3 approvers", b)
	}

	// Version counters survive the rebuild, including deactivated ids.
	a, err := s2.Upsert(ctx, "ops.alice", contracts.Policy{
		ID: "a", ActionKind: "deploy.*", Effect: contracts.EffectAllow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 2 {
		t.Fatalf("version after rebuild = %d, want 2", a.Version)
	}
}

func writeSeed(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSeedsAppliesOnce(t *testing.T) {
	s, _, _ := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "policies")
	writeSeed(t, dir, "10-defaults.yaml", `
schema_version: "1.0.0"
policies:
  - id: allow-metrics
    action_kind: metric.record
    effect: allow
  - id: review-deploys
    action_kind: deploy.*
    effect: review
    requires_approvers: 2
    review_ttl: 36h
    condition:
      op: eq
      field: env
      value: production
`)
	writeSeed(t, dir, "20-extra.json", `{
  "schema_version": "1.2.0",
  "policies": [
    {"id": "block-wildcard", "action_kind": "*", "effect": "block"}
  ]
}`)

	ctx := context.Background()
	applied, err := s.LoadSeeds(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 3 {
		t.Fatalf("applied %d seeds, want 3", applied)
	}

	p, ok := s.Get("review-deploys")
	if !ok {
		t.Fatal("seeded policy missing")
	}
	if p.Version != 1 || p.RequiredApprovers != 2 || p.ReviewTTL != 36*time.Hour {
		t.Fatalf("seeded policy = %+v", p)
	}
	if p.Condition == nil {
		t.Fatal("seeded condition dropped")
	}

	// Second pass is a no-op.
	applied, err = s.LoadSeeds(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Fatalf("second load applied %d, want 0", applied)
	}
}

func TestLoadSeedsSkipsDeactivatedIDs(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	dataDir := t.TempDir()
	log, err := ledger.Open(filepath.Join(dataDir, "log"), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}

	seedDir := filepath.Join(dataDir, "policies")
	writeSeed(t, seedDir, "seed.yaml", `
schema_version: "1.0.0"
policies:
  - id: temporary
    action_kind: debug.*
    effect: allow
`)

	ctx := context.Background()
	s, err := New(Config{Log: log, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSeeds(ctx, seedDir); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, "ops.alice", "temporary"); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// An operator deactivation must survive restarts even though the seed
	// file is still on disk.
	log2, err := ledger.Open(filepath.Join(dataDir, "log"), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log2.Close() })
	s2, err := New(Config{Log: log2, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	applied, err := s2.LoadSeeds(ctx, seedDir)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Fatal("seed re-applied a deactivated policy")
	}
	if _, ok := s2.Get("temporary"); ok {
		t.Fatal("deactivated policy active after seed pass")
	}
}

func TestLoadSeedsValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
	}{
		{"bad effect", `
schema_version: "1.0.0"
policies:
  - id: p
    action_kind: x
    effect: audit
`},
		{"unsupported schema version", `
schema_version: "2.0.0"
policies: []
`},
		{"schema version not semver", `
schema_version: latest
policies: []
`},
		{"missing required field", `
schema_version: "1.0.0"
policies:
  - id: p
    effect: allow
`},
		{"unknown key", `
schema_version: "1.0.0"
policies:
  - id: p
    action_kind: x
    effect: allow
    priority: 9
`},
		{"bad ttl", `
schema_version: "1.0.0"
policies:
  - id: p
    action_kind: x
    effect: review
    review_ttl: soon
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "policies")
			writeSeed(t, dir, "seed.yaml", tc.body)
			if _, err := s.LoadSeeds(ctx, dir); !fault.IsKind(err, fault.Validation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestLoadSeedsMissingDirIsEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)
	applied, err := s.LoadSeeds(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Fatalf("applied %d from a missing dir", applied)
	}
}
