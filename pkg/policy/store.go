// Package policy keeps the versioned rule set the action gate consults.
// Policy history lives in the immutable log; the store is a derived view
// rebuilt on startup by replaying policy.upserted and policy.deactivated
// records. The active set is copy-on-write, so lookups never take a lock.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

// compiled pairs a policy with its pre-parsed condition forms.
type compiled struct {
	policy contracts.Policy
	pred   *Predicate
	cel    cel.Program
}

// activeSet is the immutable lookup view, swapped wholesale on writes.
type activeSet struct {
	byID map[string]*compiled
}

// Config carries construction settings. Log is required.
type Config struct {
	Log    *ledger.Ledger
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store owns the active policy set.
type Store struct {
	log     *ledger.Ledger
	clockFn clock.Clock
	logger  *slog.Logger
	celEnv  *celEvaluator

	mu       sync.Mutex // serializes writers
	versions map[string]int

	active atomic.Pointer[activeSet]
}

// New rebuilds the store from the log's policy records.
func New(cfg Config) (*Store, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "policy store requires a log")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	celEnv, err := newCELEvaluator()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "policy store", err)
	}

	s := &Store{
		log:      cfg.Log,
		clockFn:  cfg.Clock,
		logger:   cfg.Logger.With("component", "policy"),
		celEnv:   celEnv,
		versions: make(map[string]int),
	}
	s.active.Store(&activeSet{byID: make(map[string]*compiled)})

	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild replays policy records in seq order. Records that no longer
// compile are skipped with a warning rather than failing startup: the log
// is the source of truth and must remain readable even if an old policy
// used a since-tightened construct.
func (s *Store) rebuild() error {
	byID := make(map[string]*compiled)
	it := s.log.StreamFrom(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		switch rec.Kind {
		case contracts.KindPolicyUpserted:
			var p contracts.Policy
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				s.logger.Warn("skipping unreadable policy record", "seq", rec.Seq, "error", err)
				continue
			}
			c, err := s.compile(p)
			if err != nil {
				s.logger.Warn("skipping uncompilable policy", "policy", p.ID, "version", p.Version, "error", err)
				continue
			}
			byID[p.ID] = c
			if p.Version > s.versions[p.ID] {
				s.versions[p.ID] = p.Version
			}
		case contracts.KindPolicyDeactivated:
			var body struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(rec.Payload, &body); err != nil {
				s.logger.Warn("skipping unreadable deactivation record", "seq", rec.Seq, "error", err)
				continue
			}
			delete(byID, body.ID)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	s.active.Store(&activeSet{byID: byID})
	s.logger.Info("policy set rebuilt", "active", len(byID), "known_ids", len(s.versions))
	return nil
}

func (s *Store) compile(p contracts.Policy) (*compiled, error) {
	pred, err := ParsePredicate(p.Condition)
	if err != nil {
		return nil, err
	}
	c := &compiled{policy: p, pred: pred}
	if p.ConditionCEL != "" {
		prg, err := s.celEnv.compile(p.ConditionCEL)
		if err != nil {
			return nil, err
		}
		c.cel = prg
	}
	return c, nil
}

func validate(p contracts.Policy) error {
	if p.ID == "" {
		return fault.New(fault.Validation, "policy id is required")
	}
	if p.ActionKind == "" {
		return fault.New(fault.Validation, "policy action_kind is required")
	}
	if !p.Effect.Valid() {
		return fault.Errorf(fault.Validation, "policy effect %q is invalid", p.Effect)
	}
	if p.RequiredApprovers < 0 {
		return fault.Errorf(fault.Validation, "policy requires_approvers %d is negative", p.RequiredApprovers)
	}
	if p.ReviewTTL < 0 {
		return fault.New(fault.Validation, "policy review_ttl is negative")
	}
	return nil
}

// Upsert appends a new version of the policy to the log and installs it
// in the active set. The version counter continues across deactivations.
func (s *Store) Upsert(ctx context.Context, actor string, p contracts.Policy) (contracts.Policy, error) {
	var zero contracts.Policy
	if err := validate(p); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.Version = s.versions[p.ID] + 1
	p.CreatedAt = s.clockFn()

	c, err := s.compile(p)
	if err != nil {
		return zero, fault.Wrap(fault.Validation, "policy "+p.ID, err)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return zero, fault.Wrap(fault.Internal, "encode policy", err)
	}
	if _, err := s.log.Append(ctx, contracts.KindPolicyUpserted, actor, p.ID, payload); err != nil {
		return zero, err
	}

	s.versions[p.ID] = p.Version
	s.swap(func(byID map[string]*compiled) {
		byID[p.ID] = c
	})
	s.logger.Info("policy upserted", "policy", p.ID, "version", p.Version, "effect", p.Effect, "actor", actor)
	return p, nil
}

// Deactivate removes a policy from the active set; its history stays in
// the log and its version counter keeps counting.
func (s *Store) Deactivate(ctx context.Context, actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.active.Load()
	if _, ok := set.byID[id]; !ok {
		return fault.Errorf(fault.NotFound, "policy %s is not active", id)
	}

	payload, err := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: id})
	if err != nil {
		return fault.Wrap(fault.Internal, "encode deactivation", err)
	}
	if _, err := s.log.Append(ctx, contracts.KindPolicyDeactivated, actor, id, payload); err != nil {
		return err
	}

	s.swap(func(byID map[string]*compiled) {
		delete(byID, id)
	})
	s.logger.Info("policy deactivated", "policy", id, "actor", actor)
	return nil
}

// swap installs a mutated copy of the active set. Caller holds mu.
func (s *Store) swap(mutate func(map[string]*compiled)) {
	old := s.active.Load()
	byID := make(map[string]*compiled, len(old.byID)+1)
	for k, v := range old.byID {
		byID[k] = v
	}
	mutate(byID)
	s.active.Store(&activeSet{byID: byID})
}

// Get returns an active policy by id.
func (s *Store) Get(id string) (contracts.Policy, bool) {
	c, ok := s.active.Load().byID[id]
	if !ok {
		return contracts.Policy{}, false
	}
	return c.policy, true
}

// List returns the active set ordered by id.
func (s *Store) List() []contracts.Policy {
	set := s.active.Load()
	out := make([]contracts.Policy, 0, len(set.byID))
	for _, c := range set.byID {
		out = append(out, c.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns every active policy matching the triple, most specific
// first: longest action-kind literal prefix, then newest version, then
// newest creation time, then id.
func (s *Store) Lookup(actionKind, actor, resource string) []contracts.Policy {
	matches := s.lookup(actionKind, actor, resource)
	out := make([]contracts.Policy, len(matches))
	for i, c := range matches {
		out[i] = c.policy
	}
	return out
}

func (s *Store) lookup(actionKind, actor, resource string) []*compiled {
	set := s.active.Load()
	var matches []*compiled
	for _, c := range set.byID {
		p := c.policy
		if !matchPattern(p.ActionKind, actionKind) {
			continue
		}
		if !matchPattern(p.ActorPattern, actor) {
			continue
		}
		if !matchPattern(p.ResourcePattern, resource) {
			continue
		}
		matches = append(matches, c)
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].policy, matches[j].policy
		sa, sb := specificity(a.ActionKind), specificity(b.ActionKind)
		if sa != sb {
			return sa > sb
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matches
}

// FirstMatch evaluates matching policies in specificity order and returns
// the first whose conditions hold against the payload. A condition that
// fails to evaluate is treated as unsatisfied: the gate stays closed.
func (s *Store) FirstMatch(actionKind, actor, resource string, payload map[string]any) (contracts.Policy, bool) {
	return s.FirstMatchFunc(actionKind, actor, resource, payload, nil)
}

// FirstMatchFunc is FirstMatch restricted to policies accepted by the
// filter. A nil filter accepts every candidate.
func (s *Store) FirstMatchFunc(actionKind, actor, resource string, payload map[string]any, accept func(contracts.Policy) bool) (contracts.Policy, bool) {
	for _, c := range s.lookup(actionKind, actor, resource) {
		if accept != nil && !accept(c.policy) {
			continue
		}
		if !c.pred.Eval(payload) {
			continue
		}
		if c.cel != nil {
			ok, err := evalCEL(c.cel, map[string]any{
				"payload":  payload,
				"actor":    actor,
				"action":   actionKind,
				"resource": resource,
			})
			if err != nil {
				s.logger.Warn("cel condition failed; treating as unsatisfied",
					"policy", c.policy.ID, "version", c.policy.Version, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		return c.policy, true
	}
	return contracts.Policy{}, false
}

// Len is the number of active policies.
func (s *Store) Len() int {
	return len(s.active.Load().byID)
}
