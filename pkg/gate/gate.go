// Package gate evaluates proposed actions against the policy store. Every
// proposal, decision, and execution outcome lands in the log before the
// caller hears about it. The gate only decides; execution stays with the
// caller, which reports back through RecordExecution.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/graceos/grace/core/pkg/approval"
	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
	"github.com/graceos/grace/core/pkg/mesh"
	"github.com/graceos/grace/core/pkg/policy"
)

// gateActor stamps decision records and governance events.
const gateActor = "core.gate"

const (
	defaultDedupWindow = 10 * time.Minute
	defaultReviewTTL   = 24 * time.Hour
)

// reservedPrefixes are namespaces the gate blocks by default. Only a
// policy whose resource pattern targets the namespace can grant access.
var reservedPrefixes = []string{"mesh.", "core.", "log."}

// Config wires the gate to its collaborators.
type Config struct {
	Log       *ledger.Ledger
	Policies  *policy.Store
	Approvals *approval.Queue
	Mesh      *mesh.Mesh

	// Dedup holds decided responses for the idempotency window. Nil gets
	// an in-memory store with the default window.
	Dedup       DedupStore
	DedupWindow time.Duration

	// ReviewTTL bounds approval requests when the deciding policy does
	// not set its own.
	ReviewTTL time.Duration

	Clock  clock.Clock
	IDs    *clock.IDGenerator
	Logger *slog.Logger
}

// Gate is the policy decision point. It keeps no state of its own between
// calls; proposals live in the log, pending reviews in the approval queue,
// and the dedup window in its store.
type Gate struct {
	log       *ledger.Ledger
	policies  *policy.Store
	approvals *approval.Queue
	mesh      *mesh.Mesh
	dedup     DedupStore
	clockFn   clock.Clock
	ids       *clock.IDGenerator
	logger    *slog.Logger
	reviewTTL time.Duration
}

// New validates the wiring and returns a ready gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "gate requires a log")
	}
	if cfg.Policies == nil {
		return nil, fault.New(fault.Validation, "gate requires a policy store")
	}
	if cfg.Approvals == nil {
		return nil, fault.New(fault.Validation, "gate requires an approval queue")
	}
	if cfg.Mesh == nil {
		return nil, fault.New(fault.Validation, "gate requires a mesh")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.IDs == nil {
		cfg.IDs = clock.NewIDGenerator(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewMemoryDedup(cfg.DedupWindow, cfg.Clock)
	}
	if cfg.ReviewTTL <= 0 {
		cfg.ReviewTTL = defaultReviewTTL
	}

	return &Gate{
		log:       cfg.Log,
		policies:  cfg.Policies,
		approvals: cfg.Approvals,
		mesh:      cfg.Mesh,
		dedup:     cfg.Dedup,
		clockFn:   cfg.Clock,
		ids:       cfg.IDs,
		logger:    cfg.Logger.With("component", "gate"),
		reviewTTL: cfg.ReviewTTL,
	}, nil
}

// governanceEvent is the payload published on governance.* topics.
type governanceEvent struct {
	ProposalID string                     `json:"proposal_id"`
	Actor      string                     `json:"actor"`
	ActionKind string                     `json:"action_kind,omitempty"`
	Resource   string                     `json:"resource,omitempty"`
	Effect     contracts.Effect           `json:"effect,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
	PolicyIDs  []string                   `json:"policy_ids,omitempty"`
	ApprovalID string                     `json:"approval_id,omitempty"`
	Outcome    contracts.ExecutionOutcome `json:"outcome,omitempty"`
	Detail     string                     `json:"detail,omitempty"`
}

// Propose runs one action through the gate: log the proposal, pick the
// first matching policy (default deny), log the decision, and kick off
// review plumbing when the policy asks for it. A repeated correlation id
// inside the dedup window short-circuits to the stored decision without
// touching the log again.
func (g *Gate) Propose(ctx context.Context, req contracts.ProposeRequest) (contracts.DecisionResponse, error) {
	if req.Actor == "" {
		return contracts.DecisionResponse{}, fault.New(fault.Validation, "actor is required")
	}
	if req.ActionKind == "" {
		return contracts.DecisionResponse{}, fault.New(fault.Validation, "action_kind is required")
	}
	var payload map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return contracts.DecisionResponse{}, fault.Wrap(fault.Validation, "payload must be a JSON object", err)
		}
	}

	var key string
	if req.CorrelationID != "" {
		key = dedupKey(req.Actor, req.ActionKind, req.Resource, req.CorrelationID)
		if resp, ok := g.replay(ctx, key); ok {
			return resp, nil
		}
	}

	proposalID := g.ids.NewString()
	prop := contracts.ActionProposal{
		ID:            proposalID,
		Actor:         req.Actor,
		ActionKind:    req.ActionKind,
		Resource:      req.Resource,
		Payload:       req.Payload,
		ProposedAt:    g.clockFn(),
		CorrelationID: req.CorrelationID,
	}
	propBody, err := json.Marshal(prop)
	if err != nil {
		return contracts.DecisionResponse{}, fault.Wrap(fault.Internal, "marshal proposal", err)
	}
	if _, err := g.log.Append(ctx, contracts.KindActionProposed, req.Actor, req.Resource, propBody); err != nil {
		return contracts.DecisionResponse{}, err
	}

	matched, found := g.matchPolicy(req, payload)
	dec := contracts.ActionDecision{
		ProposalID: proposalID,
		DecidedAt:  g.clockFn(),
	}
	switch {
	case found:
		dec.Effect = matched.Effect
		dec.MatchedPolicyIDs = []string{matched.ID}
		dec.Reason = fmt.Sprintf("policy %s v%d", matched.ID, matched.Version)
	case reservedNamespace(req.Resource) != "":
		dec.Effect = contracts.EffectBlock
		dec.Reason = fmt.Sprintf("reserved namespace %q: no policy grants %s",
			reservedNamespace(req.Resource), req.Actor)
	default:
		dec.Effect = contracts.EffectBlock
		dec.Reason = "default deny: no matching policy"
	}

	decBody, err := json.Marshal(dec)
	if err != nil {
		return contracts.DecisionResponse{}, fault.Wrap(fault.Internal, "marshal decision", err)
	}
	if _, err := g.log.Append(ctx, contracts.KindActionDecided, gateActor, proposalID, decBody); err != nil {
		return contracts.DecisionResponse{}, err
	}

	resp := contracts.DecisionResponse{
		ProposalID: proposalID,
		Effect:     dec.Effect,
		Reason:     dec.Reason,
		PolicyIDs:  dec.MatchedPolicyIDs,
	}

	switch dec.Effect {
	case contracts.EffectBlock:
		g.publish(ctx, contracts.TopicGovernanceBlocked, governanceEvent{
			ProposalID: proposalID,
			Actor:      req.Actor,
			ActionKind: req.ActionKind,
			Resource:   req.Resource,
			Effect:     dec.Effect,
			Reason:     dec.Reason,
			PolicyIDs:  dec.MatchedPolicyIDs,
		})
	case contracts.EffectReview:
		required := matched.RequiredApprovers
		if required < 1 {
			required = 1
		}
		ttl := matched.ReviewTTL
		if ttl <= 0 {
			ttl = g.reviewTTL
		}
		areq, err := g.approvals.Create(ctx, req.Actor, contracts.ApprovalRequest{
			ProposalID:        proposalID,
			RequiredApprovers: required,
			ExpiresAt:         g.clockFn().Add(ttl),
		})
		if err != nil {
			return contracts.DecisionResponse{}, err
		}
		resp.ApprovalID = areq.ID
		g.publish(ctx, contracts.TopicGovernanceReviewRequested, governanceEvent{
			ProposalID: proposalID,
			Actor:      req.Actor,
			ActionKind: req.ActionKind,
			Resource:   req.Resource,
			Effect:     dec.Effect,
			Reason:     dec.Reason,
			PolicyIDs:  dec.MatchedPolicyIDs,
			ApprovalID: areq.ID,
		})
	}

	if key != "" {
		g.remember(ctx, key, resp)
	}
	g.logger.Info("action decided",
		"proposal", proposalID, "actor", req.Actor, "action", req.ActionKind,
		"effect", dec.Effect, "reason", dec.Reason)
	return resp, nil
}

// matchPolicy applies first-match semantics. Resources in a reserved
// namespace only honor policies whose resource pattern names that
// namespace; broad patterns do not reach into it.
func (g *Gate) matchPolicy(req contracts.ProposeRequest, payload map[string]any) (contracts.Policy, bool) {
	ns := reservedNamespace(req.Resource)
	if ns == "" {
		return g.policies.FirstMatch(req.ActionKind, req.Actor, req.Resource, payload)
	}
	return g.policies.FirstMatchFunc(req.ActionKind, req.Actor, req.Resource, payload,
		func(p contracts.Policy) bool {
			return strings.HasPrefix(p.ResourcePattern, ns)
		})
}

func reservedNamespace(resource string) string {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(resource, prefix) {
			return prefix
		}
	}
	return ""
}

// replay returns the stored decision for the dedup key, if any.
func (g *Gate) replay(ctx context.Context, key string) (contracts.DecisionResponse, bool) {
	body, ok, err := g.dedup.Get(ctx, key)
	if err != nil {
		g.logger.Warn("dedup lookup failed", "error", err)
		return contracts.DecisionResponse{}, false
	}
	if !ok {
		return contracts.DecisionResponse{}, false
	}
	var resp contracts.DecisionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		g.logger.Warn("dedup entry unreadable, re-deciding", "error", err)
		return contracts.DecisionResponse{}, false
	}
	return resp, true
}

func (g *Gate) remember(ctx context.Context, key string, resp contracts.DecisionResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := g.dedup.Set(ctx, key, body); err != nil {
		g.logger.Warn("dedup store failed", "error", err)
	}
}

// RecordExecution logs the outcome a caller reports after acting on an
// allow and mirrors it onto the governance topics. The gate does not track
// outstanding allows, so it accepts any proposal id the caller names.
func (g *Gate) RecordExecution(ctx context.Context, actor string, report contracts.ExecutionReport) (contracts.Record, error) {
	if actor == "" {
		return contracts.Record{}, fault.New(fault.Validation, "actor is required")
	}
	if report.ProposalID == "" {
		return contracts.Record{}, fault.New(fault.Validation, "proposal_id is required")
	}
	var kind contracts.RecordKind
	var topic string
	switch report.Outcome {
	case contracts.OutcomeSucceeded:
		kind, topic = contracts.KindActionExecuted, contracts.TopicGovernanceExecuted
	case contracts.OutcomeFailed:
		kind, topic = contracts.KindActionFailed, contracts.TopicGovernanceFailed
	default:
		return contracts.Record{}, fault.Errorf(fault.Validation, "outcome %q is not succeeded or failed", report.Outcome)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return contracts.Record{}, fault.Wrap(fault.Internal, "marshal execution report", err)
	}
	rec, err := g.log.Append(ctx, kind, actor, report.ProposalID, body)
	if err != nil {
		return contracts.Record{}, err
	}
	g.publish(ctx, topic, governanceEvent{
		ProposalID: report.ProposalID,
		Actor:      actor,
		Outcome:    report.Outcome,
		Detail:     report.Detail,
	})
	return rec, nil
}

// AwaitApproval blocks until the proposal's review resolves and maps the
// terminal state to allow or block.
func (g *Gate) AwaitApproval(ctx context.Context, proposalID string, timeout time.Duration) (contracts.Effect, error) {
	return g.approvals.AwaitApproval(ctx, proposalID, timeout)
}

// publish emits a governance event. Delivery trouble is logged and
// swallowed; the decision already holds.
func (g *Gate) publish(ctx context.Context, topic string, ev governanceEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := g.mesh.Publish(ctx, gateActor, topic, body); err != nil {
		g.logger.Warn("governance publish failed", "topic", topic, "error", err)
	}
}
