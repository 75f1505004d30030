package contracts

import "time"

// Effect is the outcome of policy evaluation for a proposed action.
type Effect string

const (
	EffectAllow  Effect = "allow"
	EffectBlock  Effect = "block"
	EffectReview Effect = "review"
)

// Valid reports whether e is one of the three gate effects.
func (e Effect) Valid() bool {
	switch e {
	case EffectAllow, EffectBlock, EffectReview:
		return true
	}
	return false
}

// ActionProposal is the immutable request side of a gate evaluation.
type ActionProposal struct {
	ID            string    `json:"id"`
	Actor         string    `json:"actor"`
	ActionKind    string    `json:"action_kind"`
	Resource      string    `json:"resource,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	ProposedAt    time.Time `json:"proposed_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ActionDecision records the gate's verdict for one proposal.
type ActionDecision struct {
	ProposalID       string    `json:"proposal_id"`
	Effect           Effect    `json:"effect"`
	MatchedPolicyIDs []string  `json:"matched_policy_ids,omitempty"`
	Reason           string    `json:"reason"`
	DecidedAt        time.Time `json:"decided_at"`
}

// ProposeRequest is the control-API body for Gate.Propose.
type ProposeRequest struct {
	Actor         string `json:"actor"`
	ActionKind    string `json:"action_kind"`
	Resource      string `json:"resource,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DecisionResponse is returned to the proposer. For review effects,
// ApprovalID names the pending approval request. Deduplicated proposals
// return the stored response byte for byte.
type DecisionResponse struct {
	ProposalID string   `json:"proposal_id"`
	Effect     Effect   `json:"effect"`
	Reason     string   `json:"reason"`
	PolicyIDs  []string `json:"policy_ids,omitempty"`
	ApprovalID string   `json:"approval_id,omitempty"`
}

// ExecutionOutcome is reported by callers after acting on an allow.
type ExecutionOutcome string

const (
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeFailed    ExecutionOutcome = "failed"
)

// ExecutionReport is the control-API body for Gate.RecordExecution.
type ExecutionReport struct {
	ProposalID string           `json:"proposal_id"`
	Outcome    ExecutionOutcome `json:"outcome"`
	Detail     string           `json:"detail,omitempty"`
}
