package contracts

import "time"

// ApprovalState is the lifecycle state of an approval request.
// pending is the only non-terminal state; terminal states are final.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// VoteDecision is a single approver's verdict.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
)

// ApprovalVote is one approver's recorded decision on a request.
type ApprovalVote struct {
	Approver string       `json:"approver"`
	Decision VoteDecision `json:"decision"`
	TS       time.Time    `json:"ts"`
	Reason   string       `json:"reason,omitempty"`
}

// ApprovalRequest tracks a review decision awaiting human resolution.
// The first reject resolves the request; otherwise RequiredApprovers
// distinct approve votes resolve it.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	ProposalID        string         `json:"proposal_id"`
	RequiredApprovers int            `json:"required_approvers"`
	State             ApprovalState  `json:"state"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Approvals         []ApprovalVote `json:"approvals,omitempty"`
}

// SubmitApprovalRequest is the control-API body for Queue.Submit.
type SubmitApprovalRequest struct {
	Approver string       `json:"approver"`
	Decision VoteDecision `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
}
