package contracts

import (
	"encoding/json"
	"time"
)

// Policy is one versioned gate rule. Policies are immutable once active;
// edits produce a new version. Condition is the predicate tree in its JSON
// form; ConditionCEL is an optional CEL expression that must also hold.
//
//nolint:govet // fieldalignment: layout mirrors the persisted payload
type Policy struct {
	ID                string          `json:"id"`
	Version           int             `json:"version"`
	ActionKind        string          `json:"action_kind"`
	ActorPattern      string          `json:"actor_pattern,omitempty"`
	ResourcePattern   string          `json:"resource_pattern,omitempty"`
	Condition         json.RawMessage `json:"condition,omitempty"`
	ConditionCEL      string          `json:"condition_cel,omitempty"`
	Effect            Effect          `json:"effect"`
	Severity          string          `json:"severity,omitempty"`
	RequiredApprovers int             `json:"requires_approvers,omitempty"`
	ReviewTTL         time.Duration   `json:"review_ttl,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
