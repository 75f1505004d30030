package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/graceos/grace/core/pkg/approval"
	"github.com/graceos/grace/core/pkg/contracts"
)

// handlePropose evaluates one action against the policy set. Block is a
// verdict, not an error; it comes back 200 with effect "block".
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req proposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := Actor(r.Context())
	if req.Actor != "" && req.Actor != actor {
		WriteForbidden(w, r, "Body actor does not match the authenticated actor")
		return
	}
	if req.ActionKind == "" {
		WriteBadRequest(w, r, "Missing required field: action_kind")
		return
	}

	dec, err := s.core.Propose(r.Context(), contracts.ProposeRequest{
		Actor:         actor,
		ActionKind:    req.ActionKind,
		Resource:      req.Resource,
		Payload:       []byte(req.Payload),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// handleExecutions records the outcome of a previously allowed action.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var report contracts.ExecutionReport
	if !decodeJSON(w, r, &report) {
		return
	}
	if report.ProposalID == "" {
		WriteBadRequest(w, r, "Missing required field: proposal_id")
		return
	}
	if report.Outcome != contracts.OutcomeSucceeded && report.Outcome != contracts.OutcomeFailed {
		WriteBadRequest(w, r, "Outcome must be succeeded or failed")
		return
	}

	rec, err := s.core.RecordExecution(r.Context(), Actor(r.Context()), report)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{
		ProposalID: report.ProposalID,
		Outcome:    report.Outcome,
		Seq:        rec.Seq,
	})
}

// handleApprovalsList serves GET /v1/approvals with optional state,
// proposal_id, and limit filters.
func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	q := r.URL.Query()
	f := approval.Filter{ProposalID: q.Get("proposal_id")}

	switch state := contracts.ApprovalState(q.Get("state")); state {
	case "", contracts.ApprovalPending, contracts.ApprovalApproved,
		contracts.ApprovalRejected, contracts.ApprovalExpired:
		f.State = state
	default:
		WriteBadRequest(w, r, "Unknown approval state filter")
		return
	}
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	f.Limit = limit

	reqs, err := s.core.ListApprovals(r.Context(), f)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []contracts.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleApprovalsSub routes the /v1/approvals/ subtree: await, {id}, and
// {id}/submit.
func (s *Server) handleApprovalsSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	if rest == "await" {
		s.handleAwait(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleApprovalGet(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "submit":
		s.handleApprovalSubmit(w, r, parts[0])
	default:
		WriteNotFound(w, r, "No such approvals endpoint")
	}
}

// handleAwait blocks until the proposal's review resolves or the timeout
// elapses. Timeouts come back 408 so pollers can distinguish them from
// verdicts.
func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req awaitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		WriteBadRequest(w, r, "Missing required field: proposal_id")
		return
	}
	timeout := awaitDefault
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			WriteBadRequest(w, r, "Timeout must be a positive duration string")
			return
		}
		if d > awaitMax {
			d = awaitMax
		}
		timeout = d
	}

	effect, err := s.core.AwaitApproval(r.Context(), req.ProposalID, timeout)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, awaitResponse{ProposalID: req.ProposalID, Effect: effect})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	req, err := s.core.GetApproval(r.Context(), id)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleApprovalSubmit records one vote. The approver is the
// authenticated actor; a body approver may restate it but never differ.
func (s *Server) handleApprovalSubmit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req contracts.SubmitApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := Actor(r.Context())
	if req.Approver == "" {
		req.Approver = actor
	}
	if req.Approver != actor {
		WriteForbidden(w, r, "Approver must match the authenticated actor")
		return
	}
	if req.Decision != contracts.VoteApprove && req.Decision != contracts.VoteReject {
		WriteBadRequest(w, r, "Decision must be approve or reject")
		return
	}

	updated, err := s.core.SubmitApproval(r.Context(), id, req.Approver, req.Decision, req.Reason)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
