// Package approval tracks review requests from creation to resolution.
// Requests live in memory and are reconstructed from the log at startup;
// the optional SQL index is a disposable read cache on top.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

// systemActor stamps resolutions the queue makes on its own, i.e. expiry.
const systemActor = "core.approval"

const defaultSweepInterval = time.Minute

// Config carries construction settings. Log is required; Index is optional.
type Config struct {
	Log           *ledger.Ledger
	Index         *Index
	Clock         clock.Clock
	IDs           *clock.IDGenerator
	Logger        *slog.Logger
	SweepInterval time.Duration
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	State      contracts.ApprovalState
	ProposalID string
	Limit      int
}

// Queue is the approval state machine. All transitions append an
// approval.resolved record before they become visible.
type Queue struct {
	log     *ledger.Ledger
	index   *Index
	clockFn clock.Clock
	ids     *clock.IDGenerator
	logger  *slog.Logger

	mu         sync.Mutex
	reqs       map[string]*contracts.ApprovalRequest
	byProposal map[string]string
	waiters    map[string][]chan contracts.ApprovalState

	sweepEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
	stopped    bool
}

// New rebuilds the queue by replaying approval records from the log.
// Overdue pending requests are not expired here; the first sweep does it.
func New(cfg Config) (*Queue, error) {
	if cfg.Log == nil {
		return nil, fault.New(fault.Validation, "approval queue requires a log")
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
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	q := &Queue{
		log:        cfg.Log,
		index:      cfg.Index,
		clockFn:    cfg.Clock,
		ids:        cfg.IDs,
		logger:     cfg.Logger.With("component", "approval"),
		reqs:       make(map[string]*contracts.ApprovalRequest),
		byProposal: make(map[string]string),
		waiters:    make(map[string][]chan contracts.ApprovalState),
		sweepEvery: cfg.SweepInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if err := q.rebuild(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) rebuild() error {
	it := q.log.StreamFrom(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if rec.Kind != contracts.KindApprovalRequested && rec.Kind != contracts.KindApprovalResolved {
			continue
		}
		var req contracts.ApprovalRequest
		if err := json.Unmarshal(rec.Payload, &req); err != nil {
			q.logger.Warn("skipping unreadable approval record", "seq", rec.Seq, "error", err)
			continue
		}
		q.reqs[req.ID] = &req
		q.byProposal[req.ProposalID] = req.ID
	}
	if err := it.Err(); err != nil {
		return err
	}

	if q.index != nil {
		if err := q.reindex(); err != nil {
			q.logger.Warn("read index rebuild failed; serving lists from memory", "error", err)
			q.index.markStale()
		}
	}
	q.logger.Info("approval queue rebuilt", "requests", len(q.reqs))
	return nil
}

func (q *Queue) reindex() error {
	ctx := context.Background()
	if err := q.index.Reset(ctx); err != nil {
		return err
	}
	for _, req := range q.reqs {
		if err := q.index.Put(ctx, *req); err != nil {
			return err
		}
	}
	return nil
}

// Create registers a pending request and appends approval.requested.
// Exactly one request may ever exist per proposal.
func (q *Queue) Create(ctx context.Context, actor string, req contracts.ApprovalRequest) (contracts.ApprovalRequest, error) {
	var zero contracts.ApprovalRequest
	if req.ProposalID == "" {
		return zero, fault.New(fault.Validation, "approval request requires a proposal id")
	}
	if req.RequiredApprovers < 1 {
		return zero, fault.Errorf(fault.Validation, "approval request requires at least one approver, got %d", req.RequiredApprovers)
	}
	if req.ExpiresAt.IsZero() {
		return zero, fault.New(fault.Validation, "approval request requires an expiry")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if rid, ok := q.byProposal[req.ProposalID]; ok {
		return zero, fault.Errorf(fault.Validation, "proposal %s already has approval request %s", req.ProposalID, rid)
	}

	if req.ID == "" {
		req.ID = q.ids.NewString()
	}
	req.State = contracts.ApprovalPending
	req.CreatedAt = q.clockFn()
	req.Approvals = nil

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fault.Wrap(fault.Internal, "encode approval request", err)
	}
	if _, err := q.log.Append(ctx, contracts.KindApprovalRequested, actor, req.ID, payload); err != nil {
		return zero, err
	}

	stored := req
	q.reqs[req.ID] = &stored
	q.byProposal[req.ProposalID] = req.ID
	q.indexPut(stored)
	q.logger.Info("approval requested",
		"request", req.ID, "proposal", req.ProposalID,
		"required", req.RequiredApprovers, "expires_at", req.ExpiresAt)
	return req, nil
}

// Submit records one approver's vote. Votes are idempotent per approver:
// the first vote counts, later ones return the current state unchanged.
// Submitting against a resolved request returns it unchanged.
func (q *Queue) Submit(ctx context.Context, requestID, approver string, decision contracts.VoteDecision, reason string) (contracts.ApprovalRequest, error) {
	var zero contracts.ApprovalRequest
	if approver == "" {
		return zero, fault.New(fault.Validation, "approver is required")
	}
	if decision != contracts.VoteApprove && decision != contracts.VoteReject {
		return zero, fault.Errorf(fault.Validation, "decision %q is invalid", decision)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.reqs[requestID]
	if !ok {
		return zero, fault.Errorf(fault.NotFound, "approval request %s not found", requestID)
	}
	if err := q.expireLocked(ctx, req); err != nil {
		return zero, err
	}
	if req.State.Terminal() {
		return snapshot(req), nil
	}

	for _, v := range req.Approvals {
		if v.Approver == approver {
			return snapshot(req), nil
		}
	}

	req.Approvals = append(req.Approvals, contracts.ApprovalVote{
		Approver: approver,
		Decision: decision,
		TS:       q.clockFn(),
		Reason:   reason,
	})

	if decision == contracts.VoteReject {
		if err := q.resolveLocked(ctx, approver, req, contracts.ApprovalRejected); err != nil {
			return zero, err
		}
		return snapshot(req), nil
	}

	approvals := 0
	for _, v := range req.Approvals {
		if v.Decision == contracts.VoteApprove {
			approvals++
		}
	}
	if approvals >= req.RequiredApprovers {
		if err := q.resolveLocked(ctx, approver, req, contracts.ApprovalApproved); err != nil {
			return zero, err
		}
	} else {
		q.indexPut(*req)
		q.logger.Info("approval vote recorded",
			"request", req.ID, "approver", approver, "votes", approvals, "required", req.RequiredApprovers)
	}
	return snapshot(req), nil
}

// resolveLocked appends approval.resolved and then commits the transition.
// Caller holds mu. The request is only mutated if the append succeeds.
func (q *Queue) resolveLocked(ctx context.Context, actor string, req *contracts.ApprovalRequest, state contracts.ApprovalState) error {
	resolved := snapshot(req)
	resolved.State = state

	payload, err := json.Marshal(resolved)
	if err != nil {
		return fault.Wrap(fault.Internal, "encode approval resolution", err)
	}
	if _, err := q.log.Append(ctx, contracts.KindApprovalResolved, actor, req.ID, payload); err != nil {
		return err
	}

	req.State = state
	q.indexPut(*req)
	q.notifyLocked(req.ProposalID, state)
	q.logger.Info("approval resolved", "request", req.ID, "proposal", req.ProposalID, "state", state, "actor", actor)
	return nil
}

func (q *Queue) expireLocked(ctx context.Context, req *contracts.ApprovalRequest) error {
	if req.State != contracts.ApprovalPending || !q.clockFn().After(req.ExpiresAt) {
		return nil
	}
	return q.resolveLocked(ctx, systemActor, req, contracts.ApprovalExpired)
}

func (q *Queue) notifyLocked(proposalID string, state contracts.ApprovalState) {
	for _, ch := range q.waiters[proposalID] {
		ch <- state
	}
	delete(q.waiters, proposalID)
}

func (q *Queue) indexPut(req contracts.ApprovalRequest) {
	if q.index == nil {
		return
	}
	if err := q.index.Put(context.Background(), req); err != nil {
		q.logger.Warn("read index write failed; serving lists from memory", "request", req.ID, "error", err)
		q.index.markStale()
	}
}

// Get returns a request by id, expiring it first if overdue.
func (q *Queue) Get(ctx context.Context, requestID string) (contracts.ApprovalRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.reqs[requestID]
	if !ok {
		return contracts.ApprovalRequest{}, fault.Errorf(fault.NotFound, "approval request %s not found", requestID)
	}
	if err := q.expireLocked(ctx, req); err != nil {
		return contracts.ApprovalRequest{}, err
	}
	return snapshot(req), nil
}

// GetByProposal returns the request tied to a proposal.
func (q *Queue) GetByProposal(ctx context.Context, proposalID string) (contracts.ApprovalRequest, error) {
	q.mu.Lock()
	rid, ok := q.byProposal[proposalID]
	q.mu.Unlock()
	if !ok {
		return contracts.ApprovalRequest{}, fault.Errorf(fault.NotFound, "proposal %s has no approval request", proposalID)
	}
	return q.Get(ctx, rid)
}

// List returns requests matching the filter, newest first. Lists are
// served from the SQL index when it is configured and healthy.
func (q *Queue) List(ctx context.Context, f Filter) ([]contracts.ApprovalRequest, error) {
	q.Sweep(ctx)

	if q.index != nil && !q.index.Stale() {
		out, err := q.index.List(ctx, f)
		if err == nil {
			return out, nil
		}
		q.logger.Warn("read index query failed; serving list from memory", "error", err)
		q.index.markStale()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]contracts.ApprovalRequest, 0, len(q.reqs))
	for _, req := range q.reqs {
		if f.State != "" && req.State != f.State {
			continue
		}
		if f.ProposalID != "" && req.ProposalID != f.ProposalID {
			continue
		}
		out = append(out, snapshot(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AwaitApproval blocks until the proposal's request resolves, then maps
// the terminal state to an effect: allow iff approved. A timeout of zero
// waits on ctx alone.
func (q *Queue) AwaitApproval(ctx context.Context, proposalID string, timeout time.Duration) (contracts.Effect, error) {
	q.mu.Lock()
	rid, ok := q.byProposal[proposalID]
	if !ok {
		q.mu.Unlock()
		return "", fault.Errorf(fault.NotFound, "proposal %s has no approval request", proposalID)
	}
	req := q.reqs[rid]
	if err := q.expireLocked(ctx, req); err != nil {
		q.mu.Unlock()
		return "", err
	}
	if req.State.Terminal() {
		state := req.State
		q.mu.Unlock()
		return effectFor(state), nil
	}
	waiter := make(chan contracts.ApprovalState, 1)
	q.waiters[proposalID] = append(q.waiters[proposalID], waiter)
	q.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case state := <-waiter:
		return effectFor(state), nil
	case <-ctx.Done():
		q.dropWaiter(proposalID, waiter)
		return "", fault.Wrap(fault.Canceled, "await approval "+proposalID, ctx.Err())
	}
}

func (q *Queue) dropWaiter(proposalID string, waiter chan contracts.ApprovalState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiters[proposalID]
	for i, ch := range ws {
		if ch == waiter {
			q.waiters[proposalID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiters[proposalID]) == 0 {
		delete(q.waiters, proposalID)
	}
}

func effectFor(state contracts.ApprovalState) contracts.Effect {
	if state == contracts.ApprovalApproved {
		return contracts.EffectAllow
	}
	return contracts.EffectBlock
}

// Sweep expires every overdue pending request and returns how many it
// moved. The background loop calls this on a ticker; tests call it
// directly after advancing the clock.
func (q *Queue) Sweep(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for _, req := range q.reqs {
		if req.State != contracts.ApprovalPending || !q.clockFn().After(req.ExpiresAt) {
			continue
		}
		if err := q.resolveLocked(ctx, systemActor, req, contracts.ApprovalExpired); err != nil {
			q.logger.Warn("expiry sweep failed", "request", req.ID, "error", err)
			continue
		}
		expired++
	}
	return expired
}

// Start launches the expiry sweeper. The sweeper is one-shot: starting
// again after Stop is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running || q.stopped {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.sweepLoop()
}

func (q *Queue) sweepLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := q.Sweep(context.Background()); n > 0 {
				q.logger.Info("expired overdue approvals", "count", n)
			}
		case <-q.stopCh:
			return
		}
	}
}

// Stop halts the sweeper and waits for it to exit. Safe to call more
// than once, or without a prior Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh
}

// Len is the number of tracked requests, terminal ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

func snapshot(req *contracts.ApprovalRequest) contracts.ApprovalRequest {
	out := *req
	out.Approvals = append([]contracts.ApprovalVote(nil), req.Approvals...)
	return out
}
