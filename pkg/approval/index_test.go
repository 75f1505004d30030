package approval

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/ledger"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestIndexPutListRoundTrip(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := contracts.ApprovalRequest{
		ID: "req-1", ProposalID: "prop-1", RequiredApprovers: 2,
		State: contracts.ApprovalPending, CreatedAt: base, ExpiresAt: base.Add(24 * time.Hour),
		Approvals: []contracts.ApprovalVote{
			{Approver: "alice", Decision: contracts.VoteApprove, TS: base.Add(time.Minute), Reason: "lgtm"},
		},
	}
	second := contracts.ApprovalRequest{
		ID: "req-2", ProposalID: "prop-2", RequiredApprovers: 1,
		State: contracts.ApprovalApproved, CreatedAt: base.Add(time.Hour), ExpiresAt: base.Add(25 * time.Hour),
	}
	if err := ix.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := ix.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := ix.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("list returned %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "req-2" || got[1].ID != "req-1" {
		t.Fatalf("list order = %s, %s", got[0].ID, got[1].ID)
	}
	if !got[1].CreatedAt.Equal(base) || !got[1].ExpiresAt.Equal(base.Add(24*time.Hour)) {
		t.Fatalf("timestamps mangled: %+v", got[1])
	}
	if len(got[1].Approvals) != 1 || got[1].Approvals[0].Approver != "alice" {
		t.Fatalf("votes mangled: %+v", got[1].Approvals)
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	req := contracts.ApprovalRequest{
		ID: "req-1", ProposalID: "prop-1", RequiredApprovers: 1,
		State: contracts.ApprovalPending, CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	}
	if err := ix.Put(ctx, req); err != nil {
		t.Fatal(err)
	}
	req.State = contracts.ApprovalApproved
	req.Approvals = []contracts.ApprovalVote{{Approver: "alice", Decision: contracts.VoteApprove, TS: base}}
	if err := ix.Put(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := ix.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].State != contracts.ApprovalApproved || len(got[0].Approvals) != 1 {
		t.Fatalf("upsert result = %+v", got)
	}
}

func TestIndexFilterAndReset(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	states := []contracts.ApprovalState{
		contracts.ApprovalPending, contracts.ApprovalPending, contracts.ApprovalRejected,
	}
	for i, st := range states {
		req := contracts.ApprovalRequest{
			ID: "req-" + string(rune('a'+i)), ProposalID: "prop-" + string(rune('a'+i)),
			RequiredApprovers: 1, State: st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute), ExpiresAt: base.Add(time.Hour),
		}
		if err := ix.Put(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := ix.List(ctx, Filter{State: contracts.ApprovalPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending filter returned %d, want 2", len(pending))
	}
	one, err := ix.List(ctx, Filter{ProposalID: "prop-c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].State != contracts.ApprovalRejected {
		t.Fatalf("proposal filter = %+v", one)
	}
	limited, err := ix.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "req-c" {
		t.Fatalf("limit filter = %+v", limited)
	}

	if err := ix.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	empty, err := ix.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("reset left %d rows", len(empty))
	}
}

func TestQueueWritesThroughIndex(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log, err := ledger.Open(t.TempDir(), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	ix := newTestIndex(t)

	q, err := New(Config{Log: log, Clock: fake.Clock(), Index: ix})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	req, err := q.Create(ctx, "svc.gate", pendingRequest(fake, "prop-1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(ctx, req.ID, "alice", contracts.VoteApprove, ""); err != nil {
		t.Fatal(err)
	}

	// The queue's List goes through SQL; verify it sees the resolution.
	got, err := q.List(ctx, Filter{State: contracts.ApprovalApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != req.ID {
		t.Fatalf("indexed list = %+v", got)
	}

	// Index queries fail after close; List must fall back to memory.
	_ = ix.Close()
	got, err = q.List(ctx, Filter{State: contracts.ApprovalApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("fallback list = %+v", got)
	}
	if !ix.Stale() {
		t.Fatal("index not marked stale after failure")
	}
}

func TestIndexRebuiltOnStartup(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	log, err := ledger.Open(filepath.Join(dir, "log"), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	q, err := New(Config{Log: log, Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := q.Create(ctx, "svc.gate", pendingRequest(fake, "prop-1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Create(ctx, "svc.gate", pendingRequest(fake, "prop-2", 1)); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh index attached at startup is populated from the log.
	log2, err := ledger.Open(filepath.Join(dir, "log"), ledger.Config{Clock: fake.Clock()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log2.Close() })
	ix, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	if _, err := New(Config{Log: log2, Clock: fake.Clock(), Index: ix}); err != nil {
		t.Fatal(err)
	}

	rows, err := ix.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rebuilt index has %d rows, want 2", len(rows))
	}
}

func TestIndexPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("CREATE (TABLE|INDEX) IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	ix, err := NewIndex(sqlx.NewDb(db, DriverPostgres))
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7)")).
		WithArgs("req-1", "prop-1", "pending", 2,
			base.Format(time.RFC3339Nano), base.Add(time.Hour).Format(time.RFC3339Nano),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ix.Put(context.Background(), contracts.ApprovalRequest{
		ID: "req-1", ProposalID: "prop-1", RequiredApprovers: 2,
		State: contracts.ApprovalPending, CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	})
	assert.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = $1")).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "proposal_id", "state", "required_approvers", "created_at", "expires_at", "votes",
		}).AddRow("req-1", "prop-1", "pending", 2,
			base.Format(time.RFC3339Nano), base.Add(time.Hour).Format(time.RFC3339Nano), "[]"))

	got, err := ix.List(context.Background(), Filter{State: contracts.ApprovalPending})
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
