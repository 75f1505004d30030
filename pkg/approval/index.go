package approval

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
)

// Driver names as registered by the underlying packages.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	// modernc's driver name is not in sqlx's default bind table.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Index is the queryable cache over the approval queue. The log stays
// authoritative: the index is wiped and rebuilt whenever the queue
// replays, and the queue falls back to memory scans when it goes stale.
type Index struct {
	db    *sqlx.DB
	stale atomic.Bool
}

// OpenIndex opens the read index. DSNs starting with postgres:// or
// postgresql:// use lib/pq; anything else is a sqlite file path.
func OpenIndex(dsn string) (*Index, error) {
	driver := DriverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "open approval index", err)
	}
	if driver == DriverSQLite {
		// modernc sqlite allows one writer; a single pooled conn avoids
		// SQLITE_BUSY churn on the write-through path.
		db.SetMaxOpenConns(1)
	}
	return NewIndex(db)
}

// NewIndex wraps an existing handle and ensures the schema exists.
func NewIndex(db *sqlx.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			state TEXT NOT NULL,
			required_approvers INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			votes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS approvals_state ON approvals (state)`,
		`CREATE INDEX IF NOT EXISTS approvals_proposal ON approvals (proposal_id)`,
	}
	for _, stmt := range stmts {
		if _, err := ix.db.ExecContext(context.Background(), stmt); err != nil {
			return fault.Wrap(fault.Internal, "approval index migrate", err)
		}
	}
	return nil
}

type approvalRow struct {
	ID                string `db:"id"`
	ProposalID        string `db:"proposal_id"`
	State             string `db:"state"`
	RequiredApprovers int    `db:"required_approvers"`
	CreatedAt         string `db:"created_at"`
	ExpiresAt         string `db:"expires_at"`
	Votes             []byte `db:"votes"`
}

// Put upserts one request row.
func (ix *Index) Put(ctx context.Context, req contracts.ApprovalRequest) error {
	votes, err := json.Marshal(req.Approvals)
	if err != nil {
		return fault.Wrap(fault.Internal, "encode votes", err)
	}
	query := ix.db.Rebind(`INSERT INTO approvals
		(id, proposal_id, state, required_approvers, created_at, expires_at, votes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			expires_at = excluded.expires_at,
			votes = excluded.votes`)
	_, err = ix.db.ExecContext(ctx, query,
		req.ID, req.ProposalID, string(req.State), req.RequiredApprovers,
		req.CreatedAt.UTC().Format(time.RFC3339Nano),
		req.ExpiresAt.UTC().Format(time.RFC3339Nano),
		votes)
	if err != nil {
		return fault.Wrap(fault.Internal, "approval index put", err)
	}
	return nil
}

// List queries rows matching the filter, newest first.
func (ix *Index) List(ctx context.Context, f Filter) ([]contracts.ApprovalRequest, error) {
	query := `SELECT id, proposal_id, state, required_approvers, created_at, expires_at, votes FROM approvals`
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.ProposalID != "" {
		where = append(where, "proposal_id = ?")
		args = append(args, f.ProposalID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []approvalRow
	if err := ix.db.SelectContext(ctx, &rows, ix.db.Rebind(query), args...); err != nil {
		return nil, fault.Wrap(fault.Internal, "approval index list", err)
	}

	out := make([]contracts.ApprovalRequest, 0, len(rows))
	for _, r := range rows {
		req, err := r.toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (r approvalRow) toRequest() (contracts.ApprovalRequest, error) {
	var zero contracts.ApprovalRequest
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return zero, fault.Wrap(fault.Internal, "approval index created_at", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return zero, fault.Wrap(fault.Internal, "approval index expires_at", err)
	}
	req := contracts.ApprovalRequest{
		ID:                r.ID,
		ProposalID:        r.ProposalID,
		RequiredApprovers: r.RequiredApprovers,
		State:             contracts.ApprovalState(r.State),
		CreatedAt:         createdAt,
		ExpiresAt:         expiresAt,
	}
	if len(r.Votes) > 0 {
		if err := json.Unmarshal(r.Votes, &req.Approvals); err != nil {
			return zero, fault.Wrap(fault.Internal, "approval index votes", err)
		}
	}
	return req, nil
}

// Reset wipes the table ahead of a rebuild.
func (ix *Index) Reset(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM approvals`); err != nil {
		return fault.Wrap(fault.Internal, "approval index reset", err)
	}
	ix.stale.Store(false)
	return nil
}

// Stale reports whether a write or query has failed since the last reset.
func (ix *Index) Stale() bool {
	return ix.stale.Load()
}

func (ix *Index) markStale() {
	ix.stale.Store(true)
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}
