package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Threads implements store.Threads.
type Threads struct{ db *DB }

func NewThreads(db *DB) *Threads { return &Threads{db: db} }

const threadCols = "id, scope, project_id, workorder_id, portfolio, project, slug, branch, base_branch, title, state, " +
	"default_context_depth, default_access_json, pending_changes, last_ack_at, created_at, updated_at"

func (s *Threads) Create(ctx context.Context, t *model.Thread) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO threads (`+threadCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Scope, t.ProjectID, t.WorkorderID, t.Portfolio, t.Project, t.Slug, t.Branch, t.BaseBranch, t.Title, t.State,
		t.DefaultContextDepth, t.DefaultAccessJSON, t.PendingChanges, nullableTime(t.LastAckAt),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// Ensure implements the ancestor store's ensureThread contract (§4.A): an
// idempotent upsert keyed by t's scope descriptor. t.ID is overwritten with
// the deterministic id derived from (Scope, ProjectID, WorkorderID); if a
// row for that scope already exists, it is returned unchanged and t's
// other fields (defaults the caller proposed) are discarded. The INSERT ...
// ON CONFLICT DO NOTHING plus a follow-up SELECT relies on the same
// single-writer serialization ClaimNext depends on, so two concurrent
// first-use calls for the same scope can never create two rows.
func (s *Threads) Ensure(ctx context.Context, t *model.Thread) (*model.Thread, error) {
	id := model.ThreadID(t.Scope, t.ProjectID, t.WorkorderID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO threads (`+threadCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, t.Scope, t.ProjectID, t.WorkorderID, t.Portfolio, t.Project, t.Slug, t.Branch, t.BaseBranch, t.Title, t.State,
		t.DefaultContextDepth, t.DefaultAccessJSON, t.PendingChanges, nullableTime(t.LastAckAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring thread: %w", err)
	}
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("thread %s missing immediately after ensure", id)
	}
	return existing, nil
}

func (s *Threads) Get(ctx context.Context, id string) (*model.Thread, error) {
	row := s.db.sql.QueryRowContext(ctx, "SELECT "+threadCols+" FROM threads WHERE id = ?", id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Threads) List(ctx context.Context, portfolio string) ([]*model.Thread, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT "+threadCols+" FROM threads WHERE portfolio = ? ORDER BY created_at DESC", portfolio)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var out []*model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActive returns every non-archived thread across all portfolios.
func (s *Threads) ListActive(ctx context.Context) ([]*model.Thread, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT "+threadCols+" FROM threads WHERE state != ? ORDER BY created_at DESC", model.ThreadArchived)
	if err != nil {
		return nil, fmt.Errorf("listing active threads: %w", err)
	}
	defer rows.Close()

	var out []*model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Threads) Update(ctx context.Context, t *model.Thread) error {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE threads SET branch = ?, base_branch = ?, title = ?, state = ?,
			default_context_depth = ?, default_access_json = ?, pending_changes = ?,
			last_ack_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Branch, t.BaseBranch, t.Title, t.State, t.DefaultContextDepth, t.DefaultAccessJSON,
		t.PendingChanges, nullableTime(t.LastAckAt), time.Now().UTC().Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return fmt.Errorf("updating thread: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("thread %s not found", t.ID)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*model.Thread, error) {
	var t model.Thread
	var created, updated string
	var lastAck sql.NullString
	if err := row.Scan(&t.ID, &t.Scope, &t.ProjectID, &t.WorkorderID, &t.Portfolio, &t.Project, &t.Slug,
		&t.Branch, &t.BaseBranch, &t.Title, &t.State, &t.DefaultContextDepth, &t.DefaultAccessJSON,
		&t.PendingChanges, &lastAck, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if lastAck.Valid {
		parsed, _ := time.Parse(time.RFC3339Nano, lastAck.String)
		t.LastAckAt = &parsed
	}
	return &t, nil
}
