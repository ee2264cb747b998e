package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// PendingSends implements store.PendingSends.
type PendingSends struct{ db *DB }

func NewPendingSends(db *DB) *PendingSends { return &PendingSends{db: db} }

func (s *PendingSends) Create(ctx context.Context, p *model.PendingSend) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO pending_sends (id, thread_id, text, reason, status, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ThreadID, p.Text, p.Reason, p.Status, p.Key, p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting pending send: %w", err)
	}
	return nil
}

const pendingSendCols = `id, thread_id, text, reason, status, dedupe_key, created_at`

func (s *PendingSends) Get(ctx context.Context, id string) (*model.PendingSend, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+pendingSendCols+` FROM pending_sends WHERE id = ?`, id)
	return scanPendingSend(row)
}

// FindWaitingByKey returns the most recently parked waiting row for
// (threadID, key), or nil if none exists.
func (s *PendingSends) FindWaitingByKey(ctx context.Context, threadID, key string) (*model.PendingSend, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT `+pendingSendCols+` FROM pending_sends
		WHERE thread_id = ? AND dedupe_key = ? AND status = 'waiting'
		ORDER BY created_at DESC LIMIT 1`, threadID, key)
	return scanPendingSend(row)
}

func scanPendingSend(row *sql.Row) (*model.PendingSend, error) {
	var p model.PendingSend
	var created string
	if err := row.Scan(&p.ID, &p.ThreadID, &p.Text, &p.Reason, &p.Status, &p.Key, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &p, nil
}

// HasWaiting reports whether threadID has any pending send still awaiting
// approval.
func (s *PendingSends) HasWaiting(ctx context.Context, threadID string) (bool, error) {
	var n int
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pending_sends WHERE thread_id = ? AND status = 'waiting'`, threadID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking for waiting pending sends: %w", err)
	}
	return n > 0, nil
}

func (s *PendingSends) Cancel(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.PendingSendCanceled)
}

func (s *PendingSends) Approve(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.PendingSendApproved)
}

func (s *PendingSends) setStatus(ctx context.Context, id string, status model.PendingSendStatus) error {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE pending_sends SET status = ? WHERE id = ? AND status = 'waiting'`, status, id)
	if err != nil {
		return fmt.Errorf("updating pending send: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending send %s not found or already resolved", id)
	}
	return nil
}
