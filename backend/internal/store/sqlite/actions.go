package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Actions implements store.Actions.
type Actions struct{ db *DB }

func NewActions(db *DB) *Actions { return &Actions{db: db} }

func (s *Actions) Create(ctx context.Context, a *model.Action) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO actions (id, thread_id, run_id, kind, payload, status, created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		a.ID, a.ThreadID, a.RunID, a.Kind, a.Payload, a.Status, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}
	return nil
}

func (s *Actions) Get(ctx context.Context, id string) (*model.Action, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, thread_id, run_id, kind, payload, status, created_at, applied_at
		FROM actions WHERE id = ?`, id)
	var a model.Action
	var created string
	var applied sql.NullString
	if err := row.Scan(&a.ID, &a.ThreadID, &a.RunID, &a.Kind, &a.Payload, &a.Status, &created, &applied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if applied.Valid {
		t, _ := time.Parse(time.RFC3339Nano, applied.String)
		a.AppliedAt = &t
	}
	return &a, nil
}

func (s *Actions) ListByThread(ctx context.Context, threadID string) ([]*model.Action, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, thread_id, run_id, kind, payload, status, created_at, applied_at
		FROM actions WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var out []*model.Action
	for rows.Next() {
		var a model.Action
		var created string
		var applied sql.NullString
		if err := rows.Scan(&a.ID, &a.ThreadID, &a.RunID, &a.Kind, &a.Payload, &a.Status, &created, &applied); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if applied.Valid {
			t, _ := time.Parse(time.RFC3339Nano, applied.String)
			a.AppliedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Actions) UpdateStatus(ctx context.Context, id string, status model.ActionStatus) error {
	var appliedAt any
	if status == model.ActionApplied {
		appliedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE actions SET status = ?, applied_at = COALESCE(?, applied_at) WHERE id = ?`,
		status, appliedAt, id)
	if err != nil {
		return fmt.Errorf("updating action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s not found", id)
	}
	return nil
}

const ledgerCols = "id, action_id, thread_id, action_kind, action_payload, decision, reason, applied_at, undo_payload, undone_at, error, created_at"

func (s *Actions) AppendLedger(ctx context.Context, e *model.ActionLedgerEntry) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO action_ledger (id, action_id, thread_id, action_kind, action_payload, decision, reason, applied_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActionID, e.ThreadID, e.ActionKind, e.ActionPayload, e.Decision, e.Reason,
		e.AppliedAt.UTC().Format(time.RFC3339Nano), e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

func scanLedger(row interface{ Scan(...any) error }) (*model.ActionLedgerEntry, error) {
	var e model.ActionLedgerEntry
	var applied, created string
	var undone sql.NullString
	if err := row.Scan(&e.ID, &e.ActionID, &e.ThreadID, &e.ActionKind, &e.ActionPayload,
		&e.Decision, &e.Reason, &applied, &e.UndoPayload, &undone, &e.Error, &created); err != nil {
		return nil, err
	}
	e.AppliedAt, _ = time.Parse(time.RFC3339Nano, applied)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if undone.Valid {
		t, _ := time.Parse(time.RFC3339Nano, undone.String)
		e.UndoneAt = &t
	}
	return &e, nil
}

func (s *Actions) GetLedger(ctx context.Context, id string) (*model.ActionLedgerEntry, error) {
	row := s.db.sql.QueryRowContext(ctx, "SELECT "+ledgerCols+" FROM action_ledger WHERE id = ?", id)
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *Actions) ListLedger(ctx context.Context, threadID string) ([]*model.ActionLedgerEntry, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT "+ledgerCols+" FROM action_ledger WHERE thread_id = ? ORDER BY created_at ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	defer rows.Close()

	var out []*model.ActionLedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Undo marks a ledger entry undone in place. It never rewrites applied_at or
// action_payload, keeping the ledger append-only.
func (s *Actions) Undo(ctx context.Context, ledgerID, undoPayload string) error {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE action_ledger SET undo_payload = ?, undone_at = ? WHERE id = ? AND undone_at IS NULL`,
		undoPayload, time.Now().UTC().Format(time.RFC3339Nano), ledgerID)
	if err != nil {
		return fmt.Errorf("undoing ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger entry %s not found or already undone", ledgerID)
	}
	return nil
}
