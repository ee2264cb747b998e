package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Messages implements store.Messages.
type Messages struct{ db *DB }

func NewMessages(db *DB) *Messages { return &Messages{db: db} }

func (s *Messages) Append(ctx context.Context, m *model.Message) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, run_id, role, text, needs_user_input, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.RunID, m.Role, m.Text, m.NeedsUserInput, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// ListByThread returns the most recent limit messages for threadID in
// chronological order. limit <= 0 means no limit.
func (s *Messages) ListByThread(ctx context.Context, threadID string, limit int) ([]*model.Message, error) {
	query := `SELECT id, thread_id, run_id, role, text, needs_user_input, created_at FROM messages
		WHERE thread_id = ? ORDER BY created_at DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var created string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &m.Role, &m.Text, &m.NeedsUserInput, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse back to chronological order since the query ran newest-first
	// to make LIMIT select the most recent messages.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
