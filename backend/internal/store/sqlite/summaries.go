package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Summaries implements store.Summaries.
type Summaries struct{ db *DB }

func NewSummaries(db *DB) *Summaries { return &Summaries{db: db} }

func (s *Summaries) Latest(ctx context.Context, threadID string) (*model.ThreadSummary, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, thread_id, up_to_message_id, text, messages_folded, created_at
		FROM thread_summaries WHERE thread_id = ? ORDER BY created_at DESC LIMIT 1`, threadID)
	var sm model.ThreadSummary
	var created string
	if err := row.Scan(&sm.ID, &sm.ThreadID, &sm.UpToMessageID, &sm.Text, &sm.MessagesFolded, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &sm, nil
}

func (s *Summaries) Create(ctx context.Context, sm *model.ThreadSummary) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO thread_summaries (id, thread_id, up_to_message_id, text, messages_folded, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.ThreadID, sm.UpToMessageID, sm.Text, sm.MessagesFolded,
		sm.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting summary: %w", err)
	}
	return nil
}
