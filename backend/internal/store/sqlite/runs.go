package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Runs implements store.Runs.
type Runs struct{ db *DB }

func NewRuns(db *DB) *Runs { return &Runs{db: db} }

func (s *Runs) Create(ctx context.Context, r *model.Run) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, state, prompt, harness, context_depth, access_json, cwd, log_path, error, num_turns, duration_ms, queued_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, NULL, NULL)`,
		r.ID, r.ThreadID, r.State, r.Prompt, r.Harness, r.ContextDepth, r.AccessJSON, r.CWD, r.LogPath,
		r.QueuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *Runs) Get(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.sql.QueryRowContext(ctx, selectRunCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Runs) ListByThread(ctx context.Context, threadID string) ([]*model.Run, error) {
	rows, err := s.db.sql.QueryContext(ctx, selectRunCols+` FROM runs WHERE thread_id = ? ORDER BY queued_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the oldest queued run for threadID, enforcing
// the at-most-one-running-per-thread invariant with a single UPDATE...
// RETURNING statement: the subquery picks the candidate row and the outer
// UPDATE's WHERE clause re-checks state = 'queued' and that no run of the
// thread is already running at the moment of the write, so two workers racing to claim the same run can never both
// succeed — sqlite's writer lock serializes the statement, and the second
// writer's subquery sees the row already flipped to "running" and claims
// nothing.
func (s *Runs) ClaimNext(ctx context.Context, threadID string) (*model.Run, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.sql.QueryRowContext(ctx, `
		UPDATE runs SET state = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM runs
			WHERE thread_id = ? AND state = 'queued'
			ORDER BY queued_at ASC LIMIT 1
		) AND state = 'queued'
		AND NOT EXISTS (SELECT 1 FROM runs WHERE thread_id = ? AND state = 'running')
		RETURNING `+runCols+`
	`,
		now, threadID, threadID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming run: %w", err)
	}
	return r, nil
}

func (s *Runs) Finish(ctx context.Context, id string, state model.RunState, errMsg string, numTurns int, durationMs int64) error {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, num_turns = ?, duration_ms = ?, ended_at = ?
		WHERE id = ?`,
		state, errMsg, numTurns, durationMs, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RequeueOrphaned transitions every run stuck in "running" back to "queued".
// Called once at startup: a run left running means the process restarted
// (or crashed) mid-execution, and the agent subprocess driving it is gone.
func (s *Runs) RequeueOrphaned(ctx context.Context) (int, error) {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE runs SET state = 'queued', started_at = NULL WHERE state = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("requeuing orphaned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FailOrphaned transitions every run stuck in "running" to "failed". Used
// instead of RequeueOrphaned when the operator has opted into a clean-slate
// restart: a run left running survived its worker, so there is no process
// left to resume it.
func (s *Runs) FailOrphaned(ctx context.Context) (int, error) {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE runs SET state = 'failed', error = ?, ended_at = ? WHERE state = 'running'`,
		"orphaned by server restart", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failing orphaned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AppendCommand inserts c, assigning Seq if the caller left it unset (0) to
// one past the highest seq already recorded for the run, so that even a
// caller that doesn't track its own counter still gets the contiguous
// [1..n] insertion order §8 Testable Property 6 requires.
func (s *Runs) AppendCommand(ctx context.Context, c *model.RunCommand) error {
	if c.Seq == 0 {
		row := s.db.sql.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM run_commands WHERE run_id = ?`, c.RunID)
		if err := row.Scan(&c.Seq); err != nil {
			return fmt.Errorf("assigning run command seq: %w", err)
		}
	}
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO run_commands (id, run_id, seq, argv, cwd, allowed, reason, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.Seq, strings.Join(c.Argv, "\x1f"), c.CWD, c.Allowed, c.Reason, c.ExitCode,
		c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("appending run command: %w", err)
	}
	return nil
}

func (s *Runs) ListCommands(ctx context.Context, runID string) ([]*model.RunCommand, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, run_id, seq, argv, cwd, allowed, reason, exit_code, created_at
		FROM run_commands WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run commands: %w", err)
	}
	defer rows.Close()

	var out []*model.RunCommand
	for rows.Next() {
		var c model.RunCommand
		var argv, created string
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &argv, &c.CWD, &c.Allowed, &c.Reason, &c.ExitCode, &created); err != nil {
			return nil, err
		}
		c.Argv = strings.Split(argv, "\x1f")
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

const runCols = `id, thread_id, state, prompt, harness, context_depth, access_json, cwd, log_path, error, num_turns, duration_ms, queued_at, started_at, ended_at`

const selectRunCols = `SELECT ` + runCols

func scanRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	var queued string
	var started, ended sql.NullString
	if err := row.Scan(&r.ID, &r.ThreadID, &r.State, &r.Prompt, &r.Harness,
		&r.ContextDepth, &r.AccessJSON, &r.CWD, &r.LogPath, &r.Error,
		&r.NumTurns, &r.DurationMs, &queued, &started, &ended); err != nil {
		return nil, err
	}
	r.QueuedAt, _ = time.Parse(time.RFC3339Nano, queued)
	if started.Valid {
		t, _ := time.Parse(time.RFC3339Nano, started.String)
		r.StartedAt = &t
	}
	if ended.Valid {
		t, _ := time.Parse(time.RFC3339Nano, ended.String)
		r.EndedAt = &t
	}
	return &r, nil
}
