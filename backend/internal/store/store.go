// Package store defines the persistence interfaces for every entity in the
// data model. internal/store/sqlite provides the only implementation; the
// interfaces exist so the scheduler, policy engine, and HTTP layer depend on
// behavior, not on a concrete driver.
package store

import (
	"context"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// Threads persists chat threads.
type Threads interface {
	Create(ctx context.Context, t *model.Thread) error

	// Ensure is the ancestor store's ensureThread contract (§4.A): an
	// idempotent upsert keyed by t's scope descriptor (Scope, ProjectID,
	// WorkorderID), ignoring t.ID. A second call with the same scope
	// descriptor returns the first call's row unchanged.
	Ensure(ctx context.Context, t *model.Thread) (*model.Thread, error)

	Get(ctx context.Context, id string) (*model.Thread, error)
	List(ctx context.Context, portfolio string) ([]*model.Thread, error)

	// ListActive returns every non-archived thread across all portfolios,
	// for startup recovery to walk when reclaiming orphaned runs.
	ListActive(ctx context.Context) ([]*model.Thread, error)

	Update(ctx context.Context, t *model.Thread) error
}

// Messages persists chat messages.
type Messages interface {
	Append(ctx context.Context, m *model.Message) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]*model.Message, error)
}

// Actions persists proposed and applied mutations plus their ledger entries.
type Actions interface {
	Create(ctx context.Context, a *model.Action) error
	Get(ctx context.Context, id string) (*model.Action, error)
	ListByThread(ctx context.Context, threadID string) ([]*model.Action, error)
	UpdateStatus(ctx context.Context, id string, status model.ActionStatus) error
	AppendLedger(ctx context.Context, e *model.ActionLedgerEntry) error
	ListLedger(ctx context.Context, threadID string) ([]*model.ActionLedgerEntry, error)
	GetLedger(ctx context.Context, id string) (*model.ActionLedgerEntry, error)

	// Undo marks a ledger entry undone in place, recording undoPayload and
	// the current time as UndoneAt. AppliedAt and ActionPayload are never
	// rewritten; the ledger stays append-only.
	Undo(ctx context.Context, ledgerID, undoPayload string) error
}

// Runs persists scheduled agent runs and the commands they issued.
type Runs interface {
	Create(ctx context.Context, r *model.Run) error
	Get(ctx context.Context, id string) (*model.Run, error)
	ListByThread(ctx context.Context, threadID string) ([]*model.Run, error)

	// ClaimNext atomically claims the oldest queued run for threadID and
	// transitions it to running, returning nil with no error if none is
	// queued. The claim must be a single statement so concurrent workers
	// never double-claim the same run.
	ClaimNext(ctx context.Context, threadID string) (*model.Run, error)

	Finish(ctx context.Context, id string, state model.RunState, errMsg string, numTurns int, durationMs int64) error

	// RequeueOrphaned transitions every run left in "running" state back to
	// "queued", used on startup to recover from an unclean shutdown.
	RequeueOrphaned(ctx context.Context) (int, error)

	// FailOrphaned transitions every run left in "running" state to
	// "failed", the clean-slate alternative to RequeueOrphaned for
	// operators who would rather see an in-progress run surfaced as a
	// failure than silently relaunched after a restart.
	FailOrphaned(ctx context.Context) (int, error)

	AppendCommand(ctx context.Context, c *model.RunCommand) error
	ListCommands(ctx context.Context, runID string) ([]*model.RunCommand, error)
}

// PendingSends persists gated outbound messages.
type PendingSends interface {
	Create(ctx context.Context, p *model.PendingSend) error
	Get(ctx context.Context, id string) (*model.PendingSend, error)

	// FindWaitingByKey returns the waiting pending send for threadID with
	// the given dedupe key, or nil if none is parked under it. Used to
	// auto-resolve a pending send on an identical resubmission.
	FindWaitingByKey(ctx context.Context, threadID, key string) (*model.PendingSend, error)

	// HasWaiting reports whether threadID has any pending send still
	// awaiting approval.
	HasWaiting(ctx context.Context, threadID string) (bool, error)

	Cancel(ctx context.Context, id string) error
	Approve(ctx context.Context, id string) error
}

// Summaries persists rolling thread summaries.
type Summaries interface {
	Latest(ctx context.Context, threadID string) (*model.ThreadSummary, error)
	Create(ctx context.Context, s *model.ThreadSummary) error
}

// Stores bundles every store interface behind one handle, the way a
// component graph is wired together at startup.
type Stores struct {
	Threads      Threads
	Messages     Messages
	Actions      Actions
	Runs         Runs
	PendingSends PendingSends
	Summaries    Summaries
}
