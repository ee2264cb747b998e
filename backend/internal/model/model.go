// Package model defines the persisted data model shared by every component:
// threads, messages, actions, runs, pending sends and thread summaries.
// Types here are storage-agnostic; internal/store defines how they are
// persisted.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ThreadState is the lifecycle state of a chat thread.
type ThreadState string

const (
	ThreadActive   ThreadState = "active"
	ThreadArchived ThreadState = "archived"
)

// ThreadScope is the ownership level a thread is rooted at (§3). It is half
// of a thread's identity: (scope, project_id?, workorder_id?) together yield
// a deterministic thread id, so creating a thread twice for the same scope
// descriptor is idempotent rather than minting a second row.
type ThreadScope string

const (
	ScopeGlobal    ThreadScope = "global"
	ScopeProject   ThreadScope = "project"
	ScopeWorkorder ThreadScope = "workorder"
)

// ThreadID derives the deterministic identity for a scope descriptor (§3).
// The same (scope, projectID, workorderID) triple always yields the same
// id, which is what makes ensureThread (store.Threads.Ensure) a true
// idempotent upsert instead of an insert keyed by a freshly minted random
// id: calling it twice for the same scope returns the same row both times.
func ThreadID(scope ThreadScope, projectID, workorderID string) string {
	h := sha256.Sum256([]byte(string(scope) + "\x1f" + projectID + "\x1f" + workorderID))
	return "thr_" + hex.EncodeToString(h[:])[:24]
}

// Thread is a single chat conversation bound to one project worktree.
// Scope/ProjectID/WorkorderID are the identity descriptor §3 defines;
// Portfolio/Project/Slug locate the git repository and worktree a
// project/workorder-scoped thread operates against. DefaultContextDepth and
// DefaultAccessJSON seed every run enqueued from this thread that doesn't
// override them explicitly (§3: "default access triple ... default context
// depth"). PendingChanges mirrors the worktree manager's last observed
// status so thread listings don't need a git call per row; it is refreshed
// whenever a turn completes.
//
// Invariant: Scope must be consistent with which of ProjectID/WorkorderID is
// set (global: neither; project: ProjectID only; workorder: WorkorderID,
// optionally alongside its owning ProjectID), and a global-scoped thread
// never owns a worktree (Branch stays empty).
type Thread struct {
	ID                  string      `json:"id"`
	Scope               ThreadScope `json:"scope"`
	ProjectID           string      `json:"projectId,omitempty"`
	WorkorderID         string      `json:"workorderId,omitempty"`
	Portfolio           string      `json:"portfolio"`
	Project             string      `json:"project"`
	Slug                string      `json:"slug"`
	Branch              string      `json:"branch"`
	BaseBranch          string      `json:"baseBranch"`
	Title               string      `json:"title"`
	State               ThreadState `json:"state"`
	DefaultContextDepth string      `json:"defaultContextDepth"`
	DefaultAccessJSON   string      `json:"defaultAccessJson"`
	PendingChanges      bool        `json:"pendingChanges"`
	LastAckAt           *time.Time  `json:"lastAckAt,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one turn of conversation in a thread.
type Message struct {
	ID             string      `json:"id"`
	ThreadID       string      `json:"threadId"`
	RunID          string      `json:"runId,omitempty"`
	Role           MessageRole `json:"role"`
	Text           string      `json:"text"`
	NeedsUserInput bool        `json:"needsUserInput,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ActionKind enumerates the mutating actions an agent run can propose. The
// set is finite and fixed (§6). The Turn Orchestrator persists a proposed
// action's kind and payload as given: it checks neither the kind against
// this set nor the payload's shape.
// ActionWorktreeMerge is the only kind the core itself executes (via
// internal/worktree); the rest describe mutations owned by the surrounding
// project/work-order collaborators this core's non-goals place out of
// scope, and are recorded into the ledger without the core performing the
// underlying state change.
type ActionKind string

const (
	ActionProjectSetStar     ActionKind = "project_set_star"
	ActionProjectSetHidden   ActionKind = "project_set_hidden"
	ActionProjectSetSuccess  ActionKind = "project_set_success"
	ActionWorkOrderCreate    ActionKind = "work_order_create"
	ActionWorkOrderUpdate    ActionKind = "work_order_update"
	ActionWorkOrderSetStatus ActionKind = "work_order_set_status"
	ActionReposRescan        ActionKind = "repos_rescan"
	ActionWorkOrderStartRun  ActionKind = "work_order_start_run"
	ActionWorktreeMerge      ActionKind = "worktree_merge"
)

// ActionStatus tracks an action through the approval/apply lifecycle.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApplied  ActionStatus = "applied"
	ActionUndone   ActionStatus = "undone"
	ActionRejected ActionStatus = "rejected"
)

// Action is a proposed or applied mutation against a thread's worktree.
type Action struct {
	ID        string       `json:"id"`
	ThreadID  string       `json:"threadId"`
	RunID     string       `json:"runId,omitempty"`
	Kind      ActionKind   `json:"kind"`
	Payload   string       `json:"payload"`
	Status    ActionStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	AppliedAt *time.Time   `json:"appliedAt,omitempty"`
}

// ActionLedgerEntry records an immutable audit trail entry for an action:
// what was decided, by what policy rule, and why. Append-only: Undo sets
// UndoneAt and UndoPayload but never deletes or rewrites AppliedAt or
// ActionPayload.
type ActionLedgerEntry struct {
	ID            string     `json:"id"`
	ActionID      string     `json:"actionId"`
	ThreadID      string     `json:"threadId"`
	ActionKind    ActionKind `json:"actionKind"`
	ActionPayload string     `json:"actionPayload"`
	Decision      string     `json:"decision"` // "allow" | "deny"
	Reason        string     `json:"reason"`
	AppliedAt     time.Time  `json:"appliedAt"`
	UndoPayload   string     `json:"undoPayload,omitempty"`
	UndoneAt      *time.Time `json:"undoneAt,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// RunState is the lifecycle state of a scheduled agent run.
type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunDone    RunState = "done"
	RunFailed  RunState = "failed"
)

// Run is one scheduled invocation of the agent process driver against a
// thread's worktree. ContextDepth and AccessJSON are snapshotted at
// enqueue time so a later change to a thread's defaults never alters a
// run already queued or in flight.
type Run struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"threadId"`
	State        RunState   `json:"state"`
	Prompt       string     `json:"prompt"`
	Harness      string     `json:"harness"`
	ContextDepth string     `json:"contextDepth"`
	AccessJSON   string     `json:"accessJson"`
	CWD          string     `json:"cwd,omitempty"`
	LogPath      string     `json:"logPath,omitempty"`
	Error        string     `json:"error,omitempty"`
	NumTurns     int        `json:"numTurns"`
	DurationMs   int64      `json:"durationMs"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// RunCommand is one shell command the agent process driver executed or
// attempted during a run, recorded for the policy/safety audit trail. Seq is
// the 1-based, contiguous, per-run insertion order (§8 Testable Property 6:
// "seq values are the contiguous range [1..n] in insertion order"). CWD is
// the worktree directory the command ran in, snapshotted per command rather
// than assumed from the run since a run's CWD is only known once its
// worktree is resolved.
type RunCommand struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Seq       int       `json:"seq"`
	Argv      []string  `json:"argv"`
	CWD       string    `json:"cwd,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingSendStatus tracks a gated outbound message through approval.
type PendingSendStatus string

const (
	PendingSendWaiting  PendingSendStatus = "waiting"
	PendingSendApproved PendingSendStatus = "approved"
	PendingSendCanceled PendingSendStatus = "canceled"
)

// PendingSend is a message held by the Pending-Send Gate awaiting explicit
// user approval before being enqueued as a run. Key is the dedupe key
// (thread, content, context_depth, access triple) §3 defines: a later
// identical submission looks up a waiting row by this key and auto-resolves
// it instead of requiring the caller to echo back an opaque id.
type PendingSend struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"threadId"`
	Text      string            `json:"text"`
	Reason    string            `json:"reason"`
	Key       string            `json:"-"`
	Status    PendingSendStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ThreadSummary is a rolling compression of a thread's older messages,
// produced once the message count crosses the chunking threshold.
type ThreadSummary struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"threadId"`
	UpToMessageID  string    `json:"upToMessageId"`
	Text           string    `json:"text"`
	MessagesFolded int       `json:"messagesFolded"`
	CreatedAt      time.Time `json:"createdAt"`
}
