// Package dto holds the request/response shapes of the chat-run HTTP API
// (§6), kept separate from internal/model so storage fields (sequence
// numbers, internal snapshots) never leak into the wire contract and so the
// API can evolve independently of the persisted schema. Grounded on the
// ancestor server's dto package (internal/server/dto), which draws the same
// line between wire types and the Validatable interface every request body
// implements.
package dto

import (
	"github.com/chatrun/chatrun/backend/internal/advisor"
	"github.com/chatrun/chatrun/backend/internal/gate"
	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
)

// Validatable is implemented by every request body type.
type Validatable interface {
	Validate() error
}

// EmptyReq is used for endpoints that take no request body.
type EmptyReq struct{}

// ThreadSummaryDTO is one row of GET /chat/threads: the thread plus a
// derived attention flag so the UI can badge threads needing the user.
type ThreadSummaryDTO struct {
	*model.Thread
	NeedsAttention bool `json:"needsAttention"`
}

// ListThreadsResp is the response body of GET /chat/threads.
type ListThreadsResp struct {
	Threads []ThreadSummaryDTO `json:"threads"`
}

// CreateThreadReq is the request body of POST /chat/threads. Scope,
// ProjectID, and WorkorderID together are the identity descriptor §3
// defines; creating a thread is ensureThread (idempotent upsert), so
// submitting the same scope descriptor twice returns the first thread both
// times rather than minting a second one. Project/Slug locate the git
// repository a project/workorder-scoped thread operates against; a
// global-scoped thread needs neither, since it never owns a worktree.
type CreateThreadReq struct {
	Scope               model.ThreadScope `json:"scope"`
	ProjectID           string            `json:"projectId,omitempty"`
	WorkorderID         string            `json:"workorderId,omitempty"`
	Portfolio           string            `json:"portfolio"`
	Project             string            `json:"project"`
	Slug                string            `json:"slug"`
	Title               string            `json:"title"`
	DefaultContextDepth string            `json:"defaultContextDepth"`
	DefaultAccess       policy.Access     `json:"defaultAccess"`
}

// GetThreadReq is the request for GET /chat/threads/{id}.
type GetThreadReq struct {
	ThreadID string `json:"-" path:"id"`
}

// PatchThreadReq is the request body of PATCH /chat/threads/{id}. Nil fields
// are left unchanged; Archived=true triggers worktree cleanup.
type PatchThreadReq struct {
	ThreadID string  `json:"-" path:"id"`
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// ThreadDetailResp is the response body of GET /chat/threads/{id}.
type ThreadDetailResp struct {
	Thread   *model.Thread               `json:"thread"`
	Messages []*model.Message            `json:"messages"`
	Actions  []*model.Action             `json:"actions"`
	Ledger   []*model.ActionLedgerEntry  `json:"ledger"`
}

// SendMessageReq is the request body of POST /chat/threads/{id}/messages.
// There is no pending-send id field: resubmitting the identical content,
// context depth, and access with confirmations now set auto-resolves an
// earlier parked pending send by content match (§3's Pending Send key), so
// the client never needs to track one across the 409/retry round trip.
type SendMessageReq struct {
	ThreadID      string             `json:"-" path:"id"`
	Content       string             `json:"content"`
	ContextDepth  string             `json:"contextDepth,omitempty"`
	Access        *policy.Access     `json:"access,omitempty"`
	Confirmations gate.Confirmations `json:"confirmations"`
}

// SendMessageResp is the response body when a message was enqueued
// (201). When it instead requires approval the handler writes
// ApprovalRequiredError (409) rather than this body.
type SendMessageResp struct {
	RunID string `json:"runId"`
}

// SuggestReq is the request body of POST /chat/threads/{id}/suggestions.
type SuggestReq struct {
	ThreadID     string         `json:"-" path:"id"`
	Message      string         `json:"message"`
	Access       policy.Access  `json:"access"`
	ContextDepth string         `json:"contextDepth"`
}

// SuggestResp is the response body of POST /chat/threads/{id}/suggestions.
type SuggestResp struct {
	*advisor.Suggestion
}

// CancelPendingSendReq is the request body of
// POST /chat/threads/{id}/pending-sends/{pid}/cancel.
type CancelPendingSendReq struct {
	ThreadID  string `json:"-" path:"id"`
	PendingID string `json:"-" path:"pid"`
}

// DiffResp is the response body of GET /chat/threads/{id}/worktree/diff.
type DiffResp struct {
	Diff string `json:"diff"`
}

// GetThreadDiffReq is the request for GET /chat/threads/{id}/worktree/diff.
type GetThreadDiffReq struct {
	ThreadID string `json:"-" path:"id"`
}

// GetRunReq is the request for GET /chat/runs/{id}.
type GetRunReq struct {
	RunID string `json:"-" path:"id"`
}

// RunDetailResp is the response body of GET /chat/runs/{id}.
type RunDetailResp struct {
	Run      *model.Run          `json:"run"`
	Commands []*model.RunCommand `json:"commands"`
	LogTail  string               `json:"logTail"`
}

// ApplyActionReq is the request body of POST /chat/actions/apply.
type ApplyActionReq struct {
	ActionID string `json:"actionId"`
}

// ApplyActionResp is the response body of POST /chat/actions/apply.
type ApplyActionResp struct {
	LedgerID string `json:"ledgerId"`
}

// UndoActionReq is the request body of POST /chat/actions/{id}/undo, where
// {id} is a ledger entry id, not an action id (an applied action is
// identified by its ledger record for undo purposes).
type UndoActionReq struct {
	LedgerID string `json:"-" path:"id"`
}

// UndoActionResp is the response body of POST /chat/actions/{id}/undo.
type UndoActionResp struct {
	Undone bool `json:"undone"`
}
