// Package gate implements the Pending-Send Gate (§4.J): when a user message
// requires write or non-trivial network access and the submission lacks the
// matching confirmation flags, the Gate parks the message as a Pending Send
// and returns a typed approval-required result instead of raising an error
// for ordinary control flow — the explicit-Result pattern this spec's
// design notes call for in place of exception-driven approval gating.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/ksid"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
)

// Confirmations names which gated capabilities the caller has explicitly
// acknowledged for this submission.
type Confirmations struct {
	Write            bool
	NetworkAllowlist bool
}

// Missing returns which confirmations access requires that c does not grant.
func (c Confirmations) Missing(access policy.Access) (write, networkAllowlist bool) {
	needsWrite := access.Filesystem == policy.FilesystemReadWrite || access.CLI == policy.CLIReadWrite
	needsNetwork := access.Network != "" && access.Network != policy.NetworkNone && access.Network != policy.NetworkLocalhost
	return needsWrite && !c.Write, needsNetwork && !c.NetworkAllowlist
}

// Result is the outcome of Submit: either the message is enqueued, or it is
// parked pending approval. Callers switch on Enqueued rather than on an
// error type.
type Result struct {
	Enqueued       bool
	PendingSendID  string
	RequiresWrite  bool
	RequiresNetwork bool
}

// Gate persists pending sends and resolves/cancels them.
type Gate struct {
	PendingSends store.PendingSends
}

// pendingKey identifies a pending send for auto-resolution: a later
// identical submission (same thread, content, context depth, and access
// triple) auto-resolves an earlier parked copy, rather than requiring the
// client to separately track and echo back the pending send's id.
func pendingKey(text, contextDepth string, access policy.Access) string {
	return fmt.Sprintf("%s\x1f%s\x1f%s\x1f%s\x1f%s", text, contextDepth, access.Filesystem, access.CLI, access.Network)
}

// Submit evaluates whether text can be enqueued immediately given access
// and the caller's confirmations. If confirmations are missing, it persists
// a Pending Send keyed on (threadID, text, contextDepth, access) and returns
// Result{Enqueued: false, ...}. If confirmations are already satisfied and a
// prior pending send with an identical key is still waiting, it is resolved
// (Approve) as part of this call, so a client that simply resubmits the
// identical message with confirmations now set — without tracking the
// earlier 409's pending id — still auto-resolves the parked row.
func (g *Gate) Submit(ctx context.Context, threadID, text, contextDepth string, access policy.Access, confirm Confirmations) (Result, error) {
	key := pendingKey(text, contextDepth, access)
	write, network := confirm.Missing(access)
	if !write && !network {
		existing, err := g.PendingSends.FindWaitingByKey(ctx, threadID, key)
		if err != nil {
			return Result{}, fmt.Errorf("looking up pending send: %w", err)
		}
		if existing != nil {
			if err := g.PendingSends.Approve(ctx, existing.ID); err != nil {
				return Result{}, fmt.Errorf("resolving pending send: %w", err)
			}
		}
		return Result{Enqueued: true}, nil
	}

	reason := confirmationReason(write, network)
	p := &model.PendingSend{
		ID:        ksid.NewID().String(),
		ThreadID:  threadID,
		Text:      text,
		Reason:    reason,
		Key:       key,
		Status:    model.PendingSendWaiting,
		CreatedAt: time.Now(),
	}
	if err := g.PendingSends.Create(ctx, p); err != nil {
		return Result{}, fmt.Errorf("persisting pending send: %w", err)
	}
	return Result{
		Enqueued:        false,
		PendingSendID:   p.ID,
		RequiresWrite:   write,
		RequiresNetwork: network,
	}, nil
}

// Cancel cancels a pending send by id.
func (g *Gate) Cancel(ctx context.Context, id string) error {
	return g.PendingSends.Cancel(ctx, id)
}

func confirmationReason(write, network bool) string {
	switch {
	case write && network:
		return "requires write and network confirmation"
	case write:
		return "requires write confirmation"
	case network:
		return "requires network confirmation"
	default:
		return ""
	}
}
