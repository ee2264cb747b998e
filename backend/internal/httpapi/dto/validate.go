// Request validation methods, kept in their own file as the ancestor
// server's dto/validate.go does, separate from the type declarations.
package dto

import "github.com/chatrun/chatrun/backend/internal/model"

// Validate is a no-op for empty requests.
func (EmptyReq) Validate() error { return nil }

// Validate checks the required fields for creating a thread, including the
// scope↔(projectId, workorderId) consistency invariant §3 requires: a
// global thread owns neither id, a project thread owns a projectId, and a
// workorder thread owns a workorderId (optionally alongside the projectId
// of the project it belongs to).
func (r *CreateThreadReq) Validate() error {
	if r.Portfolio == "" {
		return BadRequest("portfolio is required")
	}
	switch r.Scope {
	case "", model.ScopeProject:
		r.Scope = model.ScopeProject
		if r.ProjectID == "" {
			return BadRequest("projectId is required for a project-scoped thread")
		}
		if r.WorkorderID != "" {
			return BadRequest("workorderId must be empty for a project-scoped thread")
		}
	case model.ScopeWorkorder:
		if r.WorkorderID == "" {
			return BadRequest("workorderId is required for a workorder-scoped thread")
		}
	case model.ScopeGlobal:
		if r.ProjectID != "" || r.WorkorderID != "" {
			return BadRequest("a global-scoped thread must not carry a projectId or workorderId")
		}
	default:
		return BadRequest("unknown scope: " + string(r.Scope))
	}
	if r.Scope != model.ScopeGlobal {
		if r.Project == "" {
			return BadRequest("project is required")
		}
		if r.Slug == "" {
			return BadRequest("slug is required")
		}
	}
	return nil
}

// Validate is a no-op for path-only requests.
func (r *GetThreadReq) Validate() error { return nil }

// Validate is a no-op; PatchThreadReq's fields are all optional deltas.
func (r *PatchThreadReq) Validate() error { return nil }

// Validate checks that a message has content. It does not check the access
// triple: trustedHostsConfigured is not known at decode time, so access
// consistency is enforced downstream by the Policy Engine.
func (r *SendMessageReq) Validate() error {
	if r.Content == "" {
		return BadRequest("content is required")
	}
	return nil
}

// Validate checks that a suggestion request carries a message to evaluate.
func (r *SuggestReq) Validate() error {
	if r.Message == "" {
		return BadRequest("message is required")
	}
	return nil
}

// Validate is a no-op for path-only requests.
func (r *CancelPendingSendReq) Validate() error { return nil }

// Validate is a no-op for path-only requests.
func (r *GetThreadDiffReq) Validate() error { return nil }

// Validate is a no-op for path-only requests.
func (r *GetRunReq) Validate() error { return nil }

// Validate checks that an action id was supplied.
func (r *ApplyActionReq) Validate() error {
	if r.ActionID == "" {
		return BadRequest("actionId is required")
	}
	return nil
}

// Validate is a no-op for path-only requests.
func (r *UndoActionReq) Validate() error { return nil }
