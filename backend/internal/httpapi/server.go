// Package httpapi implements the control plane's loopback-only HTTP/JSON
// surface (§6): thread CRUD, message submission through the Pending-Send
// Gate, the Suggestion Advisor, worktree diff and merge, run inspection, the
// action ledger, and an SSE feed off the Event Bus. Grounded on the
// ancestor server's Server/mux/getTask wiring (internal/server/server.go),
// generalized from that server's single task-list domain to this spec's
// thread/run/action domain, and on the same server's handler.go/errors.go
// generics, now living in httpapi/dto and httpapi/handler.go.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chatrun/chatrun/backend/internal/advisor"
	"github.com/chatrun/chatrun/backend/internal/bus"
	"github.com/chatrun/chatrun/backend/internal/gate"
	"github.com/chatrun/chatrun/backend/internal/httpapi/dto"
	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/scheduler"
	"github.com/chatrun/chatrun/backend/internal/store"
	"github.com/chatrun/chatrun/backend/internal/worktree"
	"github.com/maruel/ksid"
)

// Config carries the environment knobs §6 calls out: loopback host, port,
// LAN-allow override, CORS allow list. TrustedHostsConfigured mirrors
// whether a trusted host pack was loaded, consulted by Policy/Advisor.
type Config struct {
	Host                   string
	Port                   int
	AllowLAN               bool
	CORSAllowOrigins       []string
	TrustedHostsConfigured bool
	TrustedHosts           []string
}

// Server wires the chat-run core's components behind the route table in §6.
type Server struct {
	Cfg       Config
	Stores    *store.Stores
	Worktrees *worktree.Manager
	Scheduler *scheduler.Scheduler
	Gate      *gate.Gate
	Advisor   *advisor.Advisor
	Bus       *bus.Bus
}

// Addr is the host:port the server listens on, honoring AllowLAN the way
// the ancestor server's loopback-by-default binding does: absent the
// override, the listener binds 127.0.0.1, never 0.0.0.0.
func (s *Server) Addr() string {
	host := s.Cfg.Host
	if host == "" {
		if s.Cfg.AllowLAN {
			host = "0.0.0.0"
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.Cfg.Port))
}

// Handler builds the complete route table wrapped in compression and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /chat/threads", s.listThreads)
	mux.HandleFunc("POST /chat/threads", handle(s.createThread))
	mux.HandleFunc("GET /chat/threads/{id}", handle(s.getThread))
	mux.HandleFunc("PATCH /chat/threads/{id}", handle(s.patchThread))
	mux.HandleFunc("POST /chat/threads/{id}/messages", handle(s.sendMessage))
	mux.HandleFunc("POST /chat/threads/{id}/suggestions", handle(s.suggest))
	mux.HandleFunc("POST /chat/threads/{id}/pending-sends/{pid}/cancel", handle(s.cancelPendingSend))
	mux.HandleFunc("GET /chat/threads/{id}/worktree/diff", handle(s.threadDiff))
	mux.HandleFunc("GET /chat/runs/{id}", handle(s.getRun))
	mux.HandleFunc("GET /chat/stream", s.streamEvents)
	mux.HandleFunc("POST /chat/actions/apply", handle(s.applyAction))
	mux.HandleFunc("POST /chat/actions/{id}/undo", handle(s.undoAction))

	return compressMiddleware(corsMiddleware(s.Cfg.CORSAllowOrigins, mux))
}

// ListenAndServe starts the HTTP server bound to Addr, shutting down
// cleanly when ctx is canceled, the way the ancestor server's BaseContext
// wiring ties listener lifetime to a caller-owned context.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr(),
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- thread handlers ---

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	portfolio := r.URL.Query().Get("portfolio")
	threads, err := s.Stores.Threads.List(r.Context(), portfolio)
	if err != nil {
		writeError(w, dto.InternalError("listing threads").Wrap(err))
		return
	}
	resp := dto.ListThreadsResp{Threads: make([]dto.ThreadSummaryDTO, 0, len(threads))}
	for _, t := range threads {
		needsAttention, err := s.needsAttention(r.Context(), t)
		if err != nil {
			writeError(w, dto.InternalError("computing attention state").Wrap(err))
			return
		}
		resp.Threads = append(resp.Threads, dto.ThreadSummaryDTO{Thread: t, NeedsAttention: needsAttention})
	}
	writeJSONResponse(w, &resp, nil)
}

// needsAttention reports whether a thread's most recent message is an
// assistant message with needs_user_input set, or it has a waiting pending
// send — the two cases the UI badges per §4.I's attention.updated event.
func (s *Server) needsAttention(ctx context.Context, t *model.Thread) (bool, error) {
	waiting, err := s.Stores.PendingSends.HasWaiting(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if waiting {
		return true, nil
	}
	msgs, err := s.Stores.Messages.ListByThread(ctx, t.ID, 1)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	last := msgs[len(msgs)-1]
	return last.Role == model.RoleAssistant && last.NeedsUserInput, nil
}

func (s *Server) createThread(ctx context.Context, in *dto.CreateThreadReq) (*model.Thread, error) {
	access := in.DefaultAccess
	if access.Filesystem == "" {
		access = defaultThreadAccess
	}
	if verr := access.Validate(s.Cfg.TrustedHostsConfigured); verr != nil {
		coerced, _ := access.Coerce(s.Cfg.TrustedHostsConfigured)
		if cerr := coerced.Validate(s.Cfg.TrustedHostsConfigured); cerr != nil {
			// cli=read-only with filesystem=read-write is reject-only (§4.C's
			// consistency table): Coerce cannot fix it without either silently
			// granting CLI write access or discarding the filesystem value the
			// caller asked for, so it is surfaced as a validation error instead.
			return nil, dto.BadRequest(cerr.Error())
		}
		access = coerced
	}
	accessJSON, err := json.Marshal(access)
	if err != nil {
		return nil, dto.InternalError("marshaling default access").Wrap(err)
	}
	depth := in.DefaultContextDepth
	if depth == "" {
		depth = "messages"
	}
	now := time.Now()
	t := &model.Thread{
		Scope:               in.Scope,
		ProjectID:           in.ProjectID,
		WorkorderID:         in.WorkorderID,
		Portfolio:           in.Portfolio,
		Project:             in.Project,
		Slug:                worktree.Slugify(in.Slug),
		Title:               in.Title,
		State:               model.ThreadActive,
		DefaultContextDepth: depth,
		DefaultAccessJSON:   string(accessJSON),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	t, err = s.Stores.Threads.Ensure(ctx, t)
	if err != nil {
		return nil, dto.InternalError("creating thread").Wrap(err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventThreadUpdated, ThreadID: t.ID, Payload: t, Timestamp: now})
	return t, nil
}

var defaultThreadAccess = policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIOff, Network: policy.NetworkNone}

func (s *Server) getThread(ctx context.Context, in *dto.GetThreadReq) (*dto.ThreadDetailResp, error) {
	t, err := s.mustGetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Stores.Messages.ListByThread(ctx, t.ID, 0)
	if err != nil {
		return nil, dto.InternalError("listing messages").Wrap(err)
	}
	ledger, err := s.Stores.Actions.ListLedger(ctx, t.ID)
	if err != nil {
		return nil, dto.InternalError("listing ledger").Wrap(err)
	}
	actions, err := s.Stores.Actions.ListByThread(ctx, t.ID)
	if err != nil {
		return nil, dto.InternalError("listing actions").Wrap(err)
	}
	return &dto.ThreadDetailResp{Thread: t, Messages: msgs, Actions: actions, Ledger: ledger}, nil
}

func (s *Server) mustGetThread(ctx context.Context, id string) (*model.Thread, error) {
	t, err := s.Stores.Threads.Get(ctx, id)
	if err != nil {
		return nil, dto.InternalError("loading thread").Wrap(err)
	}
	if t == nil {
		return nil, dto.NotFound("thread")
	}
	return t, nil
}

func (s *Server) patchThread(ctx context.Context, in *dto.PatchThreadReq) (*model.Thread, error) {
	t, err := s.mustGetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	archiving := in.Archived != nil && *in.Archived && t.State != model.ThreadArchived
	if in.Archived != nil {
		if *in.Archived {
			t.State = model.ThreadArchived
		} else {
			t.State = model.ThreadActive
		}
	}
	if archiving && t.Branch != "" {
		worktreePath := s.worktreePathFor(t)
		if err := s.Worktrees.Cleanup(ctx, t.Project, worktreePath, t.Branch); err != nil {
			slog.Warn("worktree cleanup failed during archive", "thread", t.ID, "err", err)
		}
		t.Branch, t.BaseBranch, t.PendingChanges = "", "", false
	}
	if err := s.Stores.Threads.Update(ctx, t); err != nil {
		return nil, dto.InternalError("updating thread").Wrap(err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventThreadUpdated, ThreadID: t.ID, Payload: t, Timestamp: time.Now()})
	return t, nil
}

func (s *Server) worktreePathFor(t *model.Thread) string {
	return t.Project + "/.system/chat-worktrees/thread-" + t.Slug
}

// --- messages / gate ---

func (s *Server) sendMessage(ctx context.Context, in *dto.SendMessageReq) (*dto.SendMessageResp, error) {
	t, err := s.mustGetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}

	access := in.Access
	if access == nil {
		var def policy.Access
		if err := json.Unmarshal([]byte(t.DefaultAccessJSON), &def); err != nil {
			def = defaultThreadAccess
		}
		access = &def
	}
	if verr := access.Validate(s.Cfg.TrustedHostsConfigured); verr != nil {
		coerced, _ := access.Coerce(s.Cfg.TrustedHostsConfigured)
		if cerr := coerced.Validate(s.Cfg.TrustedHostsConfigured); cerr != nil {
			return nil, dto.BadRequest(cerr.Error())
		}
		access = &coerced
	}
	depth := in.ContextDepth
	if depth == "" {
		depth = t.DefaultContextDepth
	}

	msg := &model.Message{
		ID: ksid.NewID().String(), ThreadID: t.ID, Role: model.RoleUser,
		Text: in.Content, CreatedAt: time.Now(),
	}
	if err := s.Stores.Messages.Append(ctx, msg); err != nil {
		return nil, dto.InternalError("persisting message").Wrap(err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventMessageNew, ThreadID: t.ID, Payload: msg, Timestamp: msg.CreatedAt})

	result, err := s.Gate.Submit(ctx, t.ID, in.Content, depth, *access, in.Confirmations)
	if err != nil {
		return nil, dto.InternalError("evaluating pending-send gate").Wrap(err)
	}
	if !result.Enqueued {
		return nil, dto.ApprovalRequired(result.PendingSendID, result.RequiresWrite, result.RequiresNetwork)
	}

	run, err := s.Scheduler.Enqueue(ctx, t.ID, in.Content, "codex", "", depth, *access)
	if err != nil {
		return nil, dto.InternalError("enqueuing run").Wrap(err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventRunStatus, ThreadID: t.ID, Payload: run, Timestamp: time.Now()})
	return &dto.SendMessageResp{RunID: run.ID}, nil
}

func (s *Server) suggest(ctx context.Context, in *dto.SuggestReq) (*dto.SuggestResp, error) {
	if _, err := s.mustGetThread(ctx, in.ThreadID); err != nil {
		return nil, err
	}
	sugg, err := s.Advisor.Suggest(ctx, in.ThreadID, in.Message, in.Access, in.ContextDepth)
	if err != nil {
		return nil, dto.InternalError("suggestion advisor failed").Wrap(err)
	}
	return &dto.SuggestResp{Suggestion: sugg}, nil
}

func (s *Server) cancelPendingSend(ctx context.Context, in *dto.CancelPendingSendReq) (*dto.EmptyReq, error) {
	if _, err := s.mustGetThread(ctx, in.ThreadID); err != nil {
		return nil, err
	}
	if err := s.Gate.Cancel(ctx, in.PendingID); err != nil {
		return nil, dto.InternalError("canceling pending send").Wrap(err)
	}
	return &dto.EmptyReq{}, nil
}

// --- worktree ---

func (s *Server) threadDiff(ctx context.Context, in *dto.GetThreadDiffReq) (*dto.DiffResp, error) {
	t, err := s.mustGetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	if t.Branch == "" {
		return &dto.DiffResp{}, nil
	}
	res, err := s.Worktrees.Ensure(ctx, t.Project, t.Slug, "")
	if err != nil {
		return nil, dto.InternalError("resolving worktree").Wrap(err)
	}
	diff, err := s.Worktrees.Diff(ctx, res.WorktreePath, res.BaseBranch)
	if err != nil {
		return nil, dto.InternalError("computing diff").Wrap(err)
	}
	return &dto.DiffResp{Diff: diff}, nil
}

// --- runs ---

func (s *Server) getRun(ctx context.Context, in *dto.GetRunReq) (*dto.RunDetailResp, error) {
	run, err := s.Stores.Runs.Get(ctx, in.RunID)
	if err != nil {
		return nil, dto.InternalError("loading run").Wrap(err)
	}
	if run == nil {
		return nil, dto.NotFound("run")
	}
	commands, err := s.Stores.Runs.ListCommands(ctx, run.ID)
	if err != nil {
		return nil, dto.InternalError("listing run commands").Wrap(err)
	}
	logTail := readLogTail(run.LogPath, 4096)
	return &dto.RunDetailResp{Run: run, Commands: commands, LogTail: logTail}, nil
}

// --- actions / ledger ---

func (s *Server) applyAction(ctx context.Context, in *dto.ApplyActionReq) (*dto.ApplyActionResp, error) {
	action, err := s.Stores.Actions.Get(ctx, in.ActionID)
	if err != nil {
		return nil, dto.InternalError("loading action").Wrap(err)
	}
	if action == nil {
		return nil, dto.NotFound("action")
	}
	if action.Status != model.ActionPending {
		return nil, dto.BadRequest(fmt.Sprintf("action is %s, not pending", action.Status))
	}

	t, err := s.mustGetThread(ctx, action.ThreadID)
	if err != nil {
		return nil, err
	}

	decision, reason := "allow", ""
	if action.Kind == model.ActionWorktreeMerge {
		if t.Branch == "" {
			return nil, dto.BadRequest("thread has no worktree to merge")
		}
		res, err := s.Worktrees.Ensure(ctx, t.Project, t.Slug, "")
		if err != nil {
			return nil, dto.InternalError("resolving worktree").Wrap(err)
		}
		if err := s.Worktrees.Merge(ctx, t.Project, t.ID, res.WorktreePath, res.Branch, res.BaseBranch); err != nil {
			var conflictErr *worktree.ConflictError
			if errors.As(err, &conflictErr) {
				return nil, dto.WorktreeConflict(err.Error())
			}
			return nil, dto.InternalError("merging worktree").Wrap(err)
		}
		t.Branch, t.BaseBranch, t.PendingChanges = "", "", false
		if err := s.Stores.Threads.Update(ctx, t); err != nil {
			slog.Warn("failed to clear thread worktree after merge", "thread", t.ID, "err", err)
		}
	}
	// The remaining action kinds (project_set_star, work_order_*, repos_rescan)
	// mutate state owned by the project/work-order collaborators this core's
	// non-goals place out of scope (§1); applying them here records the
	// ledger decision the core is responsible for, and the owning
	// collaborator is expected to observe action.applied via the Event Bus
	// to perform its own side effect.

	if err := s.Stores.Actions.UpdateStatus(ctx, action.ID, model.ActionApplied); err != nil {
		return nil, dto.InternalError("updating action status").Wrap(err)
	}
	entry := &model.ActionLedgerEntry{
		ID: ksid.NewID().String(), ActionID: action.ID, ThreadID: action.ThreadID,
		ActionKind: action.Kind, ActionPayload: action.Payload,
		Decision: decision, Reason: reason, AppliedAt: time.Now(), CreatedAt: time.Now(),
	}
	if err := s.Stores.Actions.AppendLedger(ctx, entry); err != nil {
		return nil, dto.InternalError("appending ledger entry").Wrap(err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventActionApplied, ThreadID: action.ThreadID, Payload: entry, Timestamp: entry.AppliedAt})
	return &dto.ApplyActionResp{LedgerID: entry.ID}, nil
}

func (s *Server) undoAction(ctx context.Context, in *dto.UndoActionReq) (*dto.UndoActionResp, error) {
	entry, err := s.Stores.Actions.GetLedger(ctx, in.LedgerID)
	if err != nil {
		return nil, dto.InternalError("loading ledger entry").Wrap(err)
	}
	if entry == nil {
		return nil, dto.NotFound("ledger entry")
	}
	if entry.UndoneAt != nil {
		return nil, dto.BadRequest("ledger entry already undone")
	}
	if err := s.Stores.Actions.Undo(ctx, entry.ID, ""); err != nil {
		return nil, dto.InternalError("undoing ledger entry").Wrap(err)
	}
	if err := s.Stores.Actions.UpdateStatus(ctx, entry.ActionID, model.ActionUndone); err != nil {
		slog.Warn("failed to mark action undone", "action", entry.ActionID, "err", err)
	}
	s.Bus.Publish(bus.Event{Name: bus.EventActionUndone, ThreadID: entry.ThreadID, Payload: entry, Timestamp: time.Now()})
	return &dto.UndoActionResp{Undone: true}, nil
}
