// Package orchestrator implements the Turn Orchestrator (§4.F): the
// single worker-side procedure that executes a run the scheduler has
// already claimed: it assembles prompt
// context, invokes the agent process driver under policy enforcement,
// validates the response, and persists the outcome. Grounded on the
// ancestor task runner's per-task procedure (internal/task/runner.go's
// Start/setup/PullChanges/writeLogTrailer sequence), generalized from that
// runner's container+one-shot-task model to this spec's worktree+chat-
// thread model with explicit context-depth tiers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maruel/ksid"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
	"github.com/chatrun/chatrun/backend/internal/worktree"
)

// ContextDepth selects how much conversational/tool history is assembled
// into the prompt (§4.F step 4).
type ContextDepth string

const (
	DepthMinimal              ContextDepth = "minimal"
	DepthMessages             ContextDepth = "messages"
	DepthMessagesTools        ContextDepth = "messages_tools"
	DepthMessagesToolsOutputs ContextDepth = "messages_tools_outputs"
	DepthBlended              ContextDepth = "blended"
)

// AgentResponse is the validated shape of the agent's final message
// (§4.F step 7).
type AgentResponse struct {
	Reply           string           `json:"reply"`
	NeedsUserInput  bool             `json:"needs_user_input"`
	Actions         []ProposedAction `json:"actions"`
}

// ProposedAction is one action entry in an agent response. Its type and
// payload are persisted as given; neither is checked against the action
// kinds or their payload shapes.
type ProposedAction struct {
	Type    model.ActionKind `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// AgentInvoker drives one agent process invocation. It is an interface so
// the orchestrator can be tested without spawning a real agent binary; the
// production implementation wraps internal/agentdriver.Run.
type AgentInvoker interface {
	Invoke(ctx context.Context, runID, prompt, cwd string, sandbox policy.SandboxMode, networkEnabled bool, onShellCommand func(command string) error) (*AgentResponse, error)
}

// Finisher is notified when a run completes so the scheduler can chain the
// thread's next queued run (§4.E).
type Finisher interface {
	OnFinished(ctx context.Context, threadID string)
}

// Orchestrator executes one claimed run end to end.
type Orchestrator struct {
	Stores       *store.Stores
	Worktrees    *worktree.Manager
	Agent        AgentInvoker
	Scheduler    Finisher
	TrustedHosts     []string
	LocalSubcommands []string
	Summarize    func(ctx context.Context, threadID string) error // nil-safe, §4.G hook
}

// defaultAccess is used when a run carries no access snapshot (e.g. a run
// created before this field existed, or a malformed snapshot).
var defaultAccess = policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone}

// RunTurn executes the procedure for runID. It returns nothing: run-level
// failures are persisted on the run and surfaced as a synthetic assistant
// message per step 10, and if the run or its thread cannot be loaded it
// logs the error and returns.
func (o *Orchestrator) RunTurn(ctx context.Context, runID string) {
	run, err := o.Stores.Runs.Get(ctx, runID)
	if err != nil || run == nil {
		slog.Error("orchestrator: run not found", "run", runID, "err", err)
		return
	}
	thread, err := o.Stores.Threads.Get(ctx, run.ThreadID)
	if err != nil || thread == nil {
		slog.Error("orchestrator: thread not found", "thread", run.ThreadID, "err", err)
		return
	}

	if o.Summarize != nil {
		if err := o.Summarize(ctx, thread.ID); err != nil {
			// Tolerated per §4.G: the turn proceeds without a fresh summary.
			slog.Warn("rolling summarizer failed; proceeding without fresh summary", "thread", thread.ID, "err", err)
		}
	}

	access := defaultAccess
	if run.AccessJSON != "" {
		if err := json.Unmarshal([]byte(run.AccessJSON), &access); err != nil {
			slog.Warn("run access snapshot unreadable; falling back to default", "run", run.ID, "err", err)
			access = defaultAccess
		}
	}
	depth := ContextDepth(run.ContextDepth)
	if depth == "" {
		depth = DepthMessages
	}

	var wtPath string
	needsWorktree := access.Filesystem == policy.FilesystemReadWrite || access.CLI == policy.CLIReadWrite || thread.Branch != ""
	if needsWorktree && thread.Scope == model.ScopeGlobal {
		o.fail(ctx, run, thread, errors.New("global-scoped threads never own a worktree; request filesystem=none/cli=off access"))
		return
	}
	if needsWorktree {
		res, err := o.Worktrees.Ensure(ctx, thread.Project, thread.Slug, "")
		if err != nil {
			o.fail(ctx, run, thread, fmt.Errorf("ensuring worktree: %w", err))
			return
		}
		wtPath = res.WorktreePath
		run.CWD = wtPath
		if thread.Branch != res.Branch {
			thread.Branch = res.Branch
			thread.BaseBranch = res.BaseBranch
			if err := o.Stores.Threads.Update(ctx, thread); err != nil {
				slog.Warn("failed to persist thread worktree branch", "thread", thread.ID, "err", err)
			}
		}
	}

	contextText, err := o.assembleContext(ctx, thread, depth)
	if err != nil {
		o.fail(ctx, run, thread, fmt.Errorf("assembling context: %w", err))
		return
	}
	prompt := composePrompt(thread, run, contextText)

	commandSeq := 0
	resp, err := o.Agent.Invoke(ctx, run.ID, prompt, wtPath, access.SandboxMode(), access.Network != policy.NetworkNone, func(command string) error {
		commandSeq++
		cmdRow := &model.RunCommand{
			ID: ksid.NewID().String(), RunID: run.ID, Seq: commandSeq, Argv: []string{command}, CWD: wtPath,
			CreatedAt: time.Now(),
		}
		enforceErr := policy.Enforce(command, access, o.TrustedHosts, o.LocalSubcommands)
		cmdRow.Allowed = enforceErr == nil
		if enforceErr != nil {
			cmdRow.Reason = enforceErr.Error()
		}
		if appendErr := o.Stores.Runs.AppendCommand(ctx, cmdRow); appendErr != nil {
			slog.Warn("failed to persist run command", "run", run.ID, "err", appendErr)
		}
		return enforceErr
	})
	if err != nil {
		o.fail(ctx, run, thread, err)
		return
	}

	hasPending := false
	if wtPath != "" {
		st, err := o.Worktrees.Status(ctx, wtPath)
		if err != nil {
			slog.Warn("failed to check worktree status", "thread", thread.ID, "err", err)
		} else {
			hasPending = st.HasPendingChanges
		}
	}
	if hasPending && !hasMergeAction(resp.Actions) {
		resp.Actions = append(resp.Actions, ProposedAction{Type: model.ActionWorktreeMerge, Payload: json.RawMessage(`{}`)})
	}

	if err := o.persistActions(ctx, run, thread, resp); err != nil {
		o.fail(ctx, run, thread, err)
		return
	}

	msg := &model.Message{
		ID: ksid.NewID().String(), ThreadID: thread.ID, RunID: run.ID,
		Role: model.RoleAssistant, Text: resp.Reply, NeedsUserInput: resp.NeedsUserInput,
		CreatedAt: time.Now(),
	}
	if err := o.Stores.Messages.Append(ctx, msg); err != nil {
		o.fail(ctx, run, thread, fmt.Errorf("persisting assistant message: %w", err))
		return
	}
	if err := o.Stores.Runs.Finish(ctx, run.ID, model.RunDone, "", run.NumTurns+1, 0); err != nil {
		slog.Error("failed to mark run done", "run", run.ID, "err", err)
	}

	if o.Scheduler != nil {
		o.Scheduler.OnFinished(ctx, thread.ID)
	}
}

func hasMergeAction(actions []ProposedAction) bool {
	for _, a := range actions {
		if a.Type == model.ActionWorktreeMerge {
			return true
		}
	}
	return false
}

func (o *Orchestrator) persistActions(ctx context.Context, run *model.Run, thread *model.Thread, resp *AgentResponse) error {
	for _, pa := range resp.Actions {
		a := &model.Action{
			ID: ksid.NewID().String(), ThreadID: thread.ID, RunID: run.ID,
			Kind: pa.Type, Payload: string(pa.Payload), Status: model.ActionPending,
			CreatedAt: time.Now(),
		}
		if err := o.Stores.Actions.Create(ctx, a); err != nil {
			return fmt.Errorf("persisting proposed action: %w", err)
		}
	}
	return nil
}

// fail implements §4.F step 10: persist a synthetic assistant failure
// message, optionally with a merge action if the worktree has pending
// changes, and transition the run to failed.
func (o *Orchestrator) fail(ctx context.Context, run *model.Run, thread *model.Thread, cause error) {
	slog.Error("chat run failed", "run", run.ID, "thread", thread.ID, "err", cause)

	text := fmt.Sprintf("Chat run failed: %s", cause.Error())
	msg := &model.Message{
		ID: ksid.NewID().String(), ThreadID: thread.ID, RunID: run.ID,
		Role: model.RoleAssistant, Text: text, CreatedAt: time.Now(),
	}
	if err := o.Stores.Messages.Append(ctx, msg); err != nil {
		slog.Error("failed to persist failure message", "run", run.ID, "err", err)
	}

	if run.CWD != "" {
		if st, err := o.Worktrees.Status(ctx, run.CWD); err == nil && st.HasPendingChanges {
			a := &model.Action{
				ID: ksid.NewID().String(), ThreadID: thread.ID, RunID: run.ID,
				Kind: model.ActionWorktreeMerge, Payload: "{}", Status: model.ActionPending,
				CreatedAt: time.Now(),
			}
			if err := o.Stores.Actions.Create(ctx, a); err != nil {
				slog.Error("failed to persist merge action for failed run", "run", run.ID, "err", err)
			}
		}
	}

	if err := o.Stores.Runs.Finish(ctx, run.ID, model.RunFailed, cause.Error(), run.NumTurns, 0); err != nil {
		slog.Error("failed to mark run failed", "run", run.ID, "err", err)
	}

	if o.Scheduler != nil {
		o.Scheduler.OnFinished(ctx, thread.ID)
	}
}

func composePrompt(thread *model.Thread, run *model.Run, contextText string) string {
	return fmt.Sprintf("Thread: %s\nProject: %s\n\n%s\n\nUser request:\n%s\n",
		thread.Title, thread.Project, contextText, run.Prompt)
}
