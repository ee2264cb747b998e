package orchestrator

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
	"github.com/chatrun/chatrun/backend/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, stderr.String())
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

// --- in-memory store fakes ---

type memStores struct {
	threads   map[string]*model.Thread
	messages  []*model.Message
	actions   []*model.Action
	runs      map[string]*model.Run
	summaries map[string]*model.ThreadSummary
	mu        sync.Mutex
}

func newMemStores() *store.Stores {
	m := &memStores{threads: map[string]*model.Thread{}, runs: map[string]*model.Run{}, summaries: map[string]*model.ThreadSummary{}}
	return &store.Stores{
		Threads:   (*memThreads)(m),
		Messages:  (*memMessages)(m),
		Actions:   (*memActions)(m),
		Runs:      (*memRunsStore)(m),
		Summaries: (*memSummaries)(m),
	}
}

type memThreads memStores

func (m *memThreads) Create(_ context.Context, t *model.Thread) error { m.threads[t.ID] = t; return nil }
func (m *memThreads) Get(_ context.Context, id string) (*model.Thread, error) { return m.threads[id], nil }
func (m *memThreads) List(_ context.Context, portfolio string) ([]*model.Thread, error) { return nil, nil }
func (m *memThreads) ListActive(_ context.Context) ([]*model.Thread, error)             { return nil, nil }
func (m *memThreads) Update(_ context.Context, t *model.Thread) error { m.threads[t.ID] = t; return nil }
func (m *memThreads) Ensure(_ context.Context, t *model.Thread) (*model.Thread, error) {
	for _, existing := range m.threads {
		if existing.Scope == t.Scope && existing.ProjectID == t.ProjectID && existing.WorkorderID == t.WorkorderID {
			return existing, nil
		}
	}
	m.threads[t.ID] = t
	return t, nil
}

type memMessages memStores

func (m *memMessages) Append(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}
func (m *memMessages) ListByThread(_ context.Context, threadID string, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memActions memStores

func (m *memActions) Create(_ context.Context, a *model.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
	return nil
}
func (m *memActions) Get(context.Context, string) (*model.Action, error)                        { return nil, nil }
func (m *memActions) ListByThread(context.Context, string) ([]*model.Action, error)              { return nil, nil }
func (m *memActions) UpdateStatus(context.Context, string, model.ActionStatus) error             { return nil }
func (m *memActions) AppendLedger(context.Context, *model.ActionLedgerEntry) error                { return nil }
func (m *memActions) ListLedger(context.Context, string) ([]*model.ActionLedgerEntry, error)      { return nil, nil }
func (m *memActions) GetLedger(context.Context, string) (*model.ActionLedgerEntry, error)         { return nil, nil }
func (m *memActions) Undo(context.Context, string, string) error                                  { return nil }

type memRunsStore memStores

func (m *memRunsStore) Create(_ context.Context, r *model.Run) error { m.runs[r.ID] = r; return nil }
func (m *memRunsStore) Get(_ context.Context, id string) (*model.Run, error) { return m.runs[id], nil }
func (m *memRunsStore) ListByThread(_ context.Context, threadID string) ([]*model.Run, error) {
	var out []*model.Run
	for _, r := range m.runs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (m *memRunsStore) ClaimNext(context.Context, string) (*model.Run, error) { return nil, nil }
func (m *memRunsStore) Finish(_ context.Context, id string, state model.RunState, errMsg string, numTurns int, durationMs int64) error {
	m.runs[id].State = state
	m.runs[id].Error = errMsg
	m.runs[id].NumTurns = numTurns
	return nil
}
func (m *memRunsStore) RequeueOrphaned(context.Context) (int, error)                    { return 0, nil }
func (m *memRunsStore) FailOrphaned(context.Context) (int, error)                       { return 0, nil }
func (m *memRunsStore) AppendCommand(context.Context, *model.RunCommand) error          { return nil }
func (m *memRunsStore) ListCommands(context.Context, string) ([]*model.RunCommand, error) { return nil, nil }

type memSummaries memStores

func (m *memSummaries) Latest(_ context.Context, threadID string) (*model.ThreadSummary, error) {
	return m.summaries[threadID], nil
}
func (m *memSummaries) Create(_ context.Context, s *model.ThreadSummary) error {
	m.summaries[s.ThreadID] = s
	return nil
}

// --- fake agent invoker ---

type fakeAgent struct {
	resp *AgentResponse
	err  error
	commands []string
}

func (f *fakeAgent) Invoke(ctx context.Context, runID, prompt, cwd string, sandbox policy.SandboxMode, networkEnabled bool, onShellCommand func(string) error) (*AgentResponse, error) {
	for _, c := range f.commands {
		if err := onShellCommand(c); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeFinisher struct{ called []string }

func (f *fakeFinisher) OnFinished(_ context.Context, threadID string) { f.called = append(f.called, threadID) }

func setupThread(t *testing.T, stores *store.Stores) (*model.Thread, *model.Run) {
	t.Helper()
	th := &model.Thread{ID: "th1", Portfolio: "p", Project: newTestRepo(t), Slug: "fix-bug", State: model.ThreadActive, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := stores.Threads.Create(t.Context(), th); err != nil {
		t.Fatal(err)
	}
	run := &model.Run{ID: "r1", ThreadID: th.ID, State: model.RunRunning, Prompt: "fix it", Harness: "codex", QueuedAt: time.Now()}
	if err := stores.Runs.Create(t.Context(), run); err != nil {
		t.Fatal(err)
	}
	return th, run
}

func TestRunTurnSuccessPersistsMessageAndFinishesRun(t *testing.T) {
	stores := newMemStores()
	_, run := setupThread(t, stores)

	finisher := &fakeFinisher{}
	o := &Orchestrator{
		Stores:    stores,
		Worktrees: &worktree.Manager{PortfolioRoot: t.TempDir()},
		Agent:     &fakeAgent{resp: &AgentResponse{Reply: "done", Actions: nil}},
		Scheduler: finisher,
	}
	o.RunTurn(t.Context(), run.ID)

	got, err := stores.Runs.Get(t.Context(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.RunDone {
		t.Fatalf("state = %s, want done", got.State)
	}
	msgs, _ := stores.Messages.ListByThread(t.Context(), "th1", 0)
	if len(msgs) != 1 || msgs[0].Text != "done" {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(finisher.called) != 1 {
		t.Fatalf("expected OnFinished called once, got %v", finisher.called)
	}
}

func TestRunTurnFailurePersistsSyntheticMessage(t *testing.T) {
	stores := newMemStores()
	_, run := setupThread(t, stores)

	o := &Orchestrator{
		Stores:    stores,
		Worktrees: &worktree.Manager{PortfolioRoot: t.TempDir()},
		Agent:     &fakeAgent{err: errBoom},
		Scheduler: &fakeFinisher{},
	}
	o.RunTurn(t.Context(), run.ID)

	got, _ := stores.Runs.Get(t.Context(), run.ID)
	if got.State != model.RunFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	msgs, _ := stores.Messages.ListByThread(t.Context(), "th1", 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 synthetic failure message, got %v", msgs)
	}
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
