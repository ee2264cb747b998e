package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
)

type memRuns struct {
	mu   sync.Mutex
	rows map[string]*model.Run
}

func newMemRuns() *memRuns { return &memRuns{rows: map[string]*model.Run{}} }

func (m *memRuns) Create(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = r
	return nil
}

func (m *memRuns) Get(_ context.Context, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id], nil
}

func (m *memRuns) ListByThread(_ context.Context, threadID string) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Run
	for _, r := range m.rows {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) ClaimNext(_ context.Context, threadID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ThreadID == threadID && r.State == model.RunRunning {
			return nil, nil
		}
	}
	var best *model.Run
	for _, r := range m.rows {
		if r.ThreadID == threadID && r.State == model.RunQueued {
			if best == nil || r.QueuedAt.Before(best.QueuedAt) {
				best = r
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = model.RunRunning
	return best, nil
}

func (m *memRuns) Finish(_ context.Context, id string, state model.RunState, errMsg string, numTurns int, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].State = state
	m.rows[id].Error = errMsg
	return nil
}

func (m *memRuns) RequeueOrphaned(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.State == model.RunRunning {
			r.State = model.RunQueued
			n++
		}
	}
	return n, nil
}

func (m *memRuns) FailOrphaned(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.State == model.RunRunning {
			r.State = model.RunFailed
			n++
		}
	}
	return n, nil
}

func (m *memRuns) AppendCommand(context.Context, *model.RunCommand) error { return nil }

func (m *memRuns) ListCommands(context.Context, string) ([]*model.RunCommand, error) { return nil, nil }

type recordingLauncher struct {
	mu      sync.Mutex
	launched []string
}

func (l *recordingLauncher) Launch(_ context.Context, run *model.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, run.ID)
	return nil
}

func TestEnqueueClaimsImmediatelyWhenIdle(t *testing.T) {
	runs := newMemRuns()
	launcher := &recordingLauncher{}
	s := New(runs, launcher)

	run, err := s.Enqueue(t.Context(), "th1", "do something", "codex", "", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone})
	if err != nil {
		t.Fatal(err)
	}
	if run.State != model.RunRunning {
		t.Fatalf("state = %s, want running (claimed immediately)", run.State)
	}
	if len(launcher.launched) != 1 || launcher.launched[0] != run.ID {
		t.Fatalf("launched = %v", launcher.launched)
	}
}

func TestSecondEnqueueWaitsForFirstToFinish(t *testing.T) {
	runs := newMemRuns()
	launcher := &recordingLauncher{}
	s := New(runs, launcher)

	first, err := s.Enqueue(t.Context(), "th1", "first", "codex", "", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Enqueue(t.Context(), "th1", "second", "codex", "", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone})
	if err != nil {
		t.Fatal(err)
	}
	if second.State != model.RunQueued {
		t.Fatalf("second run state = %s, want queued", second.State)
	}
	if len(launcher.launched) != 1 {
		t.Fatalf("expected only 1 launch before first finishes, got %v", launcher.launched)
	}

	if err := runs.Finish(t.Context(), first.ID, model.RunDone, "", 1, 10); err != nil {
		t.Fatal(err)
	}
	s.OnFinished(t.Context(), "th1")

	got, err := runs.Get(t.Context(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.RunRunning {
		t.Fatalf("second run state after OnFinished = %s, want running", got.State)
	}
	if len(launcher.launched) != 2 {
		t.Fatalf("expected 2 launches after chaining, got %v", launcher.launched)
	}
}

type failingLauncher struct {
	mu      sync.Mutex
	failIDs map[string]bool
	launched []string
}

func (l *failingLauncher) Launch(_ context.Context, run *model.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, run.ID)
	if l.failIDs[run.ID] {
		return fmt.Errorf("worker binary missing")
	}
	return nil
}

func TestAttemptClaimMarksRunFailedAndChainsNextOnLaunchFailure(t *testing.T) {
	runs := newMemRuns()
	launcher := &failingLauncher{failIDs: map[string]bool{}}
	s := New(runs, launcher)

	first, err := s.Enqueue(t.Context(), "th1", "first", "codex", "", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone})
	if err != nil {
		t.Fatal(err)
	}
	launcher.failIDs[first.ID] = true

	got, err := runs.Get(t.Context(), first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.RunFailed {
		t.Fatalf("state after failed launch = %s, want failed", got.State)
	}

	second, err := s.Enqueue(t.Context(), "th1", "second", "codex", "", "messages", policy.Access{Filesystem: policy.FilesystemReadWrite, CLI: policy.CLIReadWrite, Network: policy.NetworkNone})
	if err != nil {
		t.Fatal(err)
	}
	if second.State != model.RunRunning {
		t.Fatalf("second run state = %s, want running (thread not stuck behind the failed run)", second.State)
	}
}

func TestRecoverOnStartupRequeuesAndChains(t *testing.T) {
	runs := newMemRuns()
	runs.rows["orphan"] = &model.Run{ID: "orphan", ThreadID: "th1", State: model.RunRunning, QueuedAt: time.Now()}
	launcher := &recordingLauncher{}
	s := New(runs, launcher)

	if err := s.RecoverOnStartup(t.Context(), []string{"th1"}, false); err != nil {
		t.Fatal(err)
	}
	got, _ := runs.Get(t.Context(), "orphan")
	if got.State != model.RunRunning {
		t.Fatalf("expected orphaned run to be reclaimed and running, got %s", got.State)
	}
	if len(launcher.launched) != 1 {
		t.Fatalf("expected startup recovery to chain a worker, got %v", launcher.launched)
	}
}

func TestRecoverOnStartupFailFastMarksFailedWithoutChaining(t *testing.T) {
	runs := newMemRuns()
	runs.rows["orphan"] = &model.Run{ID: "orphan", ThreadID: "th1", State: model.RunRunning, QueuedAt: time.Now()}
	launcher := &recordingLauncher{}
	s := New(runs, launcher)

	if err := s.RecoverOnStartup(t.Context(), []string{"th1"}, true); err != nil {
		t.Fatal(err)
	}
	got, _ := runs.Get(t.Context(), "orphan")
	if got.State != model.RunFailed {
		t.Fatalf("expected orphaned run marked failed, got %s", got.State)
	}
	if len(launcher.launched) != 0 {
		t.Fatalf("expected no worker chained under fail-fast recovery, got %v", launcher.launched)
	}
}
