package advisor

import (
	"context"
	"errors"
	"testing"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
)

type memSummaries struct{ latest *model.ThreadSummary }

func (m *memSummaries) Latest(_ context.Context, threadID string) (*model.ThreadSummary, error) {
	return m.latest, nil
}
func (m *memSummaries) Create(_ context.Context, s *model.ThreadSummary) error { return nil }

type memRuns struct{ rows []*model.Run }

func (m *memRuns) Create(context.Context, *model.Run) error { return nil }
func (m *memRuns) Get(context.Context, string) (*model.Run, error) { return nil, nil }
func (m *memRuns) ListByThread(_ context.Context, threadID string) ([]*model.Run, error) {
	return m.rows, nil
}
func (m *memRuns) ClaimNext(context.Context, string) (*model.Run, error) { return nil, nil }
func (m *memRuns) Finish(context.Context, string, model.RunState, string, int, int64) error {
	return nil
}
func (m *memRuns) RequeueOrphaned(context.Context) (int, error)                    { return 0, nil }
func (m *memRuns) FailOrphaned(context.Context) (int, error)                       { return 0, nil }
func (m *memRuns) AppendCommand(context.Context, *model.RunCommand) error          { return nil }
func (m *memRuns) ListCommands(context.Context, string) ([]*model.RunCommand, error) { return nil, nil }

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, input string, maxTokens int, temperature float64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func TestSuggestNoopWithoutProvider(t *testing.T) {
	a := &Advisor{Stores: &store.Stores{Summaries: &memSummaries{}, Runs: &memRuns{}}}
	got, err := a.Suggest(t.Context(), "t1", "add a test", policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIReadOnly, Network: policy.NetworkNone}, "messages")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContextDepth != "" || got.Access != nil {
		t.Fatalf("expected empty suggestion, got %+v", got)
	}
}

func TestSuggestReturnsOnlyDeltas(t *testing.T) {
	current := policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIReadOnly, Network: policy.NetworkNone}
	raw := `Sure, here it is: {"context_depth": "messages", "access": {"filesystem": "read-write", "cli": "read-write", "network": "none"}, "reason": "needs to edit files"}`
	a := &Advisor{Stores: &store.Stores{Summaries: &memSummaries{}, Runs: &memRuns{}}, llm: &fakeLLM{text: raw}}

	got, err := a.Suggest(t.Context(), "t1", "fix the bug in main.go", current, "messages")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContextDepth != "" {
		t.Fatalf("context depth unchanged from current should not appear as a delta, got %q", got.ContextDepth)
	}
	if got.Access == nil || got.Access.Filesystem != policy.FilesystemReadWrite {
		t.Fatalf("expected a read-write access delta, got %+v", got.Access)
	}
}

func TestSuggestSanitizesInconsistentAccess(t *testing.T) {
	current := policy.Access{Filesystem: policy.FilesystemReadOnly, CLI: policy.CLIReadOnly, Network: policy.NetworkNone}
	// cli=read-write with filesystem=none is inconsistent; Coerce should tighten it.
	raw := `{"context_depth": "messages", "access": {"filesystem": "none", "cli": "read-write", "network": "none"}, "reason": "wants write"}`
	a := &Advisor{Stores: &store.Stores{Summaries: &memSummaries{}, Runs: &memRuns{}}, llm: &fakeLLM{text: raw}}

	got, err := a.Suggest(t.Context(), "t1", "do something", current, "messages")
	if err != nil {
		t.Fatal(err)
	}
	if got.Access == nil {
		t.Fatal("expected a sanitized access delta")
	}
	if got.Access.CLI != policy.CLIOff {
		t.Fatalf("expected cli coerced to off because filesystem=none, got %s", got.Access.CLI)
	}
	if got.Reason == "" {
		t.Fatal("expected the coercion reason to be recorded")
	}
}

func TestSuggestPropagatesLLMError(t *testing.T) {
	a := &Advisor{Stores: &store.Stores{Summaries: &memSummaries{}, Runs: &memRuns{}}, llm: &fakeLLM{err: errors.New("boom")}}
	if _, err := a.Suggest(t.Context(), "t1", "msg", policy.Access{}, "messages"); err == nil {
		t.Fatal("expected error to propagate")
	}
}
