package summarizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/store"
)

type memMessages struct{ rows []*model.Message }

func (m *memMessages) Append(_ context.Context, msg *model.Message) error {
	m.rows = append(m.rows, msg)
	return nil
}
func (m *memMessages) ListByThread(_ context.Context, threadID string, limit int) ([]*model.Message, error) {
	var out []*model.Message
	for _, r := range m.rows {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memSummaries struct{ latest *model.ThreadSummary }

func (m *memSummaries) Latest(_ context.Context, threadID string) (*model.ThreadSummary, error) {
	return m.latest, nil
}
func (m *memSummaries) Create(_ context.Context, s *model.ThreadSummary) error {
	m.latest = s
	return nil
}

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

func seedMessages(n int, threadID string) *memMessages {
	mm := &memMessages{}
	for i := 0; i < n; i++ {
		mm.rows = append(mm.rows, &model.Message{
			ID: "m" + string(rune('a'+i%26)), ThreadID: threadID, Role: model.RoleUser,
			Text: "message", CreatedAt: time.Now(),
		})
	}
	return mm
}

func TestSummarizeNoopWithoutProvider(t *testing.T) {
	s := &Summarizer{Stores: &store.Stores{Messages: seedMessages(60, "t1"), Summaries: &memSummaries{}}}
	if err := s.Summarize(t.Context(), "t1"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestSummarizeSkipsBelowThreshold(t *testing.T) {
	summaries := &memSummaries{}
	s := &Summarizer{Stores: &store.Stores{Messages: seedMessages(49, "t1"), Summaries: summaries}, llm: &fakeLLM{text: "should not be called"}}
	if err := s.Summarize(t.Context(), "t1"); err != nil {
		t.Fatal(err)
	}
	if summaries.latest != nil {
		t.Fatalf("expected no summary below threshold, got %+v", summaries.latest)
	}
}

func TestSummarizeFoldsAtThreshold(t *testing.T) {
	summaries := &memSummaries{}
	s := &Summarizer{Stores: &store.Stores{Messages: seedMessages(60, "t1"), Summaries: summaries}, llm: &fakeLLM{text: "  folded summary  "}}
	if err := s.Summarize(t.Context(), "t1"); err != nil {
		t.Fatal(err)
	}
	if summaries.latest == nil {
		t.Fatal("expected a summary to be created")
	}
	if summaries.latest.Text != "folded summary" {
		t.Fatalf("text = %q", summaries.latest.Text)
	}
	if summaries.latest.MessagesFolded != 50 {
		t.Fatalf("messagesFolded = %d, want 50", summaries.latest.MessagesFolded)
	}
}

func TestSummarizePropagatesProviderError(t *testing.T) {
	s := &Summarizer{Stores: &store.Stores{Messages: seedMessages(60, "t1"), Summaries: &memSummaries{}}, llm: &fakeLLM{err: errors.New("boom")}}
	if err := s.Summarize(t.Context(), "t1"); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}
