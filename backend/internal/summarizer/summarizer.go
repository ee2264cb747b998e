// Package summarizer implements the Rolling Summarizer (§4.G): a cheap LLM
// call that folds a thread's older messages into a running summary once the
// message count crosses a chunking threshold, so the Turn Orchestrator never
// has to feed an unbounded transcript into a run's prompt. Grounded on the
// ancestor server's titleGenerator (internal/server/titlegen.go), which
// wraps the same maruel/genai provider for a different cheap-LLM task;
// generalized here from a one-shot title string to a chunked, persisted
// rolling summary.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"
	"github.com/maruel/ksid"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/store"
)

// chunkSize is the message-count granularity at which summaries are folded
// (§4.G: floor(total_messages/50)*50 > summarized_count triggers a run).
const chunkSize = 50

const systemPrompt = "You are compressing an ongoing coding-assistant conversation into a concise running summary. " +
	"Fold the new messages into the prior summary, preserving concrete facts (file paths, decisions, open issues) " +
	"and dropping pleasantries. Reply with ONLY the updated summary text, no preamble."

// llm is the minimal dependency surface the Rolling Summarizer needs from a
// cheap LLM backend, kept separate from genai.Provider so this package (and
// its tests) never has to know genai.Result's field layout.
type llm interface {
	Complete(ctx context.Context, systemPrompt, input string, maxTokens int, temperature float64) (string, error)
}

// genaiLLM adapts a genai.Provider to llm, following the ancestor
// titleGenerator's call shape (internal/server/titlegen.go).
type genaiLLM struct{ provider genai.Provider }

func (g genaiLLM) Complete(ctx context.Context, systemPrompt, input string, maxTokens int, temperature float64) (string, error) {
	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: systemPrompt,
			MaxTokens:    int64(maxTokens),
			Temperature:  temperature,
		},
	)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Summarizer folds old messages into a thread's rolling summary. If llm is
// nil (no LLM configured), Summarize is a no-op returning nil, matching the
// ancestor titleGenerator's unconfigured behavior.
type Summarizer struct {
	Stores *store.Stores
	llm    llm
}

// New builds a Summarizer from a provider/model config pair, mirroring the
// ancestor's newTitleGenerator: an empty providerName yields a no-op
// Summarizer rather than an error, since summarization is an enrichment, not
// a required capability.
func New(ctx context.Context, stores *store.Stores, providerName, modelName string) *Summarizer {
	if providerName == "" {
		return &Summarizer{Stores: stores}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for rolling summarizer", "provider", providerName)
		return &Summarizer{Stores: stores}
	}
	var opts []genai.ProviderOption
	if modelName != "" {
		opts = append(opts, genai.ProviderOptionModel(modelName))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for rolling summarizer", "provider", providerName, "err", err)
		return &Summarizer{Stores: stores}
	}
	slog.Info("rolling summarizer enabled", "provider", providerName, "model", p.ModelID())
	return &Summarizer{Stores: stores, llm: genaiLLM{provider: p}}
}

// Summarize checks whether threadID has crossed the next chunking threshold
// and, if so, folds the next chunkSize messages into a new rolling summary.
// It returns LLM failures to the caller; the Turn Orchestrator treats a
// returned error as non-fatal per §4.G, proceeding without a fresh summary.
func (s *Summarizer) Summarize(ctx context.Context, threadID string) error {
	if s.llm == nil {
		return nil
	}

	prior, err := s.Stores.Summaries.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("loading prior summary: %w", err)
	}
	folded := 0
	if prior != nil {
		folded = prior.MessagesFolded
	}

	msgs, err := s.Stores.Messages.ListByThread(ctx, threadID, 0)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	total := len(msgs)
	if (total/chunkSize)*chunkSize <= folded {
		return nil
	}

	nextBoundary := ((folded / chunkSize) + 1) * chunkSize
	if nextBoundary > total {
		nextBoundary = total
	}
	chunk := msgs[folded:nextBoundary]

	text, err := s.llm.Complete(ctx, systemPrompt, composeInput(prior, chunk), 512, 0.2)
	if err != nil {
		return fmt.Errorf("summarizer LLM call failed: %w", err)
	}

	summary := &model.ThreadSummary{
		ID:             ksid.NewID().String(),
		ThreadID:       threadID,
		UpToMessageID:  chunk[len(chunk)-1].ID,
		Text:           strings.TrimSpace(text),
		MessagesFolded: nextBoundary,
	}
	if err := s.Stores.Summaries.Create(ctx, summary); err != nil {
		return fmt.Errorf("persisting rolling summary: %w", err)
	}
	return nil
}

func composeInput(prior *model.ThreadSummary, chunk []*model.Message) string {
	var b strings.Builder
	if prior != nil {
		b.WriteString("Prior summary:\n")
		b.WriteString(prior.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages to fold in:\n")
	for _, m := range chunk {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
	}
	return b.String()
}
