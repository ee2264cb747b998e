// Package advisor implements the Suggestion Advisor (§4.H): a read-only,
// network-disabled LLM call that recommends a context depth and access
// triple for a not-yet-sent user message, then sanitizes that
// recommendation through the Policy Engine's consistency rules before
// handing only the deltas back to the caller. Grounded on the same
// maruel/genai provider usage as the ancestor server's titleGenerator
// (internal/server/titlegen.go) and internal/summarizer, generalized here
// from free-text generation to a parsed structured suggestion.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
)

const systemPrompt = `You are advising on the minimum access a coding assistant needs for one message in an ` +
	`ongoing thread. Given the message, the current access, the rolling summary, and recent run metadata, reply ` +
	`with ONLY a JSON object: {"context_depth": "minimal|messages|messages_tools|messages_tools_outputs|blended", ` +
	`"access": {"filesystem": "none|read-only|read-write", "cli": "off|read-only|read-write", ` +
	`"network": "none|localhost|allowlist|trusted", "networkAllowlist": ["host", ...]}, "reason": "short reason"}. ` +
	`Prefer the least access that lets the assistant do what was asked.`

// llm is the minimal dependency surface the Advisor needs from a cheap LLM
// backend, mirroring internal/summarizer's decoupling from genai.Result's
// field layout.
type llm interface {
	Complete(ctx context.Context, systemPrompt, input string, maxTokens int, temperature float64) (string, error)
}

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

// Suggestion is what the advisor recommends, already sanitized through
// Policy.Coerce. Delta fields are empty/zero when unchanged from current.
type Suggestion struct {
	ContextDepth string         `json:"contextDepth,omitempty"`
	Access       *policy.Access `json:"access,omitempty"`
	Reason       string         `json:"reason"`
}

type rawSuggestion struct {
	ContextDepth string        `json:"context_depth"`
	Access       policy.Access `json:"access"`
	Reason       string        `json:"reason"`
}

// Advisor evaluates pre-send suggestions. A nil llm makes Suggest a no-op
// returning an empty Suggestion, matching this spec's "the UI may request a
// recommendation" framing — the feature is optional, never required to send
// a message.
type Advisor struct {
	Stores               *store.Stores
	TrustedHostsConfigured bool
	llm                  llm
}

// New builds an Advisor from a provider/model config pair. An empty
// providerName yields a no-op Advisor.
func New(ctx context.Context, stores *store.Stores, trustedHostsConfigured bool, providerName, modelName string) *Advisor {
	if providerName == "" {
		return &Advisor{Stores: stores, TrustedHostsConfigured: trustedHostsConfigured}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for suggestion advisor", "provider", providerName)
		return &Advisor{Stores: stores, TrustedHostsConfigured: trustedHostsConfigured}
	}
	var opts []genai.ProviderOption
	if modelName != "" {
		opts = append(opts, genai.ProviderOptionModel(modelName))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for suggestion advisor", "provider", providerName, "err", err)
		return &Advisor{Stores: stores, TrustedHostsConfigured: trustedHostsConfigured}
	}
	slog.Info("suggestion advisor enabled", "provider", providerName, "model", p.ModelID())
	return &Advisor{Stores: stores, TrustedHostsConfigured: trustedHostsConfigured, llm: genaiLLM{provider: p}}
}

// Suggest evaluates threadID's current state against a not-yet-sent
// message and returns a sanitized delta. The agent invocation is read-only
// and network-disabled by construction — the advisor never grants itself
// the access it is evaluating.
func (a *Advisor) Suggest(ctx context.Context, threadID, message string, current policy.Access, currentDepth string) (*Suggestion, error) {
	if a.llm == nil {
		return &Suggestion{}, nil
	}

	summary, err := a.Stores.Summaries.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading rolling summary: %w", err)
	}
	runs, err := a.Stores.Runs.ListByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	input := composeInput(message, current, currentDepth, summary, runs)
	text, err := a.llm.Complete(ctx, systemPrompt, input, 256, 0.1)
	if err != nil {
		return nil, fmt.Errorf("advisor LLM call failed: %w", err)
	}

	var raw rawSuggestion
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("advisor response did not match the expected shape: %w", err)
	}

	sanitized, coerceReason := raw.Access.Coerce(a.TrustedHostsConfigured)
	reason := raw.Reason
	if coerceReason != "" {
		if reason != "" {
			reason += "; "
		}
		reason += coerceReason
	}

	out := &Suggestion{Reason: reason}
	if raw.ContextDepth != "" && raw.ContextDepth != currentDepth {
		out.ContextDepth = raw.ContextDepth
	}
	// cli=read-only with filesystem=read-write survives Coerce unchanged
	// (reject-only, not coerce-able); an LLM suggestion that lands there is
	// simply dropped rather than handed to the caller as a usable access
	// delta. The context-depth half of the suggestion still stands.
	if err := sanitized.Validate(a.TrustedHostsConfigured); err == nil && !accessEqual(sanitized, current) {
		out.Access = &sanitized
	}
	return out, nil
}

func accessEqual(a, b policy.Access) bool {
	return a.Filesystem == b.Filesystem && a.CLI == b.CLI && a.Network == b.Network &&
		reflect.DeepEqual(a.NetworkAllowlist, b.NetworkAllowlist)
}

func composeInput(message string, current policy.Access, currentDepth string, summary *model.ThreadSummary, runs []*model.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s\n", message)
	fmt.Fprintf(&b, "Current context depth: %s\n", currentDepth)
	fmt.Fprintf(&b, "Current access: filesystem=%s cli=%s network=%s\n", current.Filesystem, current.CLI, current.Network)
	if summary != nil {
		fmt.Fprintf(&b, "Rolling summary: %s\n", summary.Text)
	}
	tail := runs
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, r := range tail {
		fmt.Fprintf(&b, "Recent run: state=%s harness=%s error=%s\n", r.State, r.Harness, r.Error)
	}
	return b.String()
}

// extractJSON trims any leading/trailing prose a model adds despite
// instructions, keeping only the outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
