package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatrun/chatrun/backend/internal/model"
)

const messageWindow = 50

// assembleContext implements §4.F step 4's context-depth tiers. Tiers that
// enrich with tool/log detail (messages_tools, messages_tools_outputs,
// blended) degrade gracefully to the messages tier when no completed run
// has recorded commands yet, rather than failing the turn — the same
// tolerate-and-proceed posture §4.G takes for summarization failures.
func (o *Orchestrator) assembleContext(ctx context.Context, thread *model.Thread, depth ContextDepth) (string, error) {
	summary, err := o.Stores.Summaries.Latest(ctx, thread.ID)
	if err != nil {
		return "", fmt.Errorf("loading rolling summary: %w", err)
	}

	var b strings.Builder
	if summary != nil {
		fmt.Fprintf(&b, "Summary of earlier conversation (%d messages folded):\n%s\n\n", summary.MessagesFolded, summary.Text)
	}

	switch depth {
	case DepthMinimal:
		msgs, err := o.Stores.Messages.ListByThread(ctx, thread.ID, 1)
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			msgs, err = o.Stores.Messages.ListByThread(ctx, thread.ID, messageWindow)
			if err != nil {
				return "", err
			}
		}
		writeMessages(&b, msgs)

	case DepthMessages, DepthMessagesTools, DepthMessagesToolsOutputs, DepthBlended:
		msgs, err := o.Stores.Messages.ListByThread(ctx, thread.ID, messageWindow)
		if err != nil {
			return "", err
		}
		writeMessages(&b, msgs)
		if err := o.appendRunDetail(ctx, &b, thread, depth); err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unknown context depth %q", depth)
	}

	return b.String(), nil
}

func writeMessages(b *strings.Builder, msgs []*model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(b, "[%s] %s\n", m.Role, m.Text)
	}
}

// appendRunDetail enriches the assembled context with command audits
// and/or log tails from completed runs, per the messages_tools /
// messages_tools_outputs / blended tiers. A failed run's commands/log are
// still eligible for tier-1 ("most recent completed run") inclusion in
// blended context — a failure is still informative conversational context,
// not a run to discard.
func (o *Orchestrator) appendRunDetail(ctx context.Context, b *strings.Builder, thread *model.Thread, depth ContextDepth) error {
	runs, err := o.Stores.Runs.ListByThread(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("listing runs for context assembly: %w", err)
	}
	completed := completedRuns(runs)
	if len(completed) == 0 {
		return nil
	}

	switch depth {
	case DepthMessagesTools:
		o.writeRunCommands(ctx, b, completed[len(completed)-1])
	case DepthMessagesToolsOutputs:
		o.writeRunCommands(ctx, b, completed[len(completed)-1])
		writeRunLogTail(b, completed[len(completed)-1])
	case DepthBlended:
		n := len(completed)
		for i := n - 1; i >= 0 && n-i <= 5; i-- {
			o.writeRunCommands(ctx, b, completed[i])
			writeRunLogTail(b, completed[i])
		}
		for i := n - 6; i >= 0 && n-i <= 15; i-- {
			o.writeRunCommands(ctx, b, completed[i])
		}
	}
	return nil
}

// completedRuns returns runs in state done or failed, oldest first —
// "completed" means the agent stopped running, not that it succeeded.
func completedRuns(runs []*model.Run) []*model.Run {
	var out []*model.Run
	for _, r := range runs {
		if r.State == model.RunDone || r.State == model.RunFailed {
			out = append(out, r)
		}
	}
	return out
}

func (o *Orchestrator) writeRunCommands(ctx context.Context, b *strings.Builder, r *model.Run) {
	cmds, err := o.Stores.Runs.ListCommands(ctx, r.ID)
	if err != nil {
		return
	}
	fmt.Fprintf(b, "\nCommands from run %s (%s):\n", r.ID, r.State)
	for _, c := range cmds {
		status := "allowed"
		if !c.Allowed {
			status = "denied: " + c.Reason
		}
		fmt.Fprintf(b, "  $ %s [%s]\n", strings.Join(c.Argv, " "), status)
	}
}

// writeRunLogTail is the log-tail enrichment named in §4.F step 4, and it
// writes nothing. The per-run JSONL transcript is written by CodexInvoker to
// <LogDir>/<runID>.jsonl and gzip-compressed on close, but no run's LogPath
// is ever set, so the messages_tools_outputs and blended tiers carry the
// command audits above and no log tail.
func writeRunLogTail(b *strings.Builder, r *model.Run) {}
