// Package scheduler implements the per-thread serial run queue, driven
// exclusively by the Store's atomic claim, with workers launched as
// detached processes so the control server and in-flight runs can exit
// independently. Grounded on the ancestor task runner's claim-and-launch
// loop (internal/task/runner.go), generalized from that runner's
// container-attached worker model to a detached-subprocess-or-in-process
// worker abstraction (Launcher below).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrun/chatrun/backend/internal/model"
	"github.com/chatrun/chatrun/backend/internal/policy"
	"github.com/chatrun/chatrun/backend/internal/store"
)

// Launcher starts a worker to execute run. Implementations may spawn a
// detached OS subprocess (BinaryLauncher: a compiled binary surviving
// server restart) or run the turn in a goroutine within the current
// process (InProcessLauncher). Either way,
// Launch must not block past the point where the worker has taken
// ownership of run.
type Launcher interface {
	Launch(ctx context.Context, run *model.Run) error
}

// Scheduler attempts claims and dispatches workers. It holds no
// per-thread locks: Store.ClaimNext already refuses to promote a second
// run for a thread that has one running, so Scheduler only needs to
// *attempt* a claim whenever a run is created or a prior run finishes.
type Scheduler struct {
	Runs     store.Runs
	Launcher Launcher
}

// New builds a Scheduler.
func New(runs store.Runs, launcher Launcher) *Scheduler {
	return &Scheduler{Runs: runs, Launcher: launcher}
}

// Enqueue creates a new queued run and attempts to claim+launch it
// immediately. If another run is already active for the thread, the claim
// is a no-op and this run waits for that worker's finishing handoff.
//
// contextDepth and access are snapshotted onto the run at enqueue time
// (§3's Run definition) so a later change to the thread's defaults never
// alters a run already queued or in flight.
func (s *Scheduler) Enqueue(ctx context.Context, threadID, prompt, harness, cwd string, contextDepth string, access policy.Access) (*model.Run, error) {
	accessJSON, err := json.Marshal(access)
	if err != nil {
		return nil, fmt.Errorf("marshaling access snapshot: %w", err)
	}
	run := &model.Run{
		ID:           newRunID(),
		ThreadID:     threadID,
		State:        model.RunQueued,
		Prompt:       prompt,
		Harness:      harness,
		ContextDepth: contextDepth,
		AccessJSON:   string(accessJSON),
		CWD:          cwd,
		QueuedAt:     time.Now(),
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		return nil, err
	}
	s.attemptClaim(ctx, threadID)
	return run, nil
}

// attemptClaim tries to claim and launch the next queued run for threadID.
// ClaimNext already moved the run to "running" before Launch is attempted,
// so a Launch failure must explicitly mark the run failed rather than leave
// it stuck running forever with no worker ever set to finish it.
func (s *Scheduler) attemptClaim(ctx context.Context, threadID string) {
	run, err := s.Runs.ClaimNext(ctx, threadID)
	if err != nil {
		slog.Error("claiming next run failed", "thread", threadID, "err", err)
		return
	}
	if run == nil {
		return
	}
	if err := s.Launcher.Launch(ctx, run); err != nil {
		slog.Error("launching worker failed", "run", run.ID, "thread", threadID, "err", err)
		if ferr := s.Runs.Finish(ctx, run.ID, model.RunFailed, err.Error(), 0, 0); ferr != nil {
			slog.Error("marking unlaunchable run failed", "run", run.ID, "thread", threadID, "err", ferr)
			return
		}
		s.attemptClaim(ctx, threadID)
	}
}

// OnFinished must be called by a worker exactly once, after it has
// transitioned its run to done or failed, so the scheduler can chain a
// worker for the thread's next queued run.
func (s *Scheduler) OnFinished(ctx context.Context, threadID string) {
	s.attemptClaim(ctx, threadID)
}

// RecoverOnStartup resolves runs orphaned by an unclean shutdown (left in
// "running" with no worker left to finish them) and, unless failFast marks
// them failed outright, requeues them and immediately attempts to chain a
// worker for each affected thread so recovery is self-driving rather than
// waiting for the next user action. failFast is the operator's clean-slate
// toggle: environments that would rather see an interrupted run surfaced as
// a failure than silently relaunched set it, trading auto-resume for a
// known-good starting state.
func (s *Scheduler) RecoverOnStartup(ctx context.Context, threadIDs []string, failFast bool) error {
	if failFast {
		n, err := s.Runs.FailOrphaned(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("marked orphaned runs failed after restart", "count", n)
		}
		return nil
	}

	n, err := s.Runs.RequeueOrphaned(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("requeued orphaned runs after restart", "count", n)
	}
	for _, id := range threadIDs {
		s.attemptClaim(ctx, id)
	}
	return nil
}

var newRunID = func() string { return genID() }
