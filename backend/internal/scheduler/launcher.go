package scheduler

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/chatrun/chatrun/backend/internal/model"
)

// InProcessLauncher runs a worker function asynchronously in a new
// goroutine within the current process, with no subprocess plumbing.
// cmd/chatrund does not wire it, and the tests use their own fake
// launchers.
type InProcessLauncher struct {
	RunTurn func(ctx context.Context, runID string)
}

func (l *InProcessLauncher) Launch(ctx context.Context, run *model.Run) error {
	go l.RunTurn(context.WithoutCancel(ctx), run.ID)
	return nil
}

// BinaryLauncher spawns a detached worker subprocess: `<Binary> worker
// --run <id>`. Detaching lets the control server restart or exit without
// killing in-flight runs, and lets a run outlive the process that enqueued
// it. This is the production launcher: cmd/chatrund wires it for both the
// serve and worker commands.
type BinaryLauncher struct {
	Binary string
}

func (l *BinaryLauncher) Launch(_ context.Context, run *model.Run) error {
	cmd := exec.Command(l.Binary, "worker", "--run", run.ID)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting detached worker for run %s: %w", run.ID, err)
	}
	// Intentionally do not Wait: the worker is detached and outlives this
	// call. Release the process handle so it isn't treated as a zombie by
	// this process's own wait-for-children bookkeeping.
	return cmd.Process.Release()
}
