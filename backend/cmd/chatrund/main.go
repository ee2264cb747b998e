// Command chatrund is the control plane server: it serves the loopback
// HTTP/JSON API, schedules agent runs against git worktrees, and persists
// everything to a local sqlite database. Grounded on the ancestor task
// runner's main (not retrieved directly, but its shape is implied by
// cmd/root.go-style layering in the pack's vanducng-goclaw repo): cobra owns
// flag parsing only, business logic lives entirely in internal/.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatrun/chatrun/backend/internal/advisor"
	"github.com/chatrun/chatrun/backend/internal/bus"
	"github.com/chatrun/chatrun/backend/internal/config"
	"github.com/chatrun/chatrun/backend/internal/gate"
	"github.com/chatrun/chatrun/backend/internal/httpapi"
	"github.com/chatrun/chatrun/backend/internal/logging"
	"github.com/chatrun/chatrun/backend/internal/orchestrator"
	"github.com/chatrun/chatrun/backend/internal/scheduler"
	"github.com/chatrun/chatrun/backend/internal/store"
	"github.com/chatrun/chatrun/backend/internal/store/sqlite"
	"github.com/chatrun/chatrun/backend/internal/summarizer"
	"github.com/chatrun/chatrun/backend/internal/worktree"
)

// version is overwritten by -ldflags "-X main.version=..." in release builds.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var portfolioRoot string

	root := &cobra.Command{
		Use:           "chatrund",
		Short:         "chatrun control plane",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&portfolioRoot, "portfolio", ".", "portfolio root directory")

	root.AddCommand(newServeCmd(&portfolioRoot))
	root.AddCommand(newWorkerCmd(&portfolioRoot))
	root.AddCommand(newMigrateCmd(&portfolioRoot))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the chatrund version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newMigrateCmd(portfolioRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the sqlite schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(slog.LevelInfo)
			cfg, err := config.Load(*portfolioRoot)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.ApplyEnv(cfg)
			db, err := sqlite.Open(cmd.Context(), dbPath(cfg))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			slog.Info("schema applied", "path", dbPath(cfg))
			return nil
		},
	}
}

func newWorkerCmd(portfolioRoot *string) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "run a single agent turn out-of-process and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(slog.LevelInfo)
			cfg, err := config.Load(*portfolioRoot)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.ApplyEnv(cfg)
			db, err := sqlite.Open(cmd.Context(), dbPath(cfg))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			st := stores(db)
			orch := buildOrchestrator(cmd.Context(), cfg, st)

			// A detached worker has no live Scheduler to hand the next run
			// to; it launches its own successor the same way the server
			// would, via a BinaryLauncher pointed at this same executable.
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable path: %w", err)
			}
			orch.Scheduler = scheduler.New(st.Runs, &scheduler.BinaryLauncher{Binary: self})

			orch.RunTurn(cmd.Context(), runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID to execute")
	cmd.MarkFlagRequired("run")
	return cmd
}

func newServeCmd(portfolioRoot *string) *cobra.Command {
	var listenAddr string
	var allowLAN bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(slog.LevelInfo)
			cfg, err := config.Load(*portfolioRoot)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.ApplyEnv(cfg)
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := sqlite.Open(ctx, dbPath(cfg))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			st := stores(db)
			trustedHostsConfigured := len(cfg.Policy.TrustedHosts) > 0
			orch := buildOrchestrator(ctx, cfg, st)

			// Each run executes in its own worker subprocess, detached from
			// this server process, so either can exit independently: a run
			// launched via BinaryLauncher outlives a server restart, and the
			// server can restart without killing an in-flight run.
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable path: %w", err)
			}
			sched := scheduler.New(st.Runs, &scheduler.BinaryLauncher{Binary: self})
			orch.Scheduler = sched

			threadIDs, err := activeThreadIDs(ctx, st)
			if err != nil {
				return fmt.Errorf("listing threads for recovery: %w", err)
			}
			if err := sched.RecoverOnStartup(ctx, threadIDs, cfg.RestartFailInProgress); err != nil {
				slog.Warn("run recovery failed", "err", err)
			}

			srv := &httpapi.Server{
				Cfg: httpapi.Config{
					Port:                   listenPort(cfg.ListenAddr),
					AllowLAN:               allowLAN,
					CORSAllowOrigins:       []string{"http://localhost:5173"},
					TrustedHostsConfigured: trustedHostsConfigured,
					TrustedHosts:           cfg.Policy.TrustedHosts,
				},
				Stores:    st,
				Worktrees: &worktree.Manager{PortfolioRoot: cfg.PortfolioRoot, Timeout: cfg.GitTimeout.Duration()},
				Scheduler: sched,
				Gate:      &gate.Gate{PendingSends: st.PendingSends},
				Advisor:   advisor.New(ctx, st, trustedHostsConfigured, cfg.Advisor.Provider, cfg.Advisor.Model),
				Bus:       bus.New(),
			}

			slog.Info("chatrund starting", "addr", srv.Addr(), "version", version)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	cmd.Flags().BoolVar(&allowLAN, "allow-lan", false, "bind 0.0.0.0 instead of loopback")
	return cmd
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, st *store.Stores) *orchestrator.Orchestrator {
	harness := cfg.Harnesses["codex"]
	command := harness.Command
	if command == "" {
		command = "codex"
	}
	sum := summarizer.New(ctx, st, cfg.Summarizer.Provider, cfg.Summarizer.Model)
	return &orchestrator.Orchestrator{
		Stores:    st,
		Worktrees: &worktree.Manager{PortfolioRoot: cfg.PortfolioRoot, Timeout: cfg.GitTimeout.Duration()},
		Agent: &orchestrator.CodexInvoker{
			Command: command,
			Model:   "",
			Timeout: cfg.RunCommandTimeout.Duration(),
			LogDir:  filepath.Join(cfg.DataDir, "runs"),
		},
		TrustedHosts:     cfg.Policy.TrustedHosts,
		LocalSubcommands: cfg.Policy.PackageManagerSubcommand,
		Summarize:        sum.Summarize,
	}
}

func stores(db *sqlite.DB) *store.Stores {
	return &store.Stores{
		Threads:      sqlite.NewThreads(db),
		Messages:     sqlite.NewMessages(db),
		Actions:      sqlite.NewActions(db),
		Runs:         sqlite.NewRuns(db),
		PendingSends: sqlite.NewPendingSends(db),
		Summaries:    sqlite.NewSummaries(db),
	}
}

func activeThreadIDs(ctx context.Context, st *store.Stores) ([]string, error) {
	threads, err := st.Threads.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "chatrun.db")
}

// listenPort extracts the numeric port from a "host:port" listen address,
// falling back to 8787 (the config default's port) if parsing fails.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8787
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8787
	}
	return port
}
