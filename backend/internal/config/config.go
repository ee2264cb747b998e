// Package config loads the chatrund server configuration. Precedence, low to
// high: built-in defaults, home config (~/.chatrun/config.yaml), project
// config (<portfolio>/.chatrun/config.yaml), environment variables prefixed
// CHATRUN_, command-line flags. Callers apply each layer in that order; this
// package only parses one file/layer at a time plus defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the fully-resolved server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8787". Only its port is
	// used: the server binds loopback unless serve's --allow-lan flag is
	// set, so a non-loopback host here does not expose the server.
	ListenAddr string `yaml:"listen_addr"`

	// PortfolioRoot is the directory containing the registered projects.
	PortfolioRoot string `yaml:"portfolio_root"`

	// DataDir holds the sqlite database and run transcripts. Worktrees live
	// under PortfolioRoot's .system/chat-worktrees, not here.
	DataDir string `yaml:"data_dir"`

	// Harnesses maps a harness name (e.g. "codex", "claude") to the agent
	// binary invoked by the Agent Process Driver.
	Harnesses map[string]HarnessConfig `yaml:"harnesses"`

	// Policy holds the trusted-host and package-manager-subcommand
	// allowlists. Its Filesystem/CLI/Network fields are parsed but not read:
	// new threads get the server's built-in default access.
	Policy PolicyConfig `yaml:"policy"`

	// Summarizer configures the Rolling Summarizer's bounded model calls.
	Summarizer ModelConfig `yaml:"summarizer"`

	// Advisor configures the Suggestion Advisor's bounded model calls.
	Advisor ModelConfig `yaml:"advisor"`

	// RunCommandTimeout bounds one whole agent invocation (the driver's
	// timeout), not each shell command the agent issues.
	RunCommandTimeout Duration `yaml:"run_command_timeout"`

	// GitTimeout bounds git plumbing commands (worktree add/remove/merge).
	GitTimeout Duration `yaml:"git_timeout"`

	// RestartFailInProgress selects the clean-slate restart-recovery policy:
	// a run stuck in "running" when the server starts is marked failed
	// instead of being requeued and auto-resumed. Off by default, matching
	// the auto-resume behavior operators get without opting in.
	RestartFailInProgress bool `yaml:"restart_fail_in_progress"`
}

// HarnessConfig describes one external agent binary.
type HarnessConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ModelConfig names the provider and model backing a bounded, read-only
// invocation. An empty Provider disables the feature entirely (the
// Summarizer/Advisor fall back to a no-op), matching their own New
// constructors' documented behavior.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PolicyConfig holds a three-axis access triple (parsed, but not read by
// the server) plus the trusted hosts and the package-manager-subcommand
// allowlist, which per design decision is pinned
// in versioned config rather than code so it can be adjusted without a
// rebuild. The string values here are the policy package's own vocabulary
// (policy.Filesystem/CLI/Network string constants), not a separate one, so
// loading config never needs a translation layer.
type PolicyConfig struct {
	Filesystem               string   `yaml:"filesystem"` // "none" | "read-only" | "read-write"
	CLI                      string   `yaml:"cli"`         // "off" | "read-only" | "read-write"
	Network                  string   `yaml:"network"`     // "none" | "localhost" | "allowlist" | "trusted"
	TrustedHosts             []string `yaml:"trusted_hosts"`
	PackageManagerSubcommand []string `yaml:"package_manager_subcommands"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8787",
		PortfolioRoot: ".",
		DataDir:       ".chatrun",
		Harnesses:     map[string]HarnessConfig{},
		Policy: PolicyConfig{
			Filesystem: "read-write",
			CLI:        "read-only",
			Network:    "none",
			PackageManagerSubcommand: []string{
				"install", "add", "remove", "update", "ci", "run", "test",
			},
		},
		RunCommandTimeout: Duration(5 * time.Minute),
		GitTimeout:        Duration(30 * time.Second),
	}
}

// Load reads and merges config layers in precedence order: defaults, home
// config, project config. Environment variables and flags are applied by
// the caller (cmd/chatrund) after Load returns, since only it knows the
// flag set.
func Load(portfolioRoot string) (*Config, error) {
	cfg := defaults()
	cfg.PortfolioRoot = portfolioRoot

	home, err := os.UserHomeDir()
	if err == nil {
		if err := mergeFile(cfg, filepath.Join(home, ".chatrun", "config.yaml")); err != nil {
			return nil, err
		}
	}
	if err := mergeFile(cfg, filepath.Join(portfolioRoot, ".chatrun", "config.yaml")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays CHATRUN_-prefixed environment variables onto cfg, the
// layer above project config and below command-line flags. Only the knobs
// an operator would plausibly set without a config file are covered; finer
// detail (per-harness args, the trusted-host list) stays file-only.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("CHATRUN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHATRUN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHATRUN_RESTART_FAIL_IN_PROGRESS"); v != "" {
		cfg.RestartFailInProgress = v == "1" || v == "true"
	}
}

// mergeFile overlays the YAML file at path onto cfg. A missing file is not
// an error; it simply contributes no overrides.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
