// Package policy implements the three-axis access model (§4.C): normalizing
// and validating access triples, classifying shell commands as local or
// network-bearing, and matching hosts against an allowlist. It is grounded
// on the allow/deny pipeline style of the tool-policy engine found in the
// retrieved goclaw repo, adapted from goclaw's group/profile expansion to
// this spec's fixed three-axis model.
package policy

import "fmt"

// Filesystem is the filesystem axis of an access triple.
type Filesystem string

const (
	FilesystemNone      Filesystem = "none"
	FilesystemReadOnly  Filesystem = "read-only"
	FilesystemReadWrite Filesystem = "read-write"
)

// CLI is the shell-execution axis of an access triple.
type CLI string

const (
	CLIOff       CLI = "off"
	CLIReadOnly  CLI = "read-only"
	CLIReadWrite CLI = "read-write"
)

// Network is the network axis of an access triple.
type Network string

const (
	NetworkNone      Network = "none"
	NetworkLocalhost Network = "localhost"
	NetworkAllowlist Network = "allowlist"
	NetworkTrusted   Network = "trusted"
)

// Access is the three-axis access triple governing one run.
type Access struct {
	Filesystem       Filesystem `json:"filesystem"`
	CLI              CLI        `json:"cli"`
	Network          Network    `json:"network"`
	NetworkAllowlist []string   `json:"networkAllowlist,omitempty"`
}

// SandboxMode is the mode string passed to the agent process driver.
type SandboxMode string

const (
	SandboxReadOnly      SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
)

// Validate checks the access-triple consistency rules. trustedHostsConfigured
// reports whether the server has a non-empty configured trusted host pack,
// required when Network is "trusted".
func (a Access) Validate(trustedHostsConfigured bool) error {
	if a.Filesystem == FilesystemNone && a.CLI != CLIOff {
		return fmt.Errorf("filesystem=none requires cli=off")
	}
	if a.CLI == CLIReadWrite && a.Filesystem != FilesystemReadWrite {
		return fmt.Errorf("cli=read-write requires filesystem=read-write")
	}
	if a.CLI == CLIReadOnly && a.Filesystem == FilesystemReadWrite {
		return fmt.Errorf("cli=read-only with filesystem=read-write is unenforceable")
	}
	if a.Network == NetworkAllowlist && len(a.NetworkAllowlist) == 0 {
		return fmt.Errorf("network=allowlist requires a non-empty allowlist")
	}
	if a.Network == NetworkTrusted && !trustedHostsConfigured {
		return fmt.Errorf("network=trusted requires a configured trusted host pack")
	}
	return nil
}

// Coerce returns the least-surprising adjustment of a that satisfies
// Validate, tightening rather than loosening access, plus a human-readable
// description of what changed (empty if nothing did). cli=read-only with
// filesystem=read-write is deliberately left untouched: that combination is
// reject-only (§4.C's consistency table lists it as "Reject (unenforceable)",
// not "Reject or coerce" like the other two rules), so raising cli to
// read-write here would silently grant CLI write access the caller never
// asked for. Callers must re-Validate after Coerce and surface that case as
// an error rather than assume Coerce always produces a valid triple.
func (a Access) Coerce(trustedHostsConfigured bool) (Access, string) {
	out := a
	var reason string
	if out.Filesystem == FilesystemNone && out.CLI != CLIOff {
		out.CLI = CLIOff
		reason = appendReason(reason, "cli forced to off because filesystem=none")
	}
	if out.CLI == CLIReadWrite && out.Filesystem != FilesystemReadWrite {
		out.Filesystem = FilesystemReadWrite
		reason = appendReason(reason, "filesystem forced to read-write because cli=read-write")
	}
	if out.Network == NetworkAllowlist && len(out.NetworkAllowlist) == 0 {
		out.Network = NetworkNone
		reason = appendReason(reason, "network forced to none because no allowlist was provided")
	}
	if out.Network == NetworkTrusted && !trustedHostsConfigured {
		out.Network = NetworkNone
		reason = appendReason(reason, "network forced to none because no trusted host pack is configured")
	}
	return out, reason
}

func appendReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

// SandboxMode derives the sandbox mode passed to the agent process driver.
func (a Access) SandboxMode() SandboxMode {
	if a.Filesystem == FilesystemReadWrite || a.CLI == CLIReadWrite {
		return SandboxWorkspaceWrite
	}
	return SandboxReadOnly
}

// RequiresConfirmation reports whether submitting a message with this
// access would need explicit user confirmation under the Pending-Send Gate:
// any filesystem/cli write, or any network access beyond loopback.
func (a Access) RequiresConfirmation() bool {
	if a.Filesystem == FilesystemReadWrite || a.CLI == CLIReadWrite {
		return true
	}
	if a.Network != NetworkNone && a.Network != NetworkLocalhost {
		return true
	}
	return false
}
