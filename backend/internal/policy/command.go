package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// networkCapableCommands are binaries that can reach the network. For curl,
// wget and ssh the first non-option argument is taken as a target; for git
// and the rest it is the first non-option argument after a network
// (non-local) subcommand.
var networkCapableCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "rsync": true,
	"npm": true, "yarn": true, "pnpm": true, "pip": true, "pip3": true,
	"git": true, "go": true, "gem": true, "cargo": true,
}

// localPackageManagerSubcommands are subcommands of the above that never
// touch the network even though the top-level binary can, e.g. `npm run`.
// The configured allowlist (config.PolicyConfig.PackageManagerSubcommand)
// supplements this built-in set.
var localPackageManagerSubcommands = map[string]bool{
	"run": true, "test": true, "exec": true, "list": true, "why": true,
	"build": true, "lint": true,
}

var gitNetworkSubcommands = map[string]bool{
	"clone": true, "fetch": true, "pull": true, "push": true,
	"ls-remote": true, "remote": true, "submodule": true, "archive": true,
}

var (
	urlRe      = regexp.MustCompile(`(?i)\b(https?|wss?|ftp|ssh)://[^\s'"]+`)
	scpRe      = regexp.MustCompile(`\b[\w.\-]+@[\w.\-]+:[^\s'"]*`)
	hostPortRe = regexp.MustCompile(`\b([\w.\-]+):(\d{2,5})\b`)
)

// hostFromURLish strips a scheme, userinfo, and path/query/fragment from s,
// leaving a bare host[:port] suitable for normalizeHost. s may already be
// a bare host with no scheme, in which case only the path suffix (if any)
// is stripped.
func hostFromURLish(s string) string {
	rest := s
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	for i, c := range rest {
		if c == '/' || c == '?' || c == '#' {
			rest = rest[:i]
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return rest
}

// ExtractHosts returns the candidate network target hosts referenced by
// command (a single shell command line, which ExtractHosts splits into argv
// with strings.Fields and so cannot see through quoting or variable
// expansion). extraLocalSubcommands supplements localPackageManagerSubcommands
// with operator-configured additions (config.PolicyConfig.PackageManagerSubcommand).
func ExtractHosts(command string, extraLocalSubcommands []string) []string {
	var hosts []string
	seen := map[string]bool{}
	isLocalSubcommand := func(sub string) bool {
		if localPackageManagerSubcommands[sub] {
			return true
		}
		for _, s := range extraLocalSubcommands {
			if s == sub {
				return true
			}
		}
		return false
	}
	add := func(h string) {
		h = normalizeHost(h)
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}

	for _, m := range urlRe.FindAllString(command, -1) {
		add(hostFromURLish(m))
	}
	for _, m := range scpRe.FindAllString(command, -1) {
		at := strings.Index(m, "@")
		colon := strings.Index(m, ":")
		if at >= 0 && colon > at {
			add(m[at+1 : colon])
		}
	}
	for _, m := range hostPortRe.FindAllStringSubmatch(command, -1) {
		add(m[1])
	}

	argv := strings.Fields(command)
	if len(argv) > 0 {
		base := argv[0]
		if slash := strings.LastIndex(base, "/"); slash >= 0 {
			base = base[slash+1:]
		}
		if networkCapableCommands[base] {
			if base == "git" {
				if len(argv) > 1 && gitNetworkSubcommands[argv[1]] {
					for _, tok := range argv[2:] {
						if !strings.HasPrefix(tok, "-") {
							add(hostFromURLish(tok))
							break
						}
					}
				}
			} else if base == "curl" || base == "wget" || base == "ssh" {
				for _, tok := range argv[1:] {
					if !strings.HasPrefix(tok, "-") {
						add(hostFromURLish(tok))
						break
					}
				}
			} else if len(argv) > 1 && !isLocalSubcommand(argv[1]) {
				for _, tok := range argv[2:] {
					if !strings.HasPrefix(tok, "-") {
						add(hostFromURLish(tok))
						break
					}
				}
			}
		}
	}
	return hosts
}

// Enforce inspects command under access and returns nil if permitted, else
// a human-readable denial reason. If access.CLI is off, any command at all
// is denied.
func Enforce(command string, access Access, trustedHosts []string, extraLocalSubcommands []string) error {
	if access.CLI == CLIOff {
		return fmt.Errorf("CLI access is disabled")
	}
	hosts := ExtractHosts(command, extraLocalSubcommands)
	for _, h := range hosts {
		if !HostAllowed(h, access, trustedHosts) {
			return fmt.Errorf("command targets disallowed host %q", h)
		}
	}
	return nil
}
