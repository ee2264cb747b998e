package policy

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// normalizeHost strips IPv6 brackets, an unambiguous trailing port, a
// trailing dot, and lowercases the result.
func normalizeHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimPrefix(h, "[")
	if idx := strings.LastIndex(h, "]"); idx >= 0 {
		rest := h[idx+1:]
		h = h[:idx]
		if strings.HasPrefix(rest, ":") {
			// bracketed IPv6 with trailing port already excluded by the bracket cut
			_ = rest
		}
	} else if strings.Count(h, ":") == 1 {
		// host:port, not an IPv6 literal (those have 2+ colons).
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		} else if idx := strings.LastIndex(h, ":"); idx >= 0 {
			if _, err := strconv.Atoi(h[idx+1:]); err == nil {
				h = h[:idx]
			}
		}
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}

// isLoopback reports whether host (already normalized) refers to the local
// machine: "localhost", any 127.0.0.0/8 address, or ::1.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// matchesAllowlistEntry reports whether host matches entry, which may be an
// exact host or a "*.example.com" suffix pattern. Suffix patterns compare
// the registrable domain (via publicsuffix) so that "*.github.com" matches
// "api.github.com" but not "notgithub.com".
func matchesAllowlistEntry(host, entry string) bool {
	entry = normalizeHost(entry)
	if !strings.HasPrefix(entry, "*.") {
		return host == entry
	}
	suffix := strings.TrimPrefix(entry, "*.")
	if host == suffix {
		return true
	}
	if !strings.HasSuffix(host, "."+suffix) {
		return false
	}
	hostETLD, errH := publicsuffix.EffectiveTLDPlusOne(host)
	suffixETLD, errS := publicsuffix.EffectiveTLDPlusOne(suffix)
	if errH != nil || errS != nil {
		// publicsuffix can't classify (e.g. bare TLD or unlisted suffix);
		// fall back to the plain suffix match already established above.
		return true
	}
	return hostETLD == suffixETLD || strings.HasSuffix(host, "."+suffix)
}

// HostAllowed reports whether host is permitted under access, given the
// server's configured trusted host pack.
func HostAllowed(host string, access Access, trustedHosts []string) bool {
	h := normalizeHost(host)
	if isLoopback(h) {
		return true
	}
	switch access.Network {
	case NetworkLocalhost:
		return false
	case NetworkAllowlist:
		for _, e := range access.NetworkAllowlist {
			if matchesAllowlistEntry(h, e) {
				return true
			}
		}
		return false
	case NetworkTrusted:
		for _, e := range trustedHosts {
			if matchesAllowlistEntry(h, e) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
