package nostr

import (
	"net/url"
	"strings"
)

// NormalizeRelayURL validates and canonicalizes a relay URL as found in
// the wild (relay list tags, user config). Returns "" for anything that
// cannot be a reachable websocket relay. Lowercases scheme and host and
// strips a bare trailing slash, so normalized URLs compare by string.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}
	// Relay lists carry plenty of garbage: prose, URL-encoded spaces,
	// doubled protocols.
	if !strings.Contains(relayURL, "://") || strings.Count(relayURL, "://") > 1 {
		return ""
	}
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	if unreachableHost(host) {
		return ""
	}

	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// unreachableHost reports hosts no public client can dial
func unreachableHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".lan")
}
