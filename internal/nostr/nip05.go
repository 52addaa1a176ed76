package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidNIP05 is returned for identifiers that are not in the
// name@domain form NIP-05 requires.
var ErrInvalidNIP05 = errors.New("nostr: malformed nip05 identifier")

// nip05Client fetches .well-known documents. Kept short so a dead
// domain cannot stall callers, and capped on redirects.
var nip05Client = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// NIP05Result is the outcome of verifying an identifier against its
// domain's nostr.json document.
type NIP05Result struct {
	// Verified is true when the domain attests that the identifier
	// belongs to the queried pubkey.
	Verified bool
	// Domain is the display form: "example.com" for "_@example.com",
	// otherwise the full lowercased identifier.
	Domain string
	// Relays holds the domain's relay hints for the pubkey, normalized
	// with NormalizeRelayURL. Unparseable entries are dropped.
	Relays []string
}

// VerifyNIP05 checks a name@domain identifier against the domain's
// /.well-known/nostr.json document. A nil error with Verified false
// means the domain answered but does not vouch for the pubkey; an
// error means the identifier was malformed or the fetch failed.
func VerifyNIP05(ctx context.Context, identifier, pubkey string) (NIP05Result, error) {
	parts := strings.SplitN(identifier, "@", 2)
	if len(parts) != 2 {
		return NIP05Result{}, ErrInvalidNIP05
	}
	name := strings.ToLower(strings.TrimSpace(parts[0]))
	domain := strings.ToLower(strings.TrimSpace(parts[1]))
	if name == "" || domain == "" || strings.ContainsAny(domain, "/\\") {
		return NIP05Result{}, ErrInvalidNIP05
	}
	if unreachableHost(domain) {
		return NIP05Result{}, fmt.Errorf("nostr: nip05 domain %q is not publicly reachable", domain)
	}

	result := NIP05Result{Domain: name + "@" + domain}
	if name == "_" {
		result.Domain = domain
	}

	url := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result, fmt.Errorf("building nip05 request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := nip05Client.Do(req)
	if err != nil {
		return result, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	var doc struct {
		Names  map[string]string   `json:"names"`
		Relays map[string][]string `json:"relays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return result, fmt.Errorf("parsing nip05 response from %s: %w", domain, err)
	}

	attested, ok := doc.Names[name]
	if !ok || !strings.EqualFold(attested, pubkey) {
		return result, nil
	}

	result.Verified = true
	for _, hint := range doc.Relays[attested] {
		if normalized := NormalizeRelayURL(hint); normalized != "" {
			result.Relays = append(result.Relays, normalized)
		}
	}
	return result, nil
}
