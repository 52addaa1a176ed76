package main

import (
	"context"
	"log/slog"
	"sync"

	"nostrfeed/internal/nostr"
	"nostrfeed/internal/types"
)

// nip05Marks runs NIP-05 checks in the background as authors appear in
// the feed, so note lines can badge names the author's domain vouches
// for. Each identifier is checked once per process.
type nip05Marks struct {
	mu      sync.Mutex
	started map[string]bool
	good    map[string]bool
}

func newNIP05Marks() *nip05Marks {
	return &nip05Marks{
		started: make(map[string]bool),
		good:    make(map[string]bool),
	}
}

// observe launches a verification for the profile's identifier unless
// one was already started.
func (m *nip05Marks) observe(ctx context.Context, p types.Profile, pubkey string) {
	if p.Nip05 == "" {
		return
	}
	m.mu.Lock()
	if m.started[p.Nip05] {
		m.mu.Unlock()
		return
	}
	m.started[p.Nip05] = true
	m.mu.Unlock()

	go func() {
		res, err := nostr.VerifyNIP05(ctx, p.Nip05, pubkey)
		if err != nil {
			slog.Debug("nip05 verification failed",
				"identifier", p.Nip05, "error", err)
			return
		}
		if !res.Verified {
			slog.Debug("nip05 not attested",
				"identifier", p.Nip05, "pubkey", nostr.ShortID(pubkey))
			return
		}
		m.mu.Lock()
		m.good[pubkey] = true
		m.mu.Unlock()
		slog.Info("nip05 verified",
			"identifier", res.Domain, "pubkey", nostr.ShortID(pubkey))
	}()
}

// name renders the profile's display name, badged when a verification
// has completed for the pubkey.
func (m *nip05Marks) name(p types.Profile, pubkey string) string {
	m.mu.Lock()
	verified := m.good[pubkey]
	m.mu.Unlock()
	if verified {
		return displayName(p, pubkey) + " ✓"
	}
	return displayName(p, pubkey)
}
