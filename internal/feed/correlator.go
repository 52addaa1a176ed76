package feed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"nostrfeed/internal/nostr"
	"nostrfeed/internal/types"
)

// newSubscriptionID returns a fresh identifier for tagging REQ frames.
// Hyphens are stripped; some relays reject ids longer than 64 chars and
// the hyphens carry no information.
func newSubscriptionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Profile returns the profile for a pubkey. Cached profiles return
// immediately; otherwise a point lookup is broadcast and awaited under
// the configured timeout. Missing profile data is never an error: the
// fallback is the anonymous profile. Concurrent callers for the same
// pubkey share one lookup.
func (s *Session) Profile(ctx context.Context, pubkey string) types.Profile {
	s.mu.RLock()
	p, ok := s.profiles[pubkey]
	s.mu.RUnlock()
	if ok {
		return p
	}

	v, _, shared := s.profileFlight.Do(pubkey, func() (interface{}, error) {
		// Re-check under the flight: a caller that missed the cache may
		// reach here after another flight already resolved the profile.
		s.mu.RLock()
		p, ok := s.profiles[pubkey]
		s.mu.RUnlock()
		if ok {
			return p, nil
		}
		return s.lookupProfile(ctx, pubkey), nil
	})
	if shared {
		slog.Debug("shared profile lookup", "pubkey", nostr.ShortID(pubkey))
	}
	return v.(types.Profile)
}

// lookupProfile registers a pending completion for the pubkey, then
// broadcasts the filtered request. Registration happens first so an
// event racing the broadcast still finds its waiter. The completion is
// resolved by the ingestion path (first matching event) or by the
// subscription's end-of-stream marker (explicit not-found).
func (s *Session) lookupProfile(ctx context.Context, pubkey string) types.Profile {
	subID := newSubscriptionID()
	ch := make(chan types.Profile, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.AnonymousProfile()
	}
	s.pendingProfiles[pubkey] = ch
	s.profileSubs[subID] = pubkey
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindProfile},
		Limit:   1,
	}))

	timer := time.NewTimer(s.cfg.LookupTimeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p
	case <-timer.C:
	case <-ctx.Done():
	case <-s.done:
	}

	// Abandon the pending entry. A late event still updates the cache
	// through normal ingestion; only this call falls back.
	s.mu.Lock()
	if s.pendingProfiles[pubkey] == ch {
		delete(s.pendingProfiles, pubkey)
	}
	delete(s.profileSubs, subID)
	s.mu.Unlock()
	s.pool.Broadcast(nostr.CloseMessage(subID))

	return types.AnonymousProfile()
}

// resolveProfilePending completes the waiter for a pubkey, if one
// exists. The delete happens under the lock so exactly one send ever
// reaches the buffered channel.
func (s *Session) resolveProfilePending(pubkey string, p types.Profile) {
	s.mu.Lock()
	ch, ok := s.pendingProfiles[pubkey]
	if ok {
		delete(s.pendingProfiles, pubkey)
	}
	s.mu.Unlock()
	if ok {
		ch <- p
	}
}

// lookupEvent fetches a single event by id across all open sockets,
// racing the first responder. Returns nil when no relay answers within
// the timeout. Used to resolve repost originals that do not embed their
// payload. Concurrent lookups for the same id share one request.
func (s *Session) lookupEvent(ctx context.Context, id string) *types.Event {
	v, _, _ := s.eventFlight.Do(id, func() (interface{}, error) {
		return s.lookupEventDirect(ctx, id), nil
	})
	evt, _ := v.(*types.Event)
	return evt
}

func (s *Session) lookupEventDirect(ctx context.Context, id string) *types.Event {
	subID := newSubscriptionID()
	ch := make(chan *types.Event, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.pendingEvents[id] = ch
	s.eventSubs[subID] = id
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, types.Filter{
		IDs:   []string{id},
		Limit: 1,
	}))

	timer := time.NewTimer(s.cfg.LookupTimeout)
	defer timer.Stop()

	select {
	case evt := <-ch:
		return evt
	case <-timer.C:
	case <-ctx.Done():
	case <-s.done:
	}

	s.mu.Lock()
	if s.pendingEvents[id] == ch {
		delete(s.pendingEvents, id)
	}
	delete(s.eventSubs, subID)
	s.mu.Unlock()
	s.pool.Broadcast(nostr.CloseMessage(subID))

	return nil
}

// resolveEventPending completes the waiter for an event id. A nil event
// means explicit not-found.
func (s *Session) resolveEventPending(id string, evt *types.Event) {
	s.mu.Lock()
	ch, ok := s.pendingEvents[id]
	if ok {
		delete(s.pendingEvents, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- evt
	}
}

// routePointLookup intercepts EVENT frames belonging to single-event
// fetches before they reach the bulk pipeline. Returns true when the
// frame was consumed.
func (s *Session) routePointLookup(env nostr.Envelope) bool {
	s.mu.RLock()
	id, ok := s.eventSubs[env.SubID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	evt, err := nostr.DecodeEvent(env.EventRaw)
	if err != nil || evt.ID != id {
		slog.Debug("ignoring mismatched lookup reply", "sub", env.SubID, "error", err)
		return true
	}

	s.mu.Lock()
	delete(s.eventSubs, env.SubID)
	s.mu.Unlock()

	s.resolveEventPending(id, evt)
	s.pool.Broadcast(nostr.CloseMessage(env.SubID))
	return true
}
