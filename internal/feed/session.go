// Package feed implements the client session core: relay frames in,
// deduplicated domain entities and callbacks out. One Session tracks
// one subject (a feed with its follow graph, a single profile, or a
// single note) across every configured relay.
package feed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"nostrfeed/internal/config"
	"nostrfeed/internal/nostr"
	"nostrfeed/internal/relay"
	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

// Scope selects what a session tracks
type Scope int

const (
	// ScopeFeed follows the subject and everyone on their follow list.
	ScopeFeed Scope = iota
	// ScopeProfile follows a single author's notes.
	ScopeProfile
	// ScopeNote watches one note and its thread.
	ScopeNote
)

func (sc Scope) String() string {
	switch sc {
	case ScopeFeed:
		return "feed"
	case ScopeProfile:
		return "profile"
	case ScopeNote:
		return "note"
	default:
		return fmt.Sprintf("scope(%d)", int(sc))
	}
}

// Callbacks notify the owning application of cache changes. All
// callbacks fire from the session's event loop and must not block; a
// callback that needs the session's accessors should hand off to its
// own goroutine.
type Callbacks struct {
	OnNewNote       func(note types.Note)
	OnReactions     func(noteID string, reactions []types.Reaction)
	OnReactionCount func(noteID string, count int)
	OnReplies       func(noteID string, replies []types.Reply)
	OnReplyCount    func(noteID string, count int)
	OnReposts       func(noteID string, reposts []types.Repost)
	OnRepostCount   func(noteID string, count int)
}

type inboundFrame struct {
	data  []byte
	relay string
}

type resolvedRepost struct {
	wrap     *types.Event
	original *types.Event
}

// Session is the event-processing core for one subject. Mutations run
// on a single event loop; accessors read a consistent snapshot under a
// read lock. The store is caller-owned and outlives the session.
type Session struct {
	cfg     config.Config
	subject string
	scope   Scope
	cb      Callbacks
	signer  nostr.Signer
	store   store.Store
	pool    *relay.Pool
	decoder *decoder

	frames      chan inboundFrame
	localEvents chan *types.Event
	resolved    chan resolvedRepost
	done        chan struct{}

	mu      sync.RWMutex
	closed  bool
	running bool

	// Domain caches, event-loop owned
	notes       []types.Note // sorted by SortKey desc
	noteKeys    map[string]bool
	reactions   map[string][]types.Reaction
	reactionIDs map[string]bool
	replies     map[string][]types.Reply
	replyIDs    map[string]bool
	reposts     map[string][]types.Repost
	repostIDs   map[string]bool
	profiles    map[string]types.Profile
	zapTotals   map[string]int64
	zapIDs      map[string]bool

	targets     map[string]bool
	contactsAt  int64
	relayList   types.RelayList
	relayListAt int64

	// Live subscriptions, replayed per relay after reconnect
	liveSubs     map[string][]types.Filter
	feedSubID    string
	blanketSubID string

	// Correlator state
	profileFlight   singleflight.Group
	eventFlight     singleflight.Group
	pendingProfiles map[string]chan types.Profile
	profileSubs     map[string]string // subID -> pubkey
	pendingEvents   map[string]chan *types.Event
	eventSubs       map[string]string // subID -> event id
	pendingContacts chan struct{}
	bootstrapSubID  string
	oneShots        map[string]bool

	// Backlog buffering per subscription until its first EOSE
	backlogs   map[string][]json.RawMessage
	batchBusy  bool
	batchQueue [][]json.RawMessage

	framesSeen    atomic.Int64
	eventsSeen    atomic.Int64
	accepted      atomic.Int64
	duplicates    atomic.Int64
	dropped       atomic.Int64
	decodeBatches atomic.Int64
	reconnects    atomic.Int64
}

// New builds a session. The subject is a 64-char hex id: a pubkey for
// feed and profile scopes, a note id for note scope. A nil store falls
// back to an in-memory one; a nil signer disables the publish actions.
func New(cfg config.Config, st store.Store, signer nostr.Signer, subject string, scope Scope, cb Callbacks) (*Session, error) {
	if !validHexID(subject) {
		return nil, fmt.Errorf("subject must be 64 hex chars, got %d", len(subject))
	}
	if scope != ScopeFeed && scope != ScopeProfile && scope != ScopeNote {
		return nil, fmt.Errorf("unknown session scope %d", int(scope))
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	s := &Session{
		cfg:     cfg,
		subject: subject,
		scope:   scope,
		cb:      cb,
		signer:  signer,
		store:   st,
		decoder: newDecoder(),

		frames:      make(chan inboundFrame, 256),
		localEvents: make(chan *types.Event, 32),
		resolved:    make(chan resolvedRepost, 32),
		done:        make(chan struct{}),

		noteKeys:    make(map[string]bool),
		reactions:   make(map[string][]types.Reaction),
		reactionIDs: make(map[string]bool),
		replies:     make(map[string][]types.Reply),
		replyIDs:    make(map[string]bool),
		reposts:     make(map[string][]types.Repost),
		repostIDs:   make(map[string]bool),
		profiles:    make(map[string]types.Profile),
		zapTotals:   make(map[string]int64),
		zapIDs:      make(map[string]bool),

		targets: map[string]bool{subject: true},

		liveSubs:        make(map[string][]types.Filter),
		pendingProfiles: make(map[string]chan types.Profile),
		profileSubs:     make(map[string]string),
		pendingEvents:   make(map[string]chan *types.Event),
		eventSubs:       make(map[string]string),
		oneShots:        make(map[string]bool),
		backlogs:        make(map[string][]json.RawMessage),
	}

	s.pool = relay.NewPool(cfg.Relays, relay.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
	}, relay.Callbacks{
		OnFrame:      s.onFrame,
		OnDisconnect: s.onDisconnect,
		OnConnect:    s.onConnect,
	})

	return s, nil
}

func validHexID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Init hydrates the caches from the store, connects the relay pool,
// resolves the tracked target set, and starts the live subscriptions
// and the event loop. Call once; further calls are no-ops.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.hydrate(ctx)
	go s.run()

	s.pool.ConnectAll(ctx)
	s.resolveTargets(ctx)
	s.startLiveSubs()

	slog.Info("session initialized",
		"scope", s.scope.String(),
		"subject", nostr.ShortID(s.subject),
		"relays", s.pool.OpenCount(),
		"notes", len(s.Notes()))
	return nil
}

// hydrate merges persisted records into the empty caches. The store is
// merged, not replaced: a crash between a memory update and its persist
// loses at most the unpersisted tail. Note decoding goes through the
// background decoder; the other collections are small enough inline.
func (s *Session) hydrate(ctx context.Context) {
	if records, err := s.store.List(ctx, store.CollectionUsers); err != nil {
		slog.Warn("profile hydration skipped", "error", err)
	} else {
		s.mu.Lock()
		for pk, data := range records {
			var p types.Profile
			if err := json.Unmarshal(data, &p); err != nil {
				slog.Debug("skipping unreadable profile record", "key", pk, "error", err)
				continue
			}
			s.profiles[pk] = p
		}
		s.mu.Unlock()
	}

	if records, err := s.store.List(ctx, store.CollectionReactions); err != nil {
		slog.Warn("reaction hydration skipped", "error", err)
	} else {
		s.mu.Lock()
		for key, data := range records {
			var r types.Reaction
			if err := json.Unmarshal(data, &r); err != nil || r.ID == "" || r.NoteID == "" {
				slog.Debug("skipping unreadable reaction record", "key", key)
				continue
			}
			if s.reactionIDs[r.ID] {
				continue
			}
			s.reactionIDs[r.ID] = true
			s.reactions[r.NoteID] = append(s.reactions[r.NoteID], r)
		}
		s.mu.Unlock()
	}

	if records, err := s.store.List(ctx, store.CollectionReplies); err != nil {
		slog.Warn("reply hydration skipped", "error", err)
	} else {
		s.mu.Lock()
		for key, data := range records {
			var r types.Reply
			if err := json.Unmarshal(data, &r); err != nil || r.ID == "" || r.ParentID == "" {
				slog.Debug("skipping unreadable reply record", "key", key)
				continue
			}
			if s.replyIDs[r.ID] {
				continue
			}
			s.replyIDs[r.ID] = true
			s.replies[r.ParentID] = append(s.replies[r.ParentID], r)
		}
		s.mu.Unlock()
	}

	if records, err := s.store.List(ctx, store.CollectionReposts); err != nil {
		slog.Warn("repost hydration skipped", "error", err)
	} else {
		s.mu.Lock()
		for key, data := range records {
			var r types.Repost
			if err := json.Unmarshal(data, &r); err != nil || r.ID == "" || r.NoteID == "" {
				slog.Debug("skipping unreadable repost record", "key", key)
				continue
			}
			if s.repostIDs[r.ID] {
				continue
			}
			s.repostIDs[r.ID] = true
			s.reposts[r.NoteID] = append(s.reposts[r.NoteID], r)
		}
		s.mu.Unlock()
	}

	records, err := s.store.List(ctx, store.CollectionNotes)
	if err != nil {
		slog.Warn("note hydration skipped", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	s.decoder.requests <- decodeMsg{kind: decodeCacheRequest, records: records}
	var reply decodeMsg
	select {
	case reply = <-s.decoder.replies:
	case <-time.After(10 * time.Second):
		// A reply landing after this point reaches the event loop,
		// which ignores unexpected reply kinds.
		slog.Error("note hydration timed out", "records", len(records))
		return
	}
	if reply.kind != decodeCacheReply {
		slog.Error("note hydration decode failed", "error", reply.err)
		return
	}
	for _, n := range reply.notes {
		s.insertNote(n)
	}
	slog.Debug("caches hydrated", "notes", len(reply.notes))
}

// resolveTargets fetches the subject's follow list (feed scope) and
// advertised relay list in one bootstrap subscription. The follow list
// is awaited so the first live subscription already carries the full
// author set; everything else is opportunistic.
func (s *Session) resolveTargets(ctx context.Context) {
	if s.scope == ScopeNote {
		return
	}

	subID := newSubscriptionID()
	filters := []types.Filter{{
		Authors: []string{s.subject},
		Kinds:   []int{nostr.KindRelayList},
		Limit:   1,
	}}

	var wait chan struct{}
	if s.scope == ScopeFeed {
		wait = make(chan struct{})
		filters = append([]types.Filter{{
			Authors: []string{s.subject},
			Kinds:   []int{nostr.KindContacts},
			Limit:   1,
		}}, filters...)
	}

	s.mu.Lock()
	s.bootstrapSubID = subID
	s.pendingContacts = wait
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, filters...))

	if wait == nil {
		return
	}
	timer := time.NewTimer(s.cfg.LookupTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
		slog.Debug("follow list lookup timed out", "subject", nostr.ShortID(s.subject))
	case <-ctx.Done():
	case <-s.done:
	}
}

// resolveContacts releases the Init goroutine waiting on the follow
// list. Safe to call when nothing waits.
func (s *Session) resolveContacts() {
	s.mu.Lock()
	ch := s.pendingContacts
	s.pendingContacts = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// startLiveSubs opens the scope's primary subscription plus the blanket
// subscription over cached notes. The primary subscription's stored
// history is buffered and batch-decoded; everything after its first
// EOSE flows inline.
func (s *Session) startLiveSubs() {
	subID := newSubscriptionID()
	var filters []types.Filter
	switch s.scope {
	case ScopeFeed:
		filters = []types.Filter{{
			Authors: s.sortedTargets(),
			Kinds:   []int{nostr.KindNote, nostr.KindRepost},
			Limit:   s.cfg.FeedLimit,
		}}
	case ScopeProfile:
		filters = []types.Filter{{
			Authors: []string{s.subject},
			Kinds:   []int{nostr.KindNote, nostr.KindRepost},
			Limit:   s.cfg.FeedLimit,
		}}
	case ScopeNote:
		filters = []types.Filter{{
			IDs:   []string{s.subject},
			Limit: 1,
		}}
	}

	s.mu.Lock()
	s.feedSubID = subID
	s.liveSubs[subID] = filters
	s.backlogs[subID] = nil
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, filters...))
	s.refreshBlanketSub()
}

// refreshFeedSub replays the primary subscription after the follow list
// changes. The subscription id stays stable; relays replace the filter
// in place.
func (s *Session) refreshFeedSub() {
	if s.scope != ScopeFeed {
		return
	}
	s.mu.Lock()
	subID := s.feedSubID
	if subID == "" {
		s.mu.Unlock()
		return
	}
	filters := []types.Filter{{
		Authors: s.sortedTargetsLocked(),
		Kinds:   []int{nostr.KindNote, nostr.KindRepost},
		Limit:   s.cfg.FeedLimit,
	}}
	s.liveSubs[subID] = filters
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, filters...))
}

// refreshBlanketSub rebuilds the subscription that watches reactions,
// replies, reposts and zaps referencing any cached note. The old
// subscription is closed and a fresh id opened so each refresh also
// backfills history for newly added notes.
func (s *Session) refreshBlanketSub() {
	ids := s.cachedNoteIDs()
	if s.scope == ScopeNote {
		ids = appendUnique(ids, s.subject)
	}
	if len(ids) == 0 {
		return
	}

	filter := types.Filter{
		Kinds: []int{nostr.KindNote, nostr.KindRepost, nostr.KindReaction, nostr.KindZapReceipt},
		ETags: ids,
	}

	s.mu.Lock()
	old := s.blanketSubID
	subID := newSubscriptionID()
	s.blanketSubID = subID
	if old != "" {
		delete(s.liveSubs, old)
	}
	s.liveSubs[subID] = []types.Filter{filter}
	s.mu.Unlock()

	if old != "" {
		s.pool.Broadcast(nostr.CloseMessage(old))
	}
	s.pool.Broadcast(nostr.ReqMessage(subID, filter))
}

// fetchNoteContext issues a one-shot backfill of reactions, replies and
// reposts for a newly accepted note. Closed after the first EOSE.
func (s *Session) fetchNoteContext(noteID string) {
	subID := newSubscriptionID()
	s.mu.Lock()
	s.oneShots[subID] = true
	s.mu.Unlock()

	s.pool.Broadcast(nostr.ReqMessage(subID, types.Filter{
		Kinds: []int{nostr.KindNote, nostr.KindRepost, nostr.KindReaction},
		ETags: []string{noteID},
		Limit: s.cfg.FeedLimit,
	}))
}

// run is the event loop: the only goroutine that mutates the domain
// caches. Everything reaches it through channels.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case fr := <-s.frames:
			s.handleFrame(fr)
		case evt := <-s.localEvents:
			s.dispatchEvent(evt)
		case res := <-s.resolved:
			s.finishRepost(res.wrap, res.original)
		case reply := <-s.decoder.replies:
			s.handleDecodeReply(reply)
		case <-ticker.C:
			s.sweepCaches()
		}
	}
}

// onFrame runs on a pool read goroutine; it only enqueues. A full
// buffer drops the frame rather than stalling the socket.
func (s *Session) onFrame(frame []byte, relayURL string) {
	s.framesSeen.Add(1)
	select {
	case s.frames <- inboundFrame{data: frame, relay: relayURL}:
	default:
		s.dropped.Add(1)
		slog.Warn("frame buffer full, dropping", "relay", relayURL)
	}
}

func (s *Session) onDisconnect(relayURL string) {
	if s.isClosed() {
		return
	}
	s.reconnects.Add(1)
	s.pool.Reconnect(relayURL, 1, 0)
}

// onConnect replays the live subscriptions to a freshly opened socket
// so a reconnected relay resumes streaming without a full restart.
func (s *Session) onConnect(relayURL string) {
	s.mu.RLock()
	subs := make(map[string][]types.Filter, len(s.liveSubs))
	for id, filters := range s.liveSubs {
		subs[id] = filters
	}
	s.mu.RUnlock()

	for id, filters := range subs {
		s.pool.Send(relayURL, nostr.ReqMessage(id, filters...))
	}
}

// ReconnectRelay schedules a user-requested reconnect for one relay.
// Unlike the automatic path, it gives up after the configured attempt
// cap.
func (s *Session) ReconnectRelay(relayURL string) {
	if s.isClosed() {
		return
	}
	s.reconnects.Add(1)
	s.pool.Reconnect(relayURL, 1, s.cfg.ManualMaxAttempts)
}

// Notes returns the current feed, newest first
func (s *Session) Notes() []types.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Note(nil), s.notes...)
}

// Reactions returns the cached reactions for a note
func (s *Session) Reactions(noteID string) []types.Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Reaction(nil), s.reactions[noteID]...)
}

// Replies returns the cached replies for a note
func (s *Session) Replies(noteID string) []types.Reply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Reply(nil), s.replies[noteID]...)
}

// Reposts returns the cached reposts of a note
func (s *Session) Reposts(noteID string) []types.Repost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Repost(nil), s.reposts[noteID]...)
}

// RelayList returns the subject's advertised relays, when seen
func (s *Session) RelayList() types.RelayList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.RelayList{
		Read:  append([]string(nil), s.relayList.Read...),
		Write: append([]string(nil), s.relayList.Write...),
	}
}

// Targets returns the tracked author set, sorted
func (s *Session) Targets() []string {
	return s.sortedTargets()
}

func (s *Session) sortedTargets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTargetsLocked()
}

func (s *Session) sortedTargetsLocked() []string {
	out := make([]string, 0, len(s.targets))
	for pk := range s.targets {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Close tears the session down: idempotent, bounded, and silent about
// in-flight work. Pending point lookups are abandoned to their
// timeouts, and the decoder is signalled but not awaited. The store
// stays open; it belongs to the caller.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.pool.Close()
	s.decoder.close()
	slog.Info("session closed", "subject", nostr.ShortID(s.subject))
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
