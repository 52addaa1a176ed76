package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"nostrfeed/internal/nostr"
	"nostrfeed/internal/types"
)

// handleFrame is the entry point for every inbound relay frame. Runs on
// the event loop.
func (s *Session) handleFrame(fr inboundFrame) {
	env, ok := nostr.ParseEnvelope(fr.data)
	if !ok {
		slog.Debug("ignoring malformed frame", "relay", fr.relay)
		return
	}

	switch env.Type {
	case nostr.MsgEvent:
		s.eventsSeen.Add(1)
		if s.routePointLookup(env) {
			return
		}
		if s.bufferBacklog(env) {
			return
		}
		evt, err := nostr.DecodeEvent(env.EventRaw)
		if err != nil {
			slog.Debug("dropping undecodable event", "relay", fr.relay, "error", err)
			return
		}
		evt.RelaysSeen = append(evt.RelaysSeen, fr.relay)
		s.dispatchEvent(evt)
	case nostr.MsgEOSE:
		s.handleEOSE(env.SubID)
	default:
		// NOTICE, OK and friends carry nothing this pipeline needs
	}
}

// bufferBacklog collects events for subscriptions still in their
// stored-history phase. The burst before the end-of-stream marker is
// decoded in one batch off the event loop instead of one message at a
// time.
func (s *Session) bufferBacklog(env nostr.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backlogs[env.SubID]; !ok {
		return false
	}
	s.backlogs[env.SubID] = append(s.backlogs[env.SubID], env.EventRaw)
	return true
}

// handleEOSE routes an end-of-stream marker: it flushes a pending
// backlog to the decoder, resolves outstanding point lookups as
// not-found, and closes one-shot subscriptions.
func (s *Session) handleEOSE(subID string) {
	s.mu.Lock()
	raws, isBacklog := s.backlogs[subID]
	if isBacklog {
		delete(s.backlogs, subID)
	}
	pk, isProfile := s.profileSubs[subID]
	if isProfile {
		delete(s.profileSubs, subID)
	}
	id, isEvent := s.eventSubs[subID]
	if isEvent {
		delete(s.eventSubs, subID)
	}
	isBootstrap := subID == s.bootstrapSubID && subID != ""
	if isBootstrap {
		s.bootstrapSubID = ""
	}
	isOneShot := s.oneShots[subID]
	if isOneShot {
		delete(s.oneShots, subID)
	}
	s.mu.Unlock()

	switch {
	case isBacklog:
		if len(raws) > 0 {
			s.enqueueBatch(raws)
		}
	case isProfile:
		// Stream ended with no event: the profile does not exist on
		// this relay. Resolve as not-found rather than waiting out the
		// timeout.
		s.resolveProfilePending(pk, types.AnonymousProfile())
		s.pool.Broadcast(nostr.CloseMessage(subID))
	case isEvent:
		s.resolveEventPending(id, nil)
		s.pool.Broadcast(nostr.CloseMessage(subID))
	case isBootstrap:
		s.resolveContacts()
		s.pool.Broadcast(nostr.CloseMessage(subID))
	case isOneShot:
		s.pool.Broadcast(nostr.CloseMessage(subID))
	}
}

// enqueueBatch hands a backlog to the decoder, queueing when a batch is
// already in flight so at most one request per kind is outstanding.
func (s *Session) enqueueBatch(raws []json.RawMessage) {
	s.mu.Lock()
	if s.batchBusy {
		s.batchQueue = append(s.batchQueue, raws)
		s.mu.Unlock()
		return
	}
	s.batchBusy = true
	s.mu.Unlock()

	s.decodeBatches.Add(1)
	s.decoder.requests <- decodeMsg{kind: decodeBatchRequest, raws: raws}
}

// handleDecodeReply ingests a finished batch and advances the queue
func (s *Session) handleDecodeReply(msg decodeMsg) {
	switch msg.kind {
	case decodeBatchReply:
		for _, evt := range msg.events {
			s.dispatchEvent(evt)
		}
	case decodeError:
		slog.Error("background decode failed", "error", msg.err)
	default:
		slog.Debug("unexpected decode reply kind", "kind", int(msg.kind))
	}

	s.mu.Lock()
	if len(s.batchQueue) > 0 {
		raws := s.batchQueue[0]
		s.batchQueue = s.batchQueue[1:]
		s.mu.Unlock()
		s.decodeBatches.Add(1)
		s.decoder.requests <- decodeMsg{kind: decodeBatchRequest, raws: raws}
		return
	}
	s.batchBusy = false
	s.mu.Unlock()
}

// dispatchEvent routes one decoded event by kind
func (s *Session) dispatchEvent(evt *types.Event) {
	switch evt.Kind {
	case nostr.KindProfile:
		s.ingestProfile(evt)
	case nostr.KindContacts:
		s.ingestContacts(evt)
	case nostr.KindRelayList:
		s.ingestRelayList(evt)
	case nostr.KindReaction:
		s.ingestReaction(evt)
	case nostr.KindZapReceipt:
		s.ingestZapReceipt(evt)
	case nostr.KindNote, nostr.KindRepost:
		s.ingestNote(evt)
	default:
		slog.Debug("ignoring event kind", "kind", evt.Kind, "id", nostr.ShortID(evt.ID))
	}
}

// ingestProfile applies a kind 0 event last-writer-wins by the event's
// own timestamp. Strictly older updates are rejected; an equal
// timestamp overwrites, since relays may hold divergent copies.
func (s *Session) ingestProfile(evt *types.Event) {
	profile := parseProfileContent(evt.Content)
	profile.CreatedAt = evt.CreatedAt
	profile.FetchedAt = time.Now().Unix()

	s.mu.Lock()
	if existing, ok := s.profiles[evt.PubKey]; ok && existing.CreatedAt > evt.CreatedAt {
		s.mu.Unlock()
		slog.Debug("rejecting stale profile", "pubkey", nostr.ShortID(evt.PubKey))
		return
	}
	s.profiles[evt.PubKey] = profile
	s.refreshReplyProfilesLocked(evt.PubKey, profile)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.persistProfile(evt.PubKey, profile)
	s.resolveProfilePending(evt.PubKey, profile)
}

// parseProfileContent decodes profile metadata, tolerating malformed
// content by returning empty fields. Bad profile JSON is common in the
// wild and never worth an error.
func parseProfileContent(content string) types.Profile {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return types.Profile{}
	}

	var p types.Profile
	if name, ok := fields["name"].(string); ok {
		p.Name = name
	}
	if about, ok := fields["about"].(string); ok {
		p.About = about
	}
	if picture, ok := fields["picture"].(string); ok {
		p.Picture = picture
	}
	if banner, ok := fields["banner"].(string); ok {
		p.Banner = banner
	}
	if nip05, ok := fields["nip05"].(string); ok {
		p.Nip05 = nip05
	}
	if lud16, ok := fields["lud16"].(string); ok {
		p.Lud16 = lud16
	}
	if website, ok := fields["website"].(string); ok {
		p.Website = website
	}
	return p
}

// refreshReplyProfilesLocked fills empty author snapshots on cached
// replies once the author's profile arrives. Caller holds s.mu.
func (s *Session) refreshReplyProfilesLocked(pubkey string, p types.Profile) {
	for noteID, list := range s.replies {
		for i := range list {
			if list[i].Author == pubkey && list[i].Profile.Name == "" {
				list[i].Profile = p
			}
		}
		s.replies[noteID] = list
	}
}

// ingestContacts applies the subject's follow list (kind 3). Only
// meaningful for feed-scoped sessions; the tracked target set becomes
// the follows plus the subject.
func (s *Session) ingestContacts(evt *types.Event) {
	if s.scope != ScopeFeed || evt.PubKey != s.subject {
		return
	}

	follows := evt.TagValues("p")

	s.mu.Lock()
	if evt.CreatedAt < s.contactsAt {
		s.mu.Unlock()
		return
	}
	s.contactsAt = evt.CreatedAt
	s.targets = make(map[string]bool, len(follows)+1)
	s.targets[s.subject] = true
	for _, pk := range follows {
		if len(pk) == 64 {
			s.targets[pk] = true
		}
	}
	count := len(s.targets)
	s.mu.Unlock()

	s.accepted.Add(1)
	slog.Info("follow list applied", "targets", count)
	s.resolveContacts()
	s.refreshFeedSub()
}

// ingestRelayList records the subject's advertised relays (kind 10002).
// Read-only consumption; the session keeps connecting to its configured
// set.
func (s *Session) ingestRelayList(evt *types.Event) {
	if evt.PubKey != s.subject {
		return
	}

	var rl types.RelayList
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relayURL := nostr.NormalizeRelayURL(tag[1])
		if relayURL == "" {
			slog.Debug("skipping malformed relay list entry", "value", tag[1])
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			rl.Read = append(rl.Read, relayURL)
		case "write":
			rl.Write = append(rl.Write, relayURL)
		default:
			rl.Read = append(rl.Read, relayURL)
			rl.Write = append(rl.Write, relayURL)
		}
	}

	s.mu.Lock()
	if evt.CreatedAt < s.relayListAt {
		s.mu.Unlock()
		return
	}
	s.relayListAt = evt.CreatedAt
	s.relayList = rl
	s.mu.Unlock()

	s.accepted.Add(1)
	slog.Debug("relay list applied", "read", len(rl.Read), "write", len(rl.Write))
}

// ingestReaction records a kind 7 event against its target note. The
// target is the first e tag; frames without one are rejected.
func (s *Session) ingestReaction(evt *types.Event) {
	target := evt.TagValue("e")
	if target == "" {
		slog.Debug("reaction without target", "id", nostr.ShortID(evt.ID))
		return
	}

	s.mu.Lock()
	if s.reactionIDs[evt.ID] {
		s.mu.Unlock()
		s.duplicates.Add(1)
		return
	}
	s.reactionIDs[evt.ID] = true
	r := types.Reaction{
		ID:        evt.ID,
		NoteID:    target,
		Author:    evt.PubKey,
		Content:   evt.Content,
		CreatedAt: evt.CreatedAt,
		FetchedAt: time.Now().Unix(),
	}
	s.reactions[target] = append(s.reactions[target], r)
	list := append([]types.Reaction(nil), s.reactions[target]...)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.persistReaction(r)
	counts, _ := s.recountNote(target)
	if s.cb.OnReactions != nil {
		s.cb.OnReactions(target, list)
	}
	s.fireCountCallbacks(target, counts)
}

// ingestZapReceipt folds a kind 9735 receipt's amount into the target
// note's zap total. Receipts are not stored as entities; the running
// total rides on the note record.
func (s *Session) ingestZapReceipt(evt *types.Event) {
	target := evt.TagValue("e")
	if target == "" {
		slog.Debug("zap receipt without target", "id", nostr.ShortID(evt.ID))
		return
	}
	msats := zapAmountMsats(evt)
	if msats <= 0 {
		slog.Debug("zap receipt without amount", "id", nostr.ShortID(evt.ID))
		return
	}

	s.mu.Lock()
	if s.zapIDs[evt.ID] {
		s.mu.Unlock()
		s.duplicates.Add(1)
		return
	}
	s.zapIDs[evt.ID] = true
	s.zapTotals[target] += msats
	s.mu.Unlock()

	s.accepted.Add(1)
	counts, _ := s.recountNote(target)
	s.fireCountCallbacks(target, counts)
}

// zapAmountMsats extracts the millisatoshi amount from a zap receipt:
// the amount tag when present, otherwise the amount tag of the zap
// request embedded in the description tag (NIP-57 requires only the
// latter).
func zapAmountMsats(evt *types.Event) int64 {
	if v := evt.TagValue("amount"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	desc := evt.TagValue("description")
	if desc == "" {
		return 0
	}
	req, err := nostr.DecodeEvent([]byte(desc))
	if err != nil {
		return 0
	}
	if v := req.TagValue("amount"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// ingestNote handles kinds 1 and 6, which share a path: once an
// original payload is available (directly for a note, resolved for a
// repost), its parent reference decides reply versus top-level.
func (s *Session) ingestNote(evt *types.Event) {
	if evt.Kind == nostr.KindRepost {
		s.ingestRepost(evt)
		return
	}
	if parent := evt.TagValue("e"); parent != "" {
		s.ingestReply(evt, parent)
		return
	}
	s.ingestTopLevel(evt)
}

// ingestReply records a note referencing a parent. The reply is cached
// even when the parent is not: a parent arriving later picks up the
// count on insert.
func (s *Session) ingestReply(evt *types.Event, parentID string) {
	s.mu.Lock()
	if s.replyIDs[evt.ID] {
		s.mu.Unlock()
		s.duplicates.Add(1)
		return
	}
	s.replyIDs[evt.ID] = true
	snapshot := s.profiles[evt.PubKey]
	r := types.Reply{
		ID:        evt.ID,
		ParentID:  parentID,
		Author:    evt.PubKey,
		Content:   evt.Content,
		CreatedAt: evt.CreatedAt,
		Profile:   snapshot,
		FetchedAt: time.Now().Unix(),
	}
	s.replies[parentID] = append(s.replies[parentID], r)
	list := append([]types.Reply(nil), s.replies[parentID]...)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.persistReply(r)
	if snapshot.Name == "" {
		go s.warmProfile(evt.PubKey)
	}
	counts, _ := s.recountNote(parentID)
	if s.cb.OnReplies != nil {
		s.cb.OnReplies(parentID, list)
	}
	s.fireCountCallbacks(parentID, counts)
}

// warmProfile fetches a profile in the background so later snapshots
// for the same author are filled from cache.
func (s *Session) warmProfile(pubkey string) {
	select {
	case <-s.done:
		return
	default:
	}
	s.Profile(context.Background(), pubkey)
}

// ingestTopLevel applies the scope filter and accepts a plain note into
// the feed.
func (s *Session) ingestTopLevel(evt *types.Event) {
	switch s.scope {
	case ScopeFeed:
		if !s.isTarget(evt.PubKey) {
			slog.Debug("note from untracked author", "author", nostr.ShortID(evt.PubKey))
			s.dropped.Add(1)
			return
		}
	case ScopeProfile:
		if evt.PubKey != s.subject {
			s.dropped.Add(1)
			return
		}
	case ScopeNote:
		if evt.ID != s.subject {
			s.dropped.Add(1)
			return
		}
	}

	s.acceptNote(types.Note{
		ID:        evt.ID,
		Author:    evt.PubKey,
		Content:   evt.Content,
		CreatedAt: evt.CreatedAt,
		Raw:       rawJSON(evt),
	})
}

// ingestRepost resolves a kind 6 wrapper to its original event. The
// original is expected inline in the content; when absent it is fetched
// by id, racing the first responding relay. A repost whose original
// cannot be resolved is dropped entirely.
func (s *Session) ingestRepost(evt *types.Event) {
	s.mu.Lock()
	if s.repostIDs[evt.ID] {
		s.mu.Unlock()
		s.duplicates.Add(1)
		return
	}
	s.repostIDs[evt.ID] = true
	s.mu.Unlock()

	if strings.TrimSpace(evt.Content) != "" {
		original, err := nostr.DecodeEvent([]byte(evt.Content))
		if err == nil {
			s.finishRepost(evt, original)
			return
		}
		slog.Debug("repost content not an event", "id", nostr.ShortID(evt.ID), "error", err)
	}

	originalID := evt.TagValue("e")
	if originalID == "" {
		slog.Debug("dropping repost without original reference", "id", nostr.ShortID(evt.ID))
		s.dropped.Add(1)
		return
	}
	go s.resolveRepost(evt, originalID)
}

// resolveRepost runs off the event loop: it awaits the original event
// and reinjects the outcome for the loop to finish.
func (s *Session) resolveRepost(wrap *types.Event, originalID string) {
	original := s.lookupEvent(context.Background(), originalID)
	select {
	case s.resolved <- resolvedRepost{wrap: wrap, original: original}:
	case <-s.done:
	}
}

// finishRepost records a resolved repost: the repost action against the
// original's counts, plus a feed entry keyed by (original id, repost
// time). A repost wrapping a reply routes to the reply handler instead.
func (s *Session) finishRepost(wrap *types.Event, original *types.Event) {
	if original == nil {
		slog.Debug("dropping unresolvable repost", "id", nostr.ShortID(wrap.ID))
		s.dropped.Add(1)
		return
	}
	if parent := original.TagValue("e"); parent != "" {
		s.ingestReply(original, parent)
		return
	}

	rep := types.Repost{
		ID:        wrap.ID,
		NoteID:    original.ID,
		Author:    wrap.PubKey,
		CreatedAt: wrap.CreatedAt,
	}

	s.mu.Lock()
	s.reposts[original.ID] = append(s.reposts[original.ID], rep)
	list := append([]types.Repost(nil), s.reposts[original.ID]...)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.persistRepost(rep)

	if s.scope != ScopeNote {
		s.acceptNote(types.Note{
			ID:         original.ID,
			Author:     original.PubKey,
			Content:    original.Content,
			CreatedAt:  original.CreatedAt,
			IsRepost:   true,
			RepostedBy: wrap.PubKey,
			RepostedAt: wrap.CreatedAt,
			Raw:        rawJSON(original),
		})
	} else {
		counts, _ := s.recountNote(original.ID)
		s.fireCountCallbacks(original.ID, counts)
	}

	if s.cb.OnReposts != nil {
		s.cb.OnReposts(original.ID, list)
	}
}

// acceptNote inserts a note into the feed and runs the accept side
// effects: persist, recount, notify, then widen the live subscriptions
// to cover the newcomer.
func (s *Session) acceptNote(n types.Note) {
	if strings.TrimSpace(n.Content) == "" {
		slog.Debug("dropping empty note", "id", nostr.ShortID(n.ID))
		s.dropped.Add(1)
		return
	}
	if !s.insertNote(n) {
		s.duplicates.Add(1)
		return
	}

	s.accepted.Add(1)
	s.persistNote(n)
	counts, _ := s.recountNote(n.ID)

	if s.cb.OnNewNote != nil {
		n.ReactionCount = counts.reactions
		n.ReplyCount = counts.replies
		n.RepostCount = counts.reposts
		s.cb.OnNewNote(n)
	}
	s.fireCountCallbacks(n.ID, counts)

	s.fetchNoteContext(n.ID)
	s.refreshBlanketSub()
}

func (s *Session) isTarget(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[pubkey]
}

func rawJSON(evt *types.Event) json.RawMessage {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil
	}
	return data
}
