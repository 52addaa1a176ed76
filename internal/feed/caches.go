package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

// insertNote adds a note to the ordered feed, newest first. Returns
// false when the note's dedup key is already present. A repost of an
// already-cached note keys differently, so the same note can appear
// once authored and once per repost.
func (s *Session) insertNote(n types.Note) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.Key()
	if s.noteKeys[key] {
		return false
	}
	s.noteKeys[key] = true

	// Reposts sort by when they were reposted, not by the original's
	// timestamp.
	ts := n.CreatedAt
	if n.IsRepost {
		ts = n.RepostedAt
	}
	idx := sort.Search(len(s.notes), func(i int) bool {
		return s.notes[i].SortKey() < ts
	})
	s.notes = append(s.notes, types.Note{})
	copy(s.notes[idx+1:], s.notes[idx:])
	s.notes[idx] = n

	// Hydrated notes carry previously computed zap totals; keep the
	// larger figure since receipts are not persisted individually.
	if n.ZapAmountMsats > s.zapTotals[n.ID] {
		s.zapTotals[n.ID] = n.ZapAmountMsats
	}
	return true
}

// noteCounts holds one recount outcome for callback dispatch
type noteCounts struct {
	reactions int
	replies   int
	reposts   int
	changed   struct {
		reactions bool
		replies   bool
		reposts   bool
	}
}

// recountNote recomputes the derived counts for every feed entry
// sharing the given note id, persists the entries that changed, and
// reports which counts moved. Counts are always derived from the
// cached lists, never tracked independently.
func (s *Session) recountNote(noteID string) (noteCounts, bool) {
	var counts noteCounts
	var updated []types.Note

	s.mu.Lock()
	counts.reactions = len(s.reactions[noteID])
	counts.replies = len(s.replies[noteID])
	counts.reposts = len(s.reposts[noteID])
	zaps := s.zapTotals[noteID]

	found := false
	for i := range s.notes {
		if s.notes[i].ID != noteID {
			continue
		}
		found = true
		n := &s.notes[i]
		if n.ReactionCount != counts.reactions {
			counts.changed.reactions = true
		}
		if n.ReplyCount != counts.replies {
			counts.changed.replies = true
		}
		if n.RepostCount != counts.reposts {
			counts.changed.reposts = true
		}
		if n.ReactionCount == counts.reactions && n.ReplyCount == counts.replies &&
			n.RepostCount == counts.reposts && n.ZapAmountMsats == zaps {
			continue
		}
		n.ReactionCount = counts.reactions
		n.ReplyCount = counts.replies
		n.RepostCount = counts.reposts
		n.ZapAmountMsats = zaps
		updated = append(updated, *n)
	}
	s.mu.Unlock()

	for _, n := range updated {
		s.persistNote(n)
	}
	return counts, found
}

// fireCountCallbacks reports count changes to the owning application.
// Runs on the event loop; callbacks must not block.
func (s *Session) fireCountCallbacks(noteID string, counts noteCounts) {
	if counts.changed.reactions && s.cb.OnReactionCount != nil {
		s.cb.OnReactionCount(noteID, counts.reactions)
	}
	if counts.changed.replies && s.cb.OnReplyCount != nil {
		s.cb.OnReplyCount(noteID, counts.replies)
	}
	if counts.changed.reposts && s.cb.OnRepostCount != nil {
		s.cb.OnRepostCount(noteID, counts.reposts)
	}
}

// cachedNoteIDs returns the distinct note ids currently in the feed,
// used to scope the blanket subscription.
func (s *Session) cachedNoteIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.notes))
	ids := make([]string, 0, len(s.notes))
	for _, n := range s.notes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		ids = append(ids, n.ID)
	}
	return ids
}

func (s *Session) persistNote(n types.Note) {
	data, err := json.Marshal(n)
	if err != nil {
		slog.Warn("marshal note failed", "id", n.ID, "error", err)
		return
	}
	if err := s.store.Put(context.Background(), store.CollectionNotes, n.Key(), data); err != nil {
		slog.Warn("persist note failed", "id", n.ID, "error", err)
	}
}

func (s *Session) persistProfile(pubkey string, p types.Profile) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Warn("marshal profile failed", "pubkey", pubkey, "error", err)
		return
	}
	if err := s.store.Put(context.Background(), store.CollectionUsers, pubkey, data); err != nil {
		slog.Warn("persist profile failed", "pubkey", pubkey, "error", err)
	}
}

func (s *Session) persistReaction(r types.Reaction) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("marshal reaction failed", "id", r.ID, "error", err)
		return
	}
	if err := s.store.Put(context.Background(), store.CollectionReactions, r.ID, data); err != nil {
		slog.Warn("persist reaction failed", "id", r.ID, "error", err)
	}
}

func (s *Session) persistReply(r types.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("marshal reply failed", "id", r.ID, "error", err)
		return
	}
	if err := s.store.Put(context.Background(), store.CollectionReplies, r.ID, data); err != nil {
		slog.Warn("persist reply failed", "id", r.ID, "error", err)
	}
}

func (s *Session) persistRepost(r types.Repost) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("marshal repost failed", "id", r.ID, "error", err)
		return
	}
	if err := s.store.Put(context.Background(), store.CollectionReposts, r.ID, data); err != nil {
		slog.Warn("persist repost failed", "id", r.ID, "error", err)
	}
}
