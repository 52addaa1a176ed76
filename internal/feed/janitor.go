package feed

import (
	"context"
	"log/slog"
	"time"

	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

// sweepCaches drops profiles, reactions and replies whose fetch time
// exceeded the TTL, from memory and the persistent store. Runs on the
// event loop at the janitor interval; store deletes happen off the loop
// so a slow backend never stalls ingestion.
func (s *Session) sweepCaches() {
	cutoff := time.Now().Add(-s.cfg.CacheTTL).Unix()

	var staleProfiles, staleReactions, staleReplies []string
	touched := make(map[string]bool)

	s.mu.Lock()
	for pk, p := range s.profiles {
		if p.FetchedAt > 0 && p.FetchedAt < cutoff {
			delete(s.profiles, pk)
			staleProfiles = append(staleProfiles, pk)
		}
	}
	for noteID, list := range s.reactions {
		kept := make([]types.Reaction, 0, len(list))
		for _, r := range list {
			if r.FetchedAt >= cutoff {
				kept = append(kept, r)
				continue
			}
			delete(s.reactionIDs, r.ID)
			staleReactions = append(staleReactions, r.ID)
			touched[noteID] = true
		}
		if len(kept) == 0 {
			delete(s.reactions, noteID)
		} else {
			s.reactions[noteID] = kept
		}
	}
	for noteID, list := range s.replies {
		kept := make([]types.Reply, 0, len(list))
		for _, r := range list {
			if r.FetchedAt >= cutoff {
				kept = append(kept, r)
				continue
			}
			delete(s.replyIDs, r.ID)
			staleReplies = append(staleReplies, r.ID)
			touched[noteID] = true
		}
		if len(kept) == 0 {
			delete(s.replies, noteID)
		} else {
			s.replies[noteID] = kept
		}
	}
	s.mu.Unlock()

	if len(staleProfiles)+len(staleReactions)+len(staleReplies) == 0 {
		return
	}

	slog.Info("cache janitor sweep",
		"profiles", len(staleProfiles),
		"reactions", len(staleReactions),
		"replies", len(staleReplies))

	for noteID := range touched {
		counts, _ := s.recountNote(noteID)
		s.fireCountCallbacks(noteID, counts)
	}

	go func() {
		s.deleteRecords(store.CollectionUsers, staleProfiles)
		s.deleteRecords(store.CollectionReactions, staleReactions)
		s.deleteRecords(store.CollectionReplies, staleReplies)
	}()
}

// deleteRecords removes swept ids from the store. Errors are logged and
// skipped; the next sweep retries anything that survived.
func (s *Session) deleteRecords(collection string, ids []string) {
	for _, id := range ids {
		if err := s.store.Delete(context.Background(), collection, id); err != nil {
			slog.Warn("janitor delete failed", "collection", collection, "id", id, "error", err)
		}
	}
}
