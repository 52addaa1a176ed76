package types

import (
	"encoding/json"
	"strconv"
)

// Note is one entry in the feed: either a note authored directly, or a
// repost wrapping another author's note. A repost keeps the resolved
// original event as Raw so it can be re-rendered or re-broadcast without
// another relay round-trip.
type Note struct {
	ID         string          `json:"id"`
	Author     string          `json:"author"`
	Content    string          `json:"content"`
	CreatedAt  int64           `json:"created_at"`
	IsRepost   bool            `json:"is_repost,omitempty"`
	RepostedBy string          `json:"reposted_by,omitempty"`
	RepostedAt int64           `json:"reposted_at,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`

	// Derived counts, recomputed from the caches after every accepted
	// event. Never authoritative on their own.
	ReactionCount  int   `json:"reaction_count"`
	ReplyCount     int   `json:"reply_count"`
	RepostCount    int   `json:"repost_count"`
	ZapAmountMsats int64 `json:"zap_amount_msats,omitempty"`
}

// Key returns the feed dedup key: the event id for an authored note, or
// the (original id, repost timestamp) pair for a repost so the same note
// can appear once authored and once per repost.
func (n *Note) Key() string {
	if n.IsRepost {
		return n.ID + "|" + strconv.FormatInt(n.RepostedAt, 10)
	}
	return n.ID
}

// SortKey returns the timestamp the feed orders by: the repost time for
// reposts, the authoring time otherwise.
func (n *Note) SortKey() int64 {
	if n.IsRepost {
		return n.RepostedAt
	}
	return n.CreatedAt
}

// Reaction is a kind 7 response to a note (NIP-25)
type Reaction struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	FetchedAt int64  `json:"fetched_at"`
}

// Reply is a kind 1 note referencing a parent note via an e tag
type Reply struct {
	ID        string  `json:"id"`
	ParentID  string  `json:"parent_id"`
	Author    string  `json:"author"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"created_at"`
	Profile   Profile `json:"profile,omitempty"`
	FetchedAt int64   `json:"fetched_at"`
}

// Repost records that an author rebroadcast a note (kind 6, NIP-18)
type Repost struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id"`
	Author    string `json:"author"`
	CreatedAt int64  `json:"created_at"`
}
