package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"nostrfeed/internal/nostr"
	"nostrfeed/internal/types"
)

// ErrNoSigner is returned by publish actions when the session was
// constructed without a signing capability.
var ErrNoSigner = errors.New("session has no signer")

// PublishNote signs and broadcasts a top-level note
func (s *Session) PublishNote(ctx context.Context, content string) (*types.Event, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("cannot publish an empty note")
	}
	evt := &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNote,
		Tags:      [][]string{},
		Content:   content,
	}
	return s.publish(ctx, evt)
}

// PublishReaction signs and broadcasts a reaction to a note. An empty
// content defaults to "+", the protocol's plain like.
func (s *Session) PublishReaction(ctx context.Context, noteID, noteAuthor, content string) (*types.Event, error) {
	if content == "" {
		content = "+"
	}
	tags := [][]string{{"e", noteID}}
	if noteAuthor != "" {
		tags = append(tags, []string{"p", noteAuthor})
	}
	evt := &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindReaction,
		Tags:      tags,
		Content:   content,
	}
	return s.publish(ctx, evt)
}

// PublishReply signs and broadcasts a reply to a note
func (s *Session) PublishReply(ctx context.Context, parentID, parentAuthor, content string) (*types.Event, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("cannot publish an empty reply")
	}
	tags := [][]string{{"e", parentID}}
	if parentAuthor != "" {
		tags = append(tags, []string{"p", parentAuthor})
	}
	evt := &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNote,
		Tags:      tags,
		Content:   content,
	}
	return s.publish(ctx, evt)
}

// PublishRepost signs and broadcasts a repost. The original event's
// JSON rides in the content so receivers need no extra round-trip.
func (s *Session) PublishRepost(ctx context.Context, n types.Note) (*types.Event, error) {
	if len(n.Raw) == 0 {
		return nil, fmt.Errorf("note %s carries no original payload", nostr.ShortID(n.ID))
	}
	tags := [][]string{{"e", n.ID}}
	if n.Author != "" {
		tags = append(tags, []string{"p", n.Author})
	}
	evt := &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindRepost,
		Tags:      tags,
		Content:   string(n.Raw),
	}
	return s.publish(ctx, evt)
}

// publish signs the event, broadcasts it, and feeds it back through
// ingestion so the author sees their action without waiting for a relay
// echo.
func (s *Session) publish(ctx context.Context, evt *types.Event) (*types.Event, error) {
	if s.signer == nil {
		return nil, ErrNoSigner
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.ClientTag != "" {
		evt.Tags = append(evt.Tags, []string{"client", s.cfg.ClientTag})
	}
	if err := s.signer.Sign(evt); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	s.pool.Broadcast(nostr.EventMessage(evt))
	slog.Info("published event", "kind", evt.Kind, "id", nostr.ShortID(evt.ID))

	select {
	case s.localEvents <- evt:
	default:
		// Loop busy or not running; the relay echo covers the local copy.
		slog.Debug("skipping local echo", "id", nostr.ShortID(evt.ID))
	}
	return evt, nil
}

// BuildZapRequest constructs an unsigned zap request (kind 9734) for a
// note. The caller's wallet signs it and delivers it to the recipient's
// lightning endpoint; this core only shapes the event.
func (s *Session) BuildZapRequest(noteID, noteAuthor string, amountMsats int64, comment string) *types.Event {
	relaysTag := append([]string{"relays"}, s.cfg.Relays...)
	tags := [][]string{
		relaysTag,
		{"amount", strconv.FormatInt(amountMsats, 10)},
		{"p", noteAuthor},
		{"e", noteID},
	}
	return &types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindZapRequest,
		Tags:      tags,
		Content:   comment,
	}
}
