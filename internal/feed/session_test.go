package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"nostrfeed/internal/config"
	"nostrfeed/internal/nostr"
	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

func TestNewValidatesInput(t *testing.T) {
	cfg := testConfig()

	if _, err := New(cfg, nil, nil, "abc", ScopeFeed, Callbacks{}); err == nil {
		t.Errorf("short subject accepted")
	}
	if _, err := New(cfg, nil, nil, strings.Repeat("z", 64), ScopeFeed, Callbacks{}); err == nil {
		t.Errorf("non-hex subject accepted")
	}
	if _, err := New(cfg, nil, nil, subjectPK, Scope(9), Callbacks{}); err == nil {
		t.Errorf("unknown scope accepted")
	}

	// A nil store falls back to memory
	s, err := New(cfg, nil, nil, subjectPK, ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New with nil store failed: %v", err)
	}
	s.Close()
}

func TestInitAfterCloseFails(t *testing.T) {
	s, err := New(testConfig(), nil, nil, subjectPK, ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Close()
	s.Close() // idempotent

	if err := s.Init(context.Background()); err == nil {
		t.Errorf("Init succeeded on a closed session")
	}
}

// onlineSession connects a real session to the fake relay and waits for
// the primary subscription to land.
func onlineSession(t *testing.T, f *fakeRelay, cfg config.Config, signer nostr.Signer, subject string) *Session {
	t.Helper()
	cfg.Relays = []string{f.url()}
	s, err := New(cfg, store.NewMemoryStore(), signer, subject, ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool {
		return f.findSubID(`"kinds":[1,6]`) != ""
	}) {
		t.Fatalf("primary subscription never reached the relay; frames: %v", f.received())
	}
	return s
}

func TestInitIssuesSubscriptions(t *testing.T) {
	f := newFakeRelay(t)
	s := onlineSession(t, f, testConfig(), nil, subjectPK)

	if f.findSubID(`"kinds":[3]`) == "" {
		t.Errorf("no follow-list bootstrap request; frames: %v", f.received())
	}
	if f.findSubID(`"kinds":[10002]`) == "" {
		t.Errorf("no relay-list bootstrap request")
	}
	if got := s.Stats().OpenRelays; got != 1 {
		t.Errorf("open relays = %d, want 1", got)
	}
}

func TestLiveEventFlowsToFeed(t *testing.T) {
	f := newFakeRelay(t)
	s := onlineSession(t, f, testConfig(), nil, subjectPK)
	subID := f.findSubID(`"kinds":[1,6]`)

	f.push(`["EOSE","` + subID + `"]`)
	raw, _ := json.Marshal(testEvent(hex64('1'), subjectPK, 1, 1700000100, "live note"))
	f.push(`["EVENT","` + subID + `",` + string(raw) + `]`)

	if !waitFor(t, 2*time.Second, func() bool { return len(s.Notes()) == 1 }) {
		t.Fatalf("live event never reached the feed")
	}
	if got := s.Notes()[0].Content; got != "live note" {
		t.Errorf("note content = %q", got)
	}

	// Accepting a note widens the blanket subscription over cached ids
	if !waitFor(t, 2*time.Second, func() bool {
		return f.findSubID(`"kinds":[1,6,7,9735]`) != ""
	}) {
		t.Errorf("no blanket subscription after accept; frames: %v", f.received())
	}
}

func TestBacklogDecodedAsBatch(t *testing.T) {
	f := newFakeRelay(t)
	s := onlineSession(t, f, testConfig(), nil, subjectPK)
	subID := f.findSubID(`"kinds":[1,6]`)

	for i, c := range []byte{'1', '2', '3'} {
		raw, _ := json.Marshal(testEvent(hex64(c), subjectPK, 1, 1700000100+int64(i), "backlog"))
		f.push(`["EVENT","` + subID + `",` + string(raw) + `]`)
	}
	f.push(`["EOSE","` + subID + `"]`)

	if !waitFor(t, 2*time.Second, func() bool { return len(s.Notes()) == 3 }) {
		t.Fatalf("backlog not ingested, notes = %d", len(s.Notes()))
	}
	if got := s.Stats().DecodeBatches; got < 1 {
		t.Errorf("decode batches = %d, want at least 1", got)
	}
	if got := s.Stats().FramesReceived; got < 4 {
		t.Errorf("frames received = %d, want at least 4", got)
	}
}

func TestInitAwaitsFollowList(t *testing.T) {
	f := newFakeRelay(t)
	cfg := testConfig()
	// Generous: Init must return via the follow-list arriving, not the
	// timeout.
	cfg.LookupTimeout = 5 * time.Second
	cfg.Relays = []string{f.url()}

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		var subID string
		for time.Now().Before(deadline) {
			if subID = f.findSubID(`"kinds":[3]`); subID != "" {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if subID == "" {
			return
		}
		contacts, _ := json.Marshal(testEvent(hex64('1'), subjectPK, 3, 1700000100, "",
			[]string{"p", followedPK}))
		f.push(`["EVENT","` + subID + `",` + string(contacts) + `]`)
		f.push(`["EOSE","` + subID + `"]`)
	}()

	s, err := New(cfg, store.NewMemoryStore(), nil, subjectPK, ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)

	start := time.Now()
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Init waited out the timeout instead of resolving: %v", elapsed)
	}

	if got := len(s.Targets()); got != 2 {
		t.Fatalf("targets after bootstrap = %d, want 2", got)
	}

	// The primary subscription carries the resolved author set
	if !waitFor(t, 2*time.Second, func() bool {
		for _, frame := range f.received() {
			if strings.HasPrefix(frame, `["REQ",`) &&
				strings.Contains(frame, `"kinds":[1,6]`) &&
				strings.Contains(frame, followedPK) {
				return true
			}
		}
		return false
	}) {
		t.Errorf("primary subscription missing followed author; frames: %v", f.received())
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	f := newFakeRelay(t)
	s := onlineSession(t, f, testConfig(), nil, subjectPK)
	subID := f.findSubID(`"kinds":[1,6]`)

	countPrimaryReqs := func() int {
		n := 0
		for _, frame := range f.received() {
			if strings.HasPrefix(frame, `["REQ","`+subID+`"`) {
				n++
			}
		}
		return n
	}
	before := countPrimaryReqs()

	f.dropConns()

	// Automatic reconnect fires after backoff plus up to a second of
	// jitter, then replays the live subscriptions on the new socket.
	if !waitFor(t, 5*time.Second, func() bool { return countPrimaryReqs() > before }) {
		t.Fatalf("primary subscription not replayed after reconnect")
	}
	if got := s.Stats().Reconnects; got < 1 {
		t.Errorf("reconnects = %d, want at least 1", got)
	}
}

func TestPublishNoteSignsAndBroadcasts(t *testing.T) {
	signer, err := nostr.NewLocalSigner(strings.Repeat("01", 32))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}

	f := newFakeRelay(t)
	s := onlineSession(t, f, testConfig(), signer, signer.PublicKey())

	evt, err := s.PublishNote(context.Background(), "hello from the tests")
	if err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}
	if len(evt.ID) != 64 || len(evt.Sig) != 128 {
		t.Errorf("published event not fully signed: id=%d sig=%d", len(evt.ID), len(evt.Sig))
	}
	if !nostr.VerifySignature(evt) {
		t.Errorf("published event fails signature verification")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, frame := range f.received() {
			if strings.HasPrefix(frame, `["EVENT",{`) && strings.Contains(frame, "hello from the tests") {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("publish frame never reached the relay; frames: %v", f.received())
	}

	// The local echo lands in the author's own feed without a relay
	// round-trip.
	if !waitFor(t, 2*time.Second, func() bool { return len(s.Notes()) == 1 }) {
		t.Fatalf("published note missing from own feed")
	}
	if got := s.Notes()[0].Author; got != signer.PublicKey() {
		t.Errorf("note author = %s, want the signer", nostr.ShortID(got))
	}
}

func TestPublishReactionAndReplyTags(t *testing.T) {
	signer, err := nostr.NewLocalSigner(strings.Repeat("02", 32))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	s, err := New(testConfig(), nil, signer, signer.PublicKey(), ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)

	noteID := hex64('1')
	reaction, err := s.PublishReaction(context.Background(), noteID, followedPK, "")
	if err != nil {
		t.Fatalf("PublishReaction failed: %v", err)
	}
	if reaction.Content != "+" {
		t.Errorf("default reaction content = %q, want +", reaction.Content)
	}
	if reaction.TagValue("e") != noteID || reaction.TagValue("p") != followedPK {
		t.Errorf("reaction tags wrong: %v", reaction.Tags)
	}

	reply, err := s.PublishReply(context.Background(), noteID, followedPK, "me too")
	if err != nil {
		t.Fatalf("PublishReply failed: %v", err)
	}
	if reply.Kind != nostr.KindNote || reply.TagValue("e") != noteID {
		t.Errorf("reply shape wrong: kind=%d tags=%v", reply.Kind, reply.Tags)
	}

	if _, err := s.PublishReply(context.Background(), noteID, "", "  "); err == nil {
		t.Errorf("empty reply accepted")
	}
}

func TestPublishRepostEmbedsOriginal(t *testing.T) {
	signer, err := nostr.NewLocalSigner(strings.Repeat("03", 32))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	s, err := New(testConfig(), nil, signer, signer.PublicKey(), ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)

	original := testEvent(hex64('1'), followedPK, 1, 1700000100, "repost me")
	raw, _ := json.Marshal(original)
	n := types.Note{ID: original.ID, Author: followedPK, Content: original.Content, Raw: raw}

	evt, err := s.PublishRepost(context.Background(), n)
	if err != nil {
		t.Fatalf("PublishRepost failed: %v", err)
	}
	if evt.Kind != nostr.KindRepost || evt.TagValue("e") != original.ID {
		t.Errorf("repost shape wrong: kind=%d tags=%v", evt.Kind, evt.Tags)
	}
	embedded, err := nostr.DecodeEvent([]byte(evt.Content))
	if err != nil || embedded.ID != original.ID {
		t.Errorf("repost content does not embed the original: %v", err)
	}

	// A note without its raw payload cannot be repackaged
	if _, err := s.PublishRepost(context.Background(), types.Note{ID: hex64('2')}); err == nil {
		t.Errorf("repost without payload accepted")
	}
}

func TestPublishCarriesClientTag(t *testing.T) {
	signer, err := nostr.NewLocalSigner(strings.Repeat("04", 32))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	cfg := testConfig()
	cfg.ClientTag = "nostrfeed"
	s, err := New(cfg, nil, signer, signer.PublicKey(), ScopeFeed, Callbacks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)

	evt, err := s.PublishNote(context.Background(), "tagged")
	if err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}
	if evt.TagValue("client") != "nostrfeed" {
		t.Errorf("client tag missing: %v", evt.Tags)
	}
	// The tag rides inside the signed payload
	if !nostr.VerifySignature(evt) {
		t.Errorf("signature does not cover the client tag")
	}
}

func TestPublishWithoutSigner(t *testing.T) {
	s := newTestSession(t, ScopeFeed, Callbacks{})

	if _, err := s.PublishNote(context.Background(), "nope"); !errors.Is(err, ErrNoSigner) {
		t.Errorf("expected ErrNoSigner, got %v", err)
	}
}

func TestBuildZapRequestShape(t *testing.T) {
	s := newTestSession(t, ScopeFeed, Callbacks{})

	evt := s.BuildZapRequest(hex64('1'), followedPK, 21000, "nice note")
	if evt.Kind != nostr.KindZapRequest {
		t.Errorf("kind = %d, want %d", evt.Kind, nostr.KindZapRequest)
	}
	if evt.TagValue("amount") != "21000" || evt.TagValue("e") != hex64('1') || evt.TagValue("p") != followedPK {
		t.Errorf("zap request tags wrong: %v", evt.Tags)
	}
	if evt.Content != "nice note" {
		t.Errorf("comment not carried: %q", evt.Content)
	}
	if evt.Sig != "" {
		t.Errorf("zap request must stay unsigned")
	}
}
