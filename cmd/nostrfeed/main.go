// Command nostrfeed tails a Nostr feed in the terminal: the subject's
// follow graph, a single profile, or a single note's thread. It is also
// the reference wiring of the feed session core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"nostrfeed/internal/config"
	"nostrfeed/internal/feed"
	"nostrfeed/internal/nostr"
	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

var (
	subjectFlag = flag.String("subject", "", "npub, note1 or hex id to follow (or NOSTR_SUBJECT)")
	scopeFlag   = flag.String("scope", "feed", "what to track: feed, profile or note")
	secFlag     = flag.String("sec", "", "nsec or hex secret key for publishing (or NOSTR_SEC)")
	relaysFlag  = flag.String("relays", "", "comma-separated relay URLs (overrides NOSTR_RELAYS)")
	postFlag    = flag.String("post", "", "publish this note after connecting")
	qrFlag      = flag.Bool("qr", false, "print the subject's npub as a QR code and exit")
)

func main() {
	flag.Parse()
	config.InitLogger()

	if err := run(); err != nil {
		slog.Error("nostrfeed failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *relaysFlag != "" {
		cfg.Relays, err = parseRelays(*relaysFlag)
		if err != nil {
			return err
		}
	}

	scope, err := parseScope(*scopeFlag)
	if err != nil {
		return err
	}

	subjectRaw := *subjectFlag
	if subjectRaw == "" {
		subjectRaw = os.Getenv("NOSTR_SUBJECT")
	}

	secret := *secFlag
	if secret == "" {
		secret = os.Getenv("NOSTR_SEC")
	}
	var signer nostr.Signer
	if secret != "" {
		local, err := nostr.NewLocalSigner(secret)
		if err != nil {
			return err
		}
		signer = local
		if subjectRaw == "" {
			subjectRaw = local.PublicKey()
		}
	}

	subject, err := resolveSubject(subjectRaw, scope)
	if err != nil {
		return err
	}

	if *qrFlag {
		return printSubjectQR(subject, scope)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Callbacks run on the session's event loop; printing hands off to
	// a channel so profile lookups never run on the loop.
	notes := make(chan types.Note, 64)
	session, err := feed.New(cfg, st, signer, subject, scope, feed.Callbacks{
		OnNewNote: func(n types.Note) {
			select {
			case notes <- n:
			default:
			}
		},
		OnReactionCount: func(noteID string, count int) {
			slog.Debug("reactions", "note", nostr.ShortID(noteID), "count", count)
		},
		OnReplyCount: func(noteID string, count int) {
			slog.Debug("replies", "note", nostr.ShortID(noteID), "count", count)
		},
		OnRepostCount: func(noteID string, count int) {
			slog.Debug("reposts", "note", nostr.ShortID(noteID), "count", count)
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go printLoop(ctx, session, notes)

	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	for _, n := range session.Notes() {
		select {
		case notes <- n:
		default:
		}
	}

	if *postFlag != "" {
		evt, err := session.PublishNote(ctx, *postFlag)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if noteRef, err := nostr.EncodeNoteID(evt.ID); err == nil {
			fmt.Printf("published %s\n", noteRef)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stats, _ := json.Marshal(session.Stats())
	fmt.Printf("\n%s\n", stats)
	return nil
}

// printLoop renders accepted notes, resolving author names off the
// event loop.
func printLoop(ctx context.Context, session *feed.Session, notes <-chan types.Note) {
	marks := newNIP05Marks()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			author := session.Profile(ctx, n.Author)
			marks.observe(ctx, author, n.Author)
			line := fmt.Sprintf("%s  %s  %s",
				time.Unix(n.SortKey(), 0).Format("Jan 02 15:04"),
				marks.name(author, n.Author),
				oneLine(n.Content))
			if n.IsRepost {
				reposter := session.Profile(ctx, n.RepostedBy)
				marks.observe(ctx, reposter, n.RepostedBy)
				line += fmt.Sprintf("  [reposted by %s]",
					marks.name(reposter, n.RepostedBy))
			}
			fmt.Println(line)
		}
	}
}

func displayName(p types.Profile, pubkey string) string {
	if p.Name != "" {
		return p.Name
	}
	return nostr.ShortID(pubkey)
}

func oneLine(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) > 120 {
		return string(runes[:117]) + "..."
	}
	return content
}

func parseScope(s string) (feed.Scope, error) {
	switch s {
	case "feed":
		return feed.ScopeFeed, nil
	case "profile":
		return feed.ScopeProfile, nil
	case "note":
		return feed.ScopeNote, nil
	default:
		return 0, fmt.Errorf("unknown scope %q (want feed, profile or note)", s)
	}
}

// resolveSubject accepts npub/note1 bech32 or raw hex and returns the
// 64-char hex id the session tracks.
func resolveSubject(raw string, scope feed.Scope) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("subject required: pass -subject, NOSTR_SUBJECT or -sec")
	}
	if strings.HasPrefix(raw, "npub1") || strings.HasPrefix(raw, "note1") {
		prefix, hexVal, err := nostr.Decode(raw)
		if err != nil {
			return "", err
		}
		if prefix == "note" && scope != feed.ScopeNote {
			return "", fmt.Errorf("a note id needs -scope note")
		}
		if prefix == "npub" && scope == feed.ScopeNote {
			return "", fmt.Errorf("-scope note needs a note id, not an npub")
		}
		return hexVal, nil
	}
	return raw, nil
}

func parseRelays(list string) ([]string, error) {
	var relays []string
	for _, r := range strings.Split(list, ",") {
		normalized := nostr.NormalizeRelayURL(r)
		if normalized == "" {
			return nil, fmt.Errorf("invalid relay URL %q", strings.TrimSpace(r))
		}
		relays = append(relays, normalized)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relay URLs in %q", list)
	}
	return relays, nil
}

// printSubjectQR renders the subject as a scannable nostr: URI, the
// easiest way to move an identity to a phone client.
func printSubjectQR(subject string, scope feed.Scope) error {
	var encoded string
	var err error
	if scope == feed.ScopeNote {
		encoded, err = nostr.EncodeNoteID(subject)
	} else {
		encoded, err = nostr.EncodePubKey(subject)
	}
	if err != nil {
		return err
	}

	code, err := qrcode.New("nostr:"+encoded, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("render qr: %w", err)
	}
	fmt.Println(encoded)
	fmt.Print(code.ToSmallString(false))
	return nil
}
