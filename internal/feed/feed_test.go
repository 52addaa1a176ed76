package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostrfeed/internal/config"
	"nostrfeed/internal/store"
	"nostrfeed/internal/types"
)

// Shared test identities. Single hex chars repeated to 64 so they pass
// the subject validation and stay readable in failure output.
var (
	subjectPK  = hex64('a')
	followedPK = hex64('b')
	strangerPK = hex64('c')
)

func hex64(c byte) string {
	return strings.Repeat(string(c), 64)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Relays = nil
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.LookupTimeout = 80 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	cfg.JanitorInterval = time.Hour
	return cfg
}

// newTestSession builds an offline session (no relays, memory store)
// whose event loop is not running, so tests can drive ingestion
// directly and deterministically.
func newTestSession(t *testing.T, scope Scope, cb Callbacks) *Session {
	t.Helper()
	s, err := New(testConfig(), store.NewMemoryStore(), nil, subjectPK, scope, cb)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testEvent(id, author string, kind int, createdAt int64, content string, tags ...[]string) *types.Event {
	if tags == nil {
		tags = [][]string{}
	}
	return &types.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       strings.Repeat("0", 128),
	}
}

// fakeRelay is a minimal websocket server that records inbound frames
// and can push frames to every client.
type fakeRelay struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []string
	conns  []*websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, string(msg))
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) push(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

// dropConns severs every client from the server side, simulating a
// relay restart.
func (f *fakeRelay) dropConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeRelay) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	copy(out, f.frames)
	return out
}

// findSubID returns the subscription id of the first recorded REQ whose
// frame contains the given marker, or "".
func (f *fakeRelay) findSubID(marker string) string {
	for _, frame := range f.received() {
		if !strings.HasPrefix(frame, `["REQ",`) || !strings.Contains(frame, marker) {
			continue
		}
		parts := strings.SplitN(frame, `"`, 5)
		if len(parts) >= 4 {
			return parts[3]
		}
	}
	return ""
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
