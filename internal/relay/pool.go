// Package relay maintains one websocket per configured relay endpoint,
// hiding per-socket lifecycle behind connect-all, broadcast and
// reconnect-with-backoff.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errInvalidURL = errors.New("invalid relay URL")

// Callbacks are invoked from per-connection read goroutines. OnFrame
// receives every inbound text frame; OnDisconnect fires when a socket
// opened by ConnectAll drops; OnConnect fires after every successful
// dial so the owner can replay its live subscriptions.
type Callbacks struct {
	OnFrame      func(frame []byte, relayURL string)
	OnDisconnect func(relayURL string)
	OnConnect    func(relayURL string)
}

// Options tunes dialing and reconnect backoff
type Options struct {
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

type relayConn struct {
	conn    *websocket.Conn
	url     string
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Pool owns the sockets for one client session
type Pool struct {
	relays    []string
	opts      Options
	callbacks Callbacks

	mu     sync.RWMutex
	conns  map[string]*relayConn
	timers map[string]*time.Timer
	closed bool
}

// NewPool creates a pool for the given relay URLs. Nothing is dialed
// until ConnectAll.
func NewPool(relays []string, opts Options, callbacks Callbacks) *Pool {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 1 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 32 * time.Second
	}
	return &Pool{
		relays:    relays,
		opts:      opts,
		callbacks: callbacks,
		conns:     make(map[string]*relayConn),
		timers:    make(map[string]*time.Timer),
	}
}

func validRelayURL(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
}

// ConnectAll dials every configured relay that is not currently open.
// Dials run concurrently and independently; a failure is logged and
// swallowed so one dead relay never blocks the rest. Returns once every
// dial has settled.
func (p *Pool) ConnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, relayURL := range p.relays {
		if p.isOpen(relayURL) {
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := p.connect(ctx, u, nil); err != nil {
				slog.Warn("relay connect failed", "relay", u, "error", err)
			}
		}(relayURL)
	}
	wg.Wait()
}

// connect dials one relay and registers its read loop. onDrop overrides
// the disconnect behavior for sockets opened by Reconnect; nil means the
// default OnDisconnect callback.
func (p *Pool) connect(ctx context.Context, relayURL string, onDrop func()) error {
	if p.isClosed() {
		return nil
	}
	if !validRelayURL(relayURL) {
		return errInvalidURL
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return err
	}

	rc := &relayConn{conn: conn, url: relayURL}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	if prev, ok := p.conns[relayURL]; ok {
		prev.markClosed()
	}
	p.conns[relayURL] = rc
	p.mu.Unlock()

	slog.Debug("relay connected", "relay", relayURL)
	if p.callbacks.OnConnect != nil {
		p.callbacks.OnConnect(relayURL)
	}

	go p.readLoop(rc, onDrop)
	return nil
}

// readLoop forwards inbound frames until the socket dies, then removes
// it and reports the disconnect.
func (p *Pool) readLoop(rc *relayConn, onDrop func()) {
	for {
		_, frame, err := rc.conn.ReadMessage()
		if err != nil {
			if !rc.isClosed() && !p.isClosed() {
				slog.Warn("relay read error", "relay", rc.url, "error", err)
			}
			break
		}
		if p.isClosed() {
			return
		}
		if p.callbacks.OnFrame != nil {
			p.callbacks.OnFrame(frame, rc.url)
		}
	}

	rc.markClosed()
	p.remove(rc)

	if p.isClosed() {
		return
	}
	if onDrop != nil {
		onDrop()
	} else if p.callbacks.OnDisconnect != nil {
		p.callbacks.OnDisconnect(rc.url)
	}
}

// remove deletes rc from the registry if it is still the current socket
// for its URL.
func (p *Pool) remove(rc *relayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[rc.url] == rc {
		delete(p.conns, rc.url)
	}
}

// Broadcast sends one frame to every currently-open socket. Closed or
// absent sockets are skipped; write errors are logged and left for the
// read loop to clean up. Fire-and-forget, the protocol has no delivery
// confirmation.
func (p *Pool) Broadcast(message []byte) {
	p.mu.RLock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.RUnlock()

	for _, rc := range conns {
		if rc.isClosed() {
			continue
		}
		rc.writeMu.Lock()
		rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := rc.conn.WriteMessage(websocket.TextMessage, message)
		rc.conn.SetWriteDeadline(time.Time{})
		rc.writeMu.Unlock()
		if err != nil {
			slog.Warn("relay write failed", "relay", rc.url, "error", err)
		}
	}
}

// Send writes one frame to a single relay, if open
func (p *Pool) Send(relayURL string, message []byte) {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc == nil || rc.isClosed() {
		return
	}
	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := rc.conn.WriteMessage(websocket.TextMessage, message)
	rc.conn.SetWriteDeadline(time.Time{})
	rc.writeMu.Unlock()
	if err != nil {
		slog.Warn("relay write failed", "relay", relayURL, "error", err)
	}
}

// Reconnect schedules a dial for one relay after the attempt's backoff
// delay plus jitter. maxAttempts of zero retries forever; a positive cap
// gives up silently once exceeded. On success the new socket's drop
// handler chains to the next attempt, so a relay that keeps flapping
// backs off further each time.
func (p *Pool) Reconnect(relayURL string, attempt, maxAttempts int) {
	if p.isClosed() {
		return
	}
	if attempt < 1 {
		attempt = 1
	}
	if maxAttempts > 0 && attempt > maxAttempts {
		slog.Debug("reconnect attempts exhausted", "relay", relayURL, "attempts", maxAttempts)
		return
	}

	delay := Backoff(attempt, p.opts.BackoffBase, p.opts.BackoffMax) + jitter()
	slog.Info("scheduling reconnect", "relay", relayURL, "attempt", attempt, "delay", delay)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if prev, ok := p.timers[relayURL]; ok {
		prev.Stop()
	}
	p.timers[relayURL] = time.AfterFunc(delay, func() {
		p.clearTimer(relayURL)
		if p.isClosed() {
			return
		}
		err := p.connect(context.Background(), relayURL, func() {
			p.Reconnect(relayURL, attempt+1, maxAttempts)
		})
		if err != nil {
			slog.Warn("reconnect failed", "relay", relayURL, "attempt", attempt, "error", err)
			p.Reconnect(relayURL, attempt+1, maxAttempts)
		}
	})
	p.mu.Unlock()
}

func (p *Pool) clearTimer(relayURL string) {
	p.mu.Lock()
	delete(p.timers, relayURL)
	p.mu.Unlock()
}

// Close marks the pool closed and closes every socket. Idempotent;
// afterwards connects and pending reconnect timers are no-ops.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.conns = make(map[string]*relayConn)
	for _, timer := range p.timers {
		timer.Stop()
	}
	p.timers = make(map[string]*time.Timer)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
	slog.Debug("relay pool closed")
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) isOpen(relayURL string) bool {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	return rc != nil && !rc.isClosed()
}

// OpenCount returns the number of currently-open sockets
func (p *Pool) OpenCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, rc := range p.conns {
		if !rc.isClosed() {
			n++
		}
	}
	return n
}

// OpenURLs returns the URLs of currently-open sockets
func (p *Pool) OpenURLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for u, rc := range p.conns {
		if !rc.isClosed() {
			urls = append(urls, u)
		}
	}
	return urls
}
