package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"nostrfeed/internal/nostr"
	"nostrfeed/internal/types"
)

// decodeKind tags messages exchanged with the background decoder. The
// protocol is closed: these six kinds are the whole vocabulary.
type decodeKind int

const (
	decodeCacheRequest decodeKind = iota // records in, notes out
	decodeCacheReply
	decodeBatchRequest // raw event payloads in, events out
	decodeBatchReply
	decodeError
	decodeClose
)

// decodeMsg is one message to or from the decoder worker. Which payload
// field is set depends on the kind; replies are correlated by kind
// alone, so the session keeps at most one request of each kind in
// flight.
type decodeMsg struct {
	kind    decodeKind
	records map[string][]byte // decodeCacheRequest
	notes   []types.Note      // decodeCacheReply
	raws    []json.RawMessage // decodeBatchRequest
	events  []*types.Event    // decodeBatchReply
	err     string            // decodeError
}

// decoder runs JSON-heavy parsing on its own goroutine so the event
// loop stays responsive during cache hydration and note backlogs. It
// shares no memory with the session; everything crosses the two
// channels.
type decoder struct {
	requests chan decodeMsg
	replies  chan decodeMsg
}

func newDecoder() *decoder {
	d := &decoder{
		requests: make(chan decodeMsg, 4),
		replies:  make(chan decodeMsg, 4),
	}
	go d.run()
	return d
}

func (d *decoder) run() {
	for msg := range d.requests {
		if msg.kind == decodeClose {
			return
		}
		d.replies <- d.handle(msg)
	}
}

// handle converts a panic during decode into a decodeError reply so a
// poisoned payload can never take down the session.
func (d *decoder) handle(msg decodeMsg) (reply decodeMsg) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("decode worker panic", "panic", r)
			reply = decodeMsg{kind: decodeError, err: fmt.Sprint(r)}
		}
	}()

	switch msg.kind {
	case decodeCacheRequest:
		return decodeMsg{kind: decodeCacheReply, notes: decodeNoteRecords(msg.records)}
	case decodeBatchRequest:
		return decodeMsg{kind: decodeBatchReply, events: decodeEventBatch(msg.raws)}
	default:
		return decodeMsg{kind: decodeError, err: fmt.Sprintf("unexpected decode request kind %d", msg.kind)}
	}
}

// close asks the worker to exit. The session does not wait for it; a
// wedged worker is abandoned rather than allowed to block shutdown.
func (d *decoder) close() {
	select {
	case d.requests <- decodeMsg{kind: decodeClose}:
	default:
	}
}

// decodeNoteRecords parses persisted note records. Records that fail to
// parse are skipped; a corrupt store entry costs one note, not the
// whole hydration.
func decodeNoteRecords(records map[string][]byte) []types.Note {
	notes := make([]types.Note, 0, len(records))
	for key, data := range records {
		var n types.Note
		if err := json.Unmarshal(data, &n); err != nil {
			slog.Debug("skipping unreadable note record", "key", key, "error", err)
			continue
		}
		if n.ID == "" {
			continue
		}
		notes = append(notes, n)
	}
	return notes
}

// decodeEventBatch parses a backlog of raw event payloads collected
// before a subscription's end-of-stream marker.
func decodeEventBatch(raws []json.RawMessage) []*types.Event {
	events := make([]*types.Event, 0, len(raws))
	for _, raw := range raws {
		evt, err := nostr.DecodeEvent(raw)
		if err != nil {
			slog.Debug("skipping undecodable backlog event", "error", err)
			continue
		}
		events = append(events, evt)
	}
	return events
}
