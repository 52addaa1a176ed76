package nostr

import (
	"encoding/json"
	"fmt"

	"nostrfeed/internal/types"
)

// Relay message types (NIP-01)
const (
	MsgEvent  = "EVENT"
	MsgEOSE   = "EOSE"
	MsgReq    = "REQ"
	MsgClose  = "CLOSE"
	MsgNotice = "NOTICE"
	MsgOK     = "OK"
)

// Envelope is one parsed inbound relay frame. Only the outer array is
// decoded here; EventRaw holds the still-encoded event payload so bulk
// consumers can hand it to a background decoder instead of parsing on
// the hot path.
type Envelope struct {
	Type     string
	SubID    string
	EventRaw json.RawMessage
}

// ParseEnvelope decodes the outer shape of a raw relay frame: a JSON
// array whose first element names the message type. Returns false for
// frames that are not valid protocol messages.
func ParseEnvelope(frame []byte) (Envelope, bool) {
	var msg []json.RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Envelope{}, false
	}
	if len(msg) < 2 {
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal(msg[0], &env.Type); err != nil {
		return Envelope{}, false
	}

	switch env.Type {
	case MsgEvent:
		if len(msg) < 3 {
			return Envelope{}, false
		}
		json.Unmarshal(msg[1], &env.SubID)
		env.EventRaw = msg[2]
	case MsgEOSE:
		json.Unmarshal(msg[1], &env.SubID)
	default:
		// NOTICE, OK, CLOSED and anything unknown carry no event; the
		// type alone is enough for callers to ignore them.
	}
	return env, true
}

// DecodeEvent parses an event payload kept raw by ParseEnvelope
func DecodeEvent(raw json.RawMessage) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("decode event: missing id")
	}
	return &evt, nil
}

// ReqMessage builds a ["REQ", subID, filter...] frame
func ReqMessage(subID string, filters ...types.Filter) []byte {
	parts := []interface{}{MsgReq, subID}
	for _, f := range filters {
		parts = append(parts, f.Wire())
	}
	data, _ := json.Marshal(parts)
	return data
}

// CloseMessage builds a ["CLOSE", subID] frame
func CloseMessage(subID string) []byte {
	data, _ := json.Marshal([]interface{}{MsgClose, subID})
	return data
}

// EventMessage builds an ["EVENT", event] frame for publishing
func EventMessage(evt *types.Event) []byte {
	data, _ := json.Marshal([]interface{}{MsgEvent, evt})
	return data
}
