package nostr

import (
	"encoding/json"
	"testing"

	"nostrfeed/internal/types"
)

func TestParseEnvelopeEvent(t *testing.T) {
	frame := []byte(`["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":1700000000,"kind":1,"tags":[["e","parent"]],"content":"hi","sig":"00"}]`)

	env, ok := ParseEnvelope(frame)
	if !ok {
		t.Fatalf("expected valid envelope")
	}
	if env.Type != MsgEvent {
		t.Errorf("type = %q", env.Type)
	}
	if env.SubID != "sub1" {
		t.Errorf("subID = %q", env.SubID)
	}
	if len(env.EventRaw) == 0 {
		t.Fatalf("event payload missing")
	}

	evt, err := DecodeEvent(env.EventRaw)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if evt.ID != "abc" || evt.Kind != 1 || evt.CreatedAt != 1700000000 {
		t.Errorf("event fields wrong: %+v", evt)
	}
	if evt.TagValue("e") != "parent" {
		t.Errorf("tag lookup failed")
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	if _, err := DecodeEvent([]byte(`"just a string"`)); err == nil {
		t.Errorf("string payload should fail")
	}
	if _, err := DecodeEvent([]byte(`{"pubkey":"x"}`)); err == nil {
		t.Errorf("payload without id should fail")
	}
}

func TestParseEnvelopeEOSE(t *testing.T) {
	env, ok := ParseEnvelope([]byte(`["EOSE","sub2"]`))
	if !ok {
		t.Fatalf("expected valid envelope")
	}
	if env.Type != MsgEOSE || env.SubID != "sub2" {
		t.Errorf("got %+v", env)
	}
	if env.EventRaw != nil {
		t.Errorf("EOSE should carry no event")
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`{}`,
		`["EVENT"]`,
		`["EVENT","sub"]`,
	}
	for _, frame := range cases {
		if _, ok := ParseEnvelope([]byte(frame)); ok {
			t.Errorf("frame %q should be rejected", frame)
		}
	}
}

func TestParseEnvelopeIgnoresUnknownTypes(t *testing.T) {
	env, ok := ParseEnvelope([]byte(`["NOTICE","rate limited"]`))
	if !ok {
		t.Fatalf("NOTICE should still parse")
	}
	if env.Type != MsgNotice || env.EventRaw != nil {
		t.Errorf("got %+v", env)
	}
}

func TestReqMessage(t *testing.T) {
	since := int64(1700000000)
	frame := ReqMessage("sub3", types.Filter{
		Authors: []string{"aa"},
		Kinds:   []int{1, 6},
		ETags:   []string{"target"},
		Since:   &since,
		Limit:   50,
	})

	var msg []json.RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(msg) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(msg))
	}

	var filter map[string]interface{}
	if err := json.Unmarshal(msg[2], &filter); err != nil {
		t.Fatalf("filter not an object: %v", err)
	}
	if _, ok := filter["#e"]; !ok {
		t.Errorf("filter missing #e key: %v", filter)
	}
	if filter["limit"].(float64) != 50 {
		t.Errorf("limit = %v", filter["limit"])
	}
	if filter["since"].(float64) != 1700000000 {
		t.Errorf("since = %v", filter["since"])
	}
	if _, ok := filter["ids"]; ok {
		t.Errorf("unset fields should be omitted: %v", filter)
	}
}

func TestEventMessage(t *testing.T) {
	evt := &types.Event{ID: "abc", PubKey: "def", Kind: 1, Tags: [][]string{}, Content: "hi"}
	frame := EventMessage(evt)

	// Publish frames are ["EVENT", event] with no subscription id
	var msg []json.RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(msg) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(msg))
	}
	var msgType string
	json.Unmarshal(msg[0], &msgType)
	if msgType != MsgEvent {
		t.Errorf("type = %q", msgType)
	}
	var got types.Event
	if err := json.Unmarshal(msg[1], &got); err != nil {
		t.Fatalf("second element should be the event: %v", err)
	}
	if got.ID != "abc" {
		t.Errorf("event id = %q", got.ID)
	}
}
