package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"nostrfeed/internal/types"
)

func TestComputeEventID(t *testing.T) {
	evt := &types.Event{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   "test",
	}

	computedID := ComputeEventID(evt)

	// Compute manually to compare
	tagsJSON, _ := json.Marshal(evt.Tags)
	contentJSON, _ := json.Marshal(evt.Content)
	serialized := fmt.Sprintf(
		`[0,"%s",%d,%d,%s,%s]`,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		string(tagsJSON),
		string(contentJSON),
	)
	t.Logf("Serialized: %s", serialized)

	hash := sha256.Sum256([]byte(serialized))
	manualID := hex.EncodeToString(hash[:])

	if computedID != manualID {
		t.Errorf("IDs don't match: computed=%s, manual=%s", computedID, manualID)
	}
}

func TestComputeEventIDNoHTMLEscaping(t *testing.T) {
	// Content with <, > and & must hash over the unescaped bytes
	evt := &types.Event{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   `a < b && c > d`,
	}

	serialized := fmt.Sprintf(
		`[0,"%s",%d,%d,[],"a < b && c > d"]`,
		evt.PubKey, evt.CreatedAt, evt.Kind,
	)
	hash := sha256.Sum256([]byte(serialized))
	expected := hex.EncodeToString(hash[:])

	if got := ComputeEventID(evt); got != expected {
		t.Errorf("HTML chars were escaped: got %s, expected %s", got, expected)
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewLocalSigner(strings.Repeat("01", 32))
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	if len(signer.PublicKey()) != 64 {
		t.Fatalf("pubkey should be 64 hex chars, got %d", len(signer.PublicKey()))
	}

	evt := &types.Event{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"e", "abc"}},
		Content:   "hello relay",
	}
	if err := signer.Sign(evt); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if evt.PubKey != signer.PublicKey() {
		t.Errorf("Sign did not set pubkey")
	}
	if evt.ID != ComputeEventID(evt) {
		t.Errorf("Sign did not set the canonical id")
	}
	if !VerifySignature(evt) {
		t.Errorf("signature did not verify")
	}

	// Tampering with content invalidates the signature
	tampered := *evt
	tampered.Content = "tampered"
	tampered.ID = ComputeEventID(&tampered)
	if VerifySignature(&tampered) {
		t.Errorf("tampered event should not verify")
	}
}

func TestNewLocalSignerRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"zz",
		"0102",                    // too short
		strings.Repeat("01", 33),  // too long
		"nsec1qqqqqqqqqqqqqqqqqq", // bad checksum
	}
	for _, secret := range cases {
		if _, err := NewLocalSigner(secret); err == nil {
			t.Errorf("expected error for secret %q", secret)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID should pass short ids through, got %q", got)
	}
}
