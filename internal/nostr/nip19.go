package nostr

import (
	"encoding/hex"
	"fmt"
)

// NIP-19 bech32-encoded identifiers. Only the bare 32-byte forms are
// handled here: npub (pubkey), nsec (secret key), note (event id). The
// TLV forms (nevent, nprofile) are relay-hint wrappers this client does
// not emit.

func encode32(prefix, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", fmt.Errorf("nip19: invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("nip19: expected 32 bytes, got %d", len(raw))
	}
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(prefix, data), nil
}

// EncodePubKey encodes a hex public key as npub
func EncodePubKey(hexPubkey string) (string, error) {
	return encode32("npub", hexPubkey)
}

// EncodeSecretKey encodes a hex secret key as nsec
func EncodeSecretKey(hexSeckey string) (string, error) {
	return encode32("nsec", hexSeckey)
}

// EncodeNoteID encodes a hex event id as note
func EncodeNoteID(hexEventID string) (string, error) {
	return encode32("note", hexEventID)
}

// Decode converts an npub/nsec/note string back to its prefix and hex
// payload.
func Decode(bech string) (prefix string, hexValue string, err error) {
	hrp, data, err := bech32Decode(bech)
	if err != nil {
		return "", "", err
	}
	switch hrp {
	case "npub", "nsec", "note":
	default:
		return "", "", fmt.Errorf("nip19: unsupported prefix %q", hrp)
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return "", "", err
	}
	if len(raw) != 32 {
		return "", "", fmt.Errorf("nip19: expected 32 bytes, got %d", len(raw))
	}
	return hrp, hex.EncodeToString(raw), nil
}
