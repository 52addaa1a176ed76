package nostr

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostrfeed/internal/types"
)

// Signer is the capability required to publish events. Key storage and
// custody live outside this module; callers hand in whatever
// implementation they trust.
type Signer interface {
	// PublicKey returns the x-only public key as 64 hex chars.
	PublicKey() string
	// Sign fills in the event's PubKey, ID and Sig. CreatedAt, Kind,
	// Tags and Content must already be set.
	Sign(evt *types.Event) error
}

// LocalSigner signs with an in-process secp256k1 key
type LocalSigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewLocalSigner accepts a secret key as 64 hex chars or an nsec string
func NewLocalSigner(secret string) (*LocalSigner, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec1") {
		prefix, hexKey, err := Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("expected nsec, got %s", prefix)
		}
		secret = hexKey
	}

	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	// x-only pubkey per BIP-340: drop the parity byte of the
	// compressed form
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])
	return &LocalSigner{priv: priv, pubHex: pubHex}, nil
}

func (s *LocalSigner) PublicKey() string {
	return s.pubHex
}

func (s *LocalSigner) Sign(evt *types.Event) error {
	evt.PubKey = s.pubHex
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
