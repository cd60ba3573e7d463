// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keys provides the secp256k1 key material used by the NIP-46
// transport: x-only public key normalization, keypair handling, and a
// zeroing buffer for transport secrets.
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// PubkeyHexLen is the length of a normalized x-only public key in hex.
	PubkeyHexLen = 64

	// SecretHexLen is the length of a transport secret in hex.
	SecretHexLen = 64

	compressedHexLen   = 66
	uncompressedHexLen = 130
)

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizePubkey accepts a public key in any of the three hex encodings
// seen on the wire (64 = raw x-only, 66 = SEC1 compressed, 130 = SEC1
// uncompressed) and returns the canonical 64 character lowercase x-only
// form.  Prefix bytes are verified: 02/03 for compressed, 04 for
// uncompressed.
func NormalizePubkey(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("keys: empty pubkey")
	}
	if !isHex(s) {
		return "", fmt.Errorf("keys: pubkey is not hex")
	}
	s = strings.ToLower(s)

	switch len(s) {
	case PubkeyHexLen:
		// Raw x-only.  Verify it decodes; point validity is checked
		// lazily where the key is actually used.
		if _, err := hex.DecodeString(s); err != nil {
			return "", fmt.Errorf("keys: malformed pubkey: %v", err)
		}
		return s, nil
	case compressedHexLen:
		if s[:2] != "02" && s[:2] != "03" {
			return "", fmt.Errorf("keys: bad compressed pubkey prefix %q", s[:2])
		}
	case uncompressedHexLen:
		if s[:2] != "04" {
			return "", fmt.Errorf("keys: bad uncompressed pubkey prefix %q", s[:2])
		}
	default:
		return "", fmt.Errorf("keys: pubkey length %d not in {64, 66, 130}", len(s))
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("keys: malformed pubkey: %v", err)
	}
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("keys: invalid pubkey: %v", err)
	}
	return hex.EncodeToString(schnorr.SerializePubKey(pk)), nil
}

// ValidateSecret checks that s is a well formed 64 character hex secret.
func ValidateSecret(s string) error {
	if len(s) != SecretHexLen {
		return fmt.Errorf("keys: secret length %d, want %d", len(s), SecretHexLen)
	}
	if !isHex(s) {
		return fmt.Errorf("keys: secret is not hex")
	}
	return nil
}

// ParseXOnly decodes a normalized 64 hex pubkey into a btcec public key
// with even Y, as used for ECDH and Schnorr verification.
func ParseXOnly(pubHex string) (*btcec.PublicKey, error) {
	norm, err := NormalizePubkey(pubHex)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(norm)
	if err != nil {
		return nil, fmt.Errorf("keys: malformed pubkey: %v", err)
	}
	pk, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid pubkey point: %v", err)
	}
	return pk, nil
}

// Keypair is a secp256k1 keypair used for signing kind 24133 transport
// events and for deriving envelope encryption keys.  The private scalar
// is never exposed; Zero clears it when the keypair is discarded.
type Keypair struct {
	priv *btcec.PrivateKey
	pub  string
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %v", err)
	}
	return newKeypair(priv), nil
}

// KeypairFromHex loads a keypair from a 64 hex secret.
func KeypairFromHex(skHex string) (*Keypair, error) {
	if err := ValidateSecret(skHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.ToLower(skHex))
	if err != nil {
		return nil, fmt.Errorf("keys: malformed secret: %v", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	zero(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("keys: secret is not a valid scalar")
	}
	return newKeypair(priv), nil
}

func newKeypair(priv *btcec.PrivateKey) *Keypair {
	return &Keypair{
		priv: priv,
		pub:  hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicHex returns the x-only public key as 64 lowercase hex characters.
func (k *Keypair) PublicHex() string {
	return k.pub
}

// Private returns the underlying private key for signing.  Callers must
// not retain the returned pointer past the keypair's lifetime.
func (k *Keypair) Private() *btcec.PrivateKey {
	return k.priv
}

// ECDH computes the x coordinate of the Diffie-Hellman shared point with
// the given peer, per the Nostr convention (no hashing).
func (k *Keypair) ECDH(peerPubHex string) ([32]byte, error) {
	var out [32]byte
	pk, err := ParseXOnly(peerPubHex)
	if err != nil {
		return out, err
	}
	shared := btcec.GenerateSharedSecret(k.priv, pk)
	if len(shared) != 32 {
		zero(shared)
		return out, fmt.Errorf("keys: unexpected shared secret length %d", len(shared))
	}
	copy(out[:], shared)
	zero(shared)
	return out, nil
}

// Zero clears the private scalar.  The keypair is unusable afterwards.
func (k *Keypair) Zero() {
	if k.priv != nil {
		k.priv.Zero()
		k.priv = nil
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
