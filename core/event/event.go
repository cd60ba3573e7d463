// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package event implements Nostr events as used by the remote-signing
// protocol: canonical ID hashing, BIP-340 signatures, and the kind
// 24133 RPC carrier.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/protocol"
)

// Event is a signed Nostr event.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ComputeID returns the lowercase hex SHA-256 of the canonical
// serialization [0, pubkey, created_at, kind, tags, content].  The
// serialization must not HTML-escape content or the hash diverges from
// every other implementation.
func (ev *Event) ComputeID() (string, error) {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical := []any{0, ev.Pubkey, ev.CreatedAt, ev.Kind, tags, ev.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return "", fmt.Errorf("event: serialize: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// Sign stamps the event with kp's public key, recomputes the ID and
// produces a BIP-340 signature over it.
func (ev *Event) Sign(kp *keys.Keypair) error {
	if kp == nil {
		return protocol.NewInvalidArgumentError("event: no keypair")
	}
	ev.Pubkey = kp.PublicHex()
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}

	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("event: id: %w", err)
	}

	sig, err := schnorr.Sign(kp.Private(), idBytes)
	if err != nil {
		return fmt.Errorf("event: sign: %w", err)
	}
	ev.ID = id
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the ID matches the canonical hash and that the
// signature verifies against the author key.
func (ev *Event) Verify() error {
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	if id != ev.ID {
		return fmt.Errorf("event: id mismatch")
	}

	pub, err := keys.ParseXOnly(ev.Pubkey)
	if err != nil {
		return fmt.Errorf("event: pubkey: %w", err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil || len(idBytes) != sha256.Size {
		return fmt.Errorf("event: malformed id")
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("event: malformed sig")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("event: sig: %w", err)
	}
	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("event: bad signature")
	}
	return nil
}

// TagValue returns the second element of the first tag whose first
// element equals name, or "".
func (ev *Event) TagValue(name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Recipient returns the first "p" tag, the addressee of an RPC event.
func (ev *Event) Recipient() string {
	return ev.TagValue("p")
}

// CreatedTime converts the unix timestamp.
func (ev *Event) CreatedTime() time.Time {
	return time.Unix(ev.CreatedAt, 0)
}

// Encode serializes the event without HTML escaping, for relay frames.
func (ev *Event) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a JSON event.
func Decode(raw []byte) (*Event, error) {
	ev := new(Event)
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return ev, nil
}

// BuildRPC assembles, timestamps and signs a kind 24133 event carrying
// ciphertext to recipientPub.
func BuildRPC(kp *keys.Keypair, recipientPub, ciphertext string) (*Event, error) {
	rcpt, err := keys.NormalizePubkey(recipientPub)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindNostrConnect,
		Tags:      [][]string{{"p", rcpt}},
		Content:   ciphertext,
	}
	if err := ev.Sign(kp); err != nil {
		return nil, err
	}
	return ev, nil
}

// Filter is a subscription filter for REQ frames.  Zero fields are
// omitted from the wire form.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Match reports whether ev satisfies every populated constraint.
func (f *Filter) Match(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.PTags) > 0 && !contains(f.PTags, ev.Recipient()) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
