// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package keys

import (
	"encoding/hex"
	"strings"
	"sync"
)

// Secret holds 32 bytes of key material in an owned buffer that is wiped
// on Zero.  It backs the session transport secret so that no accessor
// ever hands out an alias the caller can retain after teardown.
type Secret struct {
	sync.Mutex
	b []byte
}

// NewSecret validates and copies a 64 hex secret into an owned buffer.
func NewSecret(skHex string) (*Secret, error) {
	if err := ValidateSecret(skHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.ToLower(skHex))
	if err != nil {
		return nil, err
	}
	return &Secret{b: raw}, nil
}

// Hex renders the secret as 64 lowercase hex characters.  Returns the
// empty string after Zero.
func (s *Secret) Hex() string {
	s.Lock()
	defer s.Unlock()
	if s.b == nil {
		return ""
	}
	return hex.EncodeToString(s.b)
}

// WithBytes invokes fn with the raw secret bytes.  The slice is only
// valid for the duration of the call and must not be retained.
func (s *Secret) WithBytes(fn func(b []byte) error) error {
	s.Lock()
	defer s.Unlock()
	return fn(s.b)
}

// Zero wipes the buffer.
func (s *Secret) Zero() {
	s.Lock()
	defer s.Unlock()
	zero(s.b)
	s.b = nil
}
