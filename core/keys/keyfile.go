// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package keys

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadKeypairFile reads a 64 hex secret from path and derives the
// keypair.  The scratch copy of the secret is wiped before return.
func LoadKeypairFile(path string) (*Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSecret(strings.TrimSpace(string(b)))
	zero(b)
	if err != nil {
		return nil, fmt.Errorf("keys: %s: %v", path, err)
	}
	defer s.Zero()
	return KeypairFromHex(s.Hex())
}

// SaveKeypairFile writes the keypair's secret to path with mode 0600.
// It refuses to clobber an existing file.
func SaveKeypairFile(path string, kp *Keypair) error {
	raw := kp.Private().Serialize()
	defer zero(raw)
	buf := make([]byte, hex.EncodedLen(len(raw))+1)
	hex.Encode(buf, raw)
	buf[len(buf)-1] = '\n'
	defer zero(buf)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
