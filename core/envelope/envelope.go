// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the two content encryption formats carried
// inside kind 24133 events: NIP-04 legacy (AES-256-CBC with a trailing
// "?iv=" marker) and NIP-44 v2 (version-prefixed ChaCha20 + HMAC-SHA256
// payload).  Decryption auto-detects the format so clients interoperate
// with signers that have not migrated yet.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/bits"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/protocol"
)

// Format selects the envelope construction on encrypt.
type Format int

const (
	// FormatNIP04 is the legacy base64(ct)?iv=base64(iv) construction.
	FormatNIP04 Format = iota

	// FormatNIP44 is the v2 versioned payload.  The default for NIP-46
	// transport; modern bunkers expect it.
	FormatNIP44
)

func (f Format) String() string {
	if f == FormatNIP04 {
		return "nip04"
	}
	return "nip44"
}

const (
	nip04Marker = "?iv="

	nip44Version    = 0x02
	nip44MinPlain   = 1
	nip44MaxPlain   = 65535
	nip44NonceLen   = 32
	nip44MacLen     = 32
	nip44MinPayload = 1 + nip44NonceLen + 2 + 32 + nip44MacLen
)

var (
	nip44Salt     = []byte("nip44-v2")
	errBadPadding = errors.New("bad pkcs7 padding")
)

// Detect classifies a ciphertext by format: the "?iv=" marker means
// NIP-04 legacy, anything else is treated as a NIP-44 payload.
func Detect(ct string) Format {
	if strings.Contains(ct, nip04Marker) {
		return FormatNIP04
	}
	return FormatNIP44
}

// Encrypt seals plaintext to peerPub in the requested format using the
// session keypair for ECDH.
func Encrypt(kp *keys.Keypair, peerPub, plaintext string, f Format) (string, error) {
	if kp == nil {
		return "", protocol.NewEncryptFailedError("envelope: no transport key")
	}
	switch f {
	case FormatNIP04:
		return encryptNIP04(kp, peerPub, plaintext)
	case FormatNIP44:
		return encryptNIP44(kp, peerPub, plaintext)
	default:
		return "", protocol.NewEncryptFailedError("envelope: unknown format %d", f)
	}
}

// Decrypt opens a ciphertext from peerPub, auto-detecting the format.
// Every failure (MAC, version, truncation, padding) comes back as a
// decrypt_failed error; callers drop the event and keep going.
func Decrypt(kp *keys.Keypair, peerPub, ct string) (string, error) {
	if kp == nil {
		return "", protocol.NewDecryptFailedError("envelope: no transport key")
	}
	if Detect(ct) == FormatNIP04 {
		return decryptNIP04(kp, peerPub, ct)
	}
	return decryptNIP44(kp, peerPub, ct)
}

func encryptNIP04(kp *keys.Keypair, peerPub, plaintext string) (string, error) {
	shared, err := kp.ECDH(peerPub)
	if err != nil {
		return "", protocol.WrapError(protocol.CategoryEncryptFailed, err)
	}
	defer wipe(shared[:])

	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return "", protocol.NewEncryptFailedError("envelope: %v", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", protocol.NewEncryptFailedError("envelope: iv: %v", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	defer wipe(padded)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + nip04Marker +
		base64.StdEncoding.EncodeToString(iv), nil
}

func decryptNIP04(kp *keys.Keypair, peerPub, ct string) (string, error) {
	body, ivPart, ok := strings.Cut(ct, nip04Marker)
	if !ok {
		return "", protocol.NewDecryptFailedError("envelope: missing iv marker")
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: ciphertext base64: %v", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: iv base64: %v", err)
	}
	if len(iv) != aes.BlockSize {
		return "", protocol.NewDecryptFailedError("envelope: iv length %d", len(iv))
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", protocol.NewDecryptFailedError("envelope: ciphertext length %d", len(raw))
	}

	shared, err := kp.ECDH(peerPub)
	if err != nil {
		return "", protocol.WrapError(protocol.CategoryDecryptFailed, err)
	}
	defer wipe(shared[:])

	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: %v", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		wipe(plain)
		return "", protocol.NewDecryptFailedError("envelope: %v", err)
	}
	out := string(unpadded)
	wipe(plain)
	return out, nil
}

func encryptNIP44(kp *keys.Keypair, peerPub, plaintext string) (string, error) {
	if len(plaintext) < nip44MinPlain || len(plaintext) > nip44MaxPlain {
		return "", protocol.NewEncryptFailedError(
			"envelope: plaintext length %d out of range", len(plaintext))
	}

	convKey, err := conversationKey(kp, peerPub)
	if err != nil {
		return "", protocol.WrapError(protocol.CategoryEncryptFailed, err)
	}
	defer wipe(convKey)

	nonce := make([]byte, nip44NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", protocol.NewEncryptFailedError("envelope: nonce: %v", err)
	}

	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", protocol.NewEncryptFailedError("envelope: %v", err)
	}
	defer wipe(chachaKey)
	defer wipe(hmacKey)

	padded := nip44Pad([]byte(plaintext))
	defer wipe(padded)

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", protocol.NewEncryptFailedError("envelope: %v", err)
	}
	ct := make([]byte, len(padded))
	stream.XORKeyStream(ct, padded)

	mac := hmacSum(hmacKey, nonce, ct)

	payload := make([]byte, 0, 1+nip44NonceLen+len(ct)+nip44MacLen)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ct...)
	payload = append(payload, mac...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decryptNIP44(kp *keys.Keypair, peerPub, ct string) (string, error) {
	if strings.HasPrefix(ct, "#") {
		return "", protocol.NewDecryptFailedError("envelope: unsupported version flag")
	}
	payload, err := base64.StdEncoding.DecodeString(ct)
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: payload base64: %v", err)
	}
	if len(payload) < nip44MinPayload {
		return "", protocol.NewDecryptFailedError("envelope: payload length %d", len(payload))
	}
	if payload[0] != nip44Version {
		return "", protocol.NewDecryptFailedError("envelope: version %d", payload[0])
	}

	nonce := payload[1 : 1+nip44NonceLen]
	body := payload[1+nip44NonceLen : len(payload)-nip44MacLen]
	mac := payload[len(payload)-nip44MacLen:]

	convKey, err := conversationKey(kp, peerPub)
	if err != nil {
		return "", protocol.WrapError(protocol.CategoryDecryptFailed, err)
	}
	defer wipe(convKey)

	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: %v", err)
	}
	defer wipe(chachaKey)
	defer wipe(hmacKey)

	if !hmac.Equal(mac, hmacSum(hmacKey, nonce, body)) {
		return "", protocol.NewDecryptFailedError("envelope: mac mismatch")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", protocol.NewDecryptFailedError("envelope: %v", err)
	}
	padded := make([]byte, len(body))
	stream.XORKeyStream(padded, body)
	defer wipe(padded)

	if len(padded) < 2 {
		return "", protocol.NewDecryptFailedError("envelope: truncated padding")
	}
	plen := int(binary.BigEndian.Uint16(padded[:2]))
	if plen < nip44MinPlain || plen > nip44MaxPlain ||
		len(padded) != 2+calcPaddedLen(plen) {
		return "", protocol.NewDecryptFailedError("envelope: bad padding")
	}
	return string(padded[2 : 2+plen]), nil
}

// conversationKey derives the per-pair NIP-44 key:
// HKDF-extract(SHA-256, salt "nip44-v2", ikm = ECDH x coordinate).
func conversationKey(kp *keys.Keypair, peerPub string) ([]byte, error) {
	shared, err := kp.ECDH(peerPub)
	if err != nil {
		return nil, err
	}
	ck := hkdf.Extract(sha256.New, shared[:], nip44Salt)
	wipe(shared[:])
	return ck, nil
}

// messageKeys expands the conversation key and per-message nonce into
// the ChaCha20 key and nonce plus the HMAC key.
func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	okm := make([]byte, 76)
	if _, err = hkdf.Expand(sha256.New, convKey, nonce).Read(okm); err != nil {
		return nil, nil, nil, err
	}
	return okm[0:32], okm[32:44], okm[44:76], nil
}

func hmacSum(key, nonce, ct []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ct)
	return h.Sum(nil)
}

// nip44Pad prefixes the plaintext length and zero-pads to the scheme's
// bucket size.
func nip44Pad(pt []byte) []byte {
	padded := make([]byte, 2+calcPaddedLen(len(pt)))
	binary.BigEndian.PutUint16(padded[:2], uint16(len(pt)))
	copy(padded[2:], pt)
	return padded
}

func calcPaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
