// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/protocol"
)

const (
	skOne = "0000000000000000000000000000000000000000000000000000000000000001"
	skTwo = "0000000000000000000000000000000000000000000000000000000000000002"
)

func testPair(t *testing.T) (*keys.Keypair, *keys.Keypair) {
	t.Helper()
	a, err := keys.KeypairFromHex(skOne)
	require.NoError(t, err)
	b, err := keys.KeypairFromHex(skTwo)
	require.NoError(t, err)
	return a, b
}

func TestDetect(t *testing.T) {
	require.Equal(t, FormatNIP04, Detect("aGVsbG8=?iv=c29tZWl2"))
	require.Equal(t, FormatNIP44, Detect("AgEC"))
	require.Equal(t, FormatNIP44, Detect(""))
	require.Equal(t, "nip04", FormatNIP04.String())
	require.Equal(t, "nip44", FormatNIP44.String())
}

func TestNIP04RoundTrip(t *testing.T) {
	a, b := testPair(t)

	ct, err := Encrypt(a, b.PublicHex(), "the quick brown fox", FormatNIP04)
	require.NoError(t, err)
	require.Contains(t, ct, "?iv=")

	pt, err := Decrypt(b, a.PublicHex(), ct)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox", pt)

	// Reverse direction uses the same shared secret.
	ct2, err := Encrypt(b, a.PublicHex(), "reply", FormatNIP04)
	require.NoError(t, err)
	pt2, err := Decrypt(a, b.PublicHex(), ct2)
	require.NoError(t, err)
	require.Equal(t, "reply", pt2)
}

func TestNIP04Structure(t *testing.T) {
	a, b := testPair(t)

	ct, err := Encrypt(a, b.PublicHex(), "abc", FormatNIP04)
	require.NoError(t, err)

	body, ivPart, ok := strings.Cut(ct, "?iv=")
	require.True(t, ok)
	raw, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	require.NoError(t, err)
	require.Len(t, iv, 16)
	require.Equal(t, 0, len(raw)%16)
}

func TestNIP04DecryptFailures(t *testing.T) {
	a, b := testPair(t)
	pk := b.PublicHex()

	for name, ct := range map[string]string{
		"bad ciphertext base64": "!!!?iv=c29tZWl2MTZieXRlcw==",
		"bad iv base64":         "aGVsbG8=?iv=!!!",
		"short iv":              "aGVsbG8=?iv=" + base64.StdEncoding.EncodeToString([]byte("short")),
		"empty ciphertext":      "?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"ragged ciphertext": base64.StdEncoding.EncodeToString([]byte("123")) +
			"?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
	} {
		_, err := Decrypt(a, pk, ct)
		require.Error(t, err, name)
		require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err), name)
	}
}

func TestNIP44RoundTrip(t *testing.T) {
	a, b := testPair(t)

	for _, pt := range []string{
		"x",
		"hello world",
		strings.Repeat("a", 32),
		strings.Repeat("b", 33),
		strings.Repeat("é", 100),
		strings.Repeat("c", 4096),
	} {
		ct, err := Encrypt(a, b.PublicHex(), pt, FormatNIP44)
		require.NoError(t, err)
		require.Equal(t, FormatNIP44, Detect(ct))

		got, err := Decrypt(b, a.PublicHex(), ct)
		require.NoError(t, err)
		require.Equal(t, pt, got)
	}
}

func TestNIP44MaxPlaintext(t *testing.T) {
	a, b := testPair(t)

	ct, err := Encrypt(a, b.PublicHex(), strings.Repeat("m", 65535), FormatNIP44)
	require.NoError(t, err)
	pt, err := Decrypt(b, a.PublicHex(), ct)
	require.NoError(t, err)
	require.Len(t, pt, 65535)

	_, err = Encrypt(a, b.PublicHex(), strings.Repeat("m", 65536), FormatNIP44)
	require.Error(t, err)
	require.Equal(t, protocol.CategoryEncryptFailed, protocol.ErrorCategory(err))

	_, err = Encrypt(a, b.PublicHex(), "", FormatNIP44)
	require.Error(t, err)
	require.Equal(t, protocol.CategoryEncryptFailed, protocol.ErrorCategory(err))
}

func TestNIP44PayloadShape(t *testing.T) {
	a, b := testPair(t)

	ct, err := Encrypt(a, b.PublicHex(), "shape check", FormatNIP44)
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	require.EqualValues(t, 2, payload[0])
	require.Len(t, payload, 1+32+(2+calcPaddedLen(len("shape check")))+32)
}

func TestNIP44Tampering(t *testing.T) {
	a, b := testPair(t)

	ct, err := Encrypt(a, b.PublicHex(), "integrity matters", FormatNIP44)
	require.NoError(t, err)
	payload, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)

	flip := func(i int) string {
		mod := make([]byte, len(payload))
		copy(mod, payload)
		mod[i] ^= 0x01
		return base64.StdEncoding.EncodeToString(mod)
	}

	// Version byte.
	_, err = Decrypt(b, a.PublicHex(), flip(0))
	require.Error(t, err)
	require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err))

	// Nonce, ciphertext body, MAC: all covered by the MAC check.
	for _, i := range []int{1, 40, len(payload) - 1} {
		_, err = Decrypt(b, a.PublicHex(), flip(i))
		require.Error(t, err)
		require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err))
	}
}

func TestNIP44DecryptFailures(t *testing.T) {
	a, b := testPair(t)
	pk := b.PublicHex()

	wrongVersion := append([]byte{0x01}, make([]byte, 98)...)
	for name, ct := range map[string]string{
		"not base64":     "%%%",
		"too short":      base64.StdEncoding.EncodeToString([]byte{2, 1, 2, 3}),
		"future version": "#AgER",
		"wrong version":  base64.StdEncoding.EncodeToString(wrongVersion),
	} {
		_, err := Decrypt(a, pk, ct)
		require.Error(t, err, name)
		require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err), name)
	}
}

func TestNIP44WrongRecipient(t *testing.T) {
	a, b := testPair(t)
	c, err := keys.GenerateKeypair()
	require.NoError(t, err)

	ct, err := Encrypt(a, b.PublicHex(), "for b only", FormatNIP44)
	require.NoError(t, err)

	_, err = Decrypt(c, a.PublicHex(), ct)
	require.Error(t, err)
	require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err))
}

func TestCalcPaddedLen(t *testing.T) {
	for n, want := range map[int]int{
		1: 32, 16: 32, 32: 32,
		33: 64, 37: 64, 45: 64, 49: 64, 64: 64,
		65: 96, 100: 128, 111: 128, 200: 224, 250: 256,
		320: 320, 383: 384, 384: 384, 400: 448, 500: 512,
		512: 512, 515: 640, 700: 768, 800: 896,
		65535: 65536,
	} {
		require.Equal(t, want, calcPaddedLen(n), "n=%d", n)
	}
}

func TestPKCS7(t *testing.T) {
	padded := pkcs7Pad([]byte("1234567890123456"), 16)
	require.Len(t, padded, 32)
	require.EqualValues(t, 16, padded[31])

	out, err := pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("1234567890123456"), out)

	_, err = pkcs7Unpad([]byte{}, 16)
	require.Error(t, err)
	_, err = pkcs7Unpad(make([]byte, 16), 16)
	require.Error(t, err)

	over := make([]byte, 16)
	over[15] = 17
	_, err = pkcs7Unpad(over, 16)
	require.Error(t, err)
}

func TestEncryptRequiresKeypair(t *testing.T) {
	_, err := Encrypt(nil, "", "x", FormatNIP44)
	require.Error(t, err)
	require.Equal(t, protocol.CategoryEncryptFailed, protocol.ErrorCategory(err))

	_, err = Decrypt(nil, "", "x")
	require.Error(t, err)
	require.Equal(t, protocol.CategoryDecryptFailed, protocol.ErrorCategory(err))
}
