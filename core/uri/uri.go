// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package uri parses and emits the two NIP-46 connection URIs,
// bunker:// (signer hands its address to a client) and nostrconnect://
// (client hands its address to a signer).
package uri

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/protocol"
)

const (
	bunkerScheme  = "bunker://"
	connectScheme = "nostrconnect://"
)

// BunkerURI is the parsed form of bunker://<pubkey>?relay=...&secret=...
type BunkerURI struct {
	// RemotePub is the remote signer's pubkey, normalized x-only hex.
	RemotePub string

	// Relays preserves the order the relay params appeared in.
	Relays []string

	// Secret is the optional connect auth token.  Not a key.
	Secret string
}

// ConnectURI is the parsed form of nostrconnect://<pubkey>?...
type ConnectURI struct {
	// ClientPub is the client's transport pubkey, normalized x-only hex.
	ClientPub string

	Relays []string
	Secret string

	// Perms is the requested capability set from the perms CSV param.
	Perms []string

	// Client metadata for the signer's approval UI.
	Name     string
	URL      string
	Image    string
	Metadata string
}

// ParseBunker parses a bunker:// URI.
func ParseBunker(s string) (*BunkerURI, error) {
	rest, err := stripScheme(s, bunkerScheme)
	if err != nil {
		return nil, err
	}
	pub, params, err := splitAuthority(rest)
	if err != nil {
		return nil, err
	}
	u := &BunkerURI{RemotePub: pub}
	for _, p := range params {
		switch p.key {
		case "relay":
			u.Relays = append(u.Relays, p.value)
		case "secret":
			u.Secret = p.value
		}
	}
	return u, nil
}

// ParseConnect parses a nostrconnect:// URI.
func ParseConnect(s string) (*ConnectURI, error) {
	rest, err := stripScheme(s, connectScheme)
	if err != nil {
		return nil, err
	}
	pub, params, err := splitAuthority(rest)
	if err != nil {
		return nil, err
	}
	u := &ConnectURI{ClientPub: pub}
	for _, p := range params {
		switch p.key {
		case "relay":
			u.Relays = append(u.Relays, p.value)
		case "secret":
			u.Secret = p.value
		case "perms":
			u.Perms = splitPerms(p.value)
		case "name":
			u.Name = p.value
		case "url":
			u.URL = p.value
		case "image":
			u.Image = p.value
		case "metadata":
			u.Metadata = p.value
		}
	}
	return u, nil
}

// IsBunker reports whether s carries the bunker:// scheme.
func IsBunker(s string) bool { return strings.HasPrefix(s, bunkerScheme) }

// IsConnect reports whether s carries the nostrconnect:// scheme.
func IsConnect(s string) bool { return strings.HasPrefix(s, connectScheme) }

// String emits the URI with percent-encoded values, repeating relay= per
// relay and appending secret= when present.
func (u *BunkerURI) String() string {
	var b strings.Builder
	b.WriteString(bunkerScheme)
	b.WriteString(u.RemotePub)
	writeQuery(&b, u.Relays, u.Secret, nil)
	return b.String()
}

// String emits the nostrconnect URI, including perms and metadata params
// when set.
func (u *ConnectURI) String() string {
	var b strings.Builder
	b.WriteString(connectScheme)
	b.WriteString(u.ClientPub)
	extra := []param{}
	if len(u.Perms) > 0 {
		extra = append(extra, param{"perms", strings.Join(u.Perms, ",")})
	}
	if u.Name != "" {
		extra = append(extra, param{"name", u.Name})
	}
	if u.URL != "" {
		extra = append(extra, param{"url", u.URL})
	}
	if u.Image != "" {
		extra = append(extra, param{"image", u.Image})
	}
	if u.Metadata != "" {
		extra = append(extra, param{"metadata", u.Metadata})
	}
	writeQuery(&b, u.Relays, u.Secret, extra)
	return b.String()
}

type param struct {
	key, value string
}

func stripScheme(s, scheme string) (string, error) {
	if s == "" {
		return "", protocol.NewInvalidURIError("empty URI")
	}
	if !strings.HasPrefix(s, scheme) {
		return "", protocol.NewInvalidURIError("invalid scheme, want %s", scheme)
	}
	return s[len(scheme):], nil
}

// splitAuthority separates the pubkey authority from the query and
// percent-decodes every parameter value.  The pubkey is normalized to
// the 64 hex x-only form.
func splitAuthority(rest string) (string, []param, error) {
	authority := rest
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		authority = rest[:i]
		query = rest[i+1:]
	}

	pub, err := keys.NormalizePubkey(authority)
	if err != nil {
		// A key that fails because query params were glued on without
		// the separator is a query problem, not a pubkey problem.
		if strings.ContainsAny(authority, "=&/") {
			return "", nil, protocol.NewInvalidURIError("malformed query: %v", err)
		}
		return "", nil, protocol.NewInvalidURIError("invalid pubkey: %v", err)
	}

	var params []param
	if query == "" {
		return pub, nil, nil
	}
	for _, seg := range strings.Split(query, "&") {
		if seg == "" {
			continue
		}
		key, rawValue, _ := strings.Cut(seg, "=")
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			return "", nil, protocol.NewInvalidURIError("malformed query: bad escape in %q", seg)
		}
		params = append(params, param{key: key, value: value})
	}
	return pub, params, nil
}

func splitPerms(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeQuery(b *strings.Builder, relays []string, secret string, extra []param) {
	sep := byte('?')
	writeParam := func(key, value string) {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(percentEncode(value))
	}
	for _, r := range relays {
		writeParam("relay", r)
	}
	if secret != "" {
		writeParam("secret", secret)
	}
	for _, p := range extra {
		writeParam(p.key, p.value)
	}
}

// percentEncode escapes everything outside the RFC 3986 unreserved set
// plus ':' and '/', which are left verbatim so relay URLs stay readable.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '.' || c == '_' || c == '~' || c == ':' || c == '/':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
