// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package protocol defines the NIP-46 wire constants shared by every
// component: the event kind, the RPC method names, the literal result
// and error strings, and the protocol timing defaults.
package protocol

import "time"

// KindNostrConnect is the Nostr event kind carrying NIP-46 RPC traffic.
const KindNostrConnect = 24133

// RPC method names.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodPing         = "ping"
	MethodNIP04Encrypt = "nip04_encrypt"
	MethodNIP04Decrypt = "nip04_decrypt"
	MethodNIP44Encrypt = "nip44_encrypt"
	MethodNIP44Decrypt = "nip44_decrypt"
)

// Literal reply payloads.
const (
	ResultAck  = "ack"
	ResultPong = "pong"
)

// Wire error strings emitted by the signer dispatcher.
const (
	WireErrDenied             = "denied"
	WireErrForbidden          = "forbidden"
	WireErrMethodNotSupported = "method_not_supported"
)

const (
	// DefaultTimeout bounds one RPC round trip end to end.
	DefaultTimeout = 30 * time.Second

	// MaxEventAge is how far into the past an incoming transport event's
	// created_at may lie before it is rejected.
	MaxEventAge = 60 * time.Second

	// StaleSkipLimit is the number of mismatched replies a waiter
	// tolerates before giving up with a no_matching_reply error.
	StaleSkipLimit = 10
)

// Methods returns the set of recognised RPC method names.
func Methods() []string {
	return []string{
		MethodConnect,
		MethodGetPublicKey,
		MethodSignEvent,
		MethodPing,
		MethodNIP04Encrypt,
		MethodNIP04Decrypt,
		MethodNIP44Encrypt,
		MethodNIP44Decrypt,
	}
}

// KnownMethod reports whether name is a recognised RPC method.
func KnownMethod(name string) bool {
	switch name {
	case MethodConnect, MethodGetPublicKey, MethodSignEvent, MethodPing,
		MethodNIP04Encrypt, MethodNIP04Decrypt,
		MethodNIP44Encrypt, MethodNIP44Decrypt:
		return true
	}
	return false
}
