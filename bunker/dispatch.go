// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package bunker

import (
	"encoding/json"
	"strings"

	"github.com/farsign/farsign/core/envelope"
	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/msg"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/internal/instrument"
)

// dispatch executes one parsed request and returns the plaintext reply
// JSON, or nil when the request is dropped without an answer.
// get_public_key, ping and connect need no ACL entry; everything else
// requires the requester's entry to contain the method name.
func (b *Bunker) dispatch(requester string, req *msg.Request) []byte {
	switch req.Method {
	case protocol.MethodGetPublicKey:
		return b.ok(req.ID, b.userKeypair().PublicHex())

	case protocol.MethodPing:
		return b.ok(req.ID, protocol.ResultPong)

	case protocol.MethodConnect:
		return b.dispatchConnect(req)

	case protocol.MethodSignEvent:
		return b.dispatchSign(requester, req)

	case protocol.MethodNIP04Encrypt, protocol.MethodNIP04Decrypt,
		protocol.MethodNIP44Encrypt, protocol.MethodNIP44Decrypt:
		return b.dispatchCipher(requester, req)

	default:
		b.log.Debugf("Unknown method %q from %s", req.Method, requester)
		return b.errReply(req.ID, protocol.WireErrMethodNotSupported)
	}
}

// dispatchConnect grants or denies a client.  Params are the client
// pubkey, an optional secret token, and an optional permission CSV.
// Granted permissions replace the client's ACL entry wholesale.
func (b *Bunker) dispatchConnect(req *msg.Request) []byte {
	var clientPub, secret, permsCSV string
	if len(req.Params) > 0 {
		clientPub = req.Params[0].Value()
	}
	switch {
	case len(req.Params) >= 3:
		secret = req.Params[1].Value()
		permsCSV = req.Params[2].Value()
	case len(req.Params) == 2 && looksLikePerms(req.Params[1].Value()):
		// Legacy senders put the permission CSV where modern ones
		// put the secret token.
		permsCSV = req.Params[1].Value()
	case len(req.Params) == 2:
		secret = req.Params[1].Value()
	}
	var perms []string
	for _, p := range strings.Split(permsCSV, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}

	if want := b.s.Secret(); want != "" && secret != want {
		b.log.Noticef("Denied connect from %s: bad secret", clientPub)
		return b.errReply(req.ID, protocol.WireErrDenied)
	}
	allowed := true
	if b.cfg.AuthorizeFn != nil {
		allowed = b.cfg.AuthorizeFn(clientPub, perms)
	}
	if !allowed {
		b.log.Noticef("Denied connect from %s", clientPub)
		return b.errReply(req.ID, protocol.WireErrDenied)
	}
	if pk, err := keys.NormalizePubkey(clientPub); err == nil {
		if err := b.s.ACLAllow(pk, perms); err == nil {
			b.log.Noticef("Granted %s permissions %v", pk, perms)
		}
	}
	return b.ok(req.ID, protocol.ResultAck)
}

// looksLikePerms reports whether s is a CSV of known method names, as
// opposed to an opaque secret token.
func looksLikePerms(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range strings.Split(s, ",") {
		if !protocol.KnownMethod(strings.TrimSpace(p)) {
			return false
		}
	}
	return true
}

// dispatchSign signs a caller-supplied event after the ACL check.  A
// request without an event param is dropped the same way an
// undecryptable one is.
func (b *Bunker) dispatchSign(requester string, req *msg.Request) []byte {
	if !b.s.ACLAllowed(requester, protocol.MethodSignEvent) {
		b.log.Noticef("Refusing sign_event from %s", requester)
		return b.errReply(req.ID, protocol.WireErrForbidden)
	}
	if len(req.Params) < 1 || req.Params[0].Value() == "" {
		return nil
	}
	eventJSON := req.Params[0].Value()

	if b.cfg.SignFn != nil {
		signed, err := b.cfg.SignFn(eventJSON)
		if err != nil || !json.Valid([]byte(signed)) {
			b.log.Warningf("Configured signer failed: %v", err)
			return b.errReply(req.ID, "signing_failed")
		}
		return b.okRaw(req.ID, signed)
	}

	ev, err := event.Decode([]byte(eventJSON))
	if err != nil {
		return b.errReply(req.ID, "invalid_event_json")
	}
	if err := ev.Sign(b.userKeypair()); err != nil {
		b.log.Warningf("Signing failed: %v", err)
		return b.errReply(req.ID, "signing_failed")
	}
	raw, err := ev.Encode()
	if err != nil {
		return b.errReply(req.ID, "serialize_failed")
	}
	return b.okRaw(req.ID, string(raw))
}

// dispatchCipher runs the four delegated encryption methods against
// the third-party pubkey in the first param, using the user key.
// Decrypt directions auto-detect the payload format.
func (b *Bunker) dispatchCipher(requester string, req *msg.Request) []byte {
	if !b.s.ACLAllowed(requester, req.Method) {
		b.log.Noticef("Refusing %s from %s", req.Method, requester)
		return b.errReply(req.ID, protocol.WireErrForbidden)
	}
	if len(req.Params) < 2 {
		return nil
	}
	peer, err := keys.NormalizePubkey(req.Params[0].Value())
	if err != nil {
		return b.errReply(req.ID, "invalid_params")
	}
	payload := req.Params[1].Value()

	kp := b.userKeypair()
	var out string
	switch req.Method {
	case protocol.MethodNIP04Encrypt:
		out, err = envelope.Encrypt(kp, peer, payload, envelope.FormatNIP04)
	case protocol.MethodNIP44Encrypt:
		out, err = envelope.Encrypt(kp, peer, payload, envelope.FormatNIP44)
	default:
		out, err = envelope.Decrypt(kp, peer, payload)
	}
	if err != nil {
		b.log.Warningf("%s for %s failed: %v", req.Method, requester, err)
		return b.errReply(req.ID, protocol.ErrorCategory(err).String())
	}
	return b.ok(req.ID, out)
}

// ok builds a success reply carrying result as a JSON string.
func (b *Bunker) ok(id, result string) []byte {
	raw, err := msg.StringResult(result)
	if err != nil {
		b.log.Warningf("Failed to encode result for id %s: %v", id, err)
		return nil
	}
	return b.okRaw(id, raw)
}

// okRaw builds a success reply carrying rawResult verbatim.
func (b *Bunker) okRaw(id, rawResult string) []byte {
	reply, err := msg.BuildOK(id, rawResult)
	if err != nil {
		b.log.Warningf("Failed to build reply for id %s: %v", id, err)
		return nil
	}
	return reply
}

// errReply builds an error reply carrying the wire error string.
func (b *Bunker) errReply(id, wireMsg string) []byte {
	instrument.RPCFailure(wireMsg)
	reply, err := msg.BuildError(id, wireMsg)
	if err != nil {
		b.log.Warningf("Failed to build error reply for id %s: %v", id, err)
		return nil
	}
	return reply
}
