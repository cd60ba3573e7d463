// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/msg"
	"github.com/farsign/farsign/core/protocol"
)

// ConnectRPC performs the connect handshake with the signer.  The
// first param is this client's transport pubkey, the key the signer
// records the granted permissions under; the bunker secret and the
// requested permission CSV follow when present.  Signers normally
// reply "ack", but some return the user pubkey instead, so anything
// non-error is treated as accepted.
func (c *Client) ConnectRPC(ctx context.Context, perms []string) error {
	params := []msg.Param{msg.StringParam(c.s.TransportPublic())}
	secret := c.s.Secret()
	if secret != "" || len(perms) > 0 {
		params = append(params, msg.StringParam(secret))
	}
	if len(perms) > 0 {
		params = append(params, msg.StringParam(strings.Join(perms, ",")))
	}
	res, err := c.Call(ctx, protocol.MethodConnect, params)
	if err != nil {
		return err
	}
	if res != protocol.ResultAck {
		c.log.Debugf("connect returned %q instead of %q", res, protocol.ResultAck)
	}
	return nil
}

// GetPublicKey asks the signer for the user's signing public key.
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	res, err := c.Call(ctx, protocol.MethodGetPublicKey, nil)
	if err != nil {
		return "", err
	}
	pk, err := keys.NormalizePubkey(res)
	if err != nil {
		return "", protocol.WrapError(protocol.CategorySignerError, err)
	}
	return pk, nil
}

// SignEvent submits an unsigned event as JSON text and returns the
// signed event JSON.
func (c *Client) SignEvent(ctx context.Context, eventJSON string) (string, error) {
	if !json.Valid([]byte(eventJSON)) {
		return "", protocol.NewInvalidArgumentError("client: event is not valid JSON")
	}
	return c.Call(ctx, protocol.MethodSignEvent, []msg.Param{msg.JSONParam(eventJSON)})
}

// Ping round-trips a ping and checks for the literal "pong".
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.Call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if res != protocol.ResultPong {
		return protocol.NewSignerError("unexpected ping reply " + res)
	}
	return nil
}

// NIP04Encrypt asks the signer to seal plaintext for peerPub with the
// legacy NIP-04 construction.
func (c *Client) NIP04Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	return c.peerCall(ctx, protocol.MethodNIP04Encrypt, peerPub, plaintext)
}

// NIP04Decrypt asks the signer to open a NIP-04 ciphertext from peerPub.
func (c *Client) NIP04Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	return c.peerCall(ctx, protocol.MethodNIP04Decrypt, peerPub, ciphertext)
}

// NIP44Encrypt asks the signer to seal plaintext for peerPub as a
// NIP-44 v2 payload.
func (c *Client) NIP44Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	return c.peerCall(ctx, protocol.MethodNIP44Encrypt, peerPub, plaintext)
}

// NIP44Decrypt asks the signer to open a NIP-44 payload from peerPub.
func (c *Client) NIP44Decrypt(ctx context.Context, peerPub, payload string) (string, error) {
	return c.peerCall(ctx, protocol.MethodNIP44Decrypt, peerPub, payload)
}

// peerCall handles the shared shape of the four third-party encryption
// methods: a normalized peer pubkey followed by one payload string.
func (c *Client) peerCall(ctx context.Context, method, peerPub, payload string) (string, error) {
	pk, err := keys.NormalizePubkey(peerPub)
	if err != nil {
		return "", protocol.WrapError(protocol.CategoryInvalidArgument, err)
	}
	return c.Call(ctx, method, []msg.Param{msg.StringParam(pk), msg.StringParam(payload)})
}
