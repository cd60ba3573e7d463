// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"

	"github.com/farsign/farsign/core/msg"
)

// Callback receives an async result exactly once.  result holds the
// reply payload on success and is empty for methods without one; err
// carries the protocol category on failure.  userData travels through
// untouched.  A nil Callback discards the outcome.
type Callback func(result string, err error, userData interface{})

// deliver runs fn on a client goroutine and hands its outcome to cb.
// The goroutine is joined at Stop, and a call blocked in flight
// completes with a cancelled error when the client halts.
func (c *Client) deliver(cb Callback, userData interface{}, fn func() (string, error)) {
	c.Go(func() {
		result, err := fn()
		if cb != nil {
			cb(result, err, userData)
		}
	})
}

// CallAsync is Call without blocking the caller.
func (c *Client) CallAsync(method string, params []msg.Param, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.Call(context.Background(), method, params)
	})
}

// ConnectRPCAsync is ConnectRPC without blocking the caller.
func (c *Client) ConnectRPCAsync(perms []string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return "", c.ConnectRPC(context.Background(), perms)
	})
}

// GetPublicKeyAsync is GetPublicKey without blocking the caller.
func (c *Client) GetPublicKeyAsync(cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.GetPublicKey(context.Background())
	})
}

// SignEventAsync is SignEvent without blocking the caller.
func (c *Client) SignEventAsync(eventJSON string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.SignEvent(context.Background(), eventJSON)
	})
}

// PingAsync is Ping without blocking the caller.
func (c *Client) PingAsync(cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return "", c.Ping(context.Background())
	})
}

// NIP04EncryptAsync is NIP04Encrypt without blocking the caller.
func (c *Client) NIP04EncryptAsync(peerPub, plaintext string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.NIP04Encrypt(context.Background(), peerPub, plaintext)
	})
}

// NIP04DecryptAsync is NIP04Decrypt without blocking the caller.
func (c *Client) NIP04DecryptAsync(peerPub, ciphertext string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.NIP04Decrypt(context.Background(), peerPub, ciphertext)
	})
}

// NIP44EncryptAsync is NIP44Encrypt without blocking the caller.
func (c *Client) NIP44EncryptAsync(peerPub, plaintext string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.NIP44Encrypt(context.Background(), peerPub, plaintext)
	})
}

// NIP44DecryptAsync is NIP44Decrypt without blocking the caller.
func (c *Client) NIP44DecryptAsync(peerPub, payload string, cb Callback, userData interface{}) {
	c.deliver(cb, userData, func() (string, error) {
		return c.NIP44Decrypt(context.Background(), peerPub, payload)
	})
}
