//go:build !prometheus

// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import "time"

// Init instrumentation
func Init(addr string) {}

// RPCRequest increments the counter for handled RPC requests
func RPCRequest(method string) {}

// RPCFailure increments the counter for failed RPC requests
func RPCFailure(category string) {}

// ReplySent increments the counter for published RPC replies
func ReplySent() {}

// EventReceived increments the counter for delivered relay events
func EventReceived() {}

// EventDropped increments the counter for dropped relay events
func EventDropped() {}

// StaleReply increments the counter for skipped stale replies
func StaleReply() {}

// Publish increments the counter for relay publishes
func Publish() {}

// PublishFailed increments the counter for fully rejected publishes
func PublishFailed() {}

// RelayReconnect increments the counter for relay reconnection attempts
func RelayReconnect() {}

// PendingRequests observes the size of the pending request map
func PendingRequests(n int) {}

// RequestDuration times the round trip of an RPC request
func RequestDuration(method string, d time.Duration) {}
