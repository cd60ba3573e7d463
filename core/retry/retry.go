// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides shared retry logic with exponential backoff
// for relay connections.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts is the default maximum number of retry attempts.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using
// exponential backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		jitterFactor := 1 - jitter + rand.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and
// worth retrying: network timeouts, connection refused, connection
// reset, websocket closures, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
		"abnormal closure",
		"bad handshake",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
