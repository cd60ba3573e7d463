// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/farsign/farsign/core/event"
)

// Frame types spoken on a relay websocket, per NIP-01.
const (
	frameEvent  = "EVENT"
	frameReq    = "REQ"
	frameClose  = "CLOSE"
	frameOK     = "OK"
	frameEOSE   = "EOSE"
	frameNotice = "NOTICE"
	frameClosed = "CLOSED"
	frameAuth   = "AUTH"
)

// serverFrame is a decoded relay-to-client message.
type serverFrame struct {
	Type string

	// EVENT, EOSE, CLOSED
	SubID string

	// EVENT
	Event *event.Event

	// OK
	EventID  string
	Accepted bool
	Reason   string

	// NOTICE, CLOSED
	Message string
}

func encodeFrame(parts ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parts); err != nil {
		return nil, fmt.Errorf("relay: encode frame: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeEventFrame builds ["EVENT", <event>].
func encodeEventFrame(ev *event.Event) ([]byte, error) {
	return encodeFrame(frameEvent, ev)
}

// encodeReqFrame builds ["REQ", <sub id>, <filter>...].
func encodeReqFrame(subID string, filters []event.Filter) ([]byte, error) {
	parts := make([]any, 0, 2+len(filters))
	parts = append(parts, frameReq, subID)
	for i := range filters {
		parts = append(parts, &filters[i])
	}
	return encodeFrame(parts...)
}

// encodeCloseFrame builds ["CLOSE", <sub id>].
func encodeCloseFrame(subID string) ([]byte, error) {
	return encodeFrame(frameClose, subID)
}

// parseFrame decodes a relay-to-client message.  Unknown frame types
// are returned with just Type set so callers can log and move on.
func parseFrame(raw []byte) (*serverFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("relay: empty frame")
	}

	f := new(serverFrame)
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return nil, fmt.Errorf("relay: frame type: %w", err)
	}

	switch f.Type {
	case frameEvent:
		if len(parts) < 3 {
			return nil, fmt.Errorf("relay: truncated EVENT frame")
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("relay: EVENT sub id: %w", err)
		}
		ev, err := event.Decode(parts[2])
		if err != nil {
			return nil, err
		}
		f.Event = ev
	case frameOK:
		if len(parts) < 3 {
			return nil, fmt.Errorf("relay: truncated OK frame")
		}
		if err := json.Unmarshal(parts[1], &f.EventID); err != nil {
			return nil, fmt.Errorf("relay: OK event id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &f.Accepted); err != nil {
			return nil, fmt.Errorf("relay: OK status: %w", err)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.Reason)
		}
	case frameEOSE:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &f.SubID)
		}
	case frameClosed:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &f.SubID)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &f.Message)
		}
	case frameNotice, frameAuth:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &f.Message)
		}
	}
	return f, nil
}
