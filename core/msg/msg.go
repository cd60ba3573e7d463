// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package msg implements the NIP-46 RPC message codec.
//
// Requests are {"id","method","params":[...]} and responses are
// {"id","result","error"}.  The one rule that matters for interop:
// a parameter that is itself a JSON object or array (canonically a
// serialized Nostr event) is embedded raw, never re-quoted through a
// string.  Signers in the wild reject double-encoded events.
package msg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/farsign/farsign/core/protocol"
)

// Param is one request parameter: either a string literal or a raw JSON
// value.
type Param struct {
	value string
	raw   bool
}

// StringParam wraps a plain string parameter.
func StringParam(s string) Param { return Param{value: s} }

// JSONParam wraps a parameter that is already JSON text (an object,
// array, number or quoted string) and must travel verbatim.
func JSONParam(raw string) Param { return Param{value: raw, raw: true} }

// Value returns the parameter as the dispatcher consumes it: the decoded
// string for string literals, compact JSON text otherwise.
func (p Param) Value() string { return p.value }

// IsJSON reports whether the parameter rode as a raw JSON value.
func (p Param) IsJSON() bool { return p.raw }

// Request is a parsed or to-be-built RPC request.
type Request struct {
	ID     string
	Method string
	Params []Param
}

// Response is a parsed RPC response.  Result holds the decoded string
// for string results and compact JSON text for object/array results.
// An empty Error string means success; signers that emit "error":""
// are reporting success.
type Response struct {
	ID     string
	Result string
	Error  string
}

// IsError reports whether the response carries a non-empty error.
func (r *Response) IsError() bool { return r.Error != "" }

type wireRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type wireResponse struct {
	ID     *string          `json:"id"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *string          `json:"error,omitempty"`
}

// BuildRequest serializes a request.  Raw JSON params are validated and
// embedded without re-quoting; an empty param list emits "params":[].
func BuildRequest(id, method string, params []Param) ([]byte, error) {
	if id == "" {
		return nil, protocol.NewInvalidArgumentError("msg: empty request id")
	}
	if method == "" {
		return nil, protocol.NewInvalidArgumentError("msg: empty method")
	}
	w := wireRequest{
		ID:     id,
		Method: method,
		Params: make([]json.RawMessage, 0, len(params)),
	}
	for i, p := range params {
		if p.raw {
			if !json.Valid([]byte(p.value)) {
				return nil, protocol.NewInvalidArgumentError(
					"msg: param %d is not valid JSON", i)
			}
			w.Params = append(w.Params, json.RawMessage(p.value))
			continue
		}
		enc, err := encodeJSON(p.value)
		if err != nil {
			return nil, protocol.NewInvalidArgumentError("msg: param %d: %v", i, err)
		}
		w.Params = append(w.Params, enc)
	}
	return marshalNoEscape(&w)
}

// ParseRequest decodes a request, requiring both id and method.
func ParseRequest(b []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, protocol.NewInvalidArgumentError("msg: request parse: %v", err)
	}
	if w.ID == "" {
		return nil, protocol.NewInvalidArgumentError("msg: request missing id")
	}
	if w.Method == "" {
		return nil, protocol.NewInvalidArgumentError("msg: request missing method")
	}
	req := &Request{ID: w.ID, Method: w.Method}
	for i, raw := range w.Params {
		p, err := paramFromRaw(raw)
		if err != nil {
			return nil, protocol.NewInvalidArgumentError("msg: param %d: %v", i, err)
		}
		req.Params = append(req.Params, p)
	}
	return req, nil
}

// BuildOK serializes a success response.  rawResult is JSON text and
// travels verbatim: pass `"ack"` (quoted) for string results and the
// serialized event for object results.
func BuildOK(id, rawResult string) ([]byte, error) {
	if id == "" {
		return nil, protocol.NewInvalidArgumentError("msg: empty response id")
	}
	if !json.Valid([]byte(rawResult)) {
		return nil, protocol.NewInvalidArgumentError("msg: result is not valid JSON")
	}
	raw := json.RawMessage(rawResult)
	return marshalNoEscape(&wireResponse{ID: &id, Result: &raw})
}

// StringResult encodes s as a JSON string suitable as a BuildOK raw
// result.
func StringResult(s string) (string, error) {
	b, err := encodeJSON(s)
	if err != nil {
		return "", protocol.NewInvalidArgumentError("msg: result encode: %v", err)
	}
	return string(b), nil
}

// BuildError serializes an error response.
func BuildError(id, message string) ([]byte, error) {
	if id == "" {
		return nil, protocol.NewInvalidArgumentError("msg: empty response id")
	}
	return marshalNoEscape(&wireResponse{ID: &id, Error: &message})
}

// ParseResponse decodes a response.  The id is mandatory; a string
// result is exposed decoded, any other JSON value is exposed as compact
// JSON text so it can be handed to an event deserializer unchanged.
func ParseResponse(b []byte) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, protocol.NewInvalidArgumentError("msg: response parse: %v", err)
	}
	if w.ID == nil || *w.ID == "" {
		return nil, protocol.NewInvalidArgumentError("msg: response missing id")
	}
	resp := &Response{ID: *w.ID}
	if w.Error != nil {
		resp.Error = *w.Error
	}
	if w.Result != nil {
		p, err := paramFromRaw(*w.Result)
		if err != nil {
			return nil, protocol.NewInvalidArgumentError("msg: result: %v", err)
		}
		resp.Result = p.Value()
	}
	return resp, nil
}

// paramFromRaw classifies one raw JSON value: strings are decoded,
// null becomes empty, everything else is compacted.
func paramFromRaw(raw json.RawMessage) (Param, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Param{}, fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Param{}, err
		}
		return Param{value: s}, nil
	case 'n':
		if string(trimmed) != "null" {
			return Param{}, fmt.Errorf("bad literal %q", trimmed)
		}
		return Param{}, nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return Param{}, err
		}
		return Param{value: buf.String(), raw: true}, nil
	}
}

// encodeJSON marshals v without HTML escaping, so payloads carrying
// &, < or > survive byte-for-byte.
func encodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	b, err := encodeJSON(v)
	if err != nil {
		return nil, protocol.NewInvalidArgumentError("msg: marshal: %v", err)
	}
	return b, nil
}
