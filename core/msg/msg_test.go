// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package msg

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequestBasic(t *testing.T) {
	b, err := BuildRequest("req-1", "ping", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"req-1","method":"ping","params":[]}`, string(b))
}

func TestBuildRequestStringParams(t *testing.T) {
	b, err := BuildRequest("c1", "connect",
		[]Param{StringParam("abc123"), StringParam("sign_event,ping")})
	require.NoError(t, err)
	require.JSONEq(t,
		`{"id":"c1","method":"connect","params":["abc123","sign_event,ping"]}`,
		string(b))
}

func TestBuildRequestRawObjectParam(t *testing.T) {
	ev := `{"kind":1,"content":"hello","tags":[],"created_at":1704067200}`
	b, err := BuildRequest("s1", "sign_event", []Param{JSONParam(ev)})
	require.NoError(t, err)

	// The event is embedded raw: the params array holds an object, not a
	// double-encoded string.
	var w struct {
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(b, &w))
	require.Len(t, w.Params, 1)
	require.Equal(t, byte('{'), w.Params[0][0])
	require.NotContains(t, string(b), `"{\"kind\"`)
}

func TestBuildRequestRejectsBadRawJSON(t *testing.T) {
	_, err := BuildRequest("s1", "sign_event", []Param{JSONParam(`{"kind":`)})
	require.Error(t, err)
}

func TestBuildRequestRejectsEmptyIDOrMethod(t *testing.T) {
	_, err := BuildRequest("", "ping", nil)
	require.Error(t, err)
	_, err = BuildRequest("x", "", nil)
	require.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	ev := `{"kind":7,"content":"+","tags":[["e","abc"]]}`
	b, err := BuildRequest("r9", "sign_event",
		[]Param{JSONParam(ev), StringParam("note")})
	require.NoError(t, err)

	req, err := ParseRequest(b)
	require.NoError(t, err)
	require.Equal(t, "r9", req.ID)
	require.Equal(t, "sign_event", req.Method)
	require.Len(t, req.Params, 2)
	require.True(t, req.Params[0].IsJSON())
	require.JSONEq(t, ev, req.Params[0].Value())
	require.False(t, req.Params[1].IsJSON())
	require.Equal(t, "note", req.Params[1].Value())
}

func TestRequestEscaping(t *testing.T) {
	b, err := BuildRequest("e1", "nip04_encrypt",
		[]Param{StringParam("line1\nline2\t\"quoted\"")})
	require.NoError(t, err)

	req, err := ParseRequest(b)
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\t\"quoted\"", req.Params[0].Value())
}

func TestRequestNoHTMLEscaping(t *testing.T) {
	b, err := BuildRequest("e2", "nip44_encrypt", []Param{StringParam("a&b<c>")})
	require.NoError(t, err)
	require.Contains(t, string(b), "a&b<c>")
}

func TestParseRequestRequiresIDAndMethod(t *testing.T) {
	_, err := ParseRequest([]byte(`{"method":"ping","params":[]}`))
	require.Error(t, err)
	_, err = ParseRequest([]byte(`{"id":"1","params":[]}`))
	require.Error(t, err)
	_, err = ParseRequest([]byte(`garbage`))
	require.Error(t, err)
}

func TestBuildOKStringResult(t *testing.T) {
	b, err := BuildOK("1", `"ack"`)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"1","result":"ack"}`, string(b))
}

func TestBuildOKRawObjectResult(t *testing.T) {
	signed := `{"kind":1,"content":"hi","sig":"abc"}`
	b, err := BuildOK("1", signed)
	require.NoError(t, err)

	resp, err := ParseResponse(b)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.JSONEq(t, signed, resp.Result)
}

func TestBuildErrorResponse(t *testing.T) {
	b, err := BuildError("9", "forbidden")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"9","error":"forbidden"}`, string(b))
}

func TestParseResponseStringResultUnquoted(t *testing.T) {
	resp, err := ParseResponse([]byte(
		`{"id":"1","result":"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"}`))
	require.NoError(t, err)
	require.Equal(t,
		"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		resp.Result)
	require.False(t, strings.HasPrefix(resp.Result, `"`))
}

func TestParseResponseObjectResultCompact(t *testing.T) {
	resp, err := ParseResponse([]byte(
		`{"id":"1", "result": { "kind": 1 , "sig" : "abc" }}`))
	require.NoError(t, err)
	require.Equal(t, `{"kind":1,"sig":"abc"}`, resp.Result)
}

func TestParseResponseEscapedJSONStringResult(t *testing.T) {
	// Some signers wrap the signed event in a JSON string.  The decoded
	// string comes back ready for a second parse.
	resp, err := ParseResponse([]byte(
		`{"id":"1","result":"{\"kind\":1,\"content\":\"test\"}"}`))
	require.NoError(t, err)
	require.Equal(t, `{"kind":1,"content":"test"}`, resp.Result)
}

func TestParseResponseErrorHandling(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"id":"1","error":"permission denied"}`))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	require.Equal(t, "permission denied", resp.Error)

	// Empty error string means success.
	resp, err = ParseResponse([]byte(`{"id":"1","error":""}`))
	require.NoError(t, err)
	require.False(t, resp.IsError())

	// Both result and error parse; the non-empty error wins.
	resp, err = ParseResponse([]byte(`{"id":"1","result":"ok","error":"also"}`))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	require.Equal(t, "ok", resp.Result)
}

func TestParseResponseNullResult(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"id":"1","result":null}`))
	require.NoError(t, err)
	require.Equal(t, "", resp.Result)
	require.False(t, resp.IsError())
}

func TestParseResponseRequiresID(t *testing.T) {
	_, err := ParseResponse([]byte(`{"result":"ok"}`))
	require.Error(t, err)
	_, err = ParseResponse([]byte(`{}`))
	require.Error(t, err)
	_, err = ParseResponse([]byte(`not json at all`))
	require.Error(t, err)
	_, err = ParseResponse([]byte(`{"id":"1","result":`))
	require.Error(t, err)
}

func TestParseResponseWhitespaceTolerant(t *testing.T) {
	resp, err := ParseResponse([]byte("  {  \"id\" : \"1\"  ,  \"result\" : \"ok\"  }  "))
	require.NoError(t, err)
	require.Equal(t, "1", resp.ID)
	require.Equal(t, "ok", resp.Result)
}

func TestResponseIDMatchingIsExact(t *testing.T) {
	b, err := BuildOK("abc123", `"x"`)
	require.NoError(t, err)
	resp, err := ParseResponse(b)
	require.NoError(t, err)

	for _, other := range []string{"abc124", "ABC123", "abc12", "abc1234"} {
		require.NotEqual(t, other, resp.ID)
	}
	require.Equal(t, "abc123", resp.ID)
}
