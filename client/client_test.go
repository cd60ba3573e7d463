// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/farsign/farsign/core/envelope"
	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/msg"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/uri"
	"github.com/farsign/farsign/session"
)

func testBackend(t *testing.T) *log.Backend {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

// signerReply is one reply the test signer emits for a request.  An
// empty id echoes the request id; a non-empty errStr makes it an error
// reply.
type signerReply struct {
	id     string
	result string
	errStr string
}

// testSigner runs an in-process relay that doubles as the remote
// signer: REQ gets an EOSE, and each published request event is
// decrypted, handed to handler, and answered with the replies it
// returns, sealed in the same envelope format the request used.
func testSigner(t *testing.T, kp *keys.Keypair, handler func(req *msg.Request, f envelope.Format) []signerReply) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		subID := ""
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if json.Unmarshal(raw, &parts) != nil || len(parts) < 2 {
				continue
			}
			var typ string
			if json.Unmarshal(parts[0], &typ) != nil {
				continue
			}
			switch typ {
			case "REQ":
				_ = json.Unmarshal(parts[1], &subID)
				_ = ws.WriteJSON([]any{"EOSE", subID})
			case "EVENT":
				var ev event.Event
				if json.Unmarshal(parts[1], &ev) != nil {
					continue
				}
				_ = ws.WriteJSON([]any{"OK", ev.ID, true, ""})
				plain, err := envelope.Decrypt(kp, ev.Pubkey, ev.Content)
				if err != nil {
					continue
				}
				req, err := msg.ParseRequest([]byte(plain))
				if err != nil {
					continue
				}
				format := envelope.Detect(ev.Content)
				for _, rep := range handler(req, format) {
					id := rep.id
					if id == "" {
						id = req.ID
					}
					var body []byte
					if rep.errStr != "" {
						body, err = msg.BuildError(id, rep.errStr)
					} else {
						body, err = msg.BuildOK(id, rep.result)
					}
					if err != nil {
						continue
					}
					ct, err := envelope.Encrypt(kp, ev.Pubkey, string(body), format)
					if err != nil {
						continue
					}
					reply, err := event.BuildRPC(kp, ev.Pubkey, ct)
					if err != nil {
						continue
					}
					_ = ws.WriteJSON([]any{"EVENT", subID, reply})
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func signerKeypair(t *testing.T) *keys.Keypair {
	t.Helper()
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

// echoSigner answers ping, get_public_key and connect the way a real
// bunker would.
func echoSigner(t *testing.T) (*keys.Keypair, string) {
	t.Helper()
	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		switch req.Method {
		case protocol.MethodPing:
			return []signerReply{{result: `"pong"`}}
		case protocol.MethodGetPublicKey:
			return []signerReply{{result: `"` + kp.PublicHex() + `"`}}
		case protocol.MethodConnect:
			return []signerReply{{result: `"ack"`}}
		}
		return []signerReply{{errStr: protocol.WireErrMethodNotSupported}}
	})
	return kp, url
}

// startedClient returns a client connected to the given signer.
func startedClient(t *testing.T, signerPub, relayURL string) *Client {
	t.Helper()
	c, err := New(&Config{LogBackend: testBackend(t)})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	b := &uri.BunkerURI{RemotePub: signerPub, Relays: []string{relayURL}, Secret: "s3cret"}
	require.NoError(t, c.Connect(b.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	require.Equal(t, session.StateConnected, c.Session().State())
	return c
}

func TestConfigValidation(t *testing.T) {
	require := require.New(t)

	_, err := New(&Config{})
	require.Error(err)
	require.Equal(protocol.CategoryInvalidArgument, protocol.ErrorCategory(err))
}

func TestStartPreconditions(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{LogBackend: testBackend(t)})
	require.NoError(err)
	t.Cleanup(c.Stop)

	err = c.Start(context.Background())
	require.Equal(protocol.CategoryNotConnected, protocol.ErrorCategory(err))

	err = c.Connect("https://example.com")
	require.Equal(protocol.CategoryInvalidURI, protocol.ErrorCategory(err))

	err = c.Connect("bunker://79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.Equal(protocol.CategoryInvalidURI, protocol.ErrorCategory(err))

	_, err = c.Call(context.Background(), protocol.MethodPing, nil)
	require.Equal(protocol.CategoryNotConnected, protocol.ErrorCategory(err))
}

func TestPingRoundTrip(t *testing.T) {
	require := require.New(t)
	kp, url := echoSigner(t)
	c := startedClient(t, kp.PublicHex(), url)

	require.NoError(c.Ping(context.Background()))
}

func TestGetPublicKey(t *testing.T) {
	require := require.New(t)
	kp, url := echoSigner(t)
	c := startedClient(t, kp.PublicHex(), url)

	pk, err := c.GetPublicKey(context.Background())
	require.NoError(err)
	require.Equal(kp.PublicHex(), pk)

	// The cached path reports what the bunker URI claimed.
	require.Equal(kp.PublicHex(), c.UserPublicKey())
}

func TestConnectHandshake(t *testing.T) {
	require := require.New(t)

	got := make(chan []string, 1)
	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		if req.Method == protocol.MethodConnect {
			params := make([]string, 0, len(req.Params))
			for _, p := range req.Params {
				params = append(params, p.Value())
			}
			got <- params
			return []signerReply{{result: `"ack"`}}
		}
		return nil
	})
	c := startedClient(t, kp.PublicHex(), url)

	err := c.ConnectRPC(context.Background(), []string{"sign_event", "nip44_encrypt"})
	require.NoError(err)
	require.Equal([]string{c.Session().TransportPublic(), "s3cret", "sign_event,nip44_encrypt"}, <-got)
}

func TestSignEvent(t *testing.T) {
	require := require.New(t)

	userKP, err := keys.GenerateKeypair()
	require.NoError(err)
	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		if req.Method != protocol.MethodSignEvent {
			return nil
		}
		ev, err := event.Decode([]byte(req.Params[0].Value()))
		if err != nil {
			return []signerReply{{errStr: "bad event"}}
		}
		if err := ev.Sign(userKP); err != nil {
			return []signerReply{{errStr: "sign failed"}}
		}
		raw, err := ev.Encode()
		if err != nil {
			return []signerReply{{errStr: "encode failed"}}
		}
		return []signerReply{{result: string(raw)}}
	})
	c := startedClient(t, kp.PublicHex(), url)

	signed, err := c.SignEvent(context.Background(),
		`{"kind":1,"created_at":1700000000,"tags":[],"content":"hello"}`)
	require.NoError(err)

	ev, err := event.Decode([]byte(signed))
	require.NoError(err)
	require.NoError(ev.Verify())
	require.Equal(userKP.PublicHex(), ev.Pubkey)
	require.Equal("hello", ev.Content)

	_, err = c.SignEvent(context.Background(), "{not json")
	require.Equal(protocol.CategoryInvalidArgument, protocol.ErrorCategory(err))
}

func TestSignerErrorMapping(t *testing.T) {
	// The signer echoes the first param back as its wire error string.
	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return []signerReply{{errStr: req.Params[0].Value()}}
	})
	c := startedClient(t, kp.PublicHex(), url)

	cases := map[string]protocol.Category{
		protocol.WireErrDenied:             protocol.CategoryDenied,
		protocol.WireErrForbidden:          protocol.CategoryForbidden,
		protocol.WireErrMethodNotSupported: protocol.CategoryMethodNotSupported,
		"key store on fire":                protocol.CategorySignerError,
	}
	for wire, want := range cases {
		t.Run(wire, func(t *testing.T) {
			_, err := c.Call(context.Background(), protocol.MethodGetPublicKey,
				[]msg.Param{msg.StringParam(wire)})
			require.Error(t, err)
			require.Equal(t, want, protocol.ErrorCategory(err))
			require.Contains(t, err.Error(), wire)
		})
	}
}

func TestStaleRepliesSkipped(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return []signerReply{
			{id: "stale_1", result: `"old"`},
			{id: "stale_2", result: `"old"`},
			{result: `"pong"`},
		}
	})
	c := startedClient(t, kp.PublicHex(), url)

	require.NoError(c.Ping(context.Background()))
}

func TestStaleReplyLimit(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		reps := make([]signerReply, protocol.StaleSkipLimit)
		for i := range reps {
			reps[i] = signerReply{id: "stale", result: `"old"`}
		}
		return reps
	})
	c := startedClient(t, kp.PublicHex(), url)
	c.Session().SetTimeout(10 * time.Second)

	start := time.Now()
	err := c.Ping(context.Background())
	require.Error(err)
	require.Equal(protocol.CategoryNoMatchingReply, protocol.ErrorCategory(err))
	require.Less(time.Since(start), 5*time.Second)
}

func TestCallTimeout(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return nil
	})
	c := startedClient(t, kp.PublicHex(), url)
	c.Session().SetTimeout(300 * time.Millisecond)

	_, err := c.Call(context.Background(), protocol.MethodPing, nil)
	require.Equal(protocol.CategoryTimeout, protocol.ErrorCategory(err))

	c.waitMu.Lock()
	live := len(c.waiters)
	c.waitMu.Unlock()
	require.Zero(live)
}

func TestCallCancelledByContext(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return nil
	})
	c := startedClient(t, kp.PublicHex(), url)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, protocol.MethodPing, nil)
	require.Equal(protocol.CategoryCancelled, protocol.ErrorCategory(err))
}

func TestCancelAll(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return nil
	})
	c := startedClient(t, kp.PublicHex(), url)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.MethodPing, nil)
		errCh <- err
	}()

	require.Eventually(func() bool {
		c.waitMu.Lock()
		defer c.waitMu.Unlock()
		return len(c.waiters) == 1
	}, 5*time.Second, 10*time.Millisecond)

	c.CancelAll()
	select {
	case err := <-errCh:
		require.Equal(protocol.CategoryCancelled, protocol.ErrorCategory(err))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never returned")
	}
}

func TestLegacyEncryption(t *testing.T) {
	require := require.New(t)

	formats := make(chan envelope.Format, 4)
	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, f envelope.Format) []signerReply {
		formats <- f
		return []signerReply{{result: `"pong"`}}
	})

	c, err := New(&Config{LogBackend: testBackend(t), LegacyEncryption: true})
	require.NoError(err)
	t.Cleanup(c.Stop)

	b := &uri.BunkerURI{RemotePub: kp.PublicHex(), Relays: []string{url}}
	require.NoError(c.Connect(b.String()))
	require.NoError(c.Start(context.Background()))

	require.NoError(c.Ping(context.Background()))
	require.Equal(envelope.FormatNIP04, <-formats)

	// Per-call override still sends modern envelopes.
	_, err = c.CallWithFormat(context.Background(), envelope.FormatNIP44, protocol.MethodPing, nil)
	require.NoError(err)
	require.Equal(envelope.FormatNIP44, <-formats)
}

func TestRebindReplacesSigner(t *testing.T) {
	require := require.New(t)

	kpA := signerKeypair(t)
	urlA := testSigner(t, kpA, func(req *msg.Request, _ envelope.Format) []signerReply {
		return nil
	})
	kpB, urlB := echoSigner(t)

	c := startedClient(t, kpA.PublicHex(), urlA)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.MethodPing, nil)
		errCh <- err
	}()
	require.Eventually(func() bool {
		c.waitMu.Lock()
		defer c.waitMu.Unlock()
		return len(c.waiters) == 1
	}, 5*time.Second, 10*time.Millisecond)

	b := &uri.BunkerURI{RemotePub: kpB.PublicHex(), Relays: []string{urlB}}
	require.NoError(c.Connect(b.String()))

	select {
	case err := <-errCh:
		require.Equal(protocol.CategoryCancelled, protocol.ErrorCategory(err))
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call survived rebind")
	}
	require.Equal(session.StateDisconnected, c.Session().State())
	require.Equal(kpB.PublicHex(), c.Session().RemotePubkey())
	require.Empty(c.Session().Secret())

	require.NoError(c.Start(context.Background()))
	require.NoError(c.Ping(context.Background()))
}

func TestStopIsTerminal(t *testing.T) {
	require := require.New(t)

	kp, url := echoSigner(t)
	c := startedClient(t, kp.PublicHex(), url)

	c.Stop()
	c.Stop()
	require.Equal(session.StateDisconnected, c.Session().State())

	_, err := c.Call(context.Background(), protocol.MethodPing, nil)
	require.Equal(protocol.CategoryNotConnected, protocol.ErrorCategory(err))
}

func TestAsyncDeliversExactlyOnce(t *testing.T) {
	require := require.New(t)

	kp, url := echoSigner(t)
	c := startedClient(t, kp.PublicHex(), url)

	type outcome struct {
		result   string
		err      error
		userData interface{}
	}
	var calls atomic.Int32
	done := make(chan outcome, 2)
	c.GetPublicKeyAsync(func(result string, err error, userData interface{}) {
		calls.Add(1)
		done <- outcome{result, err, userData}
	}, "token-42")

	select {
	case out := <-done:
		require.NoError(out.err)
		require.Equal(kp.PublicHex(), out.result)
		require.Equal("token-42", out.userData)
	case <-time.After(10 * time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(int32(1), calls.Load())

	// A nil callback is fire and forget.
	c.PingAsync(nil, nil)
	require.NoError(c.Ping(context.Background()))
}

func TestOnEventScreening(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{LogBackend: testBackend(t)})
	require.NoError(err)
	t.Cleanup(c.Stop)
	signerKP, err := keys.GenerateKeypair()
	require.NoError(err)
	otherKP, err := keys.GenerateKeypair()
	require.NoError(err)

	w := &pending{method: "ping", ch: make(chan *callResult, 1), start: time.Now()}
	c.waitMu.Lock()
	c.waiters["id_1"] = w
	c.waitMu.Unlock()

	reply := func(id, transportPub string, createdAt int64) *event.Event {
		body, err := msg.BuildOK(id, `"pong"`)
		require.NoError(err)
		ct, err := envelope.Encrypt(signerKP, transportPub, string(body), envelope.FormatNIP44)
		require.NoError(err)
		ev, err := event.BuildRPC(signerKP, transportPub, ct)
		require.NoError(err)
		ev.CreatedAt = createdAt
		return ev
	}
	me := c.Session().TransportPublic()
	now := time.Now().Unix()

	// Wrong kind, wrong recipient, expired, undecryptable and
	// unparseable events must all be dropped without touching the
	// waiter.
	wrongKind := reply("id_1", me, now)
	wrongKind.Kind = 1
	c.onEvent(wrongKind)
	c.onEvent(reply("id_1", otherKP.PublicHex(), now))
	c.onEvent(reply("id_1", me, now-120))
	garbage := reply("id_1", me, now)
	garbage.Content = "bm90IGEgcGF5bG9hZA"
	c.onEvent(garbage)
	notRPC, err := envelope.Encrypt(signerKP, me, "[1,2,3]", envelope.FormatNIP44)
	require.NoError(err)
	rawEv, err := event.BuildRPC(signerKP, me, notRPC)
	require.NoError(err)
	c.onEvent(rawEv)

	select {
	case <-w.ch:
		t.Fatal("screened event completed the waiter")
	default:
	}

	c.onEvent(reply("id_1", me, now))
	select {
	case res := <-w.ch:
		require.NoError(res.err)
		require.Equal("pong", res.result)
	default:
		t.Fatal("matching reply did not complete the waiter")
	}
}

func TestRouteStaleAccounting(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{LogBackend: testBackend(t)})
	require.NoError(err)
	t.Cleanup(c.Stop)

	w := &pending{method: "ping", ch: make(chan *callResult, 1), start: time.Now()}
	c.waitMu.Lock()
	c.waiters["id_1"] = w
	c.waitMu.Unlock()

	for i := 0; i < protocol.StaleSkipLimit-1; i++ {
		c.route(&msg.Response{ID: "mismatch", Result: "x"})
	}
	c.waitMu.Lock()
	live := len(c.waiters)
	c.waitMu.Unlock()
	require.Equal(1, live)

	c.route(&msg.Response{ID: "mismatch", Result: "x"})
	select {
	case res := <-w.ch:
		require.Error(res.err)
		require.Equal(protocol.CategoryNoMatchingReply, protocol.ErrorCategory(res.err))
	default:
		t.Fatal("waiter not failed at the stale limit")
	}
}

func TestNextIDUnique(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{LogBackend: testBackend(t)})
	require.NoError(err)
	t.Cleanup(c.Stop)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.nextID()
		require.False(seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPeerCallValidatesPubkey(t *testing.T) {
	require := require.New(t)

	kp := signerKeypair(t)
	url := testSigner(t, kp, func(req *msg.Request, _ envelope.Format) []signerReply {
		return []signerReply{{result: `"sealed"`}}
	})
	c := startedClient(t, kp.PublicHex(), url)

	_, err := c.NIP44Encrypt(context.Background(), "not-a-pubkey", "hi")
	require.Equal(protocol.CategoryInvalidArgument, protocol.ErrorCategory(err))

	out, err := c.NIP44Encrypt(context.Background(), kp.PublicHex(), "hi")
	require.NoError(err)
	require.Equal("sealed", out)
}
