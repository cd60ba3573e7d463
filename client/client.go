// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the client side of NIP-46 remote signing:
// it binds a relay pool to a session, seals RPC requests toward the
// remote signer, and correlates encrypted reply events back to their
// callers by request id.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/farsign/farsign/core/envelope"
	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/msg"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/uri"
	"github.com/farsign/farsign/core/worker"
	"github.com/farsign/farsign/internal/instrument"
	"github.com/farsign/farsign/relay"
	"github.com/farsign/farsign/session"
)

// Config is the client configuration.
type Config struct {
	// LogBackend is the logging backend, shared with the relay pool.
	LogBackend *log.Backend

	// Session carries the transport keypair and the signer coordinates.
	// A fresh client session with a generated keypair is used when nil.
	Session *session.Session

	// LegacyEncryption seals outgoing requests with the NIP-04
	// construction instead of NIP-44.  Incoming replies are always
	// auto-detected, so this only affects what the signer receives.
	LegacyEncryption bool

	// OnConnFn, if set, receives per-relay connectivity changes.
	OnConnFn func(url string, isConnected bool)

	// Pool, if set, tunes the relay pool timing.  The log backend and
	// connection callback are overwritten with the client's own.
	Pool *relay.Config
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return protocol.NewInvalidArgumentError("client: no LogBackend provided")
	}
	return nil
}

type callResult struct {
	result string
	err    error
}

// pending is one in-flight RPC waiting for its reply event.  The result
// channel is buffered so the correlator never blocks on a caller that
// already gave up.
type pending struct {
	method string
	ch     chan *callResult
	stale  int
	start  time.Time
}

// Client drives NIP-46 RPCs against a remote signer.
type Client struct {
	worker.Worker

	cfg *Config
	log *logging.Logger
	s   *session.Session

	poolMu sync.RWMutex
	pool   *relay.Pool

	waitMu  sync.Mutex
	waiters map[string]*pending
	counter uint64

	stopOnce sync.Once
}

// New constructs a Client around cfg.  The returned client is idle;
// call Connect to bind it to a signer and Start to reach the relays.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := cfg.Session
	if s == nil {
		var err error
		s, err = session.NewClient()
		if err != nil {
			return nil, err
		}
	}
	c := &Client{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger("client"),
		s:       s,
		waiters: make(map[string]*pending),
	}
	return c, nil
}

// Session exposes the underlying session for accessor reads.
func (c *Client) Session() *session.Session {
	return c.s
}

// UserPublicKey returns the locally known user key, which for a client
// session is the signer pubkey from the bunker URI.  GetPublicKey asks
// the signer and is authoritative.
func (c *Client) UserPublicKey() string {
	return c.s.UserPublicKey()
}

// Connect parses a bunker URI and installs its coordinates, replacing
// any previous signer binding.  If the client was started, in-flight
// calls are cancelled and the relay pool is released; call Start again
// to reach the new signer.
func (c *Client) Connect(bunkerURI string) error {
	u, err := uri.ParseBunker(bunkerURI)
	if err != nil {
		return err
	}
	if len(u.Relays) == 0 {
		return protocol.NewInvalidURIError("client: bunker URI names no relay")
	}
	if c.relayPool() != nil {
		c.log.Debugf("Rebinding signer, releasing current relays")
		c.CancelAll()
		c.teardownPool()
		c.s.SetState(session.StateDisconnected)
	}
	if err := c.s.ConfigureBunker(u); err != nil {
		return err
	}
	c.log.Debugf("Configured signer %s with %d relay(s)", u.RemotePub, len(u.Relays))
	return nil
}

// Start dials every configured relay and installs the transport
// subscription for kind 24133 events addressed to the transport key.
// It blocks until at least one relay is online or ctx expires; without
// a deadline on ctx the session timeout applies.
func (c *Client) Start(ctx context.Context) error {
	if st := c.s.State(); st != session.StateDisconnected {
		return protocol.NewInvalidArgumentError("client: start in state %s", st)
	}
	if c.s.RemotePubkey() == "" {
		return protocol.NewNotConnectedError("client: no signer configured")
	}
	relays := c.s.Relays()
	if len(relays) == 0 {
		return protocol.NewNotConnectedError("client: no relays configured")
	}

	c.s.SetState(session.StateConnecting)
	var rCfg relay.Config
	if c.cfg.Pool != nil {
		rCfg = *c.cfg.Pool
	}
	rCfg.LogBackend = c.cfg.LogBackend
	rCfg.OnConnFn = c.cfg.OnConnFn
	pool, err := relay.NewPool(&rCfg)
	if err != nil {
		c.s.SetState(session.StateDisconnected)
		return err
	}
	pool.SetEventMiddleware(c.onEvent)

	fail := func(err error) error {
		pool.Stop()
		c.s.SetState(session.StateDisconnected)
		return err
	}
	filter := event.Filter{
		Kinds: []int{protocol.KindNostrConnect},
		PTags: []string{c.s.TransportPublic()},
		Since: time.Now().Add(-protocol.MaxEventAge).Unix(),
	}
	if _, err := pool.Subscribe([]event.Filter{filter}, true); err != nil {
		return fail(err)
	}
	for _, u := range relays {
		if err := pool.EnsureRelay(u); err != nil {
			return fail(err)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.s.Timeout())
		defer cancel()
	}
	if err := pool.WaitOnline(waitCtx); err != nil {
		return fail(err)
	}

	c.poolMu.Lock()
	c.pool = pool
	c.poolMu.Unlock()
	c.s.SetState(session.StateConnected)
	c.log.Noticef("Connected, %d relay(s) online", pool.OnlineCount())
	return nil
}

// Stop halts the client: in-flight calls complete with a cancelled
// error, the relays are released, and background goroutines are
// joined.  A stopped client cannot be restarted.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.s.SetState(session.StateStopping)
		c.CancelAll()
		c.teardownPool()
		c.Halt()
		c.s.SetState(session.StateDisconnected)
		c.log.Debugf("Stopped")
	})
}

func (c *Client) relayPool() *relay.Pool {
	c.poolMu.RLock()
	defer c.poolMu.RUnlock()
	return c.pool
}

func (c *Client) teardownPool() {
	c.poolMu.Lock()
	pool := c.pool
	c.pool = nil
	c.poolMu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}

// nextID mints a request id unique among live requests.
func (c *Client) nextID() string {
	c.waitMu.Lock()
	c.counter++
	n := c.counter
	c.waitMu.Unlock()
	return fmt.Sprintf("%d_%d", time.Now().Unix(), n)
}

// Call performs one RPC round trip: build the request, seal it for the
// signer, publish, and wait for the matching reply.  A reply carrying a
// non-empty error string comes back as a signer error.
func (c *Client) Call(ctx context.Context, method string, params []msg.Param) (string, error) {
	f := envelope.FormatNIP44
	if c.cfg.LegacyEncryption {
		f = envelope.FormatNIP04
	}
	return c.CallWithFormat(ctx, f, method, params)
}

// CallWithFormat is Call with an explicit envelope format for the
// outgoing request.
func (c *Client) CallWithFormat(ctx context.Context, f envelope.Format, method string, params []msg.Param) (string, error) {
	if err := c.s.RequireConnected(); err != nil {
		return "", err
	}
	pool := c.relayPool()
	if pool == nil {
		return "", protocol.NewNotConnectedError("client: relay pool not started")
	}
	remote := c.s.RemotePubkey()
	if remote == "" {
		return "", protocol.NewNotConnectedError("client: no signer configured")
	}

	id := c.nextID()
	reqJSON, err := msg.BuildRequest(id, method, params)
	if err != nil {
		return "", err
	}
	ct, err := envelope.Encrypt(c.s.Keypair(), remote, string(reqJSON), f)
	if err != nil {
		return "", err
	}
	ev, err := event.BuildRPC(c.s.Keypair(), remote, ct)
	if err != nil {
		return "", err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.s.Timeout())
		defer cancel()
	}

	w := &pending{
		method: method,
		ch:     make(chan *callResult, 1),
		start:  time.Now(),
	}
	c.waitMu.Lock()
	c.waiters[id] = w
	n := len(c.waiters)
	c.waitMu.Unlock()
	instrument.RPCRequest(method)
	instrument.PendingRequests(n)

	c.log.Debugf("Sending %s (id %s)", method, id)
	if err := pool.Publish(ctx, ev); err != nil {
		if res, ok := c.abandon(id, w); ok {
			return c.finish(w, res)
		}
		instrument.RPCFailure(protocol.ErrorCategory(err).String())
		return "", err
	}

	select {
	case res := <-w.ch:
		return c.finish(w, res)
	case <-ctx.Done():
		if res, ok := c.abandon(id, w); ok {
			return c.finish(w, res)
		}
		var err error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = protocol.NewTimeoutError("client: %s (id %s) timed out after %v",
				method, id, time.Since(w.start).Round(time.Millisecond))
		} else {
			err = protocol.NewCancelledError("client: %s (id %s) cancelled", method, id)
		}
		instrument.RPCFailure(protocol.ErrorCategory(err).String())
		return "", err
	case <-c.HaltCh():
		if res, ok := c.abandon(id, w); ok {
			return c.finish(w, res)
		}
		err := protocol.NewCancelledError("client: halted")
		instrument.RPCFailure(protocol.ErrorCategory(err).String())
		return "", err
	}
}

// finish records metrics for a completed call and unwraps its result.
func (c *Client) finish(w *pending, res *callResult) (string, error) {
	instrument.RequestDuration(w.method, time.Since(w.start))
	if res.err != nil {
		instrument.RPCFailure(protocol.ErrorCategory(res.err).String())
		return "", res.err
	}
	return res.result, nil
}

// abandon removes id from the waiter table.  When the correlator
// completed the waiter first, the queued result is returned so a reply
// that lost the race to a timeout is still delivered.
func (c *Client) abandon(id string, w *pending) (*callResult, bool) {
	c.waitMu.Lock()
	_, live := c.waiters[id]
	delete(c.waiters, id)
	c.waitMu.Unlock()
	if !live {
		select {
		case res := <-w.ch:
			return res, true
		default:
		}
	}
	return nil, false
}

// CancelAll completes every in-flight call with a cancelled error.
func (c *Client) CancelAll() {
	c.waitMu.Lock()
	n := len(c.waiters)
	for id, w := range c.waiters {
		delete(c.waiters, id)
		w.ch <- &callResult{err: protocol.NewCancelledError("client: call cancelled")}
	}
	c.waitMu.Unlock()
	if n > 0 {
		c.log.Debugf("Cancelled %d in-flight call(s)", n)
	}
	instrument.PendingRequests(0)
}

// onEvent screens one transport event from the pool, decrypts it, and
// routes the reply.  Runs on the pool's dispatch worker.
func (c *Client) onEvent(ev *event.Event) {
	if ev.Kind != protocol.KindNostrConnect {
		return
	}
	if ev.Recipient() != c.s.TransportPublic() {
		instrument.EventDropped()
		return
	}
	if time.Since(ev.CreatedTime()) > protocol.MaxEventAge {
		instrument.EventDropped()
		c.log.Debugf("Dropping event %s, created_at too old", ev.ID)
		return
	}
	plain, err := envelope.Decrypt(c.s.Keypair(), ev.Pubkey, ev.Content)
	if err != nil {
		instrument.EventDropped()
		c.log.Warningf("Failed to decrypt event %s: %v", ev.ID, err)
		return
	}
	resp, err := msg.ParseResponse([]byte(plain))
	if err != nil {
		instrument.EventDropped()
		c.log.Warningf("Discarding malformed reply in event %s: %v", ev.ID, err)
		return
	}
	c.route(resp)
}

// route completes the waiter whose id matches resp.  A reply nothing is
// waiting for is charged against every live waiter; a waiter that has
// seen too many of them fails rather than wait out its full timeout.
func (c *Client) route(resp *msg.Response) {
	var res callResult
	if resp.IsError() {
		res.err = protocol.NewSignerError(resp.Error)
	} else {
		res.result = resp.Result
	}

	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if w, ok := c.waiters[resp.ID]; ok {
		delete(c.waiters, resp.ID)
		w.ch <- &res
		return
	}

	instrument.StaleReply()
	c.log.Debugf("No waiter for reply id %s (%d live)", resp.ID, len(c.waiters))
	for id, w := range c.waiters {
		w.stale++
		if w.stale >= protocol.StaleSkipLimit {
			delete(c.waiters, id)
			w.ch <- &callResult{err: protocol.NewNoMatchingReplyError(
				"client: %s (id %s) gave up after %d stale replies", w.method, id, w.stale)}
		}
	}
}
