// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package bunker implements the signer side of NIP-46 remote signing:
// it listens for encrypted RPC requests on a relay pool, authorizes
// them against a per-client ACL, executes them with the transport key,
// and publishes encrypted replies.
package bunker

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/farsign/farsign/core/envelope"
	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/msg"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/uri"
	"github.com/farsign/farsign/core/worker"
	"github.com/farsign/farsign/internal/instrument"
	"github.com/farsign/farsign/relay"
	"github.com/farsign/farsign/session"
)

// Config is the bunker configuration.
type Config struct {
	// LogBackend is the logging backend, shared with the relay pool.
	LogBackend *log.Backend

	// Session is the signer session carrying the transport keypair and
	// the ACL.  Required, and must have the signer role.
	Session *session.Session

	// UserKeypair is the key that signs user events and runs the
	// delegated encryption methods.  When nil the transport keypair
	// doubles as the user key.
	UserKeypair *keys.Keypair

	// AuthorizeFn approves or rejects a connect request before its
	// permissions are recorded.  When nil every connect is granted,
	// and the ACL alone gates the methods that follow.
	AuthorizeFn func(clientPub string, perms []string) bool

	// SignFn produces the signed event JSON for a sign_event request,
	// overriding the built-in signer.  Its output travels verbatim as
	// the RPC result.
	SignFn func(eventJSON string) (string, error)

	// OnConnFn, if set, receives per-relay connectivity changes.
	OnConnFn func(url string, isConnected bool)

	// Pool, if set, tunes the relay pool timing.  The log backend and
	// connection callback are overwritten with the bunker's own.
	Pool *relay.Config
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return protocol.NewInvalidArgumentError("bunker: no LogBackend provided")
	}
	if cfg.Session == nil {
		return protocol.NewInvalidArgumentError("bunker: no Session provided")
	}
	if cfg.Session.Role() != session.RoleSigner {
		return protocol.NewInvalidArgumentError("bunker: session role is %s", cfg.Session.Role())
	}
	return nil
}

// Bunker serves NIP-46 requests with a signer session's key material.
type Bunker struct {
	worker.Worker

	cfg *Config
	log *logging.Logger
	s   *session.Session

	poolMu sync.RWMutex
	pool   *relay.Pool

	reqMu    sync.Mutex
	reqLocks map[string]*sync.Mutex

	stopOnce sync.Once
}

// New constructs a Bunker around cfg.  The returned bunker is idle
// until Listen.
func New(cfg *Config) (*Bunker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bunker{
		cfg:      cfg,
		log:      cfg.LogBackend.GetLogger("bunker"),
		s:        cfg.Session,
		reqLocks: make(map[string]*sync.Mutex),
	}
	return b, nil
}

// Session exposes the underlying signer session for accessor reads.
func (b *Bunker) Session() *session.Session {
	return b.s
}

// userKeypair returns the key material for user-facing operations.
func (b *Bunker) userKeypair() *keys.Keypair {
	if b.cfg.UserKeypair != nil {
		return b.cfg.UserKeypair
	}
	return b.s.Keypair()
}

// IssueURI renders the bunker:// URI a client needs to reach this
// signer.  relays falls back to the session's configured set.  A
// non-empty secret is recorded on the session, arming the connect
// secret check.
func (b *Bunker) IssueURI(relays []string, secret string) (string, error) {
	if len(relays) == 0 {
		relays = b.s.Relays()
	}
	if len(relays) == 0 {
		return "", protocol.NewInvalidArgumentError("bunker: no relays for URI")
	}
	if secret != "" {
		b.s.SetAuthSecret(secret)
	}
	u := &uri.BunkerURI{RemotePub: b.s.TransportPublic(), Relays: relays, Secret: secret}
	return u.String(), nil
}

// AdoptConnect binds this signer to a client's nostrconnect:// URI:
// the client pubkey, its relays and the requested permissions land in
// the session.  The permissions are granted only when the client's
// connect request is dispatched.
func (b *Bunker) AdoptConnect(connectURI string) error {
	u, err := uri.ParseConnect(connectURI)
	if err != nil {
		return err
	}
	if err := b.s.ConfigureConnect(u); err != nil {
		return err
	}
	b.log.Debugf("Adopted client %s with %d relay(s)", u.ClientPub, len(u.Relays))
	return nil
}

// Listen dials the relays and installs the transport subscription for
// kind 24133 events addressed to the transport key.  A non-empty
// relays argument replaces the session's relay list first.  Listen
// blocks until at least one relay is online or ctx expires; without a
// deadline on ctx the session timeout applies.
func (b *Bunker) Listen(ctx context.Context, relays []string) error {
	if st := b.s.State(); st != session.StateDisconnected {
		return protocol.NewInvalidArgumentError("bunker: listen in state %s", st)
	}
	if len(relays) > 0 {
		b.s.SetRelays(relays)
	}
	relays = b.s.Relays()
	if len(relays) == 0 {
		return protocol.NewNotConnectedError("bunker: no relays configured")
	}

	b.s.SetState(session.StateConnecting)
	var rCfg relay.Config
	if b.cfg.Pool != nil {
		rCfg = *b.cfg.Pool
	}
	rCfg.LogBackend = b.cfg.LogBackend
	rCfg.OnConnFn = b.cfg.OnConnFn
	pool, err := relay.NewPool(&rCfg)
	if err != nil {
		b.s.SetState(session.StateDisconnected)
		return err
	}
	pool.SetEventMiddleware(b.onEvent)

	fail := func(err error) error {
		pool.Stop()
		b.s.SetState(session.StateDisconnected)
		return err
	}
	filter := event.Filter{
		Kinds: []int{protocol.KindNostrConnect},
		PTags: []string{b.s.TransportPublic()},
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
		waitCtx, cancel = context.WithTimeout(ctx, b.s.Timeout())
		defer cancel()
	}
	if err := pool.WaitOnline(waitCtx); err != nil {
		return fail(err)
	}

	b.poolMu.Lock()
	b.pool = pool
	b.poolMu.Unlock()
	b.s.SetState(session.StateConnected)
	b.log.Noticef("Listening as %s, %d relay(s) online", b.s.TransportPublic(), pool.OnlineCount())
	return nil
}

// Stop unsubscribes, releases the relay connections, and joins the
// dispatch goroutines.  A stopped bunker cannot be restarted.
func (b *Bunker) Stop() {
	b.stopOnce.Do(func() {
		b.s.SetState(session.StateStopping)
		b.poolMu.Lock()
		pool := b.pool
		b.pool = nil
		b.poolMu.Unlock()
		if pool != nil {
			pool.Stop()
		}
		b.Halt()
		b.s.SetState(session.StateDisconnected)
		b.log.Debugf("Stopped")
	})
}

func (b *Bunker) relayPool() *relay.Pool {
	b.poolMu.RLock()
	defer b.poolMu.RUnlock()
	return b.pool
}

// requesterLock serializes dispatch per requester pubkey so an ACL
// grant from connect is ordered before the requests that rely on it.
// Distinct requesters dispatch in parallel.
func (b *Bunker) requesterLock(requester string) *sync.Mutex {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	l, ok := b.reqLocks[requester]
	if !ok {
		l = new(sync.Mutex)
		b.reqLocks[requester] = l
	}
	return l
}

// onEvent screens one transport event from the pool and hands it to a
// dispatch goroutine.  Runs on the pool's dispatch worker.
func (b *Bunker) onEvent(ev *event.Event) {
	if ev.Kind != protocol.KindNostrConnect {
		return
	}
	if ev.Recipient() != b.s.TransportPublic() {
		instrument.EventDropped()
		return
	}
	requester, err := keys.NormalizePubkey(ev.Pubkey)
	if err != nil {
		instrument.EventDropped()
		b.log.Debugf("Dropping event %s with bad author pubkey", ev.ID)
		return
	}
	ciphertext := ev.Content
	b.Go(func() {
		b.handle(requester, ciphertext)
	})
}

// HandleCipher runs the transport-free request pipeline for one
// ciphertext: decrypt, parse, dispatch, and encrypt the reply in the
// same envelope format the request used.  Hosts that carry their own
// transport call this directly; requests the dispatcher drops come
// back as errors.
func (b *Bunker) HandleCipher(requesterPub, ciphertext string) (string, error) {
	requester, err := keys.NormalizePubkey(requesterPub)
	if err != nil {
		return "", err
	}
	l := b.requesterLock(requester)
	l.Lock()
	defer l.Unlock()

	plain, err := envelope.Decrypt(b.s.Keypair(), requester, ciphertext)
	if err != nil {
		return "", err
	}
	req, err := msg.ParseRequest([]byte(plain))
	if err != nil {
		return "", err
	}
	instrument.RPCRequest(req.Method)
	b.log.Debugf("Dispatching %s (id %s) from %s", req.Method, req.ID, requester)

	reply := b.dispatch(requester, req)
	if reply == nil {
		return "", protocol.NewInvalidArgumentError("bunker: %s request dropped", req.Method)
	}
	b.s.SetLastReply(string(reply))

	return envelope.Encrypt(b.s.Keypair(), requester, string(reply), envelope.Detect(ciphertext))
}

// handle services one relay event end to end.
func (b *Bunker) handle(requester, ciphertext string) {
	ct, err := b.HandleCipher(requester, ciphertext)
	if err != nil {
		instrument.EventDropped()
		b.log.Debugf("Dropping request from %s: %v", requester, err)
		return
	}
	b.publishReply(requester, ct)
}

// publishReply signs and publishes one reply event.  The recipient is
// the requester recorded for the current dispatch; sessions bound via
// nostrconnect or bunker URIs fall back to those counterparties.
func (b *Bunker) publishReply(requester, ciphertext string) {
	recipient := requester
	if recipient == "" {
		recipient = b.s.ClientPubkey()
	}
	if recipient == "" {
		recipient = b.s.RemotePubkey()
	}
	if recipient == "" {
		b.log.Warningf("No recipient for reply, dropping")
		return
	}
	ev, err := event.BuildRPC(b.s.Keypair(), recipient, ciphertext)
	if err != nil {
		b.log.Warningf("Failed to build reply event: %v", err)
		return
	}
	pool := b.relayPool()
	if pool == nil {
		b.log.Warningf("Relay pool gone, dropping reply to %s", recipient)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.s.Timeout())
	defer cancel()
	if err := pool.Publish(ctx, ev); err != nil {
		b.log.Warningf("Failed to publish reply to %s: %v", recipient, err)
		return
	}
	instrument.ReplySent()
}
