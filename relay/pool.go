// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the fan-out transport: an ordered pool of
// relay websocket connections with shared subscriptions, deduplicated
// event delivery and publish-to-all semantics.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/retry"
	"github.com/farsign/farsign/core/worker"
	"github.com/farsign/farsign/internal/instrument"
)

const (
	// dedupCacheSize bounds the recently-seen event id cache used to
	// collapse duplicate deliveries across relays.
	dedupCacheSize = 2048

	// deliveryBacklog bounds queued events awaiting the middleware.
	deliveryBacklog = 64

	defaultDialTimeout  = 30 * time.Second
	defaultPingInterval = 60 * time.Second
)

// Middleware receives deduped incoming events on the pool's dispatch
// worker.  The callback owns the event for the duration of the call.
type Middleware func(*event.Event)

// Config bundles the knobs and callbacks a Pool is built around.
type Config struct {
	// LogBackend is the logging backend, mandatory.
	LogBackend *log.Backend

	// OnConnFn, if set, is called whenever a relay connection changes
	// state.  It must not block.
	OnConnFn func(url string, isConnected bool)

	// PublishTimeout bounds the wait for relay OK verdicts when the
	// publish context carries no deadline.
	PublishTimeout time.Duration

	// DialTimeout bounds a single dial attempt, name resolution and
	// TLS included.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the websocket upgrade handshake.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive ping period on established
	// connections.  The read deadline is one and a half intervals.
	PingInterval time.Duration

	// MaxBackoff caps the exponential redial backoff.
	MaxBackoff time.Duration
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return protocol.NewInvalidArgumentError("relay: no log backend")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = retry.DefaultMaxDelay
	}
	return nil
}

// Pool is the relay fan-out.  Connections are keyed by URL and keep
// their insertion order for deterministic iteration.
type Pool struct {
	worker.Worker
	sync.Mutex

	cfg *Config
	log *logging.Logger

	conns map[string]*conn
	order []string

	subs       map[string][]event.Filter
	subCounter uint64

	dedup   *lru.Cache[string, struct{}]
	dedupOn bool

	middleware Middleware
	deliveries chan *event.Event

	haltOnce sync.Once
	dead     bool
}

// NewPool creates a pool and starts its dispatch worker.
func NewPool(cfg *Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		log:        cfg.LogBackend.GetLogger("relay/pool"),
		conns:      make(map[string]*conn),
		subs:       make(map[string][]event.Filter),
		dedup:      cache,
		deliveries: make(chan *event.Event, deliveryBacklog),
	}
	p.Go(p.dispatchWorker)
	return p, nil
}

func (p *Pool) logBackend() *log.Backend {
	return p.cfg.LogBackend
}

// SetEventMiddleware registers the single callback receiving deduped
// incoming events.  Passing nil detaches the current one.
func (p *Pool) SetEventMiddleware(cb Middleware) {
	p.Lock()
	defer p.Unlock()
	p.middleware = cb
}

// EnsureRelay opens a connection to url if one is not already present.
// The connect attempt itself happens on the connection's own worker, so
// this never blocks on the network.
func (p *Pool) EnsureRelay(url string) error {
	if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
		return protocol.NewInvalidArgumentError("relay: bad url %q", url)
	}

	p.Lock()
	defer p.Unlock()
	if p.dead {
		return protocol.NewNotConnectedError("relay: pool stopped")
	}
	if _, ok := p.conns[url]; ok {
		return nil
	}
	c := newConn(p, url)
	for id, filters := range p.subs {
		c.subs[id] = filters
	}
	p.conns[url] = c
	p.order = append(p.order, url)
	c.start()
	p.log.Debugf("Added relay %v.", url)
	return nil
}

// Relays returns the pool members in insertion order.
func (p *Pool) Relays() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string(nil), p.order...)
}

// OnlineCount returns the number of currently connected members.
func (p *Pool) OnlineCount() int {
	p.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.Unlock()

	n := 0
	for _, c := range conns {
		if c.isOnline() {
			n++
		}
	}
	return n
}

// WaitOnline blocks until at least one member is connected, the
// context expires, or the pool halts.
func (p *Pool) WaitOnline(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.OnlineCount() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return protocol.WrapError(protocol.CategoryTimeout, ctx.Err())
		case <-p.HaltCh():
			return protocol.NewCancelledError("relay: pool halted")
		case <-ticker.C:
		}
	}
}

// Subscribe installs a filter set across all members and returns the
// subscription id.  With dedup enabled, identical events arriving from
// different relays reach the middleware once.
func (p *Pool) Subscribe(filters []event.Filter, dedup bool) (string, error) {
	if len(filters) == 0 {
		return "", protocol.NewInvalidArgumentError("relay: no filters")
	}

	p.Lock()
	if p.dead {
		p.Unlock()
		return "", protocol.NewNotConnectedError("relay: pool stopped")
	}
	p.subCounter++
	subID := fmt.Sprintf("farsign-%d", p.subCounter)
	p.subs[subID] = filters
	p.dedupOn = dedup
	conns := p.snapshotLocked()
	p.Unlock()

	for _, c := range conns {
		if err := c.subscribe(subID, filters); err != nil {
			c.log.Debugf("Deferred subscription install: %v", err)
		}
	}
	return subID, nil
}

// Unsubscribe removes a subscription from all members.
func (p *Pool) Unsubscribe(subID string) {
	p.Lock()
	delete(p.subs, subID)
	conns := p.snapshotLocked()
	p.Unlock()

	for _, c := range conns {
		c.unsubscribe(subID)
	}
}

// Publish fans the event out to every connected member.  It succeeds
// as soon as one relay accepts; it fails only when no member is
// connected or every relay refuses.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return protocol.NewInvalidArgumentError("relay: nil event")
	}

	p.Lock()
	conns := p.snapshotLocked()
	p.Unlock()

	online := make([]*conn, 0, len(conns))
	for _, c := range conns {
		if c.isOnline() {
			online = append(online, c)
		}
	}
	if len(online) == 0 {
		instrument.PublishFailed()
		return protocol.NewNotConnectedError("relay: no connected relays")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		lastErr  error
	)
	for _, c := range online {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := c.publish(ctx, ev); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if accepted == 0 {
		instrument.PublishFailed()
		return fmt.Errorf("relay: all relays refused: %w", lastErr)
	}
	instrument.Publish()
	return nil
}

// deliver routes an incoming event to the dispatch worker, collapsing
// duplicates seen across relays.
func (p *Pool) deliver(ev *event.Event) {
	if ev == nil {
		return
	}
	instrument.EventReceived()

	p.Lock()
	if p.dead {
		p.Unlock()
		return
	}
	if p.dedupOn && ev.ID != "" {
		if found, _ := p.dedup.ContainsOrAdd(ev.ID, struct{}{}); found {
			p.Unlock()
			return
		}
	}
	p.Unlock()

	select {
	case p.deliveries <- ev:
	case <-p.HaltCh():
	default:
		// Backlogged middleware; shed the event rather than stall the
		// read loop.
		instrument.EventDropped()
		p.log.Warningf("Delivery backlog full, dropping event %v.", ev.ID)
	}
}

func (p *Pool) dispatchWorker() {
	for {
		select {
		case <-p.HaltCh():
			return
		case ev := <-p.deliveries:
			p.Lock()
			cb := p.middleware
			p.Unlock()
			if cb != nil {
				cb(ev)
			}
		}
	}
}

// snapshotLocked returns the members in order; the caller holds p.Mutex.
func (p *Pool) snapshotLocked() []*conn {
	out := make([]*conn, 0, len(p.order))
	for _, url := range p.order {
		out = append(out, p.conns[url])
	}
	return out
}

// Stop tears the pool down: marks it dead so in-flight middleware
// calls become no-ops, then halts every connection.  Idempotent.
func (p *Pool) Stop() {
	p.haltOnce.Do(func() {
		p.Lock()
		p.dead = true
		conns := p.snapshotLocked()
		p.Unlock()

		for _, c := range conns {
			c.Halt()
		}
		p.Halt()
		p.log.Debugf("Pool stopped.")
	})
}

func (p *Pool) onConnStatus(url string, isConnected bool) {
	p.log.Debugf("Relay %v connected=%v.", url, isConnected)
	if p.cfg.OnConnFn != nil {
		p.cfg.OnConnFn(url, isConnected)
	}
}
