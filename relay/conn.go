// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/farsign/farsign/core/event"
	"github.com/farsign/farsign/core/retry"
	"github.com/farsign/farsign/core/worker"
	"github.com/farsign/farsign/internal/instrument"
)

const writeTimeout = 10 * time.Second

type okResult struct {
	accepted bool
	reason   string
}

// conn is a single relay connection.  It owns a dial/read/redial worker
// and keeps the pool's subscriptions installed across reconnects.
type conn struct {
	worker.Worker
	sync.Mutex

	p   *Pool
	log *logging.Logger
	url string

	ws  *websocket.Conn
	wMu sync.Mutex

	subs      map[string][]event.Filter
	okWaiters map[string]chan okResult

	online bool
}

// newConn builds a connection without starting it; the pool seeds the
// subscription set and then calls start.
func newConn(p *Pool, url string) *conn {
	return &conn{
		p:         p,
		log:       p.logBackend().GetLogger("relay/conn:" + url),
		url:       url,
		subs:      make(map[string][]event.Filter),
		okWaiters: make(map[string]chan okResult),
	}
}

func (c *conn) start() {
	c.Go(c.connectWorker)
}

func (c *conn) isOnline() bool {
	c.Lock()
	defer c.Unlock()
	return c.online
}

// keepalive returns the ping period and the matching read deadline
// extension granted per pong.
func (c *conn) keepalive() (ping, pong time.Duration) {
	ping = c.p.cfg.PingInterval
	return ping, ping + ping/2
}

func (c *conn) connectWorker() {
	defer c.log.Debugf("Terminating connect worker.")

	dialCtx, cancelFn := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.HaltCh():
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	dialer := &websocket.Dialer{HandshakeTimeout: c.p.cfg.HandshakeTimeout}

	for attempt := 0; ; attempt++ {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		if attempt > 0 {
			instrument.RelayReconnect()
			delay := retry.Delay(retry.DefaultBaseDelay, c.p.cfg.MaxBackoff,
				retry.DefaultJitter, attempt-1)
			c.log.Debugf("Redial in %v.", delay)
			select {
			case <-c.HaltCh():
				return
			case <-time.After(delay):
			}
		}

		c.log.Debugf("Dialing: %v", c.url)
		attemptCtx, attemptCancel := context.WithTimeout(dialCtx, c.p.cfg.DialTimeout)
		ws, _, err := dialer.DialContext(attemptCtx, c.url, nil)
		attemptCancel()
		if err != nil {
			if dialCtx.Err() != nil {
				return
			}
			if retry.IsTransientError(err) {
				c.log.Debugf("Failed to connect: %v", err)
			} else {
				c.log.Warningf("Failed to connect: %v", err)
			}
			continue
		}
		c.log.Debugf("Websocket established.")

		if err = c.onWSConn(ws); err != nil {
			c.log.Debugf("Connection terminated: %v", err)
		}
		select {
		case <-c.HaltCh():
			return
		default:
		}
		attempt = 0
	}
}

// onWSConn runs one established connection to completion: installs the
// subscriptions, pumps frames, and tears down state on any error.
func (c *conn) onWSConn(ws *websocket.Conn) error {
	c.Lock()
	c.ws = ws
	c.Unlock()

	defer func() {
		c.Lock()
		c.ws = nil
		c.online = false
		// Anybody waiting on an OK will never get one now.
		for id, ch := range c.okWaiters {
			delete(c.okWaiters, id)
			close(ch)
		}
		c.Unlock()
		ws.Close()
		c.p.onConnStatus(c.url, false)
	}()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-c.HaltCh():
			ws.Close()
		case <-watchDone:
		}
	}()

	_, pongWait := c.keepalive()
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.installSubs(); err != nil {
		return err
	}
	c.Lock()
	c.online = true
	c.Unlock()
	c.p.onConnStatus(c.url, true)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingWorker(ws, pingDone)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(raw)
	}
}

func (c *conn) pingWorker(ws *websocket.Conn, done <-chan struct{}) {
	ping, _ := c.keepalive()
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.wMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.wMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		}
	}
}

func (c *conn) writeFrame(frame []byte) error {
	c.Lock()
	ws := c.ws
	c.Unlock()
	if ws == nil {
		return fmt.Errorf("relay: %s: not connected", c.url)
	}
	c.wMu.Lock()
	defer c.wMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// installSubs replays every stored subscription on a fresh connection.
func (c *conn) installSubs() error {
	c.Lock()
	subs := make(map[string][]event.Filter, len(c.subs))
	for id, filters := range c.subs {
		subs[id] = filters
	}
	c.Unlock()

	for id, filters := range subs {
		frame, err := encodeReqFrame(id, filters)
		if err != nil {
			return err
		}
		if err = c.writeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// subscribe stores the filters for replay and installs them now if the
// connection is up.
func (c *conn) subscribe(subID string, filters []event.Filter) error {
	c.Lock()
	c.subs[subID] = filters
	online := c.online
	c.Unlock()

	if !online {
		return fmt.Errorf("relay: %s: not connected", c.url)
	}
	frame, err := encodeReqFrame(subID, filters)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// unsubscribe drops the stored subscription and tells the relay.
func (c *conn) unsubscribe(subID string) {
	c.Lock()
	_, known := c.subs[subID]
	delete(c.subs, subID)
	online := c.online
	c.Unlock()

	if !known || !online {
		return
	}
	if frame, err := encodeCloseFrame(subID); err == nil {
		if err = c.writeFrame(frame); err != nil {
			c.log.Debugf("CLOSE write failed: %v", err)
		}
	}
}

// publish sends the event and waits for the relay's OK verdict.
func (c *conn) publish(ctx context.Context, ev *event.Event) error {
	if !c.isOnline() {
		return fmt.Errorf("relay: %s: not connected", c.url)
	}
	frame, err := encodeEventFrame(ev)
	if err != nil {
		return err
	}

	ch := make(chan okResult, 1)
	c.Lock()
	c.okWaiters[ev.ID] = ch
	c.Unlock()
	defer func() {
		c.Lock()
		delete(c.okWaiters, ev.ID)
		c.Unlock()
	}()

	if err = c.writeFrame(frame); err != nil {
		return err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("relay: %s: connection closed", c.url)
		}
		if !res.accepted {
			return fmt.Errorf("relay: %s: rejected: %s", c.url, res.reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.HaltCh():
		return fmt.Errorf("relay: %s: halted", c.url)
	}
}

func (c *conn) handleFrame(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		c.log.Debugf("Dropping frame: %v", err)
		return
	}

	switch f.Type {
	case frameEvent:
		c.p.deliver(f.Event)
	case frameOK:
		c.Lock()
		ch := c.okWaiters[f.EventID]
		delete(c.okWaiters, f.EventID)
		c.Unlock()
		if ch != nil {
			ch <- okResult{accepted: f.Accepted, reason: f.Reason}
		}
	case frameEOSE:
		c.log.Debugf("EOSE for %s.", f.SubID)
	case frameClosed:
		c.log.Warningf("Subscription %s closed by relay: %s", f.SubID, f.Message)
	case frameNotice:
		c.log.Infof("Relay notice: %s", f.Message)
	case frameAuth:
		// NIP-42 is not implemented; the signer protocol does not
		// depend on authenticated relays.
		c.log.Debugf("Ignoring AUTH challenge.")
	default:
		c.log.Debugf("Unknown frame type %q.", f.Type)
	}
}
