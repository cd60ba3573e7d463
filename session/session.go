// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session holds the per-peer state shared by the client and
// signer roles: transport key material, peer pubkeys, relay list,
// permission ACL and the connection state machine.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/uri"
)

// Role fixes which side of the protocol a session plays.
type Role int

const (
	// RoleClient is the application side issuing RPCs.
	RoleClient Role = iota

	// RoleSigner is the bunker side answering them.
	RoleSigner
)

func (r Role) String() string {
	if r == RoleSigner {
		return "signer"
	}
	return "client"
}

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected is the initial and final state.
	StateDisconnected State = iota

	// StateConnecting means the relay subscription is being installed.
	StateConnecting

	// StateConnected means at least one relay accepted the subscription.
	StateConnected

	// StateStopping means teardown is in progress and waiters are being
	// cancelled.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStopping:
		return "STOPPING"
	default:
		return "DISCONNECTED"
	}
}

// Session is the central protocol entity.  It is safe for concurrent
// use; all mutation goes through the embedded lock.
type Session struct {
	sync.RWMutex

	role Role
	kp   *keys.Keypair

	remotePub string
	clientPub string
	uriSecret string
	relays    []string
	perms     []string

	acl map[string]map[string]bool

	state     State
	timeout   time.Duration
	lastReply string
}

// NewClient creates a client-role session with a fresh transport
// keypair and no peer configured.
func NewClient() (*Session, error) {
	kp, err := keys.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	s := newSession(RoleClient, kp)
	s.clientPub = kp.PublicHex()
	return s, nil
}

// NewSigner creates a signer-role session around the signer's keypair.
func NewSigner(kp *keys.Keypair) (*Session, error) {
	if kp == nil {
		return nil, protocol.NewInvalidArgumentError("session: no keypair")
	}
	return newSession(RoleSigner, kp), nil
}

func newSession(role Role, kp *keys.Keypair) *Session {
	return &Session{
		role:    role,
		kp:      kp,
		acl:     make(map[string]map[string]bool),
		state:   StateDisconnected,
		timeout: protocol.DefaultTimeout,
	}
}

// Role returns the immutable session role.
func (s *Session) Role() Role {
	return s.role
}

// Keypair returns the transport keypair handle.  The secret scalar
// itself stays inside the keypair; it is never rendered to hex again.
func (s *Session) Keypair() *keys.Keypair {
	s.RLock()
	defer s.RUnlock()
	return s.kp
}

// TransportPublic returns the transport public key.
func (s *Session) TransportPublic() string {
	s.RLock()
	defer s.RUnlock()
	if s.kp == nil {
		return ""
	}
	return s.kp.PublicHex()
}

// ConfigureBunker replaces the peer configuration from a parsed
// bunker:// URI.  Prior remote pubkey, secret and relays are discarded
// wholesale.  This is a pure configuration change: no sockets are
// touched and the connection state is left alone.
func (s *Session) ConfigureBunker(u *uri.BunkerURI) error {
	if u == nil {
		return protocol.NewInvalidArgumentError("session: nil URI")
	}
	s.Lock()
	defer s.Unlock()
	s.remotePub = u.RemotePub
	s.uriSecret = u.Secret
	s.relays = append([]string(nil), u.Relays...)
	return nil
}

// ConfigureConnect replaces the peer configuration from a parsed
// nostrconnect:// URI, recording the client pubkey and its requested
// permission set.
func (s *Session) ConfigureConnect(u *uri.ConnectURI) error {
	if u == nil {
		return protocol.NewInvalidArgumentError("session: nil URI")
	}
	s.Lock()
	defer s.Unlock()
	s.clientPub = u.ClientPub
	s.uriSecret = u.Secret
	s.relays = append([]string(nil), u.Relays...)
	s.perms = append([]string(nil), u.Perms...)
	return nil
}

// RemotePubkey returns the peer signer pubkey, or "" when unset.
func (s *Session) RemotePubkey() string {
	s.RLock()
	defer s.RUnlock()
	return s.remotePub
}

// SetSignerPubkey overrides the peer signer pubkey.
func (s *Session) SetSignerPubkey(pk string) error {
	norm, err := keys.NormalizePubkey(pk)
	if err != nil {
		return protocol.WrapError(protocol.CategoryInvalidArgument, err)
	}
	s.Lock()
	defer s.Unlock()
	s.remotePub = norm
	return nil
}

// ClientPubkey returns the client-side transport pubkey, or on the
// signer the pubkey recorded from a nostrconnect:// origin.
func (s *Session) ClientPubkey() string {
	s.RLock()
	defer s.RUnlock()
	return s.clientPub
}

// SetClientPubkey records a client pubkey on the signer side.
func (s *Session) SetClientPubkey(pk string) error {
	norm, err := keys.NormalizePubkey(pk)
	if err != nil {
		return protocol.WrapError(protocol.CategoryInvalidArgument, err)
	}
	s.Lock()
	defer s.Unlock()
	s.clientPub = norm
	return nil
}

// Secret returns the URI auth token.  It never returns key material.
func (s *Session) Secret() string {
	s.RLock()
	defer s.RUnlock()
	return s.uriSecret
}

// SetAuthSecret records the URI auth token.  On the signer a non-empty
// token makes connect requests prove knowledge of it.
func (s *Session) SetAuthSecret(tok string) {
	s.Lock()
	defer s.Unlock()
	s.uriSecret = tok
}

// SetSecret replaces the transport secret key with a validated
// Hex-Secret.  The old keypair is zeroed and the transport pubkey is
// rederived, so the two can never disagree.
func (s *Session) SetSecret(skHex string) error {
	kp, err := keys.KeypairFromHex(skHex)
	if err != nil {
		return protocol.WrapError(protocol.CategoryInvalidArgument, err)
	}
	s.Lock()
	defer s.Unlock()
	if s.kp != nil {
		s.kp.Zero()
	}
	s.kp = kp
	if s.role == RoleClient {
		s.clientPub = kp.PublicHex()
	}
	return nil
}

// Relays returns a copy of the relay list in order.
func (s *Session) Relays() []string {
	s.RLock()
	defer s.RUnlock()
	return append([]string(nil), s.relays...)
}

// SetRelays replaces the relay list.  RPC operations never touch it;
// only this and the Configure calls do.
func (s *Session) SetRelays(relays []string) {
	s.Lock()
	defer s.Unlock()
	s.relays = append([]string(nil), relays...)
}

// RequestedPerms returns the permission set requested via the
// nostrconnect:// URI.
func (s *Session) RequestedPerms() []string {
	s.RLock()
	defer s.RUnlock()
	return append([]string(nil), s.perms...)
}

// State returns the connection state.
func (s *Session) State() State {
	s.RLock()
	defer s.RUnlock()
	return s.state
}

// SetState moves the state machine.  Transitions are driven by the
// client and bunker packages.
func (s *Session) SetState(st State) {
	s.Lock()
	defer s.Unlock()
	s.state = st
}

// RequireConnected fails with a not_connected error unless the session
// has a live subscription.
func (s *Session) RequireConnected() error {
	s.RLock()
	defer s.RUnlock()
	if s.state != StateConnected {
		return protocol.NewNotConnectedError("session: state is %s", s.state)
	}
	return nil
}

// Timeout returns the per-request deadline.
func (s *Session) Timeout() time.Duration {
	s.RLock()
	defer s.RUnlock()
	return s.timeout
}

// SetTimeout sets the per-request deadline; zero resets the default.
func (s *Session) SetTimeout(d time.Duration) {
	s.Lock()
	defer s.Unlock()
	if d <= 0 {
		d = protocol.DefaultTimeout
	}
	s.timeout = d
}

// UserPublicKey is the best-effort, non-RPC answer to "whose key signs
// for the user".  On the signer that is the transport key itself; on
// the client it falls back to the bunker URI's remote pubkey, which may
// differ from the true user key.  Callers wanting the authoritative
// answer use the get_public_key RPC.
func (s *Session) UserPublicKey() string {
	s.RLock()
	defer s.RUnlock()
	if s.role == RoleSigner {
		if s.kp == nil {
			return ""
		}
		return s.kp.PublicHex()
	}
	return s.remotePub
}

// ACLAllow grants methods to clientPub, replacing any prior grant.
func (s *Session) ACLAllow(clientPub string, methods []string) error {
	norm, err := keys.NormalizePubkey(clientPub)
	if err != nil {
		return protocol.WrapError(protocol.CategoryInvalidArgument, err)
	}
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		if m != "" {
			set[m] = true
		}
	}
	s.Lock()
	defer s.Unlock()
	s.acl[norm] = set
	return nil
}

// ACLAllowed reports whether clientPub holds a grant containing method.
// No entry, or an entry with an empty set, means no permissions.
func (s *Session) ACLAllowed(clientPub, method string) bool {
	s.RLock()
	defer s.RUnlock()
	set, ok := s.acl[clientPub]
	return ok && set[method]
}

// ACLRemove revokes all grants for clientPub.
func (s *Session) ACLRemove(clientPub string) {
	s.Lock()
	defer s.Unlock()
	delete(s.acl, clientPub)
}

// ACLExport returns the ACL as sorted method lists, for persistence.
func (s *Session) ACLExport() map[string][]string {
	s.RLock()
	defer s.RUnlock()
	out := make(map[string][]string, len(s.acl))
	for pk, set := range s.acl {
		methods := make([]string, 0, len(set))
		for m := range set {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		out[pk] = methods
	}
	return out
}

// ACLImport merges previously exported grants into the ACL.
func (s *Session) ACLImport(grants map[string][]string) {
	s.Lock()
	defer s.Unlock()
	for pk, methods := range grants {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m != "" {
				set[m] = true
			}
		}
		s.acl[pk] = set
	}
}

// Snapshot is the durable subset of a session: peer pubkeys, relays
// and the URI auth token.  The transport secret is deliberately
// absent; the host's secret store owns key material.
type Snapshot struct {
	RemotePub string
	ClientPub string
	Secret    string
	Relays    []string
}

// Snapshot captures the persistable session state.
func (s *Session) Snapshot() Snapshot {
	s.RLock()
	defer s.RUnlock()
	return Snapshot{
		RemotePub: s.remotePub,
		ClientPub: s.clientPub,
		Secret:    s.uriSecret,
		Relays:    append([]string(nil), s.relays...),
	}
}

// Restore replaces the peer configuration from a snapshot.  On the
// client role the own-key-derived client pubkey is kept.
func (s *Session) Restore(snap Snapshot) {
	s.Lock()
	defer s.Unlock()
	s.remotePub = snap.RemotePub
	if s.role == RoleSigner {
		s.clientPub = snap.ClientPub
	}
	s.uriSecret = snap.Secret
	s.relays = append([]string(nil), snap.Relays...)
}

// SetLastReply records the plaintext of the signer's last reply.
func (s *Session) SetLastReply(plain string) {
	s.Lock()
	defer s.Unlock()
	s.lastReply = plain
}

// LastReplyJSON returns the plaintext of the signer's last reply, for
// introspection.
func (s *Session) LastReplyJSON() string {
	s.RLock()
	defer s.RUnlock()
	return s.lastReply
}

// Zero wipes the transport key material.  The session is unusable for
// signing or envelope work afterwards.
func (s *Session) Zero() {
	s.Lock()
	defer s.Unlock()
	if s.kp != nil {
		s.kp.Zero()
		s.kp = nil
	}
}
