// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config handles the farsign configuration file, shared by the
// signer daemon and the client tooling.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/protocol"
	"github.com/farsign/farsign/core/uri"
	"github.com/farsign/farsign/relay"
)

const (
	defaultLogLevel = "NOTICE"

	defaultTimeoutMs = 30000

	defaultConnectTimeout   = 30
	defaultHandshakeTimeout = 30
	defaultPingInterval     = 60
	defaultMaxBackoff       = 10

	defaultKeyFile = "bunker.key"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	if lvl == "" {
		lvl = defaultLogLevel
	}
	if !log.ValidLevel(lvl) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Bunker is the signer daemon configuration.
type Bunker struct {
	// DataDir is the absolute path to the daemon's state directory.
	DataDir string

	// KeyFile is the path to the transport secret key.  If omitted a
	// file under DataDir is used.
	KeyFile string

	// UserKeyFile optionally names a separate user identity key.  If
	// omitted the transport key signs user events too.
	UserKeyFile string

	// ListenRelays are the relay websocket URLs the signer serves on.
	ListenRelays []string

	// Secret, when set, is the token connecting clients must present.
	Secret string

	// AllowedMethods restricts which permissions connect requests may
	// be granted.  Empty grants any known method.
	AllowedMethods []string

	// MetricsAddress is the optional Prometheus listen address.
	MetricsAddress string
}

func (bCfg *Bunker) validate() error {
	if bCfg.DataDir == "" {
		return fmt.Errorf("config: Bunker: DataDir is not set")
	}
	if !filepath.IsAbs(bCfg.DataDir) {
		return fmt.Errorf("config: Bunker: DataDir '%v' is not an absolute path", bCfg.DataDir)
	}
	if bCfg.KeyFile == "" {
		bCfg.KeyFile = filepath.Join(bCfg.DataDir, defaultKeyFile)
	}
	if len(bCfg.ListenRelays) == 0 {
		return fmt.Errorf("config: Bunker: ListenRelays is not set")
	}
	for _, u := range bCfg.ListenRelays {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("config: Bunker: ListenRelays: %v", err)
		}
	}
	for _, m := range bCfg.AllowedMethods {
		if !protocol.KnownMethod(m) {
			return fmt.Errorf("config: Bunker: AllowedMethods: '%v' is not a known method", m)
		}
	}
	if bCfg.MetricsAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", bCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Bunker: MetricsAddress '%v' is invalid: %v", bCfg.MetricsAddress, err)
		}
	}
	return nil
}

var defaultClient = Client{
	TimeoutMs: defaultTimeoutMs,
}

// Client is the client tooling configuration.
type Client struct {
	// BunkerURI optionally preconfigures the signer to talk to.
	BunkerURI string

	// DefaultRelays are used when the bunker URI names no relays.
	DefaultRelays []string

	// TimeoutMs bounds each remote signing round trip, in
	// milliseconds.
	TimeoutMs int

	// LegacyEncryption forces NIP-04 request envelopes for signers
	// that predate NIP-44.
	LegacyEncryption bool
}

func (cCfg *Client) validate() error {
	if cCfg.TimeoutMs == 0 {
		cCfg.TimeoutMs = defaultTimeoutMs
	}
	if cCfg.TimeoutMs < 0 {
		return fmt.Errorf("config: Client: TimeoutMs '%v' is invalid", cCfg.TimeoutMs)
	}
	if cCfg.BunkerURI != "" {
		if _, err := uri.ParseBunker(cCfg.BunkerURI); err != nil {
			return fmt.Errorf("config: Client: BunkerURI is invalid: %v", err)
		}
	}
	for _, u := range cCfg.DefaultRelays {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("config: Client: DefaultRelays: %v", err)
		}
	}
	return nil
}

// Timeout returns the configured round trip bound.
func (cCfg *Client) Timeout() time.Duration {
	return time.Duration(cCfg.TimeoutMs) * time.Millisecond
}

var defaultRelays = Relays{
	ConnectTimeout:   defaultConnectTimeout,
	HandshakeTimeout: defaultHandshakeTimeout,
	PingInterval:     defaultPingInterval,
	MaxBackoff:       defaultMaxBackoff,
}

// Relays tunes the relay pool.  All values are in seconds.
type Relays struct {
	// ConnectTimeout bounds a single relay dial attempt.
	ConnectTimeout int

	// HandshakeTimeout bounds the websocket upgrade handshake.
	HandshakeTimeout int

	// PingInterval is the keepalive ping period.
	PingInterval int

	// MaxBackoff caps the redial backoff delay.
	MaxBackoff int
}

func (rCfg *Relays) fixup() {
	if rCfg.ConnectTimeout <= 0 {
		rCfg.ConnectTimeout = defaultConnectTimeout
	}
	if rCfg.HandshakeTimeout <= 0 {
		rCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if rCfg.PingInterval <= 0 {
		rCfg.PingInterval = defaultPingInterval
	}
	if rCfg.MaxBackoff <= 0 {
		rCfg.MaxBackoff = defaultMaxBackoff
	}
}

// PoolConfig converts the section into relay pool tuning.  The caller
// supplies the log backend and connection callback.
func (rCfg *Relays) PoolConfig() *relay.Config {
	return &relay.Config{
		DialTimeout:      time.Duration(rCfg.ConnectTimeout) * time.Second,
		HandshakeTimeout: time.Duration(rCfg.HandshakeTimeout) * time.Second,
		PingInterval:     time.Duration(rCfg.PingInterval) * time.Second,
		MaxBackoff:       time.Duration(rCfg.MaxBackoff) * time.Second,
	}
}

func validateRelayURL(u string) error {
	if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
		return nil
	}
	return fmt.Errorf("'%v' is not a websocket URL", u)
}

// Config is the top level farsign configuration.
type Config struct {
	Logging *Logging
	Bunker  *Bunker
	Client  *Client
	Relays  *Relays
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Client == nil {
		cl := defaultClient
		c.Client = &cl
	}
	if c.Relays == nil {
		r := defaultRelays
		c.Relays = &r
	} else {
		c.Relays.fixup()
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Client.validate(); err != nil {
		return err
	}
	// Only the daemon needs a Bunker section, so a missing one is
	// fine here.  Present ones still have to hold up.
	if c.Bunker != nil {
		if err := c.Bunker.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
