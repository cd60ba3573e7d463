// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Logging]
Level = "debug"

[Bunker]
DataDir = "/var/lib/farsign"
ListenRelays = ["wss://relay.example.org", "ws://127.0.0.1:7447"]
Secret = "tok3n"
AllowedMethods = ["sign_event", "ping"]
MetricsAddress = "127.0.0.1:6363"

[Client]
TimeoutMs = 5000

[Relays]
PingInterval = 15
`

func TestLoadBasic(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.False(cfg.Logging.Disable)

	require.Equal("/var/lib/farsign", cfg.Bunker.DataDir)
	require.Equal(filepath.Join("/var/lib/farsign", "bunker.key"), cfg.Bunker.KeyFile)
	require.Len(cfg.Bunker.ListenRelays, 2)
	require.Equal("tok3n", cfg.Bunker.Secret)
	require.Equal([]string{"sign_event", "ping"}, cfg.Bunker.AllowedMethods)

	require.Equal(5000, cfg.Client.TimeoutMs)
	require.Equal(5*time.Second, cfg.Client.Timeout())

	// Present sections still pick up defaults for omitted keys.
	require.Equal(15, cfg.Relays.PingInterval)
	require.Equal(30, cfg.Relays.ConnectTimeout)
}

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(nil)
	require.NoError(err)

	require.NotNil(cfg.Logging)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Nil(cfg.Bunker)
	require.Equal(30000, cfg.Client.TimeoutMs)
	require.Equal(30*time.Second, cfg.Client.Timeout())

	pCfg := cfg.Relays.PoolConfig()
	require.Equal(30*time.Second, pCfg.DialTimeout)
	require.Equal(30*time.Second, pCfg.HandshakeTimeout)
	require.Equal(60*time.Second, pCfg.PingInterval)
	require.Equal(10*time.Second, pCfg.MaxBackoff)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte("[Bunker]\nDataDir = \"/d\"\nListenRelays = [\"wss://r\"]\nFrobnicate = true\n"))
	require.Error(err)
	require.Contains(err.Error(), "Undecoded")
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	require := require.New(t)

	cases := []string{
		"[Logging]\nLevel = \"verbose\"\n",
		"[Bunker]\nListenRelays = [\"wss://r\"]\n",
		"[Bunker]\nDataDir = \"relative/path\"\nListenRelays = [\"wss://r\"]\n",
		"[Bunker]\nDataDir = \"/d\"\n",
		"[Bunker]\nDataDir = \"/d\"\nListenRelays = [\"https://r\"]\n",
		"[Bunker]\nDataDir = \"/d\"\nListenRelays = [\"wss://r\"]\nAllowedMethods = [\"frobnicate\"]\n",
		"[Bunker]\nDataDir = \"/d\"\nListenRelays = [\"wss://r\"]\nMetricsAddress = \"nonsense\"\n",
		"[Client]\nTimeoutMs = -1\n",
		"[Client]\nBunkerURI = \"bunker://nope\"\n",
		"[Client]\nDefaultRelays = [\"ftp://r\"]\n",
	}
	for _, body := range cases {
		_, err := Load([]byte(body))
		require.Error(err, "accepted: %s", body)
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "farsign.toml")
	require.NoError(os.WriteFile(f, []byte(basicConfig), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("tok3n", cfg.Bunker.Secret)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
