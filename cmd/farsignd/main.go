// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/farsign/farsign/bunker"
	"github.com/farsign/farsign/common"
	"github.com/farsign/farsign/config"
	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/internal/instrument"
	"github.com/farsign/farsign/session"
	"github.com/farsign/farsign/store"
)

const (
	storeFile   = "farsign.db"
	sessionName = "signer"
)

type cliConfig struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "farsignd",
		Short: "farsign remote signing daemon",
		Long: `farsignd holds a Nostr identity key and serves NIP-46 signing requests
over relays.  Clients are handed a bunker:// URI and talk to the daemon
with encrypted kind 24133 events; nothing but public keys and signed
events ever leave the machine.

Session state and client permission grants are persisted under the
configured data directory, so restarting the daemon does not revoke
previously connected clients.`,
		Example: `  # Start the daemon
  farsignd --config /etc/farsign/farsignd.toml

  # Generate the transport key, print the bunker:// URI and exit
  farsignd -f /etc/farsign/farsignd.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(&cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "farsignd.toml",
		"path to the daemon configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the transport key, print the bunker URI and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runDaemon(cli *cliConfig) error {
	cfg, err := config.LoadFile(cli.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cli.ConfigFile, err)
	}
	if cfg.Bunker == nil {
		return fmt.Errorf("config file '%v' has no Bunker section", cli.ConfigFile)
	}
	bCfg := cfg.Bunker

	if err = os.MkdirAll(bCfg.DataDir, 0700); err != nil {
		return err
	}

	kp, err := loadOrGenerateKey(bCfg.KeyFile)
	if err != nil {
		return err
	}
	defer kp.Zero()

	var userKP *keys.Keypair
	if bCfg.UserKeyFile != "" {
		if userKP, err = keys.LoadKeypairFile(bCfg.UserKeyFile); err != nil {
			return fmt.Errorf("failed to load user key: %v", err)
		}
		defer userKP.Zero()
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}

	s, err := session.NewSigner(kp)
	if err != nil {
		return err
	}
	defer s.Zero()

	st, err := store.Open(filepath.Join(bCfg.DataDir, storeFile))
	if err != nil {
		return err
	}
	defer st.Close()
	restoreState(st, s, logBackend)

	// The configured relays win over whatever a previous run left in
	// the snapshot.
	s.SetRelays(bCfg.ListenRelays)

	bnk, err := bunker.New(&bunker.Config{
		LogBackend:  logBackend,
		Session:     s,
		UserKeypair: userKP,
		AuthorizeFn: authorizeFn(bCfg.AllowedMethods),
		Pool:        cfg.Relays.PoolConfig(),
	})
	if err != nil {
		return err
	}

	// Re-render the previously armed token when the config carries
	// none, so the printed URI always matches what connect enforces.
	secret := bCfg.Secret
	if secret == "" {
		secret = s.Secret()
	}
	u, err := bnk.IssueURI(nil, secret)
	if err != nil {
		return err
	}
	fmt.Println(u)
	if cli.GenOnly {
		return nil
	}

	if bCfg.MetricsAddress != "" {
		instrument.Init(bCfg.MetricsAddress)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	if err = bnk.Listen(context.Background(), nil); err != nil {
		return fmt.Errorf("failed to reach relays: %v", err)
	}

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			_ = logBackend.Rotate()
		}
	}()

	<-haltCh
	persistState(st, s, logBackend)
	bnk.Stop()
	return nil
}

// loadOrGenerateKey loads the transport keypair, creating and saving a
// fresh one on first run.
func loadOrGenerateKey(path string) (*keys.Keypair, error) {
	kp, err := keys.LoadKeypairFile(path)
	switch {
	case err == nil:
		return kp, nil
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	if kp, err = keys.GenerateKeypair(); err != nil {
		return nil, err
	}
	if err = keys.SaveKeypairFile(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// authorizeFn builds the connect gate from the configured method
// allowlist.  A nil return leaves the bunker's default-allow in place.
func authorizeFn(allowed []string) func(string, []string) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, m := range allowed {
		set[m] = struct{}{}
	}
	return func(clientPub string, perms []string) bool {
		for _, m := range perms {
			if _, ok := set[m]; !ok {
				return false
			}
		}
		return true
	}
}

func restoreState(st *store.Store, s *session.Session, lb *log.Backend) {
	l := lb.GetLogger("farsignd")
	snap, err := st.LoadSession(sessionName)
	switch {
	case err == nil:
		s.Restore(snap)
		l.Debugf("Restored session snapshot.")
	case errors.Is(err, store.ErrNotFound):
	default:
		l.Warningf("Failed to load session snapshot: %v", err)
	}

	grants, err := st.LoadACL()
	if err != nil {
		l.Warningf("Failed to load ACL: %v", err)
		return
	}
	if len(grants) > 0 {
		s.ACLImport(grants)
		l.Noticef("Restored %d ACL grant(s).", len(grants))
	}
}

func persistState(st *store.Store, s *session.Session, lb *log.Backend) {
	l := lb.GetLogger("farsignd")
	if err := st.SaveSession(sessionName, s.Snapshot()); err != nil {
		l.Warningf("Failed to save session snapshot: %v", err)
	}
	if err := st.SaveACL(s.ACLExport()); err != nil {
		l.Warningf("Failed to save ACL: %v", err)
	}
}
