// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/farsign/farsign/client"
	"github.com/farsign/farsign/common"
	"github.com/farsign/farsign/config"
	"github.com/farsign/farsign/core/keys"
	"github.com/farsign/farsign/core/log"
	"github.com/farsign/farsign/core/uri"
)

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "farsign",
		Short: "farsign remote signing client",
		Long: `farsign talks to a NIP-46 signer over Nostr relays.  It turns a
bunker:// URI into signed events without ever touching the identity
key, which stays with the signer.`,
	}
	root.PersistentFlags().StringP("config", "f", "",
		"path to the farsign configuration file (TOML format)")

	root.AddCommand(
		newParseCommand(),
		newIssueConnectCommand(),
		newGetPublicKeyCommand(),
		newSignCommand(),
		newPingCommand(),
	)
	return root
}

// loadConfig reads the --config file, or synthesizes an all-defaults
// configuration when the flag is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load(nil)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", path, err)
	}
	return cfg, nil
}

// withClient runs fn against a started client bound to the given bunker
// URI, falling back to the configured one.
func withClient(cmd *cobra.Command, args []string, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	raw := cfg.Client.BunkerURI
	if len(args) > 0 {
		raw = args[0]
	}
	if raw == "" {
		return fmt.Errorf("no bunker URI given and none configured")
	}
	// A URI without relays can still work when the config names some.
	if u, err := uri.ParseBunker(raw); err == nil && len(u.Relays) == 0 && len(cfg.Client.DefaultRelays) > 0 {
		u.Relays = append([]string(nil), cfg.Client.DefaultRelays...)
		raw = u.String()
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}

	c, err := client.New(&client.Config{
		LogBackend:       logBackend,
		LegacyEncryption: cfg.Client.LegacyEncryption,
		Pool:             cfg.Relays.PoolConfig(),
	})
	if err != nil {
		return err
	}
	defer c.Stop()

	if err = c.Connect(raw); err != nil {
		return err
	}
	c.Session().SetTimeout(cfg.Client.Timeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = c.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse URI",
		Short: "Parse a bunker:// or nostrconnect:// URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd.OutOrStdout(), args[0])
		},
	}
}

func runParse(w io.Writer, raw string) error {
	switch {
	case uri.IsBunker(raw):
		u, err := uri.ParseBunker(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "kind: bunker\nsigner: %s\n", u.RemotePub)
		for _, r := range u.Relays {
			fmt.Fprintf(w, "relay: %s\n", r)
		}
		if u.Secret != "" {
			fmt.Fprintf(w, "secret: %s\n", u.Secret)
		}
	case uri.IsConnect(raw):
		u, err := uri.ParseConnect(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "kind: nostrconnect\nclient: %s\n", u.ClientPub)
		for _, r := range u.Relays {
			fmt.Fprintf(w, "relay: %s\n", r)
		}
		if len(u.Perms) > 0 {
			fmt.Fprintf(w, "perms: %s\n", strings.Join(u.Perms, ","))
		}
		if u.Name != "" {
			fmt.Fprintf(w, "name: %s\n", u.Name)
		}
		if u.Secret != "" {
			fmt.Fprintf(w, "secret: %s\n", u.Secret)
		}
	default:
		return fmt.Errorf("unrecognized URI scheme")
	}
	return nil
}

func newIssueConnectCommand() *cobra.Command {
	var (
		relays  []string
		perms   string
		name    string
		secret  string
		keyFile string
		qrCode  bool
	)
	cmd := &cobra.Command{
		Use:   "issue-connect",
		Short: "Issue a nostrconnect:// URI for a signer to adopt",
		Long: `issue-connect renders the nostrconnect:// URI that hands this client's
transport pubkey to a signer.  Without --key the transport key is
ephemeral and the URI is only good for the current pairing attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				relays = cfg.Client.DefaultRelays
			}
			if len(relays) == 0 {
				return fmt.Errorf("no relays: pass --relay or configure Client.DefaultRelays")
			}

			var kp *keys.Keypair
			if keyFile != "" {
				if kp, err = loadOrGenerateKey(keyFile); err != nil {
					return err
				}
			} else if kp, err = keys.GenerateKeypair(); err != nil {
				return err
			}
			defer kp.Zero()

			u := &uri.ConnectURI{
				ClientPub: kp.PublicHex(),
				Relays:    relays,
				Secret:    secret,
				Perms:     splitCSV(perms),
				Name:      name,
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, u.String())
			if qrCode {
				qrterminal.GenerateWithConfig(u.String(), qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     out,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&relays, "relay", nil,
		"relay URL the signer should reach us on (repeatable)")
	cmd.Flags().StringVar(&perms, "perms", "",
		"comma separated permissions to request")
	cmd.Flags().StringVar(&name, "name", "farsign",
		"client name shown by the signer")
	cmd.Flags().StringVar(&secret, "secret", "",
		"connect token the signer echoes back")
	cmd.Flags().StringVar(&keyFile, "key", "",
		"path to the client transport key (generated when missing)")
	cmd.Flags().BoolVar(&qrCode, "qr", false,
		"render the URI as a terminal QR code")
	return cmd
}

func newGetPublicKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-public-key [bunker-uri]",
		Short: "Ask the signer for the user pubkey",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, args, func(ctx context.Context, c *client.Client) error {
				pub, err := c.GetPublicKey(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pub)
				return nil
			})
		},
	}
}

func newSignCommand() *cobra.Command {
	var (
		eventFile string
		perms     string
		noConnect bool
	)
	cmd := &cobra.Command{
		Use:   "sign [bunker-uri]",
		Short: "Have the signer sign an event template",
		Long: `sign reads an unsigned event template as JSON, sends a connect
request for the needed permission unless --no-connect is given, and
prints the signed event.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := readEvent(eventFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withClient(cmd, args, func(ctx context.Context, c *client.Client) error {
				if !noConnect {
					if err := c.ConnectRPC(ctx, splitCSV(perms)); err != nil {
						return err
					}
				}
				signed, err := c.SignEvent(ctx, template)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), signed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "",
		"path to the event template JSON (defaults to stdin)")
	cmd.Flags().StringVar(&perms, "perms", "sign_event",
		"comma separated permissions to request on connect")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false,
		"skip the connect request, relying on an earlier grant")
	return cmd
}

func newPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [bunker-uri]",
		Short: "Measure a signer round trip",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, args, func(ctx context.Context, c *client.Client) error {
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong in %v\n",
					time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

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

func readEvent(path string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", fmt.Errorf("empty event template")
	}
	return s, nil
}

func splitCSV(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
