// main.go - wamd companion device CLI.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// wamd is a reference client for the wamd library: it pairs a companion
// device against a phone, keeps the resulting credentials in a bbolt
// store and can tail the event stream of a paired device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/haven-im/wamd/client"
	"github.com/haven-im/wamd/client/config"
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
)

const defaultPairTimeout = 3 * time.Minute

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wamd",
		Short: "WhatsApp multidevice companion client",
		Long: `wamd is a reference client for the wamd library.

It registers itself as a companion device of an existing phone account,
persists the credentials and double-ratchet key material in a bbolt
store file, and exposes the relay's event stream on stdout. It carries
no ratchet implementation of its own, so end-to-end payloads stay
sealed; connection, pairing, receipt and app state events are fully
functional.`,
	}

	cmd.AddCommand(newPairCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newLogoutCommand())

	return cmd
}

// session bundles the store and client of one CLI invocation.
type session struct {
	cfg *config.Config
	st  *store.BoltStore
	cli *client.Client

	storeFile string
}

// openSession loads the config, opens the store and builds a client
// around whatever credentials the store holds; a fresh identity is
// generated when the store has none. Credential updates are persisted
// as they are emitted.
func openSession(configFile, storeFile string, printQR bool) (*session, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.PrintQRInTerminal = printQR

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenBolt(storeFile, logBackend)
	if err != nil {
		return nil, err
	}

	creds, err := st.LoadCreds()
	if err != nil {
		st.Close()
		return nil, err
	}
	if creds == nil {
		if creds, err = store.NewCreds(); err != nil {
			st.Close()
			return nil, err
		}
	}

	cli, err := client.New(cfg, creds, st, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	cli.Events(func(evt event.Event) {
		if e, ok := evt.(*event.CredsUpdate); ok {
			if serr := st.SaveCreds(e.Creds); serr != nil {
				fmt.Fprintf(os.Stderr, "failed to persist credentials: %v\n", serr)
			}
		}
	})

	return &session{cfg: cfg, st: st, cli: cli, storeFile: storeFile}, nil
}

func (s *session) Close() {
	s.cli.Close()
	s.st.Close()
}

// connectUntilOpen dials and keeps redialing across the stream restart
// the server demands after pairing, until the connection reaches the
// open state or fails for a reason a redial cannot fix.
func (s *session) connectUntilOpen(ctx context.Context) error {
	result := make(chan error, 4)
	id := s.cli.Events(func(evt event.Event) {
		switch e := evt.(type) {
		case *event.PairSuccess:
			fmt.Printf("Paired with %s (platform %s)\n", e.ID, e.Platform)
		case *event.LoggedOut:
			result <- fmt.Errorf("logged out: %s", e.Reason)
		case *event.ConnectionUpdate:
			switch e.Connection {
			case types.StateOpen:
				result <- nil
			case types.StateClosed:
				var d *types.DisconnectError
				if errors.As(e.LastDisconnect, &d) && d.Reason == types.ReasonRestartRequired {
					// Post-pairing restart: reconnect with the fresh
					// credentials.
					go func() {
						if cerr := s.cli.Connect(ctx); cerr != nil {
							result <- cerr
						}
					}()
					return
				}
				result <- fmt.Errorf("connection closed: %v", e.LastDisconnect)
			}
		}
	})
	defer s.cli.Unsubscribe(id)

	if err := s.cli.Connect(ctx); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newPairCommand() *cobra.Command {
	var configFile string
	var storeFile string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link this device to a phone",
		Long: `Register this device as a companion of an existing account.

A QR code is rendered on the terminal; scan it from the phone's linked
devices screen. On success the credentials land in the store file and
the other subcommands can use them.`,
		Example: `  # Pair with the default store file
  wamd pair

  # Pair into a specific store with a longer deadline
  wamd pair -s work.db --timeout 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(configFile, storeFile, timeout)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (TOML, optional)")
	cmd.Flags().StringVarP(&storeFile, "store", "s", "wamd.db", "credential store file")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultPairTimeout, "give up on pairing after this long")

	return cmd
}

func runPair(configFile, storeFile string, timeout time.Duration) error {
	s, err := openSession(configFile, storeFile, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cli.Creds().Registered() {
		fmt.Printf("Already paired as %s; run 'wamd logout' first to re-pair\n", s.cli.Creds().Me)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	fmt.Println("Scan the QR code from the phone's linked devices screen.")
	if err := s.connectUntilOpen(ctx); err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	fmt.Printf("Logged in as %s; credentials stored in %s\n", s.cli.Creds().Me, s.storeFile)
	return nil
}

func newRunCommand() *cobra.Command {
	var configFile string
	var storeFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect a paired device and print its event stream",
		Long: `Connect with previously stored credentials and print every event the
client emits until interrupted. Useful for watching receipts, presence
and app state sync traffic of a paired device.`,
		Example: `  # Tail events with the default store file
  wamd run

  # Tail events for a specific store
  wamd run -s work.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(configFile, storeFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (TOML, optional)")
	cmd.Flags().StringVarP(&storeFile, "store", "s", "wamd.db", "credential store file")

	return cmd
}

func runEvents(configFile, storeFile string) error {
	s, err := openSession(configFile, storeFile, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.cli.Creds().Registered() {
		return fmt.Errorf("store %s holds no paired device; run 'wamd pair' first", storeFile)
	}

	loggedOut := make(chan struct{}, 1)
	s.cli.Events(func(evt event.Event) {
		fmt.Println(evt)
		if _, ok := evt.(*event.LoggedOut); ok {
			loggedOut <- struct{}{}
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.connectUntilOpen(ctx); err != nil {
		return err
	}
	fmt.Printf("Connected as %s\n", s.cli.Creds().Me)

	select {
	case <-ctx.Done():
		fmt.Println("Shutting down")
	case <-loggedOut:
		return fmt.Errorf("the primary removed this device; delete %s to pair again", storeFile)
	}
	return nil
}

func newLogoutCommand() *cobra.Command {
	var configFile string
	var storeFile string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device from the account",
		Long: `Ask the primary to remove this companion device.

The store file is kept but its credentials are no longer valid; delete
it or pair again into the same file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(configFile, storeFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (TOML, optional)")
	cmd.Flags().StringVarP(&storeFile, "store", "s", "wamd.db", "credential store file")

	return cmd
}

func runLogout(configFile, storeFile string) error {
	s, err := openSession(configFile, storeFile, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.cli.Creds().Registered() {
		return fmt.Errorf("store %s holds no paired device", storeFile)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, tcancel := context.WithTimeout(ctx, time.Minute)
	defer tcancel()

	if err := s.connectUntilOpen(ctx); err != nil {
		return err
	}
	if err := s.cli.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	fmt.Printf("Device removed; delete %s or pair again\n", storeFile)
	return nil
}
