// main.go - Directory authority binary.
// Copyright (C) 2026  The dirauth developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.


package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dirvote/dirauth/authority/voting/server"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/common"
	"github.com/dirvote/dirauth/core/compat"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "dirauth",
		Short: "Directory authority voting daemon",
		Long: `dirauth is a directory authority.  Every voting period it builds a signed
vote on the relays it knows, exchanges votes with the other authorities,
computes the consensus from the votes it collected, and publishes the
consensus once a majority of the authorities signed it.

Votes, signatures and consensus documents are exchanged through the
outbox and inbox spool directories under the DataDir.  Relay descriptors
and reachability probe results are read from the inbox as well.

SIGHUP reopens the log file and reloads the configuration.`,
		Example: `  # Start the authority
  dirauth -f /etc/dirauth/authority.toml

  # Generate the identity and signing keys and exit
  dirauth -f /etc/dirauth/authority.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthority(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "authority.toml",
		"path to the authority configuration file (TOML format)")

	// Operation mode flags
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate cryptographic keys and exit without starting authority")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

// runAuthority starts the directory authority server
func runAuthority(cfg Config) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	authorityCfg, err := config.LoadFile(cfg.ConfigFile, cfg.GenOnly)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	// Start up the authority.
	svr, err := server.New(authorityCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil // Exit successfully for generate-only mode
		}
		return fmt.Errorf("failed to spawn authority instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the authority gracefully on SIGINT/SIGTERM.
	go func() {
		<-ch
		svr.Shutdown()
	}()

	// Rotate the log and reload the configuration upon SIGHUP.
	go func() {
		for range hupCh {
			svr.RotateLog()
			newCfg, err := config.LoadFile(cfg.ConfigFile, false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Not reloading '%v': %v\n", cfg.ConfigFile, err)
				continue
			}
			if err := svr.Reload(newCfg); err != nil {
				fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
			}
		}
	}()

	// Wait for the authority to explode or be terminated.
	svr.Wait()
	return nil
}
