// main.go - Authority set entry generator.
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
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/spf13/cobra"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/common"
)

type peerEntry struct {
	Identifier         string
	PKISignatureScheme string
	Address            string
	ORPort             uint16
	DirPort            uint16
	Contact            string `toml:",omitempty"`
	IdentityPublicKey  string
}

// peerBlock returns the [[Authorities]] entry describing the authority
// configured by cfg, whose identity key was already generated.
func peerBlock(cfg *config.Config) ([]byte, error) {
	scheme := signSchemes.ByName(cfg.Server.PKISignatureScheme)
	if scheme == nil {
		return nil, fmt.Errorf("unknown signature scheme '%v'", cfg.Server.PKISignatureScheme)
	}
	pub, err := signpem.FromPublicPEMFile(filepath.Join(cfg.Server.DataDir, config.IdentityPublicKeyFile), scheme)
	if err != nil {
		return nil, err
	}
	entry := peerEntry{
		Identifier:         cfg.Server.Identifier,
		PKISignatureScheme: cfg.Server.PKISignatureScheme,
		Address:            cfg.Server.Address,
		ORPort:             cfg.Server.ORPort,
		DirPort:            cfg.Server.DirPort,
		IdentityPublicKey:  signpem.ToPublicPEMString(pub),
	}
	if cfg.Authority != nil {
		entry.Contact = cfg.Authority.ContactInfo
	}

	b := new(bytes.Buffer)
	fmt.Fprintf(b, "# %v %v\n", entry.Identifier, document.IdentityFingerprint(pub))
	err = toml.NewEncoder(b).Encode(struct {
		Authorities []peerEntry
	}{[]peerEntry{entry}})
	return b.Bytes(), err
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "genpeer",
		Short: "Print the authority set entry of a directory authority",
		Long: `genpeer prints the [[Authorities]] entry for the authority configured by the
given file, for inclusion in the configuration of every authority.  Run
dirauth --generate-only first to create the identity key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile, true)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
			}
			b, err := peerBlock(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(b)
			return err
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "authority.toml",
		"path to the authority configuration file (TOML format)")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
