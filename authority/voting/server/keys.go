// keys.go - Authority identity and signing keys.
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

package server

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/core/cert"
	"github.com/dirvote/dirauth/core/utils"
)

const (
	signingPrivateKeyFile = "signing.private.pem"
	signingPublicKeyFile  = "signing.public.pem"
	signingCertFile       = "signing.cert"

	// SigningKeyLifetime is the validity of a freshly certified signing
	// key.
	SigningKeyLifetime = 90 * 24 * time.Hour

	// SigningKeyRenewal is how long before expiry the signing key is
	// replaced.
	SigningKeyRenewal = 7 * 24 * time.Hour
)

// loadOrGenerateKeyPair loads the key pair in privFile and pubFile, or
// generates and saves one if neither exists.
func loadOrGenerateKeyPair(scheme sign.Scheme, privFile, pubFile string) (sign.PublicKey, sign.PrivateKey, bool, error) {
	switch {
	case utils.BothExists(privFile, pubFile):
		priv, err := signpem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return nil, nil, false, err
		}
		pub, err := signpem.FromPublicPEMFile(pubFile, scheme)
		if err != nil {
			return nil, nil, false, err
		}
		return pub, priv, false, nil
	case utils.BothNotExists(privFile, pubFile):
		pub, priv, err := scheme.GenerateKey()
		if err != nil {
			return nil, nil, false, err
		}
		if err = signpem.PrivateKeyToFile(privFile, priv); err != nil {
			return nil, nil, false, err
		}
		if err = signpem.PublicKeyToFile(pubFile, pub); err != nil {
			return nil, nil, false, err
		}
		return pub, priv, true, nil
	default:
		return nil, nil, false, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}
}

// keyring holds the long term identity key and the medium term signing
// key certified by it.
type keyring struct {
	log     *logging.Logger
	scheme  sign.Scheme
	dataDir string

	identityPublicKey  sign.PublicKey
	identityPrivateKey sign.PrivateKey

	signer      *document.Signer
	cert        []byte
	certExpires time.Time
}

func newKeyring(log *logging.Logger, scheme sign.Scheme, dataDir string) (*keyring, error) {
	k := &keyring{
		log:     log,
		scheme:  scheme,
		dataDir: dataDir,
	}
	var (
		generated bool
		err       error
	)
	k.identityPublicKey, k.identityPrivateKey, generated, err = loadOrGenerateKeyPair(scheme,
		filepath.Join(dataDir, config.IdentityPrivateKeyFile),
		filepath.Join(dataDir, config.IdentityPublicKeyFile))
	if err != nil {
		return nil, err
	}
	if generated {
		log.Noticef("Generated a new identity key")
	}
	return k, nil
}

// Identity returns our identity fingerprint.
func (k *keyring) Identity() document.Fingerprint {
	return document.IdentityFingerprint(k.identityPublicKey)
}

// loadSigningKey loads the signing key and its certificate, replacing
// them when missing, invalid or about to expire.
func (k *keyring) loadSigningKey(now time.Time) error {
	privFile := filepath.Join(k.dataDir, signingPrivateKeyFile)
	pubFile := filepath.Join(k.dataDir, signingPublicKeyFile)
	certFile := filepath.Join(k.dataDir, signingCertFile)

	if utils.BothExists(privFile, pubFile) && utils.Exists(certFile) {
		pub, priv, _, err := loadOrGenerateKeyPair(k.scheme, privFile, pubFile)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(certFile)
		if err != nil {
			return err
		}
		err = k.install(pub, priv, raw, now)
		if err == nil && !k.needsRotation(now) {
			return nil
		}
		if err != nil {
			k.log.Warningf("Discarding signing key: %v", err)
		}
	}
	return k.rotate(now)
}

func (k *keyring) install(pub sign.PublicKey, priv sign.PrivateKey, raw []byte, now time.Time) error {
	certified, err := cert.Verify(k.identityPublicKey, raw, now)
	if err != nil {
		return err
	}
	blob, err := pub.MarshalBinary()
	if err != nil {
		return err
	}
	if !bytes.Equal(certified, blob) {
		return fmt.Errorf("certificate does not certify %v", signingPublicKeyFile)
	}
	c, err := cert.Parse(raw)
	if err != nil {
		return err
	}
	k.signer = &document.Signer{
		Identity: k.Identity(),
		Key:      priv,
		Public:   pub,
	}
	k.cert = raw
	k.certExpires = c.ExpiresAt()
	return nil
}

// needsRotation returns true if the signing certificate expires within
// SigningKeyRenewal of now.
func (k *keyring) needsRotation(now time.Time) bool {
	return k.signer == nil || !now.Add(SigningKeyRenewal).Before(k.certExpires)
}

// rotate generates and certifies a new signing key.
func (k *keyring) rotate(now time.Time) error {
	pub, priv, err := k.scheme.GenerateKey()
	if err != nil {
		return err
	}
	expires := now.Add(SigningKeyLifetime)
	raw, err := cert.Sign(k.identityPrivateKey, k.identityPublicKey, pub, expires)
	if err != nil {
		return err
	}

	privFile := filepath.Join(k.dataDir, signingPrivateKeyFile)
	pubFile := filepath.Join(k.dataDir, signingPublicKeyFile)
	for _, f := range []string{privFile, pubFile} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err = signpem.PrivateKeyToFile(privFile, priv); err != nil {
		return err
	}
	if err = signpem.PublicKeyToFile(pubFile, pub); err != nil {
		return err
	}
	if err = utils.WriteFileAtomic(filepath.Join(k.dataDir, signingCertFile), raw, 0600); err != nil {
		return err
	}
	if err = k.install(pub, priv, raw, now); err != nil {
		panic("BUG: server: freshly certified signing key does not verify: " + err.Error())
	}
	k.log.Noticef("Certified a new signing key %v, valid until %v", document.KeyDigest(pub), k.certExpires)
	return nil
}
