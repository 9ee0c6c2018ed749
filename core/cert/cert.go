// cert.go - Signing-key certificates.
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

// Package cert provides the certificates binding an authority's medium-term
// signing key to its long-term identity key.
package cert

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
)

const (
	// CertVersion is the certificate format version.
	CertVersion = 1
)

var (
	// ErrImpossibleDecode is returned when a certificate can not be decoded.
	ErrImpossibleDecode = errors.New("cert: impossible to decode")

	// ErrBadSignature indicates that the signature does not sign the certificate.
	ErrBadSignature = errors.New("cert: signature does not sign certificate")

	// ErrInvalidCertified indicates that the certified field is empty.
	ErrInvalidCertified = errors.New("cert: invalid certified field of certificate")

	// ErrInvalidKeyType indicates that the certified key type is missing.
	ErrInvalidKeyType = errors.New("cert: invalid certificate key type")

	// ErrVersionMismatch indicates that the certificate is the wrong format version.
	ErrVersionMismatch = errors.New("cert: certificate version mismatch")

	// ErrCertificateExpired indicates that the certificate has expired.
	ErrCertificateExpired = errors.New("cert: certificate expired")

	// ErrIdentitySignatureNotFound indicates that the certificate carries no
	// signature by the given identity.
	ErrIdentitySignatureNotFound = errors.New("cert: no signature from the given identity")

	ccbor cbor.EncMode
)

// Signature is a signature with the hash of its signer's public key.
type Signature struct {
	// PublicKeySum256 is the 256 bit hash of the signer's public key.
	PublicKeySum256 [32]byte

	// Payload is the signature value.
	Payload []byte
}

// Certificate certifies a public key (Certified) of type KeyType until
// Expiration, expressed in seconds since the Unix epoch.
type Certificate struct {
	Version    uint32
	Expiration uint64
	KeyType    string
	Certified  []byte
	Signatures map[[32]byte]Signature
}

// Marshal serializes the certificate with canonical CBOR.
func (c *Certificate) Marshal() ([]byte, error) {
	return ccbor.Marshal(c)
}

// Expired returns true if the certificate is not valid at now.
func (c *Certificate) Expired(now time.Time) bool {
	return uint64(now.Unix()) >= c.Expiration
}

// ExpiresAt returns the expiration as a time.Time.
func (c *Certificate) ExpiresAt() time.Time {
	return time.Unix(int64(c.Expiration), 0).UTC()
}

func (c *Certificate) message() []byte {
	m := new(bytes.Buffer)
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], c.Version)
	binary.BigEndian.PutUint64(b[4:12], c.Expiration)
	m.Write(b[:])
	m.WriteString(c.KeyType)
	m.WriteByte(0)
	m.Write(c.Certified)
	return m.Bytes()
}

func (c *Certificate) sanityCheck() error {
	if c.Version != CertVersion {
		return ErrVersionMismatch
	}
	if len(c.KeyType) == 0 {
		return ErrInvalidKeyType
	}
	if len(c.Certified) == 0 {
		return ErrInvalidCertified
	}
	if c.Signatures == nil {
		c.Signatures = make(map[[32]byte]Signature)
	}
	return nil
}

// Parse decodes a certificate without checking any signature.
func Parse(rawCert []byte) (*Certificate, error) {
	c := new(Certificate)
	if err := cbor.Unmarshal(rawCert, c); err != nil {
		return nil, ErrImpossibleDecode
	}
	if err := c.sanityCheck(); err != nil {
		return nil, err
	}
	return c, nil
}

// Sign has the identity key signer certify the public key certified, valid
// until expiration.
func Sign(signer sign.PrivateKey, verifier sign.PublicKey, certified sign.PublicKey, expiration time.Time) ([]byte, error) {
	blob, err := certified.MarshalBinary()
	if err != nil {
		return nil, err
	}
	c := &Certificate{
		Version:    CertVersion,
		Expiration: uint64(expiration.Unix()),
		KeyType:    certified.Scheme().Name(),
		Certified:  blob,
	}
	if err := c.sanityCheck(); err != nil {
		return nil, err
	}
	id := hash.Sum256From(verifier)
	c.Signatures[id] = Signature{
		PublicKeySum256: id,
		Payload:         signer.Scheme().Sign(signer, c.message(), nil),
	}
	return c.Marshal()
}

// Verify checks the signature made by verifier over the certificate and
// its validity at now.  It returns the certified data.
func Verify(verifier sign.PublicKey, rawCert []byte, now time.Time) ([]byte, error) {
	c, err := Parse(rawCert)
	if err != nil {
		return nil, err
	}
	if c.Expired(now) {
		return nil, ErrCertificateExpired
	}
	id := hash.Sum256From(verifier)
	for _, sig := range c.Signatures {
		if !hmac.Equal(id[:], sig.PublicKeySum256[:]) {
			continue
		}
		if verifier.Scheme().Verify(verifier, c.message(), sig.Payload, nil) {
			return c.Certified, nil
		}
		return nil, ErrBadSignature
	}
	return nil, ErrIdentitySignatureNotFound
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
