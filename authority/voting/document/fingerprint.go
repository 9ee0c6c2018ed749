// fingerprint.go - Identity fingerprints and document digests.
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

package document

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
)

const (
	// FingerprintSize is the size of an identity fingerprint in bytes.
	FingerprintSize = 20

	// DigestSize is the size of a document digest in bytes.
	DigestSize = 32
)

// Fingerprint identifies an authority or a relay by its identity key.
type Fingerprint [FingerprintSize]byte

// IdentityFingerprint returns the fingerprint of an identity public key.
func IdentityFingerprint(pub sign.PublicKey) Fingerprint {
	var f Fingerprint
	h := hash.Sum256From(pub)
	copy(f[:], h[:FingerprintSize])
	return f
}

// ParseFingerprint parses 40 hex characters, optionally prefixed with "$".
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	s = strings.TrimPrefix(s, "$")
	if len(s) != 2*FingerprintSize {
		return f, fmt.Errorf("document: fingerprint '%v' has length %d", s, len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("document: fingerprint '%v': %v", s, err)
	}
	return f, nil
}

func (f Fingerprint) String() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

// Compare orders fingerprints bytewise.
func (f Fingerprint) Compare(o Fingerprint) int {
	return bytes.Compare(f[:], o[:])
}

// IsZero returns true for the all zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Digest is a 256 bit document digest.
type Digest [DigestSize]byte

// ParseDigest parses 64 hex characters.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != 2*DigestSize {
		return d, fmt.Errorf("document: digest '%v' has length %d", s, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("document: digest '%v': %v", s, err)
	}
	return d, nil
}

func (d Digest) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

// KeyDigest returns the digest identifying a signing public key.
func KeyDigest(pub sign.PublicKey) Digest {
	return Digest(hash.Sum256From(pub))
}
