// sign.go - Document digests and signatures.
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
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("document: signature does not verify")

	// ErrNoSignature is returned when the expected signer did not sign.
	ErrNoSignature = errors.New("document: no signature from authority")

	// ErrUnknownMethod is returned for a consensus method outside the
	// supported range.
	ErrUnknownMethod = errors.New("document: unsupported consensus method")

	ccbor cbor.EncMode
)

// DigestFor hashes a signable body under consensus method m.  Votes use
// MaxMethod.
func DigestFor(m int, body []byte) (Digest, error) {
	switch {
	case m >= MinMethod && m <= MaxMethod:
		return Digest(sha3.Sum256(body)), nil
	default:
		return Digest{}, fmt.Errorf("%w: %d", ErrUnknownMethod, m)
	}
}

func (d *Document) method() int {
	if d.Type == TypeVote {
		return MaxMethod
	}
	return d.ConsensusMethod
}

// Digest returns the digest of the document's signable body.
func (d *Document) Digest() (Digest, error) {
	return DigestFor(d.method(), d.SignableBody())
}

// Signer is the capability to sign with an authority's signing key.
type Signer struct {
	Identity Fingerprint
	Key      sign.PrivateKey
	Public   sign.PublicKey
}

// SignDigest signs a document digest.
func (s *Signer) SignDigest(digest Digest) Signature {
	return Signature{
		Identity:         s.Identity,
		SigningKeyDigest: KeyDigest(s.Public),
		Value:            s.Key.Scheme().Sign(s.Key, digest[:], nil),
	}
}

// Sign appends the signer's signature, replacing an earlier one.
func (d *Document) Sign(s *Signer) (Digest, error) {
	digest, err := d.Digest()
	if err != nil {
		return Digest{}, err
	}
	sig := s.SignDigest(digest)
	d.AddSignature(sig)
	return digest, nil
}

// AddSignature adds sig, replacing an earlier signature by the same authority.
func (d *Document) AddSignature(sig Signature) {
	for i := range d.Signatures {
		if d.Signatures[i].Identity == sig.Identity {
			d.Signatures[i] = sig
			return
		}
	}
	d.Signatures = append(d.Signatures, sig)
}

// VerifyDigestSignature checks sig over digest with the signing key pub.
func VerifyDigestSignature(pub sign.PublicKey, digest Digest, sig *Signature) error {
	if KeyDigest(pub) != sig.SigningKeyDigest {
		return fmt.Errorf("%w: signing key digest mismatch", ErrBadSignature)
	}
	if !pub.Scheme().Verify(pub, digest[:], sig.Value, nil) {
		return ErrBadSignature
	}
	return nil
}

// VerifySignature checks the signature by the authority id with its
// signing key pub.
func (d *Document) VerifySignature(id Fingerprint, pub sign.PublicKey) error {
	sig, ok := d.SignatureBy(id)
	if !ok {
		return ErrNoSignature
	}
	digest, err := d.Digest()
	if err != nil {
		return err
	}
	return VerifyDigestSignature(pub, digest, sig)
}

// DetachedSignature is a signature over a consensus digest, sent apart
// from the document.
type DetachedSignature struct {
	ValidAfter       int64
	Flavor           Flavor
	Digest           Digest
	Identity         Fingerprint
	SigningKeyDigest Digest
	Value            []byte
}

// NewDetachedSignature wraps sig for the consensus of flavor f valid after va.
func NewDetachedSignature(va time.Time, f Flavor, digest Digest, sig Signature) *DetachedSignature {
	return &DetachedSignature{
		ValidAfter:       va.Unix(),
		Flavor:           f,
		Digest:           digest,
		Identity:         sig.Identity,
		SigningKeyDigest: sig.SigningKeyDigest,
		Value:            sig.Value,
	}
}

// Signature returns the document signature carried by ds.
func (ds *DetachedSignature) Signature() Signature {
	return Signature{
		Identity:         ds.Identity,
		SigningKeyDigest: ds.SigningKeyDigest,
		Value:            ds.Value,
	}
}

// Marshal serializes a DetachedSignature.
func (ds *DetachedSignature) Marshal() ([]byte, error) {
	return ccbor.Marshal(ds)
}

// Unmarshal deserializes a DetachedSignature.
func (ds *DetachedSignature) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, ds)
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
