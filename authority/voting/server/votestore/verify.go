// verify.go - Vote verification.
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

package votestore

import (
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/cert"
)

// Reason classifies a rejected vote.
type Reason string

// Rejection reasons.
const (
	ReasonMalformed        Reason = "malformed"
	ReasonUnknownAuthority Reason = "unknown-authority"
	ReasonBadCertificate   Reason = "bad-certificate"
	ReasonBadSignature     Reason = "bad-signature"
	ReasonWrongPeriod      Reason = "wrong-period"
	ReasonOutsideWindow    Reason = "outside-window"
	ReasonLate             Reason = "late"
	ReasonNotNewer         Reason = "not-newer"
)

// Rejection is the reason a vote was not accepted.
type Rejection struct {
	Reason Reason
	Msg    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("votestore: %v: %v", r.Reason, r.Msg)
}

// Is matches any *Rejection with the same Reason.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

func reject(reason Reason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Registry resolves authority identity keys.
type Registry interface {
	IdentityKey(id document.Fingerprint) (sign.PublicKey, bool)
}

// Verified is a vote whose certificate chain and signature checked out.
type Verified struct {
	Vote       *document.Document
	Voter      document.Fingerprint
	SigningKey sign.PublicKey
	Digest     document.Digest
}

// Verify checks that vote is signed by a signing key certified by a known
// authority at now.  It reads nothing but its arguments and may run on any
// goroutine.
func Verify(reg Registry, vote *document.Document, now time.Time) (*Verified, error) {
	if vote.Type != document.TypeVote || len(vote.Authorities) != 1 {
		return nil, reject(ReasonMalformed, "not a vote")
	}
	voter := vote.Voter()
	idKey, ok := reg.IdentityKey(voter)
	if !ok {
		return nil, reject(ReasonUnknownAuthority, "%v", voter)
	}
	signingKey, err := CertifiedKey(idKey, vote.KeyCertificate, now)
	if err != nil {
		return nil, reject(ReasonBadCertificate, "%v: %v", voter, err)
	}
	if err := vote.VerifySignature(voter, signingKey); err != nil {
		return nil, reject(ReasonBadSignature, "%v: %v", voter, err)
	}
	digest, err := vote.Digest()
	if err != nil {
		return nil, reject(ReasonMalformed, "%v: %v", voter, err)
	}
	return &Verified{
		Vote:       vote,
		Voter:      voter,
		SigningKey: signingKey,
		Digest:     digest,
	}, nil
}

// CertifiedKey returns the signing key certified by idKey in rawCert.
func CertifiedKey(idKey sign.PublicKey, rawCert []byte, now time.Time) (sign.PublicKey, error) {
	blob, err := cert.Verify(idKey, rawCert, now)
	if err != nil {
		return nil, err
	}
	c, err := cert.Parse(rawCert)
	if err != nil {
		return nil, err
	}
	scheme := signSchemes.ByName(c.KeyType)
	if scheme == nil {
		return nil, fmt.Errorf("unknown key type '%v'", c.KeyType)
	}
	return scheme.UnmarshalBinaryPublicKey(blob)
}
