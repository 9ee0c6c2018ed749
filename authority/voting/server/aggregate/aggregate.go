// aggregate.go - Consensus signature aggregation.
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

// Package aggregate collects the detached signatures of the authorities
// over this period's consensus documents.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/consensus"
	"github.com/dirvote/dirauth/authority/voting/document"
)

var (
	// ErrWrongPeriod is returned for signatures of another period.
	ErrWrongPeriod = errors.New("aggregate: signature for another period")

	// ErrDigestMismatch is returned for signatures over a different
	// consensus than ours.
	ErrDigestMismatch = errors.New("aggregate: signature over a different digest")

	// ErrUnknownSigner is returned when the signer's signing key is not
	// known for the period.
	ErrUnknownSigner = errors.New("aggregate: unknown signer")

	// ErrUnknownFlavor is returned for an unsupported flavor.
	ErrUnknownFlavor = errors.New("aggregate: unknown flavor")

	// ErrDuplicate is returned for a signature already held.
	ErrDuplicate = errors.New("aggregate: duplicate signature")
)

// KeySource resolves the signing key an authority used in a period.
type KeySource interface {
	SigningKey(validAfter time.Time, id document.Fingerprint) (sign.PublicKey, bool)
}

type flavorState struct {
	doc    *document.Document
	digest document.Digest
	sigs   map[document.Fingerprint]document.Signature
}

// Aggregator holds the signatures over the current period's consensus
// documents.  It is not safe for concurrent use.
type Aggregator struct {
	log  *logging.Logger
	keys KeySource

	numAuthorities int
	validAfter     time.Time
	flavors        map[document.Flavor]*flavorState
	early          []*document.DetachedSignature
}

// New returns an Aggregator for a deployment of numAuthorities.
func New(log *logging.Logger, keys KeySource, numAuthorities int) *Aggregator {
	return &Aggregator{
		log:            log,
		keys:           keys,
		numAuthorities: numAuthorities,
		flavors:        make(map[document.Flavor]*flavorState),
	}
}

// Reset discards every signature and starts collecting for the period
// starting at validAfter.
func (a *Aggregator) Reset(validAfter time.Time, numAuthorities int) {
	a.validAfter = validAfter
	a.numAuthorities = numAuthorities
	clear(a.flavors)
	a.early = nil
}

// SubmitLocal records our consensus of its flavor, signs it, and returns
// the detached signature to send to the peers.  Signatures received before
// the consensus existed are checked against it now.
func (a *Aggregator) SubmitLocal(doc *document.Document, signer *document.Signer) (*document.DetachedSignature, error) {
	if !doc.ValidAfter.Equal(a.validAfter) {
		return nil, fmt.Errorf("%w: %v", ErrWrongPeriod, doc.ValidAfter)
	}
	digest, err := doc.Digest()
	if err != nil {
		return nil, err
	}
	sig := signer.SignDigest(digest)
	st := &flavorState{
		doc:    doc,
		digest: digest,
		sigs:   map[document.Fingerprint]document.Signature{signer.Identity: sig},
	}
	a.flavors[doc.Flavor] = st

	early := a.early
	a.early = nil
	for _, ds := range early {
		if ds.Flavor != doc.Flavor {
			a.early = append(a.early, ds)
			continue
		}
		if _, err := a.AcceptRemote(ds); err != nil {
			a.log.Warningf("Dropping early signature from %v: %v", ds.Identity, err)
		}
	}
	return document.NewDetachedSignature(a.validAfter, doc.Flavor, digest, sig), nil
}

// AcceptRemote verifies and records a peer's detached signature.  A
// signature that arrives before our consensus of its flavor exists is held
// and checked once it does; pending is then true.
func (a *Aggregator) AcceptRemote(ds *document.DetachedSignature) (pending bool, err error) {
	if ds.ValidAfter != a.validAfter.Unix() {
		return false, fmt.Errorf("%w: %v", ErrWrongPeriod, time.Unix(ds.ValidAfter, 0).UTC())
	}
	switch ds.Flavor {
	case document.FlavorNS, document.FlavorMicrodesc:
	default:
		return false, fmt.Errorf("%w: %v", ErrUnknownFlavor, ds.Flavor)
	}
	st, ok := a.flavors[ds.Flavor]
	if !ok {
		a.early = append(a.early, ds)
		return true, nil
	}
	if ds.Digest != st.digest {
		a.log.Errorf("Authority %v signed a %v consensus with digest %v, ours is %v",
			ds.Identity, ds.Flavor, ds.Digest, st.digest)
		return false, fmt.Errorf("%w: %v", ErrDigestMismatch, ds.Identity)
	}
	if _, ok := st.sigs[ds.Identity]; ok {
		return false, fmt.Errorf("%w: %v", ErrDuplicate, ds.Identity)
	}
	key, ok := a.keys.SigningKey(a.validAfter, ds.Identity)
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrUnknownSigner, ds.Identity)
	}
	sig := ds.Signature()
	if err := document.VerifyDigestSignature(key, st.digest, &sig); err != nil {
		return false, fmt.Errorf("%v: %w", ds.Identity, err)
	}
	st.sigs[ds.Identity] = sig
	a.log.Debugf("Signature from %v on the %v consensus, %d total", ds.Identity, ds.Flavor, len(st.sigs))
	return false, nil
}

// Count returns the number of signatures on the consensus of flavor f.
func (a *Aggregator) Count(f document.Flavor) int {
	if st, ok := a.flavors[f]; ok {
		return len(st.sigs)
	}
	return 0
}

// Finalise returns the consensus of flavor f carrying every signature
// collected so far, once a majority of the authorities signed it.
func (a *Aggregator) Finalise(f document.Flavor) (*document.Document, bool) {
	st, ok := a.flavors[f]
	if !ok || len(st.sigs) < consensus.Majority(a.numAuthorities) {
		return nil, false
	}
	doc := *st.doc
	doc.Signatures = make([]document.Signature, 0, len(st.sigs))
	for _, sig := range st.sigs {
		doc.Signatures = append(doc.Signatures, sig)
	}
	sort.Slice(doc.Signatures, func(i, j int) bool {
		return doc.Signatures[i].Identity.Compare(doc.Signatures[j].Identity) < 0
	})
	return &doc, true
}
