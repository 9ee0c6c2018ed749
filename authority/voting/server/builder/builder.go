// builder.go - Vote assembly.
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

// Package builder assembles and signs this authority's vote.
package builder

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/schedule"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/authority/voting/server/rephist"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
	"github.com/dirvote/dirauth/authority/voting/srv"
)

var (
	// ErrNoRouters is returned when there is nothing to vote on.
	ErrNoRouters = errors.New("builder: no relays to vote on")

	// ErrAlreadyBuilt is returned when a vote for the period exists.
	ErrAlreadyBuilt = errors.New("builder: vote already built for period")
)

// Reachability is the reachability state the builder reads.
type Reachability interface {
	Decided(now time.Time) bool
	Running(id document.Fingerprint, now time.Time) bool
}

// History is the relay history the builder reads.
type History interface {
	Thresholds(ids []document.Fingerprint, now time.Time) rephist.Thresholds
	Stable(id document.Fingerprint, th rephist.Thresholds, now time.Time) bool
	Familiar(id document.Fingerprint, th rephist.Thresholds, now time.Time) bool
}

// Measurements are the cached bandwidth file and guard fraction values.
type Measurements interface {
	MeasuredBandwidth(id document.Fingerprint) (uint64, bool)
	GuardFraction(id document.Fingerprint) (uint32, bool)
}

// Inputs are the per period inputs of a vote.
type Inputs struct {
	Now         time.Time
	Instant     schedule.Instant
	Config      *config.Config
	Descriptors []*routerlist.Descriptor

	// PreviousVotes are the votes of the previous period, whose commits
	// are echoed.
	PreviousVotes []*document.Document

	// Consensus is the current consensus, if any.
	Consensus *document.Document
}

// Builder builds this authority's votes.  It is not safe for concurrent
// use.
type Builder struct {
	log *logging.Logger

	signer  *document.Signer
	keyCert []byte

	reach Reachability
	hist  History
	meas  Measurements

	lastBuilt time.Time
	commit    *srv.SharedRandom
}

// New returns a Builder signing with signer, whose signing key is
// certified by keyCert.
func New(log *logging.Logger, signer *document.Signer, keyCert []byte, reach Reachability, hist History, meas Measurements) *Builder {
	return &Builder{
		log:     log,
		signer:  signer,
		keyCert: keyCert,
		reach:   reach,
		hist:    hist,
		meas:    meas,
	}
}

// SetKeyCertificate replaces the signing key and its certificate.
func (b *Builder) SetKeyCertificate(signer *document.Signer, keyCert []byte) {
	b.signer = signer
	b.keyCert = keyCert
}

// Build assembles and signs the vote of the period in.Instant.
func (b *Builder) Build(in *Inputs) (*document.Document, error) {
	va := in.Instant.ValidAfter
	if !b.lastBuilt.IsZero() && !va.After(b.lastBuilt) {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyBuilt, va)
	}
	cfg := in.Config
	pol := PolicyFromConfig(cfg)

	var cands []*candidate
	for _, d := range in.Descriptors {
		if pol.Actions[d.Identity] == config.ActionReject {
			b.log.Debugf("Omitting rejected relay %v", d.Identity)
			continue
		}
		c := &candidate{desc: d, bandwidth: d.Bandwidth}
		if bw, ok := b.meas.MeasuredBandwidth(d.Identity); ok {
			c.bandwidth, c.measured = bw, true
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, ErrNoRouters
	}

	omit := omitAsSybil(cands, pol.MaxServersPerAddr)
	decided := b.reach.Decided(in.Now)
	var (
		kept   []*candidate
		active []document.Fingerprint
		bws    []uint64
	)
	for _, c := range cands {
		if omit[c.desc.Identity] {
			b.log.Debugf("Omitting %v as sybil on %v", c.desc.Identity, c.desc.Address)
			continue
		}
		kept = append(kept, c)
		if decided && !b.reach.Running(c.desc.Identity, in.Now) {
			continue
		}
		active = append(active, c.desc.Identity)
		bws = append(bws, c.bandwidth)
	}
	th := Thresholds{
		FastBandwidth: Percentile(bws, FastPercentile),
		History:       b.hist.Thresholds(active, in.Now),
	}
	b.log.Debugf("Thresholds: fast %d KB/s, stable MTBF %v, guard time known %v (%d active)",
		th.FastBandwidth, th.History.StableMTBF, th.History.GuardTimeKnown, len(active))

	doc := b.header(in)
	if !decided {
		doc.KnownFlags &^= document.FlagRunning
	}
	for _, c := range kept {
		doc.Relays = append(doc.Relays, b.relayStatus(c, pol, th, in.Now, decided))
	}
	doc.SortRelays()

	if _, err := doc.Sign(b.signer); err != nil {
		return nil, err
	}
	b.lastBuilt = va
	b.log.Noticef("Built vote for %v with %d relays (%d omitted as sybils)", va, len(doc.Relays), len(omit))
	return doc, nil
}

func (b *Builder) relayStatus(c *candidate, pol Policy, th Thresholds, now time.Time, decided bool) *document.RelayStatus {
	d := c.desc
	rs := &document.RelayStatus{
		Nickname:        d.Nickname,
		Identity:        d.Identity,
		Digest:          d.Digest,
		MicrodescDigest: d.MicrodescDigest,
		Published:       d.Published.UTC().Truncate(time.Second),
		Address:         d.Address,
		ORPort:          d.ORPort,
		DirPort:         d.DirPort,
		Flags:           b.flags(c, pol, th, now, decided),
		Version:         d.Version,
		Protocols:       d.Protocols,
		Bandwidth:       d.Bandwidth,
		PolicySummary:   d.Policy,
	}
	if rs.PolicySummary == "" {
		rs.PolicySummary = document.RejectAll.String()
	}
	if c.measured {
		rs.Measured, rs.IsMeasured = c.bandwidth, true
	}
	if frac, ok := b.meas.GuardFraction(d.Identity); ok && rs.Flags.Has(document.FlagGuard) {
		rs.GuardFraction, rs.HasGuardFraction = frac, true
	}
	return rs
}

func (b *Builder) header(in *Inputs) *document.Document {
	cfg := in.Config
	inst := in.Instant
	self := document.Authority{
		Nickname: cfg.Server.Identifier,
		Identity: b.signer.Identity,
		Address:  cfg.Server.Address,
		DirPort:  cfg.Server.DirPort,
		ORPort:   cfg.Server.ORPort,
		Contact:  cfg.Authority.ContactInfo,
	}
	doc := &document.Document{
		Type:             document.TypeVote,
		Flavor:           document.FlavorNS,
		ConsensusMethods: document.SupportedMethods(),
		Published:        in.Now.UTC().Truncate(time.Second),
		ValidAfter:       inst.ValidAfter,
		FreshUntil:       inst.FreshUntil,
		ValidUntil:       inst.ValidUntil,
		VoteDelay:        inst.VoteDelay,
		DistDelay:        inst.DistDelay,
		KnownFlags:       document.AllFlags,
		Params:           maps.Clone(cfg.Parameters),
		Authorities:      []document.Authority{self},
		KeyCertificate:   b.keyCert,
	}
	if cfg.Authority.VersioningAuthoritativeDir {
		doc.ClientVersions = cfg.Authority.RecommendedClientVersions
		doc.ServerVersions = cfg.Authority.RecommendedServerVersions
	}
	if c := in.Consensus; c != nil {
		doc.SRVPrevious = c.SRVPrevious
		doc.SRVCurrent = c.SRVCurrent
	}
	b.sharedRandom(doc, in)
	return doc
}

// sharedRandom fills in the commit and reveal fields: the reveal of the
// commit made in the last vote, the commits seen in the previous period,
// and a fresh commit.
func (b *Builder) sharedRandom(doc *document.Document, in *Inputs) {
	va := uint64(doc.ValidAfter.Unix())
	if b.commit != nil && b.commit.GetPeriod() < va {
		doc.SRVReveal = b.commit.Reveal()
	}
	for _, v := range in.PreviousVotes {
		if len(v.SRVNextCommit) != srv.SharedRandomLength {
			continue
		}
		doc.SRVCommits = append(doc.SRVCommits, document.SharedRandCommit{
			Identity: v.Voter(),
			Commit:   v.SRVNextCommit,
		})
	}
	sort.Slice(doc.SRVCommits, func(i, j int) bool {
		return doc.SRVCommits[i].Identity.Compare(doc.SRVCommits[j].Identity) < 0
	})

	sr := new(srv.SharedRandom)
	commit, err := sr.Commit(va)
	if err != nil {
		b.log.Errorf("Failed to generate shared random commit: %v", err)
		return
	}
	doc.SRVNextCommit = commit
	b.commit = sr
}
