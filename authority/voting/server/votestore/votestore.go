// votestore.go - Vote store.
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

// Package votestore holds the votes of this and the peer authorities,
// one per authority and period.
package votestore

import (
	"sort"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/schedule"
)

// Outcome is the result of offering a vote to the store.
type Outcome int

const (
	// Rejected votes are never visible.
	Rejected Outcome = iota
	// Accepted is the first vote of an authority for the period.
	Accepted
	// Replaced supersedes an earlier vote with an older publication time.
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Replaced:
		return "replaced"
	default:
		return "rejected"
	}
}

type period struct {
	instant schedule.Instant
	closed  bool
	votes   map[document.Fingerprint]*Verified
}

// Store holds the votes of the current period and of the periods whose
// votes are still needed.  It is not safe for concurrent use.
type Store struct {
	log *logging.Logger

	reg       Registry
	tolerance time.Duration

	current schedule.Instant
	periods map[int64]*period
}

// New returns an empty Store.  Votes received up to tolerance outside the
// voting window are accepted.
func New(log *logging.Logger, reg Registry, tolerance time.Duration) *Store {
	return &Store{
		log:       log,
		reg:       reg,
		tolerance: tolerance,
		periods:   make(map[int64]*period),
	}
}

// SetRegistry replaces the authority set.
func (s *Store) SetRegistry(reg Registry) {
	s.reg = reg
}

// SetTolerance replaces the voting window tolerance.
func (s *Store) SetTolerance(tolerance time.Duration) {
	s.tolerance = tolerance
}

// SetPeriod makes in the period votes are collected for.
func (s *Store) SetPeriod(in schedule.Instant) {
	s.current = in
	if _, ok := s.periods[in.ValidAfter.Unix()]; !ok {
		s.periods[in.ValidAfter.Unix()] = &period{
			instant: in,
			votes:   make(map[document.Fingerprint]*Verified),
		}
	}
}

// Current returns the period votes are collected for.
func (s *Store) Current() schedule.Instant {
	return s.current
}

// Close stops accepting votes for the period starting at validAfter.
func (s *Store) Close(validAfter time.Time) {
	if p, ok := s.periods[validAfter.Unix()]; ok {
		p.closed = true
	}
}

// Accept verifies vote and offers it to the store.
func (s *Store) Accept(vote *document.Document, receivedAt time.Time) (Outcome, error) {
	v, err := Verify(s.reg, vote, receivedAt)
	if err != nil {
		s.log.Warningf("Rejected vote: %v", err)
		return Rejected, err
	}
	return s.Insert(v, receivedAt)
}

// Insert offers a verified vote to the store.
func (s *Store) Insert(v *Verified, receivedAt time.Time) (Outcome, error) {
	o, err := s.insert(v, receivedAt)
	if err != nil {
		s.log.Warningf("Rejected vote: %v", err)
	} else {
		s.log.Noticef("Vote from %v for %v %v", v.Voter, v.Vote.ValidAfter, o)
	}
	return o, err
}

func (s *Store) insert(v *Verified, receivedAt time.Time) (Outcome, error) {
	va := v.Vote.ValidAfter
	if s.current.ValidAfter.IsZero() || !va.Equal(s.current.ValidAfter) {
		return Rejected, reject(ReasonWrongPeriod, "%v: valid-after %v, expected %v", v.Voter, va, s.current.ValidAfter)
	}
	p := s.periods[va.Unix()]
	if p.closed {
		return Rejected, reject(ReasonLate, "%v: vote collection for %v is closed", v.Voter, va)
	}
	lo := s.current.VotingStarts.Add(-s.tolerance)
	hi := s.current.ValidAfter.Add(s.tolerance)
	if receivedAt.Before(lo) || receivedAt.After(hi) {
		return Rejected, reject(ReasonOutsideWindow, "%v: received at %v, window [%v, %v]", v.Voter, receivedAt, lo, hi)
	}
	old, ok := p.votes[v.Voter]
	if !ok {
		p.votes[v.Voter] = v
		return Accepted, nil
	}
	if !v.Vote.Published.After(old.Vote.Published) {
		return Rejected, reject(ReasonNotNewer, "%v: published %v, have %v", v.Voter, v.Vote.Published, old.Vote.Published)
	}
	p.votes[v.Voter] = v
	return Replaced, nil
}

// ForPeriod returns the votes for the period starting at validAfter,
// ordered by authority identity.
func (s *Store) ForPeriod(validAfter time.Time) []*document.Document {
	p, ok := s.periods[validAfter.Unix()]
	if !ok {
		return nil
	}
	ids := make([]document.Fingerprint, 0, len(p.votes))
	for id := range p.votes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	votes := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		votes = append(votes, p.votes[id].Vote)
	}
	return votes
}

// SigningKey returns the signing key id voted with in the period starting
// at validAfter.
func (s *Store) SigningKey(validAfter time.Time, id document.Fingerprint) (sign.PublicKey, bool) {
	p, ok := s.periods[validAfter.Unix()]
	if !ok {
		return nil, false
	}
	v, ok := p.votes[id]
	if !ok {
		return nil, false
	}
	return v.SigningKey, true
}

// Count returns the number of votes for the period starting at validAfter.
func (s *Store) Count(validAfter time.Time) int {
	if p, ok := s.periods[validAfter.Unix()]; ok {
		return len(p.votes)
	}
	return 0
}

// DropExpired removes the periods whose valid-until time has passed and
// returns how many were removed.
func (s *Store) DropExpired(now time.Time) int {
	n := 0
	for k, p := range s.periods {
		if !now.Before(p.instant.ValidUntil) {
			delete(s.periods, k)
			n++
		}
	}
	return n
}
