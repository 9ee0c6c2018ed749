// srv.go - Shared random value commit and reveal.
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

// Package srv implements the commit and reveal protocol the authorities
// use to agree on a shared random value.
package srv

import (
	"crypto/hmac"
	"encoding/binary"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/katzenpost/hpqc/rand"

	"github.com/dirvote/dirauth/authority/voting/document"
)

// SharedRandomLength is the length of a commit and of a reveal.
const SharedRandomLength = 40

var (
	srvLabel      = []byte("shared-random")
	disasterLabel = []byte("shared-random-disaster")
)

// SharedRandom is a container for commit-and-reveal protocol messages.
type SharedRandom struct {
	period uint64
	commit []byte
	reveal []byte
}

// Commit produces a commit value for the period starting at the given
// unix time.
func (s *SharedRandom) Commit(period uint64) ([]byte, error) {
	// COMMIT = Uint64(period) || H(REVEAL)
	// REVEAL = Uint64(period) || H(RN)
	rn := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, rn); err != nil {
		return nil, err
	}
	s.period = period
	s.commit = make([]byte, SharedRandomLength)
	s.reveal = make([]byte, SharedRandomLength)
	binary.BigEndian.PutUint64(s.reveal, period)
	binary.BigEndian.PutUint64(s.commit, period)
	reveal := blake2b.Sum256(rn)
	copy(s.reveal[8:], reveal[:])
	commit := blake2b.Sum256(s.reveal)
	copy(s.commit[8:], commit[:])
	return s.commit, nil
}

// GetPeriod returns the period the commit was made for.
func (s *SharedRandom) GetPeriod() uint64 {
	return s.period
}

// Reveal returns the reveal value.
func (s *SharedRandom) Reveal() []byte {
	return s.reveal
}

// Verify checks a reveal against a commit.
func Verify(commit, reveal []byte) bool {
	if len(reveal) != SharedRandomLength || len(commit) != SharedRandomLength {
		return false
	}
	if binary.BigEndian.Uint64(reveal[0:8]) != binary.BigEndian.Uint64(commit[0:8]) {
		return false
	}
	allegedCommit := blake2b.Sum256(reveal)
	return hmac.Equal(commit[8:], allegedCommit[:])
}

// Reveal is an authority's verified reveal.
type Reveal struct {
	Identity document.Fingerprint
	Value    []byte
}

func majority(n int) int {
	return n/2 + 1
}

// ValidReveals returns the reveals in votes that a majority of the votes
// echo a matching commit for, sorted by identity.  Reveals for commits
// made at or after validAfter are ignored.
func ValidReveals(validAfter time.Time, votes []*document.Document) []Reveal {
	var reveals []Reveal
	for _, v := range votes {
		if len(v.SRVReveal) != SharedRandomLength {
			continue
		}
		if binary.BigEndian.Uint64(v.SRVReveal[0:8]) >= uint64(validAfter.Unix()) {
			continue
		}
		voter := v.Voter()
		echoes := 0
		for _, w := range votes {
			for _, c := range w.SRVCommits {
				if c.Identity == voter && Verify(c.Commit, v.SRVReveal) {
					echoes++
					break
				}
			}
		}
		if echoes >= majority(len(votes)) {
			reveals = append(reveals, Reveal{Identity: voter, Value: v.SRVReveal})
		}
	}
	sort.Slice(reveals, func(i, j int) bool {
		return reveals[i].Identity.Compare(reveals[j].Identity) < 0
	})
	return reveals
}

// Previous returns the current value a majority of votes agree on, if any.
func Previous(votes []*document.Document) *document.SharedRandomValue {
	type key struct {
		n int
		v [document.DigestSize]byte
	}
	counts := make(map[key]int)
	for _, v := range votes {
		if v.SRVCurrent != nil {
			counts[key{v.SRVCurrent.NumReveals, v.SRVCurrent.Value}]++
		}
	}
	for k, c := range counts {
		if c >= majority(len(votes)) {
			return &document.SharedRandomValue{NumReveals: k.n, Value: k.v}
		}
	}
	return nil
}

// Compute derives the shared random value for the period starting at
// validAfter, and returns it with the previous value it chains from.
// Without a majority of valid reveals the value is a deterministic
// placeholder.
func Compute(validAfter time.Time, votes []*document.Document) (prev, cur *document.SharedRandomValue) {
	prev = Previous(votes)
	var prevValue [document.DigestSize]byte
	if prev != nil {
		prevValue = prev.Value
	}
	va := make([]byte, 8)
	binary.BigEndian.PutUint64(va, uint64(validAfter.Unix()))

	reveals := ValidReveals(validAfter, votes)
	h := sha3.New256()
	cur = new(document.SharedRandomValue)
	if len(reveals) >= majority(len(votes)) {
		n := make([]byte, 8)
		binary.BigEndian.PutUint64(n, uint64(len(reveals)))
		h.Write(srvLabel)
		h.Write(va)
		h.Write(n)
		for _, r := range reveals {
			h.Write(r.Identity[:])
			h.Write(r.Value)
		}
		cur.NumReveals = len(reveals)
	} else {
		h.Write(disasterLabel)
		h.Write(va)
	}
	h.Write(prevValue[:])
	copy(cur.Value[:], h.Sum(nil))
	return prev, cur
}
