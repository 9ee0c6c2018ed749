// consensus.go - Consensus computation.
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

// Package consensus merges a period's votes into consensus documents.
// Every authority given the same votes computes byte identical output.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/srv"
)

// ErrInsufficientVotes is returned when fewer than a majority of the
// configured authorities voted.
var ErrInsufficientVotes = errors.New("consensus: insufficient votes")

// Majority returns the smallest strict majority of n.
func Majority(n int) int {
	return n/2 + 1
}

// Computer computes consensus documents.  It holds no state beyond its
// configuration and never modifies the votes it is given.
type Computer struct {
	log            *logging.Logger
	numAuthorities int
}

// New returns a Computer for a deployment of numAuthorities authorities.
func New(log *logging.Logger, numAuthorities int) *Computer {
	return &Computer{
		log:            log,
		numAuthorities: numAuthorities,
	}
}

// ChooseMethod returns the highest consensus method supported by a
// majority of votes, or MinMethod when there is none.
func ChooseMethod(votes []*document.Document) int {
	for m := document.MaxMethod; m > document.MinMethod; m-- {
		n := 0
		for _, v := range votes {
			if v.Supports(m) {
				n++
			}
		}
		if n >= Majority(len(votes)) {
			return m
		}
	}
	return document.MinMethod
}

// prepare checks the vote count and returns the votes ordered by voter.
func (c *Computer) prepare(votes []*document.Document) ([]*document.Document, error) {
	if len(votes) < Majority(c.numAuthorities) {
		return nil, fmt.Errorf("%w: %d of %d authorities voted", ErrInsufficientVotes, len(votes), c.numAuthorities)
	}
	sorted := append([]*document.Document(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Voter().Compare(sorted[j].Voter()) < 0
	})
	for i, v := range sorted {
		if v.Type != document.TypeVote {
			panic("BUG: consensus: input is not a vote")
		}
		if i > 0 && sorted[i-1].Voter() == v.Voter() {
			panic(fmt.Sprintf("BUG: consensus: two votes from %v", v.Voter()))
		}
	}
	return sorted, nil
}

// Compute merges votes into a consensus of flavor f with the method
// chosen by the votes.
func (c *Computer) Compute(votes []*document.Document, f document.Flavor) (*document.Document, error) {
	return c.ComputeWithMethod(votes, f, ChooseMethod(votes))
}

// ComputeAll computes a consensus of every flavor with the same method.
func (c *Computer) ComputeAll(votes []*document.Document) (map[document.Flavor]*document.Document, error) {
	m := ChooseMethod(votes)
	docs := make(map[document.Flavor]*document.Document)
	for _, f := range document.Flavors {
		d, err := c.ComputeWithMethod(votes, f, m)
		if err != nil {
			return nil, err
		}
		docs[f] = d
	}
	return docs, nil
}

// ComputeWithMethod merges votes into a consensus of flavor f under
// consensus method m.
func (c *Computer) ComputeWithMethod(votes []*document.Document, f document.Flavor, m int) (*document.Document, error) {
	if m < document.MinMethod || m > document.MaxMethod {
		return nil, fmt.Errorf("%w: %d", document.ErrUnknownMethod, m)
	}
	votes, err := c.prepare(votes)
	if err != nil {
		return nil, err
	}

	doc := &document.Document{
		Type:            document.TypeConsensus,
		Flavor:          f,
		ConsensusMethod: m,
		ValidAfter:      medianTime(votes, func(v *document.Document) time.Time { return v.ValidAfter }),
		FreshUntil:      medianTime(votes, func(v *document.Document) time.Time { return v.FreshUntil }),
		ValidUntil:      medianTime(votes, func(v *document.Document) time.Time { return v.ValidUntil }),
		VoteDelay:       medianDuration(votes, func(v *document.Document) time.Duration { return v.VoteDelay }),
		DistDelay:       medianDuration(votes, func(v *document.Document) time.Duration { return v.DistDelay }),
		ClientVersions:  mergeVersions(votes, func(v *document.Document) []string { return v.ClientVersions }),
		ServerVersions:  mergeVersions(votes, func(v *document.Document) []string { return v.ServerVersions }),
		Params:          mergeParams(votes),
	}
	for _, v := range votes {
		doc.KnownFlags |= v.KnownFlags
	}
	if m >= document.MethodGuardFraction {
		doc.SRVPrevious, doc.SRVCurrent = srv.Compute(doc.ValidAfter, votes)
	}

	for _, v := range votes {
		digest, err := v.Digest()
		if err != nil {
			panic(fmt.Sprintf("BUG: consensus: vote digest: %v", err))
		}
		a := v.Authorities[0]
		a.VoteDigest = digest
		doc.Authorities = append(doc.Authorities, a)
	}

	doc.Relays = c.mergeRelays(votes, f, m)

	if m >= document.MethodBandwidthWeights {
		w, err := ComputeWeights(totals(doc.Relays, m))
		if err != nil {
			c.log.Warningf("No bandwidth weights for %v: %v", doc.ValidAfter, err)
		} else {
			c.log.Debugf("Bandwidth weights for %v: %v", doc.ValidAfter, w.Case)
			doc.BandwidthWeights = w.Map()
		}
	}

	c.log.Debugf("Computed %v consensus for %v with method %d: %d votes, %d relays",
		f, doc.ValidAfter, m, len(votes), len(doc.Relays))
	return doc, nil
}

func medianTime(votes []*document.Document, fn func(*document.Document) time.Time) time.Time {
	vals := make([]int64, 0, len(votes))
	for _, v := range votes {
		vals = append(vals, fn(v).Unix())
	}
	return time.Unix(LowerMedian(vals), 0).UTC()
}

func medianDuration(votes []*document.Document, fn func(*document.Document) time.Duration) time.Duration {
	vals := make([]int64, 0, len(votes))
	for _, v := range votes {
		vals = append(vals, int64(fn(v)/time.Second))
	}
	return time.Duration(LowerMedian(vals)) * time.Second
}

// mergeParams takes the lower median of every parameter's declared values.
func mergeParams(votes []*document.Document) map[string]int64 {
	declared := make(map[string][]int64)
	for _, v := range votes {
		for k, val := range v.Params {
			declared[k] = append(declared[k], val)
		}
	}
	if len(declared) == 0 {
		return nil
	}
	params := make(map[string]int64, len(declared))
	for k, vals := range declared {
		params[k] = LowerMedian(vals)
	}
	return params
}

// mergeVersions keeps the versions recommended by a majority of the votes
// that recommend any.
func mergeVersions(votes []*document.Document, fn func(*document.Document) []string) []string {
	counts := make(map[string]int)
	voters := 0
	for _, v := range votes {
		vers := fn(v)
		if len(vers) == 0 {
			continue
		}
		voters++
		seen := make(map[string]bool)
		for _, s := range vers {
			if !seen[s] {
				seen[s] = true
				counts[s]++
			}
		}
	}
	var out []string
	for s, n := range counts {
		if n >= Majority(voters) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := CompareVersions(out[i], out[j]); c != 0 {
			return c < 0
		}
		return out[i] < out[j]
	})
	return out
}

// CompareVersions orders dotted version strings component by component,
// numerically where both components are numbers.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			continue
		}
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
