// merge.go - Relay entry merging.
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

package consensus

import (
	"cmp"
	"slices"
	"sort"

	"github.com/dirvote/dirauth/authority/voting/document"
)

// LowerMedian returns the median of vals, taking the lower of the two
// middle elements when there is an even number of them.  vals is not
// modified.
func LowerMedian[T cmp.Ordered](vals []T) T {
	if len(vals) == 0 {
		var zero T
		return zero
	}
	s := slices.Clone(vals)
	slices.Sort(s)
	return s[(len(s)-1)/2]
}

type lister struct {
	vote  *document.Document
	entry *document.RelayStatus
}

// mostCommon returns the most frequent non-empty value, ties broken
// toward the lexicographically smallest.
func mostCommon(listers []lister, fn func(*document.RelayStatus) string) string {
	counts := make(map[string]int)
	for _, l := range listers {
		if s := fn(l.entry); s != "" {
			counts[s]++
		}
	}
	best, bestN := "", 0
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}

// mergeRelays merges the relay entries of votes, which are sorted by voter.
func (c *Computer) mergeRelays(votes []*document.Document, f document.Flavor, m int) []*document.RelayStatus {
	byID := make(map[document.Fingerprint][]lister)
	ids := []document.Fingerprint{}
	anyMeasured := false
	for _, v := range votes {
		for _, r := range v.Relays {
			if _, ok := byID[r.Identity]; !ok {
				ids = append(ids, r.Identity)
			}
			byID[r.Identity] = append(byID[r.Identity], lister{vote: v, entry: r})
			anyMeasured = anyMeasured || r.IsMeasured
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Compare(ids[j]) < 0
	})

	var relays []*document.RelayStatus
	for _, id := range ids {
		listers := byID[id]
		if len(listers) < Majority(len(votes)) {
			c.log.Debugf("Dropping %v: listed by %d of %d votes", id, len(listers), len(votes))
			continue
		}
		r := mergeRelay(listers, f, m, anyMeasured)
		if r == nil {
			c.log.Debugf("Dropping %v: no majority descriptor digest", id)
			continue
		}
		relays = append(relays, r)
	}
	return relays
}

func mergeRelay(listers []lister, f document.Flavor, m int, anyMeasured bool) *document.RelayStatus {
	digests := make(map[document.Digest]int)
	var chosen *lister
	for i := range listers {
		d := listers[i].entry.Digest
		digests[d]++
		if digests[d]*2 > len(listers) && chosen == nil {
			chosen = &listers[i]
		}
	}
	if chosen == nil {
		return nil
	}
	// The source is the lowest fingerprint voter with the chosen digest.
	for i := range listers {
		if listers[i].entry.Digest == chosen.entry.Digest {
			chosen = &listers[i]
			break
		}
	}
	src := chosen.entry

	r := &document.RelayStatus{
		Nickname:        src.Nickname,
		Identity:        src.Identity,
		Digest:          src.Digest,
		MicrodescDigest: src.MicrodescDigest,
		Published:       src.Published,
		Address:         src.Address,
		ORPort:          src.ORPort,
		DirPort:         src.DirPort,
		PolicySummary:   src.PolicySummary,
		Version:         mostCommon(listers, func(e *document.RelayStatus) string { return e.Version }),
		Protocols:       mostCommon(listers, func(e *document.RelayStatus) string { return e.Protocols }),
	}
	if f == document.FlavorMicrodesc {
		r.Digest = document.Digest{}
	} else {
		r.MicrodescDigest = document.Digest{}
	}

	document.EachFlag(func(flag document.Flags) {
		known, set := 0, 0
		for _, l := range listers {
			if !l.vote.KnownFlags.Has(flag) {
				continue
			}
			known++
			if l.entry.Flags.Has(flag) {
				set++
			}
		}
		if set*2 > known {
			r.Flags |= flag
		}
	})

	var measured, declared []uint64
	var fractions []uint32
	for _, l := range listers {
		declared = append(declared, l.entry.Bandwidth)
		if l.entry.IsMeasured {
			measured = append(measured, l.entry.Measured)
		}
		if l.entry.HasGuardFraction {
			fractions = append(fractions, l.entry.GuardFraction)
		}
	}
	if len(measured) > 0 {
		r.Bandwidth = LowerMedian(measured)
	} else {
		r.Bandwidth = LowerMedian(declared)
		r.Unmeasured = anyMeasured && m >= document.MethodBandwidthWeights
	}
	if len(fractions) > 0 && m >= document.MethodGuardFraction {
		r.GuardFraction, r.HasGuardFraction = LowerMedian(fractions), true
	}
	return r
}
