// policy.go - Exit policy summaries.
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
	"strconv"
	"strings"
)

// MaxPolicySummaryLen bounds the length of a serialised policy summary.
const MaxPolicySummaryLen = 1000

// ErrBadPolicy is returned for a malformed exit policy summary.
var ErrBadPolicy = errors.New("document: malformed exit policy summary")

type portRange struct {
	lo, hi uint16
}

// PolicySummary is a compressed exit policy: either the listed port ranges
// are accepted and everything else rejected, or the reverse.
type PolicySummary struct {
	Accept bool
	ranges []portRange
}

// RejectAll is the summary of a relay that does not exit.
var RejectAll = PolicySummary{Accept: false, ranges: []portRange{{1, 65535}}}

// ParsePolicySummary parses "accept 80,443" or "reject 1-65535".
func ParsePolicySummary(s string) (PolicySummary, error) {
	var p PolicySummary
	if len(s) > MaxPolicySummaryLen {
		return p, ErrBadPolicy
	}
	verb, list, ok := strings.Cut(s, " ")
	if !ok {
		return p, ErrBadPolicy
	}
	switch verb {
	case "accept":
		p.Accept = true
	case "reject":
	default:
		return p, ErrBadPolicy
	}
	for _, item := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		if !isRange {
			hi = lo
		}
		l, err := strconv.ParseUint(lo, 10, 16)
		if err != nil || l == 0 {
			return p, ErrBadPolicy
		}
		h, err := strconv.ParseUint(hi, 10, 16)
		if err != nil || h < l {
			return p, ErrBadPolicy
		}
		p.ranges = append(p.ranges, portRange{uint16(l), uint16(h)})
	}
	return p, nil
}

// Permits returns true if the summary allows exiting to port.
func (p PolicySummary) Permits(port uint16) bool {
	listed := false
	for _, r := range p.ranges {
		if port >= r.lo && port <= r.hi {
			listed = true
			break
		}
	}
	return listed == p.Accept
}

func (p PolicySummary) String() string {
	items := make([]string, 0, len(p.ranges))
	for _, r := range p.ranges {
		if r.lo == r.hi {
			items = append(items, strconv.Itoa(int(r.lo)))
		} else {
			items = append(items, fmt.Sprintf("%d-%d", r.lo, r.hi))
		}
	}
	verb := "reject"
	if p.Accept {
		verb = "accept"
	}
	return verb + " " + strings.Join(items, ",")
}
