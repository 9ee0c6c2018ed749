// thresholds.go - Stable and Guard thresholds.
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

package rephist

import (
	"slices"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	// MTBFToGuaranteeStable is the MTBF at which a relay is always Stable.
	MTBFToGuaranteeStable = 5 * 24 * time.Hour

	// WFUScale is the denominator of the fixed point uptime fractions.
	WFUScale = 10000

	// WFUToGuaranteeGuard is the uptime fraction a Guard needs, in
	// units of 1/WFUScale.
	WFUToGuaranteeGuard = 9800

	// TimeKnownToGuaranteeFamiliar is the history length at which a
	// relay is always familiar enough to be a Guard.
	TimeKnownToGuaranteeFamiliar = 8 * 24 * time.Hour
)

// Thresholds are the history requirements of the Stable and Guard flags
// for one period.
type Thresholds struct {
	StableMTBF     time.Duration
	GuardWFU       uint32
	GuardTimeKnown time.Duration
}

func lowerMedian(v []time.Duration) time.Duration {
	if len(v) == 0 {
		return 0
	}
	slices.Sort(v)
	return v[(len(v)-1)/2]
}

// Thresholds computes the thresholds over the active relays ids.
func (h *History) Thresholds(ids []document.Fingerprint, now time.Time) Thresholds {
	mtbfs := make([]time.Duration, 0, len(ids))
	known := make([]time.Duration, 0, len(ids))
	for _, id := range ids {
		mtbfs = append(mtbfs, h.MTBF(id, now))
		known = append(known, h.WeightedTimeKnown(id, now))
	}
	return Thresholds{
		StableMTBF:     min(lowerMedian(mtbfs), MTBFToGuaranteeStable),
		GuardWFU:       WFUToGuaranteeGuard,
		GuardTimeKnown: min(lowerMedian(known), TimeKnownToGuaranteeFamiliar),
	}
}

// Stable returns true if id meets the Stable threshold.
func (h *History) Stable(id document.Fingerprint, th Thresholds, now time.Time) bool {
	return h.MTBF(id, now) >= th.StableMTBF
}

// Familiar returns true if id has been known long enough and up often
// enough to be a Guard.
func (h *History) Familiar(id document.Fingerprint, th Thresholds, now time.Time) bool {
	return h.meetsWFU(id, th.GuardWFU, now) && h.WeightedTimeKnown(id, now) >= th.GuardTimeKnown
}

// meetsWFU returns true if the uptime fraction of id is at least
// threshold/WFUScale.
func (h *History) meetsWFU(id document.Fingerprint, threshold uint32, now time.Time) bool {
	up, total := h.weightedUptime(id, now)
	if total == 0 {
		return up > 0 || threshold == 0
	}
	return up*WFUScale >= float64(threshold)*total
}
