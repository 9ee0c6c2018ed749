// reachability.go - Relay reachability state.
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

// Package reachability tracks which relays this authority believes are
// reachable, and which slice of the fingerprint space is due for probing.
// Probing itself happens elsewhere; results are fed back with Record.
package reachability

import (
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	// NumSlices is the number of slices the fingerprint space is
	// partitioned into for probing.
	NumSlices = 128

	// TestInterval is how often the next slice is probed.
	TestInterval = 10 * time.Second

	// CyclePeriod is the time taken to probe every slice once.  A relay
	// is considered reachable for this long after a successful probe.
	CyclePeriod = NumSlices * TestInterval

	// MaxGrace bounds the bootstrap grace.
	MaxGrace = 2 * time.Hour
)

// Result is the outcome of a single probe.
type Result struct {
	ID        document.Fingerprint
	Reachable bool
	At        time.Time
}

type state struct {
	lastSuccess time.Time
	lastFailure time.Time
}

// SliceOf returns the probe slice of id.
func SliceOf(id document.Fingerprint) int {
	return int(id[0]) * NumSlices / 256
}

// SliceAt returns the slice due for probing at t.
func SliceAt(t time.Time) int {
	n := t.Unix() / int64(TestInterval/time.Second)
	s := int(n % NumSlices)
	if s < 0 {
		s += NumSlices
	}
	return s
}

// Tracker holds the reachability belief for every known relay.  It is not
// safe for concurrent use.
type Tracker struct {
	log *logging.Logger

	started time.Time
	grace   time.Duration
	relays  map[document.Fingerprint]*state
}

// NewTracker returns a Tracker for an authority that came up at started.
func NewTracker(log *logging.Logger, started time.Time, grace time.Duration) *Tracker {
	t := &Tracker{
		log:     log,
		started: started,
		relays:  make(map[document.Fingerprint]*state),
	}
	t.SetGrace(grace)
	return t
}

// SetGrace changes the bootstrap grace, capped at MaxGrace.
func (t *Tracker) SetGrace(grace time.Duration) {
	if grace > MaxGrace {
		grace = MaxGrace
	}
	if grace < 0 {
		grace = 0
	}
	t.grace = grace
}

// Decided returns true once the authority has been up long enough to
// consider relays unreachable.  Until then it does not vote on Running.
func (t *Tracker) Decided(now time.Time) bool {
	return now.Sub(t.started) >= t.grace
}

// Record applies a probe result.  It returns false when the result must
// not affect relay history, which is the case for failures reported
// during the bootstrap grace.
func (t *Tracker) Record(r Result) bool {
	st, ok := t.relays[r.ID]
	if !ok {
		st = new(state)
		t.relays[r.ID] = st
	}
	if r.Reachable {
		if r.At.After(st.lastSuccess) {
			st.lastSuccess = r.At
		}
		return true
	}
	if r.At.After(st.lastFailure) {
		st.lastFailure = r.At
	}
	if !t.Decided(r.At) {
		t.log.Debugf("Ignoring failed probe of %v during bootstrap grace", r.ID)
		return false
	}
	return true
}

// Running returns true if id was successfully probed within the last
// cycle and the bootstrap grace has elapsed.
func (t *Tracker) Running(id document.Fingerprint, now time.Time) bool {
	if !t.Decided(now) {
		return false
	}
	st, ok := t.relays[id]
	if !ok || st.lastSuccess.IsZero() {
		return false
	}
	return now.Sub(st.lastSuccess) <= CyclePeriod
}

// Due returns the relays among ids whose slice is due at now, in
// ascending fingerprint order.
func (t *Tracker) Due(now time.Time, ids []document.Fingerprint) []document.Fingerprint {
	slice := SliceAt(now)
	var due []document.Fingerprint
	for _, id := range ids {
		if SliceOf(id) == slice {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Compare(due[j]) < 0 })
	return due
}

// Forget drops the state of relays not in keep.
func (t *Tracker) Forget(keep map[document.Fingerprint]bool) int {
	n := 0
	for id := range t.relays {
		if !keep[id] {
			delete(t.relays, id)
			n++
		}
	}
	return n
}
