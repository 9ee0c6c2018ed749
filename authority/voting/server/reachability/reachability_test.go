// reachability_test.go - Relay reachability tests.
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

package reachability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/log"
)

var testStart = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, grace time.Duration) *Tracker {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewTracker(b.GetLogger("reachability"), testStart, grace)
}

func TestCyclePeriod(t *testing.T) {
	require.Equal(t, 1280*time.Second, CyclePeriod)
}

func TestSlicesCoverEveryRelay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var id document.Fingerprint
		copy(id[:], rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, "id"))
		start := time.Unix(rapid.Int64Range(0, 1<<40).Draw(t, "start"), 0)

		// Every relay is due exactly once per cycle.
		seen := 0
		for at := start; at.Before(start.Add(CyclePeriod)); at = at.Add(TestInterval) {
			if SliceAt(at) == SliceOf(id) {
				seen++
			}
		}
		if seen != 1 {
			t.Fatalf("relay %v due %d times in a cycle", id, seen)
		}
	})
}

func TestDue(t *testing.T) {
	require := require.New(t)
	tr := newTracker(t, 0)

	var a, b, c document.Fingerprint
	a[0], a[1] = 0x04, 2
	b[0], b[1] = 0x05, 1
	c[0] = 0x06
	at := time.Unix(2*int64(TestInterval/time.Second), 0)
	require.Equal(2, SliceAt(at))
	require.Equal([]document.Fingerprint{a, b}, tr.Due(at, []document.Fingerprint{c, a, b}))
	require.Equal([]document.Fingerprint{c}, tr.Due(at.Add(TestInterval), []document.Fingerprint{c, a, b}))
}

func TestRunning(t *testing.T) {
	require := require.New(t)

	grace := 30 * time.Minute
	tr := newTracker(t, grace)
	var up, down, silent document.Fingerprint
	up[0], down[0], silent[0] = 1, 2, 3

	at := testStart.Add(time.Minute)
	require.True(tr.Record(Result{ID: up, Reachable: true, At: at}))
	require.False(tr.Record(Result{ID: down, Reachable: false, At: at}), "failure during grace must not count")

	// Nobody is Running until the grace has passed.
	require.False(tr.Decided(at))
	require.False(tr.Running(up, at))

	after := testStart.Add(grace)
	require.True(tr.Decided(after))
	require.False(tr.Running(up, after), "probe older than a cycle")
	require.True(tr.Record(Result{ID: up, Reachable: true, At: after}))
	require.True(tr.Record(Result{ID: down, Reachable: false, At: after}))
	require.True(tr.Running(up, after.Add(CyclePeriod)))
	require.False(tr.Running(up, after.Add(CyclePeriod+time.Second)))
	require.False(tr.Running(down, after))
	require.False(tr.Running(silent, after))

	// Out of order reports never move the last success backwards.
	tr.Record(Result{ID: up, Reachable: true, At: at})
	require.True(tr.Running(up, after.Add(CyclePeriod)))

	require.Equal(1, tr.Forget(map[document.Fingerprint]bool{up: true}))
	require.False(tr.Running(down, after))
}

func TestGraceIsCapped(t *testing.T) {
	tr := newTracker(t, 24*time.Hour)
	require.False(t, tr.Decided(testStart.Add(MaxGrace-time.Second)))
	require.True(t, tr.Decided(testStart.Add(MaxGrace)))
}
