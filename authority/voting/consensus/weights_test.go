// weights_test.go - Bandwidth weight tests.
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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirvote/dirauth/authority/voting/document"
)

func TestComputeWeights(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Neither scarce.
	w, err := ComputeWeights(4000, 1000, 4000, 1000)
	require.NoError(err)
	require.Equal(&Weights{
		Wgg: 7500, Wgd: 3333, Wmg: 2500, Wme: 2500, Wmd: 3333, Wee: 7500, Wed: 3333,
		Case: "Case 1 (Wgd=Wmd=Wed)",
	}, w)

	// Both scarce, D large enough to balance.
	w, err = ComputeWeights(1000, 1000, 1000, 1000)
	require.NoError(err)
	require.Equal(&Weights{
		Wgg: 10000, Wgd: 3333, Wmg: 0, Wme: 0, Wmd: 3333, Wee: 10000, Wed: 3333,
		Case: "Case 2b1 (Wgg=1, Wmd=Wgd)",
	}, w)

	// Both scarce, exits the scarcer.
	w, err = ComputeWeights(1000, 10000, 100, 100)
	require.NoError(err)
	require.Equal("Case 2a (E scarce)", w.Case)
	require.Equal(int64(10000), w.Wed)
	require.Equal(int64(0), w.Wgd)

	// Only guards scarce.
	w, err = ComputeWeights(100, 5000, 4000, 100)
	require.NoError(err)
	require.Equal("Case 3a (G scarce)", w.Case)
	require.Equal(int64(10000), w.Wgg)
	require.Equal(int64(10000), w.Wgd)
	require.Equal(int64(0), w.Wme)
	require.Equal(int64(10000), w.Wee)

	_, err = ComputeWeights(1000, 1000, 1000, 0)
	require.ErrorIs(err, ErrEmptyBandwidth)

	m := w.Map()
	require.Len(m, 19)
	require.Equal(w.Wgg, m["Wgm"])
	require.Equal(int64(WeightScale), m["Wmm"])
	require.Equal(w.Wmd, m["Wbd"])
}

func TestWeightsInvariants(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		G := rapid.Int64Range(1, 1000000).Draw(t, "G")
		M := rapid.Int64Range(1, 1000000).Draw(t, "M")
		E := rapid.Int64Range(1, 1000000).Draw(t, "E")
		D := rapid.Int64Range(1, 1000000).Draw(t, "D")
		w, err := ComputeWeights(G, M, E, D)
		if err != nil {
			return
		}
		for _, v := range []int64{w.Wgg, w.Wgd, w.Wmg, w.Wme, w.Wmd, w.Wee, w.Wed} {
			if v < 0 || v > WeightScale {
				t.Fatalf("%v: weight %d out of range: %+v", w.Case, v, w)
			}
		}
		if !checkEq(w.Wgg+w.Wmg, WeightScale, weightMargin) || !checkEq(w.Wee+w.Wme, WeightScale, weightMargin) {
			t.Fatalf("%v: weights do not sum to one: %+v", w.Case, w)
		}
	})
}

func TestTotals(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	guard := relay(1, 1000, running|document.FlagGuard)
	guard.HasGuardFraction, guard.GuardFraction = true, 2500
	both := relay(2, 400, running|document.FlagGuard|document.FlagExit)
	badExit := relay(3, 300, running|document.FlagExit|document.FlagBadExit)
	down := relay(4, 10000, document.FlagValid)
	relays := []*document.RelayStatus{guard, both, badExit, down}

	G, M, E, D := totals(relays, document.MethodBandwidthWeights)
	require.Equal([]int64{1000, 300, 0, 400}, []int64{G, M, E, D})

	G, M, E, D = totals(relays, document.MethodGuardFraction)
	require.Equal([]int64{250, 1050, 0, 400}, []int64{G, M, E, D})
}

func TestTotalsSaturate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var relays []*document.RelayStatus
	for i, f := range []document.Flags{
		running | document.FlagGuard,
		running | document.FlagGuard | document.FlagExit,
		running | document.FlagExit,
		running,
	} {
		for j := 0; j < 3; j++ {
			relays = append(relays, relay(byte(4*i+j+1), math.MaxUint64, f))
		}
	}
	relays[0].HasGuardFraction, relays[0].GuardFraction = true, math.MaxUint32

	for _, m := range []int{document.MethodBandwidthWeights, document.MethodGuardFraction} {
		G, M, E, D := totals(relays, m)
		for _, v := range []int64{G, M, E, D} {
			require.Equal(int64(maxClassTotal), v)
		}

		w, err := ComputeWeights(G, M, E, D)
		require.NoError(err)
		require.Equal(int64(WeightScale), w.Wgg)
		require.Equal(int64(WeightScale), w.Wee)
	}
}
