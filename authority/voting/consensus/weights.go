// weights.go - Bandwidth weights.
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
	"errors"
	"fmt"
	"math"

	"github.com/dirvote/dirauth/authority/voting/document"
)

// WeightScale is the fixed point denominator of every weight.
const WeightScale = 10000

// weightMargin is the rounding slack allowed when checking weights.
const weightMargin = 10

// maxClassTotal bounds each class total so that the weight equations,
// which scale sums of up to eight totals by WeightScale, stay in int64.
const maxClassTotal = math.MaxInt64 / (32 * WeightScale)

// addClamped adds b to the class total a, saturating at maxClassTotal.
func addClamped(a, b int64) int64 {
	return min(a+b, maxClassTotal)
}

var (
	// ErrEmptyBandwidth is returned when a position class has no bandwidth.
	ErrEmptyBandwidth = errors.New("consensus: empty bandwidth class")

	errSumD       = errors.New("consensus: Wed+Wmd+Wgd != 1")
	errSumG       = errors.New("consensus: Wmg+Wgg != 1")
	errSumE       = errors.New("consensus: Wme+Wee != 1")
	errRange      = errors.New("consensus: weight out of range")
	errBalanceEG  = errors.New("consensus: guard and exit bandwidth unbalanced")
	errBalanceMid = errors.New("consensus: middle bandwidth unbalanced")
)

// Weights are the position weights clients apply to relay bandwidths, in
// units of 1/WeightScale.
type Weights struct {
	Wgg, Wgd, Wmg, Wme, Wmd, Wee, Wed int64

	// Case names the branch of the balancing equations that produced the
	// weights.
	Case string
}

// totals sums the bandwidth of the running relays by position class:
// guards G, middles M, exits E, and relays that are both D.  From method 3
// only the guard fraction of a guard's bandwidth counts as guard capacity.
// Totals saturate at maxClassTotal.
func totals(relays []*document.RelayStatus, m int) (G, M, E, D int64) {
	for _, r := range relays {
		if !r.Flags.Has(document.FlagRunning) {
			continue
		}
		bw := int64(min(r.Bandwidth, maxClassTotal))
		isGuard := r.Flags.Has(document.FlagGuard)
		isExit := r.Flags.Has(document.FlagExit) && !r.Flags.Has(document.FlagBadExit)
		guardBW, restBW := bw, int64(0)
		if isGuard && r.HasGuardFraction && m >= document.MethodGuardFraction {
			frac := int64(min(r.GuardFraction, document.GuardFractionScale))
			guardBW = bw * frac / document.GuardFractionScale
			restBW = bw - guardBW
		}
		switch {
		case isGuard && isExit:
			D = addClamped(D, guardBW)
			E = addClamped(E, restBW)
		case isGuard:
			G = addClamped(G, guardBW)
			M = addClamped(M, restBW)
		case isExit:
			E = addClamped(E, bw)
		default:
			M = addClamped(M, bw)
		}
	}
	return
}

func checkEq(a, b, margin int64) bool {
	if a >= b {
		return a-b <= margin
	}
	return b-a <= margin
}

func (w *Weights) check(G, M, E, D, T int64, balance bool) error {
	switch {
	case !checkEq(w.Wed+w.Wmd+w.Wgd, WeightScale, weightMargin):
		return errSumD
	case !checkEq(w.Wmg+w.Wgg, WeightScale, weightMargin):
		return errSumG
	case !checkEq(w.Wme+w.Wee, WeightScale, weightMargin):
		return errSumE
	}
	for _, v := range []int64{w.Wgg, w.Wgd, w.Wmg, w.Wme, w.Wmd, w.Wed, w.Wee} {
		if v < 0 || v > WeightScale {
			return errRange
		}
	}
	if balance {
		guard := w.Wgg*G + w.Wgd*D
		if !checkEq(guard, w.Wee*E+w.Wed*D, (weightMargin*T)/3) {
			return errBalanceEG
		}
		if !checkEq(guard, M*WeightScale+w.Wmd*D+w.Wme*E+w.Wmg*G, (weightMargin*T)/3) {
			return errBalanceMid
		}
	}
	return nil
}

// ComputeWeights solves the bandwidth balancing equations for the class
// totals with integer arithmetic.
func ComputeWeights(G, M, E, D int64) (*Weights, error) {
	const W = WeightScale
	if G <= 0 || M <= 0 || E <= 0 || D <= 0 {
		return nil, fmt.Errorf("%w: G=%d M=%d E=%d D=%d", ErrEmptyBandwidth, G, M, E, D)
	}
	T := G + M + E + D
	w := new(Weights)

	switch {
	case 3*E >= T && 3*G >= T:
		// Neither guards nor exits are scarce.
		w.Case = "Case 1 (Wgd=Wmd=Wed)"
		w.Wgd, w.Wed, w.Wmd = W/3, W/3, W/3
		w.Wee = (W * (E + G + M)) / (3 * E)
		w.Wme = W - w.Wee
		w.Wmg = (W * (2*G - E - M)) / (3 * G)
		w.Wgg = W - w.Wmg
		if err := w.check(G, M, E, D, T, true); err != nil {
			return nil, fmt.Errorf("%v: %w", w.Case, err)
		}

	case 3*E < T && 3*G < T:
		// Both are scarce; balance D between them.
		R, S := min(E, G), max(E, G)
		if R+D < S {
			w.Wgg, w.Wee = W, W
			w.Wmg, w.Wme, w.Wmd = 0, 0, 0
			if E < G {
				w.Case = "Case 2a (E scarce)"
				w.Wed, w.Wgd = W, 0
			} else {
				w.Case = "Case 2a (G scarce)"
				w.Wed, w.Wgd = 0, W
			}
			break
		}
		w.Case = "Case 2b1 (Wgg=1, Wmd=Wgd)"
		w.Wee = (W * (E - G + M)) / E
		w.Wed = (W * (D - 2*E + 4*G - 2*M)) / (3 * D)
		w.Wme = (W * (G - M)) / E
		w.Wmg = 0
		w.Wgg = W
		w.Wmd = (W - w.Wed) / 2
		w.Wgd = (W - w.Wed) / 2
		err := w.check(G, M, E, D, T, true)
		if err != nil {
			w.Case = "Case 2b2 (Wgg=1, Wee=1)"
			w.Wgg, w.Wee = W, W
			w.Wed = (W * (D - 2*E + G + M)) / (3 * D)
			w.Wmd = (W * (D - 2*M + G + E)) / (3 * D)
			w.Wme, w.Wmg = 0, 0
			if w.Wmd < 0 {
				w.Case = "Case 2b3 (Wmd=0)"
				w.Wmd = 0
			}
			w.Wgd = W - w.Wed - w.Wmd
			err = w.check(G, M, E, D, T, true)
		}
		if err != nil && !errors.Is(err, errBalanceMid) {
			return nil, fmt.Errorf("%v: %w", w.Case, err)
		}

	default:
		// Exactly one of them is scarce.
		S := min(E, G)
		if 3*(S+D) < T {
			if G < E {
				w.Case = "Case 3a (G scarce)"
				w.Wgg, w.Wgd = W, W
				w.Wmd, w.Wed, w.Wmg = 0, 0, 0
				if E < M {
					w.Wme = 0
				} else {
					w.Wme = (W * (E - M)) / (2 * E)
				}
				w.Wee = W - w.Wme
			} else {
				w.Case = "Case 3a (E scarce)"
				w.Wee, w.Wed = W, W
				w.Wmd, w.Wgd, w.Wme = 0, 0, 0
				if G < M {
					w.Wmg = 0
				} else {
					w.Wmg = (W * (G - M)) / (2 * G)
				}
				w.Wgg = W - w.Wmg
			}
			break
		}
		if G < E {
			w.Case = "Case 3bg (G scarce, Wgg=1, Wmd=Wed)"
			w.Wgg = W
			w.Wgd = (W * (D - 2*G + E + M)) / (3 * D)
			w.Wmg = 0
			w.Wee = (W * (E + M)) / (2 * E)
			w.Wme = W - w.Wee
			w.Wmd = (W - w.Wgd) / 2
			w.Wed = (W - w.Wgd) / 2
		} else {
			w.Case = "Case 3be (E scarce, Wee=1, Wmd=Wgd)"
			w.Wee = W
			w.Wed = (W * (D - 2*E + G + M)) / (3 * D)
			w.Wme = 0
			w.Wgg = (W * (G + M)) / (2 * G)
			w.Wmg = W - w.Wgg
			w.Wmd = (W - w.Wed) / 2
			w.Wgd = (W - w.Wed) / 2
		}
		if err := w.check(G, M, E, D, T, true); err != nil && !errors.Is(err, errBalanceMid) {
			return nil, fmt.Errorf("%v: %w", w.Case, err)
		}
	}
	return w, nil
}

// Map returns the full bandwidth-weights line.
func (w *Weights) Map() map[string]int64 {
	return map[string]int64{
		"Wbd": w.Wmd,
		"Wbe": w.Wme,
		"Wbg": w.Wmg,
		"Wbm": WeightScale,
		"Wdb": WeightScale,
		"Web": WeightScale,
		"Wed": w.Wed,
		"Wee": w.Wee,
		"Weg": w.Wed,
		"Wem": w.Wee,
		"Wgb": WeightScale,
		"Wgd": w.Wgd,
		"Wgg": w.Wgg,
		"Wgm": w.Wgg,
		"Wmb": WeightScale,
		"Wmd": w.Wmd,
		"Wme": w.Wme,
		"Wmg": w.Wmg,
		"Wmm": WeightScale,
	}
}
