// schedule.go - Voting period boundaries.
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

// Package schedule turns wall time and the voting timing configuration into
// voting period boundaries, and orders the phase transitions of a period.
package schedule

import (
	"fmt"
	"time"
)

// Action is a phase transition within a voting period.  Actions sharing a
// deadline fire in ascending Action order.
type Action int

const (
	// BuildVote builds, signs and publishes this authority's vote.
	BuildVote Action = iota
	// CloseVoteCollection freezes the vote store for the period.
	CloseVoteCollection
	// ComputeConsensus merges the collected votes.
	ComputeConsensus
	// PublishConsensus finalises the signed consensus.
	PublishConsensus
	// RollPeriod makes the period's consensus current and moves on.
	RollPeriod
)

var actionNames = [...]string{
	BuildVote:           "BuildVote",
	CloseVoteCollection: "CloseVoteCollection",
	ComputeConsensus:    "ComputeConsensus",
	PublishConsensus:    "PublishConsensus",
	RollPeriod:          "RollPeriod",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

// Actions lists every action in firing order.
var Actions = []Action{BuildVote, CloseVoteCollection, ComputeConsensus, PublishConsensus, RollPeriod}

// Timing is the set of knobs that shape a voting period.
type Timing struct {
	Interval        time.Duration
	VoteDelay       time.Duration
	DistDelay       time.Duration
	StartOffset     time.Duration
	NIntervalsValid int
}

// Instant is one fully determined voting period.
type Instant struct {
	ValidAfter   time.Time
	FreshUntil   time.Time
	ValidUntil   time.Time
	VotingStarts time.Time
	VoteDeadline time.Time
	DistDeadline time.Time

	Interval  time.Duration
	VoteDelay time.Duration
	DistDelay time.Duration
}

// Recalculate returns the voting period whose valid-after time is the
// earliest boundary (a multiple of the interval, shifted by the start
// offset) that is not before now + interval.
func Recalculate(now time.Time, t Timing) Instant {
	iv := int64(t.Interval / time.Second)
	if iv <= 0 {
		panic("BUG: schedule: non-positive voting interval")
	}
	off := int64(t.StartOffset/time.Second) % iv

	target := now.Unix()
	if now.Nanosecond() > 0 {
		target++
	}
	target += iv

	k := floorDiv(target-off, iv)
	va := k*iv + off
	if va < target {
		va += iv
	}

	n := t.NIntervalsValid
	if n < 1 {
		n = 1
	}

	in := Instant{
		ValidAfter: time.Unix(va, 0).UTC(),
		Interval:   t.Interval,
		VoteDelay:  t.VoteDelay,
		DistDelay:  t.DistDelay,
	}
	in.FreshUntil = in.ValidAfter.Add(t.Interval)
	in.ValidUntil = in.ValidAfter.Add(time.Duration(n) * t.Interval)
	in.VotingStarts = in.ValidAfter.Add(-t.Interval)
	in.VoteDeadline = in.VotingStarts.Add(t.VoteDelay)
	in.DistDeadline = in.VoteDeadline.Add(t.DistDelay)
	return in
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// At returns the wall time at which a fires within the period.
func (i Instant) At(a Action) time.Time {
	switch a {
	case BuildVote:
		return i.VotingStarts
	case CloseVoteCollection, ComputeConsensus:
		return i.VoteDeadline
	case PublishConsensus:
		return i.DistDeadline
	case RollPeriod:
		return i.ValidAfter
	default:
		panic(fmt.Sprintf("BUG: schedule: unknown action %d", int(a)))
	}
}

// NextAction returns the first action of the period that fires at or
// after now.  ok is false once every action of the period lies in the past.
func (i Instant) NextAction(now time.Time) (a Action, at time.Time, ok bool) {
	for _, a = range Actions {
		if at = i.At(a); !at.Before(now) {
			return a, at, true
		}
	}
	return RollPeriod, i.ValidAfter, false
}

func (i Instant) String() string {
	return fmt.Sprintf("valid-after %v (vote %v, deadline %v, dist %v)",
		i.ValidAfter.Format(time.DateTime), i.VotingStarts.Format(time.TimeOnly),
		i.VoteDeadline.Format(time.TimeOnly), i.DistDeadline.Format(time.TimeOnly))
}
