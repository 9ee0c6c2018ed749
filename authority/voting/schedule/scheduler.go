// scheduler.go - Ordered phase transitions.
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

package schedule

import (
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"
)

// Phase is a pending action of a particular period.
type Phase struct {
	Action     Action
	At         time.Time
	ValidAfter time.Time
}

type phaseKey struct {
	validAfter int64
	action     Action
}

func (p *Phase) key() phaseKey {
	return phaseKey{p.ValidAfter.Unix(), p.Action}
}

// Scheduler holds the pending phases of the installed period, ordered by
// time and then by action.  It is not safe for concurrent use; the
// controller's state goroutine is its only user.
type Scheduler struct {
	log *logging.Logger

	pending *avl.Tree
	fired   map[phaseKey]struct{}
	instant Instant
	last    time.Time
}

// NewScheduler returns an empty Scheduler.
func NewScheduler(log *logging.Logger) *Scheduler {
	return &Scheduler{
		log: log,
		pending: avl.New(func(a, b interface{}) int {
			pa, pb := a.(*Phase), b.(*Phase)
			switch {
			case pa.At.Before(pb.At):
				return -1
			case pb.At.Before(pa.At):
				return 1
			case pa.Action < pb.Action:
				return -1
			case pa.Action > pb.Action:
				return 1
			default:
				return 0
			}
		}),
		fired: make(map[phaseKey]struct{}),
	}
}

// Instant returns the installed period.
func (s *Scheduler) Instant() Instant {
	return s.instant
}

// Reschedule discards every pending phase and installs the phases of in.
// Phases of in that already fired are not installed again.
func (s *Scheduler) Reschedule(in Instant) {
	for s.pending.Len() > 0 {
		s.pending.Remove(s.pending.First())
	}
	s.instant = in
	for _, a := range Actions {
		p := &Phase{Action: a, At: in.At(a), ValidAfter: in.ValidAfter}
		if _, ok := s.fired[p.key()]; ok {
			continue
		}
		s.pending.Insert(p)
	}
	for k := range s.fired {
		if k.validAfter < in.ValidAfter.Add(-in.Interval).Unix() {
			delete(s.fired, k)
		}
	}
}

// Next returns the earliest pending phase.
func (s *Scheduler) Next() (*Phase, bool) {
	n := s.pending.First()
	if n == nil {
		return nil, false
	}
	return n.Value.(*Phase), true
}

// ClockWentBackward records now and reports whether it precedes the last
// observed time.
func (s *Scheduler) ClockWentBackward(now time.Time) bool {
	back := !s.last.IsZero() && now.Before(s.last)
	s.last = now
	return back
}

// Due removes and returns the phases that are due at now.  When wall time
// has advanced past more than one deadline, the phases of the earlier
// deadlines are marked fired without being returned.
func (s *Scheduler) Due(now time.Time) []*Phase {
	var due []*Phase
	for node := s.pending.First(); node != nil; node = s.pending.First() {
		p := node.Value.(*Phase)
		if p.At.After(now) {
			break
		}
		due = append(due, p)
		s.fired[p.key()] = struct{}{}
		s.pending.Remove(node)
	}
	if len(due) == 0 {
		return nil
	}

	latest := due[len(due)-1].At
	out := due[:0]
	for _, p := range due {
		if p.At.Before(latest) {
			s.log.Warningf("Skipping %v for %v: deadline %v already passed", p.Action,
				p.ValidAfter.Format(time.DateTime), p.At.Format(time.TimeOnly))
			continue
		}
		out = append(out, p)
	}
	return out
}
