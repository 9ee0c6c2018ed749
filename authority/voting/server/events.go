// events.go - Controller events.
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

package server

import (
	"sync"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/votestore"
)

// Event is something observable that happened to a voting period.
type Event interface {
	// Period returns the valid-after time of the period concerned.
	Period() time.Time
}

// VoteBuilt is emitted once our vote for a period is signed.
type VoteBuilt struct {
	ValidAfter time.Time
	Digest     document.Digest
	Relays     int
}

// VoteAccepted is emitted for every vote entering the vote store.
type VoteAccepted struct {
	ValidAfter time.Time
	Voter      document.Fingerprint
	Outcome    votestore.Outcome
}

// VoteRejected is emitted for every vote refused by the vote store.
type VoteRejected struct {
	ValidAfter time.Time
	Voter      document.Fingerprint
	Reason     votestore.Reason
	Err        error
}

// ConsensusComputed is emitted when our consensus of a flavor exists and
// has been signed.
type ConsensusComputed struct {
	ValidAfter time.Time
	Flavor     document.Flavor
	Method     int
	Digest     document.Digest
}

// ConsensusPublished is emitted whenever a consensus is published with a
// majority of signatures, and again when late signatures are added.
type ConsensusPublished struct {
	ValidAfter time.Time
	Flavor     document.Flavor
	Signatures int
}

// NoConsensusReason says why a period ended without a consensus.
type NoConsensusReason string

// Reasons for a period without a consensus.
const (
	ReasonInsufficientVotes      NoConsensusReason = "insufficient-votes"
	ReasonInsufficientSignatures NoConsensusReason = "insufficient-signatures"
	ReasonComputeFailed          NoConsensusReason = "compute-failed"
)

// NoConsensus is emitted once for a period that failed.  The previous
// consensus stays in use until it expires.
type NoConsensus struct {
	ValidAfter time.Time
	Reason     NoConsensusReason
	Votes      int
}

// ClockSkew is emitted when every peer vote was for another period.
type ClockSkew struct {
	ValidAfter time.Time
	Rejected   int
}

// Resynchronised is emitted after the schedule was recalculated from the
// current time.
type Resynchronised struct {
	ValidAfter time.Time
}

func (e *VoteBuilt) Period() time.Time          { return e.ValidAfter }
func (e *VoteAccepted) Period() time.Time       { return e.ValidAfter }
func (e *VoteRejected) Period() time.Time       { return e.ValidAfter }
func (e *ConsensusComputed) Period() time.Time  { return e.ValidAfter }
func (e *ConsensusPublished) Period() time.Time { return e.ValidAfter }
func (e *NoConsensus) Period() time.Time        { return e.ValidAfter }
func (e *ClockSkew) Period() time.Time          { return e.ValidAfter }
func (e *Resynchronised) Period() time.Time     { return e.ValidAfter }

const subscriberQueueLen = 64

// eventBus fans events out to subscribers.  A subscriber that falls
// behind loses events rather than stalling the controller.
type eventBus struct {
	sync.Mutex

	subs    []chan Event
	dropped uint64
	closed  bool
}

func (b *eventBus) subscribe() <-chan Event {
	b.Lock()
	defer b.Unlock()

	ch := make(chan Event, subscriberQueueLen)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) publish(ev Event) {
	b.Lock()
	defer b.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

func (b *eventBus) close() {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
