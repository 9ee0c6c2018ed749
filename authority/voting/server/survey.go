// survey.go - Peer participation survey.
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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/authority/voting/server/votestore"
)

const maxSurveyHistory = 24

// PeerPeriod is one period as seen from a peer.
type PeerPeriod struct {
	ValidAfter time.Time
	Voted      bool
	Signed     int
	Rejections []votestore.Reason
}

// PeerSurvey is what this authority knows of a peer's participation.
type PeerSurvey struct {
	Identity document.Fingerprint
	Name     string

	VotesAccepted      int
	VotesRejected      int
	SignaturesAccepted int
	SignaturesRejected int
	ConsecutiveMissed  int
	LastVote           time.Time
	RejectionsByReason map[votestore.Reason]int
	History            []*PeerPeriod
}

func (p *PeerSurvey) period(va time.Time) *PeerPeriod {
	if n := len(p.History); n > 0 && p.History[n-1].ValidAfter.Equal(va) {
		return p.History[n-1]
	}
	for _, pp := range p.History {
		if pp.ValidAfter.Equal(va) {
			return pp
		}
	}
	pp := &PeerPeriod{ValidAfter: va}
	p.History = append(p.History, pp)
	sort.Slice(p.History, func(i, j int) bool { return p.History[i].ValidAfter.Before(p.History[j].ValidAfter) })
	if len(p.History) > maxSurveyHistory {
		p.History = p.History[1:]
	}
	return pp
}

// survey tracks peer participation from the votes and signatures this
// authority handled.  Only the state goroutine touches it.
type survey struct {
	self  document.Fingerprint
	peers map[document.Fingerprint]*PeerSurvey
}

func newSurvey(self document.Fingerprint, peers []*config.Peer) *survey {
	s := &survey{self: self, peers: make(map[document.Fingerprint]*PeerSurvey)}
	s.reset(peers)
	return s
}

// reset follows a change of the authority set, keeping what is known
// of the peers that remain.
func (s *survey) reset(peers []*config.Peer) {
	keep := make(map[document.Fingerprint]*PeerSurvey)
	for _, p := range peers {
		id := p.Fingerprint()
		if id == s.self {
			continue
		}
		ps, ok := s.peers[id]
		if !ok {
			ps = &PeerSurvey{Identity: id, RejectionsByReason: make(map[votestore.Reason]int)}
		}
		ps.Name = p.Identifier
		keep[id] = ps
	}
	s.peers = keep
}

func (s *survey) voteAccepted(id document.Fingerprint, va time.Time) {
	ps, ok := s.peers[id]
	if !ok {
		return
	}
	ps.VotesAccepted++
	ps.period(va).Voted = true
	if va.After(ps.LastVote) {
		ps.LastVote = va
	}
}

func (s *survey) voteRejected(id document.Fingerprint, va time.Time, reason votestore.Reason) {
	ps, ok := s.peers[id]
	if !ok {
		return
	}
	ps.VotesRejected++
	ps.RejectionsByReason[reason]++
	pp := ps.period(va)
	pp.Rejections = append(pp.Rejections, reason)
}

func (s *survey) signature(id document.Fingerprint, va time.Time, ok bool) {
	ps, found := s.peers[id]
	if !found {
		return
	}
	if !ok {
		ps.SignaturesRejected++
		return
	}
	ps.SignaturesAccepted++
	ps.period(va).Signed++
}

// closePeriod notes which peers did not vote in the period va.
func (s *survey) closePeriod(va time.Time) {
	for _, ps := range s.peers {
		if ps.period(va).Voted {
			ps.ConsecutiveMissed = 0
		} else {
			ps.ConsecutiveMissed++
		}
	}
}

func (s *survey) sorted() []*PeerSurvey {
	out := make([]*PeerSurvey, 0, len(s.peers))
	for _, ps := range s.peers {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Compare(out[j].Identity) < 0 })
	return out
}

func (st *state) logPeerSurvey() {
	peers := st.survey.sorted()
	st.log.Debugf("=== PEER SURVEY (%d peers) ===", len(peers))
	for _, ps := range peers {
		var reasons []string
		for r, n := range ps.RejectionsByReason {
			reasons = append(reasons, string(r)+"="+strconv.Itoa(n))
		}
		sort.Strings(reasons)
		st.log.Debugf("%v (%v): votes %d/%d rejected, signatures %d/%d rejected, missed %d, last vote %v [%v]",
			ps.Name, ps.Identity, ps.VotesRejected, ps.VotesAccepted+ps.VotesRejected,
			ps.SignaturesRejected, ps.SignaturesAccepted+ps.SignaturesRejected,
			ps.ConsecutiveMissed, ps.LastVote, strings.Join(reasons, " "))
		if ps.ConsecutiveMissed >= 3 {
			st.log.Warningf("Authority %v has not voted in %d periods", ps.Name, ps.ConsecutiveMissed)
		}
	}
	st.log.Debugf("=== END PEER SURVEY ===")
}
