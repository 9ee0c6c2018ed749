// handle.go - Active configuration holder.
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

package config

import (
	"sort"
	"sync/atomic"

	"github.com/katzenpost/hpqc/sign"

	"github.com/dirvote/dirauth/authority/voting/document"
)

// timingFields lists every setting that shapes the voting schedule.
var timingFields = []struct {
	name string
	get  func(*Voting) int
}{
	{"V3AuthVotingInterval", func(v *Voting) int { return v.V3AuthVotingInterval }},
	{"V3AuthVoteDelay", func(v *Voting) int { return v.V3AuthVoteDelay }},
	{"V3AuthDistDelay", func(v *Voting) int { return v.V3AuthDistDelay }},
	{"TestingV3AuthInitialVotingInterval", func(v *Voting) int { return v.TestingV3AuthInitialVotingInterval }},
	{"TestingV3AuthInitialVoteDelay", func(v *Voting) int { return v.TestingV3AuthInitialVoteDelay }},
	{"TestingV3AuthInitialDistDelay", func(v *Voting) int { return v.TestingV3AuthInitialDistDelay }},
	{"TestingV3AuthVotingStartOffset", func(v *Voting) int { return v.TestingV3AuthVotingStartOffset }},
}

// TimingChanges returns the names of the schedule settings that differ
// between old and new.  A change of v3 authority mode is reported as
// "V3AuthoritativeDir".
func TimingChanges(old, new *Config) []string {
	if old.Authority.IsV3() != new.Authority.IsV3() {
		return []string{"V3AuthoritativeDir"}
	}
	if !new.Authority.IsV3() {
		return nil
	}
	var changed []string
	for _, f := range timingFields {
		if f.get(old.Voting) != f.get(new.Voting) {
			changed = append(changed, f.name)
		}
	}
	return changed
}

// AffectsTiming returns true if changing the configuration from old to new
// requires the schedule to be recalculated.
func AffectsTiming(old, new *Config) bool {
	return len(TimingChanges(old, new)) != 0
}

// Handle holds the active configuration.  Readers never observe a partially
// updated Config.
type Handle struct {
	cfg atomic.Pointer[Config]
}

// NewHandle returns a Handle holding cfg.
func NewHandle(cfg *Config) *Handle {
	h := new(Handle)
	h.cfg.Store(cfg)
	return h
}

// Get returns the active configuration.
func (h *Handle) Get() *Config {
	return h.cfg.Load()
}

// Swap installs cfg and returns the names of the schedule settings that
// changed.  The caller reschedules when the list is not empty.
func (h *Handle) Swap(cfg *Config) []string {
	old := h.cfg.Swap(cfg)
	if old == nil {
		return nil
	}
	return TimingChanges(old, cfg)
}

// AuthorityRegistry is the closed set of authorities.
type AuthorityRegistry struct {
	peers map[document.Fingerprint]*Peer
	ids   []document.Fingerprint
}

// NewAuthorityRegistry indexes peers by identity fingerprint.
func NewAuthorityRegistry(peers []*Peer) *AuthorityRegistry {
	r := &AuthorityRegistry{
		peers: make(map[document.Fingerprint]*Peer, len(peers)),
	}
	for _, p := range peers {
		fp := p.Fingerprint()
		if _, ok := r.peers[fp]; ok {
			continue
		}
		r.peers[fp] = p
		r.ids = append(r.ids, fp)
	}
	sort.Slice(r.ids, func(i, j int) bool {
		return r.ids[i].Compare(r.ids[j]) < 0
	})
	return r
}

// Len returns the number of authorities.
func (r *AuthorityRegistry) Len() int {
	return len(r.ids)
}

// IDs returns the authority fingerprints in ascending order.
func (r *AuthorityRegistry) IDs() []document.Fingerprint {
	return r.ids
}

// Lookup returns the authority with fingerprint id.
func (r *AuthorityRegistry) Lookup(id document.Fingerprint) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// IdentityKey returns the identity key of the authority id.
func (r *AuthorityRegistry) IdentityKey(id document.Fingerprint) (sign.PublicKey, bool) {
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return p.IdentityPublicKey, true
}
