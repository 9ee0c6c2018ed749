// flags.go - Relay flag assignment.
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

package builder

import (
	"net/netip"
	"slices"
	"sort"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/authority/voting/server/rephist"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
)

// FastPercentile is the bandwidth percentile that earns the Fast flag.
const FastPercentile = 80

// ExitPorts are the ports an Exit must allow at least two of.
var ExitPorts = []uint16{80, 443, 6667}

// Policy is the flag configuration of one period.
type Policy struct {
	FastGuarantee     uint64
	GuardBWGuarantee  uint64
	MaxServersPerAddr int
	MinUptimeHSDir    time.Duration
	Actions           map[document.Fingerprint]config.RelayAction
}

// PolicyFromConfig extracts the flag policy of cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		FastGuarantee:     cfg.Flags.AuthDirFastGuarantee,
		GuardBWGuarantee:  cfg.Flags.AuthDirGuardBWGuarantee,
		MaxServersPerAddr: cfg.Flags.AuthDirMaxServersPerAddr,
		MinUptimeHSDir:    time.Duration(cfg.Flags.MinUptimeHidServDirectoryV2) * time.Second,
		Actions:           cfg.RelayPolicy(),
	}
}

// Thresholds are the quantitative flag thresholds of one period.
type Thresholds struct {
	FastBandwidth uint64
	History       rephist.Thresholds
}

// Percentile returns the nearest-rank p-th percentile of v, which it sorts.
func Percentile(v []uint64, p int) uint64 {
	if len(v) == 0 {
		return 0
	}
	slices.Sort(v)
	rank := (p*len(v) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return v[rank-1]
}

// IsExit returns true if the policy summary allows at least two of
// ExitPorts.
func IsExit(summary string) bool {
	p, err := document.ParsePolicySummary(summary)
	if err != nil {
		p = document.RejectAll
	}
	n := 0
	for _, port := range ExitPorts {
		if p.Permits(port) {
			n++
		}
	}
	return n >= 2
}

// candidate is a descriptor with the bandwidth the flags are computed from.
type candidate struct {
	desc      *routerlist.Descriptor
	bandwidth uint64
	measured  bool
}

// omitAsSybil returns the relays in excess of limit on a shared address.
// On each address the highest bandwidths are kept, ties going to the
// lowest fingerprint.
func omitAsSybil(cands []*candidate, limit int) map[document.Fingerprint]bool {
	byAddr := make(map[netip.Addr][]*candidate)
	for _, c := range cands {
		byAddr[c.desc.Address] = append(byAddr[c.desc.Address], c)
	}
	omit := make(map[document.Fingerprint]bool)
	for _, group := range byAddr {
		if len(group) <= limit {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].bandwidth != group[j].bandwidth {
				return group[i].bandwidth > group[j].bandwidth
			}
			return group[i].desc.Identity.Compare(group[j].desc.Identity) < 0
		})
		for _, c := range group[limit:] {
			omit[c.desc.Identity] = true
		}
	}
	return omit
}

// flags returns the flags of c.
func (b *Builder) flags(c *candidate, pol Policy, th Thresholds, now time.Time, decided bool) document.Flags {
	var f document.Flags
	id := c.desc.Identity

	running := decided && b.reach.Running(id, now)
	if running {
		f |= document.FlagRunning
	}
	switch pol.Actions[id] {
	case config.ActionBadExit:
		f |= document.FlagBadExit
	case config.ActionInvalid:
	default:
		f |= document.FlagValid
	}
	if IsExit(c.desc.Policy) {
		f |= document.FlagExit
	}
	fast := c.bandwidth >= pol.FastGuarantee || c.bandwidth >= th.FastBandwidth
	if fast {
		f |= document.FlagFast
	}
	stable := b.hist.Stable(id, th.History, now)
	if stable {
		f |= document.FlagStable
	}
	if c.bandwidth >= pol.GuardBWGuarantee && stable && fast && b.hist.Familiar(id, th.History, now) {
		f |= document.FlagGuard
	}
	if c.desc.DirCache {
		f |= document.FlagV2Dir
		if running && c.desc.UptimeAt(now) >= pol.MinUptimeHSDir {
			f |= document.FlagHSDir
		}
	}
	return f
}
