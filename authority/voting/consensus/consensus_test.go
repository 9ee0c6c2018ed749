// consensus_test.go - Consensus computation tests.
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
	"bytes"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/log"
)

var testValidAfter = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newComputer(t require.TestingT, n int) *Computer {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(b.GetLogger("consensus"), n)
}

func fp(b byte) document.Fingerprint {
	var f document.Fingerprint
	f[0] = b
	return f
}

func relay(id byte, bw uint64, flags document.Flags) *document.RelayStatus {
	r := &document.RelayStatus{
		Nickname:  "relay",
		Identity:  fp(id),
		Published: testValidAfter.Add(-time.Hour),
		Address:   netip.AddrFrom4([4]byte{10, 0, 0, id}),
		ORPort:    9001,
		Flags:     flags,
		Version:   "Tor 0.4.8.12",
		Bandwidth: bw,
	}
	r.Digest[0] = id
	r.MicrodescDigest[0] = id + 100
	return r
}

func measured(r *document.RelayStatus, bw uint64) *document.RelayStatus {
	r.IsMeasured, r.Measured = true, bw
	return r
}

func vote(auth byte, relays ...*document.RelayStatus) *document.Document {
	d := &document.Document{
		Type:             document.TypeVote,
		Flavor:           document.FlavorNS,
		ConsensusMethods: document.SupportedMethods(),
		Published:        testValidAfter.Add(-5 * time.Minute),
		ValidAfter:       testValidAfter,
		FreshUntil:       testValidAfter.Add(time.Hour),
		ValidUntil:       testValidAfter.Add(3 * time.Hour),
		VoteDelay:        5 * time.Minute,
		DistDelay:        5 * time.Minute,
		KnownFlags:       document.AllFlags,
		Authorities: []document.Authority{{
			Nickname: "auth",
			Identity: fp(200 + auth),
			Address:  "192.0.2.1",
			DirPort:  9030,
			ORPort:   9001,
		}},
	}
	for _, r := range relays {
		d.Relays = append(d.Relays, r.Clone())
	}
	d.SortRelays()
	return d
}

const running = document.FlagRunning | document.FlagValid

func TestThreeAuthorityHappyPath(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var votes []*document.Document
	for a := byte(0); a < 3; a++ {
		votes = append(votes, vote(a,
			measured(relay(1, 1000, running|document.FlagFast), 950),
			measured(relay(2, 5000, running|document.FlagFast), 5100),
			measured(relay(3, 100, document.FlagValid), 90),
		))
	}

	var bodies [][]byte
	for i := 0; i < 3; i++ {
		c := newComputer(t, 3)
		// Each authority sees the votes in a different order.
		rotated := append(append([]*document.Document(nil), votes[i:]...), votes[:i]...)
		doc, err := c.Compute(rotated, document.FlavorNS)
		require.NoError(err)
		bodies = append(bodies, doc.SignableBody())

		require.Equal(document.MaxMethod, doc.ConsensusMethod)
		require.Len(doc.Authorities, 3)
		require.Len(doc.Relays, 3)
		require.Equal(fp(1), doc.Relays[0].Identity)
		require.Equal(fp(2), doc.Relays[1].Identity)
		require.Equal(fp(3), doc.Relays[2].Identity)
		require.True(doc.Relays[0].Flags.Has(document.FlagRunning))
		require.True(doc.Relays[1].Flags.Has(document.FlagRunning))
		require.False(doc.Relays[2].Flags.Has(document.FlagRunning))
		require.Equal(uint64(950), doc.Relays[0].Bandwidth)
		require.Equal(uint64(5100), doc.Relays[1].Bandwidth)
		require.Equal(uint64(90), doc.Relays[2].Bandwidth)
		require.False(doc.Relays[0].Unmeasured)
	}
	require.Equal(bodies[0], bodies[1])
	require.Equal(bodies[0], bodies[2])

	body := bodies[0]
	parsed, err := document.Parse(body[:len(body)-len("directory-signature ")])
	require.NoError(err)
	require.Len(parsed.Relays, 3)
}

func TestSplitBandwidth(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{
		vote(0, measured(relay(1, 1000, running), 950)),
		vote(1, measured(relay(1, 1000, running), 1050)),
		vote(2, measured(relay(1, 1000, running), 1000)),
	}
	doc, err := newComputer(t, 3).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.Len(doc.Relays, 1)
	require.Equal(uint64(1000), doc.Relays[0].Bandwidth)

	// Without measurements the declared bandwidths are used.
	votes = []*document.Document{
		vote(0, relay(1, 300, running)),
		vote(1, relay(1, 100, running)),
		vote(2, relay(1, 200, running)),
		vote(3, relay(1, 400, running)),
	}
	doc, err = newComputer(t, 4).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.Equal(uint64(200), doc.Relays[0].Bandwidth)
	require.False(doc.Relays[0].Unmeasured)
}

func TestTiedFlagVote(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{
		vote(0, relay(1, 1000, running|document.FlagGuard)),
		vote(1, relay(1, 1000, running|document.FlagGuard)),
		vote(2, relay(1, 1000, running)),
		vote(3, relay(1, 1000, running)),
	}
	doc, err := newComputer(t, 4).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.Len(doc.Relays, 1)
	require.False(doc.Relays[0].Flags.Has(document.FlagGuard))
	require.True(doc.Relays[0].Flags.Has(document.FlagRunning))

	// Only the authorities that know a flag vote on it.
	votes[2].KnownFlags &^= document.FlagGuard
	votes[3].KnownFlags &^= document.FlagGuard
	doc, err = newComputer(t, 4).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.True(doc.Relays[0].Flags.Has(document.FlagGuard))
}

func TestUnlistedByMinority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{
		vote(0, relay(1, 1000, running), relay(4, 1000, running)),
		vote(1, relay(1, 1000, running)),
		vote(2, relay(1, 1000, running)),
	}
	doc, err := newComputer(t, 3).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.Len(doc.Relays, 1)
	_, ok := doc.Relay(fp(4))
	require.False(ok)
}

func TestDigestDisagreement(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r1, r2, r3 := relay(1, 1000, running), relay(1, 1000, running), relay(1, 1000, running)
	r2.Digest[1], r3.Digest[1] = 1, 2
	r2.Address = netip.AddrFrom4([4]byte{192, 0, 2, 9})
	doc, err := newComputer(t, 3).Compute([]*document.Document{vote(0, r1), vote(1, r2), vote(2, r3)}, document.FlavorNS)
	require.NoError(err)
	require.Empty(doc.Relays)

	// The majority digest wins and its lowest voter supplies the address.
	r3.Digest = r2.Digest
	doc, err = newComputer(t, 3).Compute([]*document.Document{vote(2, r3), vote(0, r1), vote(1, r2)}, document.FlavorNS)
	require.NoError(err)
	require.Len(doc.Relays, 1)
	require.Equal(r2.Digest, doc.Relays[0].Digest)
	require.Equal(r2.Address, doc.Relays[0].Address)
}

func TestInsufficientVotes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{vote(0, relay(1, 1000, running)), vote(1, relay(1, 1000, running))}
	_, err := newComputer(t, 5).Compute(votes, document.FlavorNS)
	require.ErrorIs(err, ErrInsufficientVotes)
	_, err = newComputer(t, 5).ComputeAll(votes)
	require.ErrorIs(err, ErrInsufficientVotes)

	_, err = newComputer(t, 3).Compute(votes, document.FlavorNS)
	require.NoError(err)

	require.Panics(func() {
		newComputer(t, 3).Compute([]*document.Document{votes[0], votes[0]}, document.FlavorNS)
	})
}

func TestMethodSelection(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{vote(0), vote(1), vote(2)}
	require.Equal(document.MethodGuardFraction, ChooseMethod(votes))

	votes[0].ConsensusMethods = []int{1, 2}
	require.Equal(document.MethodGuardFraction, ChooseMethod(votes))
	votes[1].ConsensusMethods = []int{1, 2}
	require.Equal(document.MethodBandwidthWeights, ChooseMethod(votes))
	votes[2].ConsensusMethods = []int{1}
	require.Equal(document.MethodBandwidthWeights, ChooseMethod(votes))
	votes[1].ConsensusMethods = []int{1}
	require.Equal(document.MethodBase, ChooseMethod(votes))
	votes[0].ConsensusMethods = []int{9}
	require.Equal(document.MethodBase, ChooseMethod(votes))

	_, err := newComputer(t, 3).ComputeWithMethod(votes, document.FlavorNS, 9)
	require.ErrorIs(err, document.ErrUnknownMethod)
}

func TestMethodFeatures(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	guard := running | document.FlagGuard | document.FlagFast | document.FlagStable
	exit := running | document.FlagExit | document.FlagFast
	mkVote := func(a byte) *document.Document {
		g := measured(relay(1, 4000, guard), 4000)
		g.HasGuardFraction, g.GuardFraction = true, 5000
		return vote(a, g,
			measured(relay(2, 4000, exit), 4000),
			measured(relay(3, 1000, running), 1000),
			measured(relay(4, 1000, guard|document.FlagExit), 1000),
			relay(5, 50, running),
		)
	}
	votes := []*document.Document{mkVote(0), mkVote(1), mkVote(2)}
	c := newComputer(t, 3)

	doc, err := c.ComputeWithMethod(votes, document.FlavorNS, document.MethodBase)
	require.NoError(err)
	require.Nil(doc.BandwidthWeights)
	require.Nil(doc.SRVCurrent)
	require.NotContains(string(doc.SignableBody()), "Unmeasured=1")
	require.NotContains(string(doc.SignableBody()), "GuardFraction")

	doc, err = c.ComputeWithMethod(votes, document.FlavorNS, document.MethodBandwidthWeights)
	require.NoError(err)
	require.NotNil(doc.BandwidthWeights)
	require.Len(doc.BandwidthWeights, 19)
	r5, ok := doc.Relay(fp(5))
	require.True(ok)
	require.True(r5.Unmeasured)
	require.Contains(string(doc.SignableBody()), "Unmeasured=1")
	require.NotContains(string(doc.SignableBody()), "GuardFraction")

	doc, err = c.ComputeWithMethod(votes, document.FlavorNS, document.MethodGuardFraction)
	require.NoError(err)
	require.NotNil(doc.SRVCurrent)
	r1, ok := doc.Relay(fp(1))
	require.True(ok)
	require.Equal(uint32(5000), r1.GuardFraction)
	require.Contains(string(doc.SignableBody()), "GuardFraction=5000")

	docs, err := c.ComputeAll(votes)
	require.NoError(err)
	require.Len(docs, 2)
	md := docs[document.FlavorMicrodesc]
	require.Equal(document.FlavorMicrodesc, md.Flavor)
	require.True(md.Relays[0].Digest == document.Digest{})
	require.Equal(byte(101), md.Relays[0].MicrodescDigest[0])
	require.True(bytes.HasPrefix(md.SignableBody(), []byte("network-status-version 3 microdesc\n")))
	require.NotEqual(docs[document.FlavorNS].SignableBody(), md.SignableBody())
}

func TestHeaderMerge(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	votes := []*document.Document{vote(0), vote(1), vote(2), vote(3)}
	votes[0].Params = map[string]int64{"circwindow": 1000, "a": 1}
	votes[1].Params = map[string]int64{"circwindow": 2000}
	votes[2].Params = map[string]int64{"circwindow": 500}
	votes[3].Params = map[string]int64{"circwindow": 3000, "a": 5}
	votes[0].ClientVersions = []string{"0.4.8.9", "0.4.8.12"}
	votes[1].ClientVersions = []string{"0.4.8.12", "0.4.8.9", "0.4.9.1"}
	votes[2].ClientVersions = []string{"0.4.8.12"}
	votes[3].FreshUntil = votes[3].FreshUntil.Add(time.Hour)
	votes[3].KnownFlags = document.FlagRunning

	doc, err := newComputer(t, 4).Compute(votes, document.FlavorNS)
	require.NoError(err)
	require.Equal(map[string]int64{"circwindow": 1000, "a": 1}, doc.Params)
	require.Equal([]string{"0.4.8.9", "0.4.8.12"}, doc.ClientVersions)
	require.Nil(doc.ServerVersions)
	require.Equal(testValidAfter.Add(time.Hour), doc.FreshUntil)
	require.Equal(document.AllFlags, doc.KnownFlags)
	for i := 1; i < len(doc.Authorities); i++ {
		require.Equal(-1, doc.Authorities[i-1].Identity.Compare(doc.Authorities[i].Identity))
	}
	for i, a := range doc.Authorities {
		digest, err := votes[i].Digest()
		require.NoError(err)
		require.Equal(digest, a.VoteDigest)
	}

	require.Equal(-1, CompareVersions("0.4.8.9", "0.4.8.12"))
	require.Equal(1, CompareVersions("0.4.9", "0.4.8.12"))
	require.Equal(-1, CompareVersions("0.4.8", "0.4.8.1"))
	require.Equal(0, CompareVersions("0.4.8-alpha", "0.4.8-alpha"))
}

func TestFlagMajorityGrid(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	numVotes := []interface{}{1, 2, 3, 4, 5, 6, 7}
	asserting := []interface{}{0, 1, 2, 3, 4, 5, 6, 7}
	for p := range cartesian.Iter(numVotes, asserting) {
		n, k := p[0].(int), p[1].(int)
		if k > n {
			continue
		}
		var votes []*document.Document
		for a := 0; a < n; a++ {
			flags := document.FlagValid
			if a < k {
				flags |= document.FlagStable
			}
			votes = append(votes, vote(byte(a), relay(1, 100, flags)))
		}
		doc, err := newComputer(t, n).Compute(votes, document.FlavorNS)
		require.NoError(err)
		require.Len(doc.Relays, 1)
		require.Equal(2*k > n, doc.Relays[0].Flags.Has(document.FlagStable), "n=%d k=%d", n, k)
	}
}

func TestLowerMedian(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal(int64(2), LowerMedian([]int64{4, 1, 3, 2}))
	require.Equal(uint64(1000), LowerMedian([]uint64{950, 1050, 1000}))
	require.Equal(int64(0), LowerMedian([]int64(nil)))

	rapid.Check(t, func(t *rapid.T) {
		vals := rapid.SliceOfN(rapid.Int64(), 1, 50).Draw(t, "vals")
		orig := append([]int64(nil), vals...)
		med := LowerMedian(vals)
		if !equalInts(orig, vals) {
			t.Fatalf("input modified")
		}
		below, above := 0, 0
		for _, v := range vals {
			if v < med {
				below++
			}
			if v > med {
				above++
			}
		}
		// The lower middle element has at most (n-1)/2 smaller elements and
		// at most n/2 larger ones.
		if below > (len(vals)-1)/2 || above > len(vals)/2 {
			t.Fatalf("median %d of %v: %d below, %d above", med, vals, below, above)
		}
	})
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func votesGen() *rapid.Generator[[]*document.Document] {
	return rapid.Custom(func(t *rapid.T) []*document.Document {
		n := rapid.IntRange(1, 6).Draw(t, "authorities")
		var votes []*document.Document
		for a := 0; a < n; a++ {
			v := vote(byte(a))
			v.Params = map[string]int64{"p": rapid.Int64Range(-5, 5).Draw(t, "param")}
			for id := byte(1); id <= 8; id++ {
				if !rapid.Bool().Draw(t, "listed") {
					continue
				}
				r := relay(id, rapid.Uint64Range(1, 10000).Draw(t, "bw"), document.Flags(rapid.Uint16().Draw(t, "flags"))&document.AllFlags)
				r.Digest[1] = byte(rapid.IntRange(0, 1).Draw(t, "digest"))
				r.Version = rapid.SampledFrom([]string{"", "Tor 0.4.8.12", "Tor 0.4.9.1"}).Draw(t, "version")
				if rapid.Bool().Draw(t, "measured") {
					measured(r, rapid.Uint64Range(1, 10000).Draw(t, "measuredbw"))
				}
				v.Relays = append(v.Relays, r)
			}
			votes = append(votes, v)
		}
		return votes
	})
}

func TestDeterminism(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		votes := votesGen().Draw(t, "votes")
		permuted := rapid.Permutation(votes).Draw(t, "permuted")
		c := newComputer(t, len(votes))
		for _, f := range document.Flavors {
			a, err := c.Compute(votes, f)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			b, err := c.Compute(permuted, f)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if !bytes.Equal(a.SignableBody(), b.SignableBody()) {
				t.Fatalf("signable bodies differ:\n%s\n%s", a.SignableBody(), b.SignableBody())
			}
		}
	})
}

func TestStrictMajorityInclusion(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		votes := votesGen().Draw(t, "votes")
		doc, err := newComputer(t, len(votes)).Compute(votes, document.FlavorNS)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		ids := make([]document.Fingerprint, 0, len(doc.Relays))
		for _, r := range doc.Relays {
			ids = append(ids, r.Identity)
			listers, withDigest := 0, 0
			for _, v := range votes {
				if e, ok := v.Relay(r.Identity); ok {
					listers++
					if e.Digest == r.Digest {
						withDigest++
					}
				}
			}
			if listers < len(votes)/2+1 {
				t.Fatalf("%v included with %d of %d listers", r.Identity, listers, len(votes))
			}
			if 2*withDigest <= listers {
				t.Fatalf("%v included without a digest majority", r.Identity)
			}
		}
		if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 }) {
			t.Fatalf("relays are not sorted")
		}
	})
}

func TestMajority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// An exact half is not a majority.
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 9: 5, 10: 6} {
		require.Equal(want, Majority(n), "n=%d", n)
		require.Greater(2*Majority(n), n)
		require.LessOrEqual(2*(Majority(n)-1), n)
	}
}
