// state_test.go - Voting state machine tests.
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
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/authority/voting/server/reachability"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
	"github.com/dirvote/dirauth/authority/voting/server/spool"
)

// testStart is the start of voting for the 11:45 period under a five
// minute interval.
var testStart = time.Date(2026, 10, 16, 11, 40, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testClock struct {
	sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.Lock()
	defer c.Unlock()
	c.now = t
}

type testAuthority struct {
	name    string
	dataDir string
	pub     sign.PublicKey
}

func newAuthorities(t *testing.T, n int) []*testAuthority {
	require := require.New(t)
	scheme := signSchemes.ByName("Ed25519")

	auths := make([]*testAuthority, 0, n)
	for i := 0; i < n; i++ {
		a := &testAuthority{
			name:    fmt.Sprintf("auth%d", i),
			dataDir: t.TempDir(),
		}
		// The data directory must not be group or world accessible.
		require.NoError(os.Chmod(a.dataDir, 0700))
		pub, priv, err := scheme.GenerateKey()
		require.NoError(err)
		require.NoError(signpem.PrivateKeyToFile(filepath.Join(a.dataDir, config.IdentityPrivateKeyFile), priv))
		require.NoError(signpem.PublicKeyToFile(filepath.Join(a.dataDir, config.IdentityPublicKeyFile), pub))
		a.pub = pub
		auths = append(auths, a)
	}
	return auths
}

func testConfig(t *testing.T, self *testAuthority, all []*testAuthority) *config.Config {
	var b strings.Builder
	fmt.Fprintf(&b, `
[Server]
Identifier = %q
Address = "127.0.0.1"
ORPort = 9001
DirPort = 9030
DataDir = %q
PKISignatureScheme = "Ed25519"
PeerRetryMaxAttempts = 1

[Logging]
Disable = true
Level = "DEBUG"

[Authority]
AuthoritativeDir = true
V3AuthoritativeDir = true
ContactInfo = "dirauth-admin@example.org"

[Voting]
TestingTorNetwork = true
V3AuthVotingInterval = 300
V3AuthVoteDelay = 30
V3AuthDistDelay = 30
TestingV3AuthInitialVotingInterval = 300
TestingV3AuthInitialVoteDelay = 30
TestingV3AuthInitialDistDelay = 30
SignatureGrace = 30
`, self.name, self.dataDir)
	for _, a := range all {
		fmt.Fprintf(&b, `
[[Authorities]]
Identifier = %q
PKISignatureScheme = "Ed25519"
Address = "127.0.0.1"
ORPort = 9001
DirPort = 9030
IdentityPublicKey = '''
%s'''
`, a.name, signpem.ToPublicPEMString(a.pub))
	}
	cfg, err := config.Load([]byte(b.String()), false)
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, self *testAuthority, all []*testAuthority, clk Clock) *Server {
	s, err := New(testConfig(t, self, all), WithClock(clk), withoutWorker())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func startAll(t *testing.T, auths, all []*testAuthority, clk Clock) []*Server {
	servers := make([]*Server, 0, len(auths))
	for _, a := range auths {
		servers = append(servers, newTestServer(t, a, all, clk))
	}
	return servers
}

// settle runs the replies of every outstanding job through the state
// machine, as the worker goroutine would.
func settle(t *testing.T, s *Server) {
	st := s.state
	deadline := time.After(10 * time.Second)
	for st.jobs.pending() > 0 {
		select {
		case r := <-st.jobs.replyCh:
			st.onReply(r)
		case <-deadline:
			t.Fatalf("%d jobs still pending", st.jobs.pending())
		}
	}
}

func tick(t *testing.T, clk *testClock, servers []*Server, at time.Time) {
	clk.Set(at)
	for _, s := range servers {
		s.state.onTick(at)
		settle(t, s)
	}
}

func poll(t *testing.T, servers ...*Server) {
	for _, s := range servers {
		s.state.pollInbox()
		settle(t, s)
	}
}

func spoolOf(s *Server) *spool.Spool {
	return s.state.transport.(*spool.Spool)
}

// route moves the outbox files of kind k written by src into the inboxes
// of dsts.
func route(t *testing.T, k spool.Kind, src *Server, dsts ...*Server) {
	require := require.New(t)
	dir := spoolOf(src).OutboxPath(k)
	entries, err := os.ReadDir(dir)
	require.NoError(err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(p)
		require.NoError(err)
		for _, dst := range dsts {
			if dst == src {
				continue
			}
			require.NoError(spoolOf(dst).Deliver(context.Background(), k, e.Name(), b))
		}
		require.NoError(os.Remove(p))
	}
}

func routeAll(t *testing.T, k spool.Kind, servers []*Server) {
	for _, s := range servers {
		route(t, k, s, servers...)
	}
}

func testDescriptors(n int) []*routerlist.Descriptor {
	descs := make([]*routerlist.Descriptor, 0, n)
	for i := 1; i <= n; i++ {
		d := &routerlist.Descriptor{
			Nickname:  fmt.Sprintf("relay%d", i),
			Published: testStart.Add(-time.Hour),
			Address:   netip.AddrFrom4([4]byte{198, 51, 100, byte(i)}),
			ORPort:    9001,
			Bandwidth: uint64(1000 * i),
			Version:   "Tor 0.4.8.12",
			Uptime:    24 * time.Hour,
		}
		d.Identity[0] = byte(i * 16)
		d.Identity[1] = byte(i)
		d.Digest[0] = byte(i)
		d.MicrodescDigest[0] = byte(i)
		descs = append(descs, d)
	}
	return descs
}

// seedRelays hands every server the same descriptors and a successful
// probe of each relay.
func seedRelays(t *testing.T, servers []*Server, at time.Time) {
	require := require.New(t)
	ctx := context.Background()
	for _, s := range servers {
		sp := spoolOf(s)
		for _, d := range testDescriptors(4) {
			b, err := d.Marshal()
			require.NoError(err)
			require.NoError(sp.Deliver(ctx, spool.KindDescriptors, d.Identity.String()+".desc", b))
			b, err = spool.MarshalProbe(reachability.Result{ID: d.Identity, Reachable: true, At: at})
			require.NoError(err)
			require.NoError(sp.Deliver(ctx, spool.KindProbes, d.Identity.String()+".probe", b))
		}
	}
	poll(t, servers...)
}

func drain(ch <-chan Event) []Event {
	var evs []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOf[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func TestThreeAuthoritiesAgree(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	auths := newAuthorities(t, 3)
	servers := startAll(t, auths, auths, clk)
	var subs []<-chan Event
	for _, s := range servers {
		require.True(s.state.initial)
		subs = append(subs, s.Subscribe())
	}
	va := testStart.Add(5 * time.Minute)

	seedRelays(t, servers, testStart)
	for _, s := range servers {
		require.Len(s.state.routers.All(), 4)
	}

	tick(t, clk, servers, testStart)
	routeAll(t, spool.KindVotes, servers)
	poll(t, servers...)
	for _, s := range servers {
		require.Equal(3, s.state.votes.Count(va))
	}

	tick(t, clk, servers, testStart.Add(30*time.Second))
	routeAll(t, spool.KindSignatures, servers)
	poll(t, servers...)
	tick(t, clk, servers, testStart.Add(time.Minute))

	var digests []document.Digest
	for i, s := range servers {
		evs := drain(subs[i])
		require.Len(eventsOf[*VoteBuilt](evs), 1)
		require.Len(eventsOf[*VoteAccepted](evs), 2)
		require.Empty(eventsOf[*VoteRejected](evs))
		require.Empty(eventsOf[*NoConsensus](evs))

		computed := eventsOf[*ConsensusComputed](evs)
		require.Len(computed, len(document.Flavors))
		for _, ev := range computed {
			require.Equal(va, ev.ValidAfter)
			require.Equal(document.MaxMethod, ev.Method)
			if ev.Flavor == document.FlavorNS {
				digests = append(digests, ev.Digest)
			}
		}

		published := eventsOf[*ConsensusPublished](evs)
		require.Len(published, len(document.Flavors))
		for _, ev := range published {
			require.Equal(3, ev.Signatures)
		}

		doc := s.state.consensus[document.FlavorNS]
		require.NotNil(doc)
		require.Equal(va, doc.ValidAfter)
		require.Len(doc.Signatures, 3)
		require.False(s.state.initial)

		entries, err := os.ReadDir(spoolOf(s).OutboxPath(spool.KindConsensus))
		require.NoError(err)
		require.Len(entries, len(document.Flavors))

		for _, ps := range s.state.survey.sorted() {
			require.Equal(1, ps.VotesAccepted)
			require.Zero(ps.ConsecutiveMissed)
		}
	}
	require.Len(digests, 3)
	require.Equal(digests[0], digests[1])
	require.Equal(digests[0], digests[2])

	// The consensus survives a restart.
	servers[0].Shutdown()
	clk.Set(testStart.Add(2 * time.Minute))
	s := newTestServer(t, auths[0], auths, clk)
	require.False(s.state.initial)
	doc := s.state.consensus[document.FlavorNS]
	require.NotNil(doc)
	require.Equal(va, doc.ValidAfter)
	require.True(s.state.store.hasVote(va, s.state.keys.Identity()))
}

func TestInsufficientVotes(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	auths := newAuthorities(t, 5)
	servers := startAll(t, auths[:2], auths, clk)
	sub := servers[0].Subscribe()

	seedRelays(t, servers, testStart)
	tick(t, clk, servers, testStart)
	routeAll(t, spool.KindVotes, servers)
	poll(t, servers...)
	tick(t, clk, servers, testStart.Add(30*time.Second))

	evs := drain(sub)
	require.Empty(eventsOf[*ConsensusComputed](evs))
	nc := eventsOf[*NoConsensus](evs)
	require.Len(nc, 1)
	require.Equal(ReasonInsufficientVotes, nc[0].Reason)
	require.Equal(2, nc[0].Votes)
	require.Equal(testStart.Add(5*time.Minute), nc[0].ValidAfter)

	// Nothing is published, and the failure is reported once.
	tick(t, clk, servers, testStart.Add(2*time.Minute))
	evs = drain(sub)
	require.Empty(eventsOf[*ConsensusPublished](evs))
	require.Empty(eventsOf[*NoConsensus](evs))
	require.Nil(servers[0].state.consensus[document.FlavorNS])
}

func TestSignatureGrace(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	auths := newAuthorities(t, 3)
	servers := startAll(t, auths, auths, clk)
	a, b, c := servers[0], servers[1], servers[2]
	subA, subC := a.Subscribe(), c.Subscribe()

	seedRelays(t, servers, testStart)
	tick(t, clk, servers, testStart)
	routeAll(t, spool.KindVotes, servers)
	poll(t, servers...)
	tick(t, clk, servers, testStart.Add(30*time.Second))

	// No signatures were exchanged by the distribution deadline.
	tick(t, clk, servers, testStart.Add(time.Minute))
	require.Empty(eventsOf[*ConsensusPublished](drain(subA)))
	require.Empty(eventsOf[*ConsensusPublished](drain(subC)))

	// A late signature from b completes a's majority.
	route(t, spool.KindSignatures, b, a)
	clk.Set(testStart.Add(70 * time.Second))
	poll(t, a)
	published := eventsOf[*ConsensusPublished](drain(subA))
	require.Len(published, len(document.Flavors))
	for _, ev := range published {
		require.Equal(2, ev.Signatures)
	}

	// c never hears from anyone.
	tick(t, clk, servers, testStart.Add(90*time.Second))
	require.Empty(eventsOf[*NoConsensus](drain(subA)))
	nc := eventsOf[*NoConsensus](drain(subC))
	require.Len(nc, 1)
	require.Equal(ReasonInsufficientSignatures, nc[0].Reason)
	require.Equal(3, nc[0].Votes)
}

func TestClockSkew(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	slow := &testClock{now: testStart.Add(-10 * time.Minute)}
	auths := newAuthorities(t, 3)
	a := newTestServer(t, auths[0], auths, slow)
	peers := startAll(t, auths[1:], auths, clk)
	servers := append([]*Server{a}, peers...)
	sub := a.Subscribe()

	seedRelays(t, servers, testStart)
	require.Equal(testStart.Add(-5*time.Minute), a.state.votes.Current().ValidAfter)

	tick(t, clk, peers, testStart)
	routeAll(t, spool.KindVotes, servers)
	poll(t, a)

	evs := drain(sub)
	rejected := eventsOf[*VoteRejected](evs)
	require.Len(rejected, 2)
	for _, ev := range rejected {
		require.Equal("wrong-period", string(ev.Reason))
	}

	at := slow.Now().Add(30 * time.Second)
	a.state.onTick(at)
	settle(t, a)
	evs = drain(sub)
	skew := eventsOf[*ClockSkew](evs)
	require.Len(skew, 1)
	require.Equal(2, skew[0].Rejected)
	resync := eventsOf[*Resynchronised](evs)
	require.Len(resync, 1)
	require.Equal(testStart, resync[0].ValidAfter)
	require.Empty(eventsOf[*ConsensusComputed](evs))
	require.Empty(eventsOf[*NoConsensus](evs))
}

func TestClockWentBackward(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	auths := newAuthorities(t, 1)
	s := newTestServer(t, auths[0], auths, clk)
	sub := s.Subscribe()

	// Without relays there is nothing to vote on.
	tick(t, clk, []*Server{s}, testStart)
	evs := drain(sub)
	require.Empty(eventsOf[*VoteBuilt](evs))

	tick(t, clk, []*Server{s}, testStart.Add(-10*time.Minute))
	resync := eventsOf[*Resynchronised](drain(sub))
	require.Len(resync, 1)
	require.Equal(testStart.Add(-5*time.Minute), resync[0].ValidAfter)
	require.Equal(testStart.Add(-5*time.Minute), s.state.votes.Current().ValidAfter)
}

func TestReload(t *testing.T) {
	require := require.New(t)
	clk := &testClock{now: testStart}
	auths := newAuthorities(t, 2)
	s := newTestServer(t, auths[0], auths, clk)
	require.Equal(2, s.state.registry.Len())

	cfg := testConfig(t, auths[0], auths[:1])
	cfg.Voting.V3AuthVotingInterval = 600
	s.state.onReload(cfg)
	require.Equal(1, s.state.registry.Len())
	require.Len(s.state.survey.sorted(), 0)

	// Still on the initial schedule, so the interval is unchanged.
	require.Equal(5*time.Minute, s.state.sched.Instant().Interval)

	bad := testConfig(t, auths[0], auths)
	bad.Server.DataDir = t.TempDir()
	require.Error(s.Reload(bad))
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)
	auths := newAuthorities(t, 1)
	cfg := testConfig(t, auths[0], auths)
	cfg.Debug.GenerateOnly = true

	_, err := New(cfg, WithClock(&testClock{now: testStart}))
	require.ErrorIs(err, ErrGenerateOnly)
	for _, f := range []string{signingPrivateKeyFile, signingPublicKeyFile, signingCertFile} {
		_, err := os.Stat(filepath.Join(auths[0].dataDir, f))
		require.NoError(err)
	}
}
