// spool_test.go - File spool transport tests.
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

package spool

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/reachability"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
	"github.com/dirvote/dirauth/core/log"
	"github.com/dirvote/dirauth/core/retry"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newSpool(t *testing.T) *Spool {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := New(b.GetLogger("spool"), t.TempDir(), retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	return s
}

func fp(b byte) document.Fingerprint {
	var id document.Fingerprint
	for i := range id {
		id[i] = b
	}
	return id
}

func TestPublish(t *testing.T) {
	require := require.New(t)
	s := newSpool(t)
	ctx := context.Background()

	vote := &document.Document{
		Type:        document.TypeVote,
		ValidAfter:  testNow,
		Authorities: []document.Authority{{Nickname: "moria1", Identity: fp(0xaa)}},
	}
	require.NoError(s.PublishVote(ctx, vote))
	raw, err := os.ReadFile(filepath.Join(s.OutboxPath(KindVotes), "1792152000-"+fp(0xaa).String()+".vote"))
	require.NoError(err)
	require.Equal(vote.Marshal(), raw)

	ds := &document.DetachedSignature{
		ValidAfter: testNow.Unix(),
		Flavor:     document.FlavorMicrodesc,
		Identity:   fp(0xbb),
		Value:      []byte("signature"),
	}
	require.NoError(s.PublishSignature(ctx, ds))
	entries, err := os.ReadDir(s.OutboxPath(KindSignatures))
	require.NoError(err)
	require.Len(entries, 1)

	require.NoError(s.RequestProbes(ctx, testNow, []document.Fingerprint{fp(1), fp(2)}))
	entries, err = os.ReadDir(s.OutboxPath(KindProbeRequests))
	require.NoError(err)
	require.Len(entries, 1)
	raw, err = os.ReadFile(filepath.Join(s.OutboxPath(KindProbeRequests), entries[0].Name()))
	require.NoError(err)
	ids, err := ReadProbeRequest(raw)
	require.NoError(err)
	require.Equal([]document.Fingerprint{fp(1), fp(2)}, ids)

	// Nothing to probe writes nothing.
	require.NoError(s.RequestProbes(ctx, testNow.Add(time.Minute), nil))
	entries, err = os.ReadDir(s.OutboxPath(KindProbeRequests))
	require.NoError(err)
	require.Len(entries, 1)

	require.Equal(3, s.PruneOutbox(testNow.Add(time.Second)))
	require.Zero(s.PruneOutbox(testNow.Add(time.Hour)))
}

func TestBadName(t *testing.T) {
	s := newSpool(t)
	for _, name := range []string{"", ".hidden", "../escape", `a\b`} {
		err := s.Deliver(context.Background(), KindVotes, name, []byte("x"))
		require.ErrorIs(t, err, ErrBadName, name)
	}
}

func TestPoll(t *testing.T) {
	require := require.New(t)
	s := newSpool(t)
	ctx := context.Background()

	ds := &document.DetachedSignature{
		ValidAfter: testNow.Unix(),
		Flavor:     document.FlavorNS,
		Identity:   fp(0xbb),
		Value:      []byte("signature"),
	}
	rawSig, err := ds.Marshal()
	require.NoError(err)

	desc := &routerlist.Descriptor{
		Nickname:  "relay1",
		Identity:  fp(3),
		Published: testNow.Add(-time.Hour),
		Address:   netip.MustParseAddr("192.0.2.3"),
		ORPort:    9001,
		Bandwidth: 2000,
	}
	rawDesc, err := desc.Marshal()
	require.NoError(err)

	probe := reachability.Result{ID: fp(3), Reachable: true, At: testNow}
	rawProbe, err := MarshalProbe(probe)
	require.NoError(err)

	require.NoError(s.Deliver(ctx, KindVotes, "b.vote", []byte("vote b")))
	require.NoError(s.Deliver(ctx, KindVotes, "a.vote", []byte("vote a")))
	require.NoError(s.Deliver(ctx, KindSignatures, "1.sig", rawSig))
	require.NoError(s.Deliver(ctx, KindSignatures, "2.sig", []byte("not cbor")))
	require.NoError(s.Deliver(ctx, KindDescriptors, "relay1", rawDesc))
	require.NoError(s.Deliver(ctx, KindProbes, "probe", rawProbe))

	b, err := s.Poll(ctx)
	require.NoError(err)
	require.False(b.Empty())
	require.Equal([]RawVote{{Name: "a.vote", Raw: []byte("vote a")}, {Name: "b.vote", Raw: []byte("vote b")}}, b.Votes)
	require.Len(b.Signatures, 1)
	require.Equal(ds.Identity, b.Signatures[0].Identity)
	require.Len(b.Descriptors, 1)
	require.Equal(desc.Identity, b.Descriptors[0].Identity)
	require.Equal([]reachability.Result{probe}, b.Probes)

	var merr *multierror.Error
	require.ErrorAs(b.Err, &merr)
	require.Len(merr.Errors, 1)

	// Everything was consumed, the broken file included.
	b, err = s.Poll(ctx)
	require.NoError(err)
	require.True(b.Empty())
	require.NoError(b.Err)
}

func TestPollCancelled(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Deliver(context.Background(), KindVotes, "a.vote", []byte("vote")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Poll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
