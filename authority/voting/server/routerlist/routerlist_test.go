// routerlist_test.go - Relay self-description tests.
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

package routerlist

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/log"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, db *bolt.DB) *Store {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := New(b.GetLogger("routerlist"), db)
	require.NoError(t, err)
	return s
}

func testDescriptor(id byte, published time.Time) *Descriptor {
	d := &Descriptor{
		Nickname:  "relay",
		Published: published,
		Address:   netip.AddrFrom4([4]byte{192, 0, 2, id}),
		ORPort:    9001,
		DirPort:   9030,
		Bandwidth: uint64(id) * 100,
		Version:   "Tor 0.4.8.12",
		Protocols: "Link=1-5 Relay=1-4",
		Policy:    "accept 80,443",
		Uptime:    time.Hour,
		DirCache:  true,
	}
	d.Identity[0] = id
	d.Digest[0] = id
	d.MicrodescDigest[1] = id
	return d
}

func TestValidate(t *testing.T) {
	require := require.New(t)

	require.NoError(testDescriptor(1, testNow).Validate())
	for name, mutate := range map[string]func(*Descriptor){
		"nickname":  func(d *Descriptor) { d.Nickname = "" },
		"identity":  func(d *Descriptor) { d.Identity = document.Fingerprint{} },
		"address":   func(d *Descriptor) { d.Address = netip.Addr{} },
		"orport":    func(d *Descriptor) { d.ORPort = 0 },
		"published": func(d *Descriptor) { d.Published = time.Time{} },
		"policy":    func(d *Descriptor) { d.Policy = "allow everything" },
	} {
		d := testDescriptor(1, testNow)
		mutate(d)
		require.ErrorIs(d.Validate(), ErrInvalid, name)
	}
}

func TestDescriptorEncoding(t *testing.T) {
	require := require.New(t)

	d := testDescriptor(7, testNow)
	b, err := d.Marshal()
	require.NoError(err)
	d2, err := UnmarshalDescriptor(b)
	require.NoError(err)
	require.True(d.Published.Equal(d2.Published))
	d2.Published = d.Published
	require.Empty(cmp.Diff(d, d2, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })))

	_, err = UnmarshalDescriptor([]byte{0xff})
	require.ErrorIs(err, ErrInvalid)
}

func TestStore(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "db")

	db, err := bolt.Open(path, 0600, nil)
	require.NoError(err)
	s := newStore(t, db)

	require.NoError(s.Add(testDescriptor(2, testNow.Add(-time.Hour)), testNow))
	require.NoError(s.Add(testDescriptor(1, testNow.Add(-47*time.Hour)), testNow))
	require.ErrorIs(s.Add(testDescriptor(3, testNow.Add(-49*time.Hour)), testNow), ErrStale)
	require.ErrorIs(s.Add(testDescriptor(3, testNow.Add(13*time.Hour)), testNow), ErrFuture)
	require.ErrorIs(s.Add(testDescriptor(2, testNow.Add(-2*time.Hour)), testNow), ErrNotNewer)

	newer := testDescriptor(2, testNow)
	newer.Bandwidth = 12345
	require.NoError(s.Add(newer, testNow))
	d, ok := s.Get(newer.Identity)
	require.True(ok)
	require.Equal(uint64(12345), d.Bandwidth)
	require.Equal(2*time.Hour, d.UptimeAt(testNow.Add(time.Hour)))

	ids := s.IDs()
	require.Len(ids, 2)
	require.Equal(byte(1), ids[0][0])
	require.Equal(byte(2), ids[1][0])
	require.NoError(db.Close())

	// Reload, then prune the descriptor that was not republished.
	db, err = bolt.Open(path, 0600, nil)
	require.NoError(err)
	defer db.Close()
	s = newStore(t, db)
	require.Equal(2, s.Len())
	n, err := s.Prune(testNow.Add(2 * time.Hour))
	require.NoError(err)
	require.Equal(1, n)
	require.Equal(1, s.Len())
	_, ok = s.Get(ids[0])
	require.False(ok)

	s = newStore(t, db)
	require.Equal(1, s.Len())
	require.Equal(uint64(12345), s.All()[0].Bandwidth)
}
