// routerlist.go - Relay self-descriptions.
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

// Package routerlist stores the self-descriptions relays uploaded to this
// authority.
package routerlist

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	// MaxDescriptorAge is how long a descriptor is kept without being
	// republished.
	MaxDescriptorAge = 48 * time.Hour

	// MaxClockSkew is how far in the future a descriptor may be
	// published.
	MaxClockSkew = 12 * time.Hour

	bucketName = "descriptors"
)

var (
	// ErrStale is returned for descriptors older than MaxDescriptorAge.
	ErrStale = errors.New("routerlist: descriptor is stale")

	// ErrFuture is returned for descriptors published too far ahead.
	ErrFuture = errors.New("routerlist: descriptor is from the future")

	// ErrNotNewer is returned when a descriptor at least as recent is
	// already stored.
	ErrNotNewer = errors.New("routerlist: descriptor is not newer")

	// ErrInvalid is returned for malformed descriptors.
	ErrInvalid = errors.New("routerlist: invalid descriptor")

	ccbor cbor.EncMode

	nicknameRe = regexp.MustCompile(`^[A-Za-z0-9]{1,19}$`)
)

// Descriptor is what a relay says about itself.
type Descriptor struct {
	Nickname        string
	Identity        document.Fingerprint
	Digest          document.Digest
	MicrodescDigest document.Digest
	Published       time.Time

	Address netip.Addr
	ORPort  uint16
	DirPort uint16

	// Bandwidth is the declared bandwidth in kilobytes per second.
	Bandwidth uint64

	Version   string
	Protocols string

	// Policy is the exit policy summary, "reject 1-65535" if empty.
	Policy string

	// Uptime is the uptime the relay reported at Published.
	Uptime time.Duration

	// DirCache is set if the relay answers directory requests.
	DirCache bool
}

// Validate checks d for obvious errors.
func (d *Descriptor) Validate() error {
	switch {
	case !nicknameRe.MatchString(d.Nickname):
		return fmt.Errorf("%w: invalid nickname '%v'", ErrInvalid, d.Nickname)
	case d.Identity.IsZero():
		return fmt.Errorf("%w: missing identity", ErrInvalid)
	case !d.Address.IsValid():
		return fmt.Errorf("%w: %v: missing address", ErrInvalid, d.Identity)
	case d.ORPort == 0:
		return fmt.Errorf("%w: %v: missing ORPort", ErrInvalid, d.Identity)
	case d.Published.IsZero():
		return fmt.Errorf("%w: %v: missing publication time", ErrInvalid, d.Identity)
	case len(d.Version) > document.MaxVersionLineLen, strings.ContainsAny(d.Version+d.Protocols, "\r\n"):
		return fmt.Errorf("%w: %v: line break in version", ErrInvalid, d.Identity)
	}
	if d.Policy != "" {
		if _, err := document.ParsePolicySummary(d.Policy); err != nil {
			return fmt.Errorf("%w: %v: %v", ErrInvalid, d.Identity, err)
		}
	}
	return nil
}

// UptimeAt extrapolates the reported uptime to now.
func (d *Descriptor) UptimeAt(now time.Time) time.Duration {
	return d.Uptime + now.Sub(d.Published)
}

// Marshal returns the CBOR encoding of d.
func (d *Descriptor) Marshal() ([]byte, error) {
	return ccbor.Marshal(d)
}

// UnmarshalDescriptor decodes and validates a descriptor.
func UnmarshalDescriptor(b []byte) (*Descriptor, error) {
	d := new(Descriptor)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Store is the persisted set of current descriptors, one per relay.  It is
// not safe for concurrent use.
type Store struct {
	log *logging.Logger
	db  *bolt.DB

	relays map[document.Fingerprint]*Descriptor
}

// New returns a Store persisted in db, loading the stored descriptors.
func New(log *logging.Logger, db *bolt.DB) (*Store, error) {
	s := &Store{
		log:    log,
		db:     db,
		relays: make(map[document.Fingerprint]*Descriptor),
	}
	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			d, err := UnmarshalDescriptor(v)
			if err != nil {
				s.log.Warningf("Dropping stored descriptor %x: %v", k, err)
				return nil
			}
			s.relays[d.Identity] = d
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Loaded %d descriptors", len(s.relays))
	return s, nil
}

// Add validates and stores d.
func (s *Store) Add(d *Descriptor, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if now.Sub(d.Published) > MaxDescriptorAge {
		return fmt.Errorf("%w: %v published %v", ErrStale, d.Identity, d.Published)
	}
	if d.Published.Sub(now) > MaxClockSkew {
		return fmt.Errorf("%w: %v published %v", ErrFuture, d.Identity, d.Published)
	}
	if old, ok := s.relays[d.Identity]; ok && !d.Published.After(old.Published) {
		return fmt.Errorf("%w: %v", ErrNotNewer, d.Identity)
	}

	b, err := d.Marshal()
	if err != nil {
		return err
	}
	if err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(d.Identity[:], b)
	}); err != nil {
		return err
	}
	s.relays[d.Identity] = d
	s.log.Debugf("Stored descriptor of %v (%v) published %v", d.Identity, d.Nickname, d.Published)
	return nil
}

// Prune drops descriptors that were not republished within
// MaxDescriptorAge, and returns how many were dropped.
func (s *Store) Prune(now time.Time) (int, error) {
	var stale []document.Fingerprint
	for id, d := range s.relays {
		if now.Sub(d.Published) > MaxDescriptorAge {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		for _, id := range stale {
			if err := bkt.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range stale {
		delete(s.relays, id)
	}
	return len(stale), nil
}

// Get returns the descriptor of id.
func (s *Store) Get(id document.Fingerprint) (*Descriptor, bool) {
	d, ok := s.relays[id]
	return d, ok
}

// All returns every descriptor, ordered by identity.
func (s *Store) All() []*Descriptor {
	v := make([]*Descriptor, 0, len(s.relays))
	for _, d := range s.relays {
		v = append(v, d)
	}
	sort.Slice(v, func(i, j int) bool { return v[i].Identity.Compare(v[j].Identity) < 0 })
	return v
}

// IDs returns the identity of every relay, ordered.
func (s *Store) IDs() []document.Fingerprint {
	all := s.All()
	ids := make([]document.Fingerprint, 0, len(all))
	for _, d := range all {
		ids = append(ids, d.Identity)
	}
	return ids
}

// Len returns the number of stored descriptors.
func (s *Store) Len() int {
	return len(s.relays)
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	if ccbor, err = opts.EncMode(); err != nil {
		panic(err)
	}
}
