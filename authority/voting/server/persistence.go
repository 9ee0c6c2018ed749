// persistence.go - Persisted votes and consensus documents.
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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	dbFile = "persistence.db"

	metadataBucket  = "metadata"
	votesBucket     = "votes"
	consensusBucket = "consensus"
	versionKey      = "version"
	dbVersion       = 1

	// documentRetention is how long votes and consensus documents are
	// kept after their period started.
	documentRetention = 24 * time.Hour
)

var errBadVersion = errors.New("persistence: incompatible database version")

func periodKey(va time.Time, suffix []byte) []byte {
	k := make([]byte, 8, 8+len(suffix))
	binary.BigEndian.PutUint64(k, uint64(va.Unix()))
	return append(k, suffix...)
}

func periodFromKey(k []byte) time.Time {
	return time.Unix(int64(binary.BigEndian.Uint64(k[:8])), 0).UTC()
}

// persistence stores our votes, the accepted peer votes and the published
// consensus documents, keyed by period.
type persistence struct {
	log *logging.Logger
	db  *bolt.DB
}

func newPersistence(log *logging.Logger, db *bolt.DB) (*persistence, error) {
	p := &persistence{log: log, db: db}
	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{votesBucket, consensusBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("%w: %d", errBadVersion, uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *persistence) putVote(vote *document.Document) error {
	voter := vote.Voter()
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(votesBucket)).Put(periodKey(vote.ValidAfter, voter[:]), vote.Marshal())
	})
}

func (p *persistence) hasVote(va time.Time, voter document.Fingerprint) bool {
	found := false
	p.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(votesBucket)).Get(periodKey(va, voter[:])) != nil
		return nil
	})
	return found
}

func (p *persistence) putConsensus(doc *document.Document) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(consensusBucket)).Put(periodKey(doc.ValidAfter, []byte(doc.Flavor)), doc.Marshal())
	})
}

// latestConsensus returns the most recent stored consensus of flavor f that
// is still valid at now.
func (p *persistence) latestConsensus(f document.Flavor, now time.Time) (*document.Document, error) {
	var doc *document.Document
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(consensusBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if len(k) <= 8 || document.Flavor(k[8:]) != f {
				continue
			}
			d, err := document.Parse(v)
			if err != nil {
				p.log.Errorf("Discarding persisted %v consensus for %v: %v", f, periodFromKey(k), err)
				continue
			}
			if !now.Before(d.ValidUntil) {
				return nil
			}
			doc = d
			return nil
		}
		return nil
	})
	return doc, err
}

// prune removes the documents of periods that started before cutoff.
func (p *persistence) prune(cutoff time.Time) (int, error) {
	n := 0
	err := p.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{votesBucket, consensusBucket} {
			c := tx.Bucket([]byte(name)).Cursor()
			for k, _ := c.First(); k != nil && periodFromKey(k).Before(cutoff); k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	return n, err
}
