// rephist.go - Relay uptime history.
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

// Package rephist keeps the weighted mean time between failures and the
// weighted fractional uptime of every relay, for the Stable and Guard
// flags.
package rephist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	// DecayInterval is how often old history is down-weighted.
	DecayInterval = 12 * time.Hour

	// DecayFactor is the weight kept at each decay.
	DecayFactor = 0.95

	bucketName = "rephist"
	lastDecay  = "last-decay"
)

var (
	// ErrCorrupt is returned when a persisted record cannot be decoded.
	ErrCorrupt = errors.New("rephist: corrupt history record")

	ccbor cbor.EncMode
)

// record is the history of a relay.  Times are Unix seconds, zero when
// unset.
type record struct {
	StartOfRun      int64
	StartOfDowntime int64

	WeightedRunLength float64
	TotalRunWeights   float64

	WeightedUptime    float64
	TotalWeightedTime float64
}

// History is the uptime history of every relay this authority probed.  It
// is not safe for concurrent use.
type History struct {
	log *logging.Logger
	db  *bolt.DB

	relays    map[document.Fingerprint]*record
	lastDecay time.Time
}

// New returns a History persisted in db, loading any checkpointed state.
func New(log *logging.Logger, db *bolt.DB, now time.Time) (*History, error) {
	h := &History{
		log:       log,
		db:        db,
		relays:    make(map[document.Fingerprint]*record),
		lastDecay: now,
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) load() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			if string(k) == lastDecay {
				if len(v) != 8 {
					return ErrCorrupt
				}
				h.lastDecay = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
				return nil
			}
			if len(k) != document.FingerprintSize {
				h.log.Warningf("Ignoring history entry with key of %d bytes", len(k))
				return nil
			}
			r := new(record)
			if err := cbor.Unmarshal(v, r); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			var id document.Fingerprint
			copy(id[:], k)
			h.relays[id] = r
			return nil
		})
	})
}

// Checkpoint writes the history to the database.
func (h *History) Checkpoint() error {
	err := h.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		for id, r := range h.relays {
			b, err := ccbor.Marshal(r)
			if err != nil {
				return err
			}
			if err := bkt.Put(id[:], b); err != nil {
				return err
			}
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(h.lastDecay.Unix()))
		return bkt.Put([]byte(lastDecay), b[:])
	})
	if err == nil {
		h.log.Debugf("Checkpointed history of %d relays", len(h.relays))
	}
	return err
}

func (h *History) get(id document.Fingerprint) *record {
	r, ok := h.relays[id]
	if !ok {
		r = new(record)
		h.relays[id] = r
	}
	return r
}

// NoteReachable records that id was found reachable at when.
func (h *History) NoteReachable(id document.Fingerprint, when time.Time) {
	r := h.get(id)
	t := when.Unix()
	if r.StartOfRun == 0 {
		r.StartOfRun = t
	}
	if r.StartOfDowntime != 0 {
		if down := t - r.StartOfDowntime; down > 0 {
			r.TotalWeightedTime += float64(down)
		}
		r.StartOfDowntime = 0
	}
}

// NoteUnreachable records that id was found unreachable at when.
func (h *History) NoteUnreachable(id document.Fingerprint, when time.Time) {
	r := h.get(id)
	t := when.Unix()
	if r.StartOfRun != 0 {
		run := float64(max(t-r.StartOfRun, 0))
		r.WeightedRunLength += run
		r.TotalRunWeights++
		r.WeightedUptime += run
		r.TotalWeightedTime += run
		r.StartOfRun = 0
	}
	if r.StartOfDowntime == 0 {
		r.StartOfDowntime = t
	}
}

// Decay down-weights old history once per DecayInterval.
func (h *History) Decay(now time.Time) int {
	n := 0
	for !now.Before(h.lastDecay.Add(DecayInterval)) {
		for _, r := range h.relays {
			r.WeightedRunLength *= DecayFactor
			r.TotalRunWeights *= DecayFactor
			r.WeightedUptime *= DecayFactor
			r.TotalWeightedTime *= DecayFactor
		}
		h.lastDecay = h.lastDecay.Add(DecayInterval)
		n++
	}
	return n
}

// MTBF returns the weighted mean time between failures of id.
func (h *History) MTBF(id document.Fingerprint, now time.Time) time.Duration {
	r, ok := h.relays[id]
	if !ok {
		return 0
	}
	total, weights := r.WeightedRunLength, r.TotalRunWeights
	if r.StartOfRun != 0 {
		total += float64(max(now.Unix()-r.StartOfRun, 0))
		weights++
	}
	if weights < 0.0001 {
		return 0
	}
	return time.Duration(math.Round(total/weights)) * time.Second
}

// WFU returns the weighted fractional uptime of id, in [0, 1].
func (h *History) WFU(id document.Fingerprint, now time.Time) float64 {
	up, total := h.weightedUptime(id, now)
	if total == 0 {
		return up
	}
	return up / total
}

// weightedUptime returns the weighted up and watched seconds of id.  An
// unknown relay is (0, 0) and a known relay never watched is (1, 0).
func (h *History) weightedUptime(id document.Fingerprint, now time.Time) (up, total float64) {
	r, ok := h.relays[id]
	if !ok {
		return 0, 0
	}
	up, total = r.WeightedUptime, r.TotalWeightedTime
	switch {
	case r.StartOfRun != 0:
		run := float64(max(now.Unix()-r.StartOfRun, 0))
		up += run
		total += run
	case r.StartOfDowntime != 0:
		total += float64(max(now.Unix()-r.StartOfDowntime, 0))
	}
	if total == 0 {
		return 1, 0
	}
	return up, total
}

// WeightedTimeKnown returns how long id has been watched, down-weighted
// like its uptime.
func (h *History) WeightedTimeKnown(id document.Fingerprint, now time.Time) time.Duration {
	r, ok := h.relays[id]
	if !ok {
		return 0
	}
	total := r.TotalWeightedTime
	switch {
	case r.StartOfRun != 0:
		total += float64(max(now.Unix()-r.StartOfRun, 0))
	case r.StartOfDowntime != 0:
		total += float64(max(now.Unix()-r.StartOfDowntime, 0))
	}
	return time.Duration(math.Round(total)) * time.Second
}

// Uptime returns how long id has been continuously reachable.
func (h *History) Uptime(id document.Fingerprint, now time.Time) time.Duration {
	r, ok := h.relays[id]
	if !ok || r.StartOfRun == 0 {
		return 0
	}
	return now.Sub(time.Unix(r.StartOfRun, 0))
}

// Len returns the number of relays with history.
func (h *History) Len() int {
	return len(h.relays)
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	if ccbor, err = opts.EncMode(); err != nil {
		panic(err)
	}
}
