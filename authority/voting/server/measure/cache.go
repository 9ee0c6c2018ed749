// cache.go - Measurement caches.
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

package measure

import (
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
)

// Entry is a cached value and the time it was observed.
type Entry struct {
	Value      uint64
	ObservedAt time.Time
}

// Cache maps relays to their most recent measurement.  It is not safe for
// concurrent use.
type Cache struct {
	entries map[document.Fingerprint]Entry
	maxAge  time.Duration
}

// NewCache returns an empty cache whose entries expire after maxAge.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		entries: make(map[document.Fingerprint]Entry),
		maxAge:  maxAge,
	}
}

// Put records value for id, unless a newer observation is cached.
func (c *Cache) Put(id document.Fingerprint, value uint64, observedAt time.Time) {
	if e, ok := c.entries[id]; ok && e.ObservedAt.After(observedAt) {
		return
	}
	c.entries[id] = Entry{Value: value, ObservedAt: observedAt}
}

// HasMeasurement returns true if id has a cached value.
func (c *Cache) HasMeasurement(id document.Fingerprint) bool {
	_, ok := c.entries[id]
	return ok
}

// Lookup returns the cached value of id.
func (c *Cache) Lookup(id document.Fingerprint) (uint64, bool) {
	e, ok := c.entries[id]
	return e.Value, ok
}

// Expire drops the entries observed more than the maximum age before now,
// and returns how many were dropped.
func (c *Cache) Expire(now time.Time) int {
	n := 0
	for id, e := range c.entries {
		if now.Sub(e.ObservedAt) > c.maxAge {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
