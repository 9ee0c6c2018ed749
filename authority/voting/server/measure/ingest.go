// ingest.go - Measurement ingestion.
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
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/internal/instrument"
)

// Result holds the parsed measurement files.  A file that is not
// configured or does not exist is nil.
type Result struct {
	Bandwidth     *BandwidthFile
	GuardFraction *GuardFractionFile
}

func open(ctx context.Context, path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return f, err
}

// Read parses the bandwidth file and the guard fraction file concurrently.
// It touches no cache and may run on any goroutine.
func Read(ctx context.Context, bwPath, gfPath string, now time.Time) (*Result, error) {
	res := new(Result)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := open(ctx, bwPath)
		if err != nil || f == nil {
			return err
		}
		defer f.Close()
		if res.Bandwidth, err = ReadBandwidthFile(f, now); err != nil {
			return fmt.Errorf("measure: %v: %w", bwPath, err)
		}
		return nil
	})
	g.Go(func() error {
		f, err := open(ctx, gfPath)
		if err != nil || f == nil {
			return err
		}
		defer f.Close()
		if res.GuardFraction, err = ReadGuardFractionFile(f); err != nil {
			return fmt.Errorf("measure: %v: %w", gfPath, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Ingester owns the bandwidth and guard fraction caches.  Only the
// controller's state goroutine may call its methods.
type Ingester struct {
	log *logging.Logger

	bandwidths *Cache
	fractions  *Cache
}

// NewIngester returns an Ingester with empty caches.
func NewIngester(log *logging.Logger) *Ingester {
	return &Ingester{
		log:        log,
		bandwidths: NewCache(MaxMeasurementAge),
		fractions:  NewCache(MaxMeasurementAge),
	}
}

// Apply expires stale entries and caches the parsed files.
func (in *Ingester) Apply(res *Result, now time.Time) {
	if n := in.bandwidths.Expire(now); n > 0 {
		in.log.Debugf("Expired %d measured bandwidths", n)
	}
	if n := in.fractions.Expire(now); n > 0 {
		in.log.Debugf("Expired %d guard fractions", n)
	}

	if bw := res.Bandwidth; bw == nil {
		in.log.Noticef("No bandwidth file, voting without measurements")
	} else {
		stale, added := 0, 0
		for _, m := range bw.Measurements {
			if now.Sub(m.ObservedAt) > MaxMeasurementAge {
				stale++
				continue
			}
			if !in.bandwidths.HasMeasurement(m.ID) {
				added++
			}
			in.bandwidths.Put(m.ID, m.Bandwidth, m.ObservedAt)
		}
		in.logErrors("bandwidth", bw.Errors)
		in.log.Noticef("Read %d measured bandwidths (%d stale, %d new, %d bad lines), %d cached",
			len(bw.Measurements), stale, added, len(bw.Errors), in.bandwidths.Len())
	}

	if gf := res.GuardFraction; gf == nil {
		in.log.Debugf("No guard fraction file")
	} else {
		for _, v := range gf.Fractions {
			if now.Sub(v.ObservedAt) > MaxMeasurementAge {
				continue
			}
			in.fractions.Put(v.ID, uint64(v.Fraction), v.ObservedAt)
		}
		in.logErrors("guardfraction", gf.Errors)
		in.log.Noticef("Read %d guard fractions (%d bad lines), %d cached",
			len(gf.Fractions), len(gf.Errors), in.fractions.Len())
	}
}

func (in *Ingester) logErrors(file string, errs []*LineError) {
	for _, err := range errs {
		in.log.Warningf("%v file: %v", file, err)
	}
	instrument.ParseErrors(file, len(errs))
}

// MeasuredBandwidth returns the cached measured bandwidth of id.
func (in *Ingester) MeasuredBandwidth(id document.Fingerprint) (uint64, bool) {
	return in.bandwidths.Lookup(id)
}

// GuardFraction returns the cached guard fraction of id.
func (in *Ingester) GuardFraction(id document.Fingerprint) (uint32, bool) {
	v, ok := in.fractions.Lookup(id)
	return uint32(v), ok
}
