// measure_test.go - Measurement ingestion tests.
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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/log"
)

const (
	fpA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	fpB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	fpC = "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func mustFP(t require.TestingT, s string) document.Fingerprint {
	id, err := document.ParseFingerprint(s)
	require.NoError(t, err)
	return id
}

func TestParseLine(t *testing.T) {
	require := require.New(t)

	m, err := ParseLine("node_id=$"+fpA+" bw=760 nick=foo measured_at=1792152000", true)
	require.Nil(err)
	require.Equal(mustFP(t, fpA), m.ID)
	require.Equal(uint64(760), m.Bandwidth)
	require.Equal(time.Unix(1792152000, 0).UTC(), m.ObservedAt)

	m, err = ParseLine("bw=10 node_id="+fpB, true)
	require.Nil(err)
	require.Equal(mustFP(t, fpB), m.ID)
	require.True(m.ObservedAt.IsZero())

	for _, tc := range []struct {
		line string
		code ErrorCode
	}{
		{"bw=10", CodeMissingNodeID},
		{"node_id=ZZZ bw=10", CodeBadNodeID},
		{"node_id=" + fpA, CodeMissingBW},
		{"node_id=" + fpA + " bw=-3", CodeBadBW},
		{"node_id=" + fpA + " bw=0", CodeBadBW},
		{"node_id=" + fpA + " bw=10 measured_at=yesterday", CodeBadTime},
		{"node_id=" + fpA + " bw=10 vote=0", CodeNotVoted},
		{"node_id=" + fpA + " bw=10 unmeasured=1", CodeNotVoted},
	} {
		_, err := ParseLine(tc.line, true)
		require.NotNil(err, tc.line)
		require.Equal(tc.code, err.Code, tc.line)
		require.True(errors.Is(err, &LineError{Code: tc.code}))
	}
}

func TestReadBandwidthFile(t *testing.T) {
	require := require.New(t)

	raw := strings.Join([]string{
		"1792152000",
		"version=1.4.0",
		"software=sbws",
		Terminator,
		"node_id=" + fpA + " bw=100",
		"node_id=" + fpB + " bw=200 measured_at=1792155600",
		"node_id=" + fpC + " bw=300 vote=0",
		"this line is junk",
		"node_id=" + fpA + " bw=150",
		"",
	}, "\n")
	f, err := ReadBandwidthFile(strings.NewReader(raw), testNow)
	require.NoError(err)

	require.Equal(time.Unix(1792152000, 0).UTC(), f.Timestamp)
	require.Equal("1.4.0", f.Headers["version"])
	require.Equal("sbws", f.Headers["software"])

	require.Len(f.Measurements, 2)
	require.Equal(mustFP(t, fpA), f.Measurements[0].ID)
	require.Equal(uint64(150), f.Measurements[0].Bandwidth)
	require.Equal(f.Timestamp, f.Measurements[0].ObservedAt)
	require.Equal(time.Unix(1792155600, 0).UTC(), f.Measurements[1].ObservedAt)

	// The junk line and the duplicate are counted, vote=0 is not.
	require.Len(f.Errors, 2)
	require.Equal(CodeMissingNodeID, f.Errors[0].Code)
	require.Equal(8, f.Errors[0].Line)
	require.Equal(CodeDuplicate, f.Errors[1].Code)
	require.Equal(9, f.Errors[1].Line)
}

func TestReadBandwidthFileNoTimestamp(t *testing.T) {
	require := require.New(t)

	// Body lines without a terminator are still measurements.
	raw := "node_id=" + fpA + " bw=100\nnode_id=" + fpB + " bw=200\n"
	f, err := ReadBandwidthFile(strings.NewReader(raw), testNow)
	require.NoError(err)
	require.True(f.Timestamp.IsZero())
	require.Len(f.Measurements, 2)
	require.Empty(f.Errors)
	for _, m := range f.Measurements {
		require.Equal(testNow, m.ObservedAt)
	}
}

func TestReadBandwidthFileTooManyHeaders(t *testing.T) {
	require := require.New(t)

	var b strings.Builder
	for i := 0; i < MaxHeaderLines+1; i++ {
		fmt.Fprintf(&b, "key%d=value\n", i)
	}
	fmt.Fprintf(&b, "node_id=%v bw=42\n", fpA)

	f, err := ReadBandwidthFile(strings.NewReader(b.String()), testNow)
	require.NoError(err)
	require.Len(f.Headers, MaxHeaderLines)
	require.Len(f.Measurements, 1)

	// The overflowing header is counted once and then parsed as a body
	// line, which fails for lack of a node_id.
	require.Len(f.Errors, 2)
	require.Equal(CodeTooManyHeaders, f.Errors[0].Code)
	require.Equal(CodeMissingNodeID, f.Errors[1].Code)
}

func TestReadGuardFractionFile(t *testing.T) {
	require := require.New(t)

	raw := strings.Join([]string{
		"guardfraction-file-version 1",
		"written-at 2026-10-16 10:00:00",
		"# comment",
		"guardfraction " + fpA + " 7500 2026-10-15 12:00:00",
		"guardfraction " + fpB + " 10001 2026-10-15",
		"guardfraction " + fpC + " 100 2026-10-15",
		"guardfraction " + fpC + " 200 2026-10-16",
		"guardfraction nope 100 2026-10-15",
	}, "\n")
	f, err := ReadGuardFractionFile(strings.NewReader(raw))
	require.NoError(err)
	require.Equal(time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), f.WrittenAt)

	require.Len(f.Fractions, 2)
	require.Equal(uint32(7500), f.Fractions[0].Fraction)
	require.Equal(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), f.Fractions[0].ObservedAt)
	require.Equal(mustFP(t, fpC), f.Fractions[1].ID)
	require.Equal(uint32(200), f.Fractions[1].Fraction)

	require.Len(f.Errors, 3)
	require.Equal(CodeBadFraction, f.Errors[0].Code)
	require.Equal(CodeDuplicate, f.Errors[1].Code)
	require.Equal(CodeBadNodeID, f.Errors[2].Code)

	_, err = ReadGuardFractionFile(strings.NewReader("guardfraction-file-version 2\n"))
	require.ErrorIs(err, &LineError{Code: CodeBadVersion})
}

func TestCacheExpiry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCache(MaxMeasurementAge)
		ages := rapid.SliceOfN(rapid.Int64Range(0, int64(2*MaxMeasurementAge/time.Second)), 1, 64).Draw(t, "ages")

		ids := make([]document.Fingerprint, len(ages))
		for i, age := range ages {
			ids[i][0], ids[i][1] = byte(i), 0xff
			c.Put(ids[i], uint64(i+1), testNow.Add(-time.Duration(age)*time.Second))
		}

		dropped := c.Expire(testNow)
		want := 0
		for i, age := range ages {
			stale := time.Duration(age)*time.Second > MaxMeasurementAge
			if stale {
				want++
			}
			if c.HasMeasurement(ids[i]) == stale {
				t.Fatalf("entry of age %ds: cached=%v", age, !stale)
			}
		}
		if dropped != want || c.Len() != len(ages)-want {
			t.Fatalf("dropped %d entries, expected %d", dropped, want)
		}
	})
}

func TestCachePutKeepsNewest(t *testing.T) {
	require := require.New(t)

	c := NewCache(MaxMeasurementAge)
	id := mustFP(t, fpA)
	c.Put(id, 10, testNow)
	c.Put(id, 20, testNow.Add(-time.Hour))
	v, ok := c.Lookup(id)
	require.True(ok)
	require.Equal(uint64(10), v)

	c.Put(id, 30, testNow.Add(time.Minute))
	v, _ = c.Lookup(id)
	require.Equal(uint64(30), v)

	// Exactly the maximum age is still fresh.
	c.Put(mustFP(t, fpB), 1, testNow.Add(-MaxMeasurementAge))
	require.Equal(0, c.Expire(testNow))
	require.Equal(1, c.Expire(testNow.Add(2*time.Minute)))
	require.Equal(1, c.Len())
}

func TestReadAndApply(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	bwPath := filepath.Join(dir, "bwfile")
	gfPath := filepath.Join(dir, "guardfraction")
	stale := testNow.Add(-4 * 24 * time.Hour).Unix()
	bw := fmt.Sprintf("%d\n%v\nnode_id=%v bw=100\nnode_id=%v bw=5 measured_at=%d\nbroken\n",
		testNow.Unix(), Terminator, fpA, fpB, stale)
	require.NoError(os.WriteFile(bwPath, []byte(bw), 0600))

	// A missing guard fraction file is not an error.
	res, err := Read(context.Background(), bwPath, gfPath, testNow)
	require.NoError(err)
	require.NotNil(res.Bandwidth)
	require.Nil(res.GuardFraction)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	in := NewIngester(logBackend.GetLogger("measure"))
	in.Apply(res, testNow)

	v, ok := in.MeasuredBandwidth(mustFP(t, fpA))
	require.True(ok)
	require.Equal(uint64(100), v)
	_, ok = in.MeasuredBandwidth(mustFP(t, fpB))
	require.False(ok, "stale measurement cached")
	require.Equal(1, in.bandwidths.Len())

	gf := "guardfraction " + fpA + " 2500 " + testNow.Format(dateTimeLayout) + "\n"
	require.NoError(os.WriteFile(gfPath, []byte(gf), 0600))
	res, err = Read(context.Background(), "", gfPath, testNow)
	require.NoError(err)
	require.Nil(res.Bandwidth)
	in.Apply(res, testNow)

	frac, ok := in.GuardFraction(mustFP(t, fpA))
	require.True(ok)
	require.Equal(uint32(2500), frac)

	// Measurements age out on a later apply.
	in.Apply(&Result{}, testNow.Add(MaxMeasurementAge+time.Second))
	_, ok = in.MeasuredBandwidth(mustFP(t, fpA))
	require.False(ok)
	_, ok = in.GuardFraction(mustFP(t, fpA))
	require.False(ok)
}

func TestReadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Read(ctx, filepath.Join(t.TempDir(), "bwfile"), "", testNow)
	require.ErrorIs(t, err, context.Canceled)
}
