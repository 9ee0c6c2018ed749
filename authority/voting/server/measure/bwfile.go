// bwfile.go - Bandwidth measurement file parsing.
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

// Package measure ingests the bandwidth and guard fraction files written by
// the external measurement tools.
package measure

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	// MaxMeasurementAge is how long a measurement stays usable.
	MaxMeasurementAge = 3 * 24 * time.Hour

	// MaxHeaderLines bounds the header block of a bandwidth file.
	MaxHeaderLines = 50

	// Terminator ends the header block of a bandwidth file.
	Terminator = "====="
)

// ErrorCode classifies a rejected line.
type ErrorCode string

// Line error codes.
const (
	CodeMissingNodeID  ErrorCode = "missing-node-id"
	CodeBadNodeID      ErrorCode = "bad-node-id"
	CodeMissingBW      ErrorCode = "missing-bw"
	CodeBadBW          ErrorCode = "bad-bw"
	CodeBadTime        ErrorCode = "bad-time"
	CodeDuplicate      ErrorCode = "duplicate"
	CodeTooManyHeaders ErrorCode = "too-many-headers"
	CodeBadFraction    ErrorCode = "bad-fraction"
	CodeBadVersion     ErrorCode = "bad-version"
	CodeUnknown        ErrorCode = "unknown-keyword"

	// CodeNotVoted marks lines the measurement tool excluded from voting.
	// They are skipped without being counted.
	CodeNotVoted ErrorCode = "not-voted"
)

// LineError is a rejected line of a measurement file.
type LineError struct {
	Line int
	Code ErrorCode
	Msg  string
}

func (e *LineError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("measure: line %d: %v", e.Line, e.Msg)
	}
	return "measure: " + e.Msg
}

// Is matches any *LineError with the same Code.
func (e *LineError) Is(target error) bool {
	t, ok := target.(*LineError)
	return ok && t.Code == e.Code
}

func lineErrorf(code ErrorCode, format string, args ...interface{}) *LineError {
	return &LineError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Measurement is a relay's measured bandwidth.
type Measurement struct {
	ID document.Fingerprint

	// Bandwidth is in kilobytes per second.
	Bandwidth uint64

	// ObservedAt is zero when the line carried no measured_at.
	ObservedAt time.Time
}

// ParseLine parses a body line of a bandwidth file.  Lines seen before the
// header terminator are expected to be headers, and their failure to parse
// is not noteworthy.
func ParseLine(line string, afterHeaders bool) (Measurement, *LineError) {
	var (
		m           Measurement
		haveID      bool
		haveBW      bool
		notVotedMsg string
	)
	where := "after headers"
	if !afterHeaders {
		where = "in header block"
	}
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch k {
		case "node_id":
			id, err := document.ParseFingerprint(v)
			if err != nil {
				return m, lineErrorf(CodeBadNodeID, "invalid node_id '%v' %v", v, where)
			}
			m.ID, haveID = id, true
		case "bw":
			bw, err := strconv.ParseUint(v, 10, 64)
			if err != nil || bw == 0 {
				return m, lineErrorf(CodeBadBW, "invalid bw '%v' %v", v, where)
			}
			m.Bandwidth, haveBW = bw, true
		case "measured_at":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return m, lineErrorf(CodeBadTime, "invalid measured_at '%v'", v)
			}
			m.ObservedAt = time.Unix(ts, 0).UTC()
		case "vote":
			if v == "0" {
				notVotedMsg = "vote=0"
			}
		case "unmeasured":
			if v == "1" {
				notVotedMsg = "unmeasured=1"
			}
		}
	}
	switch {
	case !haveID:
		return m, lineErrorf(CodeMissingNodeID, "no node_id %v", where)
	case !haveBW:
		return m, lineErrorf(CodeMissingBW, "no bw for %v %v", m.ID, where)
	case notVotedMsg != "":
		return m, lineErrorf(CodeNotVoted, "%v carries %v", m.ID, notVotedMsg)
	}
	return m, nil
}

// BandwidthFile is a parsed bandwidth file.
type BandwidthFile struct {
	// Timestamp is the file's leading timestamp, if any.
	Timestamp time.Time

	Headers      map[string]string
	Measurements []Measurement
	Errors       []*LineError
}

// ReadBandwidthFile parses a bandwidth file.  Measurements without an
// observation time get the file timestamp, or now when there is none.
// Malformed lines are collected in Errors and skipped.
func ReadBandwidthFile(r io.Reader, now time.Time) (*BandwidthFile, error) {
	f := &BandwidthFile{
		Headers: make(map[string]string),
	}
	index := make(map[document.Fingerprint]int)
	afterHeaders := false
	nHeaders := 0

	fail := func(lineNo int, err *LineError) {
		err.Line = lineNo
		f.Errors = append(f.Errors, err)
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNo == 1 {
			if ts, err := strconv.ParseInt(line, 10, 64); err == nil {
				f.Timestamp = time.Unix(ts, 0).UTC()
				continue
			}
		}
		if line == Terminator {
			afterHeaders = true
			continue
		}
		if !afterHeaders && !strings.Contains(line, "node_id=") {
			if nHeaders >= MaxHeaderLines {
				fail(lineNo, lineErrorf(CodeTooManyHeaders, "more than %d header lines", MaxHeaderLines))
				afterHeaders = true
			} else {
				nHeaders++
				if k, v, ok := strings.Cut(line, "="); ok {
					f.Headers[k] = v
				}
				continue
			}
		}

		m, lerr := ParseLine(line, afterHeaders)
		if lerr != nil {
			if lerr.Code != CodeNotVoted {
				fail(lineNo, lerr)
			}
			continue
		}
		if m.ObservedAt.IsZero() {
			m.ObservedAt = f.Timestamp
			if m.ObservedAt.IsZero() {
				m.ObservedAt = now
			}
		}
		if i, ok := index[m.ID]; ok {
			fail(lineNo, lineErrorf(CodeDuplicate, "duplicate node_id %v", m.ID))
			f.Measurements[i] = m
			continue
		}
		index[m.ID] = len(f.Measurements)
		f.Measurements = append(f.Measurements, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}
