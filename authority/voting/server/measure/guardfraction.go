// guardfraction.go - Guard fraction file parsing.
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
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dirvote/dirauth/authority/voting/document"
)

const (
	guardFractionVersion = "1"
	dateLayout           = "2006-01-02"
	dateTimeLayout       = "2006-01-02 15:04:05"
)

// GuardFraction is the fraction of a relay's bandwidth used in the guard
// position, in units of 1/document.GuardFractionScale.
type GuardFraction struct {
	ID         document.Fingerprint
	Fraction   uint32
	ObservedAt time.Time
}

// GuardFractionFile is a parsed guard fraction file.
type GuardFractionFile struct {
	WrittenAt time.Time
	Fractions []GuardFraction
	Errors    []*LineError
}

func parseDate(fields []string) (time.Time, bool) {
	switch len(fields) {
	case 1:
		t, err := time.Parse(dateLayout, fields[0])
		return t, err == nil
	case 2:
		t, err := time.Parse(dateTimeLayout, fields[0]+" "+fields[1])
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// ParseGuardFractionLine parses a "guardfraction <fingerprint> <fraction>
// <date> [time]" record.
func ParseGuardFractionLine(line string) (GuardFraction, *LineError) {
	var gf GuardFraction
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "guardfraction" {
		return gf, lineErrorf(CodeUnknown, "malformed guardfraction record")
	}
	id, err := document.ParseFingerprint(fields[1])
	if err != nil {
		return gf, lineErrorf(CodeBadNodeID, "invalid fingerprint '%v'", fields[1])
	}
	frac, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil || frac > document.GuardFractionScale {
		return gf, lineErrorf(CodeBadFraction, "invalid guard fraction '%v' for %v", fields[2], id)
	}
	observed, ok := parseDate(fields[3:])
	if !ok {
		return gf, lineErrorf(CodeBadTime, "invalid date '%v' for %v", strings.Join(fields[3:], " "), id)
	}
	gf.ID = id
	gf.Fraction = uint32(frac)
	gf.ObservedAt = observed.UTC()
	return gf, nil
}

// ReadGuardFractionFile parses a guard fraction file.  Malformed lines are
// collected in Errors and skipped; for duplicate records the last wins.
func ReadGuardFractionFile(r io.Reader) (*GuardFractionFile, error) {
	f := new(GuardFractionFile)
	index := make(map[document.Fingerprint]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "guardfraction-file-version":
			if strings.TrimSpace(rest) != guardFractionVersion {
				return nil, &LineError{Line: lineNo, Code: CodeBadVersion, Msg: "unsupported guardfraction-file-version " + rest}
			}
			continue
		case "written-at":
			if t, ok := parseDate(strings.Fields(rest)); ok {
				f.WrittenAt = t.UTC()
			} else {
				f.Errors = append(f.Errors, &LineError{Line: lineNo, Code: CodeBadTime, Msg: "invalid written-at " + rest})
			}
			continue
		}

		gf, lerr := ParseGuardFractionLine(line)
		if lerr != nil {
			lerr.Line = lineNo
			f.Errors = append(f.Errors, lerr)
			continue
		}
		if i, ok := index[gf.ID]; ok {
			f.Errors = append(f.Errors, &LineError{Line: lineNo, Code: CodeDuplicate, Msg: "duplicate guardfraction for " + gf.ID.String()})
			f.Fractions[i] = gf
			continue
		}
		index[gf.ID] = len(f.Fractions)
		f.Fractions = append(f.Fractions, gf)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}
