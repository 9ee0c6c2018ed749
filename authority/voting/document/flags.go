// flags.go - Relay flags.
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

package document

import (
	"fmt"
	"strings"
)

// Flags is a set of relay flags.
type Flags uint16

// The flag vocabulary, in serialisation order.
const (
	FlagBadExit Flags = 1 << iota
	FlagExit
	FlagFast
	FlagGuard
	FlagHSDir
	FlagRunning
	FlagStable
	FlagV2Dir
	FlagValid
)

// AllFlags is every flag an authority may vote on.
const AllFlags = FlagBadExit | FlagExit | FlagFast | FlagGuard | FlagHSDir |
	FlagRunning | FlagStable | FlagV2Dir | FlagValid

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagBadExit, "BadExit"},
	{FlagExit, "Exit"},
	{FlagFast, "Fast"},
	{FlagGuard, "Guard"},
	{FlagHSDir, "HSDir"},
	{FlagRunning, "Running"},
	{FlagStable, "Stable"},
	{FlagV2Dir, "V2Dir"},
	{FlagValid, "Valid"},
}

// EachFlag calls fn for every individual flag in serialisation order.
func EachFlag(fn func(Flags)) {
	for _, v := range flagNames {
		fn(v.flag)
	}
}

// Has returns true if every flag in o is set.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// Names returns the names of the set flags in serialisation order.
func (f Flags) Names() []string {
	var names []string
	for _, v := range flagNames {
		if f.Has(v.flag) {
			names = append(names, v.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), " ")
}

// ParseFlags parses flag names, which must appear in serialisation order.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	next := 0
	for _, n := range names {
		found := false
		for i := next; i < len(flagNames); i++ {
			if flagNames[i].name == n {
				f |= flagNames[i].flag
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("document: unknown or out of order flag '%v'", n)
		}
	}
	return f, nil
}
