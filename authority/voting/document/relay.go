// relay.go - Relay status entries.
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
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxVersionLineLen bounds the "v" line.
	MaxVersionLineLen = 128

	// GuardFractionScale is the denominator of a guard fraction.
	GuardFractionScale = 10000

	timeLayout = "2006-01-02 15:04:05"
)

// RelayStatus is one relay's entry in a vote or a consensus.
type RelayStatus struct {
	Nickname        string
	Identity        Fingerprint
	Digest          Digest
	MicrodescDigest Digest
	Published       time.Time
	Address         netip.Addr
	ORPort          uint16
	DirPort         uint16
	Flags           Flags
	Version         string
	Protocols       string

	// Bandwidth is the declared bandwidth in a vote, and the merged
	// bandwidth in a consensus, in kilobytes per second.
	Bandwidth uint64

	// Measured is the measured bandwidth, valid iff IsMeasured.
	Measured   uint64
	IsMeasured bool

	// Unmeasured marks consensus bandwidths no authority measured.
	Unmeasured bool

	// GuardFraction is in units of 1/GuardFractionScale, valid iff
	// HasGuardFraction.
	GuardFraction    uint32
	HasGuardFraction bool

	PolicySummary string
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(date, clock string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, date+" "+clock, time.UTC)
}

// marshal appends the relay's lines for a document of type t and flavor f
// under consensus method m.
func (r *RelayStatus) marshal(b *bytes.Buffer, t DocType, f Flavor, m int) {
	if t == TypeConsensus && f == FlavorMicrodesc {
		fmt.Fprintf(b, "r %s %s %s %s %d %d\n", r.Nickname, r.Identity,
			formatTime(r.Published), r.Address, r.ORPort, r.DirPort)
		fmt.Fprintf(b, "m %s\n", r.MicrodescDigest)
	} else {
		fmt.Fprintf(b, "r %s %s %s %s %s %d %d\n", r.Nickname, r.Identity, r.Digest,
			formatTime(r.Published), r.Address, r.ORPort, r.DirPort)
		if t == TypeVote {
			fmt.Fprintf(b, "m %s\n", r.MicrodescDigest)
		}
	}
	if r.Flags == 0 {
		b.WriteString("s\n")
	} else {
		fmt.Fprintf(b, "s %s\n", r.Flags)
	}
	if r.Version != "" {
		fmt.Fprintf(b, "v %s\n", r.Version)
	}
	if r.Protocols != "" {
		fmt.Fprintf(b, "pr %s\n", r.Protocols)
	}
	fmt.Fprintf(b, "w Bandwidth=%d", r.Bandwidth)
	switch t {
	case TypeVote:
		if r.IsMeasured {
			fmt.Fprintf(b, " Measured=%d", r.Measured)
		}
		if r.HasGuardFraction {
			fmt.Fprintf(b, " GuardFraction=%d", r.GuardFraction)
		}
	case TypeConsensus:
		if r.Unmeasured && m >= MethodBandwidthWeights {
			b.WriteString(" Unmeasured=1")
		}
		if r.HasGuardFraction && m >= MethodGuardFraction {
			fmt.Fprintf(b, " GuardFraction=%d", r.GuardFraction)
		}
	}
	b.WriteByte('\n')
	if r.PolicySummary != "" {
		fmt.Fprintf(b, "p %s\n", r.PolicySummary)
	}
}

// MarshalLines returns the serialised lines of a single vote entry.
func (r *RelayStatus) MarshalLines() []byte {
	b := new(bytes.Buffer)
	r.marshal(b, TypeVote, FlavorNS, MaxMethod)
	return b.Bytes()
}

func (r *RelayStatus) parseRLine(args []string, t DocType, f Flavor) error {
	want := 8
	if t == TypeConsensus && f == FlavorMicrodesc {
		want = 7
	}
	if len(args) != want {
		return fmt.Errorf("'r' line has %d fields", len(args))
	}
	var err error
	r.Nickname = args[0]
	if r.Identity, err = ParseFingerprint(args[1]); err != nil {
		return err
	}
	args = args[2:]
	if want == 8 {
		if r.Digest, err = ParseDigest(args[0]); err != nil {
			return err
		}
		args = args[1:]
	}
	if r.Published, err = parseTime(args[0], args[1]); err != nil {
		return err
	}
	if r.Address, err = netip.ParseAddr(args[2]); err != nil {
		return err
	}
	or, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return err
	}
	dir, err := strconv.ParseUint(args[4], 10, 16)
	if err != nil {
		return err
	}
	r.ORPort, r.DirPort = uint16(or), uint16(dir)
	return nil
}

func (r *RelayStatus) parseWLine(args []string) error {
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("'w' token '%v' is not key=value", kv)
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("'w' token '%v': %v", kv, err)
		}
		switch k {
		case "Bandwidth":
			r.Bandwidth = n
		case "Measured":
			r.Measured, r.IsMeasured = n, true
		case "Unmeasured":
			r.Unmeasured = n == 1
		case "GuardFraction":
			if n > GuardFractionScale {
				return fmt.Errorf("guard fraction %d out of range", n)
			}
			r.GuardFraction, r.HasGuardFraction = uint32(n), true
		}
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *RelayStatus) Clone() *RelayStatus {
	c := *r
	return &c
}
