// parse.go - Vote and consensus document parser.
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
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("document: malformed document")

type parser struct {
	raw   []byte
	lines []string
	pos   int
	off   int

	doc   *Document
	relay *RelayStatus
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	l := p.lines[p.pos]
	p.pos++
	p.off += len(l) + 1
	return l, true
}

// block reads an armored block of the given type following the current line.
func (p *parser) block(typ string) ([]byte, error) {
	start := p.pos
	end := "-----END " + typ + "-----"
	for {
		l, ok := p.next()
		if !ok {
			return nil, p.errorf("unterminated %v block", typ)
		}
		if l == end {
			break
		}
	}
	text := strings.Join(p.lines[start:p.pos], "\n") + "\n"
	blk, rest := pem.Decode([]byte(text))
	if blk == nil || blk.Type != typ || len(bytes.TrimSpace(rest)) != 0 {
		return nil, p.errorf("bad %v block", typ)
	}
	return blk.Bytes, nil
}

func parseDocTime(args []string) (time.Time, error) {
	if len(args) != 2 {
		return time.Time{}, errors.New("want date and time")
	}
	return parseTime(args[0], args[1])
}

func parseSRV(args []string) (*SharedRandomValue, error) {
	if len(args) != 2 {
		return nil, errors.New("want reveal count and value")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad reveal count '%v'", args[0])
	}
	v, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil || len(v) != DigestSize {
		return nil, errors.New("bad shared random value")
	}
	srv := &SharedRandomValue{NumReveals: n}
	copy(srv.Value[:], v)
	return srv, nil
}

func parseKV(args []string) (map[string]int64, error) {
	m := make(map[string]int64, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("token '%v' is not key=value", kv)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token '%v': %v", kv, err)
		}
		if _, dup := m[k]; dup {
			return nil, fmt.Errorf("duplicate key '%v'", k)
		}
		m[k] = n
	}
	return m, nil
}

func (p *parser) header(keyword string, args []string) error {
	d := p.doc
	var err error
	switch keyword {
	case "vote-status":
		if len(args) != 1 {
			return errors.New("want one status")
		}
		switch args[0] {
		case "vote":
			d.Type = TypeVote
		case "consensus":
			d.Type = TypeConsensus
		default:
			return fmt.Errorf("unknown status '%v'", args[0])
		}
	case "consensus-methods":
		for _, a := range args {
			m, err := strconv.Atoi(a)
			if err != nil {
				return err
			}
			d.ConsensusMethods = append(d.ConsensusMethods, m)
		}
	case "consensus-method":
		if len(args) != 1 {
			return errors.New("want one method")
		}
		d.ConsensusMethod, err = strconv.Atoi(args[0])
	case "published":
		d.Published, err = parseDocTime(args)
	case "valid-after":
		d.ValidAfter, err = parseDocTime(args)
	case "fresh-until":
		d.FreshUntil, err = parseDocTime(args)
	case "valid-until":
		d.ValidUntil, err = parseDocTime(args)
	case "voting-delay":
		if len(args) != 2 {
			return errors.New("want two delays")
		}
		var v, dist int64
		if v, err = strconv.ParseInt(args[0], 10, 64); err != nil {
			return err
		}
		if dist, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return err
		}
		d.VoteDelay, d.DistDelay = time.Duration(v)*time.Second, time.Duration(dist)*time.Second
	case "client-versions":
		if len(args) == 1 {
			d.ClientVersions = strings.Split(args[0], ",")
		}
	case "server-versions":
		if len(args) == 1 {
			d.ServerVersions = strings.Split(args[0], ",")
		}
	case "known-flags":
		d.KnownFlags, err = ParseFlags(args)
	case "params":
		d.Params, err = parseKV(args)
	case "shared-rand-commit":
		if len(args) != 2 {
			return errors.New("want identity and commit")
		}
		c := SharedRandCommit{}
		if c.Identity, err = ParseFingerprint(args[0]); err != nil {
			return err
		}
		if c.Commit, err = base64.StdEncoding.DecodeString(args[1]); err != nil {
			return err
		}
		d.SRVCommits = append(d.SRVCommits, c)
	case "shared-rand-next-commit":
		if len(args) != 1 {
			return errors.New("want commit")
		}
		d.SRVNextCommit, err = base64.StdEncoding.DecodeString(args[0])
	case "shared-rand-reveal":
		if len(args) != 1 {
			return errors.New("want reveal")
		}
		d.SRVReveal, err = base64.StdEncoding.DecodeString(args[0])
	case "shared-rand-previous-value":
		d.SRVPrevious, err = parseSRV(args)
	case "shared-rand-current-value":
		d.SRVCurrent, err = parseSRV(args)
	case "dir-source":
		if len(args) != 5 {
			return errors.New("dir-source wants five fields")
		}
		a := Authority{Nickname: args[0], Address: args[2]}
		if a.Identity, err = ParseFingerprint(args[1]); err != nil {
			return err
		}
		dir, err := strconv.ParseUint(args[3], 10, 16)
		if err != nil {
			return err
		}
		or, err := strconv.ParseUint(args[4], 10, 16)
		if err != nil {
			return err
		}
		a.DirPort, a.ORPort = uint16(dir), uint16(or)
		d.Authorities = append(d.Authorities, a)
	case "contact":
		if len(d.Authorities) == 0 {
			return errors.New("contact before dir-source")
		}
		d.Authorities[len(d.Authorities)-1].Contact = strings.Join(args, " ")
	case "vote-digest":
		if len(d.Authorities) == 0 || len(args) != 1 {
			return errors.New("misplaced vote-digest")
		}
		d.Authorities[len(d.Authorities)-1].VoteDigest, err = ParseDigest(args[0])
	case "dir-key-certificate":
		d.KeyCertificate, err = p.block(keyCertificateBlock)
	default:
		// Unknown header keywords are ignored.
	}
	return err
}

func (p *parser) relayLine(keyword string, args []string, rest string) error {
	d := p.doc
	switch keyword {
	case "r":
		p.relay = new(RelayStatus)
		if err := p.relay.parseRLine(args, d.Type, d.Flavor); err != nil {
			return err
		}
		if n := len(d.Relays); n > 0 && d.Relays[n-1].Identity.Compare(p.relay.Identity) >= 0 {
			return errors.New("relays are not sorted by identity")
		}
		d.Relays = append(d.Relays, p.relay)
		return nil
	case "m":
		if len(args) != 1 {
			return errors.New("want one microdescriptor digest")
		}
		var err error
		p.relay.MicrodescDigest, err = ParseDigest(args[0])
		return err
	case "s":
		var err error
		p.relay.Flags, err = ParseFlags(args)
		return err
	case "v":
		if len(rest) > MaxVersionLineLen {
			return errors.New("version line too long")
		}
		p.relay.Version = rest
	case "pr":
		p.relay.Protocols = rest
	case "w":
		return p.relay.parseWLine(args)
	case "p":
		if _, err := ParsePolicySummary(rest); err != nil {
			return err
		}
		p.relay.PolicySummary = rest
	}
	return nil
}

// Parse parses a vote or consensus document.
func Parse(raw []byte) (*Document, error) {
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		return nil, fmt.Errorf("%w: missing final newline", ErrMalformed)
	}
	p := &parser{
		raw:   raw,
		lines: strings.Split(string(raw[:len(raw)-1]), "\n"),
		doc:   &Document{Flavor: FlavorNS},
	}
	d := p.doc

	first, _ := p.next()
	switch first {
	case "network-status-version 3":
	case "network-status-version 3 microdesc":
		d.Flavor = FlavorMicrodesc
	default:
		return nil, p.errorf("bad version line '%v'", first)
	}

	inFooter := false
	for {
		lineStart := p.off
		l, ok := p.next()
		if !ok {
			break
		}
		keyword, rest, _ := strings.Cut(l, " ")
		args := strings.Fields(rest)

		if keyword == "directory-signature" {
			if d.signable == nil {
				d.signable = append([]byte(nil), raw[:lineStart+len(signatureKeyword)]...)
			}
			if len(args) != 2 {
				return nil, p.errorf("directory-signature wants two fields")
			}
			var s Signature
			var err error
			if s.Identity, err = ParseFingerprint(args[0]); err != nil {
				return nil, p.errorf("%v", err)
			}
			if s.SigningKeyDigest, err = ParseDigest(args[1]); err != nil {
				return nil, p.errorf("%v", err)
			}
			if s.Value, err = p.block(signatureBlock); err != nil {
				return nil, err
			}
			d.Signatures = append(d.Signatures, s)
			continue
		}
		if d.signable != nil {
			return nil, p.errorf("unexpected '%v' after signatures", keyword)
		}

		var err error
		switch {
		case keyword == "directory-footer":
			inFooter = true
		case inFooter:
			if keyword == "bandwidth-weights" {
				d.BandwidthWeights, err = parseKV(args)
			}
		case keyword == "r" || p.relay != nil:
			err = p.relayLine(keyword, args, rest)
		default:
			err = p.header(keyword, args)
		}
		if err != nil {
			return nil, p.errorf("%v: %v", keyword, err)
		}
	}
	if !inFooter {
		return nil, p.errorf("missing directory-footer")
	}
	if len(d.Authorities) == 0 {
		return nil, p.errorf("missing dir-source")
	}
	if d.Type == TypeVote && len(d.Authorities) != 1 {
		return nil, p.errorf("vote with %d dir-source entries", len(d.Authorities))
	}
	if d.signable == nil {
		d.signable = append(append([]byte(nil), raw...), signatureKeyword...)
	}
	return d, nil
}

// ParseRelayLines parses the lines of a single vote entry.
func ParseRelayLines(b []byte) (*RelayStatus, error) {
	p := &parser{
		lines: strings.Split(strings.TrimSuffix(string(b), "\n"), "\n"),
		doc:   &Document{Type: TypeVote, Flavor: FlavorNS},
	}
	for {
		l, ok := p.next()
		if !ok {
			break
		}
		keyword, rest, _ := strings.Cut(l, " ")
		if p.relay == nil && keyword != "r" {
			return nil, p.errorf("entry must start with 'r'")
		}
		if keyword == "r" && p.relay != nil {
			return nil, p.errorf("more than one entry")
		}
		if err := p.relayLine(keyword, strings.Fields(rest), rest); err != nil {
			return nil, p.errorf("%v: %v", keyword, err)
		}
	}
	if p.relay == nil {
		return nil, fmt.Errorf("%w: empty entry", ErrMalformed)
	}
	return p.relay, nil
}
