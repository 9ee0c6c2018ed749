// document.go - Vote and consensus documents.
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

// Package document implements the line oriented vote and consensus
// documents exchanged by directory authorities, their canonical
// serialisation, and their signatures.
package document

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Consensus methods.  Every method computes digests with SHA3-256.
const (
	// MethodBase is the base merge algorithm.
	MethodBase = 1
	// MethodBandwidthWeights adds bandwidth weights and unmeasured markers.
	MethodBandwidthWeights = 2
	// MethodGuardFraction adds guard fraction weighting and shared random values.
	MethodGuardFraction = 3

	// MinMethod is the oldest supported consensus method.
	MinMethod = MethodBase
	// MaxMethod is the newest supported consensus method.
	MaxMethod = MethodGuardFraction
)

// SupportedMethods lists every consensus method this implementation can compute.
func SupportedMethods() []int {
	m := make([]int, 0, MaxMethod-MinMethod+1)
	for i := MinMethod; i <= MaxMethod; i++ {
		m = append(m, i)
	}
	return m
}

// DocType distinguishes votes from consensus documents.
type DocType int

const (
	// TypeVote is a single authority's vote.
	TypeVote DocType = iota
	// TypeConsensus is a merged consensus.
	TypeConsensus
)

func (t DocType) String() string {
	if t == TypeConsensus {
		return "consensus"
	}
	return "vote"
}

// Flavor selects the relay line format of a consensus.
type Flavor string

const (
	// FlavorNS carries full descriptor digests.
	FlavorNS Flavor = "ns"
	// FlavorMicrodesc carries microdescriptor digests.
	FlavorMicrodesc Flavor = "microdesc"
)

// Flavors lists every flavor in computation order.
var Flavors = []Flavor{FlavorNS, FlavorMicrodesc}

// Authority is a dir-source entry.
type Authority struct {
	Nickname string
	Identity Fingerprint
	Address  string
	DirPort  uint16
	ORPort   uint16
	Contact  string

	// VoteDigest is the digest of the authority's vote, consensus only.
	VoteDigest Digest
}

// SharedRandCommit is a commit seen from an authority.
type SharedRandCommit struct {
	Identity Fingerprint
	Commit   []byte
}

// SharedRandomValue is a shared random value and the number of reveals
// it was derived from.
type SharedRandomValue struct {
	NumReveals int
	Value      [DigestSize]byte
}

// Signature is a directory-signature block.
type Signature struct {
	Identity         Fingerprint
	SigningKeyDigest Digest
	Value            []byte
}

// Document is a vote or a consensus.
type Document struct {
	Type   DocType
	Flavor Flavor

	// ConsensusMethods are the methods a vote supports.
	ConsensusMethods []int
	// ConsensusMethod is the method a consensus was computed with.
	ConsensusMethod int

	Published  time.Time
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time
	VoteDelay  time.Duration
	DistDelay  time.Duration

	ClientVersions []string
	ServerVersions []string
	KnownFlags     Flags
	Params         map[string]int64

	// SRVCommits are the previous period's commits a vote saw, sorted by
	// identity.  SRVNextCommit and SRVReveal are the voter's own.
	SRVCommits    []SharedRandCommit
	SRVNextCommit []byte
	SRVReveal     []byte
	SRVPrevious   *SharedRandomValue
	SRVCurrent    *SharedRandomValue

	Authorities    []Authority
	KeyCertificate []byte

	Relays           []*RelayStatus
	BandwidthWeights map[string]int64

	Signatures []Signature

	// signable holds the exact signed prefix of a parsed document.
	signable []byte
}

// Voter returns the identity of a vote's author.
func (d *Document) Voter() Fingerprint {
	if len(d.Authorities) == 0 {
		return Fingerprint{}
	}
	return d.Authorities[0].Identity
}

// Supports returns true if a vote lists consensus method m.
func (d *Document) Supports(m int) bool {
	for _, v := range d.ConsensusMethods {
		if v == m {
			return true
		}
	}
	return false
}

// Relay returns the entry for id.  Relays must be sorted.
func (d *Document) Relay(id Fingerprint) (*RelayStatus, bool) {
	i := sort.Search(len(d.Relays), func(i int) bool {
		return d.Relays[i].Identity.Compare(id) >= 0
	})
	if i < len(d.Relays) && d.Relays[i].Identity == id {
		return d.Relays[i], true
	}
	return nil, false
}

// SortRelays orders the relays by identity.
func (d *Document) SortRelays() {
	sort.Slice(d.Relays, func(i, j int) bool {
		return d.Relays[i].Identity.Compare(d.Relays[j].Identity) < 0
	})
}

func writeSRV(b *bytes.Buffer, keyword string, v *SharedRandomValue) {
	if v == nil {
		return
	}
	fmt.Fprintf(b, "%s %d %s\n", keyword, v.NumReveals, base64.StdEncoding.EncodeToString(v.Value[:]))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// body serialises everything that precedes the first signature.
func (d *Document) body() []byte {
	b := new(bytes.Buffer)

	if d.Flavor == FlavorMicrodesc {
		b.WriteString("network-status-version 3 microdesc\n")
	} else {
		b.WriteString("network-status-version 3\n")
	}
	fmt.Fprintf(b, "vote-status %s\n", d.Type)
	if d.Type == TypeVote {
		methods := make([]string, 0, len(d.ConsensusMethods))
		for _, m := range d.ConsensusMethods {
			methods = append(methods, strconv.Itoa(m))
		}
		fmt.Fprintf(b, "consensus-methods %s\n", strings.Join(methods, " "))
		fmt.Fprintf(b, "published %s\n", formatTime(d.Published))
	} else {
		fmt.Fprintf(b, "consensus-method %d\n", d.ConsensusMethod)
	}
	fmt.Fprintf(b, "valid-after %s\n", formatTime(d.ValidAfter))
	fmt.Fprintf(b, "fresh-until %s\n", formatTime(d.FreshUntil))
	fmt.Fprintf(b, "valid-until %s\n", formatTime(d.ValidUntil))
	fmt.Fprintf(b, "voting-delay %d %d\n", int64(d.VoteDelay/time.Second), int64(d.DistDelay/time.Second))
	if len(d.ClientVersions) > 0 {
		fmt.Fprintf(b, "client-versions %s\n", strings.Join(d.ClientVersions, ","))
	}
	if len(d.ServerVersions) > 0 {
		fmt.Fprintf(b, "server-versions %s\n", strings.Join(d.ServerVersions, ","))
	}
	if d.KnownFlags == 0 {
		b.WriteString("known-flags\n")
	} else {
		fmt.Fprintf(b, "known-flags %s\n", d.KnownFlags)
	}
	if len(d.Params) > 0 {
		params := make([]string, 0, len(d.Params))
		for _, k := range sortedKeys(d.Params) {
			params = append(params, fmt.Sprintf("%s=%d", k, d.Params[k]))
		}
		fmt.Fprintf(b, "params %s\n", strings.Join(params, " "))
	}
	if d.Type == TypeVote {
		for _, c := range d.SRVCommits {
			fmt.Fprintf(b, "shared-rand-commit %s %s\n", c.Identity, base64.StdEncoding.EncodeToString(c.Commit))
		}
		if len(d.SRVNextCommit) > 0 {
			fmt.Fprintf(b, "shared-rand-next-commit %s\n", base64.StdEncoding.EncodeToString(d.SRVNextCommit))
		}
		if len(d.SRVReveal) > 0 {
			fmt.Fprintf(b, "shared-rand-reveal %s\n", base64.StdEncoding.EncodeToString(d.SRVReveal))
		}
	}
	writeSRV(b, "shared-rand-previous-value", d.SRVPrevious)
	writeSRV(b, "shared-rand-current-value", d.SRVCurrent)

	for _, a := range d.Authorities {
		fmt.Fprintf(b, "dir-source %s %s %s %d %d\n", a.Nickname, a.Identity, a.Address, a.DirPort, a.ORPort)
		if a.Contact != "" {
			fmt.Fprintf(b, "contact %s\n", a.Contact)
		}
		if d.Type == TypeConsensus {
			fmt.Fprintf(b, "vote-digest %s\n", a.VoteDigest)
		}
	}
	if d.Type == TypeVote && len(d.KeyCertificate) > 0 {
		b.WriteString("dir-key-certificate\n")
		pem.Encode(b, &pem.Block{Type: keyCertificateBlock, Bytes: d.KeyCertificate})
	}

	for _, r := range d.Relays {
		r.marshal(b, d.Type, d.Flavor, d.ConsensusMethod)
	}

	b.WriteString("directory-footer\n")
	if d.Type == TypeConsensus && len(d.BandwidthWeights) > 0 {
		weights := make([]string, 0, len(d.BandwidthWeights))
		for _, k := range sortedKeys(d.BandwidthWeights) {
			weights = append(weights, fmt.Sprintf("%s=%d", k, d.BandwidthWeights[k]))
		}
		fmt.Fprintf(b, "bandwidth-weights %s\n", strings.Join(weights, " "))
	}
	return b.Bytes()
}

const (
	signatureKeyword    = "directory-signature "
	signatureBlock      = "SIGNATURE"
	keyCertificateBlock = "KEY CERTIFICATE"
)

// SignableBody returns the prefix of the document covered by every
// signature: the body followed by the first signature keyword.
func (d *Document) SignableBody() []byte {
	if d.signable != nil {
		return d.signable
	}
	body := d.body()
	return append(body, signatureKeyword...)
}

// Marshal serialises the document with its signatures, which are written
// in identity order.
func (d *Document) Marshal() []byte {
	b := bytes.NewBuffer(d.body())
	sigs := append([]Signature(nil), d.Signatures...)
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].Identity.Compare(sigs[j].Identity) < 0
	})
	for _, s := range sigs {
		fmt.Fprintf(b, "%s%s %s\n", signatureKeyword, s.Identity, s.SigningKeyDigest)
		pem.Encode(b, &pem.Block{Type: signatureBlock, Bytes: s.Value})
	}
	return b.Bytes()
}

// SignatureBy returns the signature made by the authority id.
func (d *Document) SignatureBy(id Fingerprint) (*Signature, bool) {
	for i := range d.Signatures {
		if d.Signatures[i].Identity == id {
			return &d.Signatures[i], true
		}
	}
	return nil, false
}
