// spool.go - File spool transport.
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

// Package spool exchanges documents with the other authorities and with
// the relay-facing frontend through directories on disk.  Everything this
// authority publishes lands in DataDir/outbox; everything addressed to it
// is picked up from DataDir/inbox.
package spool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/server/reachability"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
	"github.com/dirvote/dirauth/core/retry"
	"github.com/dirvote/dirauth/core/utils"
)

const (
	// OutboxDir is where published documents are written.
	OutboxDir = "outbox"

	// InboxDir is where received documents are picked up.
	InboxDir = "inbox"

	dirMode  = 0700
	fileMode = 0600
)

// Kind is the kind of document a spool directory holds.
type Kind string

// Spool directories.
const (
	KindVotes         Kind = "votes"
	KindSignatures    Kind = "signatures"
	KindConsensus     Kind = "consensus"
	KindDescriptors   Kind = "descriptors"
	KindProbes        Kind = "probes"
	KindProbeRequests Kind = "probe-requests"
)

var (
	outboxKinds = []Kind{KindVotes, KindSignatures, KindConsensus, KindProbeRequests}
	inboxKinds  = []Kind{KindVotes, KindSignatures, KindDescriptors, KindProbes}
)

// ErrBadName is returned for a spool file whose name cannot be used.
var ErrBadName = errors.New("spool: invalid file name")

type probeRecord struct {
	ID        document.Fingerprint
	Reachable bool
	At        int64
}

// MarshalProbe encodes a probe result the way the prober delivers it.
func MarshalProbe(r reachability.Result) ([]byte, error) {
	return cbor.Marshal(&probeRecord{ID: r.ID, Reachable: r.Reachable, At: r.At.Unix()})
}

func unmarshalProbe(b []byte) (reachability.Result, error) {
	var rec probeRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return reachability.Result{}, err
	}
	return reachability.Result{ID: rec.ID, Reachable: rec.Reachable, At: time.Unix(rec.At, 0).UTC()}, nil
}

// RawVote is a received vote that still needs parsing and verification.
type RawVote struct {
	Name string
	Raw  []byte
}

// Batch is everything picked up from the inbox by one Poll.
type Batch struct {
	Votes       []RawVote
	Signatures  []*document.DetachedSignature
	Descriptors []*routerlist.Descriptor
	Probes      []reachability.Result

	// Err accumulates the files that could not be read or decoded.
	// They are removed from the inbox regardless.
	Err error
}

// Empty returns true if the batch carries nothing.
func (b *Batch) Empty() bool {
	return len(b.Votes)+len(b.Signatures)+len(b.Descriptors)+len(b.Probes) == 0
}

// Spool is a directory based transport.  Publishing is safe for concurrent
// use; Poll must not be called concurrently with itself.
type Spool struct {
	log    *logging.Logger
	root   string
	policy retry.Policy
}

// New creates the spool directories under dataDir.
func New(log *logging.Logger, dataDir string, policy retry.Policy) (*Spool, error) {
	s := &Spool{
		log:    log,
		root:   dataDir,
		policy: policy,
	}
	for _, k := range outboxKinds {
		if err := os.MkdirAll(s.OutboxPath(k), dirMode); err != nil {
			return nil, err
		}
	}
	for _, k := range inboxKinds {
		if err := os.MkdirAll(s.InboxPath(k), dirMode); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OutboxPath returns the outbox directory for kind k.
func (s *Spool) OutboxPath(k Kind) string {
	return filepath.Join(s.root, OutboxDir, string(k))
}

// InboxPath returns the inbox directory for kind k.
func (s *Spool) InboxPath(k Kind) string {
	return filepath.Join(s.root, InboxDir, string(k))
}

func (s *Spool) write(ctx context.Context, dir, name string, b []byte) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	p := filepath.Join(dir, name)
	attempt := 0
	err := s.policy.Do(ctx, func() error {
		attempt++
		err := utils.WriteFileAtomic(p, b, fileMode)
		if err != nil && retry.IsTransientError(err) {
			s.log.Debugf("Write of %v failed (attempt %d): %v", p, attempt, err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("spool: %v: %w", p, err)
	}
	return nil
}

func periodPrefix(va time.Time) string {
	return strconv.FormatInt(va.Unix(), 10)
}

// PublishVote writes our signed vote to the outbox.
func (s *Spool) PublishVote(ctx context.Context, vote *document.Document) error {
	name := fmt.Sprintf("%v-%v.vote", periodPrefix(vote.ValidAfter), vote.Voter())
	return s.write(ctx, s.OutboxPath(KindVotes), name, vote.Marshal())
}

// PublishSignature writes our detached signature to the outbox.
func (s *Spool) PublishSignature(ctx context.Context, ds *document.DetachedSignature) error {
	b, err := ds.Marshal()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%v-%v.sig", ds.ValidAfter, ds.Flavor, ds.Identity)
	return s.write(ctx, s.OutboxPath(KindSignatures), name, b)
}

// PublishConsensus writes a finalised consensus to the outbox, replacing
// any earlier copy with fewer signatures.
func (s *Spool) PublishConsensus(ctx context.Context, doc *document.Document) error {
	name := fmt.Sprintf("%v-%v.consensus", periodPrefix(doc.ValidAfter), doc.Flavor)
	return s.write(ctx, s.OutboxPath(KindConsensus), name, doc.Marshal())
}

// RequestProbes asks the prober to test the relays ids.
func (s *Spool) RequestProbes(ctx context.Context, at time.Time, ids []document.Fingerprint) error {
	if len(ids) == 0 {
		return nil
	}
	var b bytes.Buffer
	for _, id := range ids {
		fmt.Fprintln(&b, id)
	}
	name := fmt.Sprintf("%d-%03d.probe", at.Unix(), reachability.SliceAt(at))
	return s.write(ctx, s.OutboxPath(KindProbeRequests), name, b.Bytes())
}

// ReadProbeRequest parses a probe request file.
func ReadProbeRequest(b []byte) ([]document.Fingerprint, error) {
	var ids []document.Fingerprint
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := document.ParseFingerprint(line)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

// Deliver places b in the inbox, as a peer or the frontend would.
func (s *Spool) Deliver(ctx context.Context, k Kind, name string, b []byte) error {
	return s.write(ctx, s.InboxPath(k), name, b)
}

// take reads and removes every file in the inbox directory of kind k, in
// name order.
func (s *Spool) take(ctx context.Context, k Kind, fn func(name string, b []byte) error) error {
	dir := s.InboxPath(k)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(dir, name)
		b, err := os.ReadFile(p)
		if err == nil {
			err = fn(name, b)
		}
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%v/%v: %w", k, name, err))
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Poll picks up everything in the inbox.  Files that fail to decode are
// reported in the batch's Err and dropped; the returned error is only set
// when the spool itself is unusable or ctx is done.
func (s *Spool) Poll(ctx context.Context) (*Batch, error) {
	b := new(Batch)
	var merr *multierror.Error
	collect := func(err error) error {
		var m *multierror.Error
		if errors.As(err, &m) {
			merr = multierror.Append(merr, m.Errors...)
			return nil
		}
		return err
	}

	if err := collect(s.take(ctx, KindVotes, func(name string, raw []byte) error {
		b.Votes = append(b.Votes, RawVote{Name: name, Raw: raw})
		return nil
	})); err != nil {
		return nil, err
	}
	if err := collect(s.take(ctx, KindSignatures, func(_ string, raw []byte) error {
		ds := new(document.DetachedSignature)
		if err := ds.Unmarshal(raw); err != nil {
			return err
		}
		b.Signatures = append(b.Signatures, ds)
		return nil
	})); err != nil {
		return nil, err
	}
	if err := collect(s.take(ctx, KindDescriptors, func(_ string, raw []byte) error {
		d, err := routerlist.UnmarshalDescriptor(raw)
		if err != nil {
			return err
		}
		b.Descriptors = append(b.Descriptors, d)
		return nil
	})); err != nil {
		return nil, err
	}
	if err := collect(s.take(ctx, KindProbes, func(_ string, raw []byte) error {
		r, err := unmarshalProbe(raw)
		if err != nil {
			return err
		}
		b.Probes = append(b.Probes, r)
		return nil
	})); err != nil {
		return nil, err
	}

	b.Err = merr.ErrorOrNil()
	if b.Err != nil {
		s.log.Warningf("Dropped unreadable inbox files: %v", b.Err)
	}
	return b, nil
}

// PruneOutbox removes the outbox files of periods starting before cutoff.
func (s *Spool) PruneOutbox(cutoff time.Time) int {
	n := 0
	for _, k := range outboxKinds {
		dir := s.OutboxPath(k)
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warningf("Failed to list %v: %v", dir, err)
			continue
		}
		for _, e := range entries {
			prefix, _, ok := strings.Cut(e.Name(), "-")
			if !ok {
				continue
			}
			ts, err := strconv.ParseInt(prefix, 10, 64)
			if err != nil || !time.Unix(ts, 0).Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				n++
			}
		}
	}
	return n
}
