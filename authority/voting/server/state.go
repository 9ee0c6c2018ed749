// state.go - Voting period state machine.
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

package server

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/consensus"
	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/authority/voting/schedule"
	"github.com/dirvote/dirauth/authority/voting/server/aggregate"
	"github.com/dirvote/dirauth/authority/voting/server/builder"
	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/authority/voting/server/measure"
	"github.com/dirvote/dirauth/authority/voting/server/reachability"
	"github.com/dirvote/dirauth/authority/voting/server/rephist"
	"github.com/dirvote/dirauth/authority/voting/server/routerlist"
	"github.com/dirvote/dirauth/authority/voting/server/spool"
	"github.com/dirvote/dirauth/authority/voting/server/votestore"
	"github.com/dirvote/dirauth/core/log"
	"github.com/dirvote/dirauth/core/worker"
	"github.com/dirvote/dirauth/internal/instrument"
)

const (
	inboxPollInterval = time.Second
	maxSleep          = time.Minute
)

// Clock tells the controller the time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now().UTC()
}

// Transport carries documents to and from the other authorities, the
// relay frontend and the prober.
type Transport interface {
	PublishVote(ctx context.Context, vote *document.Document) error
	PublishSignature(ctx context.Context, ds *document.DetachedSignature) error
	PublishConsensus(ctx context.Context, doc *document.Document) error
	RequestProbes(ctx context.Context, at time.Time, ids []document.Fingerprint) error
	Poll(ctx context.Context) (*spool.Batch, error)
	PruneOutbox(cutoff time.Time) int
}

// period is the controller's bookkeeping for one voting period.
type period struct {
	instant schedule.Instant
	agg     *aggregate.Aggregator

	peerVotes   int
	wrongPeriod int

	finaliseDue   bool
	graceDeadline time.Time
	published     map[document.Flavor]int
	failed        bool
}

type rejectedVote struct {
	voter      document.Fingerprint
	validAfter time.Time
	err        error
}

// received is an inbox batch with its votes parsed and verified.
type received struct {
	at       time.Time
	batch    *spool.Batch
	votes    []*votestore.Verified
	rejected []*rejectedVote
}

type computed struct {
	docs  map[document.Flavor]*document.Document
	votes int
}

// state is the single writer of everything a period touches.  Only the
// worker goroutine (or a test driving it) calls its methods; long work
// runs on the job pool and comes back through replies.
type state struct {
	worker.Worker

	s          *Server
	log        *logging.Logger
	logBackend *log.Backend
	clock      Clock
	transport  Transport

	cfg      *config.Handle
	registry *config.AuthorityRegistry
	keys     *keyring

	db       *bolt.DB
	store    *persistence
	sched    *schedule.Scheduler
	ingest   *measure.Ingester
	reach    *reachability.Tracker
	hist     *rephist.History
	routers  *routerlist.Store
	builder  *builder.Builder
	votes    *votestore.Store
	computer *consensus.Computer
	survey   *survey
	jobs     *jobs

	initial    bool
	inboxBusy  bool
	lastRolled time.Time
	periods    map[int64]*period
	consensus  map[document.Flavor]*document.Document

	reloadCh chan *config.Config
}

func (st *state) Halt() {
	st.Worker.Halt()
	st.jobs.stop()

	if err := st.hist.Checkpoint(); err != nil {
		st.log.Errorf("Failed to checkpoint relay history: %v", err)
	}

	// Gracefully close the persistence store.
	st.db.Sync()
	st.db.Close()
}

func (st *state) fatal(err error) {
	select {
	case st.s.fatalErrCh <- err:
	default:
	}
}

func (st *state) worker() {
	poll := time.NewTicker(inboxPollInterval)
	defer poll.Stop()
	probe := time.NewTicker(reachability.TestInterval)
	defer probe.Stop()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-st.HaltCh():
			st.log.Debugf("Terminating gracefully.")
			return
		case <-timer.C:
			st.onTick(st.clock.Now())
		case <-poll.C:
			st.pollInbox()
		case <-probe.C:
			st.requestProbes(st.clock.Now())
		case r := <-st.jobs.replyCh:
			st.onReply(r)
		case cfg := <-st.reloadCh:
			st.onReload(cfg)
		}
		timer.Reset(st.sleepFor(st.clock.Now()))
	}
}

// sleepFor returns the time until the next phase or grace deadline.
func (st *state) sleepFor(now time.Time) time.Duration {
	d := maxSleep
	if p, ok := st.sched.Next(); ok {
		d = min(d, p.At.Sub(now))
	}
	for _, p := range st.periods {
		if !p.graceDeadline.IsZero() {
			d = min(d, p.graceDeadline.Sub(now))
		}
	}
	return max(d, 0)
}

func (st *state) timing() schedule.Timing {
	v := st.cfg.Get().Voting
	if st.initial {
		return v.InitialTiming()
	}
	return v.Timing()
}

// install makes the period of in the one being voted on.
func (st *state) install(in schedule.Instant) {
	st.sched.Reschedule(in)
	st.votes.SetPeriod(in)
	if _, ok := st.periods[in.ValidAfter.Unix()]; !ok {
		n := st.registry.Len()
		agg := aggregate.New(st.logBackend.GetLogger("aggregate"), st.votes, n)
		agg.Reset(in.ValidAfter, n)
		st.periods[in.ValidAfter.Unix()] = &period{
			instant:   in,
			agg:       agg,
			published: make(map[document.Flavor]int),
		}
	}
	st.log.Noticef("Scheduled %v", in)
}

func (st *state) resync(now time.Time) {
	in := schedule.Recalculate(now, st.timing())
	st.install(in)
	st.events().publish(&Resynchronised{ValidAfter: in.ValidAfter})
}

func (st *state) events() *eventBus {
	return st.s.events
}

func (st *state) onTick(now time.Time) {
	if st.sched.ClockWentBackward(now) {
		st.log.Warningf("Clock went backward to %v, recalculating the schedule", now)
		st.resync(now)
	}
	isV3 := st.cfg.Get().Authority.IsV3()
	for _, p := range st.sched.Due(now) {
		instrument.Phase(p.Action.String())
		if !isV3 && p.Action != schedule.RollPeriod {
			st.log.Debugf("Not a v3 authority, skipping %v", p.Action)
			continue
		}
		st.log.Noticef("%v for %v", p.Action, p.ValidAfter)
		resynced := false
		switch p.Action {
		case schedule.BuildVote:
			st.onBuildVote(p.ValidAfter, now)
		case schedule.CloseVoteCollection:
			resynced = st.onCloseVotes(p.ValidAfter, now)
		case schedule.ComputeConsensus:
			st.onComputeConsensus(p.ValidAfter)
		case schedule.PublishConsensus:
			st.onPublishConsensus(p.ValidAfter, now)
		case schedule.RollPeriod:
			st.onRollPeriod(p.ValidAfter, now)
		}
		if resynced {
			break
		}
	}
	st.checkGrace(now)
}

func (st *state) onBuildVote(va, now time.Time) {
	if st.store.hasVote(va, st.keys.Identity()) {
		st.log.Warningf("Already voted for %v, not voting again", va)
		return
	}
	flags := st.cfg.Get().Flags
	bwFile, gfFile := flags.V3BandwidthsFile, flags.GuardfractionFile
	st.jobs.submit(jobMeasure, va, func(ctx context.Context) (interface{}, error) {
		return measure.Read(ctx, bwFile, gfFile, now)
	})
}

func (st *state) onMeasured(r *reply) {
	if !r.validAfter.Equal(st.votes.Current().ValidAfter) {
		st.log.Debugf("Dropping measurements read for %v", r.validAfter)
		return
	}
	now := st.clock.Now()
	res, _ := r.value.(*measure.Result)
	if r.err != nil || res == nil {
		st.log.Errorf("Failed to read the measurement files: %v", r.err)
		res = new(measure.Result)
	}
	st.ingest.Apply(res, now)
	st.buildVote(r.validAfter, now)
}

func (st *state) buildVote(va, now time.Time) {
	p, ok := st.periods[va.Unix()]
	if !ok {
		return
	}
	in := &builder.Inputs{
		Now:           now,
		Instant:       p.instant,
		Config:        st.cfg.Get(),
		Descriptors:   st.routers.All(),
		PreviousVotes: st.votes.ForPeriod(st.lastRolled),
		Consensus:     st.consensus[document.FlavorNS],
	}
	vote, err := st.builder.Build(in)
	switch {
	case errors.Is(err, builder.ErrNoRouters):
		st.log.Warningf("No relays known, skipping the vote for %v", va)
		return
	case err != nil:
		st.log.Errorf("Failed to build the vote for %v: %v", va, err)
		return
	}
	if _, err := st.votes.Accept(vote, now); err != nil {
		st.log.Errorf("Our own vote for %v was refused: %v", va, err)
		return
	}
	if err := st.store.putVote(vote); err != nil {
		st.log.Errorf("Failed to persist our vote: %v", err)
		st.fatal(err)
	}
	digest, _ := vote.Digest()
	instrument.Vote("built")
	instrument.VoteRelays(len(vote.Relays))
	st.events().publish(&VoteBuilt{ValidAfter: va, Digest: digest, Relays: len(vote.Relays)})
	st.publish(va, func(ctx context.Context) error {
		return st.transport.PublishVote(ctx, vote)
	})
}

func (st *state) publish(va time.Time, fn func(ctx context.Context) error) {
	st.jobs.submit(jobPublish, va, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
}

func (st *state) pollInbox() {
	if st.inboxBusy {
		return
	}
	st.inboxBusy = true
	reg, t, now := st.registry, st.transport, st.clock.Now()
	st.jobs.submit(jobInbox, st.votes.Current().ValidAfter, func(ctx context.Context) (interface{}, error) {
		return receive(ctx, t, reg, now)
	})
}

// receive polls t and verifies the votes found.  It runs on the job pool.
func receive(ctx context.Context, t Transport, reg votestore.Registry, now time.Time) (*received, error) {
	b, err := t.Poll(ctx)
	if err != nil {
		return nil, err
	}
	r := &received{at: now, batch: b}
	for _, raw := range b.Votes {
		doc, err := document.Parse(raw.Raw)
		if err != nil {
			r.rejected = append(r.rejected, &rejectedVote{
				err: &votestore.Rejection{Reason: votestore.ReasonMalformed, Msg: raw.Name + ": " + err.Error()},
			})
			continue
		}
		v, err := votestore.Verify(reg, doc, now)
		if err != nil {
			r.rejected = append(r.rejected, &rejectedVote{voter: doc.Voter(), validAfter: doc.ValidAfter, err: err})
			continue
		}
		r.votes = append(r.votes, v)
	}
	return r, nil
}

func (st *state) onReceived(r *reply) {
	st.inboxBusy = false
	if r.err != nil {
		st.log.Errorf("Failed to poll the inbox: %v", r.err)
		return
	}
	rcv := r.value.(*received)

	for _, rv := range rcv.rejected {
		st.log.Warningf("Rejected vote: %v", rv.err)
		st.voteRejected(rv.voter, rv.validAfter, rv.err)
	}

	self := st.keys.Identity()
	cur := st.periods[st.votes.Current().ValidAfter.Unix()]
	for _, v := range rcv.votes {
		peer := v.Voter != self
		if peer && cur != nil {
			cur.peerVotes++
		}
		o, err := st.votes.Insert(v, rcv.at)
		if err != nil {
			var rej *votestore.Rejection
			if peer && cur != nil && errors.As(err, &rej) && rej.Reason == votestore.ReasonWrongPeriod {
				cur.wrongPeriod++
			}
			st.voteRejected(v.Voter, v.Vote.ValidAfter, err)
			continue
		}
		instrument.Vote(o.String())
		st.survey.voteAccepted(v.Voter, v.Vote.ValidAfter)
		st.events().publish(&VoteAccepted{ValidAfter: v.Vote.ValidAfter, Voter: v.Voter, Outcome: o})
		if err := st.store.putVote(v.Vote); err != nil {
			st.log.Errorf("Failed to persist the vote of %v: %v", v.Voter, err)
			st.fatal(err)
		}
	}

	for _, ds := range rcv.batch.Signatures {
		st.onSignature(ds, rcv.at)
	}
	for _, d := range rcv.batch.Descriptors {
		if err := st.routers.Add(d, rcv.at); err != nil {
			st.log.Debugf("Ignoring descriptor of %v: %v", d.Identity, err)
		}
	}
	for _, res := range rcv.batch.Probes {
		if !st.reach.Record(res) {
			continue
		}
		if res.Reachable {
			st.hist.NoteReachable(res.ID, res.At)
		} else {
			st.hist.NoteUnreachable(res.ID, res.At)
		}
	}
}

func (st *state) voteRejected(voter document.Fingerprint, va time.Time, err error) {
	reason := votestore.ReasonMalformed
	var rej *votestore.Rejection
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	instrument.Vote("rejected")
	st.survey.voteRejected(voter, va, reason)
	st.events().publish(&VoteRejected{ValidAfter: va, Voter: voter, Reason: reason, Err: err})
}

func (st *state) onSignature(ds *document.DetachedSignature, now time.Time) {
	va := time.Unix(ds.ValidAfter, 0).UTC()
	p, ok := st.periods[ds.ValidAfter]
	if !ok || !now.Before(p.instant.ValidUntil) {
		st.log.Warningf("Dropping signature from %v for %v: no such period", ds.Identity, va)
		instrument.DetachedSignature("rejected")
		return
	}
	pending, err := p.agg.AcceptRemote(ds)
	switch {
	case err != nil:
		st.log.Warningf("Rejected signature: %v", err)
		instrument.DetachedSignature("rejected")
		st.survey.signature(ds.Identity, va, false)
		return
	case pending:
		instrument.DetachedSignature("pending")
		return
	}
	instrument.DetachedSignature("accepted")
	st.survey.signature(ds.Identity, va, true)
	if p.finaliseDue {
		st.finalise(p)
	}
}

func (st *state) onCloseVotes(va, now time.Time) bool {
	st.votes.Close(va)
	st.survey.closePeriod(va)
	p, ok := st.periods[va.Unix()]
	if !ok || p.peerVotes == 0 || p.wrongPeriod < p.peerVotes {
		return false
	}
	st.log.Errorf("All %d peer votes were for another period, our clock is off by at least %v", p.wrongPeriod, p.instant.DistDelay)
	st.events().publish(&ClockSkew{ValidAfter: va, Rejected: p.wrongPeriod})
	st.resync(now)
	return true
}

func (st *state) onComputeConsensus(va time.Time) {
	votes := st.votes.ForPeriod(va)
	comp := st.computer
	st.jobs.submit(jobCompute, va, func(ctx context.Context) (interface{}, error) {
		docs, err := comp.ComputeAll(votes)
		return &computed{docs: docs, votes: len(votes)}, err
	})
}

func (st *state) onComputed(r *reply) {
	p, ok := st.periods[r.validAfter.Unix()]
	if !ok || p.failed {
		st.log.Debugf("Dropping consensus computed for %v", r.validAfter)
		return
	}
	c, _ := r.value.(*computed)
	if c == nil {
		c = new(computed)
	}
	if r.err != nil {
		reason := ReasonComputeFailed
		if errors.Is(r.err, consensus.ErrInsufficientVotes) {
			reason = ReasonInsufficientVotes
		}
		st.noConsensus(p, reason, c.votes, r.err)
		return
	}

	for _, f := range document.Flavors {
		doc, ok := c.docs[f]
		if !ok {
			continue
		}
		ds, err := p.agg.SubmitLocal(doc, st.keys.signer)
		if err != nil {
			st.log.Errorf("Failed to sign the %v consensus for %v: %v", f, r.validAfter, err)
			continue
		}
		st.log.Noticef("Computed the %v consensus for %v with method %d: %v", f, r.validAfter, doc.ConsensusMethod, ds.Digest)
		st.events().publish(&ConsensusComputed{ValidAfter: r.validAfter, Flavor: f, Method: doc.ConsensusMethod, Digest: ds.Digest})
		st.publish(r.validAfter, func(ctx context.Context) error {
			return st.transport.PublishSignature(ctx, ds)
		})
	}
	instrument.Consensus("computed")
	if p.finaliseDue {
		st.finalise(p)
	}
}

func (st *state) noConsensus(p *period, reason NoConsensusReason, votes int, err error) {
	if p.failed {
		return
	}
	p.failed = true
	p.graceDeadline = time.Time{}
	va := p.instant.ValidAfter
	if err != nil {
		st.log.Errorf("No consensus for %v: %v (%d votes): %v", va, reason, votes, err)
	} else {
		st.log.Errorf("No consensus for %v: %v (%d votes)", va, reason, votes)
	}
	instrument.Consensus(string(reason))
	st.events().publish(&NoConsensus{ValidAfter: va, Reason: reason, Votes: votes})
}

func (st *state) onPublishConsensus(va, now time.Time) {
	p, ok := st.periods[va.Unix()]
	if !ok {
		return
	}
	p.finaliseDue = true
	if !st.finalise(p) && !p.failed {
		p.graceDeadline = now.Add(st.cfg.Get().Voting.Grace())
	}
}

// finalise publishes every flavor of p's consensus that gained signatures
// and returns true if any flavor has a majority.
func (st *state) finalise(p *period) bool {
	signed := false
	for _, f := range document.Flavors {
		doc, ok := p.agg.Finalise(f)
		if !ok {
			continue
		}
		signed = true
		if len(doc.Signatures) <= p.published[f] {
			continue
		}
		p.published[f] = len(doc.Signatures)
		p.graceDeadline = time.Time{}
		st.publishConsensus(doc)
	}
	return signed
}

func (st *state) publishConsensus(doc *document.Document) {
	va := doc.ValidAfter
	if err := st.store.putConsensus(doc); err != nil {
		st.log.Errorf("Failed to persist the %v consensus: %v", doc.Flavor, err)
		st.fatal(err)
	}
	if cur, ok := st.consensus[doc.Flavor]; !ok || !va.Before(cur.ValidAfter) {
		st.consensus[doc.Flavor] = doc
	}
	if st.initial {
		st.initial = false
		st.log.Noticef("First consensus published, leaving the initial voting schedule")
	}
	st.log.Noticef("Published the %v consensus for %v with %d signatures", doc.Flavor, va, len(doc.Signatures))
	instrument.Consensus("published")
	st.events().publish(&ConsensusPublished{ValidAfter: va, Flavor: doc.Flavor, Signatures: len(doc.Signatures)})
	st.publish(va, func(ctx context.Context) error {
		return st.transport.PublishConsensus(ctx, doc)
	})
}

func (st *state) checkGrace(now time.Time) {
	for _, p := range st.periods {
		if p.graceDeadline.IsZero() || now.Before(p.graceDeadline) {
			continue
		}
		p.graceDeadline = time.Time{}
		if len(p.published) == 0 {
			st.noConsensus(p, ReasonInsufficientSignatures, st.votes.Count(p.instant.ValidAfter), nil)
		}
	}
}

func (st *state) onRollPeriod(va, now time.Time) {
	st.lastRolled = va

	if n := st.hist.Decay(now); n > 0 {
		st.log.Debugf("Decayed the history of %d relays", n)
	}
	if err := st.hist.Checkpoint(); err != nil {
		st.log.Errorf("Failed to checkpoint relay history: %v", err)
	}
	if n, err := st.routers.Prune(now); err != nil {
		st.log.Errorf("Failed to prune descriptors: %v", err)
	} else if n > 0 {
		st.log.Noticef("Pruned %d stale descriptors", n)
	}
	keep := make(map[document.Fingerprint]bool)
	for _, id := range st.routers.IDs() {
		keep[id] = true
	}
	st.reach.Forget(keep)

	st.votes.DropExpired(now)
	for k, p := range st.periods {
		if !now.Before(p.instant.ValidUntil) {
			delete(st.periods, k)
		}
	}
	for f, doc := range st.consensus {
		if !now.Before(doc.ValidUntil) {
			st.log.Warningf("The %v consensus for %v expired", f, doc.ValidAfter)
			delete(st.consensus, f)
		}
	}
	cutoff := now.Add(-documentRetention)
	if n, err := st.store.prune(cutoff); err != nil {
		st.log.Errorf("Failed to prune stored documents: %v", err)
	} else if n > 0 {
		st.log.Debugf("Pruned %d stored documents", n)
	}
	t := st.transport
	st.publish(va, func(context.Context) error {
		t.PruneOutbox(cutoff)
		return nil
	})

	if st.keys.needsRotation(now) {
		if err := st.keys.rotate(now); err != nil {
			st.log.Errorf("Failed to rotate the signing key: %v", err)
		} else {
			st.builder.SetKeyCertificate(st.keys.signer, st.keys.cert)
		}
	}

	st.logPeerSurvey()
	st.install(schedule.Recalculate(va, st.timing()))
}

func (st *state) requestProbes(now time.Time) {
	ids := st.reach.Due(now, st.routers.IDs())
	if len(ids) == 0 {
		return
	}
	t := st.transport
	st.publish(time.Time{}, func(ctx context.Context) error {
		return t.RequestProbes(ctx, now, ids)
	})
}

func (st *state) onReply(r *reply) {
	for _, r := range st.jobs.order(r) {
		switch r.kind {
		case jobMeasure:
			st.onMeasured(r)
		case jobInbox:
			st.onReceived(r)
		case jobCompute:
			st.onComputed(r)
		case jobPublish:
			if r.err != nil {
				st.log.Warningf("Publication for %v failed: %v", r.validAfter, r.err)
			}
		}
	}
}

func (st *state) onReload(cfg *config.Config) {
	old := st.cfg.Get()
	st.cfg.Swap(cfg)

	st.registry = config.NewAuthorityRegistry(cfg.Authorities)
	st.votes.SetRegistry(st.registry)
	st.votes.SetTolerance(cfg.Voting.Tolerance())
	st.reach.SetGrace(cfg.Voting.TimeToLearnReachability())
	st.computer = consensus.New(st.logBackend.GetLogger("consensus"), st.registry.Len())
	st.survey.reset(cfg.Authorities)
	st.log.Noticef("Configuration reloaded")

	if changed := config.TimingChanges(old, cfg); len(changed) > 0 {
		st.log.Noticef("Timing changed (%v), rescheduling", strings.Join(changed, ", "))
		st.install(schedule.Recalculate(st.clock.Now(), st.timing()))
	}
}

func newState(s *Server, clock Clock, transport Transport) (*state, error) {
	cfg := s.cfg.Get()
	st := &state{
		s:          s,
		log:        s.logBackend.GetLogger("state"),
		logBackend: s.logBackend,
		clock:      clock,
		transport:  transport,
		cfg:        s.cfg,
		registry:   config.NewAuthorityRegistry(cfg.Authorities),
		keys:       s.keys,
		periods:    make(map[int64]*period),
		consensus:  make(map[document.Flavor]*document.Document),
		reloadCh:   make(chan *config.Config),
	}
	now := clock.Now()

	var err error
	if st.transport == nil {
		st.transport, err = spool.New(s.logBackend.GetLogger("spool"), cfg.Server.DataDir, cfg.Server.RetryPolicy())
		if err != nil {
			return nil, err
		}
	}

	// Initialize the persistence store and restore state.
	dbPath := filepath.Join(cfg.Server.DataDir, dbFile)
	if st.db, err = bolt.Open(dbPath, 0600, nil); err != nil {
		return nil, err
	}
	isOk := false
	defer func() {
		if !isOk {
			st.db.Close()
		}
	}()
	if st.store, err = newPersistence(s.logBackend.GetLogger("persistence"), st.db); err != nil {
		return nil, err
	}
	if st.hist, err = rephist.New(s.logBackend.GetLogger("rephist"), st.db, now); err != nil {
		return nil, err
	}
	if st.routers, err = routerlist.New(s.logBackend.GetLogger("routerlist"), st.db); err != nil {
		return nil, err
	}
	for _, f := range document.Flavors {
		doc, err := st.store.latestConsensus(f, now)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			st.log.Noticef("Restored the %v consensus for %v", f, doc.ValidAfter)
			st.consensus[f] = doc
		}
	}

	st.sched = schedule.NewScheduler(s.logBackend.GetLogger("schedule"))
	st.ingest = measure.NewIngester(s.logBackend.GetLogger("measure"))
	st.reach = reachability.NewTracker(s.logBackend.GetLogger("reachability"), now, cfg.Voting.TimeToLearnReachability())
	st.votes = votestore.New(s.logBackend.GetLogger("votestore"), st.registry, cfg.Voting.Tolerance())
	st.computer = consensus.New(s.logBackend.GetLogger("consensus"), st.registry.Len())
	st.builder = builder.New(s.logBackend.GetLogger("builder"), st.keys.signer, st.keys.cert, st.reach, st.hist, st.ingest)
	st.survey = newSurvey(st.keys.Identity(), cfg.Authorities)
	st.jobs = newJobs(st.Context(), st.HaltCh(), cfg.Debug.NumWorkers)

	st.initial = st.consensus[document.FlavorNS] == nil
	if st.initial {
		st.log.Noticef("No consensus yet, using the initial voting schedule")
	}
	st.install(schedule.Recalculate(now, st.timing()))

	isOk = true
	return st, nil
}
