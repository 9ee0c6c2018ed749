// jobs.go - Worker jobs and their ordered replies.
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
	"time"

	"github.com/gammazero/workerpool"

	"github.com/dirvote/dirauth/internal/instrument"
)

type jobKind int

const (
	jobMeasure jobKind = iota
	jobInbox
	jobCompute
	jobPublish
)

func (k jobKind) String() string {
	switch k {
	case jobMeasure:
		return "parse_bw_file"
	case jobInbox:
		return "verify_signature"
	case jobCompute:
		return "compute_consensus"
	case jobPublish:
		return "publish"
	default:
		return "unknown"
	}
}

const replyQueueLen = 16

// request identifies a job.  Ids are issued in submission order.
type request struct {
	id         uint64
	kind       jobKind
	validAfter time.Time
}

type reply struct {
	request

	value interface{}
	err   error
}

// jobs runs work off the state goroutine and hands the replies back in
// submission order.
type jobs struct {
	pool    *workerpool.WorkerPool
	ctx     context.Context
	haltCh  <-chan interface{}
	replyCh chan *reply

	lastID  uint64
	nextOut uint64
	held    map[uint64]*reply
}

func newJobs(ctx context.Context, haltCh <-chan interface{}, numWorkers int) *jobs {
	return &jobs{
		pool:    workerpool.New(numWorkers),
		ctx:     ctx,
		haltCh:  haltCh,
		replyCh: make(chan *reply, replyQueueLen),
		nextOut: 1,
		held:    make(map[uint64]*reply),
	}
}

// submit runs fn on a worker.  Its result arrives on replyCh.
func (j *jobs) submit(kind jobKind, va time.Time, fn func(ctx context.Context) (interface{}, error)) uint64 {
	j.lastID++
	req := request{id: j.lastID, kind: kind, validAfter: va}
	j.pool.Submit(func() {
		r := &reply{request: req}
		start := time.Now()
		if err := j.ctx.Err(); err != nil {
			r.err = err
		} else {
			r.value, r.err = fn(j.ctx)
		}
		instrument.JobDuration(kind.String(), time.Since(start))
		select {
		case j.replyCh <- r:
		case <-j.haltCh:
		}
	})
	return req.id
}

// order takes a reply off replyCh and returns every reply that is now
// deliverable in id order.
func (j *jobs) order(r *reply) []*reply {
	j.held[r.id] = r
	var out []*reply
	for {
		next, ok := j.held[j.nextOut]
		if !ok {
			return out
		}
		delete(j.held, j.nextOut)
		j.nextOut++
		out = append(out, next)
	}
}

// pending returns the number of submitted jobs whose reply has not been
// delivered.
func (j *jobs) pending() int {
	return int(j.lastID - j.nextOut + 1)
}

// stop discards the queued jobs and waits for the running ones.
func (j *jobs) stop() {
	j.pool.Stop()
}
