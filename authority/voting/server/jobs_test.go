// jobs_test.go - Job pool tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobsOrder(t *testing.T) {
	require := require.New(t)
	haltCh := make(chan interface{})
	j := newJobs(context.Background(), haltCh, 4)
	defer j.stop()

	release := make(chan struct{})
	va := testStart.Add(5 * time.Minute)
	id1 := j.submit(jobCompute, va, func(context.Context) (interface{}, error) {
		<-release
		return 1, nil
	})
	id2 := j.submit(jobPublish, va, func(context.Context) (interface{}, error) {
		return nil, errors.New("publish failed")
	})
	require.Equal(uint64(1), id1)
	require.Equal(uint64(2), id2)
	require.Equal(2, j.pending())

	// The second job finishes first but is held back.
	r := <-j.replyCh
	require.Equal(id2, r.id)
	require.Empty(j.order(r))
	require.Equal(2, j.pending())

	close(release)
	r = <-j.replyCh
	out := j.order(r)
	require.Len(out, 2)
	require.Equal(id1, out[0].id)
	require.Equal(jobCompute, out[0].kind)
	require.Equal(1, out[0].value)
	require.Equal(id2, out[1].id)
	require.EqualError(out[1].err, "publish failed")
	require.Equal(va, out[1].validAfter)
	require.Zero(j.pending())
}

func TestJobsCancelled(t *testing.T) {
	require := require.New(t)
	haltCh := make(chan interface{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j := newJobs(ctx, haltCh, 1)
	defer j.stop()

	ran := false
	j.submit(jobInbox, time.Time{}, func(context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	})
	r := <-j.replyCh
	require.ErrorIs(r.err, context.Canceled)
	require.False(ran)
	require.Equal("verify_signature", r.kind.String())
}
