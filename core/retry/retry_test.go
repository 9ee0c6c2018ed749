// retry_test.go - Tests for shared retry logic.
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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
	require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
	require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))

	for i := 0; i < 100; i++ {
		d := Delay(baseDelay, maxDelay, 0.2, 0)
		require.GreaterOrEqual(d, 80*time.Millisecond)
		require.LessOrEqual(d, 120*time.Millisecond)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:9030: connect: connection refused")))
	require.True(IsTransientError(errors.New("rename outbox/vote: resource temporarily unavailable")))
	require.True(IsTransientError(timeoutError{}))
	require.False(IsTransientError(errors.New("invalid certificate")))
}

func TestPolicyDo(t *testing.T) {
	require := require.New(t)

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)

	calls = 0
	permanent := errors.New("malformed document")
	err = p.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(err, permanent)
	require.Equal(1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	err = p.Do(ctx, func() error { return errors.New("i/o timeout") })
	require.ErrorIs(err, context.Canceled)
}
