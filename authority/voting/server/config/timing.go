// timing.go - Voting schedule configuration.
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

package config

import (
	"time"

	"github.com/dirvote/dirauth/authority/voting/schedule"
)

// Lower bounds on the schedule, in seconds.
const (
	MinVoteSeconds              = 60
	MinVoteSecondsTesting       = 2
	MinDistSeconds              = 60
	MinDistSecondsTesting       = 2
	MinVoteInterval             = 300
	MinVoteIntervalTesting      = 10
	MinVoteIntervalTestingInit  = (MinVoteSecondsTesting + MinDistSecondsTesting + 1) * 2
	MaxTimeToLearnReachability  = 2 * 60 * 60
	secondsPerDay               = 24 * 60 * 60
	initialIntervalDivides      = 30 * 60
	defaultVotingInterval       = 60 * 60
	defaultVoteDelay            = 5 * 60
	defaultDistDelay            = 5 * 60
	defaultNIntervalsValid      = 3
	defaultInitialInterval      = 30 * 60
	defaultInitialVoteDelay     = 5 * 60
	defaultInitialDistDelay     = 5 * 60
	defaultTimeToLearnReachable = 30 * 60
)

// Voting holds the schedule knobs.  Every value is in seconds.
type Voting struct {
	V3AuthVotingInterval  int
	V3AuthVoteDelay       int
	V3AuthDistDelay       int
	V3AuthNIntervalsValid int

	// The initial set applies until the first successful consensus.
	TestingV3AuthInitialVotingInterval int
	TestingV3AuthInitialVoteDelay      int
	TestingV3AuthInitialDistDelay      int

	// TestingV3AuthVotingStartOffset shifts every period boundary.
	TestingV3AuthVotingStartOffset int

	// TestingAuthDirTimeToLearnReachability is the bootstrap grace during
	// which relays are not marked down for lack of probe results.
	TestingAuthDirTimeToLearnReachability int

	// TestingTorNetwork relaxes the lower bounds for test networks.
	TestingTorNetwork bool

	// VoteTolerance widens the window in which votes are accepted.
	VoteTolerance int

	// SignatureGrace is how long after the distribution deadline a missing
	// signature majority is waited for.
	SignatureGrace int
}

func (v *Voting) applyDefaults() {
	def := func(p *int, d int) {
		if *p == 0 {
			*p = d
		}
	}
	def(&v.V3AuthVotingInterval, defaultVotingInterval)
	def(&v.V3AuthVoteDelay, defaultVoteDelay)
	def(&v.V3AuthDistDelay, defaultDistDelay)
	def(&v.V3AuthNIntervalsValid, defaultNIntervalsValid)
	def(&v.TestingV3AuthInitialVotingInterval, defaultInitialInterval)
	def(&v.TestingV3AuthInitialVoteDelay, defaultInitialVoteDelay)
	def(&v.TestingV3AuthInitialDistDelay, defaultInitialDistDelay)
	def(&v.VoteTolerance, defaultVoteTolerance)
	def(&v.SignatureGrace, defaultSignatureGrace)
	if !v.TestingTorNetwork {
		def(&v.TestingAuthDirTimeToLearnReachability, defaultTimeToLearnReachable)
	}
}

func (v *Voting) validate(c *checker) {
	if v.V3AuthVoteDelay+v.V3AuthDistDelay >= v.V3AuthVotingInterval/2 {
		c.reject(CodeDelaysTooLong, "V3AuthVoteDelay plus V3AuthDistDelay must be less than half V3AuthVotingInterval")
	}

	if v.V3AuthVoteDelay < MinVoteSeconds {
		if v.TestingTorNetwork && v.V3AuthVoteDelay >= MinVoteSecondsTesting {
			c.complain(CodeVoteDelayLow, "V3AuthVoteDelay is very low. This may lead to failure to vote for a consensus.")
		} else {
			c.reject(CodeVoteDelayLow, "V3AuthVoteDelay is way too low.")
		}
	}
	if v.V3AuthDistDelay < MinDistSeconds {
		if v.TestingTorNetwork && v.V3AuthDistDelay >= MinDistSecondsTesting {
			c.complain(CodeDistDelayLow, "V3AuthDistDelay is very low. This may lead to missing consensus signatures.")
		} else {
			c.reject(CodeDistDelayLow, "V3AuthDistDelay is way too low.")
		}
	}

	if v.V3AuthNIntervalsValid < 2 {
		c.reject(CodeNIntervalsValid, "V3AuthNIntervalsValid must be at least 2.")
	}

	switch {
	case v.V3AuthVotingInterval < MinVoteInterval:
		if v.TestingTorNetwork && v.V3AuthVotingInterval >= MinVoteIntervalTesting {
			c.complain(CodeIntervalLow, "V3AuthVotingInterval is very low. This may lead to failure to synchronise for a consensus.")
		} else {
			c.reject(CodeIntervalLow, "V3AuthVotingInterval is insanely low.")
		}
	case v.V3AuthVotingInterval > secondsPerDay:
		c.reject(CodeIntervalHigh, "V3AuthVotingInterval is insanely high.")
	case secondsPerDay%v.V3AuthVotingInterval != 0:
		c.complain(CodeIntervalDivide, "V3AuthVotingInterval does not divide evenly into 24 hours.")
	}

	if v.TestingV3AuthInitialVotingInterval < MinVoteIntervalTestingInit {
		c.reject(CodeInitialInterval, "TestingV3AuthInitialVotingInterval is insanely low.")
	} else if initialIntervalDivides%v.TestingV3AuthInitialVotingInterval != 0 {
		c.reject(CodeInitialInterval, "TestingV3AuthInitialVotingInterval does not divide evenly into 30 minutes.")
	}
	if v.TestingV3AuthInitialVoteDelay < MinVoteSecondsTesting {
		c.reject(CodeInitialDelayLow, "TestingV3AuthInitialVoteDelay is way too low.")
	}
	if v.TestingV3AuthInitialDistDelay < MinDistSecondsTesting {
		c.reject(CodeInitialDelayLow, "TestingV3AuthInitialDistDelay is way too low.")
	}
	if v.TestingV3AuthInitialVoteDelay+v.TestingV3AuthInitialDistDelay >= v.TestingV3AuthInitialVotingInterval {
		c.reject(CodeInitialDelaysTooLong, "TestingV3AuthInitialVoteDelay plus TestingV3AuthInitialDistDelay must be less than TestingV3AuthInitialVotingInterval")
	}

	if v.TestingV3AuthVotingStartOffset > min(v.TestingV3AuthInitialVotingInterval, v.V3AuthVotingInterval) {
		c.reject(CodeStartOffset, "TestingV3AuthVotingStartOffset is higher than the voting interval.")
	} else if v.TestingV3AuthVotingStartOffset < 0 {
		c.reject(CodeStartOffset, "TestingV3AuthVotingStartOffset must be non-negative.")
	}

	if v.TestingAuthDirTimeToLearnReachability < 0 {
		c.reject(CodeTimeToLearn, "TestingAuthDirTimeToLearnReachability must be non-negative.")
	} else if v.TestingAuthDirTimeToLearnReachability > MaxTimeToLearnReachability {
		c.complain(CodeTimeToLearn, "TestingAuthDirTimeToLearnReachability is insanely high.")
	}

	if v.VoteTolerance < 0 || v.SignatureGrace < 0 {
		c.reject(CodeTolerance, "VoteTolerance and SignatureGrace must be non-negative.")
	}
}

// ValidateTiming applies the schedule defaults to v and checks it.  The
// returned warnings do not prevent the schedule from being used.
func ValidateTiming(v *Voting) ([]*Error, error) {
	c := new(checker)
	v.applyDefaults()
	v.validate(c)
	return c.warnings, c.err()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Timing returns the regular schedule.
func (v *Voting) Timing() schedule.Timing {
	return schedule.Timing{
		Interval:        seconds(v.V3AuthVotingInterval),
		VoteDelay:       seconds(v.V3AuthVoteDelay),
		DistDelay:       seconds(v.V3AuthDistDelay),
		StartOffset:     seconds(v.TestingV3AuthVotingStartOffset),
		NIntervalsValid: v.V3AuthNIntervalsValid,
	}
}

// InitialTiming returns the bootstrap schedule.
func (v *Voting) InitialTiming() schedule.Timing {
	return schedule.Timing{
		Interval:        seconds(v.TestingV3AuthInitialVotingInterval),
		VoteDelay:       seconds(v.TestingV3AuthInitialVoteDelay),
		DistDelay:       seconds(v.TestingV3AuthInitialDistDelay),
		StartOffset:     seconds(v.TestingV3AuthVotingStartOffset),
		NIntervalsValid: v.V3AuthNIntervalsValid,
	}
}

// TimeToLearnReachability returns the reachability grace, capped at
// MaxTimeToLearnReachability.
func (v *Voting) TimeToLearnReachability() time.Duration {
	return seconds(min(v.TestingAuthDirTimeToLearnReachability, MaxTimeToLearnReachability))
}

// Tolerance returns the vote acceptance tolerance.
func (v *Voting) Tolerance() time.Duration {
	return seconds(v.VoteTolerance)
}

// Grace returns the signature grace.
func (v *Voting) Grace() time.Duration {
	return seconds(v.SignatureGrace)
}
