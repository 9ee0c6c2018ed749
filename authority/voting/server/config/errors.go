// errors.go - Configuration errors.
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
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Code identifies a class of configuration problem.
type Code string

// Configuration problem codes.
const (
	CodeMissingSection      Code = "missing-section"
	CodeBadLogLevel         Code = "bad-log-level"
	CodeBadScheme           Code = "bad-scheme"
	CodeBadNickname         Code = "bad-nickname"
	CodeNoAddress           Code = "no-address"
	CodeRelativeDataDir     Code = "relative-datadir"
	CodeRelativePath        Code = "relative-path"
	CodeMaxServersPerAddr   Code = "max-servers-per-addr"
	CodeNegativeHSDirUptime Code = "negative-hsdir-uptime"
	CodeBadFingerprint      Code = "bad-fingerprint"
	CodeBadRelayAction      Code = "bad-relay-action"
	CodeBadParameter        Code = "bad-parameter"
	CodeMissingKey          Code = "missing-key"
	CodeDuplicatePeer       Code = "duplicate-peer"
	CodeNoAuthorities       Code = "no-authorities"
	CodeSelfNotPeer         Code = "self-not-peer"
	CodeRoles               Code = "roles"
	CodeNoContactInfo       Code = "no-contact-info"
	CodeNoVersions          Code = "no-versions"
	CodeNoPorts             Code = "no-ports"
	CodeClientOnly          Code = "client-only"
	CodeNormalised          Code = "normalised"

	CodeDelaysTooLong        Code = "delays-too-long"
	CodeVoteDelayLow         Code = "vote-delay-low"
	CodeDistDelayLow         Code = "dist-delay-low"
	CodeNIntervalsValid      Code = "nintervals-valid"
	CodeIntervalLow          Code = "interval-low"
	CodeIntervalHigh         Code = "interval-high"
	CodeIntervalDivide       Code = "interval-divide"
	CodeInitialInterval      Code = "initial-interval"
	CodeInitialDelayLow      Code = "initial-delay-low"
	CodeInitialDelaysTooLong Code = "initial-delays-too-long"
	CodeStartOffset          Code = "start-offset"
	CodeTimeToLearn          Code = "time-to-learn"
	CodeTolerance            Code = "tolerance"
)

// Error is a rejected or questionable configuration setting.
type Error struct {
	Code Code
	Msg  string
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return "config: " + e.Msg
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// checker accumulates rejections and warnings.
type checker struct {
	errs     *multierror.Error
	warnings []*Error
}

func (c *checker) add(err error) {
	c.errs = multierror.Append(c.errs, err)
}

func (c *checker) reject(code Code, format string, args ...interface{}) {
	c.add(newError(code, format, args...))
}

func (c *checker) complain(code Code, format string, args ...interface{}) {
	c.warnings = append(c.warnings, newError(code, format, args...))
}

// path warns about a relative path and resolves it against the data
// directory.
func (c *checker) path(name, p, dataDir string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		c.complain(CodeRelativePath, "Path for %v (%v) is relative and will resolve to %v.",
			name, p, filepath.Join(dataDir, p))
		return filepath.Join(dataDir, p)
	}
	return filepath.Clean(p)
}

func (c *checker) err() error {
	return c.errs.ErrorOrNil()
}
