// server.go - Directory authority server.
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


// Package server implements the directory authority voting controller.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/dirvote/dirauth/authority/voting/server/config"
	"github.com/dirvote/dirauth/core/log"
	"github.com/dirvote/dirauth/internal/instrument"
	"github.com/dirvote/dirauth/internal/profiling"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Option configures a Server.
type Option func(*options)

type options struct {
	clock         Clock
	transport     Transport
	withoutWorker bool
}

// WithClock makes the server read the time from c.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTransport replaces the on disk spool.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// withoutWorker leaves the state machine to be driven by the caller.
func withoutWorker() Option {
	return func(o *options) {
		o.withoutWorker = true
	}
}

// Server is a directory authority instance.
type Server struct {
	cfg  *config.Handle
	keys *keyring

	logBackend *log.Backend
	log        *logging.Logger

	state         *state
	events        *eventBus
	metrics       *http.Server
	stopProfiling func()

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Get().Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("authority: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("authority: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("authority: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("authority: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	cfg := s.cfg.Get()
	p := cfg.Logging.File
	if !cfg.Logging.Disable && cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, cfg.Logging.Level, cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("authority")
	}
	return err
}

// IdentityKey returns the running Server's identity public key.
func (s *Server) IdentityKey() sign.PublicKey {
	return s.keys.identityPublicKey
}

// Subscribe returns a channel carrying the controller's events.  The
// channel is closed on shutdown.  A subscriber that does not keep up
// misses events.
func (s *Server) Subscribe() <-chan Event {
	return s.events.subscribe()
}

// Reload installs cfg, which must have passed FixupAndValidate.  Changes
// to the voting timing take effect from the next period boundary that has
// not yet passed.
func (s *Server) Reload(cfg *config.Config) error {
	old := s.cfg.Get()
	if cfg.Server.DataDir != old.Server.DataDir {
		return errors.New("server: DataDir can not be changed by a reload")
	}
	if cfg.Server.PKISignatureScheme != old.Server.PKISignatureScheme {
		return errors.New("server: PKISignatureScheme can not be changed by a reload")
	}
	select {
	case s.state.reloadCh <- cfg:
		return nil
	case <-s.state.HaltCh():
		return errors.New("server: halted")
	}
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		s.fatal(fmt.Errorf("failed to rotate log file, shutting down server"))
	}
	s.log.Notice("Log rotated.")
}

func (s *Server) fatal(err error) {
	select {
	case s.fatalErrCh <- err:
	default:
	}
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.stopProfiling != nil {
		s.stopProfiling()
		s.stopProfiling = nil
	}
	if s.metrics != nil {
		s.metrics.Shutdown(context.Background())
		s.metrics = nil
	}

	// Halt the state worker.
	if s.state != nil {
		s.state.Halt()
	}

	s.events.close()

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := &options{clock: wallClock{}}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{
		cfg:        config.NewHandle(cfg),
		events:     new(eventBus),
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	for _, w := range cfg.Warnings() {
		s.log.Warningf("Configuration: %v", w)
	}

	scheme := signSchemes.ByName(cfg.Server.PKISignatureScheme)
	if scheme == nil {
		return nil, fmt.Errorf("server: unknown signature scheme '%v'", cfg.Server.PKISignatureScheme)
	}

	var err error
	if s.keys, err = newKeyring(s.logBackend.GetLogger("keys"), scheme, cfg.Server.DataDir); err != nil {
		return nil, err
	}
	s.log.Noticef("Authority identity public key hash is: %x", hash.Sum256From(s.keys.identityPublicKey))
	s.log.Noticef("Authority fingerprint is: %v", s.keys.Identity())

	if err = s.keys.loadSigningKey(o.clock.Now()); err != nil {
		return nil, err
	}
	s.log.Noticef("Signing key certified until %v", s.keys.certExpires)

	if cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	if s.stopProfiling, err = profiling.Start(s.logBackend.GetLogger("profiling"), cfg.Server.Identifier); err != nil {
		s.log.Warningf("Profiling disabled: %v", err)
	}
	instrument.Init()
	if addr := cfg.Server.MetricsAddress; addr != "" {
		s.metrics = instrument.StartPrometheusListener(addr)
		s.log.Noticef("Serving metrics on %v", addr)
	}

	// Start up the state worker.
	if s.state, err = newState(s, o.clock, o.transport); err != nil {
		return nil, err
	}
	if !o.withoutWorker {
		s.state.Go(s.state.worker)
	}

	isOk = true
	return s, nil
}
