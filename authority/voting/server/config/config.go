// config.go - Directory authority server configuration.
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

// Package config implements the directory authority server configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/dirvote/dirauth/authority/voting/document"
	"github.com/dirvote/dirauth/core/retry"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultSignatureScheme    = "Ed25519"
	defaultVoteTolerance      = 30
	defaultSignatureGrace     = 60
	defaultNumWorkers         = 4
	defaultFastGuarantee      = 100
	defaultGuardBWGuarantee   = 2000
	defaultMaxServersPerAddr  = 2
	defaultMinUptimeHidServV2 = 96 * 60 * 60

	// IdentityPublicKeyFile is the name of the authority's public identity
	// key inside the data directory.
	IdentityPublicKeyFile = "identity.public.pem"

	// IdentityPrivateKeyFile is the name of the authority's private
	// identity key inside the data directory.
	IdentityPrivateKeyFile = "identity.private.pem"
)

var (
	defaultLogging = Logging{
		Disable: false,
		File:    "",
		Level:   defaultLogLevel,
	}

	nicknameRe = regexp.MustCompile(`^[A-Za-z0-9]{1,19}$`)
)

// Logging is the authority logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return newError(CodeBadLogLevel, "Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Server is the local authority's own configuration.
type Server struct {
	// Identifier is the authority's nickname.
	Identifier string

	// Address is the address advertised in the dir-source line.  Both IPv4
	// and IPv6 addresses as well as hostnames are valid.
	Address string

	// ORPort and DirPort are the advertised ports.  An authority must set
	// both.
	ORPort  uint16
	DirPort uint16

	// ClientOnly is incompatible with running as an authority.
	ClientOnly bool

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// PKISignatureScheme specifies the cryptographic signature scheme of
	// the identity and signing keys.
	PKISignatureScheme string

	// MetricsAddress is the host:port serving Prometheus metrics.  Metrics
	// are disabled when empty.
	MetricsAddress string

	// PeerRetryMaxAttempts is the maximum number of attempts when
	// publishing a document to a peer.
	PeerRetryMaxAttempts int

	// PeerRetryBaseDelay is the base delay for exponential backoff between retries.
	PeerRetryBaseDelay time.Duration

	// PeerRetryMaxDelay is the maximum delay between retries.
	PeerRetryMaxDelay time.Duration

	// PeerRetryJitter is the jitter factor (0.0-1.0) applied to retry delays.
	PeerRetryJitter float64
}

// applyRetryDefaults sets default values for retry configuration
func (sCfg *Server) applyRetryDefaults() {
	if sCfg.PeerRetryMaxAttempts <= 0 {
		sCfg.PeerRetryMaxAttempts = retry.DefaultMaxAttempts
	}
	if sCfg.PeerRetryBaseDelay <= 0 {
		sCfg.PeerRetryBaseDelay = retry.DefaultBaseDelay
	}
	if sCfg.PeerRetryMaxDelay <= 0 {
		sCfg.PeerRetryMaxDelay = retry.DefaultMaxDelay
	}
	if sCfg.PeerRetryJitter <= 0 {
		sCfg.PeerRetryJitter = retry.DefaultJitter
	}
	if sCfg.PeerRetryJitter > 1.0 {
		sCfg.PeerRetryJitter = 1.0
	}
}

// RetryPolicy returns the publication retry policy.
func (sCfg *Server) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: sCfg.PeerRetryMaxAttempts,
		BaseDelay:   sCfg.PeerRetryBaseDelay,
		MaxDelay:    sCfg.PeerRetryMaxDelay,
		Jitter:      sCfg.PeerRetryJitter,
	}
}

func (sCfg *Server) validate(c *checker) {
	if sCfg.PKISignatureScheme == "" {
		sCfg.PKISignatureScheme = defaultSignatureScheme
	}
	if signSchemes.ByName(sCfg.PKISignatureScheme) == nil {
		c.reject(CodeBadScheme, "Server: PKISignatureScheme '%v' not found", sCfg.PKISignatureScheme)
	}
	if nick, err := normalizeNickname(sCfg.Identifier); err != nil {
		c.reject(CodeBadNickname, "Server: %v", err)
	} else {
		sCfg.Identifier = nick
	}
	if sCfg.Address == "" {
		c.reject(CodeNoAddress, "Server: Failed to resolve/guess local address, Address must be set")
	} else if addr, err := normalizeHost(sCfg.Address); err != nil {
		c.reject(CodeNoAddress, "Server: Address '%v' is invalid: %v", sCfg.Address, err)
	} else {
		sCfg.Address = addr
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		c.reject(CodeRelativeDataDir, "Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
}

// Debug is the authority debug configuration.
type Debug struct {
	// NumWorkers is the number of goroutines running parse, compute and
	// verify jobs.
	NumWorkers int

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumWorkers <= 0 {
		dCfg.NumWorkers = defaultNumWorkers
	}
}

// Authority holds the authority roles and the version recommendations.
type Authority struct {
	AuthoritativeDir           bool
	V3AuthoritativeDir         bool
	BridgeAuthoritativeDir     bool
	VersioningAuthoritativeDir bool

	// ContactInfo is required of authoritative directories.
	ContactInfo string

	// RecommendedVersions seeds the client and server lists when either is unset.
	RecommendedVersions       []string
	RecommendedClientVersions []string
	RecommendedServerVersions []string

	// UseEntryGuards is forced off for authorities.
	UseEntryGuards bool

	// DownloadExtraInfo is forced on for v3 authorities.
	DownloadExtraInfo bool
}

// IsV3 returns true if the authority takes part in v3 voting.
func (a *Authority) IsV3() bool {
	return a.AuthoritativeDir && a.V3AuthoritativeDir
}

// Flags holds the flag thresholds and the measurement inputs.
type Flags struct {
	// AuthDirFastGuarantee is the bandwidth in kilobytes per second that
	// always earns the Fast flag.
	AuthDirFastGuarantee uint64

	// AuthDirGuardBWGuarantee is the bandwidth in kilobytes per second
	// that always satisfies the bandwidth requirement of the Guard flag.
	AuthDirGuardBWGuarantee uint64

	// AuthDirMaxServersPerAddr is the number of relays per address that
	// are voted on before the rest are omitted as sybils.
	AuthDirMaxServersPerAddr int

	// MinUptimeHidServDirectoryV2 is the uptime in seconds a relay needs
	// for the HSDir flag.
	MinUptimeHidServDirectoryV2 int

	// V3BandwidthsFile is the bandwidth measurement file.
	V3BandwidthsFile string

	// GuardfractionFile is the guard fraction file.
	GuardfractionFile string
}

// applyDefaults fills in the zero valued settings that defined reports
// as absent from the configuration file.  An explicit 0 is kept.
func (fCfg *Flags) applyDefaults(defined func(key string) bool) {
	if fCfg.AuthDirFastGuarantee == 0 && !defined("AuthDirFastGuarantee") {
		fCfg.AuthDirFastGuarantee = defaultFastGuarantee
	}
	if fCfg.AuthDirGuardBWGuarantee == 0 && !defined("AuthDirGuardBWGuarantee") {
		fCfg.AuthDirGuardBWGuarantee = defaultGuardBWGuarantee
	}
	if fCfg.AuthDirMaxServersPerAddr == 0 && !defined("AuthDirMaxServersPerAddr") {
		fCfg.AuthDirMaxServersPerAddr = defaultMaxServersPerAddr
	}
	if fCfg.MinUptimeHidServDirectoryV2 == 0 && !defined("MinUptimeHidServDirectoryV2") {
		fCfg.MinUptimeHidServDirectoryV2 = defaultMinUptimeHidServV2
	}
}

func (fCfg *Flags) validate(c *checker, dataDir string) {
	if fCfg.AuthDirMaxServersPerAddr < 1 {
		c.reject(CodeMaxServersPerAddr, "Flags: AuthDirMaxServersPerAddr must be at least 1")
	}
	if fCfg.MinUptimeHidServDirectoryV2 < 0 {
		c.complain(CodeNegativeHSDirUptime, "Flags: MinUptimeHidServDirectoryV2 option must be at least 0 seconds. Changing to 0.")
		fCfg.MinUptimeHidServDirectoryV2 = 0
	}
	fCfg.V3BandwidthsFile = c.path("V3BandwidthsFile", fCfg.V3BandwidthsFile, dataDir)
	fCfg.GuardfractionFile = c.path("GuardfractionFile", fCfg.GuardfractionFile, dataDir)
}

// RelayAction is an administrative decision about a relay.
type RelayAction string

const (
	// ActionReject omits the relay from the vote.
	ActionReject RelayAction = "reject"
	// ActionInvalid withholds the Valid flag.
	ActionInvalid RelayAction = "invalid"
	// ActionBadExit assigns the BadExit flag.
	ActionBadExit RelayAction = "badexit"
)

// Relay is an administrative fingerprint policy entry.
type Relay struct {
	Fingerprint string
	Action      RelayAction
}

// ID returns the parsed fingerprint, zero if it is malformed.
func (r *Relay) ID() document.Fingerprint {
	id, _ := document.ParseFingerprint(r.Fingerprint)
	return id
}

func (r *Relay) validate(c *checker) {
	if _, err := document.ParseFingerprint(r.Fingerprint); err != nil {
		c.reject(CodeBadFingerprint, "Relays: Fingerprint '%v' is invalid: %v", r.Fingerprint, err)
		return
	}
	r.Action = RelayAction(strings.ToLower(string(r.Action)))
	switch r.Action {
	case ActionReject, ActionInvalid, ActionBadExit:
	default:
		c.reject(CodeBadRelayAction, "Relays: %v: Action '%v' is invalid", r.Fingerprint, r.Action)
	}
}

// Peer is an entry of the authority set.  The local authority must be one
// of them.
type Peer struct {
	// Identifier is the peer's nickname.
	Identifier string

	// IdentityPublicKey is the peer's long-term identity key.
	IdentityPublicKey sign.PublicKey

	// PKISignatureScheme specifies the cryptographic signature scheme.
	PKISignatureScheme string

	Address string
	ORPort  uint16
	DirPort uint16
	Contact string
}

// UnmarshalTOML deserializes into a non-nil sign.PublicKey.
func (p *Peer) UnmarshalTOML(v interface{}) error {
	data, ok := v.(map[string]interface{})
	if !ok {
		return errors.New("type assertion failed")
	}

	schemeName, ok := data["PKISignatureScheme"].(string)
	if !ok {
		schemeName = defaultSignatureScheme
	}
	scheme := signSchemes.ByName(schemeName)
	if scheme == nil {
		return fmt.Errorf("pki signature scheme `%s` not found", schemeName)
	}
	p.PKISignatureScheme = schemeName

	if p.Identifier, ok = data["Identifier"].(string); !ok {
		return errors.New("Authorities.Identifier type assertion failed")
	}

	idPublicKeyString, ok := data["IdentityPublicKey"].(string)
	if !ok {
		return fmt.Errorf("Authorities: %v: IdentityPublicKey type assertion failed", p.Identifier)
	}
	var err error
	p.IdentityPublicKey, err = signpem.FromPublicPEMString(idPublicKeyString, scheme)
	if err != nil {
		return err
	}

	p.Address, _ = data["Address"].(string)
	p.Contact, _ = data["Contact"].(string)
	if p.ORPort, err = port(data, "ORPort"); err != nil {
		return err
	}
	if p.DirPort, err = port(data, "DirPort"); err != nil {
		return err
	}
	return nil
}

func port(data map[string]interface{}, key string) (uint16, error) {
	v, ok := data[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(int64)
	if !ok || n < 0 || n > 65535 {
		return 0, fmt.Errorf("%v: invalid port '%v'", key, v)
	}
	return uint16(n), nil
}

// Fingerprint returns the peer's identity fingerprint.
func (p *Peer) Fingerprint() document.Fingerprint {
	return document.IdentityFingerprint(p.IdentityPublicKey)
}

// DirSource returns the peer's dir-source entry.
func (p *Peer) DirSource() document.Authority {
	return document.Authority{
		Nickname: p.Identifier,
		Identity: p.Fingerprint(),
		Address:  p.Address,
		DirPort:  p.DirPort,
		ORPort:   p.ORPort,
		Contact:  p.Contact,
	}
}

func (p *Peer) validate(c *checker) {
	if nick, err := normalizeNickname(p.Identifier); err != nil {
		c.reject(CodeBadNickname, "Authorities: %v", err)
	} else {
		p.Identifier = nick
	}
	if p.IdentityPublicKey == nil {
		c.reject(CodeMissingKey, "Authorities: %v: Authority is missing Identity Key", p.Identifier)
	}
	if p.Address != "" {
		if addr, err := normalizeHost(p.Address); err != nil {
			c.reject(CodeNoAddress, "Authorities: %v: Address '%v' is invalid: %v", p.Identifier, p.Address, err)
		} else {
			p.Address = addr
		}
	}
}

// Config is the top level authority configuration.
type Config struct {
	Server      *Server
	Logging     *Logging
	Debug       *Debug
	Authority   *Authority
	Voting      *Voting
	Flags       *Flags
	Authorities []*Peer
	Relays      []*Relay
	Parameters  map[string]int64

	warnings []*Error
	meta     *toml.MetaData
}

// isDefined returns true if the file cfg was loaded from sets key.  Keys
// are matched case-insensitively, as the decoder does.
func (cfg *Config) isDefined(key ...string) bool {
	if cfg.meta == nil {
		return false
	}
	for _, k := range cfg.meta.Keys() {
		if len(k) != len(key) {
			continue
		}
		match := true
		for i := range k {
			if !strings.EqualFold(k[i], key[i]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Warnings returns the problems found by the last validation that did not
// prevent loading.
func (cfg *Config) Warnings() []*Error {
	return cfg.warnings
}

// RelayPolicy returns the administrative actions keyed by fingerprint.
func (cfg *Config) RelayPolicy() map[document.Fingerprint]RelayAction {
	m := make(map[document.Fingerprint]RelayAction, len(cfg.Relays))
	for _, r := range cfg.Relays {
		m[r.ID()] = r.Action
	}
	return m
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.  Every rejected setting is reported in the returned error.
func (cfg *Config) FixupAndValidate(forceGenOnly bool) error {
	c := new(checker)

	// Handle missing sections if possible.
	if cfg.Server == nil {
		return newError(CodeMissingSection, "No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Authority == nil {
		cfg.Authority = &Authority{AuthoritativeDir: true, V3AuthoritativeDir: true}
	}
	if cfg.Voting == nil {
		cfg.Voting = &Voting{}
	}
	if cfg.Flags == nil {
		cfg.Flags = &Flags{}
	}

	// Validate and fixup the various sections.
	cfg.Server.validate(c)
	if err := cfg.Logging.validate(); err != nil {
		c.add(err)
	}
	cfg.Debug.applyDefaults()
	cfg.Server.applyRetryDefaults()
	cfg.Flags.applyDefaults(func(key string) bool {
		return cfg.isDefined("Flags", key)
	})
	cfg.Voting.applyDefaults()
	if forceGenOnly {
		cfg.warnings = c.warnings
		return c.err()
	}

	validateRoles(c, cfg.Authority, cfg.Server, cfg.Voting.TestingTorNetwork)
	cfg.Voting.validate(c)
	cfg.Flags.validate(c, cfg.Server.DataDir)
	for _, r := range cfg.Relays {
		r.validate(c)
	}
	for k := range cfg.Parameters {
		if !paramRe.MatchString(k) {
			c.reject(CodeBadParameter, "Parameters: '%v' is not a valid parameter name", k)
		}
	}

	if len(cfg.Authorities) == 0 {
		c.reject(CodeNoAuthorities, "No Authorities were configured")
	}
	pkMap := make(map[[32]byte]*Peer)
	idMap := make(map[string]*Peer)
	for _, p := range cfg.Authorities {
		p.validate(c)
		if _, ok := idMap[p.Identifier]; ok {
			c.reject(CodeDuplicatePeer, "Authorities: Identifier '%v' is present more than once", p.Identifier)
		}
		idMap[p.Identifier] = p
		if p.IdentityPublicKey == nil {
			continue
		}
		tmp := hash.Sum256From(p.IdentityPublicKey)
		if _, ok := pkMap[tmp]; ok {
			c.reject(CodeDuplicatePeer, "Authorities: %v: IdentityPublicKey is present more than once", p.Identifier)
		}
		pkMap[tmp] = p
	}

	if c.errs == nil && filepath.IsAbs(cfg.Server.DataDir) {
		// If our own identity is not in cfg.Authorities return error.
		scheme := signSchemes.ByName(cfg.Server.PKISignatureScheme)
		ourPubKey, err := signpem.FromPublicPEMFile(filepath.Join(cfg.Server.DataDir, IdentityPublicKeyFile), scheme)
		if err != nil {
			c.reject(CodeMissingKey, "Server: failed to load identity key: %v", err)
		} else if _, ok := pkMap[hash.Sum256From(ourPubKey)]; !ok {
			c.reject(CodeSelfNotPeer, "Authorities section must contain self")
		}
	}

	cfg.warnings = c.warnings
	return c.err()
}

var paramRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateRoles checks the authority sub-roles against the server settings
// and normalises the settings an authority must not change.  Test networks
// may leave ContactInfo unset.
func validateRoles(c *checker, a *Authority, s *Server, testing bool) {
	if !a.AuthoritativeDir {
		if a.V3AuthoritativeDir || a.BridgeAuthoritativeDir || a.VersioningAuthoritativeDir {
			c.reject(CodeRoles, "Authority: sub-roles are set, but AuthoritativeDir is not")
		}
		return
	}
	if a.ContactInfo == "" && !testing {
		c.reject(CodeNoContactInfo, "Authoritative directory servers must set ContactInfo")
	}
	if len(a.RecommendedClientVersions) == 0 {
		a.RecommendedClientVersions = append([]string(nil), a.RecommendedVersions...)
	}
	if len(a.RecommendedServerVersions) == 0 {
		a.RecommendedServerVersions = append([]string(nil), a.RecommendedVersions...)
	}
	if a.VersioningAuthoritativeDir &&
		(len(a.RecommendedClientVersions) == 0 || len(a.RecommendedServerVersions) == 0) {
		c.reject(CodeNoVersions, "Versioning authoritative dir servers must set Recommended*Versions.")
	}
	if a.UseEntryGuards {
		c.complain(CodeNormalised, "Authoritative directory servers can't set UseEntryGuards. Disabling.")
		a.UseEntryGuards = false
	}
	if !a.DownloadExtraInfo && a.V3AuthoritativeDir {
		c.complain(CodeNormalised, "Authoritative directories always try to download extra-info documents. Setting DownloadExtraInfo.")
		a.DownloadExtraInfo = true
	}
	if !a.BridgeAuthoritativeDir && !a.V3AuthoritativeDir {
		c.reject(CodeRoles, "AuthoritativeDir is set, but none of (Bridge/V3)AuthoritativeDir is set.")
	}
	if s.DirPort == 0 {
		c.reject(CodeNoPorts, "Running as authoritative directory, but no DirPort set.")
	}
	if s.ORPort == 0 {
		c.reject(CodeNoPorts, "Running as authoritative directory, but no ORPort set.")
	}
	if s.ClientOnly {
		c.reject(CodeClientOnly, "Running as authoritative directory, but ClientOnly also set.")
	}
}

func normalizeNickname(s string) (string, error) {
	nick, err := precis.UsernameCasePreserved.String(s)
	if err != nil {
		return "", fmt.Errorf("failed to normalize Identifier '%v': %v", s, err)
	}
	if !nicknameRe.MatchString(nick) {
		return "", fmt.Errorf("Identifier '%v' must be 1 to 19 alphanumeric characters", s)
	}
	return nick, nil
}

func normalizeHost(s string) (string, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), nil
	}
	return idna.Lookup.ToASCII(s)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte, forceGenOnly bool) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	cfg.meta = &md
	if err := cfg.FixupAndValidate(forceGenOnly); err != nil {
		return nil, err
	}

	if forceGenOnly {
		cfg.Debug.GenerateOnly = true
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string, forceGenOnly bool) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, forceGenOnly)
}
