package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"
)

// Mode selects how the upstream session is protected.
type Mode string

const (
	// ModeNone never negotiates TLS.
	ModeNone Mode = "none"
	// ModeStartTLS upgrades the plaintext session with STARTTLS.
	ModeStartTLS Mode = "start_tls"
	// ModeImplicit wraps the transport in TLS before any SMTP exchange.
	ModeImplicit Mode = "implicit_tls"
)

// RevocationMode selects which certificates of the peer's chain are checked
// for revocation.
type RevocationMode string

const (
	RevocationOff   RevocationMode = "off"
	RevocationLeaf  RevocationMode = "leaf"
	RevocationChain RevocationMode = "chain"
)

// ParseMode parses a TLS mode name. Empty means start_tls.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeStartTLS, nil
	case ModeNone, ModeStartTLS, ModeImplicit:
		return m, nil
	default:
		return "", &ConfigurationError{Field: "tls_mode", Err: fmt.Errorf("unknown mode %q", s)}
	}
}

// ParseRevocationMode parses a revocation mode name. Empty means off.
func ParseRevocationMode(s string) (RevocationMode, error) {
	switch m := RevocationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return RevocationOff, nil
	case RevocationOff, RevocationLeaf, RevocationChain:
		return m, nil
	default:
		return "", &ConfigurationError{Field: "revocation", Err: fmt.Errorf("unknown mode %q", s)}
	}
}

// ConfigurationError reports upstream TLS settings that cannot be satisfied.
// It is raised at startup only.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid upstream TLS %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// PolicyConfig is the operator input to BuildPolicy.
type PolicyConfig struct {
	Mode       Mode
	MinVersion string // "1.0" .. "1.3", optionally prefixed with "TLSv"
	Ciphers    string // colon or comma separated IANA cipher suite names
	CAFile     string // PEM bundle; empty uses the system roots
	Revocation RevocationMode
}

// Policy is the upstream TLS negotiation policy. It is immutable once built
// and safe for concurrent use by all relay attempts.
type Policy struct {
	mode         Mode
	minVersion   uint16
	cipherSuites []uint16
	rootCAs      *x509.CertPool
	revocation   RevocationMode
	checker      *RevocationChecker
}

// BuildPolicy turns operator configuration into a Policy. Peer verification
// including hostname matching is always required.
func BuildPolicy(cfg PolicyConfig) (*Policy, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeStartTLS
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	revocation := cfg.Revocation
	if revocation == "" {
		revocation = RevocationOff
	}
	if _, err := ParseRevocationMode(string(revocation)); err != nil {
		return nil, err
	}

	minVersion, err := parseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, &ConfigurationError{Field: "min_tls_version", Err: err}
	}

	suites, err := parseCipherSuites(cfg.Ciphers)
	if err != nil {
		return nil, &ConfigurationError{Field: "ciphers", Err: err}
	}

	var roots *x509.CertPool
	if mode != ModeNone && cfg.CAFile != "" {
		roots, err = loadRootCAs(cfg.CAFile)
		if err != nil {
			return nil, &ConfigurationError{Field: "ca_file", Err: err}
		}
	}

	return &Policy{
		mode:         mode,
		minVersion:   minVersion,
		cipherSuites: suites,
		rootCAs:      roots,
		revocation:   revocation,
		checker:      NewRevocationChecker(nil),
	}, nil
}

// Mode returns the TLS mode of the policy.
func (p *Policy) Mode() Mode { return p.mode }

// MinVersion returns the protocol floor, or 0 for the platform default.
func (p *Policy) MinVersion() uint16 { return p.minVersion }

// CipherSuites returns a copy of the configured suite restriction, or nil for
// the platform defaults.
func (p *Policy) CipherSuites() []uint16 {
	if p.cipherSuites == nil {
		return nil
	}
	return append([]uint16(nil), p.cipherSuites...)
}

// Revocation returns the revocation checking mode.
func (p *Policy) Revocation() RevocationMode { return p.revocation }

// Config returns a fresh client configuration for one session to serverName.
// ctx bounds revocation lookups performed during the handshake.
func (p *Policy) Config(ctx context.Context, serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName:   serverName,
		RootCAs:      p.rootCAs,
		MinVersion:   p.minVersion,
		CipherSuites: p.CipherSuites(),
	}
	if p.revocation != RevocationOff {
		mode := p.revocation
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return p.checker.Check(ctx, cs, mode)
		}
	}
	return cfg
}

func parseMinVersion(s string) (uint16, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "tlsv")
	v = strings.TrimPrefix(v, "tls")
	switch v {
	case "":
		return 0, nil
	case "1", "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}

func parseCipherSuites(s string) ([]uint16, error) {
	names := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ',' || unicode.IsSpace(r)
	})
	if len(names) == 0 {
		return nil, nil
	}

	// TLS 1.3 suites are not configurable, so only 1.0-1.2 names are known.
	known := make(map[string]uint16)
	tls13Only := make(map[string]bool)
	for _, cs := range tls.CipherSuites() {
		if slices.Equal(cs.SupportedVersions, []uint16{tls.VersionTLS13}) {
			tls13Only[cs.Name] = true
			continue
		}
		known[cs.Name] = cs.ID
	}
	insecure := make(map[string]bool)
	for _, cs := range tls.InsecureCipherSuites() {
		insecure[cs.Name] = true
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.ToUpper(name)
		if insecure[name] {
			return nil, fmt.Errorf("cipher suite %s is insecure", name)
		}
		if tls13Only[name] {
			return nil, fmt.Errorf("cipher suite %s is TLS 1.3 only and cannot be configured", name)
		}
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in CA file")
	}
	return pool, nil
}
