// Package tls builds server TLS settings for the stub backend, generating a
// self-signed certificate on demand.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// CertFile and KeyFile take priority over Dir.
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`

	CommonName  string   `mapstructure:"common_name"`
	DNSNames    []string `mapstructure:"dns_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
	ValidDays   int      `mapstructure:"valid_days"`

	MinVersion string `mapstructure:"min_version"`
	MaxVersion string `mapstructure:"max_version"`
}

// CAPath is the certificate a client should trust for a Dir-based setup.
func (c Config) CAPath() string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, CACertFile)
}

// parseVersion parses a TLS version string and reports whether it was set.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveVersions(cfg Config) (lo uint16, hi uint16) {
	lo, hi = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(cfg.MinVersion); ok {
		lo = v
	}
	if v, ok := parseVersion(cfg.MaxVersion); ok {
		hi = v
	}
	return lo, hi
}

// safeReadFile refuses paths outside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certificateFunc reloads the pair on every handshake so rotated files are
// picked up without a restart.
func certificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		c, err := tls.X509KeyPair(certPEM, keyPEM)
		return &c, err
	}
}

// Setup returns nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	lo, hi := resolveVersions(cfg)
	if lo > hi {
		return nil, fmt.Errorf("tls min_version %q is above max_version %q", cfg.MinVersion, cfg.MaxVersion)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return newConfig(cfg.CertFile, cfg.KeyFile, lo, hi), nil
	}
	if cfg.Dir != "" {
		certPath := filepath.Join(cfg.Dir, CertFile)
		keyPath := filepath.Join(cfg.Dir, KeyFile)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		if !exists(certPath, keyPath) {
			return nil, fmt.Errorf("no certificate in %s", cfg.Dir)
		}
		return newConfig(certPath, keyPath, lo, hi), nil
	}
	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func newConfig(certPath, keyPath string, lo, hi uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: certificateFunc(certPath, keyPath),
		MinVersion:     lo,
		MaxVersion:     hi,
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault[T any](v []T, d []T) []T {
	if len(v) == 0 {
		return d
	}
	return v
}

func generate(cfg Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	cn := cfg.CommonName
	if cn == "" {
		cn = "localhost"
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "judgectl",
		DNSNames:     orDefault(cfg.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(cfg.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, CertFile),
		KeyPath:      filepath.Join(cfg.Dir, KeyFile),
		CACertPath:   filepath.Join(cfg.Dir, CACertFile),
	})
}
