package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/backoff"
)

// DefaultBaseURL is the local backend address.
const DefaultBaseURL = "http://127.0.0.1:8000"

// Config holds every client tunable. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// Token selects remote mode: it is sent as a bearer credential on every
	// request and on the channel handshake. Empty means local mode.
	Token string `mapstructure:"token"`

	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	HealthTimeout  time.Duration  `mapstructure:"health_timeout"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	Retry          backoff.Policy `mapstructure:"retry_backoff"`

	ChannelPath          string         `mapstructure:"channel_path"`
	Reconnect            backoff.Policy `mapstructure:"reconnect_backoff"`
	MaxReconnectAttempts int            `mapstructure:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration  `mapstructure:"handshake_timeout"`

	TLS TLSConfig `mapstructure:"tls"`

	Logger     *slog.Logger `mapstructure:"-"`
	HTTPClient *http.Client `mapstructure:"-"`
}

// TLSConfig configures verification of a remote backend.
type TLSConfig struct {
	CACert     string `mapstructure:"ca_cert"`
	ServerName string `mapstructure:"server_name"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:              DefaultBaseURL,
		RequestTimeout:       30 * time.Second,
		HealthTimeout:        5 * time.Second,
		MaxAttempts:          3,
		Retry:                backoff.RequestRetry,
		ChannelPath:          "/ws",
		Reconnect:            backoff.Reconnect,
		MaxReconnectAttempts: 10,
		HandshakeTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ChannelPath == "" {
		c.ChannelPath = d.ChannelPath
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	c.Retry = c.Retry.OrDefault(d.Retry)
	c.Reconnect = c.Reconnect.OrDefault(d.Reconnect)
	return c
}

// tlsConfig returns nil when nothing is configured.
func (t TLSConfig) tlsConfig() (*tls.Config, error) {
	if t == (TLSConfig{}) {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: t.SkipVerify, //nolint:gosec // opt-in for self-signed dev backends
		ServerName:         t.ServerName,
	}
	if t.CACert != "" {
		if err := loadCACert(cfg, t.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return cfg, nil
}

func loadCACert(cfg *tls.Config, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	cfg.RootCAs = pool
	return nil
}
