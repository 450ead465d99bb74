// Package client talks to the status API served by `judgectl watch`.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL matches the default status API address.
const DefaultBaseURL = "http://127.0.0.1:8765"

// Client is a thin wrapper over the status routes. The API only listens on
// loopback, so plain HTTP is all it speaks.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

func New(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Logger.With("component", "status-client"),
	}
}

// IsReachable reports whether something answers /status.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("status API unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

// Status returns the aggregated orchestrator snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st, http.StatusOK)
	return st, err
}

// Health reports whether new runs can be started. A 503 is not an error: it
// comes back as a false Health with the reason.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", &h, http.StatusOK, http.StatusServiceUnavailable)
	return h, err
}

// Verify asks the orchestrator to verify now.
func (c *Client) Verify(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/verify", nil, http.StatusAccepted, http.StatusOK)
}

// Cancel drops pending changes.
func (c *Client) Cancel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cancel", nil, http.StatusOK)
}

// do decodes the body into out when the response status is one of ok.
func (c *Client) do(ctx context.Context, method, path string, out any, ok ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range ok {
		if resp.StatusCode != code {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return c.apiError(resp)
}

func (c *Client) apiError(resp *http.Response) error {
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	var body ErrorResponse
	if err := json.Unmarshal(buf.Bytes(), &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.log.Debug("status API refused", "status", resp.StatusCode, "error", body.Error)
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}
