// Package client talks to the judge backend: retrying request/response calls
// and a reconnecting websocket event channel, in local or remote mode.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cb "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/health"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/pubsub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/sched"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

// HeaderRequestID carries the id shared by every attempt of one logical call.
const HeaderRequestID = "X-Request-ID"

// Mode is the addressing mode, derived from the presence of a token.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	log    *slog.Logger
	hc     *http.Client
	dialer *websocket.Dialer

	messages    *pubsub.Bus[api.Envelope]
	errs        *pubsub.Bus[error]
	connects    *pubsub.Bus[struct{}]
	disconnects *pubsub.Bus[error]
	reconnects  *pubsub.Bus[ReconnectInfo]

	// bg bounds reconnect dials; Close cancels it.
	bg       context.Context
	bgCancel context.CancelFunc
	readers  sync.WaitGroup

	mu            sync.Mutex
	baseURL       string
	token         string
	state         ConnState
	conn          *websocket.Conn
	gen           uint64 // bumped per connection and per teardown
	manual        bool   // Disconnect was requested
	attempts      int
	reconnectTask sched.Task
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	tlsCfg, err := cfg.TLS.tlsConfig()
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsCfg
		hc = &http.Client{Transport: tr}
	}
	log := logger.Component(cfg.Logger, "client")
	bg, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg: cfg,
		log: log,
		hc:  hc,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
		messages:    pubsub.New[api.Envelope]("client.message", log),
		errs:        pubsub.New[error]("client.error", log),
		connects:    pubsub.New[struct{}]("client.connect", log),
		disconnects: pubsub.New[error]("client.disconnect", log),
		reconnects:  pubsub.New[ReconnectInfo]("client.reconnect", log),
		bg:          bg,
		bgCancel:    cancel,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		state:       StateDisconnected,
	}, nil
}

// Close tears the channel down and waits for its reader. It must not be
// called from a channel handler.
func (c *Client) Close() error {
	c.Disconnect()
	c.bgCancel()
	c.readers.Wait()
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return ModeRemote
	}
	return ModeLocal
}

func (c *Client) endpoint() (string, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL, c.authHeaderLocked()
}

func (c *Client) authHeaderLocked() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// Health probes GET /health once; every failure is reported as false.
func (c *Client) Health(ctx context.Context) bool {
	base, hdr := c.endpoint()
	return health.Probe(ctx, c.hc, base, c.cfg.HealthTimeout, hdr)
}

// StartRun posts a verification request.
func (c *Client) StartRun(ctx context.Context, req api.RunRequest) (api.RunResponse, error) {
	var out api.RunResponse
	err := c.Post(ctx, api.PathRun, req, &out)
	return out, err
}

func (c *Client) RunStatus(ctx context.Context, runID string) (api.RunStatus, error) {
	var out api.RunStatus
	err := c.Get(ctx, api.PathStatus+url.PathEscape(runID), &out)
	return out, err
}

func (c *Client) Verdict(ctx context.Context, runID string) (api.Verdict, error) {
	var out api.Verdict
	err := c.Get(ctx, api.PathVerdict+url.PathEscape(runID), &out)
	return out, err
}

// Get performs a retried GET and decodes the JSON answer into out (may be nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a retried POST of body as JSON.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Do runs one logical call of up to MaxAttempts sequential attempts.
//
// A TransportError is retried with the Retry policy delays. ErrRequestTimeout
// and context cancellation end the call at once. Exhaustion returns an error
// matching both ErrMaxAttemptsExceeded and the last TransportError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		payload = b
	}

	reqID := uuid.NewString()
	started := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.IncRetry()
		}
		err := c.attempt(ctx, method, path, payload, out, reqID)
		if err != nil && !errors.Is(err, ErrTransport) {
			return cb.Permanent(err)
		}
		return err
	}
	policy := cb.WithContext(cb.WithMaxRetries(c.cfg.Retry.Exponential(), uint64(c.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, d time.Duration) {
		c.log.Warn("request failed, retrying", "method", method, "path", path,
			"attempt", attempt, "delay", d, "request_id", reqID, "error", err)
	}
	err := cb.RetryNotify(op, policy, notify)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRequestTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrTransport) && ctx.Err() == nil:
		outcome = "failed"
		err = fmt.Errorf("%w: %s %s after %d attempts: %w", ErrMaxAttemptsExceeded, method, path, attempt, err)
	default:
		outcome = "failed"
	}
	metrics.ObserveRequest(method, outcome, time.Since(started).Seconds())
	if err != nil {
		c.log.Debug("request failed", "method", method, "path", path, "request_id", reqID, "error", err)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any, reqID string) error {
	base, hdr := c.endpoint()
	op := method + " " + path

	actx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	timedOut := func() bool {
		return errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header = hdr
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, reqID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		switch {
		case timedOut():
			return fmt.Errorf("%w: %s exceeded %s", ErrRequestTimeout, op, c.cfg.RequestTimeout)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errorBody(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if timedOut() {
			return fmt.Errorf("%w: %s exceeded %s", ErrRequestTimeout, op, c.cfg.RequestTimeout)
		}
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// errorBody extracts the backend's {"error": ...} message when present.
func errorBody(r io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var er api.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return errors.New(er.Error)
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return errors.New(s)
	}
	return errors.New("empty response")
}
