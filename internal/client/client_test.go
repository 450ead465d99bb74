package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/backoff"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

var fastRetry = backoff.Policy{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond}

func newTestClient(t *testing.T, base string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = base
	cfg.Retry = fastRetry
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestDo_RetriesTransportErrorsWithSameRequestID(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get(HeaderRequestID))
		mu.Unlock()
		if hits.Add(1) < 3 {
			http.Error(w, `{"error":"warming up"}`, http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(api.RunResponse{RunID: "r1", Status: api.RunQueued})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	defer func() { _ = c.Close() }()

	resp, err := c.StartRun(context.Background(), api.RunRequest{TargetDir: "/src"})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RunID)
	assert.EqualValues(t, 3, hits.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 3)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	defer func() { _ = c.Close() }()

	_, err := c.RunStatus(context.Background(), "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.ErrorIs(t, err, ErrTransport)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.EqualError(t, te.Err, "boom")
	assert.EqualValues(t, 3, hits.Load())
}

func TestDo_RetryDelaysFollowPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = backoff.Policy{Initial: 40 * time.Millisecond, Multiplier: 2, Max: time.Second}
	})
	defer func() { _ = c.Close() }()

	start := time.Now()
	err := c.Get(context.Background(), "/anything", nil)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	// 40ms then 80ms between the three attempts.
	assert.GreaterOrEqual(t, elapsed, 120*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDo_TimeoutIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	defer func() { _ = c.Close() }()

	_, err := c.Verdict(context.Background(), "r1")
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.NotErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_DecodeErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	defer func() { _ = c.Close() }()

	_, err := c.Verdict(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry = backoff.Policy{Initial: time.Second, Multiplier: 2, Max: time.Second}
	})
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Get(ctx, "/status/x", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.EqualValues(t, 1, hits.Load())
}

func TestTypedHelpers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req api.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpecContent != "spec" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.RunResponse{RunID: "a/b", Status: api.RunQueued})
	})
	mux.HandleFunc("GET /status/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.RunStatus{RunID: r.PathValue("id"), Status: api.RunRunning, Progress: 0.5})
	})
	mux.HandleFunc("GET /verdict/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.Verdict{
			RunID:      r.PathValue("id"),
			Verdict:    api.VerdictFail,
			Confidence: 0.9,
			Violations: []api.Violation{{File: "main.py", Line: 3, Severity: "high", Message: "x"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	run, err := c.StartRun(ctx, api.RunRequest{TargetDir: "/src", SpecContent: "spec"})
	require.NoError(t, err)
	assert.Equal(t, "a/b", run.RunID)

	st, err := c.RunStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "a/b", st.RunID)
	assert.False(t, st.Done())

	v, err := c.Verdict(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.VerdictFail, v.Verdict)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, "main.py", v.Violations[0].File)
}

func TestBearerTokenOnlyInRemoteMode(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	local := newTestClient(t, srv.URL, nil)
	defer func() { _ = local.Close() }()
	assert.Equal(t, ModeLocal, local.Mode())
	require.NoError(t, local.Get(context.Background(), "/x", nil))
	assert.Equal(t, "", got.Load())

	remote := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Token = "s3cret" })
	defer func() { _ = remote.Close() }()
	assert.Equal(t, ModeRemote, remote.Mode())
	require.NoError(t, remote.Get(context.Background(), "/x", nil))
	assert.Equal(t, "Bearer s3cret", got.Load())
	assert.True(t, remote.Health(context.Background()))
	assert.Equal(t, "Bearer s3cret", got.Load())
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.PathHealth || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	defer func() { _ = c.Close() }()
	assert.False(t, c.Health(context.Background()))
	healthy.Store(true)
	assert.True(t, c.Health(context.Background()))

	down := newTestClient(t, "http://127.0.0.1:1", func(cfg *Config) { cfg.HealthTimeout = 200 * time.Millisecond })
	defer func() { _ = down.Close() }()
	assert.False(t, down.Health(context.Background()))
}

func TestTransportErrorFormatting(t *testing.T) {
	withStatus := &TransportError{Op: "GET /x", StatusCode: 502, Err: errors.New("bad gateway")}
	assert.Equal(t, "GET /x: HTTP 502: bad gateway", withStatus.Error())
	noResp := &TransportError{Op: "GET /x", Err: errors.New("connection refused")}
	assert.Equal(t, "GET /x: connection refused", noResp.Error())
	assert.ErrorIs(t, noResp, ErrTransport)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, backoff.RequestRetry, cfg.Retry)
	assert.Equal(t, backoff.Reconnect, cfg.Reconnect)
	assert.Equal(t, "/ws", cfg.ChannelPath)
}

func TestNew_BadCACert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS.CACert = t.TempDir() + "/missing.pem"
	_, err := New(cfg)
	require.Error(t, err)
}
