package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	judgeclient "github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/server"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
)

type controller struct {
	snap      orchestrator.Snapshot
	verifyErr atomic.Pointer[error]
	cancelled atomic.Bool
}

func (c *controller) Snapshot() orchestrator.Snapshot { return c.snap }
func (c *controller) Cancel()                         { c.cancelled.Store(true) }

func (c *controller) Verify(context.Context) error {
	if p := c.verifyErr.Load(); p != nil {
		return *p
	}
	return nil
}

func newServer(t *testing.T, ctrl server.Controller) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(ctrl, "").Handler())
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/"
	return New(cfg)
}

func TestStatusRoundTrip(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := orchestrator.Snapshot{
		Mode:       "local",
		BaseURL:    "http://127.0.0.1:8000",
		TargetDir:  "/src",
		Connection: judgeclient.StateReconnecting,
		Backend: &supervisor.BackendStatus{
			Running: true, PID: 42, Port: 8000, RestartCount: 1,
			StartedAt: &started, State: supervisor.StateReady, Healthy: true,
		},
		ReconnectAttempts: 2,
		Debounce:          debounce.Stats{Pending: 3, Bulk: true, CurrentDebounce: 2 * time.Second},
		ActiveRun:         "run-9",
	}
	c := newServer(t, &controller{snap: snap})

	got, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Connection, got.Connection)
	assert.Equal(t, snap.Debounce, got.Debounce)
	require.NotNil(t, got.Backend)
	assert.Equal(t, supervisor.StateReady, got.Backend.State)
	assert.True(t, got.Backend.StartedAt.Equal(started))
	assert.Equal(t, "run-9", got.ActiveRun)
	assert.True(t, c.IsReachable(context.Background()))
}

func TestHealth(t *testing.T) {
	c := newServer(t, &controller{snap: orchestrator.Snapshot{Halted: "max restarts exceeded"}})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.OK)
	assert.Contains(t, h.Reason, "max restarts exceeded")

	c = newServer(t, &controller{})
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK)
}

func TestVerifyAndCancel(t *testing.T) {
	ctrl := &controller{}
	c := newServer(t, ctrl)
	require.NoError(t, c.Verify(context.Background()))
	require.NoError(t, c.Cancel(context.Background()))
	assert.True(t, ctrl.cancelled.Load())

	halted := errors.Join(orchestrator.ErrHalted, errors.New("exit 1"))
	ctrl.verifyErr.Store(&halted)
	err := c.Verify(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "halted")
}

func TestErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})
	_, err := c.Status(context.Background())
	assert.EqualError(t, err, "HTTP 502")
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
