package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
)

// Controller is the part of the orchestrator the status API drives.
type Controller interface {
	Snapshot() orchestrator.Snapshot
	Verify(ctx context.Context) error
	Cancel()
}

// Router provides embeddable HTTP handlers for the verification loop.
// Endpoints:
//   GET  {basePath}/status   aggregated snapshot
//   GET  {basePath}/health   200 when runs can be started, 503 otherwise
//   POST {basePath}/verify   verify now (pending changes, or a full run)
//   POST {basePath}/cancel   drop pending changes
//   GET  {basePath}/metrics  Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctrl          Controller
	basePath      string
	verifyTimeout time.Duration
}

func NewRouter(ctrl Controller, basePath string) *Router {
	return &Router{ctrl: ctrl, basePath: sanitizeBase(basePath), verifyTimeout: 30 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.POST("/verify", r.handleVerify)
	group.POST("/cancel", r.handleCancel)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, ctrl Controller) (*http.Server, error) {
	r := NewRouter(ctrl, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      r.verifyTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Snapshot())
}

func (r *Router) handleHealth(c *gin.Context) {
	if reason := unhealthy(r.ctrl.Snapshot()); reason != "" {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Reason: reason})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true})
}

func unhealthy(s orchestrator.Snapshot) string {
	if s.Halted != "" {
		return "halted: " + s.Halted
	}
	if s.Backend != nil && !s.Backend.Running {
		return "backend " + s.Backend.State.String()
	}
	return ""
}

func (r *Router) handleVerify(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.verifyTimeout)
	defer cancel()
	if err := r.ctrl.Verify(ctx); err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, orchestrator.ErrHalted) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleCancel(c *gin.Context) {
	r.ctrl.Cancel()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
