// Package stub is an in-memory judge backend speaking the real wire
// protocol. It backs `judgectl stub`, local development and tests.
package stub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

// Phases a run walks through before its verdict.
var Phases = []string{"parsing", "judging", "consensus"}

type Config struct {
	// Token, when set, is required as a bearer credential on every route
	// except /health.
	Token             string        `mapstructure:"token"`
	StepInterval      time.Duration `mapstructure:"step_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// Verdict is returned for every run whose spec does not ask to fail.
	Verdict string `mapstructure:"verdict"`

	Logger *slog.Logger `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		StepInterval:      200 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		Verdict:           api.VerdictPass,
	}
}

// Server is the stub backend. Close stops its background work.
type Server struct {
	cfg      Config
	log      *slog.Logger
	e        *echo.Echo
	upgrader websocket.Upgrader

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	runs  map[string]*run
	peers map[*peer]struct{}
}

type run struct {
	status  api.RunStatus
	req     api.RunRequest
	verdict *api.Verdict
}

func New(cfg Config) *Server {
	d := DefaultConfig()
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = d.StepInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.Verdict == "" {
		cfg.Verdict = d.Verdict
	}
	s := &Server{
		cfg:   cfg,
		log:   logger.Component(cfg.Logger, "stub"),
		stop:  make(chan struct{}),
		runs:  make(map[string]*run),
		peers: make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(api.PathHealth, s.health)
	g := e.Group("", s.auth)
	g.POST(api.PathRun, s.startRun)
	g.GET(api.PathStatus+":id", s.runStatus)
	g.GET(api.PathVerdict+":id", s.runVerdict)
	g.GET(api.PathChannel, s.channel)
	s.e = e

	s.wg.Add(1)
	go s.heartbeats()
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("stub backend listening", "addr", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartTLS is Start over HTTPS.
func (s *Server) StartTLS(addr string, tc *tls.Config) error {
	srv := s.e.TLSServer
	srv.Addr = addr
	srv.TLSConfig = tc
	s.log.Info("stub backend listening", "addr", addr, "tls", true)
	if err := s.e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	return s.e.Shutdown(ctx)
}

// Close ends runs, heartbeats and every channel peer.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		for p := range s.peers {
			p.close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Peers is the number of open channel connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropPeers closes every channel connection abruptly.
func (s *Server) DropPeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.Token == "" || c.Request().Header.Get(echo.HeaderAuthorization) == "Bearer "+s.cfg.Token {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid or missing token"})
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startRun(c echo.Context) error {
	var req api.RunRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
	}
	if req.TargetDir == "" {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "target_dir is required"})
	}
	now := time.Now().UTC()
	r := &run{
		req:    req,
		status: api.RunStatus{RunID: uuid.NewString(), Status: api.RunQueued, Phase: "queued", UpdatedAt: &now},
	}
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "shutting down"})
	default:
	}
	s.runs[r.status.RunID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go s.progress(r.status.RunID)
	s.log.Info("run accepted", "run_id", r.status.RunID, "files", len(req.Files))
	return c.JSON(http.StatusOK, api.RunResponse{RunID: r.status.RunID, Status: api.RunQueued, Message: "run queued"})
}

func (s *Server) runStatus(c echo.Context) error {
	s.mu.Lock()
	r, ok := s.runs[c.Param("id")]
	var st api.RunStatus
	if ok {
		st = r.status
	}
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "run not found"})
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) runVerdict(c echo.Context) error {
	s.mu.Lock()
	r, ok := s.runs[c.Param("id")]
	var v *api.Verdict
	if ok {
		v = r.verdict
	}
	s.mu.Unlock()
	switch {
	case !ok:
		return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "run not found"})
	case v == nil:
		return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "verdict not ready"})
	}
	return c.JSON(http.StatusOK, v)
}

// progress walks a run through Phases, broadcasting each step.
func (s *Server) progress(id string) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.StepInterval)
	defer t.Stop()

	for i, phase := range Phases {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
		st := s.update(id, func(r *run) {
			r.status.Status = api.RunRunning
			r.status.Phase = phase
			r.status.Progress = float64(i+1) / float64(len(Phases)+1)
		})
		s.broadcast(api.MsgStatusUpdate, st)
	}

	select {
	case <-s.stop:
		return
	case <-t.C:
	}

	var v *api.Verdict
	st := s.update(id, func(r *run) {
		if strings.TrimSpace(r.req.SpecContent) == "" {
			r.status.Status = api.RunFailed
			r.status.Message = "spec_content is empty"
			return
		}
		v = s.verdictFor(id, r.req)
		r.verdict = v
		r.status.Status = api.RunCompleted
		r.status.Phase = "done"
		r.status.Progress = 1
	})
	s.broadcast(api.MsgStatusUpdate, st)
	if v == nil {
		s.broadcast(api.MsgError, api.ErrorPayload{RunID: id, Message: st.Message})
		return
	}
	s.broadcast(api.MsgVerdictReady, v)
}

func (s *Server) update(id string, fn func(*run)) api.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	fn(r)
	now := time.Now().UTC()
	r.status.UpdatedAt = &now
	return r.status
}

// verdictFor fails a run whose spec mentions FAIL, one violation per file.
func (s *Server) verdictFor(id string, req api.RunRequest) *api.Verdict {
	v := &api.Verdict{
		RunID:           id,
		Verdict:         s.cfg.Verdict,
		Confidence:      0.9,
		Violations:      []api.Violation{},
		Recommendations: []string{},
		JudgeCount:      max(len(req.Judges), 3),
	}
	if strings.Contains(req.SpecContent, "FAIL") {
		v.Verdict = api.VerdictFail
		for _, f := range req.Files {
			v.Violations = append(v.Violations, api.Violation{
				File: f, Line: 1, Severity: "high", Message: "requirement not met",
			})
		}
		v.Recommendations = append(v.Recommendations, "address the reported violations")
	}
	return v
}

func (s *Server) heartbeats() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.broadcast(api.MsgHeartbeat, api.HeartbeatPayload{Timestamp: now.UTC()})
		}
	}
}

func (s *Server) broadcast(t api.MessageType, payload any) {
	env, err := api.NewEnvelope(t, payload)
	if err != nil {
		s.log.Error("encode envelope", "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("encode envelope", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.enqueue(data)
	}
}

// Broadcast sends an arbitrary envelope to every peer.
func (s *Server) Broadcast(t api.MessageType, payload any) { s.broadcast(t, payload) }

func (s *Server) channel(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return nil
	}
	p := newPeer(conn)
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	s.peers[p] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	hello, _ := api.NewEnvelope(api.MsgConnected, api.ConnectedPayload{ClientID: uuid.NewString()})
	data, _ := json.Marshal(hello)
	p.enqueue(data)

	go func() {
		defer s.wg.Done()
		p.writePump()
	}()
	p.readPump()

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.close()
	return nil
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn, send: make(chan []byte, 64), done: make(chan struct{})}
}

// enqueue drops the message for a peer that is not keeping up.
func (p *peer) enqueue(data []byte) {
	select {
	case p.send <- data:
	case <-p.done:
	default:
	}
}

func (p *peer) readPump() {
	p.conn.SetReadLimit(64 * 1024)
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
