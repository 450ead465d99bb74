package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/health"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/process"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/pubsub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/sched"
)

// Supervisor owns the lifecycle of exactly one backend process.
//
// All state lives under mu. Slow work (launch, health probes, termination,
// event delivery, history writes) happens outside the lock.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	events *pubsub.Bus[Event]

	mu          sync.Mutex
	state       State
	proc        *process.Process
	runDone     chan struct{} // closed once the monitor has handled proc's exit
	port        int
	ready       bool // result of the most recent health probe
	shutdown    bool // Stop was requested; exits are expected
	restarts    int
	lastErr     string
	startedAt   time.Time
	usage       *process.Usage
	probeCancel context.CancelFunc
	restartTask sched.Task
}

func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	log := logger.Component(cfg.Logger, "supervisor")
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		events: pubsub.New[Event]("supervisor", log),
		state:  StateStopped,
	}
}

// Subscribe registers fn for every supervisor event and returns its
// unsubscribe function. Handlers run on the supervisor's goroutines and must
// not call Stop or Restart synchronously.
func (s *Supervisor) Subscribe(fn func(Event)) func() { return s.events.Subscribe(fn) }

// Start validates paths, launches the backend and blocks until it answers its
// health endpoint, the startup timeout elapses, the process exits or ctx is
// done.
func (s *Supervisor) Start(ctx context.Context, l Launch) error {
	spec := process.Spec{
		Name:       s.cfg.Name,
		Executable: l.Executable,
		Args:       s.cfg.Args,
		WorkDir:    l.WorkDir,
		Env:        s.cfg.Env,
		Port:       l.Port,
	}
	if err := spec.Validate(); err != nil {
		s.fail(err)
		return err
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StartupTimeout
	}

	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.restartTask.Cancel()
	if s.state == StateFailed {
		// An explicit start after a terminal failure grants a fresh budget.
		s.restarts = 0
	}
	s.shutdown = false
	s.ready = false
	s.port = l.Port
	s.usage = nil
	s.setStateLocked(StateStarting)
	proc, err := process.Start(spec, process.Options{
		Stdout: s.cfg.Stdout,
		Stderr: s.cfg.Stderr,
		OnLine: s.onLine,
	})
	if err != nil {
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		err = fmt.Errorf("launch backend: %w", err)
		s.fail(err)
		return err
	}
	s.proc = proc
	runDone := make(chan struct{})
	s.runDone = runDone
	rec := s.recordLocked()
	s.mu.Unlock()

	s.log.Info("backend launched", "pid", proc.PID(), "port", l.Port, "executable", l.Executable)
	s.cfg.History.Record(ctx, history.Event{Type: history.EventStart, Record: rec})
	go s.monitor(proc, runDone)

	launched := time.Now()
	if err := s.waitForReady(ctx, proc, timeout); err != nil {
		switch {
		case errors.Is(err, ErrUnexpectedExit):
			// The monitor applies the restart policy; wait so callers
			// observe the settled state.
			<-runDone
			if s.stopRequested() {
				return ErrStoppedDuringStartup
			}
		case errors.Is(err, ErrStartupTimeout):
			_ = s.Stop()
			s.fail(err)
		default:
			_ = s.Stop()
		}
		return err
	}

	s.mu.Lock()
	if s.proc != proc || s.state != StateStarting {
		stopped := s.shutdown
		s.mu.Unlock()
		if stopped {
			return ErrStoppedDuringStartup
		}
		return fmt.Errorf("%w: backend exited during startup", ErrUnexpectedExit)
	}
	s.ready = true
	s.restarts = 0
	s.lastErr = ""
	s.startedAt = time.Now()
	s.setStateLocked(StateReady)
	pctx, cancel := context.WithCancel(context.Background())
	s.probeCancel = cancel
	rec = s.recordLocked()
	s.mu.Unlock()

	go s.probeLoop(pctx, proc)
	metrics.IncBackendStart()
	metrics.ObserveBackendStartDuration(time.Since(launched).Seconds())
	s.log.Info("backend ready", "pid", proc.PID(), "port", l.Port, "after", time.Since(launched).Round(time.Millisecond))
	s.cfg.History.Record(ctx, history.Event{Type: history.EventReady, Record: rec})
	s.events.Publish(Event{Kind: EventReady})
	return nil
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Stop requests graceful termination and force-kills the process tree after
// the grace period. It cancels any pending restart and is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.restartTask.Cancel()
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
	proc, runDone := s.proc, s.runDone
	if proc == nil {
		if s.state == StateRestarting {
			s.setStateLocked(StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.log.Info("stopping backend", "pid", proc.PID(), "grace", s.cfg.GracePeriod)
	err := proc.Terminate(s.cfg.GracePeriod)
	if err != nil {
		s.log.Error("backend did not terminate", "pid", proc.PID(), "error", err)
		return err
	}
	<-runDone
	return nil
}

// Restart stops the backend, waits for the port to be released and starts it
// again with l.
func (s *Supervisor) Restart(ctx context.Context, l Launch) error {
	if err := s.Stop(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.PortReleaseDelay):
	}
	return s.Start(ctx, l)
}

// Status returns a snapshot of the backend.
func (s *Supervisor) Status() BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := BackendStatus{
		Port:         s.port,
		RestartCount: s.restarts,
		LastError:    s.lastErr,
		State:        s.state,
		Healthy:      s.proc != nil && s.ready,
	}
	st.Running = st.Healthy && s.state == StateReady
	if s.proc != nil {
		st.PID = s.proc.PID()
		if s.state == StateReady {
			t := s.startedAt
			st.StartedAt = &t
		}
		if s.usage != nil {
			u := *s.usage
			st.Usage = &u
		}
	}
	return st
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health probes the current backend once. It never fails; errors read as
// unhealthy.
func (s *Supervisor) Health(ctx context.Context) bool {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == 0 {
		return false
	}
	return health.Probe(ctx, s.cfg.HTTPClient, s.baseURL(port), s.cfg.HealthTimeout, nil)
}

// BaseURL returns the backend address for the current port.
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL(s.port)
}

func (s *Supervisor) baseURL(port int) string {
	return "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

func (s *Supervisor) waitForReady(ctx context.Context, proc *process.Process, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(s.cfg.StartupPollInterval)
	defer tick.Stop()
	base := s.baseURL(proc.Spec().Port)
	for {
		if health.Probe(wctx, s.cfg.HTTPClient, base, s.cfg.HealthTimeout, nil) {
			return nil
		}
		select {
		case <-proc.Done():
			return fmt.Errorf("%w during startup (exit code %d)", ErrUnexpectedExit, proc.ExitCode())
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w after %s", ErrStartupTimeout, timeout)
		case <-tick.C:
		}
	}
}

// probeLoop runs while the backend is Ready. A failed probe only clears the
// readiness flag; process exit is what declares failure.
func (s *Supervisor) probeLoop(ctx context.Context, proc *process.Process) {
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	base := s.baseURL(proc.Spec().Port)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok := health.Probe(ctx, s.cfg.HTTPClient, base, s.cfg.HealthTimeout, nil)
		if ctx.Err() != nil {
			return
		}
		var usage *process.Usage
		if u, err := proc.Usage(); err == nil {
			usage = &u
			metrics.SetBackendUsage(u.CPUPercent, u.RSSBytes)
		}
		s.mu.Lock()
		if s.proc != proc {
			s.mu.Unlock()
			return
		}
		was := s.ready
		s.ready = ok
		if usage != nil {
			s.usage = usage
		}
		s.mu.Unlock()
		switch {
		case !ok:
			metrics.IncHealthFailure()
			s.log.Warn("backend health probe failed", "pid", proc.PID())
		case !was:
			s.log.Info("backend health recovered", "pid", proc.PID())
		}
	}
}

// monitor waits for proc to exit and applies the unexpected-exit policy.
func (s *Supervisor) monitor(proc *process.Process, runDone chan struct{}) {
	<-proc.Done()
	code := proc.ExitCode()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		close(runDone)
		return
	}
	s.proc = nil
	s.ready = false
	s.usage = nil
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
	var (
		kind     string
		exitErr  error
		failErr  error
		evType   = history.EventExit
		restarts int
	)
	switch {
	case s.shutdown:
		kind = "expected"
		s.setStateLocked(StateStopped)
		evType = history.EventStop
	case code == 0:
		kind = "clean"
		s.setStateLocked(StateStopped)
	default:
		kind = "crash"
		exitErr = fmt.Errorf("%w: %v", ErrUnexpectedExit, proc.Err())
		s.lastErr = exitErr.Error()
		if s.restarts < s.cfg.MaxRestarts {
			s.restarts++
			attempt := s.restarts
			delay := s.cfg.Restart.Delay(attempt - 1)
			s.setStateLocked(StateRestarting)
			s.restartTask.Schedule(delay, func(gen uint64) { s.fireRestart(gen, attempt, delay) })
		} else {
			failErr = fmt.Errorf("%w: gave up after %d restarts", ErrMaxRestartsExceeded, s.restarts)
			s.lastErr = failErr.Error()
			s.setStateLocked(StateFailed)
		}
	}
	restarts = s.restarts
	rec := s.recordLocked()
	rec.PID = proc.PID()
	rec.ExitCode = code
	s.mu.Unlock()
	close(runDone)

	metrics.IncBackendExit(kind)
	if exitErr != nil {
		s.log.Warn("backend exited unexpectedly", "pid", proc.PID(), "exit_code", code, "restarts", restarts)
	} else {
		s.log.Info("backend exited", "pid", proc.PID(), "exit_code", code, "kind", kind)
	}
	ctx := context.Background()
	s.cfg.History.Record(ctx, history.Event{Type: evType, Record: rec})
	s.events.Publish(Event{Kind: EventExit, ExitCode: code, Err: exitErr})
	if failErr != nil {
		s.log.Error("backend failed", "error", failErr)
		rec.State = StateFailed.String()
		s.cfg.History.Record(ctx, history.Event{Type: history.EventFailed, Record: rec})
		s.events.Publish(Event{Kind: EventError, Err: failErr})
	}
}

// fireRestart emits the restart event once the backoff delay has elapsed.
// The caller is expected to Start or Restart again.
func (s *Supervisor) fireRestart(gen uint64, attempt int, delay time.Duration) {
	s.mu.Lock()
	if !s.restartTask.Claim(gen) || s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	rec := s.recordLocked()
	s.mu.Unlock()

	metrics.IncBackendRestart()
	s.log.Info("backend restart due", "attempt", attempt, "max", s.cfg.MaxRestarts, "delay", delay)
	s.cfg.History.Record(context.Background(), history.Event{Type: history.EventRestart, Record: rec})
	s.events.Publish(Event{Kind: EventRestart, Attempt: attempt, Delay: delay})
}

func (s *Supervisor) onLine(stream process.Stream, line string) {
	s.log.Debug("backend output", "stream", stream, "line", line)
	s.events.Publish(Event{Kind: EventOutput, Stream: stream, Line: line})
}

// fail records err as the last error and publishes it.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.log.Error("backend start failed", "error", err)
	s.events.Publish(Event{Kind: EventError, Err: err})
}

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.RecordBackendTransition(from.String(), to.String())
	s.log.Debug("state transition", "from", from, "to", to)
}

func (s *Supervisor) recordLocked() history.Record {
	r := history.Record{
		Name:     s.cfg.Name,
		Port:     s.port,
		State:    s.state.String(),
		Restarts: s.restarts,
		Error:    s.lastErr,
	}
	if s.proc != nil {
		r.PID = s.proc.PID()
	}
	return r
}
