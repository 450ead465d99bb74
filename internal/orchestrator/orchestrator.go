// Package orchestrator wires the supervisor, the client and the debouncer
// into the verification loop: file changes in, runs and verdicts out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/pubsub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/watcher"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

// ErrHalted is returned by Verify after the backend failed for good.
var ErrHalted = errors.New("automatic verification halted")

type Config struct {
	TargetDir   string   `mapstructure:"target_dir"`
	SpecContent string   `mapstructure:"spec_content"`
	Judges      []string `mapstructure:"judges"`
	// Launch is used in local mode for the first start and every restart.
	Launch supervisor.Launch `mapstructure:"-"`

	Logger *slog.Logger `mapstructure:"-"`
}

// Components are the collaborators. Supervisor is nil in remote mode;
// Watcher is nil when changes are fed through Debouncer().Add directly.
type Components struct {
	Supervisor *supervisor.Supervisor
	Client     *client.Client
	Debouncer  *debounce.Debouncer
	Watcher    *watcher.Watcher
}

type Orchestrator struct {
	cfg Config
	log *slog.Logger
	sup *supervisor.Supervisor
	cli *client.Client
	deb *debounce.Debouncer
	fs  *watcher.Watcher

	updates *pubsub.Bus[RunUpdate]
	unsubs  []func()
	bg      sync.WaitGroup

	verifyMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	activeRun   string
	lastStatus  *api.RunStatus
	lastVerdict *api.Verdict
	halted      error
	stopping    bool
	// forced receives the outcome of the batch a Verify call flushed.
	forced chan error
}

func New(cfg Config, c Components) (*Orchestrator, error) {
	if c.Client == nil || c.Debouncer == nil {
		return nil, errors.New("orchestrator needs a client and a debouncer")
	}
	if cfg.TargetDir == "" && c.Watcher != nil {
		cfg.TargetDir = c.Watcher.Root()
	}
	log := logger.Component(cfg.Logger, "orchestrator")
	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		sup:     c.Supervisor,
		cli:     c.Client,
		deb:     c.Debouncer,
		fs:      c.Watcher,
		updates: pubsub.New[RunUpdate]("orchestrator", log),
		ctx:     context.Background(),
	}
	o.unsubs = append(o.unsubs,
		o.deb.OnTrigger(o.onTrigger),
		o.cli.OnMessage(o.onMessage),
		o.cli.OnError(o.onChannelError),
	)
	if o.sup != nil {
		o.unsubs = append(o.unsubs, o.sup.Subscribe(o.onSupervisor))
	}
	return o, nil
}

// OnUpdate registers fn for run progress.
func (o *Orchestrator) OnUpdate(fn func(RunUpdate)) func() { return o.updates.Subscribe(fn) }

func (o *Orchestrator) Debouncer() *debounce.Debouncer { return o.deb }

// Run starts the backend (local mode), opens the event channel, feeds file
// changes into the debouncer and blocks until ctx is done. It then stops
// everything it started.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.stopping = false
	o.mu.Unlock()
	defer o.shutdown()

	if o.sup != nil {
		if err := o.sup.Start(ctx, o.cfg.Launch); err != nil {
			return fmt.Errorf("start backend: %w", err)
		}
	}
	if err := o.cli.Connect(ctx); err != nil {
		o.log.Warn("event channel unavailable, retrying in background", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.fs != nil {
		g.Go(func() error { return o.fs.Run(gctx, o.deb.Add) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	o.deb.Cancel()
	o.bg.Wait()
	o.cli.Disconnect()
	if o.sup != nil {
		if err := o.sup.Stop(); err != nil {
			o.log.Warn("stop backend", "error", err)
		}
	}
}

// Close removes the orchestrator's subscriptions.
func (o *Orchestrator) Close() {
	for _, u := range o.unsubs {
		u()
	}
	o.unsubs = nil
}

// Verify runs now: pending changes are flushed immediately, or a full run is
// requested when nothing is pending.
func (o *Orchestrator) Verify(ctx context.Context) error {
	if err := o.gate(); err != nil {
		return err
	}
	o.verifyMu.Lock()
	defer o.verifyMu.Unlock()

	res := make(chan error, 1)
	o.mu.Lock()
	o.forced = res
	o.mu.Unlock()
	fired := o.deb.ForceTrigger()
	o.mu.Lock()
	o.forced = nil
	o.mu.Unlock()
	if fired {
		// Trigger delivery is synchronous, so the outcome is already here
		// unless a timer fire raced us for the batch.
		select {
		case err := <-res:
			return err
		default:
			return nil
		}
	}
	_, err := o.startRun(ctx, debounce.Batch{})
	return err
}

// reportForced hands err to a Verify call waiting on its flushed batch.
func (o *Orchestrator) reportForced(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.forced == nil {
		return
	}
	o.forced <- err
	o.forced = nil
}

// Cancel drops pending changes without verifying them.
func (o *Orchestrator) Cancel() { o.deb.Cancel() }

// gate refuses work after a terminal failure, and while a local backend is
// not serving.
func (o *Orchestrator) gate() error {
	o.mu.Lock()
	halted := o.halted
	o.mu.Unlock()
	if halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, halted)
	}
	if o.sup != nil && !o.sup.Status().Running {
		return fmt.Errorf("backend is %s", o.sup.State())
	}
	return nil
}

func (o *Orchestrator) onTrigger(b debounce.Batch) {
	if err := o.gate(); err != nil {
		o.log.Warn("verification skipped", "files", len(b.Files), "reason", err)
		o.publish(RunUpdate{Kind: UpdateSkipped, Files: b.Files, Bulk: b.Bulk, Err: err.Error()})
		o.reportForced(err)
		return
	}
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	_, err := o.startRun(ctx, b)
	if err != nil {
		o.log.Error("start run", "error", err)
	}
	o.reportForced(err)
}

func (o *Orchestrator) startRun(ctx context.Context, b debounce.Batch) (string, error) {
	resp, err := o.cli.StartRun(ctx, api.RunRequest{
		TargetDir:   o.cfg.TargetDir,
		SpecContent: o.cfg.SpecContent,
		Files:       b.Files,
		Judges:      o.cfg.Judges,
	})
	if err != nil {
		o.publish(RunUpdate{Kind: UpdateError, Files: b.Files, Bulk: b.Bulk, Err: err.Error()})
		return "", err
	}
	o.mu.Lock()
	o.activeRun = resp.RunID
	o.lastStatus = nil
	o.lastVerdict = nil
	o.mu.Unlock()
	o.log.Info("run started", "run_id", resp.RunID, "files", len(b.Files), "bulk", b.Bulk)
	o.publish(RunUpdate{Kind: UpdateStarted, RunID: resp.RunID, Files: b.Files, Bulk: b.Bulk})
	return resp.RunID, nil
}

func (o *Orchestrator) onMessage(e api.Envelope) {
	switch e.Type {
	case api.MsgHeartbeat:
		return
	case api.MsgConnected:
		o.log.Debug("event channel greeted")
		return
	}

	runID := e.RunID()
	o.mu.Lock()
	active := o.activeRun
	o.mu.Unlock()
	if e.Type == api.MsgError && runID != "" && runID != active {
		return
	}
	if e.Type != api.MsgError && (active == "" || runID != active) {
		return
	}

	switch e.Type {
	case api.MsgStatusUpdate:
		var st api.RunStatus
		if err := e.Decode(&st); err != nil {
			o.log.Warn("bad status update", "error", err)
			return
		}
		o.mu.Lock()
		o.lastStatus = &st
		o.mu.Unlock()
		o.publish(RunUpdate{Kind: UpdateStatus, RunID: runID, Status: &st})
	case api.MsgVerdictReady:
		var v api.Verdict
		if err := e.Decode(&v); err != nil {
			o.log.Warn("bad verdict", "error", err)
			return
		}
		o.mu.Lock()
		o.lastVerdict = &v
		o.mu.Unlock()
		o.log.Info("verdict", "run_id", runID, "verdict", v.Verdict, "violations", len(v.Violations))
		o.publish(RunUpdate{Kind: UpdateVerdict, RunID: runID, Verdict: &v})
	case api.MsgError:
		var p api.ErrorPayload
		if err := e.Decode(&p); err != nil {
			p.Message = err.Error()
		}
		o.publish(RunUpdate{Kind: UpdateError, RunID: runID, Err: p.Message})
	}
}

func (o *Orchestrator) onChannelError(err error) {
	if errors.Is(err, client.ErrMaxReconnectsExceeded) {
		o.publish(RunUpdate{Kind: UpdateError, Err: err.Error()})
	}
}

func (o *Orchestrator) onSupervisor(e supervisor.Event) {
	switch e.Kind {
	case supervisor.EventRestart:
		o.mu.Lock()
		if o.stopping {
			o.mu.Unlock()
			return
		}
		ctx := o.ctx
		o.bg.Add(1)
		o.mu.Unlock()
		go o.restartBackend(ctx, e.Attempt)
	case supervisor.EventReady:
		o.mu.Lock()
		o.halted = nil
		if o.stopping || o.cli.ConnectionState() != client.StateDisconnected {
			o.mu.Unlock()
			return
		}
		ctx := o.ctx
		o.bg.Add(1)
		o.mu.Unlock()
		// A restarted backend drops the channel; reopen it without waiting
		// for the reconnect backoff.
		go func() {
			defer o.bg.Done()
			_ = o.cli.Connect(ctx)
		}()
	case supervisor.EventError:
		o.mu.Lock()
		o.halted = e.Err
		o.mu.Unlock()
		o.log.Error("backend failed, automatic verification halted", "error", e.Err)
		o.publish(RunUpdate{Kind: UpdateHalted, Err: e.Err.Error()})
	}
}

func (o *Orchestrator) restartBackend(ctx context.Context, attempt int) {
	defer o.bg.Done()
	if ctx.Err() != nil {
		return
	}
	o.log.Info("restarting backend", "attempt", attempt)
	if err := o.sup.Restart(ctx, o.cfg.Launch); err != nil {
		o.log.Warn("backend restart failed", "attempt", attempt, "error", err)
	}
}

func (o *Orchestrator) publish(u RunUpdate) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	o.updates.Publish(u)
}

// Snapshot aggregates the state of every component.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		Mode:              o.cli.Mode().String(),
		BaseURL:           o.cli.BaseURL(),
		Connection:        o.cli.ConnectionState(),
		ReconnectAttempts: o.cli.ReconnectAttempts(),
		Debounce:          o.deb.Stats(),
		TargetDir:         o.cfg.TargetDir,
	}
	if o.sup != nil {
		st := o.sup.Status()
		s.Backend = &st
	}
	o.mu.Lock()
	s.ActiveRun = o.activeRun
	s.LastStatus = o.lastStatus
	s.LastVerdict = o.lastVerdict
	if o.halted != nil {
		s.Halted = o.halted.Error()
	}
	o.mu.Unlock()
	return s
}
