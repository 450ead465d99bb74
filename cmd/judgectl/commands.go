package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	judge "github.com/Dysrup1or/Consensus-Verification-Agents-sub000"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/config"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/stub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/tls"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
	statusclient "github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/client"
)

// errVerdictFailed makes `judgectl run` exit with status 2.
var errVerdictFailed = errors.New("verdict: fail")

const shutdownTimeout = 5 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
	// logOut receives log records; stderr when nil.
	logOut io.Writer

	mu sync.Mutex
}

// setup loads the configuration, applies the global flags and installs the
// process-wide logger.
func (c *command) setup() (*config.Config, *slog.Logger, io.Closer, error) {
	var g GlobalFlags
	if c.global != nil {
		g = *c.global
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	log, closer := logger.New(cfg.Log, c.logOut)
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

func (c *command) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// Watch runs the full verification loop and the status API.
func (c *command) Watch(ctx context.Context, f WatchFlags) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if f.Root != "" {
		cfg.Watch.Root = f.Root
	}
	if f.SpecFile != "" {
		if cfg.Verify.SpecContent, err = readSpec(f.SpecFile); err != nil {
			return err
		}
	}
	if f.ServerAddr != "" {
		cfg.Server.Addr = f.ServerAddr
	}
	if f.NoServer {
		cfg.Server.Enabled = false
	}

	st, err := judge.Assemble(cfg, judge.Options{Logger: log, Watch: true})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := judge.RegisterMetricsDefault(); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}
	unsub := st.Orchestrator.OnUpdate(c.printUpdate)
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv, err := judge.NewStatusServer(cfg.Server.Addr, cfg.Server.BasePath, st.Orchestrator)
		if err != nil {
			return fmt.Errorf("failed to create status server: %w", err)
		}
		log.Info("status API listening", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error { return st.Orchestrator.Run(gctx) })
	return g.Wait()
}

func (c *command) printUpdate(u orchestrator.RunUpdate) {
	ts := u.At.Format("15:04:05")
	switch u.Kind {
	case orchestrator.UpdateStarted:
		c.printf("%s run %s started (%d files, bulk=%t)\n", ts, u.RunID, len(u.Files), u.Bulk)
	case orchestrator.UpdateStatus:
		c.printf("%s run %s %s %s %.0f%%\n", ts, u.RunID, u.Status.Status, u.Status.Phase, u.Status.Progress*100)
	case orchestrator.UpdateVerdict:
		c.printf("%s run %s verdict %s (%d violations)\n", ts, u.RunID, strings.ToUpper(u.Verdict.Verdict), len(u.Verdict.Violations))
	case orchestrator.UpdateSkipped:
		c.printf("%s skipped %d changed files: %s\n", ts, len(u.Files), u.Err)
	case orchestrator.UpdateHalted:
		c.printf("%s automatic verification halted: %s\n", ts, u.Err)
	case orchestrator.UpdateError:
		c.printf("%s error %s\n", ts, u.Err)
	}
}

// Backend supervises the local backend without watching files.
func (c *command) Backend(ctx context.Context) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if cfg.Mode != config.ModeLocal {
		return fmt.Errorf("backend command requires mode %q", config.ModeLocal)
	}

	st, err := judge.Assemble(cfg, judge.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	unsub := st.Supervisor.Subscribe(c.printBackendEvent)
	defer unsub()
	return st.Orchestrator.Run(ctx)
}

func (c *command) printBackendEvent(e supervisor.Event) {
	switch e.Kind {
	case supervisor.EventOutput:
		c.printf("[%s] %s\n", e.Stream, e.Line)
	case supervisor.EventReady:
		c.printf("backend ready\n")
	case supervisor.EventRestart:
		c.printf("backend restart %d after %s\n", e.Attempt, e.Delay)
	case supervisor.EventExit:
		c.printf("backend exited with code %d\n", e.ExitCode)
	case supervisor.EventError:
		c.printf("backend failed: %v\n", e.Err)
	}
}

// Run requests a single run and waits for its verdict.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	req := api.RunRequest{
		TargetDir:   firstNonEmpty(f.Target, cfg.Verify.TargetDir),
		SpecContent: cfg.Verify.SpecContent,
		Files:       f.Files,
		Judges:      cfg.Verify.Judges,
	}
	if len(f.Judges) > 0 {
		req.Judges = f.Judges
	}
	if f.SpecFile != "" {
		if req.SpecContent, err = readSpec(f.SpecFile); err != nil {
			return err
		}
	}
	if req.TargetDir == "" {
		if req.TargetDir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if req.TargetDir, err = filepath.Abs(req.TargetDir); err != nil {
		return err
	}

	cc := cfg.ClientConfig()
	cc.Logger = log
	cli, err := client.New(cc)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	if err := cli.Connect(ctx); err != nil {
		log.Warn("event channel unavailable, polling for the verdict", "error", err)
	}
	resp, err := cli.StartRun(ctx, req)
	if err != nil {
		return err
	}
	log.Info("run started", "run_id", resp.RunID, "target", req.TargetDir, "files", len(req.Files))

	v, err := orchestrator.AwaitVerdict(ctx, cli, resp.RunID, cfg.Verify.PollInterval)
	if err != nil {
		return err
	}
	if err := render(c, v, f.Output, verdictText); err != nil {
		return err
	}
	if v.Verdict == api.VerdictFail {
		return errVerdictFailed
	}
	return nil
}

// Health probes the configured backend.
func (c *command) Health(ctx context.Context) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	cc := cfg.ClientConfig()
	cc.Logger = log
	cli, err := client.New(cc)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	if !cli.Health(ctx) {
		return fmt.Errorf("%s: unhealthy", cli.BaseURL())
	}
	c.printf("%s: healthy\n", cli.BaseURL())
	return nil
}

func (c *command) statusClient(f StatusFlags) (*statusclient.Client, error) {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return nil, err
	}
	_ = closer.Close()
	url := f.APIUrl
	if url == "" {
		url = "http://" + cfg.Server.Addr + strings.TrimRight(cfg.Server.BasePath, "/")
	}
	return statusclient.New(statusclient.Config{BaseURL: url, Timeout: f.APITimeout, Logger: log}), nil
}

// Status prints the snapshot of a running watch.
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	sc, err := c.statusClient(f)
	if err != nil {
		return err
	}
	st, err := sc.Status(ctx)
	if err != nil {
		return err
	}
	return render(c, st, f.Output, statusText)
}

func (c *command) Verify(ctx context.Context, f StatusFlags) error {
	sc, err := c.statusClient(f)
	if err != nil {
		return err
	}
	if err := sc.Verify(ctx); err != nil {
		return err
	}
	c.printf("verification requested\n")
	return nil
}

func (c *command) Cancel(ctx context.Context, f StatusFlags) error {
	sc, err := c.statusClient(f)
	if err != nil {
		return err
	}
	if err := sc.Cancel(ctx); err != nil {
		return err
	}
	c.printf("pending changes dropped\n")
	return nil
}

// Stub serves the stub backend until ctx is done.
func (c *command) Stub(ctx context.Context, f StubFlags) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	sc := cfg.Stub.Config
	sc.Logger = log
	if f.Token != "" {
		sc.Token = f.Token
	}
	addr := firstNonEmpty(f.Addr, cfg.Stub.Addr)
	tc, err := tls.Setup(cfg.Stub.TLS)
	if err != nil {
		return fmt.Errorf("stub tls: %w", err)
	}
	if tc != nil && cfg.Stub.TLS.CAPath() != "" {
		log.Info("clients should trust", "ca_cert", cfg.Stub.TLS.CAPath())
	}
	s := stub.New(sc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if tc != nil {
			return s.StartTLS(addr, tc)
		}
		return s.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

func readSpec(path string) (string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read spec: %w", err)
	}
	return string(b), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
