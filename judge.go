// Package judge is the public facade of the local verification orchestrator:
// it assembles the supervisor, the client, the debouncer and the watcher
// from a loaded configuration.
package judge

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/config"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history/factory"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/server"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/watcher"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type BackendStatus = supervisor.BackendStatus

type Snapshot = orchestrator.Snapshot

type RunUpdate = orchestrator.RunUpdate

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options select which parts Assemble builds.
type Options struct {
	Logger *slog.Logger
	// Watch adds the file watcher; without it changes are fed through
	// Stack.Debouncer.Add.
	Watch bool
}

// Stack is an assembled verification loop. Supervisor is nil in remote mode.
type Stack struct {
	Orchestrator *orchestrator.Orchestrator
	Supervisor   *supervisor.Supervisor
	Client       *client.Client
	Debouncer    *debounce.Debouncer
	Watcher      *watcher.Watcher
	Launch       supervisor.Launch

	closers []io.Closer
}

// Assemble builds the components described by cfg. Close releases what it
// opened: history sinks, backend log files, the watcher and the client.
func Assemble(cfg *Config, opts Options) (_ *Stack, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	st := &Stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	var rec *history.Recorder
	if len(cfg.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, err
		}
		rec = history.NewRecorder(log.With("component", "history"), sinks...)
		st.closers = append(st.closers, rec)
	}

	if cfg.Mode == config.ModeLocal {
		if st.Launch, err = cfg.Launch(); err != nil {
			return nil, err
		}
		sc := cfg.Backend.Config
		sc.Logger = log
		sc.History = rec
		stdout, stderr, err := cfg.Log.ProcessWriters(sc.Name)
		if err != nil {
			return nil, err
		}
		if stdout != nil {
			sc.Stdout = stdout
			st.closers = append(st.closers, stdout)
		}
		if stderr != nil {
			sc.Stderr = stderr
			st.closers = append(st.closers, stderr)
		}
		st.Supervisor = supervisor.New(sc)
	}

	cc := cfg.ClientConfig()
	cc.Logger = log
	if st.Client, err = client.New(cc); err != nil {
		return nil, err
	}
	st.closers = append(st.closers, st.Client)

	dc := cfg.Debounce
	dc.Logger = log
	st.Debouncer = debounce.New(dc)

	if opts.Watch {
		wc := cfg.Watch
		wc.Logger = log
		if st.Watcher, err = watcher.New(wc); err != nil {
			return nil, err
		}
		st.closers = append(st.closers, st.Watcher)
	}

	oc := cfg.Verify.Config
	oc.Launch = st.Launch
	oc.Logger = log
	st.Orchestrator, err = orchestrator.New(oc, orchestrator.Components{
		Supervisor: st.Supervisor,
		Client:     st.Client,
		Debouncer:  st.Debouncer,
		Watcher:    st.Watcher,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close releases everything in reverse order of creation.
func (s *Stack) Close() error {
	if s.Orchestrator != nil {
		s.Orchestrator.Close()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewStatusServer starts the status API for o on addr.
func NewStatusServer(addr, basePath string, o *orchestrator.Orchestrator) (*http.Server, error) {
	return server.NewServer(addr, basePath, o)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
