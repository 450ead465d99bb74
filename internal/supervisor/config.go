package supervisor

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/backoff"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history"
)

// DefaultArgs launches the judge service with uvicorn bound to loopback.
var DefaultArgs = []string{"-m", "uvicorn", "judge.api.main:app", "--host", "127.0.0.1", "--port", "{port}"}

// Config holds every supervisor tunable. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	Name                string         `mapstructure:"name"`
	Args                []string       `mapstructure:"args"`
	Env                 []string       `mapstructure:"env"`
	Host                string         `mapstructure:"host"`
	MaxRestarts         int            `mapstructure:"max_restarts"` // negative disables restarts
	StartupTimeout      time.Duration  `mapstructure:"startup_timeout"`
	StartupPollInterval time.Duration  `mapstructure:"startup_poll_interval"`
	HealthInterval      time.Duration  `mapstructure:"health_interval"`
	HealthTimeout       time.Duration  `mapstructure:"health_timeout"`
	GracePeriod         time.Duration  `mapstructure:"grace_period"`
	PortReleaseDelay    time.Duration  `mapstructure:"port_release_delay"`
	Restart             backoff.Policy `mapstructure:"restart_backoff"`

	// Stdout and Stderr receive every backend output line (log sink).
	Stdout     io.Writer         `mapstructure:"-"`
	Stderr     io.Writer         `mapstructure:"-"`
	Logger     *slog.Logger      `mapstructure:"-"`
	History    *history.Recorder `mapstructure:"-"`
	HTTPClient *http.Client      `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Name:                "backend",
		Args:                append([]string(nil), DefaultArgs...),
		Host:                "127.0.0.1",
		MaxRestarts:         3,
		StartupTimeout:      30 * time.Second,
		StartupPollInterval: 500 * time.Millisecond,
		HealthInterval:      10 * time.Second,
		HealthTimeout:       5 * time.Second,
		GracePeriod:         5 * time.Second,
		PortReleaseDelay:    time.Second,
		Restart:             backoff.Restart,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Args == nil {
		c.Args = d.Args
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	} else if c.MaxRestarts == 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	durs := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.StartupTimeout, d.StartupTimeout},
		{&c.StartupPollInterval, d.StartupPollInterval},
		{&c.HealthInterval, d.HealthInterval},
		{&c.HealthTimeout, d.HealthTimeout},
		{&c.GracePeriod, d.GracePeriod},
		{&c.PortReleaseDelay, d.PortReleaseDelay},
	}
	for _, x := range durs {
		if *x.v <= 0 {
			*x.v = x.def
		}
	}
	c.Restart = c.Restart.OrDefault(d.Restart)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Launch carries the per-start parameters. The supervisor does not keep them
// across crashes; the caller passes them again on Start or Restart.
type Launch struct {
	Executable string        `json:"executable"`
	WorkDir    string        `json:"work_dir"`
	Port       int           `json:"port"`
	Timeout    time.Duration `json:"timeout"` // startup timeout; Config.StartupTimeout when zero
}
