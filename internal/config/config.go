// Package config loads judgectl configuration with viper and maps it onto the
// value objects of the individual components.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/stub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/tls"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/watcher"
)

// EnvPrefix prefixes environment overrides: JUDGE_CLIENT_TOKEN sets client.token.
const EnvPrefix = "JUDGE"

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config is the top-level file structure.
type Config struct {
	// Mode is local (supervise a backend on this machine) or remote.
	Mode     string          `mapstructure:"mode"`
	Log      logger.Config   `mapstructure:"log"`
	Backend  Backend         `mapstructure:"backend"`
	Client   client.Config   `mapstructure:"client"`
	Debounce debounce.Config `mapstructure:"debounce"`
	Watch    watcher.Config  `mapstructure:"watch"`
	Verify   Verify          `mapstructure:"verify"`
	Server   Server          `mapstructure:"server"`
	Stub     Stub            `mapstructure:"stub"`
	History  History         `mapstructure:"history"`
}

type Backend struct {
	supervisor.Config `mapstructure:",squash"`

	Executable string `mapstructure:"executable"`
	WorkDir    string `mapstructure:"work_dir"`
	Port       int    `mapstructure:"port"`
	// EnvFiles are KEY=VALUE files merged below Env.
	EnvFiles []string `mapstructure:"env_files"`
}

type Verify struct {
	orchestrator.Config `mapstructure:",squash"`

	// SpecFile is read into SpecContent when SpecContent is empty.
	SpecFile     string        `mapstructure:"spec_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Server is the local status API.
type Server struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

type Stub struct {
	stub.Config `mapstructure:",squash"`
	Addr        string     `mapstructure:"addr"`
	TLS         tls.Config `mapstructure:"tls"`
}

// History lists lifecycle journal sinks as DSNs (sqlite://, postgres://,
// clickhouse://, http(s)://).
type History struct {
	Sinks []string `mapstructure:"sinks"`
}

func Default() Config {
	return Config{
		Mode:     ModeLocal,
		Log:      logger.Config{Level: "info", Format: "text"},
		Backend:  Backend{Config: supervisor.DefaultConfig(), Port: 8000},
		Client:   client.DefaultConfig(),
		Debounce: debounce.DefaultConfig(),
		Watch:    watcher.DefaultConfig(),
		Verify:   Verify{PollInterval: 2 * time.Second},
		Server:   Server{Enabled: true, Addr: "127.0.0.1:8765"},
		Stub:     Stub{Config: stub.DefaultConfig(), Addr: "127.0.0.1:8000"},
	}
}

// envKeys can be overridden from the environment without appearing in the file.
var envKeys = []string{
	"mode",
	"log.level", "log.format", "log.file.dir", "log.file.path",
	"backend.executable", "backend.work_dir", "backend.port", "backend.host", "backend.max_restarts",
	"client.base_url", "client.token", "client.max_attempts", "client.tls.ca_cert", "client.tls.skip_verify",
	"debounce.debounce", "debounce.max_debounce",
	"watch.root",
	"verify.target_dir", "verify.spec_file",
	"server.enabled", "server.addr", "server.base_path",
	"stub.addr", "stub.token", "stub.tls.enabled", "stub.tls.dir",
	"history.sinks",
}

// Load reads path (TOML, YAML or JSON by extension) on top of Default and
// applies JUDGE_ environment overrides. An empty path loads defaults and the
// environment only. Relative spec and env files resolve against the config
// file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}
	base := ""
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		base = filepath.Dir(path)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolve(base); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve(base string) error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Verify.SpecContent == "" && c.Verify.SpecFile != "" {
		b, err := os.ReadFile(relTo(base, c.Verify.SpecFile))
		if err != nil {
			return fmt.Errorf("read spec file: %w", err)
		}
		c.Verify.SpecContent = string(b)
	}
	if len(c.Backend.EnvFiles) > 0 {
		env, err := mergeEnv(base, c.Backend.EnvFiles, c.Backend.Env)
		if err != nil {
			return err
		}
		c.Backend.Env = env
	}
	return nil
}

// Validate checks what every command needs. Local mode additionally needs
// an executable; that is checked by Launch.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeLocal, ModeRemote:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeRemote, c.Mode))
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		errs = append(errs, fmt.Errorf("backend.port out of range: %d", c.Backend.Port))
	}
	if c.Mode == ModeRemote && c.Client.BaseURL == "" {
		errs = append(errs, errors.New("client.base_url is required in remote mode"))
	}
	if c.Debounce.MaxDebounce > 0 && c.Debounce.Debounce > c.Debounce.MaxDebounce {
		errs = append(errs, errors.New("debounce.debounce exceeds debounce.max_debounce"))
	}
	return errors.Join(errs...)
}

// Launch returns the backend launch parameters.
func (c *Config) Launch() (supervisor.Launch, error) {
	if c.Backend.Executable == "" {
		return supervisor.Launch{}, errors.New("backend.executable is required in local mode")
	}
	return supervisor.Launch{
		Executable: c.Backend.Executable,
		WorkDir:    c.Backend.WorkDir,
		Port:       c.Backend.Port,
		Timeout:    c.Backend.StartupTimeout,
	}, nil
}

// ClientConfig returns the client configuration for the selected mode. In
// local mode the base URL points at the supervised backend and no token is
// sent.
func (c *Config) ClientConfig() client.Config {
	cc := c.Client
	if c.Mode == ModeLocal {
		host := c.Backend.Host
		if host == "" {
			host = "127.0.0.1"
		}
		cc.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Backend.Port)
		cc.Token = ""
	}
	return cc
}

func relTo(base, p string) string {
	if base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// mergeEnv layers env files in order, then the explicit entries. The result
// is sorted by key.
func mergeEnv(base string, files, explicit []string) ([]string, error) {
	m := make(map[string]string)
	for _, p := range files {
		pairs, err := loadEnvFile(relTo(base, p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range explicit {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
