package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/process"
)

// State is the supervisor lifecycle state.
//
//	Stopped -> Starting -> Ready
//	Starting/Ready -> (crash) -> Restarting -> Starting ...
//	Restarting -> (budget exhausted) -> Failed
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateStopped; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown backend state %q", b)
}

var (
	// ErrPathNotFound means the executable or working directory is missing.
	ErrPathNotFound = process.ErrNotFound
	// ErrStartupTimeout means the backend never answered its health probe.
	ErrStartupTimeout = errors.New("startup timeout")
	// ErrUnexpectedExit means the backend exited without being asked to.
	ErrUnexpectedExit = errors.New("unexpected exit")
	// ErrStoppedDuringStartup means Stop ended a Start that was still waiting
	// for readiness.
	ErrStoppedDuringStartup = errors.New("backend stopped during startup")
	// ErrMaxRestartsExceeded is terminal: the supervisor is Failed.
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")
	// ErrAlreadyRunning is returned by Start while a process is live.
	ErrAlreadyRunning = errors.New("backend already running")
)

// BackendStatus is a read-only snapshot of the supervised backend.
type BackendStatus struct {
	Running      bool           `json:"running" yaml:"running"`
	PID          int            `json:"pid,omitempty" yaml:"pid,omitempty"`
	Port         int            `json:"port" yaml:"port"`
	RestartCount int            `json:"restart_count" yaml:"restart_count"`
	LastError    string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	State        State          `json:"state" yaml:"state"`
	Healthy      bool           `json:"healthy" yaml:"healthy"`
	Usage        *process.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
}

// EventKind names a supervisor event.
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventOutput  EventKind = "output"
	EventRestart EventKind = "restart"
	EventExit    EventKind = "exit"
	EventError   EventKind = "error"
)

// Event is published on the supervisor's bus. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	Stream process.Stream // output
	Line   string         // output

	Attempt int           // restart: 1-based restart number
	Delay   time.Duration // restart: backoff applied before this event

	ExitCode int   // exit
	Err      error // exit (nil for a clean or requested exit), error
}
