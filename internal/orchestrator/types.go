package orchestrator

import (
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/supervisor"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

type UpdateKind string

const (
	UpdateStarted UpdateKind = "started"
	UpdateStatus  UpdateKind = "status"
	UpdateVerdict UpdateKind = "verdict"
	UpdateError   UpdateKind = "error"
	// UpdateSkipped reports a trigger dropped by the backend gate.
	UpdateSkipped UpdateKind = "skipped"
	// UpdateHalted reports a terminal backend failure.
	UpdateHalted UpdateKind = "halted"
)

// RunUpdate is what a presentation layer renders.
type RunUpdate struct {
	Kind    UpdateKind     `json:"kind"`
	RunID   string         `json:"run_id,omitempty"`
	Files   []string       `json:"files,omitempty"`
	Bulk    bool           `json:"bulk,omitempty"`
	Status  *api.RunStatus `json:"status,omitempty"`
	Verdict *api.Verdict   `json:"verdict,omitempty"`
	Err     string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// Snapshot is the aggregated state served by the status API.
type Snapshot struct {
	Mode              string                    `json:"mode" yaml:"mode"`
	BaseURL           string                    `json:"base_url" yaml:"base_url"`
	TargetDir         string                    `json:"target_dir,omitempty" yaml:"target_dir,omitempty"`
	Backend           *supervisor.BackendStatus `json:"backend,omitempty" yaml:"backend,omitempty"`
	Connection        client.ConnState          `json:"connection" yaml:"connection"`
	ReconnectAttempts int                       `json:"reconnect_attempts" yaml:"reconnect_attempts"`
	Debounce          debounce.Stats            `json:"debounce" yaml:"debounce"`
	ActiveRun         string                    `json:"active_run,omitempty" yaml:"active_run,omitempty"`
	LastStatus        *api.RunStatus            `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastVerdict       *api.Verdict              `json:"last_verdict,omitempty" yaml:"last_verdict,omitempty"`
	Halted            string                    `json:"halted,omitempty" yaml:"halted,omitempty"`
}
