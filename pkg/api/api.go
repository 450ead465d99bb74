// Package api holds the wire types of the judge backend: the request/response
// surface and the event channel envelope.
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request paths of the judge backend.
const (
	PathHealth  = "/health"
	PathRun     = "/run"
	PathStatus  = "/status/"  // + run id
	PathVerdict = "/verdict/" // + run id
	PathChannel = "/ws"
)

// RunRequest starts a verification run.
type RunRequest struct {
	TargetDir   string   `json:"target_dir"`
	SpecContent string   `json:"spec_content"`
	Files       []string `json:"files,omitempty"`
	Judges      []string `json:"judges,omitempty"`
}

// RunResponse acknowledges a run.
type RunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Run status values reported by the backend.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunStatus is the progress of a run.
type RunStatus struct {
	RunID     string     `json:"run_id"`
	Status    string     `json:"status"`
	Phase     string     `json:"phase"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Done reports whether the run reached a terminal status.
func (s RunStatus) Done() bool { return s.Status == RunCompleted || s.Status == RunFailed }

// Violation is one finding of a verdict.
type Violation struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Judge    string `json:"judge,omitempty"`
}

// Verdict values.
const (
	VerdictPass         = "pass"
	VerdictFail         = "fail"
	VerdictInconclusive = "inconclusive"
)

// Verdict is the final result of a run.
type Verdict struct {
	RunID           string      `json:"run_id"`
	Verdict         string      `json:"verdict"`
	Confidence      float64     `json:"confidence"`
	Violations      []Violation `json:"violations"`
	Recommendations []string    `json:"recommendations"`
	JudgeCount      int         `json:"judge_count,omitempty"`
}

// ErrorResponse is the body of a non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageType is the envelope discriminator on the event channel.
type MessageType string

const (
	MsgConnected    MessageType = "connected"
	MsgStatusUpdate MessageType = "status_update"
	MsgVerdictReady MessageType = "verdict_ready"
	MsgError        MessageType = "error"
	MsgHeartbeat    MessageType = "heartbeat"
)

// Envelope is one event channel message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RunID extracts payload.run_id when present; heartbeats and unscoped errors
// return "".
func (e Envelope) RunID() string {
	var p struct {
		RunID string `json:"run_id"`
	}
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &p) != nil {
		return ""
	}
	return p.RunID
}

// ConnectedPayload greets a new channel.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

// HeartbeatPayload carries only a timestamp.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload optionally scopes an error to a run.
type ErrorPayload struct {
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message"`
}
