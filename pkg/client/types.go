package client

import (
	"fmt"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
)

// Status is the snapshot served by GET /status.
type Status = orchestrator.Snapshot

// Health is the body of GET /health.
type Health struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for unexpected HTTP statuses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
