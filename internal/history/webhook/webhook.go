// Package webhook posts lifecycle events as JSON to an HTTP endpoint, e.g.
// an OpenSearch index or a chat-ops relay.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history"
)

// Sink POSTs every event to url.
type Sink struct {
	client *http.Client
	url    string
}

func New(url string) *Sink {
	return &Sink{client: &http.Client{Timeout: 5 * time.Second}, url: url}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink status %d", resp.StatusCode)
	}
	return nil
}
