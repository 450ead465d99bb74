// Package health implements the single-shot liveness probe shared by the
// supervisor and the client.
package health

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Path is the backend liveness endpoint.
const Path = "/health"

// DefaultTimeout bounds a probe when the caller passes zero.
const DefaultTimeout = 5 * time.Second

// Probe issues GET baseURL+/health and reports whether it answered 2xx within
// timeout. Every failure collapses to false. header may be nil.
func Probe(ctx context.Context, hc *http.Client, baseURL string, timeout time.Duration, header http.Header) bool {
	if hc == nil {
		hc = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+Path, nil)
	if err != nil {
		return false
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
