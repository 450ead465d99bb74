package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of backend lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // process launched
	EventReady   EventType = "ready"   // first health probe succeeded
	EventExit    EventType = "exit"    // process exited
	EventRestart EventType = "restart" // restart scheduled after a crash
	EventFailed  EventType = "failed"  // restart budget exhausted
	EventStop    EventType = "stop"    // stopped on request
)

// Record is the backend snapshot attached to an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each sink write made by a Recorder.
const DefaultSendTimeout = 3 * time.Second

// Recorder fans an event out to every sink. A failing sink is logged and
// never blocks the others or the caller's state machine.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// Record sends e to all sinks concurrently and waits for them. A nil
// Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, s := range r.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "event", e.Type, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in process. Useful for tests and `status` output.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
