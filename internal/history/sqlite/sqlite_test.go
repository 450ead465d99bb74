package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	ctx := context.Background()

	rec := history.Record{Name: "backend", PID: 4242, Port: 8000, State: "ready"}
	if err := sink.Send(ctx, history.Event{Type: history.EventReady, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	rec.State, rec.ExitCode, rec.Restarts, rec.Error = "restarting", 1, 1, "exit status 1"
	if err := sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("send exit: %v", err)
	}

	evs, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d", len(evs))
	}
	if evs[0].Type != history.EventExit || evs[0].Record.Error != "exit status 1" || evs[0].Record.ExitCode != 1 {
		t.Errorf("newest event = %+v", evs[0])
	}
	if evs[1].Type != history.EventReady || evs[1].Record.Error != "" || evs[1].Record.PID != 4242 {
		t.Errorf("oldest event = %+v", evs[1])
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStart, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var n int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM backend_history").Scan(&n); err != nil || n != 1 {
		t.Fatalf("count = %d err = %v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
