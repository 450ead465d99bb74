//go:build !windows

package process

import (
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"
)

func ignoreTerm() { signal.Ignore(syscall.SIGTERM) }

func TestCommand_SetsProcessGroup(t *testing.T) {
	cmd := helperSpec(t, "sleep").command()
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}

func TestTerminate_ForceKillsAfterGrace(t *testing.T) {
	var seen lines
	p, err := Start(helperSpec(t, "stubborn"), Options{OnLine: seen.add})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(strings.Join(seen.snapshot(), ","), "ready") {
		if time.Now().After(deadline) {
			t.Fatalf("helper never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	start := time.Now()
	if err := p.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if el := time.Since(start); el < 200*time.Millisecond {
		t.Fatalf("kill happened before grace elapsed: %v", el)
	}
	if p.ExitCode() != -1 {
		t.Fatalf("expected signal exit (-1), got %d", p.ExitCode())
	}
}
