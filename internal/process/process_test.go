package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const helperEnv = "JUDGE_PROCESS_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		fmt.Fprintln(os.Stdout, "listening on", os.Args[len(os.Args)-1])
		fmt.Fprintln(os.Stderr, "warming up")
		os.Exit(3)
	case "env":
		fmt.Println("PYTHONUNBUFFERED=" + os.Getenv("PYTHONUNBUFFERED"))
		fmt.Println("EXTRA=" + os.Getenv("EXTRA"))
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "orphan":
		// Leave a descendant holding both output pipes, then crash.
		child := exec.Command(os.Args[0], "-test.run=^$")
		child.Env = append(os.Environ(), helperEnv+"=linger")
		child.Stdout, child.Stderr = os.Stdout, os.Stderr
		if err := child.Start(); err != nil {
			os.Exit(5)
		}
		fmt.Println("spawned", child.Process.Pid)
		os.Exit(1)
	case "linger":
		time.Sleep(5 * time.Second)
		os.Exit(0)
	case "longline":
		fmt.Println(strings.Repeat("x", MaxLineBytes+4096))
		fmt.Println("after")
		fmt.Fprintln(os.Stderr, "still here")
		os.Exit(0)
	case "stubborn":
		ignoreTerm()
		fmt.Println("ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperSpec(t *testing.T, mode string) Spec {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return Spec{
		Name:       "backend",
		Executable: exe,
		Args:       []string{"-test.run=^$", "--port={port}"},
		WorkDir:    t.TempDir(),
		Env:        []string{helperEnv + "=" + mode},
		Port:       8123,
	}
}

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) add(s Stream, line string) {
	l.mu.Lock()
	l.got = append(l.got, string(s)+":"+line)
	l.mu.Unlock()
}

func (l *lines) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %v", p.PID(), d)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	exe, _ := os.Executable()
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"ok", Spec{Executable: exe, WorkDir: dir}, false},
		{"empty executable", Spec{WorkDir: dir}, true},
		{"missing executable", Spec{Executable: dir + "/nope", WorkDir: dir}, true},
		{"missing workdir", Spec{Executable: exe, WorkDir: dir + "/missing"}, true},
		{"workdir is a file", Spec{Executable: exe, WorkDir: exe}, true},
		{"unknown PATH binary", Spec{Executable: "judge-backend-definitely-missing"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("want ErrNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExpandedArgs(t *testing.T) {
	s := Spec{Args: []string{"-m", "uvicorn", "app:app", "--port", "{port}", "--bind=127.0.0.1:{port}"}, Port: 9001}
	got := strings.Join(s.ExpandedArgs(), " ")
	want := "-m uvicorn app:app --port 9001 --bind=127.0.0.1:9001"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if s.Args[4] != "{port}" {
		t.Fatalf("Args mutated")
	}
}

func TestStart_CapturesOutputAndExitCode(t *testing.T) {
	var out, errb bytes.Buffer
	var seen lines
	p, err := Start(helperSpec(t, "echo"), Options{Stdout: &out, Stderr: &errb, OnLine: seen.add})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, p, 10*time.Second)
	if p.ExitCode() != 3 {
		t.Fatalf("exit code = %d", p.ExitCode())
	}
	if p.Err() == nil {
		t.Fatalf("expected exit error")
	}
	if !strings.Contains(out.String(), "listening on --port=8123") {
		t.Fatalf("stdout sink = %q", out.String())
	}
	if errb.String() != "warming up\n" {
		t.Fatalf("stderr sink = %q", errb.String())
	}
	got := seen.snapshot()
	if len(got) != 2 {
		t.Fatalf("lines = %v", got)
	}
}

func TestStart_ExitSeenWhileDescendantHoldsPipes(t *testing.T) {
	var seen lines
	p, err := Start(helperSpec(t, "orphan"), Options{OnLine: seen.add})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, p, 2*time.Second)
	if p.ExitCode() != 1 {
		t.Fatalf("exit code = %d", p.ExitCode())
	}
	got := seen.snapshot()
	if len(got) == 0 || !strings.HasPrefix(got[0], "stdout:spawned") {
		t.Fatalf("lines = %v", got)
	}
}

func TestStart_LongLineIsTruncated(t *testing.T) {
	var seen lines
	p, err := Start(helperSpec(t, "longline"), Options{OnLine: seen.add})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, p, 10*time.Second)
	got := seen.snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d lines", len(got))
	}
	var long, rest []string
	for _, l := range got {
		if len(l) > 100 {
			long = append(long, l)
		} else {
			rest = append(rest, l)
		}
	}
	if len(long) != 1 || len(long[0]) != len("stdout:")+MaxLineBytes {
		t.Fatalf("long line not truncated to %d bytes", MaxLineBytes)
	}
	if len(rest) != 2 || !slices.Contains(rest, "stdout:after") || !slices.Contains(rest, "stderr:still here") {
		t.Fatalf("output after long line = %v", rest)
	}
}

func TestStart_Environment(t *testing.T) {
	spec := helperSpec(t, "env")
	spec.Env = append(spec.Env, "EXTRA=yes")
	var out bytes.Buffer
	p, err := Start(spec, Options{Stdout: &out})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, p, 10*time.Second)
	if p.ExitCode() != 0 || p.Err() != nil {
		t.Fatalf("exit = %d err = %v", p.ExitCode(), p.Err())
	}
	if !strings.Contains(out.String(), "PYTHONUNBUFFERED=1") || !strings.Contains(out.String(), "EXTRA=yes") {
		t.Fatalf("environment not passed: %q", out.String())
	}
}

func TestTerminate_Graceful(t *testing.T) {
	p, err := Start(helperSpec(t, "sleep"), Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := p.Terminate(5 * time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("process still running")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("graceful terminate took %v", time.Since(start))
	}
	// Idempotent.
	if err := p.Terminate(time.Second); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestUsage(t *testing.T) {
	p, err := Start(helperSpec(t, "sleep"), Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Terminate(time.Second) }()
	u, err := p.Usage()
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.RSSBytes == 0 {
		t.Fatalf("expected non-zero rss")
	}
}
