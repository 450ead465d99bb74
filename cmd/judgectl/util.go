package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/orchestrator"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

// render writes v as json, yaml or, by default, through text.
func render[T any](c *command, v T, format string, text func(io.Writer, T)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch strings.ToLower(format) {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.out, string(b))
		return err
	case "yaml", "yml":
		enc := yaml.NewEncoder(c.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		text(c.out, v)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func verdictText(w io.Writer, v api.Verdict) {
	_, _ = fmt.Fprintf(w, "run %s: %s (confidence %.2f", v.RunID, strings.ToUpper(v.Verdict), v.Confidence)
	if v.JudgeCount > 0 {
		_, _ = fmt.Fprintf(w, ", %d judges", v.JudgeCount)
	}
	_, _ = fmt.Fprintln(w, ")")
	for _, x := range v.Violations {
		loc := x.File
		if x.Line > 0 {
			loc = fmt.Sprintf("%s:%d", x.File, x.Line)
		}
		_, _ = fmt.Fprintf(w, "  [%s] %s %s\n", x.Severity, loc, x.Message)
	}
	for _, r := range v.Recommendations {
		_, _ = fmt.Fprintf(w, "  - %s\n", r)
	}
}

func statusText(w io.Writer, s orchestrator.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, format string, args ...any) {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, fmt.Sprintf(format, args...))
	}
	row("mode", "%s", s.Mode)
	row("backend url", "%s", s.BaseURL)
	if s.TargetDir != "" {
		row("target", "%s", s.TargetDir)
	}
	if b := s.Backend; b != nil {
		row("backend", "%s (pid %d, port %d, restarts %d)", b.State, b.PID, b.Port, b.RestartCount)
		if b.LastError != "" {
			row("last error", "%s", b.LastError)
		}
	}
	row("channel", "%s (reconnect attempts %d)", s.Connection, s.ReconnectAttempts)
	d := s.Debounce
	row("pending", "%d files, %d deleted (debounce %s, bulk=%t)", d.Pending, d.Deleted, d.CurrentDebounce, d.Bulk)
	row("totals", "%d changes, %d triggers", d.TotalChanges, d.TotalTriggers)
	if s.ActiveRun != "" {
		row("active run", "%s", s.ActiveRun)
	}
	if st := s.LastStatus; st != nil {
		row("last status", "%s %s %.0f%%", st.Status, st.Phase, st.Progress*100)
	}
	if v := s.LastVerdict; v != nil {
		row("last verdict", "%s (%d violations)", v.Verdict, len(v.Violations))
	}
	if s.Halted != "" {
		row("halted", "%s", s.Halted)
	}
	_ = tw.Flush()
}
