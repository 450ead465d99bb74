package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds random-ish fields into a tiny TOML and ensures the
// loader and validator do not panic.
func FuzzLoadTOML(f *testing.F) {
	f.Add("local", 8000, "1s", "/bin/true")
	f.Add("remote", 0, "", "")
	f.Add("LOCAL", -1, "bogus", "rel/path")

	f.Fuzz(func(t *testing.T, mode string, port int, debounce string, exe string) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		var b strings.Builder
		b.WriteString("mode = \"" + clean(mode) + "\"\n")
		b.WriteString("[backend]\n")
		b.WriteString("port = " + strconv.Itoa(port) + "\n")
		b.WriteString("executable = \"" + clean(exe) + "\"\n")
		if debounce != "" {
			b.WriteString("[debounce]\n")
			b.WriteString("debounce = \"" + clean(debounce) + "\"\n")
		}
		p := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := Load(p)
		if err != nil {
			return
		}
		_ = cfg.Validate()
		_, _ = cfg.Launch()
		_ = cfg.ClientConfig()
	})
}
