package env

import (
	"strings"
	"testing"
)

// FuzzMerge feeds newline-separated KEY=VALUE lists through WithSet and Merge.
// Output must stay sorted KEY=VALUE pairs, and input without '$' must come
// out with no placeholder left.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("JUDGE_ROOT=/srv", "JUDGE_ROOT=${JUDGE_ROOT}/x")
	f.Add("X=$Y", "Y=${X}")
	f.Add("PYTHONUNBUFFERED=1", "PORT=8000\n=empty")

	f.Fuzz(func(t *testing.T, base, extra string) {
		e := New()
		for i, kv := range lines(base) {
			if i == 20 {
				break
			}
			if k, v, ok := strings.Cut(kv, "="); ok {
				e = e.WithSet(k, v)
			}
		}
		per := lines(extra)
		if len(per) > 20 {
			per = per[:20]
		}

		out := e.Merge(per)
		prev := ""
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair %q", kv)
			}
			if k < prev {
				t.Fatalf("unsorted: %q after %q", k, prev)
			}
			prev = k
		}
		if strings.ContainsRune(base+extra, '$') {
			return
		}
		for _, kv := range out {
			if strings.Contains(kv, "${") {
				t.Fatalf("placeholder left in %q", kv)
			}
		}
	})
}

func lines(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
