package env

import (
	"strings"
	"testing"
)

func lookup(t *testing.T, kvs []string, key string) (string, bool) {
	t.Helper()
	for _, kv := range kvs {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func keyOf(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

func TestMerge_OverrideOrder(t *testing.T) {
	t.Setenv("JUDGE_ENV_BASE", "os")
	e := New().WithSet("JUDGE_ENV_BASE", "global").WithSet("JUDGE_ENV_G", "g")
	out := e.Merge([]string{"JUDGE_ENV_BASE=proc", "PYTHONUNBUFFERED=1", "=skip", "novalue"})

	if v, _ := lookup(t, out, "JUDGE_ENV_BASE"); v != "proc" {
		t.Fatalf("extra entries must win, got %q", v)
	}
	if v, _ := lookup(t, out, "JUDGE_ENV_G"); v != "g" {
		t.Fatalf("override missing, got %q", v)
	}
	if v, _ := lookup(t, out, "PYTHONUNBUFFERED"); v != "1" {
		t.Fatalf("PYTHONUNBUFFERED missing")
	}
	if _, ok := lookup(t, out, "novalue"); ok {
		t.Fatalf("malformed entry kept")
	}
	for i := 1; i < len(out); i++ {
		if keyOf(out[i-1]) > keyOf(out[i]) {
			t.Fatalf("output not sorted at %d: %q > %q", i, out[i-1], out[i])
		}
	}
}

func TestMerge_Expansion(t *testing.T) {
	e := New()
	e.Set("ROOT", "/srv/judge")
	out := e.Merge([]string{"DATA=${ROOT}/data", "KEEP=${UNKNOWN_JUDGE_VAR}"})
	if v, _ := lookup(t, out, "DATA"); v != "/srv/judge/data" {
		t.Fatalf("DATA=%q", v)
	}
	if v, _ := lookup(t, out, "KEEP"); v != "${UNKNOWN_JUDGE_VAR}" {
		t.Fatalf("unknown references must be left intact, got %q", v)
	}
}

func TestWithSet_DoesNotMutateReceiver(t *testing.T) {
	a := New()
	a.Set("A", "1")
	b := a.WithSet("B", "2")
	if _, ok := a.Var["B"]; ok {
		t.Fatalf("receiver mutated")
	}
	if b.Var["A"] != "1" || b.Var["B"] != "2" {
		t.Fatalf("copy incomplete: %v", b.Var)
	}
}
