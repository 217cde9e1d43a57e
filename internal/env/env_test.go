package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func pairs(list []string) map[string]string {
	m := make(map[string]string, len(list))
	for _, kv := range list {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("SVCMAN_TEST_OS", "from-os")

	e := New()
	e.Set("SVCMAN_TEST_OS", "from-global")
	e.Set("ONLY_GLOBAL", "g")

	got := pairs(e.Merge([]string{"SVCMAN_TEST_OS=from-service", "ONLY_SERVICE=s"}))
	if got["SVCMAN_TEST_OS"] != "from-service" {
		t.Fatalf("per-service must win, got %q", got["SVCMAN_TEST_OS"])
	}
	if got["ONLY_GLOBAL"] != "g" || got["ONLY_SERVICE"] != "s" {
		t.Fatalf("layers lost values: %v", got)
	}
	if _, ok := got["PATH"]; !ok && os.Getenv("PATH") != "" {
		t.Fatal("OS base missing from merge")
	}
}

func TestMergeWithoutOS(t *testing.T) {
	t.Setenv("SVCMAN_TEST_LEAK", "leak")

	e := New()
	e.SetUseOS(false)
	e.Set("A", "1")
	got := pairs(e.Merge(nil))
	if _, ok := got["SVCMAN_TEST_LEAK"]; ok {
		t.Fatal("OS variable leaked with use_os_env disabled")
	}
	if got["A"] != "1" {
		t.Fatalf("global layer lost: %v", got)
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New()
	e.SetUseOS(false)
	e.Set("BASE", "/srv/app")
	got := pairs(e.Merge([]string{"DATA=${BASE}/data"}))
	if got["DATA"] != "/srv/app/data" {
		t.Fatalf("expansion failed: %q", got["DATA"])
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.env")
	content := "# comment\n\nexport PORT=9090\nNAME=\"quoted value\"\nEMPTY=\nbroken-line\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	e := New()
	e.SetUseOS(false)
	if err := e.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	got := pairs(e.Merge(nil))
	if got["PORT"] != "9090" {
		t.Fatalf("export prefix not handled: %v", got)
	}
	if got["NAME"] != "quoted value" {
		t.Fatalf("quotes not stripped: %q", got["NAME"])
	}
	if v, ok := got["EMPTY"]; !ok || v != "" {
		t.Fatalf("empty value lost: %v", got)
	}
	if _, ok := got["broken-line"]; ok {
		t.Fatal("line without = must be skipped")
	}
}

func TestLoadFileMissing(t *testing.T) {
	e := New()
	if err := e.LoadFile(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

// FuzzMerge ensures arbitrary global and per-service pairs never panic and
// always yield well-formed KEY=VALUE entries.
func FuzzMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=${Y}"), []byte("Y=${X}"))

	f.Fuzz(func(t *testing.T, globalB, perB []byte) {
		e := New()
		e.SetUseOS(false)
		for _, kv := range strings.Split(string(globalB), "\n") {
			if i := strings.IndexByte(kv, '='); i > 0 {
				e.Set(kv[:i], kv[i+1:])
			}
		}
		var per []string
		for _, kv := range strings.Split(string(perB), "\n") {
			if kv != "" {
				per = append(per, kv)
			}
		}
		for _, kv := range e.Merge(per) {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("malformed pair %q", kv)
			}
		}
	})
}
