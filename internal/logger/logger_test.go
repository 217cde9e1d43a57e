package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("demo")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "demo.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestProcessWriters_NoDestination(t *testing.T) {
	cfg := Config{}
	outW, errW, _ := cfg.ProcessWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir or explicit paths are set")
	}
}

func TestProcessWriters_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{
		StdoutPath: filepath.Join(dir, "x.log"),
		StderrPath: filepath.Join(dir, "y.log"),
	}}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack loggers")
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)

	cfg.File.MaxSizeMB = 1
	cfg.File.MaxBackups = 9
	cfg.File.MaxAgeDays = 11
	cfg.File.Compress = true
	outW, errW, _ = cfg.ProcessWriters("n")
	ol = outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("overrides not applied: %+v", ol)
	}
	if el = errW.(*lj.Logger); el.MaxSize != 1 {
		t.Fatalf("stderr overrides not applied: %+v", el)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestPaths(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: "/var/log/svc"}}
	if got := cfg.StdoutPath("api"); got != filepath.Join("/var/log/svc", "api.stdout.log") {
		t.Fatalf("stdout path: %q", got)
	}
	cfg = Config{File: FileConfig{StderrPath: "/tmp/e.log"}}
	if got := cfg.StderrPath("ignored"); got != "/tmp/e.log" {
		t.Fatalf("explicit stderr path: %q", got)
	}
	if got := (Config{}).StdoutPath("api"); got != "" {
		t.Fatalf("expected empty path, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
