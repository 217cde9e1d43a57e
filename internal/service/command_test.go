package service

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit shell
// invocation, we do not double-wrap it with another "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	c := Config{Name: "x", Command: "sh -c 'echo hi; sleep 1'"}
	cmd := c.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	c := Config{Name: "y", Command: "echo hi | wc -c"}
	cmd := c.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_DirectExec(t *testing.T) {
	requireUnix(t)
	c := Config{Name: "z", Command: "sleep 100"}
	cmd := c.BuildCommand()
	want := []string{"sleep", "100"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("argv: %#v", cmd.Args)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Fatalf("argv[%d]=%q want %q", i, cmd.Args[i], want[i])
		}
	}
}

func TestBuildCommand_Empty(t *testing.T) {
	requireUnix(t)
	c := Config{Name: "e"}
	cmd := c.BuildCommand()
	if cmd.Path != "/bin/true" {
		t.Fatalf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name   string
		cmdStr string
		shell  string
		after  string
		ok     bool
	}{
		{"single quotes", "sh -c 'echo hello'", "sh", "echo hello", true},
		{"double quotes", `sh -c "sleep 2"`, "sh", "sleep 2", true},
		{"absolute shell", "/bin/sh -c 'exit 1'", "/bin/sh", "exit 1", true},
		{"usr bin shell", "/usr/bin/sh -c 'true'", "/usr/bin/sh", "true", true},
		{"unquoted", "sh -c echo hello", "sh", "echo hello", true},
		{"leading whitespace", "  \tsh -c 'echo hi'", "sh", "echo hi", true},
		{"plain command", "echo hello", "", "", false},
		{"bash is not matched", "bash -c 'echo hi'", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, ok := parseExplicitShell(tt.cmdStr)
			if ok != tt.ok || shell != tt.shell || after != tt.after {
				t.Errorf("parseExplicitShell(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.cmdStr, shell, after, ok, tt.shell, tt.after, tt.ok)
			}
		})
	}
}
