package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loopwork/svcman/internal/config"
)

// daemonize re-execs the current binary as a detached serve process and
// returns in the parent once the child is off. The child runs the same
// command line minus the flags that only apply to the forking parent.
func (c *command) daemonize(f ServeFlags) error {
	// Fail on a broken config here, where the user can see it, instead of
	// in a detached child.
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	// #nosec 204
	cmd := exec.Command(exe, stripDaemonFlags(os.Args[1:])...)
	cmd.Stdin = nil
	if f.LogFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(f.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open daemon log: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}
	configureDaemonAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid

	pidFile := f.PIDFile
	if pidFile == "" {
		pidFile = cfg.Server.PIDFile
	}
	if pidFile != "" {
		if err := writePIDFile(pidFile, pid); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	_, _ = fmt.Fprintf(c.stdout, "daemon started with PID %d\n", pid)
	return nil
}

// stripDaemonFlags removes --daemonize, --logfile and --pidfile from the
// argument list so the child serves in the foreground.
func stripDaemonFlags(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		switch {
		case a == "--daemonize" || strings.HasPrefix(a, "--daemonize="):
			continue
		case a == "--logfile" || a == "--pidfile":
			skip = true
			continue
		case strings.HasPrefix(a, "--logfile=") || strings.HasPrefix(a, "--pidfile="):
			continue
		}
		out = append(out, a)
	}
	return out
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}
