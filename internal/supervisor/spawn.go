package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/service"
)

// readyPollInterval is how often startup readiness re-probes a configured
// health check.
const readyPollInterval = 250 * time.Millisecond

// reapGrace bounds how long a kill path waits for the waiter to collect the
// exit status before giving up.
const reapGrace = 2 * time.Second

// launch builds, wires and starts the service command. Supervised children
// get rotating log writers and a dedicated process group; detached children
// get plain append files (fd passthrough, so the child keeps writing after
// this process exits) and their own session. The returned closers must be
// closed once the child is gone.
func launch(cfg service.Config, env []string, detached bool, stdout, stderr io.Writer) (*exec.Cmd, []io.Closer, error) {
	cmd := cfg.BuildCommand()
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd, detached)

	if cfg.Log.File.Dir != "" {
		_ = os.MkdirAll(cfg.Log.File.Dir, 0o750)
	}

	var closers []io.Closer
	switch {
	case stdout != nil || stderr != nil:
		// Caller-owned streams (foreground run).
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	case detached:
		outF, err := openSink(cfg.Log.StdoutPath(cfg.Name))
		if err != nil {
			return nil, nil, err
		}
		errF, err := openSink(cfg.Log.StderrPath(cfg.Name))
		if err != nil {
			_ = outF.Close()
			return nil, nil, err
		}
		cmd.Stdout = outF
		cmd.Stderr = errF
		closers = append(closers, outF, errF)
	default:
		outW, errW, err := cfg.Log.ProcessWriters(cfg.Name)
		if err != nil {
			return nil, nil, err
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		} else {
			null, err := openSink("")
			if err != nil {
				closeAll(closers)
				return nil, nil, err
			}
			cmd.Stdout = null
			closers = append(closers, null)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		} else {
			null, err := openSink("")
			if err != nil {
				closeAll(closers)
				return nil, nil, err
			}
			cmd.Stderr = null
			closers = append(closers, null)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	return cmd, closers, nil
}

// openSink opens path for appending, or the null device when path is empty.
// Plain *os.File descriptors are inherited by the child directly, with no
// pipe through this process.
func openSink(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o750)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// startupGate blocks until the freshly spawned child counts as started. With
// a configured health check, started means the first successful probe; without
// one it means staying alive for the config's start duration. The overall
// wait is bounded by the start timeout. On every failure path the child is
// dead (killed here or exited on its own) and its exit status has been
// collected, so the caller only finalizes state.
func startupGate(ctx context.Context, checker *health.Checker, cfg service.Config, pid int, exitCh <-chan error) error {
	gateCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	path, hasHTTP := cfg.HTTPHealthPath()
	probe, hasProbe := cfg.ProbeName()

	if !hasHTTP && !hasProbe {
		stay := cfg.StartDuration
		if stay <= 0 || stay > cfg.StartTimeout {
			stay = cfg.StartTimeout
		}
		select {
		case err := <-exitCh:
			return exitedDuringStartup(err)
		case <-time.After(stay):
			return nil
		case <-gateCtx.Done():
			return killAndClassify(ctx, cfg, pid, exitCh)
		}
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var ok bool
		if hasHTTP {
			ok = checker.CheckHTTP(gateCtx, cfg.Host, cfg.Port, path, cfg.HealthTimeout)
		} else {
			ok = checker.CheckProbe(gateCtx, probe, cfg.HealthTimeout)
		}
		if ok {
			return nil
		}
		select {
		case err := <-exitCh:
			return exitedDuringStartup(err)
		case <-gateCtx.Done():
			return killAndClassify(ctx, cfg, pid, exitCh)
		case <-ticker.C:
		}
	}
}

// killAndClassify tears down a child that missed its startup deadline and
// reports why the gate closed: caller cancellation or the timeout itself.
func killAndClassify(ctx context.Context, cfg service.Config, pid int, exitCh <-chan error) error {
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-exitCh:
	case <-time.After(reapGrace):
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("service %q not ready within %s: %w",
		cfg.Name, cfg.StartTimeout, service.ErrStartupTimeout)
}

func exitedDuringStartup(err error) error {
	if err != nil {
		return fmt.Errorf("exited during startup: %w", err)
	}
	return errors.New("exited during startup")
}
