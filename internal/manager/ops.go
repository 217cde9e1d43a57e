package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
	"github.com/loopwork/svcman/internal/supervisor"
)

// runPollInterval paces the foreground wait loop in Run.
const runPollInterval = 200 * time.Millisecond

// StartAll starts every registered service that is not on a schedule.
// Services already running do not fail the fanout.
func (m *Manager) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, cfg := range m.registry.List() {
		if cfg.Schedule != "" {
			continue
		}
		name := cfg.Name
		g.Go(func() error {
			if err := m.Start(ctx, name); err != nil && !errors.Is(err, service.ErrAlreadyRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every known service; stopped ones are no-ops.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, st := range m.List(ctx) {
		name := st.Name
		g.Go(func() error {
			return m.Stop(ctx, name)
		})
	}
	return g.Wait()
}

// Info is the detailed view of one service for status/info presentation.
type Info struct {
	State     state.State
	Uptime    time.Duration
	StdoutLog string
	StderrLog string
}

// Info returns the service's record plus derived details.
func (m *Manager) Info(ctx context.Context, name string) (Info, error) {
	st, err := m.Status(ctx, name)
	if err != nil {
		return Info{}, err
	}
	cfg, err := m.config(name)
	if err != nil {
		cfg = st.Config
	}
	lc := m.prepared(cfg).Log
	return Info{
		State:     st,
		Uptime:    st.Uptime(time.Now()),
		StdoutLog: lc.StdoutPath(name),
		StderrLog: lc.StderrPath(name),
	}, nil
}

// Logs returns the last n lines of the service's stdout and stderr logs.
// A log file that does not exist yet yields no lines rather than an error.
func (m *Manager) Logs(ctx context.Context, name string, n int) (stdout, stderr []string, err error) {
	info, err := m.Info(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if info.StdoutLog == "" && info.StderrLog == "" {
		return nil, nil, fmt.Errorf("service %q has no log files configured", name)
	}
	if info.StdoutLog != "" {
		if stdout, err = logger.Tail(info.StdoutLog, n); err != nil && !os.IsNotExist(err) {
			return nil, nil, err
		}
	}
	if info.StderrLog != "" {
		if stderr, err = logger.Tail(info.StderrLog, n); err != nil && !os.IsNotExist(err) {
			return nil, nil, err
		}
	}
	return stdout, stderr, nil
}

// Watch streams state record changes from the store until ctx is cancelled.
// The store must support change notification (the file store does); the
// returned cleanup releases the watcher.
func (m *Manager) Watch(ctx context.Context) (<-chan state.Event, state.CleanupFunc, error) {
	w, ok := m.store.(state.Watchable)
	if !ok {
		return nil, nil, errors.New("state store does not support watching")
	}
	return w.Watch(ctx)
}

// Run starts the service in the foreground, streaming its output to the
// given writers, and blocks until the process reaches a terminal state or
// ctx is cancelled (then the child is stopped first). Restart policies apply
// while Run is blocked.
func (m *Manager) Run(ctx context.Context, name string, stdout, stderr io.Writer) error {
	cfg, err := m.registry.Get(name)
	if err != nil {
		return fmt.Errorf("service %q: %w", name, service.ErrServiceNotFound)
	}
	cfg = m.prepared(cfg)

	l := m.nameLock(name)
	l.Lock()
	if prev := m.getSupervisor(name); prev != nil {
		if prev.Status().Running() {
			l.Unlock()
			return fmt.Errorf("service %q: %w", name, service.ErrAlreadyRunning)
		}
		_ = prev.Shutdown(ctx, false)
	}
	opts := m.supervisorOptions(cfg)
	opts.Stdout = stdout
	opts.Stderr = stderr
	sup := supervisor.New(opts)
	m.mu.Lock()
	m.entries[name] = sup
	m.mu.Unlock()
	l.Unlock()

	defer func() {
		m.mu.Lock()
		if m.entries[name] == sup {
			delete(m.entries, name)
		}
		m.mu.Unlock()
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
		defer cancel()
		_ = sup.Shutdown(shutCtx, true)
	}()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
			err := sup.Stop(stopCtx)
			cancel()
			return err
		case <-ticker.C:
			switch sup.Status().Status {
			case state.StatusStopped:
				return nil
			case state.StatusFailed:
				return fmt.Errorf("service %q failed", name)
			}
		}
	}
}
