package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

// terminatePollInterval paces liveness polling while waiting out a stop grace
// on a process that is not our child.
const terminatePollInterval = 50 * time.Millisecond

// StartDetached launches the service in its own session, waits for readiness
// and persists the running record, then returns without supervising. The
// child writes straight to its log files and survives this process. This is
// the one-shot CLI path; restart policies only apply under a supervisor.
func StartDetached(ctx context.Context, opts Options) (state.State, error) {
	cfg := opts.Config
	store := opts.Store
	checker := opts.Checker
	if checker == nil {
		checker = health.NewChecker()
	}
	envFn := opts.Env
	if envFn == nil {
		envFn = defaultEnv
	}

	st := state.New(cfg)
	if prev, err := store.Load(cfg.Name); err == nil && prev != nil {
		st = *prev
		st.Config = cfg.Clone()
		if st.Running() && health.AliveMatching(st.PID, st.ProcStartUnix) {
			return st, fmt.Errorf("service %q: %w", cfg.Name, service.ErrAlreadyRunning)
		}
	}

	st.Status = state.StatusStarting
	st.UpdatedAt = time.Now().UTC()
	_ = store.Save(st)

	began := time.Now()
	cmd, closers, err := launch(cfg, envFn(cfg), true, nil, nil)
	if err != nil {
		st = settleFailure(store, st)
		return st, fmt.Errorf("service %q: failed to start: %w", cfg.Name, err)
	}
	pid := cmd.Process.Pid
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if err := startupGate(ctx, checker, cfg, pid, exitCh); err != nil {
		closeAll(closers)
		st = settleFailure(store, st)
		emitDetached(opts.Sinks, history.EventFailed, st, err.Error())
		return st, fmt.Errorf("service %q: %w", cfg.Name, err)
	}
	closeAll(closers)

	now := time.Now().UTC()
	st.Status = state.StatusRunning
	st.PID = pid
	st.ProcStartUnix = health.StartTimeUnix(pid)
	st.StartedAt = &now
	st.StoppedAt = nil
	st.Health = state.HealthUnknown
	st.RestartCount = 0
	st.UpdatedAt = now
	if err := store.Save(st); err != nil {
		return st, fmt.Errorf("service %q started (pid %d) but state save failed: %w",
			cfg.Name, pid, err)
	}

	metrics.IncStart(cfg.Name)
	metrics.ObserveStartup(cfg.Name, time.Since(began).Seconds())
	emitDetached(opts.Sinks, history.EventStart, st, "")
	return st, nil
}

// StopDetached terminates a service recorded by a previous process: SIGTERM
// to the group, poll up to the grace, escalate to SIGKILL. The stopped record
// is persisted before returning. Stopping a dead service is a no-op.
func StopDetached(ctx context.Context, opts Options, st state.State) (state.State, error) {
	grace := opts.Config.StopGrace
	if grace <= 0 {
		grace = service.DefaultStopGrace
	}

	if st.PID > 0 && health.AliveMatching(st.PID, st.ProcStartUnix) {
		if err := terminatePID(ctx, st.PID, grace); err != nil {
			return st, fmt.Errorf("service %q: %w", st.Name, err)
		}
	}

	now := time.Now().UTC()
	st.Status = state.StatusStopped
	st.PID = 0
	st.ProcStartUnix = 0
	st.StoppedAt = &now
	st.Health = state.HealthUnknown
	st.UpdatedAt = now
	if err := opts.Store.Save(st); err != nil {
		return st, fmt.Errorf("service %q stopped but state save failed: %w", st.Name, err)
	}
	metrics.IncStop(st.Name)
	emitDetached(opts.Sinks, history.EventStop, st, "")
	return st, nil
}

// terminatePID stops a process group we cannot cmd.Wait on by signalling and
// polling. Returns once the process is gone or was force killed.
func terminatePID(ctx context.Context, pid int, grace time.Duration) error {
	if !health.Alive(pid) {
		return nil
	}
	_ = signalGroup(pid, syscall.SIGTERM)

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(terminatePollInterval)
	defer ticker.Stop()
	for {
		if !health.Alive(pid) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			_ = signalGroup(pid, syscall.SIGKILL)
			waitGone(pid, reapGrace)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitGone(pid int, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !health.Alive(pid) {
			return
		}
		time.Sleep(terminatePollInterval)
	}
}

func settleFailure(store state.Store, st state.State) state.State {
	now := time.Now().UTC()
	st.Status = state.StatusFailed
	st.PID = 0
	st.ProcStartUnix = 0
	st.StoppedAt = &now
	st.Health = state.HealthUnknown
	st.UpdatedAt = now
	_ = store.Save(st)
	return st
}

func emitDetached(sinks []history.Sink, t history.EventType, st state.State, detail string) {
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Name:       st.Name,
		PID:        st.PID,
		Status:     string(st.Status),
		Detail:     detail,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range sinks {
		_ = sink.Send(ctx, evt)
	}
}
