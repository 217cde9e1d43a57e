package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

// Recover walks the persisted records after a daemon start: records whose
// process is still alive are adopted back under supervision; dead services
// with an always policy are relaunched; anything else stuck in an active
// status is settled to stopped. No-op when not supervising.
func (m *Manager) Recover(ctx context.Context) error {
	if !m.supervise {
		return nil
	}
	records, err := m.store.List()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	var errs []error
	for _, st := range records {
		l := m.nameLock(st.Name)
		l.Lock()
		if err := m.recoverOne(ctx, st); err != nil {
			errs = append(errs, err)
		}
		l.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) recoverOne(ctx context.Context, st state.State) error {
	if m.getSupervisor(st.Name) != nil {
		return nil
	}
	cfg, err := m.config(st.Name)
	if err != nil {
		// A record with no config anywhere cannot be supervised; leave it
		// for status to report and cleanup to collect.
		return nil
	}

	alive := st.PID > 0 && health.AliveMatching(st.PID, st.ProcStartUnix)
	switch {
	case st.Running() && alive:
		m.logger.Info("adopting running service", "service", st.Name, "pid", st.PID)
		m.ensureSupervisor(ctx, cfg)
		return nil
	case wasActive(st.Status) && !alive:
		if cfg.Restart == service.RestartAlways {
			m.logger.Info("relaunching service found dead", "service", st.Name)
			sup := m.ensureSupervisor(ctx, cfg)
			if err := sup.Start(ctx); err != nil && !errors.Is(err, service.ErrAlreadyRunning) {
				return fmt.Errorf("recover %q: %w", st.Name, err)
			}
			return nil
		}
		m.settleRecord(st)
		return nil
	default:
		return nil
	}
}

// wasActive reports whether a persisted status implies a process existed or
// was being produced when the previous manager went away.
func wasActive(s state.Status) bool {
	switch s {
	case state.StatusRunning, state.StatusStarting, state.StatusStopping, state.StatusRestarting:
		return true
	}
	return false
}

// settleRecord rewrites a record stuck in an active status to stopped.
func (m *Manager) settleRecord(st state.State) {
	m.logger.Warn("settling stale service record", "service", st.Name, "status", st.Status, "pid", st.PID)
	now := time.Now().UTC()
	st.Status = state.StatusStopped
	st.PID = 0
	st.ProcStartUnix = 0
	st.StoppedAt = &now
	st.Health = state.HealthUnknown
	st.UpdatedAt = now
	if err := m.store.Save(st); err != nil {
		m.logger.Warn("failed to persist settled record", "service", st.Name, "error", err)
	}
}

// Remove deletes the persisted record of a stopped service and releases its
// supervisor. Removing a running service is refused; removing an absent
// record succeeds.
func (m *Manager) Remove(ctx context.Context, name string) error {
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if sup := m.getSupervisor(name); sup != nil {
		if sup.Status().Running() {
			return fmt.Errorf("service %q is running, stop it first", name)
		}
		_ = sup.Shutdown(ctx, false)
		m.mu.Lock()
		delete(m.entries, name)
		m.mu.Unlock()
	}
	if st, err := m.store.Load(name); err == nil && st != nil {
		if st.Running() && health.AliveMatching(st.PID, st.ProcStartUnix) {
			return fmt.Errorf("service %q is running, stop it first", name)
		}
	}
	return m.store.Remove(name)
}

// CleanupStale removes state files that claim a running process whose pid is
// dead. Services under active supervision are skipped. Returns the names of
// removed records.
func (m *Manager) CleanupStale(_ context.Context) ([]string, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	var removed []string
	var errs []error
	for _, st := range records {
		if m.getSupervisor(st.Name) != nil {
			continue
		}
		if !st.Running() || health.AliveMatching(st.PID, st.ProcStartUnix) {
			continue
		}
		l := m.nameLock(st.Name)
		l.Lock()
		if err := m.store.Remove(st.Name); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %q: %w", st.Name, err))
		} else {
			removed = append(removed, st.Name)
			m.logger.Info("removed stale state record", "service", st.Name, "pid", st.PID)
		}
		l.Unlock()
	}
	return removed, errors.Join(errs...)
}
