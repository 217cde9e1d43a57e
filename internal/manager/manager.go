package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loopwork/svcman/internal/env"
	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/registry"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
	"github.com/loopwork/svcman/internal/supervisor"
)

// Options carries the manager's dependencies. Store is required; everything
// else has a usable default.
type Options struct {
	Store    state.Store
	Registry *registry.Registry
	Checker  *health.Checker
	Sinks    []history.Sink
	Logger   *slog.Logger
	Env      *env.Env
	// Log provides child log settings for services that configure none.
	Log logger.Config
	// Supervise keeps started services under in-process supervision
	// (restart policies, health ticks). When false, operations use the
	// one-shot detached path and children outlive this process.
	Supervise bool
}

// Manager is the façade over registry, supervisors and the state store. All
// lifecycle operations go through it; same-name operations serialize, while
// different names proceed in parallel.
type Manager struct {
	mu        sync.RWMutex
	registry  *registry.Registry
	store     state.Store
	checker   *health.Checker
	sinks     []history.Sink
	logger    *slog.Logger
	env       *env.Env
	logCfg    logger.Config
	supervise bool

	entries map[string]*supervisor.Supervisor
	locks   map[string]*sync.Mutex
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: state store is required")
	}
	m := &Manager{
		registry:  opts.Registry,
		store:     opts.Store,
		checker:   opts.Checker,
		sinks:     append([]history.Sink(nil), opts.Sinks...),
		logger:    opts.Logger,
		env:       opts.Env,
		logCfg:    opts.Log,
		supervise: opts.Supervise,
		entries:   make(map[string]*supervisor.Supervisor),
		locks:     make(map[string]*sync.Mutex),
	}
	if m.registry == nil {
		m.registry = registry.New()
	}
	if m.checker == nil {
		m.checker = health.NewChecker()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.env == nil {
		m.env = env.New()
	}
	return m, nil
}

// Registry exposes the service registry for registration and discovery.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// SetHistorySinks configures history sinks for subsequent operations.
// Passing no sinks clears the list. Supervisors already created keep the
// sinks they were constructed with.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// nameLock returns the mutex serializing operations on one service name.
func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) getSupervisor(name string) *supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name]
}

// ensureSupervisor returns the supervisor for cfg.Name, creating it when
// missing. An existing supervisor receives the (possibly updated) config.
func (m *Manager) ensureSupervisor(ctx context.Context, cfg service.Config) *supervisor.Supervisor {
	cfg = m.prepared(cfg)
	m.mu.Lock()
	sup := m.entries[cfg.Name]
	if sup == nil {
		sup = supervisor.New(m.supervisorOptions(cfg))
		m.entries[cfg.Name] = sup
		m.mu.Unlock()
		return sup
	}
	m.mu.Unlock()
	_ = sup.UpdateConfig(ctx, cfg)
	return sup
}

func (m *Manager) supervisorOptions(cfg service.Config) supervisor.Options {
	m.mu.RLock()
	sinks := append([]history.Sink(nil), m.sinks...)
	m.mu.RUnlock()
	return supervisor.Options{
		Config:  cfg,
		Store:   m.store,
		Checker: m.checker,
		Sinks:   sinks,
		Logger:  m.logger,
		Env:     m.mergedEnv,
	}
}

func (m *Manager) mergedEnv(cfg service.Config) []string {
	return m.env.Merge(cfg.EnvList())
}

// prepared normalizes a config and fills in global child log settings when
// the service declares none of its own.
func (m *Manager) prepared(cfg service.Config) service.Config {
	cfg = cfg.Clone()
	cfg.Normalize()
	f := cfg.Log.File
	if f.Dir == "" && f.StdoutPath == "" && f.StderrPath == "" {
		cfg.Log.File = m.logCfg.File
	}
	return cfg
}

// config resolves a service's configuration: the registry first, then the
// snapshot inside a persisted record, so stop and status keep working for
// services dropped from configuration.
func (m *Manager) config(name string) (service.Config, error) {
	if cfg, err := m.registry.Get(name); err == nil {
		return cfg, nil
	}
	if st, err := m.store.Load(name); err == nil && st != nil && st.Config.Name != "" {
		return st.Config.Clone(), nil
	}
	return service.Config{}, fmt.Errorf("service %q: %w", name, service.ErrServiceNotFound)
}

// Start launches a registered service. Starting a service whose process is
// already alive returns ErrAlreadyRunning without spawning a second copy.
func (m *Manager) Start(ctx context.Context, name string) error {
	cfg, err := m.registry.Get(name)
	if err != nil {
		return fmt.Errorf("service %q: %w", name, service.ErrServiceNotFound)
	}
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if m.supervise {
		return m.ensureSupervisor(ctx, cfg).Start(ctx)
	}
	_, err = supervisor.StartDetached(ctx, m.detachedOptions(cfg))
	return err
}

// Stop terminates a service's process and settles its record as stopped.
// Stopping a service that is not running is a no-op success.
func (m *Manager) Stop(ctx context.Context, name string) error {
	cfg, err := m.config(name)
	if err != nil {
		return err
	}
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if sup := m.getSupervisor(name); sup != nil {
		return sup.Stop(ctx)
	}
	st, err := m.store.Load(name)
	if err != nil || st == nil || !st.Running() {
		return nil
	}
	_, err = supervisor.StopDetached(ctx, m.detachedOptions(cfg), *st)
	return err
}

// Restart stops the service if running and starts it fresh.
func (m *Manager) Restart(ctx context.Context, name string) error {
	cfg, err := m.config(name)
	if err != nil {
		return err
	}
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if m.supervise {
		return m.ensureSupervisor(ctx, cfg).Restart(ctx)
	}
	opts := m.detachedOptions(cfg)
	if st, err := m.store.Load(name); err == nil && st != nil && st.Running() {
		if _, err := supervisor.StopDetached(ctx, opts, *st); err != nil {
			return err
		}
	}
	_, err = supervisor.StartDetached(ctx, opts)
	return err
}

func (m *Manager) detachedOptions(cfg service.Config) supervisor.Options {
	return m.supervisorOptions(m.prepared(cfg))
}

// Status returns the current record for a service. A persisted record that
// claims a running process nobody supervises is verified against the pid and
// healed to stopped when the process is gone.
func (m *Manager) Status(_ context.Context, name string) (state.State, error) {
	if sup := m.getSupervisor(name); sup != nil {
		return sup.Status(), nil
	}
	st, err := m.store.Load(name)
	if err == nil && st != nil {
		return m.healed(*st), nil
	}
	if cfg, rerr := m.registry.Get(name); rerr == nil {
		return state.New(cfg), nil
	}
	return state.State{}, fmt.Errorf("service %q: %w", name, service.ErrServiceNotFound)
}

// healed rewrites a running record whose process is dead: the service
// crashed or was killed outside supervision.
func (m *Manager) healed(st state.State) state.State {
	if !st.Running() || health.AliveMatching(st.PID, st.ProcStartUnix) {
		return st
	}
	m.logger.Warn("service recorded running but process is gone",
		"service", st.Name, "pid", st.PID)
	now := time.Now().UTC()
	st.Status = state.StatusStopped
	st.PID = 0
	st.ProcStartUnix = 0
	st.StoppedAt = &now
	st.Health = state.HealthUnknown
	st.UpdatedAt = now
	if err := m.store.Save(st); err != nil {
		m.logger.Warn("failed to persist healed state", "service", st.Name, "error", err)
	}
	return st
}

// List returns the current state of every known service, registered or
// recorded, sorted by name.
func (m *Manager) List(ctx context.Context) []state.State {
	names := make(map[string]struct{})
	for _, n := range m.registry.Names() {
		names[n] = struct{}{}
	}
	if records, err := m.store.List(); err == nil {
		for _, st := range records {
			names[st.Name] = struct{}{}
		}
	}
	m.mu.RLock()
	for n := range m.entries {
		names[n] = struct{}{}
	}
	m.mu.RUnlock()

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]state.State, 0, len(sorted))
	running := 0
	for _, n := range sorted {
		st, err := m.Status(ctx, n)
		if err != nil {
			continue
		}
		if st.Running() {
			running++
		}
		out = append(out, st)
	}
	metrics.SetRunning(running)
	return out
}

// Shutdown ends all supervision. With stopChildren every supervised process
// is stopped first; otherwise direct children are still stopped since they
// cannot outlive this process, while adopted ones keep running.
func (m *Manager) Shutdown(ctx context.Context, stopChildren bool) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*supervisor.Supervisor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(entries))
	for _, sup := range entries {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			if err := sup.Shutdown(ctx, stopChildren); err != nil && !errors.Is(err, supervisor.ErrClosed) {
				errCh <- err
			}
		}(sup)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
