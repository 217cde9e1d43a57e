// Package svcman embeds the service manager in other programs: register
// service definitions, drive their lifecycle, and optionally mount the
// HTTP control API or Prometheus metrics next to your own routes.
package svcman

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopwork/svcman/internal/config"
	"github.com/loopwork/svcman/internal/env"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/history/factory"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/registry"
	"github.com/loopwork/svcman/internal/scheduler"
	"github.com/loopwork/svcman/internal/server"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = service.Config

type RestartPolicy = service.RestartPolicy

const (
	RestartNever     = service.RestartNever
	RestartOnFailure = service.RestartOnFailure
	RestartAlways    = service.RestartAlways
)

type State = state.State

type Status = state.Status

type Health = state.Health

type Info = manager.Info

type HistorySink = history.Sink

type FileConfig = config.File

type ServerConfig = config.Server

// WatchEvent is one state change observed by Manager.Watch.
type WatchEvent = state.Event

// Sentinel errors surfaced by Manager operations.
var (
	ErrServiceNotFound = service.ErrServiceNotFound
	ErrAlreadyRunning  = service.ErrAlreadyRunning
)

// Manager is a thin facade over the internal manager for embedding.
type Manager struct{ inner *manager.Manager }

// Options configures an embedded manager. StateDir is required; the rest
// have working defaults.
type Options struct {
	// StateDir holds one JSON record per service.
	StateDir string
	// Supervise keeps started services under in-process supervision with
	// restart policies and health ticks. When false, children are
	// detached and outlive this process.
	Supervise bool
	// Env is extra KEY=VALUE pairs merged into every child environment.
	Env    []string
	Logger *slog.Logger
	Sinks  []HistorySink
}

func New(opts Options) (*Manager, error) {
	store, err := state.NewFileStore(opts.StateDir)
	if err != nil {
		return nil, err
	}
	genv := env.New()
	for _, kv := range opts.Env {
		if k, v, ok := splitKV(kv); ok {
			genv.Set(k, v)
		}
	}
	inner, err := manager.New(manager.Options{
		Store:     store,
		Registry:  registry.New(),
		Env:       genv,
		Logger:    opts.Logger,
		Sinks:     opts.Sinks,
		Supervise: opts.Supervise,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

func splitKV(kv string) (k, v string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}

// CommandNode declares services on a command tree; see Discover.
type CommandNode = registry.CommandNode

func (m *Manager) Register(cfg Config) error { return m.inner.Registry().Register(cfg) }

// Discover walks a command tree and registers every attached service.
func (m *Manager) Discover(root *CommandNode) error { return m.inner.Registry().Discover(root) }

func (m *Manager) Start(ctx context.Context, name string) error { return m.inner.Start(ctx, name) }
func (m *Manager) Stop(ctx context.Context, name string) error  { return m.inner.Stop(ctx, name) }
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.inner.Restart(ctx, name)
}
func (m *Manager) Status(ctx context.Context, name string) (State, error) {
	return m.inner.Status(ctx, name)
}
func (m *Manager) List(ctx context.Context) []State      { return m.inner.List(ctx) }
func (m *Manager) StartAll(ctx context.Context) error    { return m.inner.StartAll(ctx) }
func (m *Manager) StopAll(ctx context.Context) error     { return m.inner.StopAll(ctx) }
func (m *Manager) Recover(ctx context.Context) error     { return m.inner.Recover(ctx) }
func (m *Manager) Remove(ctx context.Context, name string) error {
	return m.inner.Remove(ctx, name)
}
func (m *Manager) CleanupStale(ctx context.Context) ([]string, error) {
	return m.inner.CleanupStale(ctx)
}
func (m *Manager) Info(ctx context.Context, name string) (Info, error) {
	return m.inner.Info(ctx, name)
}
func (m *Manager) Logs(ctx context.Context, name string, n int) (stdout, stderr []string, err error) {
	return m.inner.Logs(ctx, name, n)
}
func (m *Manager) Run(ctx context.Context, name string, stdout, stderr io.Writer) error {
	return m.inner.Run(ctx, name, stdout, stderr)
}

// Watch streams state changes until ctx is cancelled. The returned cleanup
// releases the watcher and drains its goroutine.
func (m *Manager) Watch(ctx context.Context) (<-chan WatchEvent, func() error, error) {
	ch, cleanup, err := m.inner.Watch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ch, cleanup, nil
}

// Shutdown ends supervision. With stopChildren every supervised process
// is stopped first; otherwise adopted children keep running.
func (m *Manager) Shutdown(ctx context.Context, stopChildren bool) error {
	return m.inner.Shutdown(ctx, stopChildren)
}

// Scheduler runs registered services on "@every <duration>" schedules.
type Scheduler struct{ inner *scheduler.Scheduler }

func NewScheduler(m *Manager, logger *slog.Logger) *Scheduler {
	run := func(ctx context.Context, name string) error { return m.Start(ctx, name) }
	return &Scheduler{inner: scheduler.New(run, logger)}
}

func (s *Scheduler) Add(name, schedule string) error { return s.inner.Add(name, schedule) }
func (s *Scheduler) Start() error                    { return s.inner.Start() }
func (s *Scheduler) Stop()                           { s.inner.Stop() }

// LoadConfig reads a TOML config file, resolving relative paths against
// its directory.
func LoadConfig(path string) (*FileConfig, error) { return config.Load(path) }

// NewHistorySink builds a lifecycle event sink from a DSN. Supported
// schemes are sqlite://, postgres://, clickhouse:// and opensearch://.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewServer starts the HTTP control API for an embedded manager on its
// own listener.
func NewServer(cfg ServerConfig, m *Manager, logger *slog.Logger) (*http.Server, error) {
	return server.NewServer(cfg, m.inner, logger)
}

// Handler returns the control API routes for mounting under basePath in
// an existing mux. An empty token disables authentication.
func Handler(m *Manager, basePath, token string) http.Handler {
	return server.NewRouter(m.inner, basePath, token).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// WaitStopped polls until the service is no longer running or ctx ends,
// convenient after Stop in detached mode.
func (m *Manager) WaitStopped(ctx context.Context, name string, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if !st.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
