package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

// ErrClosed is returned for operations on a supervisor whose loop has ended.
var ErrClosed = errors.New("supervisor closed")

// Options carries one supervisor's collaborators. Config must be normalized
// (the registry does this on Register).
type Options struct {
	Config  service.Config
	Store   state.Store
	Checker *health.Checker
	Sinks   []history.Sink
	Logger  *slog.Logger

	// Env produces the child environment. Defaults to the parent environment
	// plus the config's env map.
	Env func(service.Config) []string

	// Stdout/Stderr override the child's log destinations for foreground
	// runs. When set, log files are not opened.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor drives one service through its lifecycle:
//
//	stopped -> starting -> running -> stopping -> stopped
//	                          \-> (exit) -> restarting -> starting
//	                                    \-> failed
//
// All transitions happen on a single run goroutine fed by a command channel,
// so operations on the same service serialize naturally. The mutex guards
// only the state record, which Status readers snapshot concurrently;
// everything else (cmd handle, exit channel, restart timer, log closers) is
// owned by the run goroutine.
type Supervisor struct {
	mu  sync.RWMutex
	cfg service.Config
	st  state.State

	store   state.Store
	checker *health.Checker
	sinks   []history.Sink
	logger  *slog.Logger
	envFn   func(service.Config) []string
	stdout  io.Writer
	stderr  io.Writer

	cmdChan  chan command
	doneChan chan struct{}

	// Owned by the run goroutine.
	cmd          *exec.Cmd
	closers      []io.Closer
	exitCh       chan error
	adopted      bool
	restartTimer *time.Timer
	recent       []time.Time
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionUpdate
	actionShutdown
)

type command struct {
	action    commandAction
	cfg       *service.Config
	stopChild bool
	reply     chan error
}

// New builds a supervisor for cfg, seeds its state from the store (adopting
// a still-live process recorded by a previous run) and starts the run loop.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:      opts.Config,
		store:    opts.Store,
		checker:  opts.Checker,
		sinks:    opts.Sinks,
		logger:   opts.Logger,
		envFn:    opts.Env,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	if s.checker == nil {
		s.checker = health.NewChecker()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.envFn == nil {
		s.envFn = defaultEnv
	}
	s.seedState()
	go s.run()
	return s
}

func defaultEnv(cfg service.Config) []string {
	return append(os.Environ(), cfg.EnvList()...)
}

// seedState recovers the persisted record. A record claiming a live process
// that really is the one we launched (same pid, same kernel start time) is
// adopted and supervised from here on; a record stuck in a transitional
// status with a dead pid is healed to stopped.
func (s *Supervisor) seedState() {
	st, err := s.store.Load(s.cfg.Name)
	if err != nil || st == nil {
		s.st = state.New(s.cfg)
		return
	}
	st.Config = s.cfg.Clone()
	s.st = *st

	if s.st.PID > 0 && health.AliveMatching(s.st.PID, s.st.ProcStartUnix) {
		s.adopted = true
		if s.st.Status != state.StatusRunning {
			s.st.Status = state.StatusRunning
			s.persistState()
		}
		return
	}

	switch s.st.Status {
	case state.StatusRunning, state.StatusStarting, state.StatusStopping, state.StatusRestarting:
		s.logger.Warn("service recorded as active but process is gone",
			"service", s.st.Name, "pid", s.st.PID, "status", s.st.Status)
		now := time.Now().UTC()
		s.st.Status = state.StatusStopped
		s.st.PID = 0
		s.st.ProcStartUnix = 0
		s.st.StoppedAt = &now
		s.st.Health = state.HealthUnknown
		s.persistState()
	}
}

// Name returns the supervised service's name.
func (s *Supervisor) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Name
}

// Config returns a clone of the current service config.
func (s *Supervisor) Config() service.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Status returns a snapshot of the service's state record.
func (s *Supervisor) Status() state.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.st
	st.Config = s.st.Config.Clone()
	return st
}

// Done is closed when the run loop has ended.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

// Start launches the service and blocks until it is ready, it failed, or ctx
// is cancelled. Starting a running service returns ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, command{action: actionStart})
}

// Stop terminates the service (SIGTERM, then SIGKILL after the configured
// grace) and blocks until it is down. Stopping a stopped service is a no-op;
// a stop racing a pending automatic restart cancels the restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, command{action: actionStop})
}

// Restart stops the service if running, then starts it fresh. The automatic
// restart budget and counter reset.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.send(ctx, command{action: actionRestart})
}

// UpdateConfig replaces the config used for the next launch and retunes the
// health ticker. The running process, if any, is not touched.
func (s *Supervisor) UpdateConfig(ctx context.Context, cfg service.Config) error {
	return s.send(ctx, command{action: actionUpdate, cfg: &cfg})
}

// Shutdown ends the run loop. With stopChild the service is stopped first;
// without it an adopted process is left running (a child of this process
// still holds our log pipes, so it is stopped regardless).
func (s *Supervisor) Shutdown(ctx context.Context, stopChild bool) error {
	return s.send(ctx, command{action: actionShutdown, stopChild: stopChild})
}

func (s *Supervisor) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.healthInterval())
	defer ticker.Stop()

	for {
		var restartCh <-chan time.Time
		if s.restartTimer != nil {
			restartCh = s.restartTimer.C
		}
		select {
		case cmd := <-s.cmdChan:
			if s.handleCommand(cmd) {
				return
			}
			ticker.Reset(s.healthInterval())
		case err := <-s.exitCh:
			s.handleExit(err)
		case <-restartCh:
			s.restartTimer = nil
			s.handleRestartDue()
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

func (s *Supervisor) healthInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.HealthInterval > 0 {
		return s.cfg.HealthInterval
	}
	return service.DefaultHealthInterval
}

// handleCommand dispatches one queued operation; true means shut down.
func (s *Supervisor) handleCommand(cmd command) bool {
	var err error
	shutdown := false
	switch cmd.action {
	case actionStart:
		err = s.handleStart()
	case actionStop:
		err = s.handleStop()
	case actionRestart:
		err = s.handleRestart()
	case actionUpdate:
		s.mu.Lock()
		s.cfg = cmd.cfg.Clone()
		s.st.Config = s.cfg.Clone()
		s.mu.Unlock()
		s.persistState()
	case actionShutdown:
		err = s.handleShutdownCmd(cmd.stopChild)
		shutdown = true
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
	return shutdown
}

func (s *Supervisor) handleStart() error {
	s.mu.RLock()
	status := s.st.Status
	pid := s.st.PID
	startUnix := s.st.ProcStartUnix
	name := s.cfg.Name
	s.mu.RUnlock()

	if status == state.StatusRunning {
		if s.cmd != nil || health.AliveMatching(pid, startUnix) {
			return fmt.Errorf("service %q: %w", name, service.ErrAlreadyRunning)
		}
		// The record lied: adopted process vanished between ticks.
		s.adopted = false
	}
	if s.restartTimer != nil {
		// Manual start takes over a pending automatic restart.
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.recent = nil
	return s.doStart(false)
}

// doStart spawns the child and walks it through the startup gate. On success
// the running state (pid, start times) is persisted before returning.
func (s *Supervisor) doStart(isRestart bool) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	s.setStatus(state.StatusStarting)
	s.persistState()

	began := time.Now()
	cmd, closers, err := launch(cfg, s.envFn(cfg), false, s.stdout, s.stderr)
	if err != nil {
		err = fmt.Errorf("service %q: failed to start: %w", cfg.Name, err)
		if !isRestart {
			s.finalizeExit(state.StatusFailed)
			s.emit(history.EventFailed, err.Error())
		}
		return err
	}
	pid := cmd.Process.Pid
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()
	s.cmd = cmd
	s.closers = closers
	s.exitCh = exitCh
	s.adopted = false

	s.logger.Info("service starting", "service", cfg.Name, "pid", pid, "command", cfg.Command)

	if err := startupGate(context.Background(), s.checker, cfg, pid, exitCh); err != nil {
		err = fmt.Errorf("service %q: %w", cfg.Name, err)
		s.logger.Error("service failed to start", "service", cfg.Name, "error", err)
		if !isRestart {
			s.finalizeExit(state.StatusFailed)
			s.emit(history.EventFailed, err.Error())
		} else {
			s.releaseChild()
		}
		return err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.st.PID = pid
	s.st.ProcStartUnix = health.StartTimeUnix(pid)
	s.st.StartedAt = &now
	s.st.StoppedAt = nil
	s.st.Health = state.HealthUnknown
	if !isRestart {
		s.st.RestartCount = 0
	}
	s.mu.Unlock()
	s.setStatus(state.StatusRunning)
	s.persistState()

	metrics.IncStart(cfg.Name)
	metrics.ObserveStartup(cfg.Name, time.Since(began).Seconds())
	if isRestart {
		s.emit(history.EventRestart, "")
	} else {
		s.emit(history.EventStart, "")
	}
	s.logger.Info("service running", "service", cfg.Name, "pid", pid)
	return nil
}

func (s *Supervisor) handleStop() error {
	if s.restartTimer != nil {
		// The process is already gone; cancelling the timer settles the race
		// in stop's favor.
		s.restartTimer.Stop()
		s.restartTimer = nil
		s.setStatus(state.StatusStopped)
		s.persistState()
		s.emit(history.EventStop, "restart cancelled by stop")
		metrics.IncStop(s.Name())
		return nil
	}

	s.mu.RLock()
	status := s.st.Status
	s.mu.RUnlock()
	if status != state.StatusRunning {
		return nil
	}
	return s.doStop()
}

func (s *Supervisor) doStop() error {
	s.mu.RLock()
	cfg := s.cfg
	pid := s.st.PID
	s.mu.RUnlock()

	s.setStatus(state.StatusStopping)
	s.persistState()
	s.logger.Info("service stopping", "service", cfg.Name, "pid", pid)

	if s.cmd == nil {
		// Adopted process: not our child, so poll instead of wait.
		_ = terminatePID(context.Background(), pid, cfg.StopGrace)
		s.adopted = false
	} else {
		_ = signalGroup(pid, syscall.SIGTERM)
		select {
		case <-s.exitCh:
		case <-time.After(cfg.StopGrace):
			s.logger.Warn("service ignored SIGTERM, killing", "service", cfg.Name, "pid", pid)
			_ = signalGroup(pid, syscall.SIGKILL)
			select {
			case <-s.exitCh:
			case <-time.After(reapGrace):
			}
		}
	}

	s.finalizeExit(state.StatusStopped)
	s.emit(history.EventStop, "")
	metrics.IncStop(cfg.Name)
	s.logger.Info("service stopped", "service", cfg.Name)
	return nil
}

func (s *Supervisor) handleRestart() error {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.RLock()
	running := s.st.Status == state.StatusRunning
	name := s.cfg.Name
	s.mu.RUnlock()

	if running {
		if err := s.doStop(); err != nil {
			return err
		}
	}
	s.recent = nil
	metrics.IncRestart(name)
	return s.doStart(false)
}

func (s *Supervisor) handleShutdownCmd(stopChild bool) error {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
		s.setStatus(state.StatusStopped)
		s.persistState()
	}
	s.mu.RLock()
	running := s.st.Status == state.StatusRunning
	s.mu.RUnlock()
	if !running {
		return nil
	}
	// A direct child writes its logs through our pipes and cannot outlive
	// us, so only adopted processes can be left behind.
	if stopChild || s.cmd != nil {
		return s.doStop()
	}
	return nil
}

// handleExit reacts to an unexpected child exit: record it, then apply the
// restart policy. An adopted process that vanished arrives here with a
// synthetic error since its real exit status is unknowable.
func (s *Supervisor) handleExit(exitErr error) {
	s.mu.RLock()
	cfg := s.cfg
	pid := s.st.PID
	s.mu.RUnlock()

	detail := "exit status 0"
	if exitErr != nil {
		detail = exitErr.Error()
	}
	abnormal := exitErr != nil
	if abnormal {
		s.logger.Warn("service exited unexpectedly", "service", cfg.Name, "pid", pid, "error", detail)
	} else {
		s.logger.Info("service exited", "service", cfg.Name, "pid", pid)
	}

	restart := cfg.Restart == service.RestartAlways ||
		(cfg.Restart == service.RestartOnFailure && abnormal)

	if !restart {
		if abnormal {
			s.finalizeExit(state.StatusFailed)
			s.emit(history.EventCrash, detail)
		} else {
			s.finalizeExit(state.StatusStopped)
			s.emit(history.EventStop, detail)
		}
		return
	}

	if abnormal {
		s.emit(history.EventCrash, detail)
	}
	s.scheduleRestart(detail)
}

// scheduleRestart arms the restart timer, or gives up with failed when the
// restart budget for the sliding window is spent.
func (s *Supervisor) scheduleRestart(detail string) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	now := time.Now()
	s.pruneRestartWindow(now, cfg.RestartWindow)
	if len(s.recent) >= cfg.MaxRestarts {
		s.logger.Error("service restarting too fast, giving up",
			"service", cfg.Name, "restarts", len(s.recent), "window", cfg.RestartWindow)
		s.finalizeExit(state.StatusFailed)
		s.emit(history.EventFailed,
			fmt.Sprintf("%d restarts within %s: %s", len(s.recent), cfg.RestartWindow, detail))
		return
	}
	s.recent = append(s.recent, now)

	s.releaseChild()
	stopped := now.UTC()
	s.mu.Lock()
	s.st.PID = 0
	s.st.ProcStartUnix = 0
	s.st.StoppedAt = &stopped
	s.st.RestartCount++
	restartCount := s.st.RestartCount
	s.mu.Unlock()
	s.setStatus(state.StatusRestarting)
	s.persistState()

	metrics.IncRestart(cfg.Name)
	s.logger.Info("service restart scheduled",
		"service", cfg.Name, "delay", cfg.RestartDelay, "restart_count", restartCount)
	s.restartTimer = time.NewTimer(cfg.RestartDelay)
}

func (s *Supervisor) handleRestartDue() {
	s.mu.RLock()
	status := s.st.Status
	s.mu.RUnlock()
	if status != state.StatusRestarting {
		return
	}
	if err := s.doStart(true); err != nil {
		// Counts against the same budget as a crash.
		s.scheduleRestart(err.Error())
	}
}

func (s *Supervisor) pruneRestartWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept
}

// checkHealth runs one periodic check while running, and doubles as exit
// detection for adopted processes that cmd.Wait cannot observe.
func (s *Supervisor) checkHealth() {
	s.mu.RLock()
	cfg := s.cfg
	pid := s.st.PID
	startUnix := s.st.ProcStartUnix
	running := s.st.Status == state.StatusRunning
	prev := s.st.Health
	s.mu.RUnlock()
	if !running {
		return
	}

	if s.adopted && !health.AliveMatching(pid, startUnix) {
		s.adopted = false
		s.handleExit(errors.New("process disappeared"))
		return
	}

	verdict, ts := s.checker.Check(context.Background(), cfg, pid)
	s.mu.Lock()
	s.st.Health = verdict
	s.st.LastHealthCheck = &ts
	s.mu.Unlock()
	s.persistState()
	metrics.IncHealthCheck(cfg.Name, verdict == state.HealthHealthy)

	if prev != verdict {
		if verdict == state.HealthHealthy {
			s.logger.Info("service healthy", "service", cfg.Name)
		} else {
			s.logger.Warn("service unhealthy", "service", cfg.Name, "pid", pid)
		}
	}
}

// releaseChild closes log writers and forgets the dead child's handles.
func (s *Supervisor) releaseChild() {
	closeAll(s.closers)
	s.closers = nil
	s.cmd = nil
	s.exitCh = nil
}

// finalizeExit settles the record after the child is gone.
func (s *Supervisor) finalizeExit(to state.Status) {
	s.releaseChild()
	now := time.Now().UTC()
	s.mu.Lock()
	s.st.PID = 0
	s.st.ProcStartUnix = 0
	s.st.StoppedAt = &now
	s.st.Health = state.HealthUnknown
	s.mu.Unlock()
	s.setStatus(to)
	s.persistState()
}

// setStatus transitions the state machine and mirrors it to metrics.
func (s *Supervisor) setStatus(to state.Status) {
	s.mu.Lock()
	from := s.st.Status
	s.st.Status = to
	name := s.st.Name
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(name, string(from), string(to))
	metrics.SetCurrentState(name, string(from), false)
	metrics.SetCurrentState(name, string(to), true)
}

// persistState saves the current record. Save failures are logged, never
// allowed to take down a running service.
func (s *Supervisor) persistState() {
	s.mu.Lock()
	s.st.UpdatedAt = time.Now().UTC()
	snapshot := s.st
	s.mu.Unlock()
	if err := s.store.Save(snapshot); err != nil {
		s.logger.Warn("failed to persist service state",
			"service", snapshot.Name, "error", err)
	}
}

// emit sends one history event to every sink, best effort.
func (s *Supervisor) emit(t history.EventType, detail string) {
	s.mu.RLock()
	sinks := s.sinks
	st := s.st
	s.mu.RUnlock()
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
