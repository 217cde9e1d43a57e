package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig returns a config tuned so supervision tests finish quickly.
func fastConfig(name, command string) service.Config {
	cfg := service.Config{
		Name:          name,
		Command:       command,
		Restart:       service.RestartNever,
		StartTimeout:  3 * time.Second,
		StartDuration: 50 * time.Millisecond,
		StopGrace:     2 * time.Second,
		RestartDelay:  50 * time.Millisecond,
		MaxRestarts:   5,
		RestartWindow: time.Minute,
	}
	cfg.Normalize()
	return cfg
}

func newTestSupervisor(t *testing.T, cfg service.Config) (*Supervisor, *state.FileStore) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sup := New(Options{Config: cfg, Store: store, Logger: quietLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx, true)
	})
	return sup, store
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopLifecycle(t *testing.T) {
	requireUnix(t)
	sup, store := newTestSupervisor(t, fastConfig("web", "sleep 30"))
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := sup.Status()
	if st.Status != state.StatusRunning {
		t.Fatalf("expected running, got %s", st.Status)
	}
	if st.PID <= 0 || st.StartedAt == nil {
		t.Fatalf("running state incomplete: %+v", st)
	}

	// The running record was persisted before Start returned.
	onDisk, err := store.Load("web")
	if err != nil || onDisk == nil {
		t.Fatalf("Load after start: %v, %v", onDisk, err)
	}
	if onDisk.Status != state.StatusRunning || onDisk.PID != st.PID {
		t.Fatalf("persisted record mismatch: %+v", onDisk)
	}

	pid := st.PID
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st = sup.Status()
	if st.Status != state.StatusStopped || st.PID != 0 || st.StoppedAt == nil {
		t.Fatalf("stop did not settle the record: %+v", st)
	}
	if health.Alive(pid) {
		t.Fatalf("pid %d still alive after stop", pid)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, fastConfig("dup", "sleep 30"))
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	pid := sup.Status().PID

	err := sup.Start(ctx)
	if !errors.Is(err, service.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if got := sup.Status().PID; got != pid {
		t.Fatalf("second start replaced the process: pid %d -> %d", pid, got)
	}
}

func TestStopOnStoppedIsNoop(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, fastConfig("idle", "sleep 30"))

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped service: %v", err)
	}
	if st := sup.Status(); st.Status != state.StatusStopped {
		t.Fatalf("expected stopped, got %s", st.Status)
	}
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("flaky", "sh -c 'exit 7'")
	cfg.StartDuration = 300 * time.Millisecond
	sup, _ := newTestSupervisor(t, cfg)

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected start error for immediately exiting command")
	}
	if errors.Is(err, service.ErrStartupTimeout) {
		t.Fatalf("early exit misreported as timeout: %v", err)
	}
	if st := sup.Status(); st.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", st.Status)
	}
}

func TestStartupTimeoutOnUnreachableHealth(t *testing.T) {
	requireUnix(t)
	// Grab a port with no listener so the HTTP probe can never pass.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	cfg := fastConfig("deaf", "sleep 30")
	cfg.Type = service.TypeHTTP
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.HealthCheck = "/healthz"
	cfg.StartTimeout = 600 * time.Millisecond
	cfg.HealthTimeout = 100 * time.Millisecond
	sup, _ := newTestSupervisor(t, cfg)

	err = sup.Start(context.Background())
	if !errors.Is(err, service.ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	st := sup.Status()
	if st.Status != state.StatusFailed || st.PID != 0 {
		t.Fatalf("timeout did not settle to failed: %+v", st)
	}
}

func TestStartReadyOnFirstHealthSuccess(t *testing.T) {
	requireUnix(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	host, portStr, _ := net.SplitHostPort(ts.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := fastConfig("api", "sleep 30")
	cfg.Type = service.TypeHTTP
	cfg.Host = host
	cfg.Port = port
	cfg.HealthCheck = "/healthz"
	sup, _ := newTestSupervisor(t, cfg)

	began := time.Now()
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Readiness came from the first probe, not from waiting out StartTimeout.
	if took := time.Since(began); took > 2*time.Second {
		t.Fatalf("start took too long for a passing probe: %v", took)
	}
	if st := sup.Status(); st.Status != state.StatusRunning {
		t.Fatalf("expected running, got %s", st.Status)
	}
}

func TestOnFailureRestartsOncePerCrash(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("crashy", "sh -c 'sleep 0.2; exit 1'")
	cfg.Restart = service.RestartOnFailure
	sup, _ := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := sup.Status().PID

	var obs state.State
	waitFor(t, 5*time.Second, "first automatic restart", func() bool {
		obs = sup.Status()
		return obs.RestartCount >= 1 && obs.Status == state.StatusRunning
	})
	if obs.PID == first {
		t.Fatalf("restart kept the old pid %d", first)
	}
	if obs.RestartCount != 1 {
		t.Fatalf("expected exactly one restart after one crash, got %d", obs.RestartCount)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNeverPolicyLeavesCrashAsFailed(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("fatal", "sh -c 'sleep 0.15; exit 3'")
	cfg.Restart = service.RestartNever
	sup, _ := newTestSupervisor(t, cfg)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 3*time.Second, "crash to settle as failed", func() bool {
		return sup.Status().Status == state.StatusFailed
	})
	st := sup.Status()
	if st.RestartCount != 0 {
		t.Fatalf("never policy must not restart, count=%d", st.RestartCount)
	}
	if st.PID != 0 {
		t.Fatalf("failed record still claims pid %d", st.PID)
	}
}

func TestOnFailureIgnoresCleanExit(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("oneshot", "sh -c 'sleep 0.15'")
	cfg.Restart = service.RestartOnFailure
	sup, _ := newTestSupervisor(t, cfg)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 3*time.Second, "clean exit to settle as stopped", func() bool {
		return sup.Status().Status == state.StatusStopped
	})
	if st := sup.Status(); st.RestartCount != 0 {
		t.Fatalf("clean exit must not trigger on-failure restart, count=%d", st.RestartCount)
	}
}

func TestAlwaysPolicyRestartsCleanExit(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("loopy", "sh -c 'sleep 0.15'")
	cfg.Restart = service.RestartAlways
	sup, _ := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, "always policy relaunch", func() bool {
		st := sup.Status()
		return st.RestartCount >= 1 && st.Status == state.StatusRunning
	})
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWinsOverPendingRestart(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("racer", "sh -c 'sleep 0.1; exit 1'")
	cfg.Restart = service.RestartOnFailure
	cfg.RestartDelay = 2 * time.Second
	sup, _ := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 3*time.Second, "pending restart", func() bool {
		return sup.Status().Status == state.StatusRestarting
	})

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop during pending restart: %v", err)
	}
	if st := sup.Status(); st.Status != state.StatusStopped {
		t.Fatalf("expected stopped after stop-vs-restart race, got %s", st.Status)
	}

	// The cancelled restart must never fire.
	time.Sleep(300 * time.Millisecond)
	if st := sup.Status(); st.Status != state.StatusStopped || st.PID != 0 {
		t.Fatalf("restart resurrected a stopped service: %+v", st)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("thrash", "sh -c 'sleep 0.15; exit 1'")
	cfg.Restart = service.RestartAlways
	cfg.MaxRestarts = 2
	cfg.RestartDelay = 30 * time.Millisecond
	sup, _ := newTestSupervisor(t, cfg)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 10*time.Second, "budget exhaustion", func() bool {
		return sup.Status().Status == state.StatusFailed
	})
	if st := sup.Status(); st.RestartCount != 2 {
		t.Fatalf("expected 2 restarts before giving up, got %d", st.RestartCount)
	}
}

func TestExternalKillTriggersRestart(t *testing.T) {
	requireUnix(t)
	cfg := fastConfig("phoenix", "sleep 30")
	cfg.Restart = service.RestartAlways
	sup, _ := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := sup.Status().PID

	if err := syscall.Kill(first, syscall.SIGKILL); err != nil {
		t.Fatalf("external kill: %v", err)
	}
	waitFor(t, 5*time.Second, "relaunch with a new pid", func() bool {
		st := sup.Status()
		return st.Status == state.StatusRunning && st.PID != 0 && st.PID != first
	})
	if st := sup.Status(); st.RestartCount != 1 {
		t.Fatalf("expected restart count 1 after external kill, got %d", st.RestartCount)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConcurrentStartsOneWinner(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, fastConfig("once", "sleep 30"))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sup.Start(ctx)
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, service.ErrAlreadyRunning):
			already++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if ok != 1 || already != 1 {
		t.Fatalf("expected one winner and one ErrAlreadyRunning, got ok=%d already=%d", ok, already)
	}
	if st := sup.Status(); st.Status != state.StatusRunning {
		t.Fatalf("expected running, got %s", st.Status)
	}
}

func TestManualRestartGetsNewPid(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, fastConfig("fresh", "sleep 30"))
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := sup.Status().PID

	if err := sup.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st := sup.Status()
	if st.Status != state.StatusRunning || st.PID == first || st.PID == 0 {
		t.Fatalf("restart did not produce a fresh process: %+v", st)
	}
	if st.RestartCount != 0 {
		t.Fatalf("manual restart must reset the automatic restart count, got %d", st.RestartCount)
	}
}

func TestSeedHealsDeadRunningRecord(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := fastConfig("ghost", "sleep 30")

	stale := state.New(cfg)
	stale.Status = state.StatusRunning
	stale.PID = 999999999
	now := time.Now().UTC()
	stale.StartedAt = &now
	stale.UpdatedAt = now
	if err := store.Save(stale); err != nil {
		t.Fatalf("Save stale: %v", err)
	}

	sup := New(Options{Config: cfg, Store: store, Logger: quietLogger()})
	t.Cleanup(func() { _ = sup.Shutdown(context.Background(), true) })

	st := sup.Status()
	if st.Status != state.StatusStopped || st.PID != 0 {
		t.Fatalf("stale running record not healed: %+v", st)
	}
	onDisk, _ := store.Load("ghost")
	if onDisk == nil || onDisk.Status != state.StatusStopped {
		t.Fatalf("healed record not persisted: %+v", onDisk)
	}
}

func TestHistoryEventsForLifecycle(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := fastConfig("audited", "sleep 30")
	sup := New(Options{Config: cfg, Store: store, Logger: quietLogger(), Sinks: []history.Sink{sink}})
	t.Cleanup(func() { _ = sup.Shutdown(context.Background(), true) })
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	types := sink.types()
	if len(types) != 2 || types[0] != history.EventStart || types[1] != history.EventStop {
		t.Fatalf("expected [start stop] events, got %v", types)
	}
}

func TestShutdownStopsChild(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sup := New(Options{Config: fastConfig("ender", "sleep 30"), Store: store, Logger: quietLogger()})
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := sup.Status().PID

	if err := sup.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after shutdown")
	}
	waitFor(t, 3*time.Second, "child to die with shutdown", func() bool {
		return !health.Alive(pid)
	})

	if err := sup.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
