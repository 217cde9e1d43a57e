package manager

import (
	"context"
	"testing"
	"time"

	"github.com/loopwork/svcman/internal/health"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

func TestRecoverAdoptsLiveProcess(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := testConfig("survivor", "sleep 30")
	ctx := context.Background()

	// A detached manager plays the previous process that launched the
	// service and went away.
	prev, err := New(Options{Store: store, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New prev: %v", err)
	}
	if err := prev.Registry().Register(cfg); err != nil {
		t.Fatalf("Register prev: %v", err)
	}
	if err := prev.Start(ctx, "survivor"); err != nil {
		t.Fatalf("detached Start: %v", err)
	}
	launched, _ := store.Load("survivor")
	if launched == nil || !launched.Running() {
		t.Fatalf("no running record after detached start: %+v", launched)
	}
	t.Cleanup(func() {
		if health.Alive(launched.PID) {
			_ = prev.Stop(ctx, "survivor")
		}
	})

	next, err := New(Options{Store: store, Logger: quietLogger(), Supervise: true})
	if err != nil {
		t.Fatalf("New next: %v", err)
	}
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = next.Shutdown(c, true)
	})
	if err := next.Registry().Register(cfg); err != nil {
		t.Fatalf("Register next: %v", err)
	}
	if err := next.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	st, err := next.Status(ctx, "survivor")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running() || st.PID != launched.PID {
		t.Fatalf("adoption lost the process: %+v (launched pid %d)", st, launched.PID)
	}

	if err := next.Stop(ctx, "survivor"); err != nil {
		t.Fatalf("Stop adopted: %v", err)
	}
	if health.Alive(launched.PID) {
		t.Fatalf("adopted pid %d survived Stop", launched.PID)
	}
}

func TestRecoverRelaunchesAlwaysPolicy(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := testConfig("sticky", "sleep 30")
	cfg.Restart = service.RestartAlways

	dead := state.New(cfg)
	dead.Status = state.StatusRunning
	dead.PID = 999999999
	dead.UpdatedAt = time.Now().UTC()
	if err := store.Save(dead); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := New(Options{Store: store, Logger: quietLogger(), Supervise: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = m.Shutdown(c, true)
	})
	if err := m.Registry().Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := m.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st, _ := m.Status(ctx, "sticky")
	if !st.Running() || st.PID == 999999999 {
		t.Fatalf("always service not relaunched: %+v", st)
	}
}

func TestRecoverSettlesDeadNeverPolicy(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := testConfig("once", "sleep 30")

	dead := state.New(cfg)
	dead.Status = state.StatusRestarting
	dead.PID = 999999999
	dead.UpdatedAt = time.Now().UTC()
	if err := store.Save(dead); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := New(Options{Store: store, Logger: quietLogger(), Supervise: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Registry().Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	onDisk, _ := store.Load("once")
	if onDisk == nil || onDisk.Status != state.StatusStopped || onDisk.PID != 0 {
		t.Fatalf("stuck record not settled: %+v", onDisk)
	}
}

func TestCleanupStale(t *testing.T) {
	requireUnix(t)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	stale := state.New(testConfig("stale", "sleep 30"))
	stale.Status = state.StatusRunning
	stale.PID = 999999999
	stale.UpdatedAt = time.Now().UTC()
	if err := store.Save(stale); err != nil {
		t.Fatalf("Save stale: %v", err)
	}
	clean := state.New(testConfig("clean", "sleep 30"))
	clean.UpdatedAt = time.Now().UTC()
	if err := store.Save(clean); err != nil {
		t.Fatalf("Save clean: %v", err)
	}

	m, err := New(Options{Store: store, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	removed, err := m.CleanupStale(context.Background())
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected [stale], got %v", removed)
	}
	if st, _ := store.Load("stale"); st != nil {
		t.Fatalf("stale record survived cleanup: %+v", st)
	}
	if st, _ := store.Load("clean"); st == nil {
		t.Fatal("clean record was removed")
	}
}

func TestRemove(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t, true)
	ctx := context.Background()

	if err := m.Registry().Register(testConfig("tmp", "sleep 30")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Start(ctx, "tmp"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Remove(ctx, "tmp"); err == nil {
		t.Fatal("Remove must refuse a running service")
	}

	if err := m.Stop(ctx, "tmp"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Remove(ctx, "tmp"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Still registered, so status reports a fresh stopped record.
	st, err := m.Status(ctx, "tmp")
	if err != nil {
		t.Fatalf("Status after remove: %v", err)
	}
	if st.Status != state.StatusStopped || st.StoppedAt != nil {
		t.Fatalf("expected a fresh record, got %+v", st)
	}

	// Removing again is fine.
	if err := m.Remove(ctx, "tmp"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
