package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopwork/svcman/internal/service"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New(func(context.Context, string) error { return nil }, quietLogger())
	for _, bad := range []string{"hourly", "@every ", "@every -5s"} {
		if err := s.Add("j", bad); err == nil {
			t.Fatalf("expected error for schedule %q", bad)
		}
	}
	if err := s.Add("j", "@every 1s"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("j", "@every 2s"); err == nil {
		t.Fatal("duplicate job name must be rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 job, got %d", s.Len())
	}
}

func TestSchedulerFiresRepeatedly(t *testing.T) {
	var calls atomic.Int32
	s := New(func(_ context.Context, name string) error {
		if name != "tick" {
			t.Errorf("unexpected name %q", name)
		}
		calls.Add(1)
		return nil
	}, quietLogger())

	if err := s.Add("tick", "@every 30ms"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 runs, got %d", calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := New(func(context.Context, string) error {
		calls.Add(1)
		<-release
		return nil
	}, quietLogger())

	if err := s.Add("slow", "@every 25ms"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first run to begin, then let several periods pass while
	// it is still blocked. No further runs may start.
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("overlapping runs: %d", got)
	}

	close(release)
	s.Stop()
}

func TestSchedulerTreatsAlreadyRunningAsSkip(t *testing.T) {
	var calls atomic.Int32
	s := New(func(context.Context, string) error {
		calls.Add(1)
		return service.ErrAlreadyRunning
	}, quietLogger())

	if err := s.Add("busy", "@every 20ms"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("skipped runs must not wedge the loop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	s := New(func(context.Context, string) error { return nil }, quietLogger())
	if err := s.Add("j", "@every 1h"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second Start must fail")
	}
	if err := s.Add("late", "@every 1h"); err == nil {
		t.Fatal("Add after Start must fail")
	}
	s.Stop()
	s.Stop() // idempotent

	// Restartable after Stop.
	if err := s.Start(); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	s.Stop()
}
