package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopwork/svcman/internal/service"
)

// RunFunc launches one run of a scheduled service, typically Manager.Start.
// Returning service.ErrAlreadyRunning means the previous run is still going
// and the tick is treated as skipped.
type RunFunc func(ctx context.Context, name string) error

// Scheduler fires periodic one-shot runs for services carrying an
// "@every <duration>" schedule. Runs never overlap: a tick arriving while
// the previous run attempt is still in flight is dropped, and the manager
// itself refuses to start a service whose process is still alive.
type Scheduler struct {
	run    RunFunc
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*job
	quit    chan struct{}
	started bool
	wg      sync.WaitGroup
}

type job struct {
	name    string
	period  time.Duration
	running atomic.Bool
}

func New(run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{run: run, logger: logger}
}

// Add registers a scheduled service. The schedule must be "@every <duration>".
func (s *Scheduler) Add(name, schedule string) error {
	period, err := service.ParseEvery(schedule)
	if err != nil {
		return fmt.Errorf("schedule for %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("schedule for %q already added", name)
		}
	}
	s.jobs = append(s.jobs, &job{name: name, period: period})
	return nil
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start launches one ticker loop per job. The first run fires after one full
// period. Call Stop to end the loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.quit = make(chan struct{})
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j, s.quit)
	}
	return nil
}

func (s *Scheduler) loop(j *job, quit chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				s.logger.Debug("skipping tick, previous run still active", "service", j.name)
				continue
			}
			// The start attempt can wait out a startup gate; run it off the
			// ticker goroutine so slow starts never delay later ticks.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				err := s.run(context.Background(), j.name)
				switch {
				case err == nil:
					s.logger.Info("scheduled run started", "service", j.name)
				case errors.Is(err, service.ErrAlreadyRunning):
					s.logger.Debug("scheduled run skipped, still running", "service", j.name)
				default:
					s.logger.Warn("scheduled run failed", "service", j.name, "error", err)
				}
			}()
		}
	}
}

// Stop ends all loops and waits for in-flight run attempts to return. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	quit := s.quit
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()
}
