// Package scheduler runs registered periodic jobs, one goroutine per job.
// Jobs are injected as plain closures; the scheduler owns tickers, panic
// containment, and shutdown.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

// JobFunc is one tick of a periodic job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	fn       JobFunc
}

// period returns the interval for the next tick, spread by up to jitter so
// a fleet of processes does not sweep in lockstep.
func (j job) period() time.Duration {
	if j.jitter <= 0 {
		return j.interval
	}
	return j.interval + time.Duration(rand.Int63n(int64(j.jitter)))
}

// Scheduler drives the registered jobs. Register before Start; Start is
// idempotent and Stop waits for every job goroutine to exit.
type Scheduler struct {
	logger *logharbour.Logger

	mu      sync.Mutex
	jobs    []job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(lg *logharbour.Logger) *Scheduler {
	return &Scheduler{logger: lg}
}

// Register adds a periodic job. Registration after Start is rejected.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	return s.register(job{name: name, interval: interval, fn: fn})
}

// RegisterJittered adds a periodic job whose interval is stretched by a
// random amount up to jitter on every tick.
func (s *Scheduler) RegisterJittered(name string, interval, jitter time.Duration, fn JobFunc) error {
	return s.register(job{name: name, interval: interval, jitter: jitter, fn: fn})
}

func (s *Scheduler) register(j job) error {
	if j.interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler already started", j.name)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches one goroutine per registered job. Each job runs once
// immediately, then on its ticker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(runCtx, j)
	}
	s.logger.WithModule("scheduler").Info().LogActivity("scheduler started", map[string]any{
		"jobs": len(s.jobs),
	})
}

// Stop cancels all jobs and waits for them to finish their current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.WithModule("scheduler").Info().LogActivity("scheduler stopped", nil)
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	defer s.wg.Done()

	s.tick(ctx, j)

	timer := time.NewTimer(j.period())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, j)
			timer.Reset(j.period())
		}
	}
}

// tick runs one iteration. A panicking job is contained so it cannot take
// down the process or its sibling jobs.
func (s *Scheduler) tick(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithModule("scheduler").Error(fmt.Errorf("panic: %v", r)).LogActivity("job panicked", map[string]any{
				"job": j.name,
			})
		}
	}()
	if err := j.fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.WithModule("scheduler").Error(err).LogActivity("job failed", map[string]any{
			"job": j.name,
		})
	}
}
