// Package worker runs the background maintenance cycles: score decay,
// promotion sweeps, arbitration dispatch, and archival.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is a named unit of periodic work.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Interval is the time between runs.
	Interval time.Duration

	// Run executes one cycle.
	Run func(ctx context.Context) error
}

// Scheduler runs registered jobs on their intervals. Each job runs in
// its own goroutine; a job never overlaps with itself because the next
// tick waits for the previous run to return.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    []Job
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start launches all registered jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(job)
	}
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(job)
		}
	}
}

func (s *Scheduler) runOnce(job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Abort the in-flight run if the scheduler is stopped mid-cycle.
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Str("job", job.Name).Msg("job cycle failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job cycle done")
}

// Drain stops ticking and waits for in-flight runs to finish, or for
// the context to expire, whichever comes first.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info().Msg("scheduler drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
