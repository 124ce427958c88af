package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically re-drives failed work: ledger rows with remaining
// retry budget whose backoff delay has elapsed, and dead letter entries
// that are due for a retry (or were claimed by a manual retry). Jobs run
// on a bounded worker pool so a large backlog drains at a controlled
// rate.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	workers  int
	batch    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSweeper(e *Engine, interval time.Duration, workers, batch int) *Sweeper {
	return &Sweeper{
		engine:   e,
		interval: interval,
		workers:  workers,
		batch:    batch,
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op while a
// loop is running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	slog.Info("retry sweep started", "interval", s.interval, "workers", s.workers)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("retry sweep stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Sweep(ctx); err != nil {
				slog.Error("sweep pass failed", "error", err)
			}
		}
	}
}

// Sweep executes one retry pass and returns the number of entries
// processed without infrastructure error. Exposed so the CLI and tests
// can drive a pass without the background ticker.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.clock.Now()

	var jobs []func(context.Context) error

	letters, err := e.store.SweepCandidates(ctx, now, e.sweeper.batch)
	if err != nil {
		return 0, err
	}
	for _, d := range letters {
		d := d
		jobs = append(jobs, func(ctx context.Context) error {
			return e.retryDeadLetter(ctx, d)
		})
	}

	execs, err := e.store.FailedRetryCandidates(ctx, e.maxAttempts, e.sweeper.batch)
	if err != nil {
		return 0, err
	}
	for _, exec := range execs {
		exec := exec
		jobs = append(jobs, func(ctx context.Context) error {
			return e.retryFailedExecution(ctx, exec)
		})
	}

	if len(jobs) == 0 {
		return 0, nil
	}
	slog.Debug("sweep pass", "dead_letters", len(letters), "executions", len(execs))

	processed := e.runSweepJobs(ctx, jobs)
	return processed, nil
}

// runSweepJobs drains the job list on a bounded worker pool. One job's
// failure never aborts the pass; errors are logged and the job is picked
// up again on a later sweep.
func (e *Engine) runSweepJobs(ctx context.Context, jobs []func(context.Context) error) int {
	workers := e.sweeper.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	work := make(chan func(context.Context) error)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				if err := job(ctx); err != nil {
					slog.Error("sweep job failed", "error", err)
					continue
				}
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return processed
		case work <- job:
		}
	}
	close(work)
	wg.Wait()
	return processed
}
