package verify

import (
	"context"
	"log/slog"
	"sync"
)

// Runner is a bounded pool of verification workers. The upsert handler
// submits subscription ids here so registration never blocks on the
// candidate endpoint's latency.
type Runner struct {
	verifier *Verifier
	jobs     chan string
	workers  int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewRunner(verifier *Verifier, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		verifier: verifier,
		jobs:     make(chan string, workers*16),
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the worker goroutines. They drain the jobs channel until
// it is closed or the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.logger.Info("verification runner started", "workers", r.workers)
}

// Submit schedules one verification attempt. Blocks only when the buffer is
// full, which bounds how much verification work can pile up.
func (r *Runner) Submit(subscriptionID string) {
	r.jobs <- subscriptionID
}

// Stop closes the jobs channel and waits for in-flight verifications.
func (r *Runner) Stop() {
	close(r.jobs)
	r.wg.Wait()
	r.logger.Info("verification runner stopped")
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()

	for id := range r.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			r.verifier.VerifySubscription(ctx, id)
		}
	}
}
