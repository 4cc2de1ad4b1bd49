package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hookline/hookline/internal/queue"
)

// Task is one claimed job plus the queue it came from, so failure signalling
// goes back to the right retry policy.
type Task struct {
	Job    queue.Job
	Source *queue.Queue
}

// Pool manages a fixed number of worker goroutines that process delivery tasks.
type Pool struct {
	numWorkers int
	tasks      chan Task
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the tasks channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a task to the worker pool.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Stop closes the tasks channel and waits for all workers to finish.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.tasks {
		select {
		case <-ctx.Done():
			return
		default:
			p.deliverer.Deliver(ctx, task)
		}
	}
}
