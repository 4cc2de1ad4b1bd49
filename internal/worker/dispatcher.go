package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/queue"
)

// Dispatcher polls the delivery queues and feeds claimed jobs to the worker
// pool. The delivery queue is drained before the low-priority health-retry
// queue on every tick.
type Dispatcher struct {
	queues       []*queue.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(queues []*queue.Queue, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queues:       queues,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	for _, q := range d.queues {
		jobs, err := q.Claim(ctx, d.batchSize)
		if err != nil {
			d.logger.Error("failed to poll queue", "queue", q.Key(), "error", err)
			continue
		}
		for _, job := range jobs {
			d.pool.Submit(Task{Job: job, Source: q})
		}
	}
}
