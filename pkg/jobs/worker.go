package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetscale/controller/internal/telemetry"
)

// Handler processes one job for one group. Handlers never need the full
// Job (only its group name matters to the downstream component); a
// non-nil error marks the job as failed for metrics purposes only, since
// retries=0 means it is never requeued within the tick that created it.
type Handler func(ctx context.Context, groupName string) error

// WorkerConfig tunes a Worker's concurrency and polling cadence.
type WorkerConfig struct {
	Concurrency     int
	DequeueBlockFor time.Duration
	ReapInterval    time.Duration
}

// Worker pulls jobs from a Queue with bounded concurrency, dispatching
// each to the Handler registered for its Type and enforcing the job's
// timeout. Any replica can run a Worker; the group lock each handler
// takes internally is what serializes same-group work across them.
type Worker struct {
	id       string
	queue    *Queue
	handlers map[Type]Handler
	cfg      WorkerConfig
	logger   *slog.Logger
}

// NewWorker creates a Worker. handlers must have an entry for every Type
// the Producer can create.
func NewWorker(queue *Queue, handlers map[Type]Handler, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{id: uuid.New().String(), queue: queue, handlers: handlers, cfg: cfg, logger: logger}
}

// Run dispatches jobs across cfg.Concurrency goroutines and runs a
// stall reaper alongside them, blocking until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-%d", w.id, i)
		go func() {
			defer wg.Done()
			w.loop(ctx, slot)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()

	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, slot, w.cfg.DequeueBlockFor)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			telemetry.QueueErrorTotal.Inc()
			w.logger.Warn("jobs: dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue // nothing waiting within the poll window
		}

		w.process(ctx, slot, *job)
	}
}

func (w *Worker) process(ctx context.Context, slot string, job Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Warn("jobs: no handler registered for job type", "type", job.Type)
		w.ack(ctx, slot, job)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	err := handler(jobCtx, job.GroupName)

	// removeOnSuccess and removeOnFailure both resolve to the same
	// removal: retries=0 means there is nothing left to do with this
	// job either way. The next tick creates a fresh one.
	w.ack(ctx, slot, job)

	if err != nil {
		telemetry.JobProcessFailureTotal.WithLabelValues(string(job.Type)).Inc()
		w.logger.Warn("jobs: job failed", "type", job.Type, "group", job.GroupName, "error", err)
		return
	}
	telemetry.JobProcessTotal.WithLabelValues(string(job.Type)).Inc()
}

func (w *Worker) ack(ctx context.Context, slot string, job Job) {
	if err := w.queue.Ack(ctx, slot, job); err != nil {
		telemetry.QueueErrorTotal.Inc()
		w.logger.Warn("jobs: ack failed", "error", err)
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReapStalled(ctx, time.Now())
			if err != nil {
				telemetry.QueueErrorTotal.Inc()
				w.logger.Warn("jobs: reaping stalled jobs failed", "error", err)
				continue
			}
			if n > 0 {
				telemetry.QueueStalledTotal.Add(float64(n))
				w.logger.Info("jobs: reaped stalled jobs", "count", n)
			}
		}
	}
}
