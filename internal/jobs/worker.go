package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// ProgressReporter lets handlers publish phase/percent updates.
type ProgressReporter func(phase string, percent int)

// Handler executes one job kind. The returned result document is
// stored on success; an error triggers retry or terminal failure.
type Handler func(ctx context.Context, job *Job, report ProgressReporter) (any, error)

// WorkerOptions tunes the worker loop.
type WorkerOptions struct {
	// PollInterval bounds how stale a wakeup-less worker can be.
	PollInterval time.Duration
	// HeartbeatInterval must be well under the queue lease.
	HeartbeatInterval time.Duration
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// jobQueue is the slice of Queue the worker needs; split out so the
// loop is testable without Postgres.
type jobQueue interface {
	Dequeue(ctx context.Context) (*Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	Progress(ctx context.Context, jobID, phase string, percent int) error
	Complete(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID, message string) error
	IsCancelled(ctx context.Context, jobID string) bool
}

// Worker pulls jobs and dispatches them to registered handlers.
type Worker struct {
	queue    jobQueue
	handlers map[string]Handler
	opts     WorkerOptions
	log      *slog.Logger
	wake     chan struct{}
}

func NewWorker(queue jobQueue, opts WorkerOptions, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts.withDefaults(),
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a job kind. Not safe after Run starts.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Wake nudges the poll loop; called by the notification listener so
// enqueued jobs start without waiting out the poll interval.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs until the context ends.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.opts.Concurrency)

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("dequeue failed", "error", err)
			job = nil
		}

		if job == nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-w.wake:
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}()
	}
	wg.Wait()
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "kind", job.Kind, "project", job.Project, "attempt", job.Attempts)

	handler, ok := w.handlers[job.Kind]
	if !ok {
		log.Error("no handler for job kind")
		_ = w.queue.Fail(ctx, job.ID, "unknown job kind: "+job.Kind)
		return
	}

	// Cancellation is cooperative: a cancel request flips the row, the
	// heartbeat notices and aborts the handler's context.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if w.queue.IsCancelled(ctx, job.ID) {
					cancel()
					return
				}
				if err := w.queue.Heartbeat(ctx, job.ID); err != nil {
					log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	log.Info("job started")
	result, err := handler(jobCtx, job, func(phase string, percent int) {
		if err := w.queue.Progress(ctx, job.ID, phase, percent); err != nil {
			log.Warn("progress update failed", "error", err)
		}
	})
	cancel()
	<-hbDone

	switch {
	case err == nil:
		if cErr := w.queue.Complete(ctx, job.ID, result); cErr != nil {
			log.Error("completing job failed", "error", cErr)
			return
		}
		log.Info("job succeeded")
	case cerr.IsCancelled(err) || jobCtx.Err() != nil && ctx.Err() == nil:
		// Cancelled via the row; the row is already terminal.
		log.Info("job cancelled")
	default:
		log.Error("job failed", "error", err)
		if fErr := w.queue.Fail(ctx, job.ID, fmt.Sprintf("%v", err)); fErr != nil {
			log.Error("recording failure failed", "error", fErr)
		}
	}
}
