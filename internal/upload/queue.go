package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tubeworks/tubeup/internal/store"
)

// ErrQueueFull means the enqueue buffer is at capacity.
var ErrQueueFull = errors.New("upload: queue full")

// Queue accepts upload jobs and drives them through the Engine one at a
// time. Enqueue validates and persists, then returns immediately; the
// transfer happens on the consumer goroutine. Jobs interrupted by a
// crash are reset to pending and re-driven on the next Start.
type Queue struct {
	engine *Engine
	jobs   *store.JobStore
	logger *slog.Logger

	ch chan string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewQueue creates a Queue with the given buffer capacity.
func NewQueue(engine *Engine, jobs *store.JobStore, buffer int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	if buffer < 1 {
		buffer = 64
	}

	return &Queue{
		engine:  engine,
		jobs:    jobs,
		logger:  logger,
		ch:      make(chan string, buffer),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start resets stale jobs, re-enqueues everything pending, and launches
// the consumer. The consumer stops when ctx is canceled; Wait blocks
// until it has drained.
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.jobs.ResetStale(ctx); err != nil {
		return err
	}

	pending, err := q.jobs.List(ctx, store.JobPending, 0)
	if err != nil {
		return err
	}

	// Oldest first: List returns newest-first.
	for i := len(pending) - 1; i >= 0; i-- {
		select {
		case q.ch <- pending[i].ID:
		default:
			q.logger.Warn("queue full during startup re-enqueue",
				slog.String("job_id", pending[i].ID))
		}
	}

	q.wg.Add(1)

	go q.consume(ctx)

	return nil
}

// Enqueue validates the job, persists it as pending, and hands it to
// the consumer. Validation failures happen here, before any network
// traffic and before the job exists in the store.
func (q *Queue) Enqueue(ctx context.Context, job *store.Job) error {
	size, _, err := ValidateFile(job.FilePath, q.engine.cfg)
	if err != nil {
		return err
	}

	job.FileSize = size

	if job.FileName == "" {
		job.FileName = filepath.Base(job.FilePath)
	}

	if err := ValidateMetadata(job); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if err := q.jobs.Create(ctx, job); err != nil {
		return err
	}

	select {
	case q.ch <- job.ID:
	default:
		return fmt.Errorf("%w: job %s persisted but not scheduled", ErrQueueFull, job.ID)
	}

	return nil
}

// Cancel requests cancellation of a running job. The engine honors it
// at the next chunk boundary. Returns false when the job is not
// currently running.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.cancels[jobID]
	if !ok {
		return false
	}

	cancel()

	return true
}

// Wait blocks until the consumer goroutine has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			q.runOne(ctx, id)
		}
	}
}

func (q *Queue) runOne(ctx context.Context, id string) {
	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		q.logger.Error("loading queued job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	if job.Status != store.JobPending {
		q.logger.Warn("skipping job not in pending state",
			slog.String("job_id", id),
			slog.String("status", job.Status),
		)

		return
	}

	jobCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.cancels[id] = cancel
	q.mu.Unlock()

	defer func() {
		cancel()

		q.mu.Lock()
		delete(q.cancels, id)
		q.mu.Unlock()
	}()

	if err := q.engine.Run(jobCtx, job); err != nil {
		q.logger.Warn("job finished with error",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}
