package service

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
)

// workQueue is a bounded queue of ids drained by a fixed set of workers.
// An id that is queued or being worked on is not queued again.
type workQueue struct {
	name string
	ch   chan uuid.UUID

	mu      sync.Mutex
	pending map[uuid.UUID]bool
}

func newWorkQueue(name string, size int) *workQueue {
	return &workQueue{name: name, ch: make(chan uuid.UUID, size), pending: map[uuid.UUID]bool{}}
}

// add queues id. It reports false when id is already pending or the queue is
// full; periodic sweeps pick such ids up later.
func (q *workQueue) add(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[id] {
		return false
	}
	select {
	case q.ch <- id:
		q.pending[id] = true
		return true
	default:
		log.Debug("Work queue full", "queue", q.name, "id", id)
		return false
	}
}

func (q *workQueue) done(id uuid.UUID) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// run starts n workers calling fn for each id until ctx ends, then waits
// for them to return.
func (q *workQueue) run(ctx context.Context, n int, fn func(context.Context, uuid.UUID)) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ch:
					fn(ctx, id)
					q.done(id)
				}
			}
		}()
	}
	wg.Wait()
}

// JobRunner executes one sync job.
type JobRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) (*model.SyncJob, error)
}

// Sweeper re-queues work that was persisted but not processed.
type Sweeper interface {
	Requeue(ctx context.Context)
}

// Scheduler owns the sync worker pool and the periodic maintenance loop.
type Scheduler struct {
	store       registrystore.SyncStore
	runner      JobRunner
	sweepers    []Sweeper
	queue       *workQueue
	workers     int
	interval    time.Duration
	staleAfter  time.Duration
	retryDelay  time.Duration
	maxAttempts int
	batchSize   int
}

// NewScheduler creates a scheduler from cfg. sweepers run on every tick.
func NewScheduler(cfg *config.Config, store registrystore.SyncStore, runner JobRunner, sweepers ...Sweeper) *Scheduler {
	s := &Scheduler{
		store:       store,
		runner:      runner,
		sweepers:    sweepers,
		workers:     cfg.SyncWorkers,
		interval:    cfg.SchedulerInterval,
		staleAfter:  cfg.JobStaleAfter,
		retryDelay:  cfg.RetryDelay,
		maxAttempts: cfg.MaxAttempts,
		batchSize:   100,
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 15 * time.Minute
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	s.queue = newWorkQueue("sync", s.workers*64)
	return s
}

// Dispatch queues a job for the worker pool.
func (s *Scheduler) Dispatch(jobID uuid.UUID) {
	s.queue.add(jobID)
}

// Start runs the workers and the maintenance loop. Returns when ctx is
// cancelled and every running job has checkpointed.
func (s *Scheduler) Start(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.queue.run(ctx, s.workers, s.runJob)
	}()

	s.Tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID uuid.UUID) {
	if _, err := s.runner.Run(ctx, jobID); err != nil {
		log.Error("Scheduler: sync job failed", "job", jobID, "err", err)
	}
}

// Tick re-dispatches runnable jobs, creates retries of partial jobs and
// runs the sweepers.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	jobs, err := s.store.ListRunnableSyncJobs(ctx, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		log.Error("Scheduler: list runnable jobs failed", "err", err)
	}
	for _, j := range jobs {
		s.Dispatch(j.ID)
	}

	retryable, err := s.store.ListRetryableSyncJobs(ctx, now.Add(-s.retryDelay), s.maxAttempts, s.batchSize)
	if err != nil {
		log.Error("Scheduler: list retryable jobs failed", "err", err)
	}
	for i := range retryable {
		s.retry(ctx, &retryable[i])
	}

	for _, sw := range s.sweepers {
		sw.Requeue(ctx)
	}
}

func (s *Scheduler) retry(ctx context.Context, prev *model.SyncJob) {
	marked, err := s.store.MarkSyncJobRetried(ctx, prev.ID)
	if err != nil {
		log.Error("Scheduler: mark job retried failed", "job", prev.ID, "err", err)
		return
	}
	if !marked {
		return
	}
	prevID := prev.ID
	job, created, err := s.store.CreateSyncJob(ctx, &model.SyncJob{
		TenantID:      prev.TenantID,
		RecordType:    prev.RecordType,
		RecordID:      prev.RecordID,
		Channel:       prev.Channel,
		CursorState:   prev.CursorState,
		TriggerReason: "retry",
		Attempt:       prev.Attempt + 1,
		RetryOf:       &prevID,
	})
	if err != nil {
		log.Error("Scheduler: create retry job failed", "job", prev.ID, "err", err)
		return
	}
	if created {
		log.Info("Retrying partial sync job", "job", job.ID, "retryOf", prev.ID, "attempt", job.Attempt)
	}
	s.Dispatch(job.ID)
}
