// Package queue implements the durable at-least-once collection job queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/clock/system"
	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/id/uuid"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/telemetry"
)

// Sentinel errors surfaced to enqueue callers. Enqueue fails loudly rather
// than accepting work that can never run.
var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
	ErrJobNotFound = errors.New("job not found")
)

// Handler executes one job. The handle reports progress and doubles as the
// job's heartbeat; a handler that stops calling it long enough is treated as
// stalled.
type Handler func(ctx context.Context, job harvest.Job, h *Handle) (*harvest.CollectorResult, error)

// Config controls Queue behavior.
type Config struct {
	Depth             int
	MaxAttempts       int
	BackoffBase       time.Duration
	HeartbeatInterval time.Duration
	MaxJobDuration    time.Duration
	KeepCompleted     int
	KeepFailed        int
	Clock             harvest.Clock
	IDGen             harvest.IDGenerator
	Logger            *zap.Logger
}

const (
	defaultDepth         = 256
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 5 * time.Second
	defaultHeartbeat     = 30 * time.Second
	defaultMaxJob        = 5 * time.Minute
	defaultKeepCompleted = 100
	defaultKeepFailed    = 50
)

type jobRecord struct {
	job         harvest.Job
	heartbeat   time.Time
	attemptedAt time.Time
	stalledOnce bool
	cancel      context.CancelFunc
}

// Queue owns job lifecycle state. Jobs transition waiting -> active and end
// in exactly one of completed/failed; retries and stall requeues pass through
// waiting again.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	clock   harvest.Clock
	waiting chan string

	mu        sync.Mutex
	jobs      map[string]*jobRecord
	completed []string
	failed    []string
	subs      []chan Event
	closed    bool

	janitorOnce sync.Once
	stopCh      chan struct{}
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = defaultMaxJob
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = defaultKeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = defaultKeepFailed
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	if cfg.IDGen == nil {
		cfg.IDGen = uuid.New()
	}
	return &Queue{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "queue"),
		clock:   clock,
		waiting: make(chan string, cfg.Depth),
		jobs:    make(map[string]*jobRecord),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue accepts a payload, assigns an identity, and places the job in the
// waiting state. It never blocks on execution.
func (q *Queue) Enqueue(payload harvest.JobPayload) (harvest.Job, error) {
	if err := payload.Validate(); err != nil {
		return harvest.Job{}, fmt.Errorf("validate payload: %w", err)
	}
	id, err := q.newID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return harvest.Job{}, ErrQueueClosed
	}
	job := harvest.Job{
		ID:        id,
		Payload:   payload,
		State:     harvest.JobStateWaiting,
		Submitted: q.clock.Now(),
	}
	q.jobs[id] = &jobRecord{job: job}
	q.mu.Unlock()

	select {
	case q.waiting <- id:
		telemetry.JobEnqueued()
		return job, nil
	default:
		q.mu.Lock()
		delete(q.jobs, id)
		q.mu.Unlock()
		return harvest.Job{}, ErrQueueFull
	}
}

// RegisterWorker activates up to concurrency simultaneous executions of
// handler against waiting jobs and starts the stall janitor. Workers exit
// when ctx finishes.
func (q *Queue) RegisterWorker(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.runWorker(ctx, handler)
	}
	q.janitorOnce.Do(func() {
		go q.runJanitor(ctx)
	})
}

// GetJob returns a snapshot of the job's current state.
func (q *Queue) GetJob(id string) (harvest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return harvest.Job{}, ErrJobNotFound
	}
	return rec.job, nil
}

// ActiveCount reports how many jobs are currently executing.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.jobs {
		if rec.job.State == harvest.JobStateActive {
			n++
		}
	}
	return n
}

// Close stops accepting work and signals the janitor. In-flight jobs finish
// under their worker context.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()
	close(q.stopCh)
	for _, ch := range subs {
		close(ch)
	}
}

func (q *Queue) newID() (string, error) {
	id, err := q.cfg.IDGen.NewID()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) runWorker(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.waiting:
			q.execute(ctx, id, handler)
		}
	}
}

// execute runs one attempt. The attempt number captured at dispatch guards
// against a stalled attempt finishing after the janitor already
// re-dispositioned the job.
func (q *Queue) execute(ctx context.Context, id string, handler Handler) {
	q.mu.Lock()
	rec, ok := q.jobs[id]
	if !ok || rec.job.State != harvest.JobStateWaiting {
		q.mu.Unlock()
		return
	}
	now := q.clock.Now()
	rec.job.State = harvest.JobStateActive
	rec.job.Attempts++
	attempt := rec.job.Attempts
	if rec.job.Started == nil {
		started := now
		rec.job.Started = &started
	}
	rec.heartbeat = now
	rec.attemptedAt = now
	jobCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	job := rec.job
	q.mu.Unlock()

	telemetry.WorkerStarted()
	result, err := q.runHandler(jobCtx, job, handler)
	telemetry.WorkerFinished()
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok = q.jobs[id]
	if !ok || rec.job.State != harvest.JobStateActive || rec.job.Attempts != attempt {
		// The janitor stalled this attempt while it was running.
		return
	}
	rec.cancel = nil
	if err == nil {
		q.completeLocked(rec, result)
		return
	}
	q.logger.Warn("job attempt failed",
		zap.String("job_id", id),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	if attempt >= q.cfg.MaxAttempts {
		q.failLocked(rec, err.Error())
		return
	}
	rec.job.State = harvest.JobStateWaiting
	q.scheduleRetry(id, attempt)
}

// runHandler converts handler panics into errors so a single bad job cannot
// take down its worker.
func (q *Queue) runHandler(
	ctx context.Context,
	job harvest.Job,
	handler Handler,
) (result *harvest.CollectorResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, job, &Handle{q: q, id: job.ID})
}

func (q *Queue) scheduleRetry(id string, attempt int) {
	delay := q.cfg.BackoffBase * (1 << (attempt - 1))
	time.AfterFunc(delay, func() {
		select {
		case <-q.stopCh:
		case q.waiting <- id:
			telemetry.JobRetried()
		}
	})
}

func (q *Queue) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepStalled()
		}
	}
}

// sweepStalled detects active jobs whose handler stopped heartbeating or blew
// the wall-clock budget. A stalled job is requeued once, then failed.
func (q *Queue) sweepStalled() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, rec := range q.jobs {
		if rec.job.State != harvest.JobStateActive {
			continue
		}
		silent := now.Sub(rec.heartbeat) > 2*q.cfg.HeartbeatInterval
		overrun := now.Sub(rec.attemptedAt) > q.cfg.MaxJobDuration
		if !silent && !overrun {
			continue
		}
		if rec.cancel != nil {
			rec.cancel()
			rec.cancel = nil
		}
		rec.job.State = harvest.JobStateStalled
		telemetry.JobStalled()
		if rec.stalledOnce {
			q.failLocked(rec, "stalled twice without completing")
			continue
		}
		rec.stalledOnce = true
		rec.job.State = harvest.JobStateWaiting
		q.logger.Warn("requeueing stalled job", zap.String("job_id", id))
		select {
		case q.waiting <- id:
		default:
			q.failLocked(rec, "queue full while requeueing stalled job")
		}
	}
}

func (q *Queue) completeLocked(rec *jobRecord, result *harvest.CollectorResult) {
	now := q.clock.Now()
	rec.job.State = harvest.JobStateCompleted
	rec.job.Result = result
	rec.job.Progress = 100
	rec.job.Finished = &now
	q.completed = append(q.completed, rec.job.ID)
	q.pruneLocked(&q.completed, q.cfg.KeepCompleted)
	telemetry.JobFinished(string(harvest.JobStateCompleted))
	q.emitLocked(Event{Type: EventCompleted, Job: rec.job})
}

func (q *Queue) failLocked(rec *jobRecord, reason string) {
	now := q.clock.Now()
	rec.job.State = harvest.JobStateFailed
	rec.job.ErrorText = reason
	rec.job.Finished = &now
	q.failed = append(q.failed, rec.job.ID)
	q.pruneLocked(&q.failed, q.cfg.KeepFailed)
	telemetry.JobFinished(string(harvest.JobStateFailed))
	q.emitLocked(Event{Type: EventFailed, Job: rec.job})
}

func (q *Queue) pruneLocked(order *[]string, keep int) {
	for len(*order) > keep {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(q.jobs, oldest)
	}
}
