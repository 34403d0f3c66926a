package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claimradar/harvester/internal/harvest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", g.n.Add(1)), nil
}

func newTestQueue(cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = newFakeClock()
	}
	if cfg.IDGen == nil {
		cfg.IDGen = &seqIDGen{}
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	return New(cfg)
}

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queue event")
		return Event{}
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	q := newTestQueue(Config{})
	_, err := q.Enqueue(harvest.JobPayload{Kind: harvest.PayloadRunSource})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires a source name")
}

func TestEnqueueFullQueue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(Config{Depth: 1})
	first, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)

	second, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Empty(t, second.ID)

	// The rejected job leaves no record behind.
	_, err = q.GetJob("job-002")
	require.ErrorIs(t, err, ErrJobNotFound)

	got, err := q.GetJob(first.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateWaiting, got.State)
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q := newTestQueue(Config{})
	q.Close()
	q.Close() // closing twice is safe

	_, err := q.Enqueue(harvest.RunAllPayload(""))
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestJobCompletes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(Config{})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(_ context.Context, job harvest.Job, h *Handle) (*harvest.CollectorResult, error) {
		h.Progress(50)
		return &harvest.CollectorResult{Source: job.Payload.Source, CasesFound: 7}, nil
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", harvest.StrategyTargeted))
	require.NoError(t, err)

	evt := waitForEvent(t, events)
	require.Equal(t, EventCompleted, evt.Type)
	require.Equal(t, submitted.ID, evt.Job.ID)

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateCompleted, got.State)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Result)
	require.Equal(t, 7, got.Result.CasesFound)
	require.NotNil(t, got.Finished)
}

func TestJobFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	q := newTestQueue(Config{MaxAttempts: 3})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(context.Context, harvest.Job, *Handle) (*harvest.CollectorResult, error) {
		attempts.Add(1)
		return nil, errors.New("endpoint unreachable")
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("press-releases", ""))
	require.NoError(t, err)

	evt := waitForEvent(t, events)
	require.Equal(t, EventFailed, evt.Type)
	require.EqualValues(t, 3, attempts.Load())

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateFailed, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Contains(t, got.ErrorText, "endpoint unreachable")
}

func TestJobSucceedsOnFinalAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	q := newTestQueue(Config{MaxAttempts: 3})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(context.Context, harvest.Job, *Handle) (*harvest.CollectorResult, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return &harvest.CollectorResult{CasesProcessed: 2}, nil
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)

	evt := waitForEvent(t, events)
	require.Equal(t, EventCompleted, evt.Type)

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateCompleted, got.State)
	require.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Result)
	require.Equal(t, 2, got.Result.CasesProcessed)
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const maxWorkers = 5
	const jobs = 10

	gate := make(chan struct{})
	started := make(chan struct{}, jobs)
	var peak atomic.Int64
	var running atomic.Int64

	q := newTestQueue(Config{Depth: jobs})
	events := q.Subscribe(jobs)
	q.RegisterWorker(ctx, maxWorkers, func(context.Context, harvest.Job, *Handle) (*harvest.CollectorResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		started <- struct{}{}
		<-gate
		running.Add(-1)
		return &harvest.CollectorResult{}, nil
	})

	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
		require.NoError(t, err)
	}

	// Exactly maxWorkers handlers start; the rest wait their turn.
	for i := 0; i < maxWorkers; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d handlers started", i)
		}
	}
	require.Equal(t, maxWorkers, q.ActiveCount())
	close(gate)

	for i := 0; i < jobs; i++ {
		waitForEvent(t, events)
	}
	require.LessOrEqual(t, peak.Load(), int64(maxWorkers))
}

func TestFIFODispatchOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string

	q := newTestQueue(Config{Depth: 8})
	events := q.Subscribe(8)
	q.RegisterWorker(ctx, 1, func(_ context.Context, job harvest.Job, _ *Handle) (*harvest.CollectorResult, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return &harvest.CollectorResult{}, nil
	})

	var want []string
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
		require.NoError(t, err)
		want = append(want, job.ID)
	}
	for i := 0; i < 5; i++ {
		waitForEvent(t, events)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, order)
}

func TestStalledJobRequeuedOnceThenCompletes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	var attempts atomic.Int64
	q := newTestQueue(Config{
		Clock:             clock,
		HeartbeatInterval: time.Minute,
		MaxJobDuration:    time.Hour,
	})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(jobCtx context.Context, _ harvest.Job, _ *Handle) (*harvest.CollectorResult, error) {
		if attempts.Add(1) == 1 {
			<-jobCtx.Done()
			return nil, jobCtx.Err()
		}
		return &harvest.CollectorResult{CasesFound: 1}, nil
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.GetJob(submitted.ID)
		return err == nil && job.State == harvest.JobStateActive
	}, 2*time.Second, 5*time.Millisecond)

	// Heartbeat silence past twice the interval marks the attempt stalled.
	clock.Advance(3 * time.Minute)
	q.sweepStalled()

	evt := waitForEvent(t, events)
	require.Equal(t, EventCompleted, evt.Type)
	require.EqualValues(t, 2, attempts.Load())

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateCompleted, got.State)
}

func TestHeartbeatBetweenCandidatesPreventsStall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	q := newTestQueue(Config{
		Clock:             clock,
		HeartbeatInterval: time.Minute,
		MaxJobDuration:    time.Hour,
	})
	events := q.Subscribe(4)

	// The handler works through three slow candidates, refreshing the
	// heartbeat before each one the way collectors do.
	step := make(chan struct{})
	beaten := make(chan struct{})
	q.RegisterWorker(ctx, 1, func(_ context.Context, _ harvest.Job, h *Handle) (*harvest.CollectorResult, error) {
		for i := 0; i < 3; i++ {
			<-step
			h.Heartbeat()
			beaten <- struct{}{}
		}
		return &harvest.CollectorResult{CasesFound: 1}, nil
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := q.GetJob(submitted.ID)
		return err == nil && job.State == harvest.JobStateActive
	}, 2*time.Second, 5*time.Millisecond)

	// Each candidate alone stays inside the silence budget; without the
	// per-candidate heartbeats the total would stall the run.
	for i := 0; i < 3; i++ {
		clock.Advance(90 * time.Second)
		step <- struct{}{}
		<-beaten
		q.sweepStalled()
	}

	evt := waitForEvent(t, events)
	require.Equal(t, EventCompleted, evt.Type)

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateCompleted, got.State)
	require.Equal(t, 1, got.Attempts)
}

func TestStalledTwiceFails(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	q := newTestQueue(Config{
		Clock:             clock,
		HeartbeatInterval: time.Minute,
		MaxJobDuration:    time.Hour,
	})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(jobCtx context.Context, _ harvest.Job, _ *Handle) (*harvest.CollectorResult, error) {
		<-jobCtx.Done()
		return nil, jobCtx.Err()
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)

	for sweep := 0; sweep < 2; sweep++ {
		require.Eventually(t, func() bool {
			job, err := q.GetJob(submitted.ID)
			return err == nil && job.State == harvest.JobStateActive
		}, 2*time.Second, 5*time.Millisecond)
		clock.Advance(3 * time.Minute)
		q.sweepStalled()
	}

	evt := waitForEvent(t, events)
	require.Equal(t, EventFailed, evt.Type)

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStateFailed, got.State)
	require.Contains(t, got.ErrorText, "stalled twice")
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(Config{MaxAttempts: 1})
	events := q.Subscribe(4)
	q.RegisterWorker(ctx, 1, func(context.Context, harvest.Job, *Handle) (*harvest.CollectorResult, error) {
		panic("collector blew up")
	})

	submitted, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
	require.NoError(t, err)

	evt := waitForEvent(t, events)
	require.Equal(t, EventFailed, evt.Type)

	got, err := q.GetJob(submitted.ID)
	require.NoError(t, err)
	require.Contains(t, got.ErrorText, "collector blew up")
}

func TestCompletedRetention(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(Config{KeepCompleted: 2, KeepFailed: 1, Depth: 8})
	events := q.Subscribe(8)
	q.RegisterWorker(ctx, 1, func(context.Context, harvest.Job, *Handle) (*harvest.CollectorResult, error) {
		return &harvest.CollectorResult{}, nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(harvest.RunSourcePayload("web-search", ""))
		require.NoError(t, err)
		ids = append(ids, job.ID)
		waitForEvent(t, events)
	}

	// Only the two most recent completed jobs survive.
	_, err := q.GetJob(ids[0])
	require.ErrorIs(t, err, ErrJobNotFound)
	for _, id := range ids[1:] {
		_, err := q.GetJob(id)
		require.NoError(t, err)
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	t.Parallel()

	q := newTestQueue(Config{})
	q.Close()
	events := q.Subscribe(1)
	_, open := <-events
	require.False(t, open)
}
