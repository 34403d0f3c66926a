package orchestrator

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
	"github.com/claimradar/harvester/internal/queue"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", g.n.Add(1)), nil
}

type fakeSourceStore struct {
	sources []harvest.Source
	listErr error
}

func (s *fakeSourceStore) GetSource(_ context.Context, name string) (*harvest.Source, error) {
	for i := range s.sources {
		if s.sources[i].Name == name {
			return &s.sources[i], nil
		}
	}
	return nil, nil
}

func (s *fakeSourceStore) ListSources(context.Context) ([]harvest.Source, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]harvest.Source, len(s.sources))
	copy(out, s.sources)
	return out, nil
}

func (s *fakeSourceStore) CreateSource(context.Context, harvest.Source) error { return nil }

func (s *fakeSourceStore) UpdateSourceLastChecked(context.Context, string, time.Time) error {
	return nil
}

func (s *fakeSourceStore) DeactivateSource(context.Context, string) error { return nil }

type fakeCaseStore struct {
	expired    int
	expireErr  error
	expireHits int
}

func (s *fakeCaseStore) FindByClaimURL(context.Context, string) (*harvest.Case, error) {
	return nil, nil
}

func (s *fakeCaseStore) FindBySourceURL(context.Context, string) (*harvest.Case, error) {
	return nil, nil
}

func (s *fakeCaseStore) FindSimilarByTitle(context.Context, string, bool) ([]harvest.Case, error) {
	return nil, nil
}

func (s *fakeCaseStore) GetRecentCases(context.Context, time.Duration) ([]harvest.Case, error) {
	return nil, nil
}

func (s *fakeCaseStore) UpsertCase(context.Context, harvest.Case) (string, error) {
	return "", errors.New("not used")
}

func (s *fakeCaseStore) MarkExpired(context.Context, time.Time) (int, error) {
	s.expireHits++
	return s.expired, s.expireErr
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Config{
		Depth: 32,
		IDGen: &seqIDGen{},
	})
	t.Cleanup(q.Close)
	return q
}

func activeSources(names ...string) []harvest.Source {
	var out []harvest.Source
	for _, name := range names {
		out = append(out, harvest.Source{
			Name:     name,
			Type:     harvest.SourceTypeWebSearch,
			IsActive: true,
		})
	}
	return out
}

func newTestOrchestrator(q *queue.Queue, sources *fakeSourceStore, cases *fakeCaseStore, tracker *PerformanceTracker, selector Selector) *Orchestrator {
	return New(q, sources, cases, tracker, selector, fixedClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}, Config{
		FallbackSource:    "web-search-default",
		TargetedThreshold: 0.5,
	}, nil)
}

func TestTrackerWindowIsBounded(t *testing.T) {
	t.Parallel()

	tracker := NewPerformanceTracker(20)
	for i := 0; i < 25; i++ {
		tracker.Record("web-search", PerformanceRecord{Succeeded: i >= 5})
	}
	stats := tracker.Stats("web-search")
	require.Equal(t, 20, stats.Samples)
	// The five oldest (failed) samples have been evicted.
	require.Equal(t, 1.0, stats.SuccessRate)
}

func TestTrackerStats(t *testing.T) {
	t.Parallel()

	tracker := NewPerformanceTracker(20)
	finished := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	tracker.Record("press", PerformanceRecord{Succeeded: true, Quality: 0.8, FinishedAt: finished})
	tracker.Record("press", PerformanceRecord{Succeeded: false})
	tracker.Record("press", PerformanceRecord{Succeeded: true, Quality: 0.6, FinishedAt: finished.Add(time.Hour)})

	stats := tracker.Stats("press")
	require.Equal(t, 3, stats.Samples)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	require.InDelta(t, 0.7, stats.AvgQuality, 1e-9)
	require.Equal(t, finished.Add(time.Hour), stats.LastSuccess)

	require.Zero(t, tracker.Stats("unknown").Samples)
}

func TestPriorityBlendsSuccessQualityRecency(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(testQueue(t), &fakeSourceStore{}, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyTargeted})
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// Never checked earns full recency credit.
	score := o.priority(SourceStats{SuccessRate: 1.0, AvgQuality: 1.0}, time.Time{}, now)
	require.InDelta(t, 1.0, score, 1e-9)

	// Checked half the cap ago earns half the recency weight.
	score = o.priority(SourceStats{SuccessRate: 0.5, AvgQuality: 0.0}, now.Add(-12*time.Hour), now)
	require.InDelta(t, 0.4*0.5+0.3*0.5, score, 1e-9)

	// Just checked earns none.
	score = o.priority(SourceStats{}, now, now)
	require.InDelta(t, 0.0, score, 1e-9)
}

func TestRunCycleAggressiveRunsEverySource(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	sources := &fakeSourceStore{sources: activeSources("web-search", "filings", "press")}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyAggressive})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyAggressive, result.Strategy)
	require.Len(t, result.JobIDs, 3)
	require.ElementsMatch(t, []string{"web-search", "filings", "press"}, result.Sources)

	for _, id := range result.JobIDs {
		job, err := q.GetJob(id)
		require.NoError(t, err)
		require.Equal(t, harvest.JobStateWaiting, job.State)
		require.Equal(t, harvest.PayloadRunSource, job.Payload.Kind)
		require.Equal(t, harvest.StrategyAggressive, job.Payload.Strategy)
	}
}

func TestRunCycleMaintenanceEnqueuesExactlyOneJob(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	sources := &fakeSourceStore{sources: activeSources("web-search", "filings", "press")}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyMaintenance})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 1)
}

func TestRunCycleTargetedFiltersByThreshold(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sources := &fakeSourceStore{sources: []harvest.Source{
		{Name: "healthy", Type: harvest.SourceTypeWebSearch, IsActive: true, LastCheckedAt: now.Add(-time.Hour)},
		{Name: "flaky", Type: harvest.SourceTypeWebSearch, IsActive: true, LastCheckedAt: now},
	}}
	tracker := NewPerformanceTracker(20)
	for i := 0; i < 10; i++ {
		tracker.Record("healthy", PerformanceRecord{Succeeded: true, Quality: 0.9})
		tracker.Record("flaky", PerformanceRecord{Succeeded: i == 0})
	}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, tracker, FixedSelector{Strategy: harvest.StrategyTargeted})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"healthy"}, result.Sources)
}

func TestRunCycleFallbackKeepsForwardProgress(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	// No sources at all; the cycle still enqueues the fallback.
	o := newTestOrchestrator(q, &fakeSourceStore{}, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyAggressive})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 1)
	require.Equal(t, []string{"web-search-default"}, result.Sources)
}

func TestRunCycleDegradesWhenListingFails(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	sources := &fakeSourceStore{listErr: errors.New("db offline")}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, NewPerformanceTracker(20), HeuristicSelector{TargetedThreshold: 0.5})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.StrategyTargeted, result.Strategy)
	require.Equal(t, []string{"web-search-default"}, result.Sources)
}

func TestRunCycleSweepsExpiredCases(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	cases := &fakeCaseStore{expired: 4}
	o := newTestOrchestrator(q, &fakeSourceStore{sources: activeSources("web-search")}, cases, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyAggressive})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, result.Expired)
	require.Equal(t, 1, cases.expireHits)

	// A sweep failure is tolerated.
	cases.expireErr = errors.New("db offline")
	result, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Expired)
}

func TestRunCycleExploratoryPrefersThinHistory(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	sources := &fakeSourceStore{sources: activeSources("veteran-a", "veteran-b", "veteran-c", "newcomer")}
	tracker := NewPerformanceTracker(20)
	for i := 0; i < 10; i++ {
		tracker.Record("veteran-a", PerformanceRecord{Succeeded: true})
		tracker.Record("veteran-b", PerformanceRecord{Succeeded: true})
		tracker.Record("veteran-c", PerformanceRecord{Succeeded: true})
	}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, tracker, FixedSelector{Strategy: harvest.StrategyExploratory})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Sources, 3)
	require.Contains(t, result.Sources, "newcomer")
}

func TestHeuristicSelector(t *testing.T) {
	t.Parallel()

	sel := HeuristicSelector{TargetedThreshold: 0.5}
	sources := activeSources("web-search")

	monday := func(hour int) time.Time {
		return time.Date(2026, 3, 16, hour, 0, 0, 0, time.UTC)
	}

	healthy := NewPerformanceTracker(20)
	healthy.Record("web-search", PerformanceRecord{Succeeded: true})

	weak := NewPerformanceTracker(20)
	weak.Record("web-search", PerformanceRecord{Succeeded: false})

	require.Equal(t, harvest.StrategyMaintenance, sel.Select(monday(3), healthy, sources))
	require.Equal(t, harvest.StrategyExploratory, sel.Select(monday(7), healthy, sources))
	require.Equal(t, harvest.StrategyAggressive, sel.Select(monday(12), healthy, sources))
	require.Equal(t, harvest.StrategyTargeted, sel.Select(monday(12), weak, sources))

	saturday := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.Equal(t, harvest.StrategyExploratory, sel.Select(saturday, healthy, sources))

	// No history anywhere points to exploration.
	require.Equal(t, harvest.StrategyExploratory, sel.Select(monday(12), NewPerformanceTracker(20), sources))
}

func TestConsumeRecordsTerminalEvents(t *testing.T) {
	t.Parallel()

	tracker := NewPerformanceTracker(20)
	o := newTestOrchestrator(testQueue(t), &fakeSourceStore{}, &fakeCaseStore{}, tracker, FixedSelector{Strategy: harvest.StrategyTargeted})
	events := make(chan queue.Event, 4)
	finished := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	events <- queue.Event{Type: queue.EventCompleted, Job: harvest.Job{
		ID:       "job-001",
		Payload:  harvest.RunSourcePayload("web-search", ""),
		Result:   &harvest.CollectorResult{Source: "web-search", QualityScore: 0.9},
		Finished: &finished,
	}}
	events <- queue.Event{Type: queue.EventFailed, Job: harvest.Job{
		ID:      "job-002",
		Payload: harvest.RunSourcePayload("web-search", ""),
	}}
	// Aggregate runs carry no single source and are skipped.
	events <- queue.Event{Type: queue.EventCompleted, Job: harvest.Job{
		ID:      "job-003",
		Payload: harvest.RunAllPayload(""),
	}}
	close(events)

	o.Consume(events)

	stats := tracker.Stats("web-search")
	require.Equal(t, 2, stats.Samples)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	require.InDelta(t, 0.9, stats.AvgQuality, 1e-9)
	require.Equal(t, finished, stats.LastSuccess)
}

func TestTargetedThresholdBindsForFailingSource(t *testing.T) {
	t.Parallel()

	// A source that keeps failing but scores well per candidate must not
	// outrank the unit-range threshold on quality alone.
	tracker := NewPerformanceTracker(20)
	for i := 0; i < 5; i++ {
		tracker.Record("flaky", PerformanceRecord{Succeeded: false, Quality: 0.8})
	}
	q := testQueue(t)
	sources := &fakeSourceStore{sources: []harvest.Source{
		{Name: "flaky", Type: harvest.SourceTypeWebSearch, IsActive: true, LastCheckedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
	}}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, tracker, FixedSelector{Strategy: harvest.StrategyTargeted})

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	score := o.priority(tracker.Stats("flaky"), now, now)
	require.LessOrEqual(t, score, 1.0)
	require.Less(t, score, 0.5)

	// The just-checked failing source loses admission; the fallback runs.
	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"web-search-default"}, result.Sources)
}

func TestConsumeForcesFallbackAfterZeroYieldCycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := testQueue(t)
	sources := &fakeSourceStore{sources: activeSources("alpha", "beta")}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyAggressive})
	go o.Consume(q.Subscribe(8))

	var mu sync.Mutex
	var ran []string
	q.RegisterWorker(ctx, 1, func(_ context.Context, job harvest.Job, _ *queue.Handle) (*harvest.CollectorResult, error) {
		mu.Lock()
		ran = append(ran, job.Payload.Source)
		mu.Unlock()
		return &harvest.CollectorResult{Source: job.Payload.Source}, nil
	})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, name := range ran {
			if name == "web-search-default" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The forced run itself yields nothing and must not cascade.
	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) > 3
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestConsumeSkipsFallbackWhenCycleYields(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := testQueue(t)
	sources := &fakeSourceStore{sources: activeSources("alpha", "beta")}
	o := newTestOrchestrator(q, sources, &fakeCaseStore{}, NewPerformanceTracker(20), FixedSelector{Strategy: harvest.StrategyAggressive})
	go o.Consume(q.Subscribe(8))

	var mu sync.Mutex
	var ran []string
	q.RegisterWorker(ctx, 1, func(_ context.Context, job harvest.Job, _ *queue.Handle) (*harvest.CollectorResult, error) {
		mu.Lock()
		ran = append(ran, job.Payload.Source)
		mu.Unlock()
		return &harvest.CollectorResult{Source: job.Payload.Source, CasesFound: 1}, nil
	})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 2)

	require.Eventually(t, func() bool {
		for _, id := range result.JobIDs {
			job, err := q.GetJob(id)
			if err != nil || job.State != harvest.JobStateCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) > 2
	}, 300*time.Millisecond, 25*time.Millisecond)
}
