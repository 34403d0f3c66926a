package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claimradar/harvester/internal/harvest"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type staticIDGen struct{}

func (staticIDGen) NewID() (string, error) { return "id-001", nil }

type fakeSourceStore struct {
	sources     map[string]harvest.Source
	created     []harvest.Source
	lastChecked map[string]time.Time
}

func newFakeSourceStore(sources ...harvest.Source) *fakeSourceStore {
	s := &fakeSourceStore{
		sources:     make(map[string]harvest.Source),
		lastChecked: make(map[string]time.Time),
	}
	for _, src := range sources {
		s.sources[src.Name] = src
	}
	return s
}

func (s *fakeSourceStore) GetSource(_ context.Context, name string) (*harvest.Source, error) {
	if src, ok := s.sources[name]; ok {
		return &src, nil
	}
	return nil, nil
}

func (s *fakeSourceStore) ListSources(context.Context) ([]harvest.Source, error) {
	var out []harvest.Source
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out, nil
}

func (s *fakeSourceStore) CreateSource(_ context.Context, src harvest.Source) error {
	s.sources[src.Name] = src
	s.created = append(s.created, src)
	return nil
}

func (s *fakeSourceStore) UpdateSourceLastChecked(_ context.Context, name string, checkedAt time.Time) error {
	s.lastChecked[name] = checkedAt
	return nil
}

func (s *fakeSourceStore) DeactivateSource(context.Context, string) error { return nil }

type scriptedCollector struct {
	name      harvest.SourceType
	result    harvest.CollectorResult
	collected []string
	monitors  []harvest.Monitor
}

func (c *scriptedCollector) Name() string { return string(c.name) }

func (c *scriptedCollector) Type() harvest.SourceType { return c.name }

func (c *scriptedCollector) Collect(_ context.Context, src harvest.Source, mon harvest.Monitor) harvest.CollectorResult {
	c.collected = append(c.collected, src.Name)
	c.monitors = append(c.monitors, mon)
	if mon != nil {
		mon.Heartbeat()
		mon.Progress(100)
	}
	result := c.result
	result.Source = src.Name
	result.SourceType = src.Type
	return result
}

func now() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func TestHandleRunSource(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore(harvest.Source{
		Name:     "web-search",
		Type:     harvest.SourceTypeWebSearch,
		IsActive: true,
	})
	coll := &scriptedCollector{
		name:   harvest.SourceTypeWebSearch,
		result: harvest.CollectorResult{CasesFound: 4, CasesProcessed: 2},
	}
	w := New(store, nil, fixedClock{now: now()}, staticIDGen{}, nil)
	w.Register(coll)

	job := harvest.Job{ID: "job-001", Payload: harvest.RunSourcePayload("web-search", "")}
	result, err := w.Handle(context.Background(), job, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 2, result.CasesProcessed)
	require.Equal(t, []string{"web-search"}, coll.collected)
	require.Len(t, coll.monitors, 1, "the job handle doubles as the collector's monitor")
	require.Equal(t, now(), store.lastChecked["web-search"])
}

func TestHandleUnknownSource(t *testing.T) {
	t.Parallel()

	w := New(newFakeSourceStore(), nil, fixedClock{now: now()}, staticIDGen{}, nil)
	job := harvest.Job{ID: "job-001", Payload: harvest.RunSourcePayload("nonexistent", "")}
	_, err := w.Handle(context.Background(), job, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown source "nonexistent"`)
}

func TestHandleSeedEarnsRecordOnFirstSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore()
	seeds := map[string]harvest.Source{
		"ftc-actions": {
			Name:     "ftc-actions",
			Type:     harvest.SourceTypeRegulatoryFiling,
			Endpoint: "https://agency.example.gov/actions",
		},
	}
	coll := &scriptedCollector{
		name:   harvest.SourceTypeRegulatoryFiling,
		result: harvest.CollectorResult{CasesFound: 1, CasesProcessed: 1},
	}
	w := New(store, seeds, fixedClock{now: now()}, staticIDGen{}, nil)
	w.Register(coll)

	job := harvest.Job{ID: "job-001", Payload: harvest.RunSourcePayload("ftc-actions", "")}
	_, err := w.Handle(context.Background(), job, nil)
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	created := store.created[0]
	require.Equal(t, "ftc-actions", created.Name)
	require.Equal(t, "id-001", created.ID)
	require.True(t, created.IsActive)
	require.Equal(t, now(), created.LastCheckedAt)
}

func TestHandleSeedWithoutSuccessStaysUnpersisted(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore()
	seeds := map[string]harvest.Source{
		"ftc-actions": {Name: "ftc-actions", Type: harvest.SourceTypeRegulatoryFiling},
	}
	coll := &scriptedCollector{
		name:   harvest.SourceTypeRegulatoryFiling,
		result: harvest.CollectorResult{CasesFound: 3, CasesProcessed: 0},
	}
	w := New(store, seeds, fixedClock{now: now()}, staticIDGen{}, nil)
	w.Register(coll)

	job := harvest.Job{ID: "job-001", Payload: harvest.RunSourcePayload("ftc-actions", "")}
	_, err := w.Handle(context.Background(), job, nil)
	require.NoError(t, err)
	require.Empty(t, store.created)
}

func TestHandleNoCollectorForType(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore(harvest.Source{
		Name: "press", Type: harvest.SourceTypePressRelease, IsActive: true,
	})
	w := New(store, nil, fixedClock{now: now()}, staticIDGen{}, nil)

	job := harvest.Job{ID: "job-001", Payload: harvest.RunSourcePayload("press", "")}
	_, err := w.Handle(context.Background(), job, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no collector registered")
}

func TestHandleRunAllAggregates(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore(
		harvest.Source{Name: "web-search", Type: harvest.SourceTypeWebSearch, IsActive: true},
		harvest.Source{Name: "press", Type: harvest.SourceTypePressRelease, IsActive: true},
		harvest.Source{Name: "retired", Type: harvest.SourceTypeWebSearch, IsActive: false},
	)
	webColl := &scriptedCollector{
		name:   harvest.SourceTypeWebSearch,
		result: harvest.CollectorResult{CasesFound: 4, CasesProcessed: 2, QualityScore: 0.8},
	}
	pressColl := &scriptedCollector{
		name:   harvest.SourceTypePressRelease,
		result: harvest.CollectorResult{CasesFound: 2, CasesProcessed: 1, QualityScore: 0.4},
	}
	w := New(store, nil, fixedClock{now: now()}, staticIDGen{}, nil)
	w.Register(webColl)
	w.Register(pressColl)

	job := harvest.Job{ID: "job-001", Payload: harvest.RunAllPayload("")}
	result, err := w.Handle(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, "all", result.Source)
	require.Equal(t, 6, result.CasesFound)
	require.Equal(t, 3, result.CasesProcessed)
	require.InDelta(t, 0.6, result.QualityScore, 1e-9)

	// The inactive source never ran.
	require.Equal(t, []string{"web-search"}, webColl.collected)
	require.Equal(t, []string{"press"}, pressColl.collected)
}

func TestHandleRunAllWithNoSources(t *testing.T) {
	t.Parallel()

	w := New(newFakeSourceStore(), nil, fixedClock{now: now()}, staticIDGen{}, nil)
	job := harvest.Job{ID: "job-001", Payload: harvest.RunAllPayload("")}
	_, err := w.Handle(context.Background(), job, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no active sources")
}

func TestHandleMonitorDispatchesLikeRunSource(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore(harvest.Source{
		Name: "web-search", Type: harvest.SourceTypeWebSearch, IsActive: true,
	})
	coll := &scriptedCollector{name: harvest.SourceTypeWebSearch}
	w := New(store, nil, fixedClock{now: now()}, staticIDGen{}, nil)
	w.Register(coll)

	job := harvest.Job{ID: "job-001", Payload: harvest.MonitorPayload("web-search", "hourly", "UTC")}
	_, err := w.Handle(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"web-search"}, coll.collected)
}

func TestHandleUnknownPayloadKind(t *testing.T) {
	t.Parallel()

	w := New(newFakeSourceStore(), nil, fixedClock{now: now()}, staticIDGen{}, nil)
	job := harvest.Job{ID: "job-001", Payload: harvest.JobPayload{Kind: "bogus"}}
	_, err := w.Handle(context.Background(), job, nil)
	require.Error(t, err)
	require.Equal(t, harvest.ErrQueue, harvest.Classify(err))
}

func TestKnownSource(t *testing.T) {
	t.Parallel()

	store := newFakeSourceStore(harvest.Source{Name: "stored", Type: harvest.SourceTypeWebSearch})
	seeds := map[string]harvest.Source{
		"seeded": {Name: "seeded", Type: harvest.SourceTypeWebSearch},
	}
	w := New(store, seeds, fixedClock{now: now()}, staticIDGen{}, nil)

	require.True(t, w.KnownSource(context.Background(), "stored"))
	require.True(t, w.KnownSource(context.Background(), "seeded"))
	require.False(t, w.KnownSource(context.Background(), "missing"))
}
