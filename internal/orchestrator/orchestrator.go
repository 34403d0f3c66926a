// Package orchestrator plans collection cycles. Each cycle picks a strategy,
// scores the source catalog, admits a subset of sources, and enqueues one job
// per admitted source.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/queue"
	"github.com/claimradar/harvester/internal/telemetry"
)

// Config tunes cycle planning.
type Config struct {
	// FallbackSource is enqueued when admission selects nothing, so every
	// cycle makes forward progress.
	FallbackSource string
	// TargetedThreshold is the minimum priority score for admission under
	// the targeted strategy.
	TargetedThreshold float64
	// RecencyCap bounds the staleness credit in priority scoring.
	RecencyCap time.Duration
	// ExploratoryLimit caps how many low-history sources an exploratory
	// cycle admits.
	ExploratoryLimit int
}

// Orchestrator plans and enqueues collection cycles.
type Orchestrator struct {
	queue    *queue.Queue
	sources  harvest.SourceStore
	cases    harvest.CaseStore
	tracker  *PerformanceTracker
	selector Selector
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	watched map[string]*cycleWatch
}

// cycleWatch follows one cycle's jobs to their terminal states. When every
// job has finished and the cycle found no cases at all, the fallback source
// gets one forced run.
type cycleWatch struct {
	remaining int
	found     int
}

// New builds an Orchestrator.
func New(q *queue.Queue, sources harvest.SourceStore, cases harvest.CaseStore, tracker *PerformanceTracker, selector Selector, clock harvest.Clock, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.RecencyCap <= 0 {
		cfg.RecencyCap = 24 * time.Hour
	}
	if cfg.ExploratoryLimit <= 0 {
		cfg.ExploratoryLimit = 3
	}
	return &Orchestrator{
		queue:    q,
		sources:  sources,
		cases:    cases,
		tracker:  tracker,
		selector: selector,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.Component(logger, "orchestrator"),
		watched:  make(map[string]*cycleWatch),
	}
}

// CycleResult reports what one cycle enqueued.
type CycleResult struct {
	Strategy harvest.Strategy `json:"strategy"`
	JobIDs   []string         `json:"job_ids"`
	Sources  []string         `json:"sources"`
	Expired  int              `json:"expired_cases"`
}

// RunCycle plans one cycle and enqueues its jobs. A cycle always makes
// forward progress: when admission comes up empty the fallback source runs
// immediately, and a cycle whose jobs all finish without finding a single
// case triggers the fallback through Consume.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	start := o.clock.Now()
	strategy, candidates := o.plan(ctx, start)
	admitted := o.admit(strategy, candidates, start)

	forced := false
	if len(admitted) == 0 {
		o.logger.Warn("cycle admitted no sources, using fallback",
			zap.String("strategy", string(strategy)),
			zap.String("fallback", o.cfg.FallbackSource),
		)
		admitted = []scoredSource{{name: o.cfg.FallbackSource}}
		forced = true
	}

	result := CycleResult{Strategy: strategy}
	watch := &cycleWatch{}
	// Watch registration happens under the same lock as enqueueing so a job
	// finishing immediately still finds its cycle.
	o.mu.Lock()
	for _, src := range admitted {
		job, err := o.queue.Enqueue(harvest.RunSourcePayload(src.name, strategy))
		if err != nil {
			// A full or closed queue ends the cycle; jobs already
			// enqueued stand.
			o.logger.Error("enqueue cycle job",
				zap.String("source", src.name), zap.Error(err))
			if len(result.JobIDs) == 0 {
				o.mu.Unlock()
				return result, fmt.Errorf("enqueue cycle job for %q: %w", src.name, err)
			}
			break
		}
		result.JobIDs = append(result.JobIDs, job.ID)
		result.Sources = append(result.Sources, src.name)
		if !forced {
			watch.remaining++
			o.watched[job.ID] = watch
		}
	}
	o.mu.Unlock()

	result.Expired = o.sweepExpired(ctx)

	telemetry.ObserveCycle(string(strategy), o.clock.Now().Sub(start))
	o.logger.Info("cycle planned",
		zap.String("strategy", string(strategy)),
		zap.Strings("sources", result.Sources),
		zap.Int("expired_cases", result.Expired),
	)
	return result, nil
}

// Consume drains queue events until the channel closes, feeding each
// terminal job into the performance tracker and its cycle's yield check. Run
// it on its own goroutine; it is the sole queue-driven tracker writer.
func (o *Orchestrator) Consume(events <-chan queue.Event) {
	for evt := range events {
		o.tracker.recordEvent(evt)
		o.settleCycleJob(evt)
	}
}

// settleCycleJob retires one finished job from its cycle. The forced
// fallback run is never watched, so an empty fallback result cannot trigger
// itself again.
func (o *Orchestrator) settleCycleJob(evt queue.Event) {
	o.mu.Lock()
	w, ok := o.watched[evt.Job.ID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.watched, evt.Job.ID)
	w.remaining--
	if evt.Job.Result != nil {
		w.found += evt.Job.Result.CasesFound
	}
	empty := w.remaining == 0 && w.found == 0
	o.mu.Unlock()
	if !empty {
		return
	}

	o.logger.Warn("cycle finished without finding cases, running fallback",
		zap.String("fallback", o.cfg.FallbackSource),
	)
	if _, err := o.queue.Enqueue(harvest.RunSourcePayload(o.cfg.FallbackSource, "")); err != nil {
		o.logger.Error("enqueue fallback after empty cycle", zap.Error(err))
	}
}

// RunSource enqueues a single-source job outside cycle planning, for API and
// schedule triggers. The strategy recorded on the payload is whatever the
// selector would pick now.
func (o *Orchestrator) RunSource(ctx context.Context, name string) (harvest.Job, error) {
	strategy, _ := o.plan(ctx, o.clock.Now())
	return o.queue.Enqueue(harvest.RunSourcePayload(name, strategy))
}

type scoredSource struct {
	name     string
	score    float64
	samples  int
	inactive bool
}

// plan picks the cycle strategy and loads scoring candidates. Missing inputs
// degrade the selection to targeted rather than failing the cycle.
func (o *Orchestrator) plan(ctx context.Context, now time.Time) (harvest.Strategy, []harvest.Source) {
	sources, err := o.sources.ListSources(ctx)
	if err != nil {
		o.logger.Warn("list sources for planning", zap.Error(err))
		return harvest.StrategyTargeted, nil
	}
	active := sources[:0]
	for _, src := range sources {
		if src.IsActive {
			active = append(active, src)
		}
	}
	strategy := o.selector.Select(now, o.tracker, active)
	if !strategy.Valid() {
		strategy = harvest.StrategyTargeted
	}
	return strategy, active
}

// admit applies the strategy's admission rule over the scored catalog.
func (o *Orchestrator) admit(strategy harvest.Strategy, sources []harvest.Source, now time.Time) []scoredSource {
	scored := make([]scoredSource, 0, len(sources))
	for _, src := range sources {
		stats := o.tracker.Stats(src.Name)
		scored = append(scored, scoredSource{
			name:    src.Name,
			score:   o.priority(stats, src.LastCheckedAt, now),
			samples: stats.Samples,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	switch strategy {
	case harvest.StrategyAggressive:
		return scored
	case harvest.StrategyTargeted:
		admitted := scored[:0]
		for _, s := range scored {
			if s.score >= o.cfg.TargetedThreshold {
				admitted = append(admitted, s)
			}
		}
		return admitted
	case harvest.StrategyExploratory:
		// Least-sampled first: exploration spends budget on sources with
		// the thinnest history.
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].samples < scored[j].samples
		})
		if len(scored) > o.cfg.ExploratoryLimit {
			scored = scored[:o.cfg.ExploratoryLimit]
		}
		return scored
	case harvest.StrategyMaintenance:
		// Exactly one job: the highest-priority source, or nothing so the
		// fallback takes over.
		if len(scored) == 0 {
			return nil
		}
		return scored[:1]
	default:
		return nil
	}
}

// priority blends success rate, quality, and staleness. Staleness credit
// grows linearly until the cap, so a source unchecked for the full cap earns
// the whole recency weight.
func (o *Orchestrator) priority(stats SourceStats, lastChecked, now time.Time) float64 {
	recency := 1.0
	if !lastChecked.IsZero() {
		elapsed := now.Sub(lastChecked)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < o.cfg.RecencyCap {
			recency = float64(elapsed) / float64(o.cfg.RecencyCap)
		}
	}
	return 0.4*stats.SuccessRate + 0.3*stats.AvgQuality + 0.3*recency
}

// sweepExpired deactivates cases whose deadlines have passed. Sweep failures
// are logged and the cycle proceeds.
func (o *Orchestrator) sweepExpired(ctx context.Context) int {
	expired, err := o.cases.MarkExpired(ctx, o.clock.Now())
	if err != nil {
		o.logger.Warn("expire sweep failed", zap.Error(err))
		return 0
	}
	return expired
}
