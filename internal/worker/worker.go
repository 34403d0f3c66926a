// Package worker executes queued collection jobs. It resolves the payload to
// one or more sources, dispatches the matching collector, and keeps the source
// catalog current after each run.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/queue"
)

// Worker turns queued job payloads into collector runs. Collectors are
// registered per source type; the seed catalog covers sources that have not
// yet earned a persisted record.
type Worker struct {
	collectors map[harvest.SourceType]harvest.Collector
	sources    harvest.SourceStore
	seeds      map[string]harvest.Source
	clock      harvest.Clock
	ids        harvest.IDGenerator
	logger     *zap.Logger
}

// New builds a Worker. seeds may be nil.
func New(sources harvest.SourceStore, seeds map[string]harvest.Source, clock harvest.Clock, ids harvest.IDGenerator, logger *zap.Logger) *Worker {
	return &Worker{
		collectors: make(map[harvest.SourceType]harvest.Collector),
		sources:    sources,
		seeds:      seeds,
		clock:      clock,
		ids:        ids,
		logger:     logging.Component(logger, "worker"),
	}
}

// Register makes a collector available for its source type. Registering a
// second collector for the same type replaces the first.
func (w *Worker) Register(c harvest.Collector) {
	w.collectors[c.Type()] = c
}

// Handle is the queue handler. Dispatch is exhaustive over payload kinds; the
// queue validates payloads at enqueue time, so an unknown kind here is a bug.
func (w *Worker) Handle(ctx context.Context, job harvest.Job, h *queue.Handle) (*harvest.CollectorResult, error) {
	switch job.Payload.Kind {
	case harvest.PayloadRunSource:
		return w.runSource(ctx, job.Payload.Source, h)
	case harvest.PayloadRunAll:
		return w.runAll(ctx, h)
	case harvest.PayloadMonitor:
		w.logger.Info("monitor sweep starting",
			zap.String("job_id", job.ID),
			zap.String("label", job.Payload.MonitorLabel),
			zap.String("source", job.Payload.Source),
		)
		return w.runSource(ctx, job.Payload.Source, h)
	default:
		return nil, harvest.NewCandidateError(harvest.ErrQueue, "",
			fmt.Errorf("unhandled payload kind %q", job.Payload.Kind))
	}
}

func (w *Worker) runSource(ctx context.Context, name string, h *queue.Handle) (*harvest.CollectorResult, error) {
	src, known, err := w.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	coll, ok := w.collectors[src.Type]
	if !ok {
		return nil, fmt.Errorf("no collector registered for source type %q", src.Type)
	}

	result := coll.Collect(ctx, src, h)
	w.recordRun(ctx, src, known, result)
	return &result, nil
}

// runAll runs every resolvable source serially and merges the outcomes into
// one aggregate result.
func (w *Worker) runAll(ctx context.Context, h *queue.Handle) (*harvest.CollectorResult, error) {
	targets, err := w.allSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no active sources to run")
	}

	aggregate := harvest.CollectorResult{Source: "all"}
	qualitySamples := 0
	for i, target := range targets {
		if ctx.Err() != nil {
			aggregate.Errors = append(aggregate.Errors, ctx.Err().Error())
			break
		}
		coll, ok := w.collectors[target.src.Type]
		if !ok {
			aggregate.Errors = append(aggregate.Errors,
				fmt.Sprintf("no collector registered for source type %q", target.src.Type))
			continue
		}
		result := coll.Collect(ctx, target.src, spanMonitor{
			h:    h,
			base: i * 100 / len(targets),
			span: 100 / len(targets),
		})
		w.recordRun(ctx, target.src, target.known, result)

		aggregate.CasesFound += result.CasesFound
		aggregate.CasesProcessed += result.CasesProcessed
		aggregate.Errors = append(aggregate.Errors, result.Errors...)
		aggregate.Duration += result.Duration
		if result.QualityScore > 0 {
			aggregate.QualityScore += result.QualityScore
			qualitySamples++
		}
	}
	if qualitySamples > 0 {
		aggregate.QualityScore /= float64(qualitySamples)
	}
	h.Progress(100)
	return &aggregate, nil
}

type target struct {
	src   harvest.Source
	known bool
}

// spanMonitor maps one source's 0-100 progress onto its slice of an
// aggregate run. Heartbeats pass through untouched.
type spanMonitor struct {
	h    *queue.Handle
	base int
	span int
}

func (m spanMonitor) Progress(pct int) { m.h.Progress(m.base + pct*m.span/100) }

func (m spanMonitor) Heartbeat() { m.h.Heartbeat() }

// resolve finds a source by name in the store, falling back to the seed
// catalog for sources that have not been persisted yet.
func (w *Worker) resolve(ctx context.Context, name string) (harvest.Source, bool, error) {
	src, err := w.sources.GetSource(ctx, name)
	if err != nil {
		return harvest.Source{}, false, harvest.NewCandidateError(harvest.ErrPersistence, "",
			fmt.Errorf("load source %q: %w", name, err))
	}
	if src != nil {
		return *src, true, nil
	}
	if seed, ok := w.seeds[name]; ok {
		return seed, false, nil
	}
	return harvest.Source{}, false, fmt.Errorf("unknown source %q", name)
}

// KnownSource reports whether a name resolves to a stored source or a seed.
func (w *Worker) KnownSource(ctx context.Context, name string) bool {
	_, _, err := w.resolve(ctx, name)
	return err == nil
}

func (w *Worker) allSources(ctx context.Context) ([]target, error) {
	stored, err := w.sources.ListSources(ctx)
	if err != nil {
		return nil, harvest.NewCandidateError(harvest.ErrPersistence, "",
			fmt.Errorf("list sources: %w", err))
	}
	var targets []target
	seen := make(map[string]struct{})
	for _, src := range stored {
		if !src.IsActive {
			continue
		}
		targets = append(targets, target{src: src, known: true})
		seen[src.Name] = struct{}{}
	}
	for name, seed := range w.seeds {
		if _, dup := seen[name]; dup {
			continue
		}
		targets = append(targets, target{src: seed, known: false})
	}
	return targets, nil
}

// recordRun updates the source catalog after a collector run. A source earns
// a persisted record on its first run that processes at least one case.
func (w *Worker) recordRun(ctx context.Context, src harvest.Source, known bool, result harvest.CollectorResult) {
	now := w.clock.Now()
	if !known {
		if result.CasesProcessed == 0 {
			return
		}
		id, err := w.ids.NewID()
		if err != nil {
			w.logger.Error("generate source id", zap.Error(err))
			return
		}
		src.ID = id
		src.IsActive = true
		src.LastCheckedAt = now
		if err := w.sources.CreateSource(ctx, src); err != nil {
			w.logger.Error("create source", zap.String("source", src.Name), zap.Error(err))
		}
		return
	}
	if err := w.sources.UpdateSourceLastChecked(ctx, src.Name, now); err != nil {
		w.logger.Error("update source last-checked",
			zap.String("source", src.Name), zap.Error(err))
	}
}
