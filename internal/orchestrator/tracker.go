package orchestrator

import (
	"sync"
	"time"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/queue"
)

// PerformanceRecord is one finished run's contribution to a source's history.
type PerformanceRecord struct {
	Succeeded  bool
	Quality    float64
	FinishedAt time.Time
}

// SourceStats is a read-only summary of a source's recent runs.
type SourceStats struct {
	Samples     int
	SuccessRate float64
	AvgQuality  float64
	LastSuccess time.Time
}

// PerformanceTracker keeps a bounded window of recent run outcomes per
// source. Writes arrive from a single goroutine consuming queue events;
// reads come from cycle planning.
type PerformanceTracker struct {
	mu         sync.RWMutex
	windowSize int
	windows    map[string][]PerformanceRecord
}

// NewPerformanceTracker builds a tracker keeping windowSize samples per
// source.
func NewPerformanceTracker(windowSize int) *PerformanceTracker {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &PerformanceTracker{
		windowSize: windowSize,
		windows:    make(map[string][]PerformanceRecord),
	}
}

// Record appends one outcome to a source's window, evicting the oldest sample
// once the window is full.
func (t *PerformanceTracker) Record(source string, rec PerformanceRecord) {
	if source == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := append(t.windows[source], rec)
	if len(window) > t.windowSize {
		window = window[len(window)-t.windowSize:]
	}
	t.windows[source] = window
}

// Stats summarizes a source's window. A source with no history reports zero
// samples and zero rates.
func (t *PerformanceTracker) Stats(source string) SourceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	window := t.windows[source]
	stats := SourceStats{Samples: len(window)}
	if len(window) == 0 {
		return stats
	}
	successes := 0
	qualitySum := 0.0
	qualitySamples := 0
	for _, rec := range window {
		if rec.Succeeded {
			successes++
			if rec.FinishedAt.After(stats.LastSuccess) {
				stats.LastSuccess = rec.FinishedAt
			}
		}
		if rec.Quality > 0 {
			qualitySum += rec.Quality
			qualitySamples++
		}
	}
	stats.SuccessRate = float64(successes) / float64(len(window))
	if qualitySamples > 0 {
		stats.AvgQuality = qualitySum / float64(qualitySamples)
	}
	return stats
}

func (t *PerformanceTracker) recordEvent(evt queue.Event) {
	finished := time.Now()
	if evt.Job.Finished != nil {
		finished = *evt.Job.Finished
	}
	rec := PerformanceRecord{
		Succeeded:  evt.Type == queue.EventCompleted,
		FinishedAt: finished,
	}
	source := evt.Job.Payload.Source
	if evt.Job.Result != nil {
		rec.Quality = evt.Job.Result.QualityScore
		if source == "" {
			source = evt.Job.Result.Source
		}
	}
	if evt.Job.Payload.Kind == harvest.PayloadRunAll {
		// Aggregate runs do not attribute performance to one source.
		return
	}
	t.Record(source, rec)
}
