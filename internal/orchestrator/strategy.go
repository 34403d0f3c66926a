package orchestrator

import (
	"time"

	"github.com/claimradar/harvester/internal/harvest"
)

// Selector picks the collection strategy for a cycle.
type Selector interface {
	Select(now time.Time, tracker *PerformanceTracker, sources []harvest.Source) harvest.Strategy
}

// FixedSelector always returns the same strategy. Used when operators pin a
// strategy in config.
type FixedSelector struct {
	Strategy harvest.Strategy
}

func (s FixedSelector) Select(time.Time, *PerformanceTracker, []harvest.Source) harvest.Strategy {
	return s.Strategy
}

// HeuristicSelector derives the strategy from the clock and recent source
// performance:
//
//   - weekday business hours with healthy sources run aggressive sweeps
//   - weekday business hours with weak aggregate performance fall back to
//     targeted runs against the sources that still deliver
//   - weekends and early mornings favor exploratory runs to grow coverage
//   - overnight hours run maintenance to keep the catalog fresh at low cost
type HeuristicSelector struct {
	// TargetedThreshold is the aggregate success rate below which business
	// hours switch from aggressive to targeted.
	TargetedThreshold float64
}

func (s HeuristicSelector) Select(now time.Time, tracker *PerformanceTracker, sources []harvest.Source) harvest.Strategy {
	hour := now.Hour()
	weekend := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday

	switch {
	case hour < 6:
		return harvest.StrategyMaintenance
	case weekend, hour < 9:
		return harvest.StrategyExploratory
	}

	if tracker == nil || len(sources) == 0 {
		return harvest.StrategyTargeted
	}
	total := 0.0
	sampled := 0
	for _, src := range sources {
		stats := tracker.Stats(src.Name)
		if stats.Samples == 0 {
			continue
		}
		total += stats.SuccessRate
		sampled++
	}
	if sampled == 0 {
		// No history yet, explore rather than hammer unknown sources.
		return harvest.StrategyExploratory
	}
	if total/float64(sampled) < s.TargetedThreshold {
		return harvest.StrategyTargeted
	}
	return harvest.StrategyAggressive
}
