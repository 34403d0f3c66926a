// Package collector defines the shared framework every source collector is
// built on: rate limiting, the extract/dedup/persist pipeline, and
// found/processed accounting.
package collector

import (
	"time"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/telemetry"
)

// Config applies to every collector implementation.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	RequestsPerSecond  float64
	BatchSize          int
	BatchCooldown      time.Duration
	MinTextChars       int
	ArchivePrefix      string
	ArchiveContentType string
}

// Document is one raw fetched artifact on its way into the pipeline.
type Document struct {
	URL  string
	Text string
}

// Accumulator builds a CollectorResult incrementally. The gap between found
// and processed is diagnostic signal, not an error; the invariant
// processed <= found holds because Processed is only callable per found
// candidate.
type Accumulator struct {
	result     harvest.CollectorResult
	qualitySum float64
	qualityN   int
}

// NewAccumulator starts accounting for one source run.
func NewAccumulator(src harvest.Source) *Accumulator {
	return &Accumulator{
		result: harvest.CollectorResult{
			Source:     src.Name,
			SourceType: src.Type,
		},
	}
}

// Found records raw candidates seen.
func (a *Accumulator) Found(n int) {
	if n > 0 {
		a.result.CasesFound += n
	}
}

// Processed records one candidate that survived extraction, dedup, and
// persistence.
func (a *Accumulator) Processed() {
	if a.result.CasesProcessed < a.result.CasesFound {
		a.result.CasesProcessed++
	}
}

// Quality folds one assessed candidate score into the run average. The
// extraction service scores on a 0-10 scale; the result carries quality on
// [0, 1] so it composes with the orchestrator's unit-range priority blend.
func (a *Accumulator) Quality(score float64) {
	score /= 10
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	a.qualitySum += score
	a.qualityN++
}

// RecordError appends a classified error entry without aborting the run.
func (a *Accumulator) RecordError(err error) {
	if err == nil {
		return
	}
	a.result.Errors = append(a.result.Errors, err.Error())
}

// Finish stamps the duration and returns the immutable result.
func (a *Accumulator) Finish(start, end time.Time) harvest.CollectorResult {
	a.result.Duration = end.Sub(start)
	if a.qualityN > 0 {
		a.result.QualityScore = a.qualitySum / float64(a.qualityN)
	}
	telemetry.ObserveCases(a.result.Source, a.result.CasesFound, a.result.CasesProcessed)
	return a.result
}
