package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/hash/sha256"
	"github.com/claimradar/harvester/internal/logging"
)

// Disposition reports what the pipeline did with one document.
type Disposition int

// Pipeline outcomes for a single document.
const (
	// DispositionPersisted means the candidate was accepted and stored.
	DispositionPersisted Disposition = iota
	// DispositionDuplicate means the dedup engine rejected the candidate.
	DispositionDuplicate
	// DispositionNoCandidate means the text held no legal opportunity.
	DispositionNoCandidate
	// DispositionLowQuality means the extraction service judged the
	// candidate not worth keeping.
	DispositionLowQuality
)

// Pipeline carries each raw document through archive, extraction, quality
// assessment, the dedup gate, and persistence. It is shared by all collector
// implementations.
type Pipeline struct {
	extractor harvest.Extractor
	deduper   harvest.Deduper
	cases     harvest.CaseStore
	blobs     harvest.BlobStore
	hasher    *sha256.Hasher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewPipeline constructs a Pipeline. The blob store may be nil; archival is
// then skipped.
func NewPipeline(
	extractor harvest.Extractor,
	deduper harvest.Deduper,
	cases harvest.CaseStore,
	blobs harvest.BlobStore,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		deduper:   deduper,
		cases:     cases,
		blobs:     blobs,
		hasher:    sha256.New(),
		clock:     clock,
		cfg:       cfg,
		logger:    logging.Component(logger, "pipeline"),
	}
}

// ProcessDocument handles one document end to end. The monitor's heartbeat
// is refreshed ahead of every external call so a slow extraction service
// never looks like a stalled job; mon may be nil. Returned errors carry the
// taxonomy kind; the caller records them against the run and moves on to the
// next candidate.
func (p *Pipeline) ProcessDocument(
	ctx context.Context,
	src harvest.Source,
	doc Document,
	acc *Accumulator,
	mon harvest.Monitor,
) (Disposition, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return DispositionNoCandidate, harvest.NewCandidateError(harvest.ErrParsing, doc.URL,
			errors.New("document has no text"))
	}
	if len(doc.Text) < p.cfg.MinTextChars {
		return DispositionNoCandidate, harvest.NewCandidateError(harvest.ErrParsing, doc.URL,
			fmt.Errorf("document text too short (%d chars)", len(doc.Text)))
	}

	p.archive(ctx, src, doc)

	beat(mon)
	candidate, err := p.extractor.Extract(ctx, doc.Text, doc.URL)
	if err != nil {
		return DispositionNoCandidate, harvest.NewCandidateError(harvest.ErrExtraction, doc.URL, err)
	}
	if candidate == nil {
		return DispositionNoCandidate, nil
	}
	if candidate.Title == "" || candidate.ClaimURL == "" {
		return DispositionNoCandidate, harvest.NewCandidateError(harvest.ErrExtraction, doc.URL,
			errors.New("extracted case is missing title or claim url"))
	}

	beat(mon)
	if quality, err := p.extractor.AssessQuality(ctx, *candidate); err == nil {
		acc.Quality(quality.Score)
		if !quality.Keep {
			return DispositionLowQuality, nil
		}
	} else {
		// Quality scoring is advisory; a scoring outage never drops a
		// candidate on its own.
		p.logger.Warn("quality assessment failed", zap.String("url", doc.URL), zap.Error(err))
	}

	beat(mon)
	decision, err := p.deduper.Check(ctx, *candidate)
	if err != nil {
		return DispositionNoCandidate, err
	}
	if decision.Duplicate {
		p.logger.Debug("candidate rejected as duplicate",
			zap.String("claim_url", candidate.ClaimURL),
			zap.String("rule", decision.Reason),
		)
		return DispositionDuplicate, nil
	}

	if _, err := p.cases.UpsertCase(ctx, harvest.NewCase(*candidate, src.Name, p.clock.Now())); err != nil {
		return DispositionNoCandidate, harvest.NewCandidateError(harvest.ErrPersistence, candidate.ClaimURL,
			fmt.Errorf("upsert case: %w", err))
	}
	return DispositionPersisted, nil
}

// beat refreshes the owning job's heartbeat, if anyone is watching.
func beat(mon harvest.Monitor) {
	if mon != nil {
		mon.Heartbeat()
	}
}

// archive writes the raw document to the blob store, keyed by source and
// content hash. Best effort: archival failure never blocks extraction.
func (p *Pipeline) archive(ctx context.Context, src harvest.Source, doc Document) {
	if p.blobs == nil {
		return
	}
	hash, err := p.hasher.Hash([]byte(doc.Text))
	if err != nil {
		return
	}
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	path := fmt.Sprintf("%s/%s.txt", src.Name, hash)
	if prefix != "" {
		path = fmt.Sprintf("%s/%s", prefix, path)
	}
	if _, err := p.blobs.PutObject(ctx, path, p.cfg.ArchiveContentType, []byte(doc.Text)); err != nil {
		p.logger.Warn("archive raw document failed", zap.String("url", doc.URL), zap.Error(err))
	}
}
