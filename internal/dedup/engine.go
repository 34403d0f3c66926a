// Package dedup decides whether an extracted candidate duplicates a stored
// case. Checks run cheapest-first so the expensive semantic judgment only
// sees candidates that survive every structural filter.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/hash/sha256"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/telemetry"
)

// Config controls Engine behavior.
type Config struct {
	// RecentWindow bounds the stored cases considered by the semantic check.
	RecentWindow time.Duration
	// SimilarityThreshold is the title token-set Jaccard ratio at or above
	// which a candidate counts as similar enough to invoke the semantic
	// check (and, absent the extraction service, as a duplicate outright).
	SimilarityThreshold float64
	// FingerprintCap bounds the in-process content fingerprint set.
	FingerprintCap int
}

const (
	defaultRecentWindow   = 72 * time.Hour
	defaultSimilarity     = 0.8
	defaultFingerprintCap = 512
)

// Engine implements harvest.Deduper. Ties favor rejection: an uncertain
// semantic verdict drops the candidate rather than risking a duplicate in
// front of end users.
type Engine struct {
	store     harvest.CaseStore
	extractor harvest.Extractor
	hasher    *sha256.Hasher
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	seenLog []string
}

// New constructs an Engine. The extractor may be nil; the engine then falls
// back to its deterministic similarity verdict.
func New(store harvest.CaseStore, extractor harvest.Extractor, cfg Config, logger *zap.Logger) *Engine {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = defaultSimilarity
	}
	if cfg.FingerprintCap <= 0 {
		cfg.FingerprintCap = defaultFingerprintCap
	}
	return &Engine{
		store:     store,
		extractor: extractor,
		hasher:    sha256.New(),
		cfg:       cfg,
		logger:    logging.Component(logger, "dedup"),
		seen:      make(map[string]struct{}),
	}
}

// Check runs the short-circuit duplicate pipeline for one candidate.
// Store failures surface as persistence errors; the caller charges them to
// the candidate, not the run.
func (e *Engine) Check(ctx context.Context, candidate harvest.ExtractedCase) (harvest.Decision, error) {
	if dup := e.fingerprintSeen(candidate); dup {
		return e.reject("content-fingerprint"), nil
	}

	if candidate.ClaimURL != "" {
		existing, err := e.store.FindByClaimURL(ctx, candidate.ClaimURL)
		if err != nil {
			return harvest.Decision{}, harvest.NewCandidateError(harvest.ErrPersistence, candidate.ClaimURL,
				fmt.Errorf("find by claim url: %w", err))
		}
		if existing != nil {
			return e.reject("claim-url"), nil
		}
	}

	if candidate.SourceURL != "" && candidate.SourceURL != candidate.ClaimURL {
		existing, err := e.store.FindBySourceURL(ctx, candidate.SourceURL)
		if err != nil {
			return harvest.Decision{}, harvest.NewCandidateError(harvest.ErrPersistence, candidate.SourceURL,
				fmt.Errorf("find by source url: %w", err))
		}
		if existing != nil {
			return e.reject("source-url"), nil
		}
	}

	similar, recent, err := e.findSimilar(ctx, candidate)
	if err != nil {
		return harvest.Decision{}, err
	}
	if !similar {
		e.rememberFingerprint(candidate)
		return harvest.Decision{}, nil
	}

	dup, reason := e.semanticVerdict(ctx, candidate, recent)
	if dup {
		return e.reject(reason), nil
	}
	e.rememberFingerprint(candidate)
	return harvest.Decision{}, nil
}

// findSimilar reports whether the candidate is structurally similar to any
// active same-title case or any recent case above the Jaccard threshold. The
// recent window is returned so the semantic check reuses one store read.
func (e *Engine) findSimilar(
	ctx context.Context,
	candidate harvest.ExtractedCase,
) (bool, []harvest.Case, error) {
	titleMatches, err := e.store.FindSimilarByTitle(ctx, candidate.Title, true)
	if err != nil {
		return false, nil, harvest.NewCandidateError(harvest.ErrPersistence, candidate.ClaimURL,
			fmt.Errorf("find similar by title: %w", err))
	}

	recent, err := e.store.GetRecentCases(ctx, e.cfg.RecentWindow)
	if err != nil {
		return false, nil, harvest.NewCandidateError(harvest.ErrPersistence, candidate.ClaimURL,
			fmt.Errorf("get recent cases: %w", err))
	}

	norm := NormalizeTitle(candidate.Title)
	for _, c := range titleMatches {
		if NormalizeTitle(c.Title) == norm {
			return true, recent, nil
		}
	}
	tokens := TitleTokens(candidate.Title)
	for _, c := range recent {
		if Jaccard(tokens, TitleTokens(c.Title)) >= e.cfg.SimilarityThreshold {
			return true, recent, nil
		}
	}
	return false, recent, nil
}

// semanticVerdict asks the extraction service whether a structurally similar
// candidate is a re-report. A missing or failing service resolves to
// duplicate, the deterministic fallback verdict for similar candidates.
func (e *Engine) semanticVerdict(
	ctx context.Context,
	candidate harvest.ExtractedCase,
	recent []harvest.Case,
) (bool, string) {
	if e.extractor == nil {
		return true, "similar-title"
	}
	dup, err := e.extractor.DetectDuplicate(ctx, candidate, recent)
	if err != nil {
		e.logger.Warn("semantic duplicate check failed, treating as duplicate",
			zap.String("claim_url", candidate.ClaimURL),
			zap.Error(err),
		)
		return true, "semantic-uncertain"
	}
	if dup {
		return true, "semantic"
	}
	return false, ""
}

func (e *Engine) reject(rule string) harvest.Decision {
	telemetry.ObserveDuplicate(rule)
	return harvest.Decision{Duplicate: true, Reason: rule}
}

func (e *Engine) fingerprint(candidate harvest.ExtractedCase) string {
	sum, err := e.hasher.Hash([]byte(NormalizeTitle(candidate.Title) + "\n" + candidate.ClaimURL))
	if err != nil {
		return ""
	}
	return sum
}

func (e *Engine) fingerprintSeen(candidate harvest.ExtractedCase) bool {
	fp := e.fingerprint(candidate)
	if fp == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[fp]
	return ok
}

func (e *Engine) rememberFingerprint(candidate harvest.ExtractedCase) {
	fp := e.fingerprint(candidate)
	if fp == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[fp]; ok {
		return
	}
	e.seen[fp] = struct{}{}
	e.seenLog = append(e.seenLog, fp)
	for len(e.seenLog) > e.cfg.FingerprintCap {
		delete(e.seen, e.seenLog[0])
		e.seenLog = e.seenLog[1:]
	}
}
