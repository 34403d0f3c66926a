package harvest

import (
	"context"
	"time"
)

// Collector turns one external source into case candidates. Implementations
// must classify per-candidate failures into the error taxonomy and record
// them in the result instead of aborting the run; a total source outage still
// yields a zero-count result with a descriptive error entry.
type Collector interface {
	Name() string
	Type() SourceType
	Collect(ctx context.Context, src Source, mon Monitor) CollectorResult
}

// Monitor carries liveness signals from a running collector back to the job
// that owns it. Collectors call Progress as candidates complete and Heartbeat
// ahead of slow per-candidate work, so a healthy long run is never mistaken
// for a stalled one. Collectors may receive nil when the caller does not
// track the job.
type Monitor interface {
	Progress(pct int)
	Heartbeat()
}

// Deduper decides, for one candidate, whether it duplicates a stored case.
type Deduper interface {
	Check(ctx context.Context, candidate ExtractedCase) (Decision, error)
}

// Decision is the dedup engine's verdict.
type Decision struct {
	Duplicate bool
	Reason    string
}

// Extractor is the external LLM-backed service that turns raw text into
// structured candidates, judges semantic duplicates, and scores quality.
// Failures are treated as "no candidate extracted", never as fatal errors.
type Extractor interface {
	Extract(ctx context.Context, rawText, sourceURL string) (*ExtractedCase, error)
	DetectDuplicate(ctx context.Context, candidate ExtractedCase, recent []Case) (bool, error)
	AssessQuality(ctx context.Context, candidate ExtractedCase) (QualityAssessment, error)
}

// SearchOptions tunes a search service call.
type SearchOptions struct {
	Limit        int
	IncludeText  bool
	FreshnessDay int
}

// SearchResult is one ranked hit from the search service.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
	Text    string
	Score   float64
}

// Searcher is the external web-search service. It is rate limited; callers
// own the backoff between calls.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// Renderer is the headless-browser fallback used when a fetched page carries
// insufficient text.
type Renderer interface {
	RenderAndExtract(ctx context.Context, url string) (string, error)
}

// CaseStore persists accepted cases. A unique constraint on the claim URL is
// the store-side backstop against races between concurrent collectors.
type CaseStore interface {
	FindByClaimURL(ctx context.Context, claimURL string) (*Case, error)
	FindBySourceURL(ctx context.Context, sourceURL string) (*Case, error)
	FindSimilarByTitle(ctx context.Context, title string, activeOnly bool) ([]Case, error)
	GetRecentCases(ctx context.Context, window time.Duration) ([]Case, error)
	UpsertCase(ctx context.Context, c Case) (string, error)
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}

// SourceStore persists source records.
type SourceStore interface {
	GetSource(ctx context.Context, name string) (*Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	CreateSource(ctx context.Context, src Source) error
	UpdateSourceLastChecked(ctx context.Context, name string, checkedAt time.Time) error
	DeactivateSource(ctx context.Context, name string) error
}

// BlobStore archives raw fetched documents and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and case IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
