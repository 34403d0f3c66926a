// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// SourceType labels the kind of external origin a source represents.
type SourceType string

// Source types known to the collection pipeline.
const (
	SourceTypeWebSearch        SourceType = "web-search"
	SourceTypeRegulatoryFiling SourceType = "regulatory-filing"
	SourceTypePressRelease     SourceType = "press-release"
)

// Source is a named, typed origin of case candidates. Sources are created
// lazily on first successful collection and are deactivated rather than
// deleted.
type Source struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          SourceType     `json:"type"`
	Endpoint      string         `json:"endpoint"`
	LastCheckedAt time.Time      `json:"last_checked_at"`
	IsActive      bool           `json:"is_active"`
	Config        map[string]any `json:"config,omitempty"`
}

// JobState represents the lifecycle state of a collection job.
type JobState string

// Job states tracked by the queue. A job's terminal state is exactly one of
// completed or failed; stalled is a detection state that resolves to a requeue
// or a failure.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
)

// Terminal reports whether the state is a final one.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one unit of enqueued work, owned exclusively by the queue.
type Job struct {
	ID        string           `json:"id"`
	Payload   JobPayload       `json:"payload"`
	State     JobState         `json:"state"`
	Progress  int              `json:"progress"`
	Result    *CollectorResult `json:"result,omitempty"`
	ErrorText string           `json:"error_text,omitempty"`
	Attempts  int              `json:"attempts"`
	Submitted time.Time        `json:"submitted_at"`
	Started   *time.Time       `json:"started_at,omitempty"`
	Finished  *time.Time       `json:"finished_at,omitempty"`
}

// CollectorResult summarizes the outcome of one collector job. It is
// immutable once produced; consumers are the orchestrator's performance
// tracker and the notifier. QualityScore is the run's average candidate
// quality on [0, 1].
type CollectorResult struct {
	Source         string        `json:"source"`
	SourceType     SourceType    `json:"source_type"`
	CasesFound     int           `json:"cases_found"`
	CasesProcessed int           `json:"cases_processed"`
	QualityScore   float64       `json:"quality_score"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// FAQ is a question/answer pair attached to an extracted case.
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ExtractedCase is a provisional structured record produced by a collector.
// It exists only in memory between extraction and the dedup decision.
type ExtractedCase struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Eligibility    string     `json:"eligibility"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	ClaimURL       string     `json:"claim_url"`
	SourceURL      string     `json:"source_url"`
	PayoutEstimate string     `json:"payout_estimate,omitempty"`
	Category       string     `json:"category,omitempty"`
	ContactInfo    string     `json:"contact_info,omitempty"`
	FAQs           []FAQ      `json:"faqs,omitempty"`
	RequiredDocs   []string   `json:"required_docs,omitempty"`
}

// Case is the persisted form of an accepted candidate.
type Case struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Eligibility    string     `json:"eligibility"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	ClaimURL       string     `json:"claim_url"`
	SourceURL      string     `json:"source_url"`
	PayoutEstimate string     `json:"payout_estimate,omitempty"`
	Category       string     `json:"category,omitempty"`
	ContactInfo    string     `json:"contact_info,omitempty"`
	FAQs           []FAQ      `json:"faqs,omitempty"`
	RequiredDocs   []string   `json:"required_docs,omitempty"`
	SourceName     string     `json:"source_name"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewCase builds a Case from an accepted candidate.
func NewCase(candidate ExtractedCase, sourceName string, now time.Time) Case {
	return Case{
		Title:          candidate.Title,
		Description:    candidate.Description,
		Eligibility:    candidate.Eligibility,
		Deadline:       candidate.Deadline,
		ClaimURL:       candidate.ClaimURL,
		SourceURL:      candidate.SourceURL,
		PayoutEstimate: candidate.PayoutEstimate,
		Category:       candidate.Category,
		ContactInfo:    candidate.ContactInfo,
		FAQs:           candidate.FAQs,
		RequiredDocs:   candidate.RequiredDocs,
		SourceName:     sourceName,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// QualityAssessment is the extraction service's verdict on a candidate.
// Score uses the service's 0-10 scale.
type QualityAssessment struct {
	Score float64 `json:"score"`
	Keep  bool    `json:"keep"`
}

// Strategy names the policy governing how many and which sources run in a
// collection cycle.
type Strategy string

// Supported cycle strategies.
const (
	StrategyAggressive  Strategy = "aggressive"
	StrategyTargeted    Strategy = "targeted"
	StrategyExploratory Strategy = "exploratory"
	StrategyMaintenance Strategy = "maintenance"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAggressive, StrategyTargeted, StrategyExploratory, StrategyMaintenance:
		return true
	default:
		return false
	}
}
