package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind buckets candidate and job failures for reporting and metrics.
type ErrorKind string

// Failure taxonomy. Network, parsing, and extraction errors are scoped to a
// single candidate; persistence errors abort one candidate's write; queue
// errors are infrastructure-fatal for the affected job only.
const (
	ErrNetwork     ErrorKind = "network"
	ErrParsing     ErrorKind = "parsing"
	ErrExtraction  ErrorKind = "extraction"
	ErrPersistence ErrorKind = "persistence"
	ErrQueue       ErrorKind = "queue"
)

// CandidateError attaches a taxonomy kind and origin URL to an underlying
// failure.
type CandidateError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *CandidateError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.URL, e.Err)
}

func (e *CandidateError) Unwrap() error { return e.Err }

// NewCandidateError wraps err with a taxonomy kind.
func NewCandidateError(kind ErrorKind, url string, err error) *CandidateError {
	return &CandidateError{Kind: kind, URL: url, Err: err}
}

// Classify maps an error onto the taxonomy. Explicitly tagged errors keep
// their kind; untagged network-shaped errors classify as network; everything
// else defaults to extraction, the broadest candidate-level bucket.
func Classify(err error) ErrorKind {
	var ce *CandidateError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}
	return ErrExtraction
}
