// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/claimradar/harvester/internal/harvest"
)

// ErrSourceExists is returned when creating a source that already exists.
var ErrSourceExists = errors.New("source already exists")

// Store implements harvest.CaseStore and harvest.SourceStore with mutex-held
// maps. The claim-URL uniqueness backstop is enforced inside UpsertCase under
// the lock, mirroring the database unique constraint.
type Store struct {
	mu      sync.RWMutex
	cases   map[string]harvest.Case // keyed by claim URL
	sources map[string]harvest.Source
	nextID  int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		cases:   make(map[string]harvest.Case),
		sources: make(map[string]harvest.Source),
	}
}

// FindByClaimURL returns the case with the given claim URL, or nil.
func (s *Store) FindByClaimURL(_ context.Context, claimURL string) (*harvest.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cases[claimURL]; ok {
		out := c
		return &out, nil
	}
	return nil, nil
}

// FindBySourceURL returns the first case with the given source URL, or nil.
func (s *Store) FindBySourceURL(_ context.Context, sourceURL string) (*harvest.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.SourceURL == sourceURL {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

// FindSimilarByTitle returns cases whose title matches case-insensitively.
func (s *Store) FindSimilarByTitle(_ context.Context, title string, activeOnly bool) ([]harvest.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(title))
	var out []harvest.Case
	for _, c := range s.cases {
		if activeOnly && !c.IsActive {
			continue
		}
		if strings.ToLower(strings.TrimSpace(c.Title)) == want {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetRecentCases returns cases created within the window.
func (s *Store) GetRecentCases(_ context.Context, window time.Duration) ([]harvest.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-window)
	var out []harvest.Case
	for _, c := range s.cases {
		if c.CreatedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpsertCase inserts or refreshes a case keyed by claim URL and returns its
// ID. A concurrent insert of the same claim URL resolves to an update, the
// in-memory analog of ON CONFLICT.
func (s *Store) UpsertCase(_ context.Context, c harvest.Case) (string, error) {
	if c.ClaimURL == "" {
		return "", errors.New("case claim url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cases[c.ClaimURL]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else if c.ID == "" {
		s.nextID++
		c.ID = fmt.Sprintf("case-%d", s.nextID)
	}
	s.cases[c.ClaimURL] = c
	return c.ID, nil
}

// MarkExpired deactivates cases whose deadline has passed and reports how
// many changed.
func (s *Store) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for url, c := range s.cases {
		if c.IsActive && c.Deadline != nil && c.Deadline.Before(now) {
			c.IsActive = false
			c.UpdatedAt = now
			s.cases[url] = c
			n++
		}
	}
	return n, nil
}

// GetSource fetches a source by name, or nil when unknown.
func (s *Store) GetSource(_ context.Context, name string) (*harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src, ok := s.sources[name]; ok {
		out := src
		return &out, nil
	}
	return nil, nil
}

// ListSources returns all known sources.
func (s *Store) ListSources(_ context.Context) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out, nil
}

// CreateSource registers a new source.
func (s *Store) CreateSource(_ context.Context, src harvest.Source) error {
	if src.Name == "" {
		return errors.New("source name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.Name]; ok {
		return ErrSourceExists
	}
	s.sources[src.Name] = src
	return nil
}

// UpdateSourceLastChecked advances lastCheckedAt; it never moves backward.
func (s *Store) UpdateSourceLastChecked(_ context.Context, name string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return fmt.Errorf("source %q not found", name)
	}
	if checkedAt.After(src.LastCheckedAt) {
		src.LastCheckedAt = checkedAt
		s.sources[name] = src
	}
	return nil
}

// DeactivateSource marks a source inactive. Sources are never hard-deleted.
func (s *Store) DeactivateSource(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return fmt.Errorf("source %q not found", name)
	}
	src.IsActive = false
	s.sources[name] = src
	return nil
}
