// Package search implements the HTTP client for the external web-search
// service.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
)

// Config controls the search client.
type Config struct {
	Endpoint string
	APIKey   string
	// Delay is the minimum spacing between consecutive calls; the service
	// publishes a strict request-per-second limit.
	Delay   time.Duration
	Timeout time.Duration
	// ResultLimit is applied when the caller does not ask for a specific
	// number of results.
	ResultLimit int
}

// Client implements harvest.Searcher with built-in inter-call spacing.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search endpoint is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.Component(logger, "search"),
	}, nil
}

type searchRequest struct {
	Query       string `json:"query"`
	Limit       int    `json:"limit,omitempty"`
	IncludeText bool   `json:"include_text,omitempty"`
	Freshness   int    `json:"freshness_days,omitempty"`
}

type searchResponse struct {
	Results []searchHit `json:"results"`
}

type searchHit struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Search runs one query, waiting out the inter-call delay first.
func (c *Client) Search(
	ctx context.Context,
	query string,
	opts harvest.SearchOptions,
) ([]harvest.SearchResult, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.ResultLimit
	}
	body, err := json.Marshal(searchRequest{
		Query:       query,
		Limit:       limit,
		IncludeText: opts.IncludeText,
		Freshness:   opts.FreshnessDay,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, harvest.NewCandidateError(harvest.ErrNetwork, c.cfg.Endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close search response failed", zap.Error(closeErr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, harvest.NewCandidateError(harvest.ErrNetwork, c.cfg.Endpoint,
			fmt.Errorf("search service returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, harvest.NewCandidateError(harvest.ErrParsing, c.cfg.Endpoint,
			fmt.Errorf("decode search response: %w", err))
	}

	out := make([]harvest.SearchResult, 0, len(parsed.Results))
	for _, hit := range parsed.Results {
		out = append(out, harvest.SearchResult{
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
			Text:    hit.Text,
			Score:   hit.Score,
		})
	}
	return out, nil
}

// pace blocks until the inter-call delay has elapsed since the previous
// search, respecting context cancellation.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := c.cfg.Delay - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("search pacing wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
