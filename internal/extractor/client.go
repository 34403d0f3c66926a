// Package extractor implements the HTTP client for the external LLM-backed
// extraction service.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
)

// Config controls the extraction service client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements harvest.Extractor over the service's JSON API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("extractor endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.Component(logger, "extractor"),
	}, nil
}

type extractRequest struct {
	RawText   string `json:"raw_text"`
	SourceURL string `json:"source_url"`
}

type extractResponse struct {
	Case *harvest.ExtractedCase `json:"case"`
}

// Extract submits raw text for structured extraction. A null case in the
// response means the text held no legal opportunity; that is not an error.
func (c *Client) Extract(ctx context.Context, rawText, sourceURL string) (*harvest.ExtractedCase, error) {
	var resp extractResponse
	err := c.post(ctx, "/v1/extract", extractRequest{RawText: rawText, SourceURL: sourceURL}, &resp)
	if err != nil {
		return nil, harvest.NewCandidateError(harvest.ErrExtraction, sourceURL, err)
	}
	return resp.Case, nil
}

type duplicateRequest struct {
	Candidate harvest.ExtractedCase `json:"candidate"`
	Recent    []harvest.Case        `json:"recent"`
}

type duplicateResponse struct {
	Duplicate bool `json:"duplicate"`
}

// DetectDuplicate asks the service whether the candidate re-reports one of
// the recent cases.
func (c *Client) DetectDuplicate(
	ctx context.Context,
	candidate harvest.ExtractedCase,
	recent []harvest.Case,
) (bool, error) {
	var resp duplicateResponse
	err := c.post(ctx, "/v1/duplicate", duplicateRequest{Candidate: candidate, Recent: recent}, &resp)
	if err != nil {
		return false, fmt.Errorf("detect duplicate: %w", err)
	}
	return resp.Duplicate, nil
}

type qualityRequest struct {
	Candidate harvest.ExtractedCase `json:"candidate"`
}

// AssessQuality scores a candidate on a 0-10 scale.
func (c *Client) AssessQuality(
	ctx context.Context,
	candidate harvest.ExtractedCase,
) (harvest.QualityAssessment, error) {
	var resp harvest.QualityAssessment
	err := c.post(ctx, "/v1/quality", qualityRequest{Candidate: candidate}, &resp)
	if err != nil {
		return harvest.QualityAssessment{}, fmt.Errorf("assess quality: %w", err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call extraction service: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close response body failed", zap.Error(closeErr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
