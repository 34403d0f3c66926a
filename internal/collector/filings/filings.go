// Package filings collects candidate cases from regulatory filing indexes.
// It scans an agency index page for filing links, filters them by enforcement
// keywords, and fetches each filing serially under the shared rate limiter.
package filings

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/collector"
	"github.com/claimradar/harvester/internal/collector/page"
	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
)

var defaultKeywords = []string{
	"settlement",
	"enforcement",
	"consent order",
	"refund",
	"penalty",
	"restitution",
}

const defaultMaxDocuments = 20

// Collector scans regulatory filing indexes for enforcement actions.
type Collector struct {
	fetcher  *page.Fetcher
	pipeline *collector.Pipeline
	limiter  *collector.Limiter
	clock    harvest.Clock
	logger   *zap.Logger
}

// New builds a regulatory-filings collector.
func New(fetcher *page.Fetcher, pipeline *collector.Pipeline, limiter *collector.Limiter, clock harvest.Clock, logger *zap.Logger) *Collector {
	return &Collector{
		fetcher:  fetcher,
		pipeline: pipeline,
		limiter:  limiter,
		clock:    clock,
		logger:   logging.Component(logger, "regulatory-filings"),
	}
}

func (c *Collector) Name() string { return "regulatory-filings" }

func (c *Collector) Type() harvest.SourceType { return harvest.SourceTypeRegulatoryFiling }

// Collect scans the source's index endpoint and processes every matching
// filing. A dead index yields an empty result carrying the scan error.
func (c *Collector) Collect(ctx context.Context, src harvest.Source, mon harvest.Monitor) harvest.CollectorResult {
	start := c.clock.Now()
	acc := collector.NewAccumulator(src)

	if src.Endpoint == "" {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, "",
			errors.New("source has no index endpoint")))
		return acc.Finish(start, c.clock.Now())
	}

	keywords := configKeywords(src.Config)
	if err := c.limiter.Wait(ctx, src.Endpoint); err != nil {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, src.Endpoint, err))
		return acc.Finish(start, c.clock.Now())
	}
	links, err := c.fetcher.Links(ctx, src.Endpoint, func(text, href string) bool {
		return matchesKeywords(text, keywords)
	})
	if err != nil {
		c.logger.Warn("index scan failed", zap.String("endpoint", src.Endpoint), zap.Error(err))
		acc.RecordError(err)
		return acc.Finish(start, c.clock.Now())
	}

	maxDocs := configInt(src.Config, "max_documents", defaultMaxDocuments)
	if len(links) > maxDocs {
		links = links[:maxDocs]
	}
	acc.Found(len(links))
	c.logger.Info("index scanned",
		zap.String("endpoint", src.Endpoint),
		zap.Int("filings", len(links)),
	)

	for i, link := range links {
		if ctx.Err() != nil {
			acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, link.URL, ctx.Err()))
			break
		}
		c.processFiling(ctx, src, link, acc, mon)
		if mon != nil {
			mon.Progress((i + 1) * 100 / len(links))
		}
	}
	return acc.Finish(start, c.clock.Now())
}

func (c *Collector) processFiling(ctx context.Context, src harvest.Source, link page.Link, acc *collector.Accumulator, mon harvest.Monitor) {
	if mon != nil {
		mon.Heartbeat()
	}
	if err := c.limiter.Wait(ctx, link.URL); err != nil {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, link.URL, err))
		return
	}
	text, err := c.fetcher.Text(ctx, link.URL)
	if err != nil {
		acc.RecordError(err)
		return
	}
	disposition, err := c.pipeline.ProcessDocument(ctx, src, collector.Document{URL: link.URL, Text: text}, acc, mon)
	if err != nil {
		acc.RecordError(err)
		return
	}
	if disposition == collector.DispositionPersisted {
		acc.Processed()
	}
}

func matchesKeywords(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func configKeywords(cfg map[string]any) []string {
	raw, ok := cfg["keywords"]
	if !ok {
		return defaultKeywords
	}
	list, ok := raw.([]any)
	if !ok {
		return defaultKeywords
	}
	keywords := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			keywords = append(keywords, strings.ToLower(s))
		}
	}
	if len(keywords) == 0 {
		return defaultKeywords
	}
	return keywords
}

func configInt(cfg map[string]any, key string, fallback int) int {
	raw, ok := cfg[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
