// Package websearch collects candidate cases by running targeted queries
// against a search provider.
package websearch

import (
	"context"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/collector"
	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
)

var defaultQueries = []string{
	"class action settlement claim deadline",
	"consumer refund settlement open claims",
	"data breach settlement file a claim",
	"product recall compensation claim form",
}

const defaultResultLimit = 10

// Collector runs search queries and feeds each hit through the shared
// processing pipeline. Thin results are re-rendered with a headless browser
// before extraction when a renderer is configured.
type Collector struct {
	searcher harvest.Searcher
	renderer harvest.Renderer
	pipeline *collector.Pipeline
	limiter  *collector.Limiter
	clock    harvest.Clock
	cfg      collector.Config
	logger   *zap.Logger
}

// New builds a web-search collector. renderer may be nil, in which case thin
// search results are processed as-is.
func New(searcher harvest.Searcher, renderer harvest.Renderer, pipeline *collector.Pipeline, limiter *collector.Limiter, clock harvest.Clock, cfg collector.Config, logger *zap.Logger) *Collector {
	return &Collector{
		searcher: searcher,
		renderer: renderer,
		pipeline: pipeline,
		limiter:  limiter,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.Component(logger, "web-search"),
	}
}

func (c *Collector) Name() string { return "web-search" }

func (c *Collector) Type() harvest.SourceType { return harvest.SourceTypeWebSearch }

// Collect runs every configured query and processes each result document.
// Failures are recorded per document; the collector always returns a result.
func (c *Collector) Collect(ctx context.Context, src harvest.Source, mon harvest.Monitor) harvest.CollectorResult {
	start := c.clock.Now()
	acc := collector.NewAccumulator(src)
	queries := c.queries(src)
	limit := configInt(src.Config, "result_limit", defaultResultLimit)

	for i, query := range queries {
		if ctx.Err() != nil {
			acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, src.Endpoint, ctx.Err()))
			break
		}
		hits, err := c.searcher.Search(ctx, query, harvest.SearchOptions{
			Limit:       limit,
			IncludeText: true,
		})
		if err != nil {
			c.logger.Warn("search query failed", zap.String("query", query), zap.Error(err))
			acc.RecordError(err)
			continue
		}
		acc.Found(len(hits))
		for _, hit := range hits {
			c.processHit(ctx, src, hit, acc, mon)
		}
		if mon != nil {
			mon.Progress((i + 1) * 100 / len(queries))
		}
	}
	return acc.Finish(start, c.clock.Now())
}

func (c *Collector) processHit(ctx context.Context, src harvest.Source, hit harvest.SearchResult, acc *collector.Accumulator, mon harvest.Monitor) {
	if mon != nil {
		mon.Heartbeat()
	}
	text := hit.Text
	if text == "" {
		text = hit.Snippet
	}
	if len(text) < c.cfg.MinTextChars && c.renderer != nil {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, hit.URL); err != nil {
				acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, hit.URL, err))
				return
			}
		}
		rendered, err := c.renderer.RenderAndExtract(ctx, hit.URL)
		if err != nil {
			c.logger.Debug("render fallback failed", zap.String("url", hit.URL), zap.Error(err))
			acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, hit.URL, err))
			return
		}
		text = rendered
	}
	disposition, err := c.pipeline.ProcessDocument(ctx, src, collector.Document{URL: hit.URL, Text: text}, acc, mon)
	if err != nil {
		acc.RecordError(err)
		return
	}
	if disposition == collector.DispositionPersisted {
		acc.Processed()
	}
}

// queries reads the query list from source config, falling back to the
// built-in legal opportunity queries.
func (c *Collector) queries(src harvest.Source) []string {
	raw, ok := src.Config["queries"]
	if !ok {
		return defaultQueries
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return defaultQueries
	}
	queries := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			queries = append(queries, s)
		}
	}
	if len(queries) == 0 {
		return defaultQueries
	}
	return queries
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
