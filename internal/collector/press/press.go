// Package press collects candidate cases from corporate and agency press
// release listings. Listing pages are scanned in small batches with a cooldown
// between batches; articles that come back too thin for extraction are
// re-rendered with a headless browser when one is configured.
package press

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
	"recall",
	"refund",
	"lawsuit",
	"class action",
	"compensation",
}

const defaultArticlesPerPage = 10

// Collector scans press release listings for announcements of settlements,
// recalls, and similar consumer-facing actions.
type Collector struct {
	fetcher  *page.Fetcher
	renderer harvest.Renderer
	pipeline *collector.Pipeline
	limiter  *collector.Limiter
	clock    harvest.Clock
	cfg      collector.Config
	logger   *zap.Logger
}

// New builds a press-release collector. renderer may be nil.
func New(fetcher *page.Fetcher, renderer harvest.Renderer, pipeline *collector.Pipeline, limiter *collector.Limiter, clock harvest.Clock, cfg collector.Config, logger *zap.Logger) *Collector {
	return &Collector{
		fetcher:  fetcher,
		renderer: renderer,
		pipeline: pipeline,
		limiter:  limiter,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.Component(logger, "press-releases"),
	}
}

func (c *Collector) Name() string { return "press-releases" }

func (c *Collector) Type() harvest.SourceType { return harvest.SourceTypePressRelease }

// Collect walks the configured listing pages in batches and processes every
// matching article.
func (c *Collector) Collect(ctx context.Context, src harvest.Source, mon harvest.Monitor) harvest.CollectorResult {
	start := c.clock.Now()
	acc := collector.NewAccumulator(src)

	pages := listingPages(src)
	if len(pages) == 0 {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, "",
			errors.New("source has no listing pages")))
		return acc.Finish(start, c.clock.Now())
	}
	keywords := configKeywords(src.Config)

	done := 0
	err := collector.ForEachBatch(ctx, len(pages), c.cfg.BatchSize, c.cfg.BatchCooldown, func(batchStart, batchEnd int) {
		for _, listing := range pages[batchStart:batchEnd] {
			c.scanListing(ctx, src, listing, keywords, acc, mon)
			done++
			if mon != nil {
				mon.Progress(done * 100 / len(pages))
			}
		}
	})
	if err != nil {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, src.Endpoint, err))
	}
	return acc.Finish(start, c.clock.Now())
}

func (c *Collector) scanListing(ctx context.Context, src harvest.Source, listing string, keywords []string, acc *collector.Accumulator, mon harvest.Monitor) {
	if mon != nil {
		mon.Heartbeat()
	}
	if err := c.limiter.Wait(ctx, listing); err != nil {
		acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, listing, err))
		return
	}
	links, err := c.fetcher.Links(ctx, listing, func(text, href string) bool {
		return matchesKeywords(text, keywords)
	})
	if err != nil {
		c.logger.Warn("listing scan failed", zap.String("listing", listing), zap.Error(err))
		acc.RecordError(err)
		return
	}
	if len(links) > defaultArticlesPerPage {
		links = links[:defaultArticlesPerPage]
	}
	acc.Found(len(links))

	for _, link := range links {
		if ctx.Err() != nil {
			acc.RecordError(harvest.NewCandidateError(harvest.ErrNetwork, link.URL, ctx.Err()))
			return
		}
		c.processArticle(ctx, src, link, acc, mon)
	}
}

func (c *Collector) processArticle(ctx context.Context, src harvest.Source, link page.Link, acc *collector.Accumulator, mon harvest.Monitor) {
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
	if len(text) < c.cfg.MinTextChars && c.renderer != nil {
		rendered, rerr := c.renderer.RenderAndExtract(ctx, link.URL)
		if rerr != nil {
			c.logger.Debug("render fallback failed", zap.String("url", link.URL), zap.Error(rerr))
		} else {
			text = rendered
		}
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

// listingPages reads the listing URLs from source config, falling back to the
// source endpoint alone.
func listingPages(src harvest.Source) []string {
	raw, ok := src.Config["pages"]
	if !ok {
		if src.Endpoint == "" {
			return nil
		}
		return []string{src.Endpoint}
	}
	list, ok := raw.([]any)
	if !ok {
		return []string{src.Endpoint}
	}
	pages := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			pages = append(pages, s)
		}
	}
	if len(pages) == 0 && src.Endpoint != "" {
		return []string{src.Endpoint}
	}
	return pages
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
