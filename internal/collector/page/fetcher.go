// Package page implements HTML fetching for collectors using gocolly.
package page

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/claimradar/harvester/internal/harvest"
)

// Link is one anchor discovered on an index page.
type Link struct {
	URL  string
	Text string
}

// Fetcher wraps colly for the two shapes collectors need: pulling the visible
// text of one page and scanning an index page for links.
type Fetcher struct {
	userAgent string
	timeout   time.Duration
}

// New builds a Fetcher.
func New(userAgent string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{userAgent: userAgent, timeout: timeout}
}

// Text fetches one page and returns its visible body text.
func (f *Fetcher) Text(ctx context.Context, url string) (string, error) {
	var text string
	c := f.newCollector()
	c.OnHTML("body", func(e *colly.HTMLElement) {
		text = strings.Join(strings.Fields(e.Text), " ")
	})
	if err := f.visit(ctx, c, url); err != nil {
		return "", err
	}
	if text == "" {
		return "", harvest.NewCandidateError(harvest.ErrParsing, url,
			fmt.Errorf("page has no body text"))
	}
	return text, nil
}

// Links scans an index page and returns anchors accepted by keep, resolved to
// absolute URLs and deduplicated in discovery order.
func (f *Fetcher) Links(ctx context.Context, url string, keep func(text, href string) bool) ([]Link, error) {
	var links []Link
	seen := make(map[string]struct{})
	c := f.newCollector()
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		text := strings.TrimSpace(e.Text)
		if keep != nil && !keep(text, href) {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, Link{URL: href, Text: text})
	})
	if err := f.visit(ctx, c, url); err != nil {
		return nil, err
	}
	return links, nil
}

func (f *Fetcher) newCollector() *colly.Collector {
	opts := []colly.CollectorOption{colly.Async(false)}
	if f.userAgent != "" {
		opts = append(opts, colly.UserAgent(f.userAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(f.timeout)
	return c
}

// visit runs one colly fetch, honoring context cancellation; colly itself
// has no context support.
func (f *Fetcher) visit(ctx context.Context, c *colly.Collector, url string) error {
	var fetchErr error
	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = harvest.NewCandidateError(harvest.ErrNetwork, url,
			fmt.Errorf("fetch failed (status %d): %w", status, err))
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return harvest.NewCandidateError(harvest.ErrNetwork, url,
			fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if fetchErr != nil {
			return fetchErr
		}
		if err != nil {
			return harvest.NewCandidateError(harvest.ErrNetwork, url,
				fmt.Errorf("visit: %w", err))
		}
	}
	return nil
}
