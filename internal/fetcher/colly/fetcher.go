// Package collyfetcher implements fleet.Fetcher using gocolly. A fetch crawls
// the dispatched URL and same-host links up to a page budget.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// ErrInvalidURL is returned for dispatch URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid crawl url")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxPages caps the pages visited per job. A payload "max_pages" overrides it.
	MaxPages int
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements fleet.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       Limiter
	blobs         fleet.BlobStore
	hasher        fleet.Hasher
	logger        *zap.Logger
}

// New builds a Fetcher. limiter, blobs and hasher may be nil; pages are only
// persisted when both blobs and hasher are set.
func New(cfg Config, limiter Limiter, blobs fleet.BlobStore, hasher fleet.Hasher, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 25
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		blobs:         blobs,
		hasher:        hasher,
		logger:        logger.Named("fetcher"),
	}
}

// Fetch crawls request.URL and reports every discovered, processed and failed
// page through progress. The job fails when the seed page cannot be fetched.
func (f *Fetcher) Fetch(ctx context.Context, request fleet.FetchRequest, progress fleet.Progress) (protocol.ResultSummary, error) {
	seed, err := url.Parse(request.URL)
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Host == "" {
		return protocol.ResultSummary{}, fmt.Errorf("%w: %q", ErrInvalidURL, request.URL)
	}

	run := newCrawlRun(seed, f.maxPages(request.Payload), progress)
	start, _ := run.normalize(seed.String())
	run.discover(start)

	collector, probe := f.buildCollector(ctx, run)
	visitErr := f.runCollector(ctx, collector, start)
	if ctx.Err() != nil {
		return run.summary(), fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	if probe != nil {
		if fallbacks := probe.Fallbacks(); len(fallbacks) > 0 {
			f.logger.Warn("robots.txt probe fell back to allow-all",
				zap.String("url", request.URL),
				zap.Strings("hosts", fallbacks),
			)
		}
	}

	summary := run.summary()
	seedErr := run.seedError()
	if seedErr == nil && visitErr != nil {
		seedErr = visitErr
	}
	if seedErr != nil {
		summary.Success = false
		summary.Error = seedErr.Error()
		return summary, fmt.Errorf("fetch %s: %w", request.URL, seedErr)
	}
	summary.Success = true
	return summary, nil
}

func (f *Fetcher) maxPages(payload map[string]any) int {
	var n int
	switch v := payload["max_pages"].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(v)
	}
	if n <= 0 {
		return f.cfg.MaxPages
	}
	return n
}

func (f *Fetcher) buildCollector(ctx context.Context, run *crawlRun) (*colly.Collector, *robotsProbe) {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var probe *robotsProbe
	if f.cfg.RespectRobots {
		probe = newRobotsProbe(f.transport, defaultProbeBackoff)
		collector.WithTransport(probe)
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(ctx, collector, run)
	return collector, probe
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	OnHTML(string, colly.HTMLCallback)
}

func (f *Fetcher) configureCollectorHooks(ctx context.Context, hooks collectorHooks, run *crawlRun) {
	hooks.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if f.limiter == nil {
			return
		}
		if err := f.limiter.Wait(ctx, r.URL.String()); err != nil {
			r.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		pageURL := r.Request.URL.String()
		run.markProcessed(pageURL)
		metrics.ObserveCrawl(pageURL, strconv.Itoa(r.StatusCode))
		f.storePage(ctx, r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := "error"
		pageURL := ""
		if r != nil {
			if r.StatusCode != 0 {
				status = strconv.Itoa(r.StatusCode)
			}
			if r.Request != nil && r.Request.URL != nil {
				pageURL = r.Request.URL.String()
			}
		}
		run.markFailed(pageURL, err)
		metrics.ObserveCrawl(pageURL, status)
		f.logger.Debug("page failed", zap.String("url", pageURL), zap.String("status", status), zap.Error(err))
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link, ok := run.normalize(e.Request.AbsoluteURL(e.Attr("href")))
		if !ok || !run.discover(link) {
			return
		}
		if err := e.Request.Visit(link); err != nil {
			f.logger.Debug("visit skipped", zap.String("url", link), zap.Error(err))
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) storePage(ctx context.Context, r *colly.Response) {
	if f.blobs == nil || f.hasher == nil || len(r.Body) == 0 {
		return
	}
	path, err := f.hasher.ObjectPath(metrics.SanitizeSite(r.Request.URL.Host), r.Body)
	if err != nil {
		f.logger.Warn("page object path", zap.String("url", r.Request.URL.String()), zap.Error(err))
		return
	}
	contentType := ""
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	uri, err := f.blobs.PutObject(ctx, path, contentType, r.Body)
	if err != nil {
		f.logger.Warn("store page", zap.String("url", r.Request.URL.String()), zap.Error(err))
		return
	}
	f.logger.Debug("page stored", zap.String("url", r.Request.URL.String()), zap.String("uri", uri))
}

// crawlRun holds the counters of one Fetch call.
type crawlRun struct {
	seed     *url.URL
	maxPages int
	progress fleet.Progress

	mu        sync.Mutex
	seen      map[string]struct{}
	linkCount int
	processed int
	bad       int
	seedErr   error
}

func newCrawlRun(seed *url.URL, maxPages int, progress fleet.Progress) *crawlRun {
	return &crawlRun{
		seed:     seed,
		maxPages: maxPages,
		progress: progress,
		seen:     make(map[string]struct{}),
	}
}

// normalize keeps same-host http(s) links and strips fragments.
func (c *crawlRun) normalize(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if !strings.EqualFold(u.Hostname(), c.seed.Hostname()) {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// discover registers link and reports whether it should be visited.
func (c *crawlRun) discover(link string) bool {
	c.mu.Lock()
	if _, ok := c.seen[link]; ok || len(c.seen) >= c.maxPages {
		c.mu.Unlock()
		return false
	}
	c.seen[link] = struct{}{}
	c.linkCount++
	c.mu.Unlock()
	if c.progress != nil {
		c.progress.LinksDiscovered(1)
	}
	return true
}

func (c *crawlRun) markProcessed(pageURL string) {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
	if c.progress != nil {
		c.progress.PageProcessed(pageURL)
	}
}

// markFailed counts a failed page. The seed is always the first page to
// complete, so a failure before anything else completed is the seed's.
func (c *crawlRun) markFailed(pageURL string, err error) {
	c.mu.Lock()
	if c.processed == 0 && c.bad == 0 {
		c.seedErr = err
	}
	c.bad++
	c.mu.Unlock()
	if c.progress != nil {
		c.progress.PageFailed(pageURL)
	}
}

func (c *crawlRun) seedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seedErr
}

func (c *crawlRun) summary() protocol.ResultSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.ResultSummary{
		LinkCount:          c.linkCount,
		ProcessedLinkCount: c.processed,
		BadLinkCount:       c.bad,
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
