// Package collyfetcher implements a static crawler.Renderer using gocolly.
// It serves pages that need no JavaScript and dry runs; page interactions
// report crawler.ErrActionUnsupported.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

const defaultTimeout = 15 * time.Second

// Fetcher implements crawler.Renderer using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewFactory returns a crawler.RendererFactory that builds one Fetcher per session.
func NewFactory(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) crawler.RendererFactory {
	return func(context.Context) (crawler.Renderer, error) {
		return New(cfg, limiter, logger), nil
	}
}

// New builds a Fetcher.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger.Named("colly"),
		baseCollector: c,
	}
}

// Close is a no-op; the collector holds no process.
func (f *Fetcher) Close() error {
	return nil
}

// capture accumulates what the collector hooks observe for one visit.
type capture struct {
	location string
	status   int
	body     []byte
	err      error
}

// Navigate fetches rawURL and returns a read-only document over the body.
func (f *Fetcher) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	collector := f.baseCollector.Clone()
	collector.Context = ctx
	result := &capture{location: rawURL}
	configureCollectorHooks(collector, result)

	if err := runCollector(ctx, collector, rawURL); err != nil {
		if ctx.Err() != nil {
			// the visit goroutine may still be writing to result
			return nil, err
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return nil, &crawler.StatusError{URL: rawURL, Code: http.StatusForbidden}
		}
		if result.status >= http.StatusBadRequest {
			return nil, &crawler.StatusError{URL: result.location, Code: result.status}
		}
		return nil, err
	}
	if result.status >= http.StatusBadRequest {
		return nil, &crawler.StatusError{URL: result.location, Code: result.status}
	}
	f.logger.Debug("fetched", zap.String("url", result.location), zap.Int("status", result.status))
	return &document{location: result.location, html: string(result.body)}, nil
}

func configureCollectorHooks(hooks collectorHooks, result *capture) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
		if r.Request != nil && r.Request.URL != nil {
			result.location = r.Request.URL.String()
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r == nil {
			return
		}
		result.status = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			result.location = r.Request.URL.String()
		}
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
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

// document is an immutable snapshot of a fetched page.
type document struct {
	location string
	html     string
}

func (d *document) Location(context.Context) (string, error) { return d.location, nil }

func (d *document) HTML(context.Context) (string, error) { return d.html, nil }

func (d *document) Click(context.Context, string) error { return crawler.ErrActionUnsupported }

func (d *document) Fill(context.Context, string, string, bool) error {
	return crawler.ErrActionUnsupported
}

func (d *document) Press(context.Context, string) error { return crawler.ErrActionUnsupported }

func (d *document) Evaluate(context.Context, string, any) error {
	return crawler.ErrActionUnsupported
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
