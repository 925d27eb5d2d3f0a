// Package headless contains the chromedp renderer: one Chrome process per
// pool session, driving a single tab.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/policy/ratelimit"
)

// Config controls the behavior of the chromedp renderer.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	WindowWidth       int
	WindowHeight      int
	// ExecPath overrides the Chrome binary discovered on PATH.
	ExecPath string
}

const (
	defaultNavTimeout   = 20 * time.Second
	defaultWindowWidth  = 1366
	defaultWindowHeight = 900
)

// Browser implements crawler.Renderer and crawler.Screenshotter with a
// dedicated headless Chrome.
type Browser struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	meta          *responseMeta
}

var (
	_ crawler.Renderer      = (*Browser)(nil)
	_ crawler.Screenshotter = (*Browser)(nil)
)

// NewFactory returns a crawler.RendererFactory that launches one Browser per call.
func NewFactory(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) crawler.RendererFactory {
	return func(ctx context.Context) (crawler.Renderer, error) {
		return Launch(ctx, cfg, limiter, logger)
	}
}

// Launch starts Chrome and opens its first tab.
func Launch(ctx context.Context, cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = defaultWindowWidth, defaultWindowHeight
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	meta := newResponseMeta()
	chromedp.ListenTarget(browserCtx, meta.captureEvent)

	startCtx, cancelStart := context.WithTimeout(browserCtx, cfg.NavigationTimeout)
	defer cancelStart()
	stop := forwardCancel(ctx, cancelStart)
	defer stop()
	if err := chromedp.Run(startCtx, networkSetupAction(cfg.UserAgent)); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp launch: %w", err)
	}

	return &Browser{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger.Named("chromedp"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		meta:          meta,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	headless := any(false)
	if cfg.Headless {
		headless = "new"
	}
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Close shuts the tab and the Chrome process down.
func (b *Browser) Close() error {
	if b == nil {
		return nil
	}
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chromedp close: %w", err)
	}
	return nil
}

// Navigate loads rawURL, waits for the body and the settle delay, and fails
// with *crawler.StatusError when the document responded with 4xx or 5xx.
func (b *Browser) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	if err := b.limiter.Wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("render rate limit: %w", err)
	}
	b.meta.reset()

	var finalURL string
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.SettleDelay))
	}
	actions = append(actions, chromedp.Location(&finalURL))
	if err := b.run(ctx, b.cfg.NavigationTimeout, actions...); err != nil {
		return nil, fmt.Errorf("chromedp navigate: %w", err)
	}

	status, _, responseURL := b.meta.snapshotWithFallbacks(rawURL, finalURL)
	if status >= http.StatusBadRequest {
		return nil, &crawler.StatusError{URL: responseURL, Code: status}
	}
	return &page{browser: b}, nil
}

// Screenshot captures the full current tab as PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var img []byte
	if err := b.run(ctx, 0, chromedp.FullScreenshot(&img, 100)); err != nil {
		return nil, fmt.Errorf("chromedp screenshot: %w", err)
	}
	return img, nil
}

// run executes actions on the tab under the caller's cancellation and the
// tighter of its deadline and timeout.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.browserCtx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// page is the crawler.Document view of the browser's current tab.
type page struct {
	browser *Browser
}

func (p *page) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.browser.run(ctx, 0, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.browser.Screenshot(ctx)
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.browser.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (p *page) Click(ctx context.Context, selector string) error {
	if err := p.browser.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (p *page) Fill(ctx context.Context, selector, value string, submit bool) error {
	actions := []chromedp.Action{
		chromedp.Clear(selector, chromedp.ByQuery, chromedp.AtLeast(0)),
		chromedp.SendKeys(selector, value, chromedp.ByQuery, chromedp.AtLeast(0)),
	}
	if submit {
		actions = append(actions, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery, chromedp.AtLeast(0)))
	}
	if err := p.browser.run(ctx, 0, actions...); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

func (p *page) Press(ctx context.Context, key string) error {
	var seq string
	switch key {
	case "Escape":
		seq = kb.Escape
	case "Enter":
		seq = kb.Enter
	default:
		seq = key
	}
	if err := p.browser.run(ctx, 0, chromedp.KeyEvent(seq)); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

func (p *page) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.browser.run(ctx, 0, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func networkSetupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the first document response of each navigation.
type responseMeta struct {
	mu       sync.RWMutex
	captured bool
	status   int
	headers  http.Header
	url      string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.captured = false
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured {
		return
	}
	m.captured = true
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
