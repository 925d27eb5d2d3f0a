// Package rodbrowser contains the go-rod renderer, an alternate browser engine with
// the same one-process-per-session model as the chromedp renderer.
package rodbrowser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/policy/ratelimit"
)

// Config controls the go-rod renderer.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	WindowWidth       int
	WindowHeight      int
	// Bin overrides the browser binary rod would otherwise download or discover.
	Bin string
}

const (
	defaultNavTimeout   = 20 * time.Second
	defaultWindowWidth  = 1366
	defaultWindowHeight = 900
	stableInterval      = 300 * time.Millisecond
)

// navigationStatusJS reads the HTTP status of the main document from the
// Navigation Timing entry. It yields 0 when the browser does not expose it.
const navigationStatusJS = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch (e) {}
	return 0;
}`

// Browser implements crawler.Renderer on top of a rod-managed Chrome.
type Browser struct {
	cfg      Config
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
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

// Launch starts a browser process, connects to it and opens a blank tab.
func Launch(ctx context.Context, cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)

	l := newLauncher(cfg).Context(context.WithoutCancel(ctx))
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("rod launch: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("rod connect: %w", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("rod open page: %w", err)
	}
	if err := setupPage(page.Context(ctx), cfg); err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, err
	}

	return &Browser{
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger.Named("rod"),
		launcher: l,
		browser:  browser,
		page:     page,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = defaultWindowWidth, defaultWindowHeight
	}
	return cfg
}

func newLauncher(cfg Config) *launcher.Launcher {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-gpu"))
	l.Set(flags.Flag("hide-scrollbars"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight))
	return l
}

func setupPage(page *rod.Page, cfg Config) error {
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  cfg.WindowWidth,
		Height: cfg.WindowHeight,
	}); err != nil {
		return fmt.Errorf("rod set viewport: %w", err)
	}
	if cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			return fmt.Errorf("rod set user-agent: %w", err)
		}
	}
	return nil
}

// Close shuts the browser down and removes its profile directory.
func (b *Browser) Close() error {
	if b == nil || b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Kill()
		go b.launcher.Cleanup()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rod close: %w", err)
	}
	return nil
}

// Navigate loads rawURL, waits for the load event and a stable DOM, and
// fails with *crawler.StatusError for 4xx and 5xx documents.
func (b *Browser) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	if err := b.limiter.Wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("render rate limit: %w", err)
	}

	p := b.page.Context(ctx).Timeout(b.cfg.NavigationTimeout)
	defer p.CancelTimeout()
	if err := p.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("rod navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("rod wait load: %w", err)
	}
	if err := p.WaitDOMStable(stableInterval, 0.1); err != nil {
		b.logger.Debug("dom did not settle", zap.String("url", rawURL), zap.Error(err))
	}
	if b.cfg.SettleDelay > 0 {
		select {
		case <-time.After(b.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("rod settle: %w", ctx.Err())
		}
	}

	status := 0
	if res, err := p.Eval(navigationStatusJS); err == nil {
		status = res.Value.Int()
	}
	if status >= http.StatusBadRequest {
		loc := rawURL
		if info, err := p.Info(); err == nil && info.URL != "" {
			loc = info.URL
		}
		return nil, &crawler.StatusError{URL: loc, Code: status}
	}
	return &page{page: b.page, browser: b}, nil
}

// Screenshot captures the full tab as PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := b.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("rod screenshot: %w", err)
	}
	return img, nil
}

// page is the crawler.Document view of the browser's tab.
type page struct {
	page    *rod.Page
	browser *Browser
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.browser.Screenshot(ctx)
}

func (p *page) Location(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return info.URL, nil
}

func (p *page) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// find looks the selector up once without rod's default retry sleeper.
func (p *page) find(ctx context.Context, selector string) (*rod.Element, error) {
	ok, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return el, nil
}

func (p *page) Click(ctx context.Context, selector string) error {
	el, err := p.find(ctx, selector)
	if err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (p *page) Fill(ctx context.Context, selector, value string, submit bool) error {
	el, err := p.find(ctx, selector)
	if err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	if submit {
		if err := el.Type(input.Enter); err != nil {
			return fmt.Errorf("fill %q: submit: %w", selector, err)
		}
	}
	return nil
}

func (p *page) Press(ctx context.Context, key string) error {
	k, ok := keyFor(key)
	if !ok {
		return fmt.Errorf("press %s: %w", key, crawler.ErrActionUnsupported)
	}
	if err := p.page.Context(ctx).KeyActions().Type(k).Do(); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

func keyFor(name string) (input.Key, bool) {
	switch name {
	case "Escape":
		return input.Escape, true
	case "Enter":
		return input.Enter, true
	default:
		return 0, false
	}
}

func (p *page) Evaluate(ctx context.Context, expression string, out any) error {
	res, err := p.page.Context(ctx).Eval(wrapExpression(expression))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := res.Value.Unmarshal(out); err != nil {
		return fmt.Errorf("evaluate: decode result: %w", err)
	}
	return nil
}

// wrapExpression turns a plain expression into the function form rod.Eval expects.
func wrapExpression(expr string) string {
	return "() => (" + expr + ")"
}
