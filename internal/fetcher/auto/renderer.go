// Package auto implements a crawler.Renderer that serves pages from a cheap
// static fetch and promotes to a browser session only when the static markup
// looks like a client-rendered shell.
package auto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Detector decides whether static markup needs a browser.
type Detector interface {
	NeedsRender(html string) bool
}

// Config wires the two engines and the detector.
type Config struct {
	Static   crawler.RendererFactory
	Browser  crawler.RendererFactory
	Detector Detector
}

// NewFactory returns a crawler.RendererFactory building promoting Renderers.
// The browser is launched lazily, on the first page that needs it.
func NewFactory(cfg Config, logger *zap.Logger) crawler.RendererFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) (crawler.Renderer, error) {
		if cfg.Static == nil || cfg.Browser == nil || cfg.Detector == nil {
			return nil, errors.New("auto renderer needs static, browser and detector")
		}
		static, err := cfg.Static(ctx)
		if err != nil {
			return nil, fmt.Errorf("static renderer: %w", err)
		}
		return &Renderer{
			static:     static,
			newBrowser: cfg.Browser,
			detector:   cfg.Detector,
			logger:     logger.Named("auto"),
		}, nil
	}
}

// Renderer is one promoting session.
type Renderer struct {
	static     crawler.Renderer
	newBrowser crawler.RendererFactory
	detector   Detector
	logger     *zap.Logger

	mu      sync.Mutex
	browser crawler.Renderer
}

// Navigate implements crawler.Renderer.
func (r *Renderer) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	doc, err := r.static.Navigate(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	html, err := doc.HTML(ctx)
	if err == nil && !r.detector.NeedsRender(html) {
		return doc, nil
	}
	browser, err := r.browserSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("promote to browser: %w", err)
	}
	r.logger.Debug("promoted to browser", zap.String("url", rawURL))
	return browser.Navigate(ctx, rawURL)
}

func (r *Renderer) browserSession(ctx context.Context) (crawler.Renderer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}
	b, err := r.newBrowser(ctx)
	if err != nil {
		return nil, err
	}
	r.browser = b
	return b, nil
}

// Promoted reports whether this session has launched its browser.
func (r *Renderer) Promoted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser != nil
}

// Close implements crawler.Renderer.
func (r *Renderer) Close() error {
	r.mu.Lock()
	browser := r.browser
	r.browser = nil
	r.mu.Unlock()

	var errs []error
	if err := r.static.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close static: %w", err))
	}
	if browser != nil {
		if err := browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	return errors.Join(errs...)
}
