// Package crawlertest provides in-memory renderers and documents for tests.
package crawlertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Document is a scripted crawler.Document.
type Document struct {
	mu sync.Mutex

	Loc    string
	Markup string
	// After replaces Markup once an interaction with the given selector or key happens.
	After map[string]string
	// Missing lists selectors that Click and Fill report as absent.
	Missing map[string]bool
	// EvalResults maps expressions to the JSON encoded value Evaluate decodes.
	EvalResults map[string]string
	// Unsupported makes every interaction return crawler.ErrActionUnsupported.
	Unsupported bool

	Clicks    []string
	Fills     []string
	Presses   []string
	HTMLCalls int
}

// Location implements crawler.Document.
func (d *Document) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Loc, nil
}

// HTML implements crawler.Document.
func (d *Document) HTML(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HTMLCalls++
	return d.Markup, nil
}

// Click implements crawler.Document.
func (d *Document) Click(_ context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.interact(selector); err != nil {
		return err
	}
	d.Clicks = append(d.Clicks, selector)
	return nil
}

// Fill implements crawler.Document.
func (d *Document) Fill(_ context.Context, selector, value string, submit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.interact(selector); err != nil {
		return err
	}
	entry := selector + "=" + value
	if submit {
		entry += "\n"
	}
	d.Fills = append(d.Fills, entry)
	return nil
}

// Press implements crawler.Document.
func (d *Document) Press(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.interact(key); err != nil {
		return err
	}
	d.Presses = append(d.Presses, key)
	return nil
}

// Evaluate implements crawler.Document.
func (d *Document) Evaluate(_ context.Context, expression string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Unsupported {
		return crawler.ErrActionUnsupported
	}
	raw, ok := d.EvalResults[expression]
	if !ok {
		return fmt.Errorf("no scripted result for %q", expression)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (d *Document) interact(target string) error {
	if d.Unsupported {
		return crawler.ErrActionUnsupported
	}
	if d.Missing[target] {
		return fmt.Errorf("%w: %s", crawler.ErrFieldNotFound, target)
	}
	if next, ok := d.After[target]; ok {
		d.Markup = next
	}
	return nil
}

// NavigateFunc scripts what a Renderer returns for a URL.
type NavigateFunc func(ctx context.Context, rawURL string) (crawler.Document, error)

// Renderer is a scripted crawler.Renderer.
type Renderer struct {
	Nav  NavigateFunc
	ID   int
	// Shot is returned by Screenshot; nil makes screenshots unsupported.
	Shot []byte

	navigations atomic.Int64
	closed      atomic.Bool
}

// Navigate implements crawler.Renderer.
func (r *Renderer) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	if r.closed.Load() {
		return nil, errors.New("renderer closed")
	}
	r.navigations.Add(1)
	if r.Nav == nil {
		return &Document{Loc: rawURL}, nil
	}
	return r.Nav(ctx, rawURL)
}

// Close implements crawler.Renderer.
func (r *Renderer) Close() error {
	r.closed.Store(true)
	return nil
}

// Screenshot implements crawler.Screenshotter.
func (r *Renderer) Screenshot(context.Context) ([]byte, error) {
	if r.Shot == nil {
		return nil, crawler.ErrActionUnsupported
	}
	return append([]byte(nil), r.Shot...), nil
}

// Navigations returns how many pages the renderer loaded.
func (r *Renderer) Navigations() int {
	return int(r.navigations.Load())
}

// Closed reports whether Close was called.
func (r *Renderer) Closed() bool {
	return r.closed.Load()
}

// Factory builds Renderers and remembers every one it created.
type Factory struct {
	mu sync.Mutex
	// Nav is installed on every created renderer.
	Nav NavigateFunc
	// Shot is installed on every created renderer.
	Shot []byte
	// FailFirst makes the first N creations fail.
	FailFirst int
	// FailAfter makes every creation after the Nth successful one fail when > 0.
	FailAfter int
	calls     int
	created   []*Renderer
}

// New implements crawler.RendererFactory.
func (f *Factory) New(context.Context) (crawler.Renderer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.FailFirst {
		return nil, errors.New("browser launch failed")
	}
	if f.FailAfter > 0 && len(f.created) >= f.FailAfter {
		return nil, errors.New("browser launch failed")
	}
	r := &Renderer{Nav: f.Nav, Shot: f.Shot, ID: len(f.created) + 1}
	f.created = append(f.created, r)
	return r, nil
}

// Created returns the renderers built so far.
func (f *Factory) Created() []*Renderer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Renderer(nil), f.created...)
}

// Calls returns the number of creation attempts.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// NoPause is a crawler.Pauser that returns immediately and records delays.
type NoPause struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Pause implements crawler.Pauser.
func (p *NoPause) Pause(_ context.Context, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, delay)
}

// Delays returns the recorded pauses in call order.
func (p *NoPause) Delays() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}
