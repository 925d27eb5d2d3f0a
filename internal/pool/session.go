package pool

import (
	"context"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Session is one renderer checked out of the pool. It must only be used by
// the worker that acquired it until it is released.
type Session struct {
	ID          string
	renderer    crawler.Renderer
	pagesServed int
	dead        bool
}

// Navigate loads rawURL in the session and counts it against the recycle budget.
func (s *Session) Navigate(ctx context.Context, rawURL string) (crawler.Document, error) {
	s.pagesServed++
	doc, err := s.renderer.Navigate(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MarkDead flags the session for replacement on release.
func (s *Session) MarkDead() {
	s.dead = true
}

// PagesServed returns how many navigations this session has performed.
func (s *Session) PagesServed() int {
	return s.pagesServed
}

// Alive reports whether the session has not been marked dead.
func (s *Session) Alive() bool {
	return !s.dead
}

// Screenshot captures the page the session shows. It fails with
// crawler.ErrActionUnsupported when the renderer cannot take screenshots.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	shooter, ok := s.renderer.(crawler.Screenshotter)
	if !ok {
		return nil, crawler.ErrActionUnsupported
	}
	return shooter.Screenshot(ctx)
}
