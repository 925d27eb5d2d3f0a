// Package simple contains the admission policy checked before a page is
// loaded: a host blocklist and, optionally, robots.txt.
package simple

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Config controls a Policy.
type Config struct {
	// BlockedDomains holds exact hosts and "*.suffix" or ".suffix" patterns.
	BlockedDomains []string
	RespectRobots  bool
	UserAgent      string
	// Client fetches robots.txt. Defaults to a client with a 10s timeout.
	Client *http.Client
}

// Policy decides whether a task URL may be loaded.
type Policy struct {
	blocked *domainBlocklist
	robots  *robotsChecker
}

// New builds a Policy. A zero Config admits everything.
func New(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{blocked: newDomainBlocklist(cfg.BlockedDomains)}
	if cfg.RespectRobots {
		client := cfg.Client
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		p.robots = &robotsChecker{
			client:    client,
			userAgent: cfg.UserAgent,
			logger:    logger.Named("robots"),
		}
	}
	return p
}

// Allow returns an error wrapping crawler.ErrBlocked when rawURL must not be
// loaded. A nil Policy admits everything.
func (p *Policy) Allow(ctx context.Context, rawURL string) error {
	if p == nil {
		return nil
	}
	u, err := crawler.ValidateTaskURL(rawURL)
	if err != nil {
		return err
	}
	if p.blocked.IsBlocked(u.Hostname()) {
		return fmt.Errorf("%w: host %s is blocklisted", crawler.ErrBlocked, u.Hostname())
	}
	if p.robots != nil && !p.robots.Allowed(ctx, u) {
		return fmt.Errorf("%w: disallowed by robots.txt", crawler.ErrBlocked)
	}
	return nil
}
