// Package pool manages a fixed set of renderer sessions shared by workers.
// Sessions are handed out exclusively, counted per navigation, and torn down
// and replaced once they reach the recycle threshold or are marked dead.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
)

// Config controls pool sizing and session lifecycle.
type Config struct {
	// Size is the number of sessions (one per worker).
	Size int
	// RecycleThreshold is the number of navigations after which a session is replaced.
	RecycleThreshold int
	// CreateAttempts bounds how many times a slot tries to launch a session.
	CreateAttempts int
	// CreateBackoff is the base delay between launch attempts; it doubles per attempt.
	CreateBackoff time.Duration
}

const (
	defaultRecycleThreshold = 200
	defaultCreateAttempts   = 3
	defaultCreateBackoff    = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.RecycleThreshold <= 0 {
		c.RecycleThreshold = defaultRecycleThreshold
	}
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = defaultCreateAttempts
	}
	if c.CreateBackoff < 0 {
		c.CreateBackoff = 0
	} else if c.CreateBackoff == 0 {
		c.CreateBackoff = defaultCreateBackoff
	}
	return c
}

// Options carries the optional collaborators of a Pool.
type Options struct {
	Logger   *zap.Logger
	Reporter *progress.Reporter
	IDs      crawler.IDGenerator
	Pauser   crawler.Pauser
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live     int `json:"live"`
	Idle     int `json:"idle"`
	Recycled int `json:"recycled"`
	Degraded int `json:"degraded"`
}

// Pool hands out renderer sessions to workers.
type Pool struct {
	cfg      Config
	factory  crawler.RendererFactory
	logger   *zap.Logger
	reporter *progress.Reporter
	ids      crawler.IDGenerator
	pauser   crawler.Pauser

	idle      chan *Session
	closing   chan struct{}
	exhausted chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	live     int
	closed   bool
	seq      atomic.Int64
	recycled atomic.Int64
	degraded atomic.Int64
}

// New launches cfg.Size sessions. Slots whose session cannot be created after
// CreateAttempts tries are dropped; if no slot survives New returns
// crawler.ErrPoolExhausted.
func New(ctx context.Context, cfg Config, factory crawler.RendererFactory, opts Options) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("renderer factory is required")
	}
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pauser := opts.Pauser
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.Named("pool"),
		reporter:  opts.Reporter,
		ids:       opts.IDs,
		pauser:    pauser,
		idle:      make(chan *Session, cfg.Size),
		closing:   make(chan struct{}),
		exhausted: make(chan struct{}),
		ctx:       baseCtx,
		cancel:    cancel,
	}

	var lastErr error
	for slot := 0; slot < cfg.Size; slot++ {
		if err := ctx.Err(); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("create sessions: %w", err)
		}
		session, err := p.launch(ctx)
		if err != nil {
			lastErr = err
			p.degraded.Add(1)
			p.logger.Warn("renderer slot unavailable, continuing degraded",
				zap.Int("slot", slot),
				zap.Error(err),
			)
			p.report(progress.Event{
				Stage:     progress.StageSessionDegraded,
				SessionID: fmt.Sprintf("slot-%d", slot),
				Note:      err.Error(),
			})
			continue
		}
		p.live++
		p.idle <- session
	}
	if p.live == 0 {
		p.Shutdown()
		return nil, fmt.Errorf("%w: %v", crawler.ErrPoolExhausted, lastErr)
	}
	p.logger.Info("renderer pool ready",
		zap.Int("live", p.live),
		zap.Int("requested", cfg.Size),
		zap.Int("recycle_threshold", cfg.RecycleThreshold),
	)
	return p, nil
}

// Acquire blocks until a session is free. It returns crawler.ErrPoolClosed
// after Shutdown and crawler.ErrPoolExhausted once every slot has degraded.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	select {
	case s := <-p.idle:
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			p.closeSession(s)
			return nil, crawler.ErrPoolClosed
		}
		return s, nil
	case <-p.closing:
		return nil, crawler.ErrPoolClosed
	case <-p.exhausted:
		return nil, crawler.ErrPoolExhausted
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}
}

func (p *Pool) usable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return crawler.ErrPoolClosed
	}
	if p.live == 0 {
		return crawler.ErrPoolExhausted
	}
	return nil
}

// Release returns s to the pool. A session that reached the recycle threshold
// or was marked dead is closed and replaced before the slot is reused.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.closeSession(s)
		return
	}

	if s.dead || s.pagesServed >= p.cfg.RecycleThreshold {
		p.recycle(s)
		return
	}
	p.putIdle(s)
}

func (p *Pool) putIdle(s *Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeSession(s)
		return
	}
	p.idle <- s
	p.mu.Unlock()
}

func (p *Pool) recycle(old *Session) {
	reason := "threshold"
	if old.dead {
		reason = "dead"
	}
	p.closeSession(old)

	fresh, err := p.launch(p.ctx)
	if err != nil {
		p.degrade(old.ID, err)
		return
	}
	p.recycled.Add(1)
	p.logger.Info("renderer session recycled",
		zap.String("session_id", old.ID),
		zap.String("replacement_id", fresh.ID),
		zap.Int("pages_served", old.pagesServed),
		zap.String("reason", reason),
	)
	p.report(progress.Event{
		Stage:     progress.StageSessionRecycled,
		SessionID: old.ID,
		Count:     int64(old.pagesServed),
		Note:      reason,
	})
	p.putIdle(fresh)
}

func (p *Pool) degrade(sessionID string, cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.live--
	remaining := p.live
	if remaining == 0 {
		close(p.exhausted)
	}
	p.mu.Unlock()

	p.degraded.Add(1)
	p.logger.Warn("renderer session could not be replaced, pool shrinking",
		zap.String("session_id", sessionID),
		zap.Int("live", remaining),
		zap.Error(cause),
	)
	p.report(progress.Event{
		Stage:     progress.StageSessionDegraded,
		SessionID: sessionID,
		Count:     int64(remaining),
		Note:      cause.Error(),
	})
}

// launch creates a session, retrying with doubling backoff.
func (p *Pool) launch(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.CreateAttempts; attempt++ {
		if attempt > 0 {
			p.pauser.Pause(ctx, p.cfg.CreateBackoff*time.Duration(1<<uint(attempt-1)))
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("launch session: %w", err)
		}
		renderer, err := p.factory(ctx)
		if err == nil {
			return &Session{ID: p.nextID(), renderer: renderer}, nil
		}
		lastErr = err
		p.logger.Debug("renderer launch failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.CreateAttempts),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("launch session after %d attempts: %w", p.cfg.CreateAttempts, lastErr)
}

func (p *Pool) nextID() string {
	if p.ids != nil {
		if id, err := p.ids.NewID(); err == nil && id != "" {
			return id
		}
	}
	return fmt.Sprintf("session-%d", p.seq.Add(1))
}

func (p *Pool) closeSession(s *Session) {
	if err := s.renderer.Close(); err != nil {
		p.logger.Debug("renderer close failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Shutdown closes idle sessions and makes every later Acquire fail with
// crawler.ErrPoolClosed. Sessions still checked out are closed on Release.
// It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.cancel()
	var drained []*Session
drainLoop:
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
		default:
			break drainLoop
		}
	}
	p.mu.Unlock()

	for _, s := range drained {
		p.closeSession(s)
	}
	p.logger.Debug("renderer pool shut down", zap.Int("closed_sessions", len(drained)))
}

// Stats reports the current pool shape.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()
	return Stats{
		Live:     live,
		Idle:     len(p.idle),
		Recycled: int(p.recycled.Load()),
		Degraded: int(p.degraded.Load()),
	}
}

// RecycleThreshold returns the effective per-session navigation budget.
func (p *Pool) RecycleThreshold() int {
	return p.cfg.RecycleThreshold
}

func (p *Pool) report(evt progress.Event) {
	p.reporter.Report(evt)
}
