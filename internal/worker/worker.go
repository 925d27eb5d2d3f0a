// Package worker implements the per-task execution loop: one worker takes a
// task from the queue, runs it through the retry controller on a pooled
// renderer session and hands the Result to the collector.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/pipeline"
	"github.com/JakeFAU/pdp-extractor/internal/pool"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	// AttemptTimeout bounds one attempt, including waiting for a session.
	AttemptTimeout time.Duration
	// PolitenessDelay is slept between consecutive tasks of one worker.
	PolitenessDelay time.Duration
	// ErrorPageMarkers are matched against the path and query of a redirect target.
	ErrorPageMarkers []string
	// Admission vetoes a URL before a session is acquired. Nil admits all.
	Admission Admission
	// Debug receives a screenshot of the page when a task ends in failure.
	// Nil disables capture.
	Debug DebugStore
}

// DebugStore persists failure screenshots and returns their URI.
type DebugStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Admission decides whether a task URL may be loaded at all.
type Admission interface {
	Allow(ctx context.Context, rawURL string) error
}

const (
	defaultAttemptTimeout = 90 * time.Second
	screenshotTimeout     = 10 * time.Second
)

// SessionPool is the part of *pool.Pool a worker needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session)
}

// Outcome is what a worker reports for each task it took off the queue.
type Outcome struct {
	TaskID string
	Result crawler.Result
	// Abandoned is set when the run stopped while the task waited to retry.
	Abandoned bool
}

// Worker consumes queue items and executes the extraction pipeline.
type Worker struct {
	id         int
	sessions   SessionPool
	pipeline   *pipeline.Pipeline
	controller *Controller
	pauser     crawler.Pauser
	reporter   *progress.Reporter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	sessions SessionPool,
	pipe *pipeline.Pipeline,
	controller *Controller,
	pauser crawler.Pauser,
	reporter *progress.Reporter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.ErrorPageMarkers == nil {
		cfg.ErrorPageMarkers = crawler.DefaultErrorPageMarkers
	}
	return &Worker{
		id:         id,
		sessions:   sessions,
		pipeline:   pipe,
		controller: controller,
		pauser:     pauser,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run takes tasks until the queue is drained or ctx ends, sending one Outcome
// per task to out. It returns the first fatal error it meets.
func (w *Worker) Run(ctx context.Context, queue crawler.TaskQueue, out chan<- Outcome) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return fmt.Errorf("dequeue: %w", err)
		}

		outcome, err := w.Process(ctx, task)
		if err != nil {
			return err
		}
		out <- outcome
		w.pauser.Pause(ctx, w.cfg.PolitenessDelay)
	}
}

// Process runs one task to its terminal Result. In-flight attempts are
// detached from ctx so that stopping the run lets them finish; ctx only
// keeps new attempts from starting and interrupts the wait between them.
func (w *Worker) Process(ctx context.Context, task crawler.Task) (Outcome, error) {
	start := time.Now()
	w.reporter.Report(progress.Event{
		Stage: progress.StageTaskStart,
		Site:  crawler.HostOf(task.ID),
		URL:   task.ID,
	})
	w.logger.Debug("task started", zap.String("url", task.ID))

	detached := context.WithoutCancel(ctx)
	var shot []byte
	result, err := w.controller.Execute(ctx, task, func(t crawler.Task, n int) (pipeline.Output, error) {
		shot = nil
		return w.attempt(ctx, detached, t, n, &shot)
	})
	switch {
	case IsAbandoned(err):
		w.logger.Info("task abandoned", zap.String("url", task.ID), zap.Error(err))
		return Outcome{TaskID: task.ID, Abandoned: true}, nil
	case err != nil:
		return Outcome{TaskID: task.ID}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if shot != nil {
		if note := w.saveScreenshot(detached, task, shot); note != "" {
			result.Notes = append(result.Notes, note)
		}
	}

	w.reporter.Report(progress.Event{
		Stage:   progress.StageTaskDone,
		Site:    crawler.HostOf(task.ID),
		URL:     task.ID,
		Attempt: result.Attempts,
		Status:  string(result.Status),
		Dur:     time.Since(start),
	})
	w.logger.Debug("task done",
		zap.String("url", task.ID),
		zap.String("status", string(result.Status)),
		zap.Int("attempts", result.Attempts),
	)
	return Outcome{TaskID: task.ID, Result: result}, nil
}

// attempt runs one navigation and extraction. stop is only consulted before
// the attempt begins; everything after that runs on parent.
func (w *Worker) attempt(stop, parent context.Context, task crawler.Task, n int, shot *[]byte) (pipeline.Output, error) {
	if err := stop.Err(); err != nil {
		return pipeline.Output{}, crawler.Canceled(fmt.Errorf("attempt %d not started: %w", n, err))
	}
	if _, err := crawler.ValidateTaskURL(task.ID); err != nil {
		return pipeline.Output{}, err
	}
	ctx, cancel := context.WithTimeout(parent, w.cfg.AttemptTimeout)
	defer cancel()
	if w.cfg.Admission != nil {
		if err := w.cfg.Admission.Allow(ctx, task.ID); err != nil {
			return pipeline.Output{}, err
		}
	}

	session, err := w.sessions.Acquire(ctx)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("acquire session: %w", err)
	}
	defer w.sessions.Release(session)
	logger := w.logger.With(zap.String("url", task.ID), zap.Int("attempt", n), zap.String("session_id", session.ID))

	out, err := w.render(ctx, session, task, logger)
	if err != nil && w.cfg.Debug != nil {
		*shot = w.capture(parent, session, logger)
	}
	return out, err
}

func (w *Worker) render(ctx context.Context, session *pool.Session, task crawler.Task, logger *zap.Logger) (pipeline.Output, error) {
	doc, err := session.Navigate(ctx, task.ID)
	if err != nil {
		var statusErr *crawler.StatusError
		if !errors.As(err, &statusErr) {
			logger.Warn("navigation failed, retiring session", zap.Error(err))
			session.MarkDead()
		}
		return pipeline.Output{}, err
	}

	location, err := doc.Location(ctx)
	if err != nil {
		session.MarkDead()
		return pipeline.Output{}, fmt.Errorf("read location: %w", err)
	}
	if crawler.IsErrorPage(task.ID, location, w.cfg.ErrorPageMarkers) {
		return pipeline.Output{}, fmt.Errorf("%w: landed on %s", crawler.ErrRedirectedToErrorPage, location)
	}

	out := w.pipeline.Run(ctx, doc)
	if err := ctx.Err(); err != nil {
		return pipeline.Output{}, fmt.Errorf("extract: %w", err)
	}
	logger.Debug("attempt extracted", zap.Int("fields", len(out.Fields)))
	return out, nil
}

// capture grabs the session's current page. Renderers without screenshot
// support and sessions whose browser is gone yield nil.
func (w *Worker) capture(parent context.Context, session *pool.Session, logger *zap.Logger) []byte {
	ctx, cancel := context.WithTimeout(parent, screenshotTimeout)
	defer cancel()
	img, err := session.Screenshot(ctx)
	if err != nil {
		if !errors.Is(err, crawler.ErrActionUnsupported) {
			logger.Debug("failure screenshot unavailable", zap.Error(err))
		}
		return nil
	}
	return img
}

func (w *Worker) saveScreenshot(ctx context.Context, task crawler.Task, img []byte) string {
	name := fmt.Sprintf("debug_error_%s_%s.png", screenshotSlug(task.ID), time.Now().UTC().Format("20060102T150405"))
	uri, err := w.cfg.Debug.PutObject(ctx, name, "image/png", bytes.NewReader(img))
	if err != nil {
		w.logger.Warn("failed to save failure screenshot", zap.String("url", task.ID), zap.Error(err))
		return ""
	}
	w.logger.Info("saved failure screenshot", zap.String("url", task.ID), zap.String("uri", uri))
	return "debug screenshot: " + uri
}

const maxSlugLength = 80

// screenshotSlug turns a task URL into a file name fragment.
func screenshotSlug(rawURL string) string {
	trimmed := rawURL
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, trimmed)
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = slug[len(slug)-maxSlugLength:]
	}
	if slug == "" {
		return "task"
	}
	return slug
}
