package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/clock/system"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/pipeline"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
)

// AttemptFunc performs one attempt of task.
type AttemptFunc func(task crawler.Task, attempt int) (pipeline.Output, error)

// Controller drives the per-task retry state machine and builds the single
// terminal Result of each task.
type Controller struct {
	policy   crawler.RetryPolicy
	fields   []string
	pauser   crawler.Pauser
	clock    crawler.Clock
	reporter *progress.Reporter
	logger   *zap.Logger
}

// ControllerOptions carries the optional collaborators of a Controller.
type ControllerOptions struct {
	Pauser   crawler.Pauser
	Clock    crawler.Clock
	Reporter *progress.Reporter
	Logger   *zap.Logger
}

// NewController builds a Controller. fields lists the expected field names
// used to derive success, partial success and not found.
func NewController(policy crawler.RetryPolicy, fields []string, opts ControllerOptions) *Controller {
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(1, 0, 0)
	}
	c := &Controller{
		policy:   policy,
		fields:   append([]string(nil), fields...),
		pauser:   opts.Pauser,
		clock:    opts.Clock,
		reporter: opts.Reporter,
		logger:   opts.Logger,
	}
	if c.pauser == nil {
		c.pauser = crawler.TimerPauser{}
	}
	if c.clock == nil {
		c.clock = system.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("retry")
	return c
}

// Execute runs attempts until one succeeds, a terminal failure occurs or the
// policy gives up. Fatal failures are returned unchanged with no Result.
// When stop ends while the task waits between attempts Execute returns
// crawler.ErrTaskAbandoned and the task has no Result.
func (c *Controller) Execute(stop context.Context, task crawler.Task, attempt AttemptFunc) (crawler.Result, error) {
	var notes []string
	for n := 1; ; n++ {
		started := c.clock.Now()
		out, err := attempt(task, n)
		if err == nil {
			return c.finish(task, crawler.DeriveStatus(c.fields, out.Fields), out.Fields, n,
				append(notes, out.Notes...)), nil
		}

		a := crawler.NewAttempt(n, err)
		notes = append(notes, a.Note())
		logger := c.logger.With(zap.String("url", task.ID), zap.Int("attempt", n), zap.String("class", a.Class.String()))

		switch a.Class {
		case crawler.FailureFatal:
			logger.Error("fatal failure", zap.Error(err))
			return crawler.Result{}, err
		case crawler.FailureCanceled:
			logger.Info("attempt canceled", zap.Error(err))
			return crawler.Result{}, fmt.Errorf("%w: %w", crawler.ErrTaskAbandoned, err)
		case crawler.FailureTerminal:
			logger.Info("terminal failure", zap.Error(err))
			return c.finish(task, crawler.TerminalStatus(err), nil, n, notes), nil
		}

		if !c.policy.ShouldRetry(err, n) {
			logger.Warn("retries exhausted", zap.Error(err))
			notes = append(notes, fmt.Sprintf("gave up after %d attempts; last failure %s", n, a.Class))
			return c.finish(task, a.ExhaustedStatus(), nil, n, notes), nil
		}

		delay := c.policy.Backoff(n)
		logger.Debug("retrying", zap.Duration("backoff", delay), zap.Error(err))
		c.reporter.Report(progress.Event{
			Stage:   progress.StageTaskRetry,
			Site:    crawler.HostOf(task.ID),
			URL:     task.ID,
			Attempt: n,
			Dur:     c.clock.Now().Sub(started),
			Note:    err.Error(),
		})
		if stop.Err() == nil {
			c.pauser.Pause(stop, delay)
		}
		if stopErr := stop.Err(); stopErr != nil {
			return crawler.Result{}, fmt.Errorf("%w after attempt %d: %w", crawler.ErrTaskAbandoned, n, stopErr)
		}
	}
}

func (c *Controller) finish(task crawler.Task, status crawler.Status, fields map[string]string, attempts int, notes []string) crawler.Result {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			copied[k] = v
		}
	}
	return crawler.Result{
		TaskID:      task.ID,
		Status:      status,
		Fields:      copied,
		Attempts:    attempts,
		Notes:       append([]string(nil), notes...),
		CompletedAt: c.clock.Now(),
	}
}

// IsAbandoned reports whether err means the task ended without a Result
// because the run was stopped.
func IsAbandoned(err error) bool {
	return errors.Is(err, crawler.ErrTaskAbandoned)
}
