package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	"github.com/JakeFAU/pdp-extractor/internal/store"
)

// Run statuses as written to pdp_runs.
const (
	RunRunning   = string(store.RunRunning)
	RunSucceeded = string(store.RunSucceeded)
	RunFailed    = string(store.RunFailed)
)

// RunSink records run lifecycle and per-site task counts from progress
// events. It implements progress.Sink.
type RunSink struct {
	db DB
}

var _ progress.Sink = (*RunSink)(nil)

// NewRunSink builds a RunSink.
func NewRunSink(db DB) (*RunSink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RunSink{db: db}, nil
}

type siteDelta struct {
	tasks, succeeded, failed int64
	at                       time.Time
}

type siteKey struct {
	run  uuid.UUID
	site string
}

// Consume applies a batch of events. Task events are folded per site before
// writing.
func (s *RunSink) Consume(ctx context.Context, batch []progress.Event) error {
	deltas := map[siteKey]*siteDelta{}
	var errs []error
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			errs = append(errs, s.UpsertRunStart(ctx, evt.RunUUID(), evt.TS))
		case progress.StageRunDone:
			errs = append(errs, s.CompleteRun(ctx, evt.RunUUID(), evt.TS, RunSucceeded, evt.Count, nil))
		case progress.StageRunError:
			note := evt.Note
			errs = append(errs, s.CompleteRun(ctx, evt.RunUUID(), evt.TS, RunFailed, evt.Count, &note))
		case progress.StageTaskDone:
			key := siteKey{run: evt.RunUUID(), site: evt.Site}
			d, ok := deltas[key]
			if !ok {
				d = &siteDelta{}
				deltas[key] = d
			}
			d.tasks++
			if crawler.Status(evt.Status).Failed() {
				d.failed++
			} else {
				d.succeeded++
			}
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	keys := make([]siteKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].site < keys[j].site })
	for _, k := range keys {
		d := deltas[k]
		errs = append(errs, s.UpsertSiteStats(ctx, k.run, k.site, d.tasks, d.succeeded, d.failed, d.at))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink; the pool is owned by the caller.
func (s *RunSink) Close(context.Context) error { return nil }

// UpsertRunStart inserts or resets a run row.
func (s *RunSink) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO pdp_runs (run_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE pdp_runs.status <> EXCLUDED.status;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunSink) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status string,
	results int64,
	errMsg *string,
) error {
	query := `
		UPDATE pdp_runs
		SET finished_at = $1, status = $2, results = $3, error_message = $4
		WHERE run_id = $5;
	`
	if _, err := s.db.Exec(ctx, query, finishedAt, status, results, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertSiteStats adds task counts for one site of a run.
func (s *RunSink) UpsertSiteStats(
	ctx context.Context,
	runID uuid.UUID,
	site string,
	tasks, succeeded, failed int64,
	at time.Time,
) error {
	query := `
		INSERT INTO pdp_site_stats (run_id, site, tasks, succeeded, failed, last_update)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, site) DO UPDATE SET
			tasks = pdp_site_stats.tasks + EXCLUDED.tasks,
			succeeded = pdp_site_stats.succeeded + EXCLUDED.succeeded,
			failed = pdp_site_stats.failed + EXCLUDED.failed,
			last_update = EXCLUDED.last_update;
	`
	if _, err := s.db.Exec(ctx, query, runID, site, tasks, succeeded, failed, at); err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}
