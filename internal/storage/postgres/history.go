package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pdp-extractor/internal/store"
)

// RunHistory reads pdp_runs and pdp_site_stats. It implements
// store.RunRepository.
type RunHistory struct {
	db DB
}

var _ store.RunRepository = (*RunHistory)(nil)

// NewRunHistory builds a RunHistory.
func NewRunHistory(db DB) (*RunHistory, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RunHistory{db: db}, nil
}

// GetRun retrieves a single run by id.
func (h *RunHistory) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, status, results, error_message
		FROM pdp_runs
		WHERE run_id = $1;
	`
	run, err := scanRun(h.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (h *RunHistory) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, status, results, error_message
		FROM pdp_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}
	rows, err := h.db.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListRunSites retrieves per-site statistics for a run.
func (h *RunHistory) ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	query := `
		SELECT run_id, site, last_update, tasks, succeeded, failed
		FROM pdp_site_stats
		WHERE run_id = $1
		ORDER BY site
		LIMIT $2 OFFSET $3;
	`
	rows, err := h.db.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()

	var stats []store.SiteStats
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Tasks,
			&stat.Succeeded,
			&stat.Failed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	return stats, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Results,
		&run.ErrorMessage,
	); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
