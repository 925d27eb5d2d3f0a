package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// ResultMirror upserts newly flushed results keyed by URL. It implements
// checkpoint.Mirror.
type ResultMirror struct {
	db    DB
	table string
	runID string
}

var _ checkpoint.Mirror = (*ResultMirror)(nil)

// NewResultMirror builds a mirror writing to table (pdp_results when empty).
func NewResultMirror(db DB, table, runID string) (*ResultMirror, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultMirror{db: db, table: name, runID: runID}, nil
}

// Name implements checkpoint.Mirror.
func (m *ResultMirror) Name() string { return "postgres" }

// Mirror writes batch.Added in one transaction.
func (m *ResultMirror) Mirror(ctx context.Context, batch checkpoint.Batch) error {
	if len(batch.Added) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, run_id, status, fields, attempts, notes, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (url) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	status = EXCLUDED.status,
	fields = EXCLUDED.fields,
	attempts = EXCLUDED.attempts,
	notes = EXCLUDED.notes,
	completed_at = EXCLUDED.completed_at`, m.table)

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, r := range batch.Added {
		args, err := resultArgs(m.runID, r)
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert result %s: %w", r.TaskID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

func resultArgs(runID string, r crawler.Result) ([]any, error) {
	fields := r.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	notes := r.Notes
	if notes == nil {
		notes = []string{}
	}
	return []any{
		r.TaskID,
		runID,
		string(r.Status),
		fieldsJSON,
		r.Attempts,
		notes,
		r.CompletedAt,
	}, nil
}
