package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	"github.com/JakeFAU/pdp-extractor/internal/store"
)

var completed = time.Unix(1700000000, 0).UTC()

func sampleBatch() checkpoint.Batch {
	first := crawler.Result{
		TaskID:      "https://shop.example.com/p/1",
		Status:      crawler.StatusSuccess,
		Fields:      map[string]string{"seller": "Acme"},
		Attempts:    1,
		CompletedAt: completed,
	}
	second := crawler.Result{
		TaskID:      "https://shop.example.com/p/2",
		Status:      crawler.StatusServerError,
		Attempts:    3,
		Notes:       []string{"gave up after 3 attempts; last failure transient"},
		CompletedAt: completed,
	}
	return checkpoint.Batch{
		Path:    "results.csv",
		Results: []crawler.Result{first, second},
		Added:   []crawler.Result{second},
	}
}

func TestResultMirrorUpsertsAddedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewResultMirror(mock, "", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "postgres", mirror.Name())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pdp_results").
		WithArgs(
			"https://shop.example.com/p/2",
			"run-1",
			"server_error",
			[]byte(`{}`),
			3,
			[]string{"gave up after 3 attempts; last failure transient"},
			completed,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, mirror.Mirror(context.Background(), sampleBatch()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultMirrorRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewResultMirror(mock, "results_v2", "run-1")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO results_v2").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err = mirror.Mirror(context.Background(), sampleBatch())
	require.ErrorContains(t, err, "upsert result https://shop.example.com/p/2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultMirrorSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewResultMirror(mock, "", "run-1")
	require.NoError(t, err)
	require.NoError(t, mirror.Mirror(context.Background(), checkpoint.Batch{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewResultMirrorValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewResultMirror(mock, "results; DROP TABLE x", "run")
	require.Error(t, err)
	_, err = NewResultMirror(nil, "", "run")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pdp_results").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pdp_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pdp_site_stats").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSinkConsume(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewRunSink(mock)
	require.NoError(t, err)

	runID := uuid.Must(uuid.NewV7())
	started := completed
	finished := completed.Add(time.Minute)
	rid := progress.UUIDToBytes(runID)
	batch := []progress.Event{
		{RunID: rid, TS: started, Stage: progress.StageRunStart},
		{RunID: rid, TS: started, Stage: progress.StageTaskDone, Site: "shop.example.com", URL: "https://shop.example.com/p/1", Status: "success"},
		{RunID: rid, TS: finished, Stage: progress.StageTaskDone, Site: "shop.example.com", URL: "https://shop.example.com/p/2", Status: "timeout"},
		{RunID: rid, TS: finished, Stage: progress.StageTaskRetry, Site: "shop.example.com", URL: "https://shop.example.com/p/2"},
		{RunID: rid, TS: finished, Stage: progress.StageRunDone, Count: 2},
	}

	mock.ExpectExec("INSERT INTO pdp_runs").
		WithArgs(runID, started, RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE pdp_runs").
		WithArgs(finished, RunSucceeded, int64(2), (*string)(nil), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO pdp_site_stats").
		WithArgs(runID, "shop.example.com", int64(2), int64(1), int64(1), finished).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSinkRecordsFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewRunSink(mock)
	require.NoError(t, err)

	runID := uuid.Must(uuid.NewV7())
	note := "open renderer pool: renderer pool has no live sessions"
	mock.ExpectExec("UPDATE pdp_runs").
		WithArgs(completed, RunFailed, int64(0), &note, runID).
		WillReturnError(errors.New("connection refused"))

	err = sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: completed, Stage: progress.StageRunError, Note: note},
	})
	require.ErrorContains(t, err, "failed to complete run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHistoryGetRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	history, err := NewRunHistory(mock)
	require.NoError(t, err)

	runID := uuid.New()
	finished := completed.Add(time.Minute)
	mock.ExpectQuery(`SELECT run_id, started_at, finished_at, status, results, error_message\s+FROM pdp_runs\s+WHERE run_id`).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "started_at", "finished_at", "status", "results", "error_message"}).
			AddRow(runID, completed, &finished, "succeeded", int64(12), nil))

	run, err := history.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, int64(12), run.Results)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, *run.FinishedAt)
	assert.Nil(t, run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHistoryGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	history, err := NewRunHistory(mock)
	require.NoError(t, err)

	runID := uuid.New()
	mock.ExpectQuery(`FROM pdp_runs`).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "started_at", "finished_at", "status", "results", "error_message"}))

	_, err = history.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunHistoryListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	history, err := NewRunHistory(mock)
	require.NoError(t, err)

	failed := "failed"
	note := "open renderer pool: browser missing"
	runID := uuid.New()
	mock.ExpectQuery(`FROM pdp_runs\s+WHERE \(\$1::text IS NULL OR status = \$1\)`).
		WithArgs(&failed, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "started_at", "finished_at", "status", "results", "error_message"}).
			AddRow(runID, completed, nil, "failed", int64(0), &note))

	status := store.RunFailed
	runs, err := history.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].ErrorMessage)
	assert.Equal(t, note, *runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHistoryListRunSites(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	history, err := NewRunHistory(mock)
	require.NoError(t, err)

	runID := uuid.New()
	mock.ExpectQuery(`FROM pdp_site_stats`).
		WithArgs(runID, 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "site", "last_update", "tasks", "succeeded", "failed"}).
			AddRow(runID, "shop.example.com", completed, int64(5), int64(4), int64(1)))

	sites, err := history.ListRunSites(context.Background(), runID, 100, 0)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "shop.example.com", sites[0].Site)
	assert.Equal(t, int64(4), sites[0].Succeeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHistoryQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	history, err := NewRunHistory(mock)
	require.NoError(t, err)

	mock.ExpectQuery(`FROM pdp_runs`).WillReturnError(errors.New("connection reset"))
	_, err = history.ListRuns(context.Background(), nil, 10, 0)
	require.ErrorContains(t, err, "failed to list runs")
}
