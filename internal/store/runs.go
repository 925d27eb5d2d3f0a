package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the pdp_runs status column.
type RunStatus string

// Run statuses persisted in pdp_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ParseRunStatus accepts the stored values plus a few operator aliases.
func ParseRunStatus(input string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "running":
		return RunRunning, nil
	case "succeeded", "success", "done":
		return RunSucceeded, nil
	case "failed", "error", "failure":
		return RunFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

// Run is one extraction run.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil while the run is in progress.
	FinishedAt *time.Time
	Status     RunStatus
	// Results is the size of the result set when the run finished.
	Results      int64
	ErrorMessage *string
}

// SiteStats aggregates task outcomes for one site of a run.
type SiteStats struct {
	RunID      uuid.UUID
	Site       string
	LastUpdate time.Time
	Tasks      int64
	Succeeded  int64
	Failed     int64
}

// RunRepository reads run history.
type RunRepository interface {
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs, newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSites returns per-site stats for one run.
	ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
