package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdp-extractor/internal/store"
)

type fakeRunRepo struct {
	runs      []store.Run
	sites     []store.SiteStats
	err       error
	gotStatus *store.RunStatus
	gotLimit  int
	gotOffset int
	gotRunID  uuid.UUID
}

func (f *fakeRunRepo) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	f.gotRunID = runID
	if f.err != nil {
		return store.Run{}, f.err
	}
	for _, r := range f.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	f.gotStatus, f.gotLimit, f.gotOffset = status, limit, offset
	return f.runs, f.err
}

func (f *fakeRunRepo) ListRunSites(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	f.gotRunID, f.gotLimit, f.gotOffset = runID, limit, offset
	return f.sites, f.err
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRunsListFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	note := "interrupted"
	repo := &fakeRunRepo{runs: []store.Run{{
		ID:           uuid.New(),
		StartedAt:    time.Now().Add(-time.Hour).UTC(),
		Status:       store.RunFailed,
		ErrorMessage: &note,
	}}}
	s := NewServer(nil, repo, nil, nil, nil)

	rec := serve(t, s, "/v1/runs?status=error&limit=5000&offset=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, repo.gotStatus)
	assert.Equal(t, store.RunFailed, *repo.gotStatus)
	assert.Equal(t, maxRunLimit, repo.gotLimit)
	assert.Equal(t, 2, repo.gotOffset)

	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "failed", body.Runs[0].Status)
	require.NotNil(t, body.Runs[0].Error)
	assert.Equal(t, note, *body.Runs[0].Error)
}

func TestRunsListRejectsBadQuery(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, &fakeRunRepo{}, nil, nil, nil)
	for _, path := range []string{
		"/v1/runs?status=paused",
		"/v1/runs?limit=0",
		"/v1/runs?offset=-1",
	} {
		assert.Equal(t, http.StatusBadRequest, serve(t, s, path).Code, path)
	}
}

func TestRunsGetRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeRunRepo{runs: []store.Run{{ID: runID, Status: store.RunRunning}}}
	s := NewServer(nil, repo, nil, nil, nil)

	rec := serve(t, s, "/v1/runs/"+runID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), runID.String())

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/runs/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/runs/not-a-uuid").Code)
}

func TestRunsListSites(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeRunRepo{sites: []store.SiteStats{{RunID: runID, Site: "shop.example.com", Tasks: 3, Succeeded: 2, Failed: 1}}}
	s := NewServer(nil, repo, nil, nil, nil)

	rec := serve(t, s, "/v1/runs/"+runID.String()+"/sites")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, repo.gotRunID)
	assert.Equal(t, defaultSitesLimit, repo.gotLimit)

	var body struct {
		Sites []siteDTO `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sites, 1)
	assert.Equal(t, int64(1), body.Sites[0].Failed)
}

func TestRunsRepositoryErrors(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, &fakeRunRepo{err: errors.New("db down")}, nil, nil, nil)
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/runs").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/runs/"+uuid.NewString()).Code)
}

func TestRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/v1/runs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/v1/runs/"+uuid.NewString()+"/sites").Code)
}
