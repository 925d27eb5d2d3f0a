package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/dispatcher"
	"github.com/JakeFAU/pdp-extractor/internal/metrics"
	"github.com/JakeFAU/pdp-extractor/internal/pool"
)

type fakeStatus struct {
	mu      sync.Mutex
	summary dispatcher.Summary
	stats   *pool.Stats
}

func (f *fakeStatus) Snapshot() dispatcher.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary
}

func (f *fakeStatus) PoolStats() (pool.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		return pool.Stats{}, false
	}
	return *f.stats, true
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerReadyzFollowsRun(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{}
	s := NewServer(status, nil, nil, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/readyz").Code)

	status.mu.Lock()
	status.summary.Running = true
	status.mu.Unlock()
	require.Equal(t, http.StatusOK, serve(t, s, "/readyz").Code)

	require.Equal(t, http.StatusServiceUnavailable, serve(t, NewServer(nil, nil, nil, nil, nil), "/readyz").Code)
}

func TestServerCurrentRun(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{
		summary: dispatcher.Summary{
			RunID:     "run-1",
			Total:     10,
			Resumed:   4,
			Completed: 3,
			ByStatus:  map[crawler.Status]int{crawler.StatusSuccess: 2, crawler.StatusNotFound: 1},
			Running:   true,
			StartedAt: time.Unix(1700000000, 0).UTC(),
		},
		stats: &pool.Stats{Live: 2, Idle: 1, Recycled: 5},
	}
	rec := serve(t, NewServer(status, nil, nil, nil, nil), "/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run  dispatcher.Summary `json:"run"`
		Pool *pool.Stats        `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Run.RunID)
	assert.Equal(t, 2, body.Run.ByStatus[crawler.StatusSuccess])
	require.NotNil(t, body.Pool)
	assert.Equal(t, 5, body.Pool.Recycled)
}

func TestServerCurrentRunWithoutPool(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeStatus{}, nil, nil, nil, nil), "/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"pool"`)

	rec = serve(t, NewServer(nil, nil, nil, nil, nil), "/v1/run")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsUsesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pdpx_test_gauge", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(7)

	s := NewServer(nil, nil, reg, httpMetrics, nil)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pdpx_test_gauge 7")
	assert.Contains(t, rec.Body.String(), `pdpx_http_requests_total{code="200",method="GET"} 1`)
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, nil, nil)
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
