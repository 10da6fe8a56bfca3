package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

func newAdminService(t *testing.T, metrics bool) (*Service, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	env.conf.MetricsEnabled = metrics
	env.conf.AdminPort = 8080
	svc, err := NewService(context.Background(), env.conf, newTestLogger(), env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, env
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	svc, _ := newAdminService(t, false)
	h := svc.AdminHandler()

	for _, path := range []string{"/", "/healthz"} {
		rec := serve(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "health check OK", rec.Body.String(), path)
	}
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/nope", "").Code)
}

func TestMetricsEndpointOnlyWhenEnabled(t *testing.T) {
	svc, _ := newAdminService(t, false)
	assert.Equal(t, http.StatusNotFound, serve(svc.AdminHandler(), http.MethodGet, "/metrics", "").Code)

	svc, _ = newAdminService(t, true)
	rec := serve(svc.AdminHandler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tierflow_processor_jobs_in_flight")
}

func TestInjectEndpoint(t *testing.T) {
	svc, env := newAdminService(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.orchestrator.Run(ctx) }()

	rec := serve(svc.AdminHandler(), http.MethodPost, "/messages", `{"CancelProcessing":{"tier":0,"tables":["actions"]}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		r, ok := env.store.Get(1)
		return ok && r.Finished()
	}, waitFor, 5*time.Millisecond)

	rec = serve(svc.AdminHandler(), http.MethodPost, "/messages", `{"Unknown":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsEndpoint(t *testing.T) {
	svc, _ := newAdminService(t, false)
	ctx := context.Background()
	id, err := svc.Ledger().Record(ctx, wire.CancelProcessing(0, []string{"actions"}))
	require.NoError(t, err)

	rec := serve(svc.AdminHandler(), http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []struct {
		ID       int64          `json:"id"`
		JobID    string         `json:"job_id"`
		Progress int64          `json:"progress"`
		Request  map[string]any `json:"request"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.Equal(t, "pass_through", views[0].JobID)
	assert.Equal(t, int64(-1), views[0].Progress)
	assert.Contains(t, views[0].Request, "CancelProcessing")
}

func TestStatusEndpoint(t *testing.T) {
	svc, _ := newAdminService(t, false)

	rec := serve(svc.AdminHandler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "pass_through", status.JobID)
	assert.Equal(t, 1, status.Tier)
	assert.Equal(t, "etl_tier_1", status.Source)
	assert.Equal(t, "channel", status.Transport)
	assert.Positive(t, status.Resources.Goroutines)
}

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()
	first := tracker.Snapshot()
	assert.Positive(t, first.Goroutines)
	assert.NotZero(t, first.MemoryBytes)

	var nilTracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, nilTracker.Snapshot())
}
