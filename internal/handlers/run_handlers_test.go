package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/repository"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLedger struct {
	runs      []*models.Run
	lastQuery repository.RunFilter
	err       error
}

func (f *fakeLedger) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, int, error) {
	f.lastQuery = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	end := filter.Offset + filter.Limit
	if end > len(f.runs) {
		end = len(f.runs)
	}
	if filter.Offset >= len(f.runs) {
		return nil, len(f.runs), nil
	}
	return f.runs[filter.Offset:end], len(f.runs), nil
}

func (f *fakeLedger) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, run := range f.runs {
		if run.RunID == runID {
			return run, nil
		}
	}
	return nil, &repository.NotFoundError{Resource: "etl_run", ID: runID}
}

func (f *fakeLedger) LatestRun(ctx context.Context, kind string) (*models.Run, error) {
	for _, run := range f.runs {
		if kind == "" || run.Kind == kind {
			return run, nil
		}
	}
	return nil, &repository.NotFoundError{Resource: "etl_run", ID: "latest"}
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(ctx context.Context) error { return f.err }

func newTestRouter(t *testing.T, ledger RunLedger, health HealthChecker) *mux.Router {
	t.Helper()

	logger := logging.NewStructuredLogger("handlers-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	collector := metrics.NewCollector("handlers_test", nil)

	router := mux.NewRouter()
	NewRunHandler(ledger, health, logger, collector).RegisterRoutes(router)
	return router
}

func sampleRuns() []*models.Run {
	started := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	return []*models.Run{
		{
			RunID:         "run-3",
			Kind:          models.RunExchange,
			Status:        models.RunFailed,
			StartedAt:     started.Add(2 * time.Hour),
			ErrorMessage:  "duplicate_activity_id",
			AdvisoryCount: 1,
			Findings: []models.Diagnostic{
				{Kind: "null_in_non_nullable", Stage: "qc", Severity: models.SeverityAdvisory, RowCount: 2},
				{Kind: "duplicate_activity_id", Stage: "qc", Severity: models.SeverityFatal, RowCount: 4},
			},
		},
		{RunID: "run-2", Kind: models.RunDashboard, Status: models.RunSucceeded, StartedAt: started.Add(time.Hour)},
		{RunID: "run-1", Kind: models.RunDashboard, Status: models.RunSucceeded, StartedAt: started, FinishedAt: &finished},
	}
}

func serve(router *mux.Router, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRunHandler_ListRuns(t *testing.T) {
	ledger := &fakeLedger{runs: sampleRuns()}
	router := newTestRouter(t, ledger, nil)

	rec := serve(router, "/api/runs?page=2&limit=2&kind=dashboard&status=succeeded")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.NotNil(t, ledger.lastQuery.Kind)
	require.NotNil(t, ledger.lastQuery.Status)
	assert.Equal(t, models.RunDashboard, *ledger.lastQuery.Kind)
	assert.Equal(t, models.RunSucceeded, *ledger.lastQuery.Status)
	assert.Equal(t, 2, ledger.lastQuery.Limit)
	assert.Equal(t, 2, ledger.lastQuery.Offset)

	var page struct {
		Data []struct {
			RunID           string  `json:"run_id"`
			DurationSeconds float64 `json:"duration_seconds"`
		} `json:"data"`
		Total      int `json:"total"`
		Page       int `json:"page"`
		TotalPages int `json:"total_pages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "run-1", page.Data[0].RunID)
	assert.InDelta(t, 90, page.Data[0].DurationSeconds, 0.001)
}

func TestRunHandler_ListRunsDefaults(t *testing.T) {
	ledger := &fakeLedger{runs: sampleRuns()}
	router := newTestRouter(t, ledger, nil)

	rec := serve(router, "/api/runs?limit=100000&page=-3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ledger.lastQuery.Kind)
	assert.Equal(t, 50, ledger.lastQuery.Limit)
	assert.Equal(t, 0, ledger.lastQuery.Offset)
}

func TestRunHandler_ListRunsHugePage(t *testing.T) {
	ledger := &fakeLedger{runs: sampleRuns()}
	router := newTestRouter(t, ledger, nil)

	rec := serve(router, "/api/runs?page=9223372036854775807")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, ledger.lastQuery.Limit)
	assert.Equal(t, (math.MaxInt32/50-1)*50, ledger.lastQuery.Offset)
	assert.GreaterOrEqual(t, ledger.lastQuery.Offset, 0)
}

func TestRunHandler_InvalidFilters(t *testing.T) {
	router := newTestRouter(t, &fakeLedger{}, nil)

	for _, target := range []string{"/api/runs?kind=nitrate", "/api/runs?status=done", "/api/runs/latest?kind=nitrate"} {
		rec := serve(router, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, http.StatusBadRequest, body.Code)
	}
}

func TestRunHandler_ListRunsError(t *testing.T) {
	router := newTestRouter(t, &fakeLedger{err: errors.New("database is locked")}, nil)

	rec := serve(router, "/api/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestRunHandler_GetRun(t *testing.T) {
	router := newTestRouter(t, &fakeLedger{runs: sampleRuns()}, nil)

	rec := serve(router, "/api/runs/run-3")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		RunID      string              `json:"run_id"`
		Status     string              `json:"status"`
		FatalCount int                 `json:"fatal_count"`
		Findings   []models.Diagnostic `json:"findings"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, "run-3", detail.RunID)
	assert.Equal(t, models.RunFailed, detail.Status)
	assert.Equal(t, 1, detail.FatalCount)
	require.Len(t, detail.Findings, 2)
	assert.Equal(t, "duplicate_activity_id", detail.Findings[1].Kind)
}

func TestRunHandler_GetRunNotFound(t *testing.T) {
	router := newTestRouter(t, &fakeLedger{runs: sampleRuns()}, nil)

	rec := serve(router, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing")
}

func TestRunHandler_LatestRun(t *testing.T) {
	router := newTestRouter(t, &fakeLedger{runs: sampleRuns()}, nil)

	rec := serve(router, "/api/runs/latest?kind=dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-2"`)

	rec = serve(router, "/api/runs/latest?kind=metadata")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandler_HealthCheck(t *testing.T) {
	rec := serve(newTestRouter(t, &fakeLedger{}, fakeHealth{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = serve(newTestRouter(t, &fakeLedger{}, fakeHealth{err: errors.New("connection refused")}), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestOpenAPISpec(t *testing.T) {
	rec := httptest.NewRecorder()
	OpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var spec struct {
		Paths map[string]interface{} `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&spec))
	for _, path := range []string{"/api/runs", "/api/runs/latest", "/api/runs/{id}", "/health", "/metrics"} {
		assert.Contains(t, spec.Paths, path)
	}
}

func TestSwaggerUI(t *testing.T) {
	rec := httptest.NewRecorder()
	SwaggerUI(rec, httptest.NewRequest(http.MethodGet, "/api/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "<title>Water Quality ETL Diagnostics API</title>")
	assert.Contains(t, body, `href="/api/runs"`)
	assert.Contains(t, body, "/api/docs/openapi.json")
}
