package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/repository"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

// RunLedger is the read side of the pipeline run history
type RunLedger interface {
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, int, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	LatestRun(ctx context.Context, kind string) (*models.Run, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RunHandler handles the diagnostics API endpoints
type RunHandler struct {
	ledger  RunLedger
	health  HealthChecker
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewRunHandler creates a new run handler. health may be nil.
func NewRunHandler(ledger RunLedger, health HealthChecker, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *RunHandler {
	return &RunHandler{
		ledger:  ledger,
		health:  health,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// RunSummary is a run without its findings, as listed by GET /api/runs
type RunSummary struct {
	*models.Run
	DurationSeconds float64 `json:"duration_seconds"`
}

// RunDetail is a run with its findings
type RunDetail struct {
	*models.Run
	DurationSeconds float64 `json:"duration_seconds"`
	FatalCount      int     `json:"fatal_count"`
}

var validKinds = map[string]bool{
	models.RunDashboard: true,
	models.RunExchange:  true,
	models.RunMetadata:  true,
}

var validStatuses = map[string]bool{
	models.RunRunning:   true,
	models.RunSucceeded: true,
	models.RunFailed:    true,
}

// ListRuns handles GET /api/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/runs").Observe(duration.Seconds())
	}()

	// Parse query parameters
	kind := r.URL.Query().Get("kind")
	status := r.URL.Query().Get("status")
	pageStr := r.URL.Query().Get("page")
	limitStr := r.URL.Query().Get("limit")

	// Default pagination
	page := 1
	limit := 50

	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	if maxPage := math.MaxInt32 / limit; page > maxPage {
		page = maxPage
	}

	filter := repository.RunFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if kind != "" {
		if !validKinds[kind] {
			h.sendError(w, r, "invalid kind, expected dashboard, exchange or metadata", http.StatusBadRequest)
			return
		}
		filter.Kind = &kind
	}

	if status != "" {
		if !validStatuses[status] {
			h.sendError(w, r, "invalid status, expected running, succeeded or failed", http.StatusBadRequest)
			return
		}
		filter.Status = &status
	}

	runs, total, err := h.ledger.ListRuns(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_LIST_RUNS_ERROR] Failed to list runs", logging.Fields{
			"kind":   kind,
			"status": status,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/runs")
		h.sendError(w, r, "failed to retrieve runs", http.StatusInternalServerError)
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, RunSummary{Run: run, DurationSeconds: run.Duration().Seconds()})
	}

	response := PaginatedResponse{
		Data:       summaries,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}

	h.metrics.RecordAPIRequest("/api/runs", "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// GetRun handles GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.ledger.GetRun(ctx, runID)
	h.sendRun(w, r, "/api/runs/{id}", run, err)
}

// LatestRun handles GET /api/runs/latest
func (h *RunHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := r.URL.Query().Get("kind")
	if kind != "" && !validKinds[kind] {
		h.sendError(w, r, "invalid kind, expected dashboard, exchange or metadata", http.StatusBadRequest)
		return
	}

	run, err := h.ledger.LatestRun(ctx, kind)
	h.sendRun(w, r, "/api/runs/latest", run, err)
}

func (h *RunHandler) sendRun(w http.ResponseWriter, r *http.Request, endpoint string, run *models.Run, err error) {
	ctx := r.Context()

	var notFound *repository.NotFoundError
	if errors.As(err, &notFound) {
		h.sendError(w, r, notFound.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error(ctx, "[API_GET_RUN_ERROR] Failed to get run", logging.Fields{
			"endpoint": endpoint,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve run", http.StatusInternalServerError)
		return
	}

	_, fatal := models.CountBySeverity(run.Findings)
	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, RunDetail{Run: run, DurationSeconds: run.Duration().Seconds(), FatalCount: fatal}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *RunHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if h.health != nil {
		if err := h.health.HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK] Database unreachable", logging.Fields{"error": err.Error()})
			status["status"] = "unhealthy"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// sendJSON sends a JSON response
func (h *RunHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *RunHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all diagnostics API routes
func (h *RunHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/runs", h.ListRuns).Methods("GET")
	router.HandleFunc("/api/runs/latest", h.LatestRun).Methods("GET")
	router.HandleFunc("/api/runs/{id}", h.GetRun).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
