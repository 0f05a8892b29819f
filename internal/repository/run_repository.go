package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"water-quality-etl/internal/models"
	"water-quality-etl/pkg/database"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

// RunRepository provides data access for the run ledger, published projections and the lab log
type RunRepository interface {
	// Run operations
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	LatestRun(ctx context.Context, kind string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, int, error)

	// Finding operations
	SaveFindings(ctx context.Context, runID string, findings []models.Diagnostic) error
	ListFindings(ctx context.Context, runID string) ([]models.Diagnostic, error)

	// Publish operations
	ReplacePublished(ctx context.Context, target, runID string, rel *models.Relation) error
	ListPublished(ctx context.Context, target string, limit, offset int) ([]models.Row, int, error)

	// Lab log operations
	ListLabLog(ctx context.Context) ([]models.LabLogEntry, error)
	ReplaceLabLog(ctx context.Context, entries []models.LabLogEntry) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// RunFilter defines filters for listing runs
type RunFilter struct {
	Kind   *string
	Status *string
	Limit  int
	Offset int
}

// timeLayout is fixed-width so stored times sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// runRecord is the etl_runs row shape
type runRecord struct {
	RunID          string         `db:"run_id"`
	Kind           string         `db:"kind"`
	Status         string         `db:"status"`
	DryRun         bool           `db:"dry_run"`
	IncludeDeletes bool           `db:"include_deletes"`
	SourceFolder   string         `db:"source_folder"`
	StartedAt      string         `db:"started_at"`
	FinishedAt     sql.NullString `db:"finished_at"`
	ResultRows     int            `db:"result_rows"`
	OutputRows     int            `db:"output_rows"`
	AdvisoryCount  int            `db:"advisory_count"`
	ErrorMessage   sql.NullString `db:"error_message"`
}

func (rec *runRecord) toModel() (*models.Run, error) {
	started, err := time.Parse(timeLayout, rec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at of run %s: %w", rec.RunID, err)
	}
	run := &models.Run{
		RunID:          rec.RunID,
		Kind:           rec.Kind,
		Status:         rec.Status,
		DryRun:         rec.DryRun,
		IncludeDeletes: rec.IncludeDeletes,
		SourceFolder:   rec.SourceFolder,
		StartedAt:      started,
		ResultRows:     rec.ResultRows,
		OutputRows:     rec.OutputRows,
		AdvisoryCount:  rec.AdvisoryCount,
		ErrorMessage:   rec.ErrorMessage.String,
	}
	if rec.FinishedAt.Valid {
		finished, err := time.Parse(timeLayout, rec.FinishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at of run %s: %w", rec.RunID, err)
		}
		run.FinishedAt = &finished
	}
	return run, nil
}

type findingRecord struct {
	Rule        string `db:"rule"`
	Severity    string `db:"severity"`
	Description string `db:"description"`
	RowCount    int    `db:"row_count"`
	VisitCount  int    `db:"visit_count"`
	Sample      string `db:"sample"`
}

const runColumns = `run_id, kind, status, dry_run, include_deletes, source_folder,
		       started_at, finished_at, result_rows, output_rows, advisory_count, error_message`

// runRepository implements RunRepository
type runRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) RunRepository {
	return &runRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// CreateRun records a run as started
func (r *runRepository) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO etl_runs (
			run_id, kind, status, dry_run, include_deletes, source_folder, started_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, "insert_run", query,
		run.RunID,
		run.Kind,
		run.Status,
		run.DryRun,
		run.IncludeDeletes,
		run.SourceFolder,
		run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_CREATE_RUN] Run created", logging.Fields{
		"run_id": run.RunID,
		"kind":   run.Kind,
	})
	return nil
}

// FinishRun stores the final status, counts and error of a run
func (r *runRepository) FinishRun(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE etl_runs SET
			status = ?,
			source_folder = ?,
			finished_at = ?,
			result_rows = ?,
			output_rows = ?,
			advisory_count = ?,
			error_message = ?
		WHERE run_id = ?
	`

	var finished, errMsg interface{}
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC().Format(timeLayout)
	}
	if run.ErrorMessage != "" {
		errMsg = run.ErrorMessage
	}

	res, err := r.db.ExecContext(ctx, "finish_run", query,
		run.Status,
		run.SourceFolder,
		finished,
		run.ResultRows,
		run.OutputRows,
		run.AdvisoryCount,
		errMsg,
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{Resource: "etl_run", ID: run.RunID}
	}
	return nil
}

// GetRun retrieves a run and its findings by id
func (r *runRepository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM etl_runs WHERE run_id = ?`

	var rec runRecord
	err := r.db.GetContext(ctx, "get_run", &rec, query, runID)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "etl_run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return r.withFindings(ctx, &rec)
}

// LatestRun retrieves the most recently started run, optionally of one kind
func (r *runRepository) LatestRun(ctx context.Context, kind string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM etl_runs`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	var rec runRecord
	err := r.db.GetContext(ctx, "latest_run", &rec, query, args...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "etl_run", ID: "latest"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	return r.withFindings(ctx, &rec)
}

func (r *runRepository) withFindings(ctx context.Context, rec *runRecord) (*models.Run, error) {
	run, err := rec.toModel()
	if err != nil {
		return nil, err
	}
	run.Findings, err = r.ListFindings(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves runs with filtering and pagination, newest first
func (r *runRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, int, error) {
	// Build query with filters
	query := `SELECT ` + runColumns + ` FROM etl_runs WHERE 1=1`
	args := []interface{}{}

	if filter.Kind != nil {
		query += " AND kind = ?"
		args = append(args, *filter.Kind)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_runs", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	// Add ordering and pagination
	query += " ORDER BY started_at DESC, run_id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var recs []runRecord
	if err := r.db.SelectContext(ctx, "list_runs", &recs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(recs))
	for i := range recs {
		run, err := recs[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, totalCount, nil
}

// SaveFindings replaces the stored findings of a run
func (r *runRepository) SaveFindings(ctx context.Context, runID string, findings []models.Diagnostic) error {
	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_SAVE_FINDINGS] Findings saved", logging.Fields{
			"run_id":      runID,
			"count":       len(findings),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM qc_findings WHERE run_id = ?"), runID); err != nil {
			return fmt.Errorf("failed to clear findings: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO qc_findings (
				run_id, position, rule, severity, description, row_count, visit_count, sample
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, f := range findings {
			sample, err := json.Marshal(f.Sample)
			if err != nil {
				return fmt.Errorf("failed to encode finding sample: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, runID, i, f.Kind, string(f.Severity), f.Description, f.RowCount, f.VisitCount, string(sample)); err != nil {
				return fmt.Errorf("failed to insert finding: %w", err)
			}
		}
		return nil
	})
}

// ListFindings retrieves the findings of a run in the order they were raised
func (r *runRepository) ListFindings(ctx context.Context, runID string) ([]models.Diagnostic, error) {
	query := `
		SELECT rule, severity, description, row_count, visit_count, sample
		FROM qc_findings
		WHERE run_id = ?
		ORDER BY position
	`

	var recs []findingRecord
	if err := r.db.SelectContext(ctx, "list_findings", &recs, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}

	findings := make([]models.Diagnostic, 0, len(recs))
	for _, rec := range recs {
		d := models.Diagnostic{
			Kind:        rec.Rule,
			Severity:    models.Severity(rec.Severity),
			Description: rec.Description,
			RowCount:    rec.RowCount,
			VisitCount:  rec.VisitCount,
		}
		if err := json.Unmarshal([]byte(rec.Sample), &d.Sample); err != nil {
			return nil, fmt.Errorf("failed to decode finding sample: %w", err)
		}
		findings = append(findings, d)
	}
	return findings, nil
}

// ReplacePublished swaps the published rows of target for rel in one transaction
func (r *runRepository) ReplacePublished(ctx context.Context, target, runID string, rel *models.Relation) error {
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM published_rows WHERE target = ?"), target); err != nil {
			return fmt.Errorf("failed to clear published rows: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO published_rows (target, row_index, run_id, payload)
			VALUES (?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, row := range rel.Rows {
			payload := make(map[string]string, len(rel.Columns))
			for _, c := range rel.Columns {
				payload[c] = row.Get(c)
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to encode row %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, target, i, runID, string(data)); err != nil {
				return fmt.Errorf("failed to insert published row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", target, err)
	}

	r.metrics.RecordPublished(target, rel.Len())
	r.logger.Info(ctx, "[REPO_PUBLISH] Projection published", logging.Fields{
		"target": target,
		"run_id": runID,
		"rows":   rel.Len(),
	})
	return nil
}

// ListPublished retrieves published rows of target in row order
func (r *runRepository) ListPublished(ctx context.Context, target string, limit, offset int) ([]models.Row, int, error) {
	var totalCount int
	if err := r.db.GetContext(ctx, "count_published", &totalCount,
		"SELECT COUNT(*) FROM published_rows WHERE target = ?", target); err != nil {
		return nil, 0, fmt.Errorf("failed to count published rows: %w", err)
	}

	var payloads []string
	err := r.db.SelectContext(ctx, "list_published", &payloads, `
		SELECT payload FROM published_rows
		WHERE target = ?
		ORDER BY row_index
		LIMIT ? OFFSET ?
	`, target, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list published rows: %w", err)
	}

	rows := make([]models.Row, 0, len(payloads))
	for _, p := range payloads {
		row := models.Row{}
		if err := json.Unmarshal([]byte(p), &row); err != nil {
			return nil, 0, fmt.Errorf("failed to decode published row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, totalCount, nil
}

// ListLabLog retrieves the lab log in its recorded order
func (r *runRepository) ListLabLog(ctx context.Context) ([]models.LabLogEntry, error) {
	var entries []models.LabLogEntry
	err := r.db.SelectContext(ctx, "list_lab_log", &entries,
		"SELECT characteristic, method, sample_date FROM lab_log ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to list lab log: %w", err)
	}
	return entries, nil
}

// ReplaceLabLog swaps the stored lab log for entries
func (r *runRepository) ReplaceLabLog(ctx context.Context, entries []models.LabLogEntry) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM lab_log"); err != nil {
			return fmt.Errorf("failed to clear lab log: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO lab_log (position, characteristic, method, sample_date)
			VALUES (?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, e := range entries {
			if _, err := stmt.ExecContext(ctx, i, e.Characteristic, e.Method, e.SampleDate); err != nil {
				return fmt.Errorf("failed to insert lab log entry: %w", err)
			}
		}
		return nil
	})
}

// HealthCheck performs a repository health check
func (r *runRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
