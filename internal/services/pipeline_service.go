package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"water-quality-etl/internal/metadata"
	"water-quality-etl/internal/models"
	"water-quality-etl/internal/projection"
	"water-quality-etl/internal/qc"
	"water-quality-etl/internal/reference"
	"water-quality-etl/internal/repository"
	"water-quality-etl/internal/source"
	"water-quality-etl/internal/transform"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

// PipelineOptions configure every run of a PipelineService
type PipelineOptions struct {
	SourceDir    string
	ReferenceDir string
	// OutputDir receives the CSV projections; empty writes into the processed export folder
	OutputDir      string
	IncludeDeletes bool
	DryRun         bool
	Verbose        bool
	SampleSize     int
	// LabLogFromDB reads the lab log from the repository instead of lab_log.csv
	LabLogFromDB  bool
	SiteOverrides map[string]metadata.SiteOverride
}

// RunResult is the outcome of one pipeline run
type RunResult struct {
	Run         *models.Run
	Output      *models.Relation
	OutputPath  string
	Diagnostics []models.Diagnostic
}

// PipelineService runs the dashboard, exchange and metadata pipelines.
// The repository is optional; without one runs are neither recorded nor published.
type PipelineService struct {
	repo      repository.RunRepository
	extractor *source.Extractor
	loader    *reference.Loader
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
	opts      PipelineOptions
	now       func() time.Time
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(repo repository.RunRepository, opts PipelineOptions, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	return &PipelineService{
		repo:      repo,
		extractor: source.NewExtractor(logger),
		loader:    reference.NewLoader(logger),
		logger:    logger,
		metrics:   metricsCollector,
		opts:      opts,
		now:       time.Now,
	}
}

// pipelineState carries the transformed and checked inputs shared by every projection
type pipelineState struct {
	folder      string
	ref         *reference.Set
	transformer *transform.Transformer
	projector   *projection.ExchangeProjector
	results     []*models.Result
}

// RunDashboard builds and publishes the dashboard projection
func (s *PipelineService) RunDashboard(ctx context.Context) (*RunResult, error) {
	return s.execute(ctx, models.RunDashboard, func(ctx context.Context, run *models.Run, res *RunResult) error {
		state, err := s.prepare(ctx, run, res, reference.DashboardTemplateFile)
		if err != nil {
			return err
		}

		timer := s.metrics.StageTimer(projection.TargetDashboard)
		rel, err := projection.Dashboard(state.results, state.ref.DashboardTemplate)
		timer.ObserveDuration()
		if err != nil {
			return fmt.Errorf("failed to project dashboard: %w", err)
		}

		return s.emit(ctx, run, res, state, projection.TargetDashboard, rel)
	})
}

// RunExchange builds and publishes the exchange projection
func (s *PipelineService) RunExchange(ctx context.Context) (*RunResult, error) {
	return s.execute(ctx, models.RunExchange, func(ctx context.Context, run *models.Run, res *RunResult) error {
		state, err := s.prepare(ctx, run, res, reference.ExchangeTemplateFile)
		if err != nil {
			return err
		}

		rel, err := s.exchange(ctx, run, res, state)
		if err != nil {
			return err
		}
		return s.emit(ctx, run, res, state, projection.TargetExchange, rel)
	})
}

// RunMetadata builds the exchange rows and reconciles the companion metadata table against them.
// Only the metadata table is written and published.
func (s *PipelineService) RunMetadata(ctx context.Context) (*RunResult, error) {
	return s.execute(ctx, models.RunMetadata, func(ctx context.Context, run *models.Run, res *RunResult) error {
		state, err := s.prepare(ctx, run, res, reference.ExchangeTemplateFile, reference.MetadataTableFile)
		if err != nil {
			return err
		}

		exchange, err := s.exchange(ctx, run, res, state)
		if err != nil {
			return err
		}

		timer := s.metrics.StageTimer(projection.TargetMetadata)
		out, err := metadata.NewReconciler(state.ref.Rules.Metadata, s.opts.SiteOverrides, s.logger).
			Reconcile(ctx, state.ref.Metadata, exchange)
		timer.ObserveDuration()
		if err != nil {
			return fmt.Errorf("failed to reconcile metadata: %w", err)
		}
		s.addDiagnostics(ctx, res, out.Diagnostics)

		return s.emit(ctx, run, res, state, projection.TargetMetadata, out.Metadata)
	})
}

// execute wraps a run body with its ledger entry, metrics and logging
func (s *PipelineService) execute(ctx context.Context, kind string, body func(context.Context, *models.Run, *RunResult) error) (*RunResult, error) {
	run := &models.Run{
		RunID:          uuid.New().String(),
		Kind:           kind,
		Status:         models.RunRunning,
		DryRun:         s.opts.DryRun,
		IncludeDeletes: s.opts.IncludeDeletes,
		StartedAt:      s.now().UTC(),
	}
	ctx = logging.WithRunID(ctx, run.RunID)
	res := &RunResult{Run: run}

	s.logger.Info(ctx, "[PIPELINE_START] Starting pipeline run", logging.Fields{
		"kind":            kind,
		"dry_run":         s.opts.DryRun,
		"include_deletes": s.opts.IncludeDeletes,
		"stage":           "INITIALIZATION",
	})

	if s.repo != nil {
		if err := s.repo.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	runErr := body(ctx, run, res)

	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.Status = models.RunSucceeded
	if runErr != nil {
		run.Status = models.RunFailed
		run.ErrorMessage = runErr.Error()
		var fatal *models.FatalError
		if errors.As(runErr, &fatal) {
			s.addDiagnostics(ctx, res, []models.Diagnostic{fatal.Diagnostic})
		}
	}
	run.AdvisoryCount, _ = models.CountBySeverity(res.Diagnostics)
	run.Findings = res.Diagnostics
	s.metrics.RecordRun(kind, run.Status, run.Duration())

	if s.repo != nil {
		if err := s.repo.SaveFindings(ctx, run.RunID, res.Diagnostics); err != nil {
			s.logger.Error(ctx, "[PIPELINE_LEDGER_ERROR] Failed to save findings", logging.Fields{"kind": kind}, err)
		}
		if err := s.repo.FinishRun(ctx, run); err != nil {
			s.logger.Error(ctx, "[PIPELINE_LEDGER_ERROR] Failed to finish run", logging.Fields{"kind": kind}, err)
		}
	}

	fields := logging.Fields{
		"kind":             kind,
		"status":           run.Status,
		"result_rows":      run.ResultRows,
		"output_rows":      run.OutputRows,
		"advisories":       run.AdvisoryCount,
		"duration_seconds": run.Duration().Seconds(),
		"stage":            "COMPLETE",
	}
	if runErr != nil {
		s.logger.Error(ctx, "[PIPELINE_FAILED] Pipeline run failed", fields, runErr)
		return res, runErr
	}
	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Pipeline run completed", fields)
	return res, nil
}

// prepare loads the reference set, checks the exchange crosswalk when the run
// needs it, then extracts the newest export, transforms and runs QC
func (s *PipelineService) prepare(ctx context.Context, run *models.Run, res *RunResult, required ...string) (*pipelineState, error) {
	folder, err := source.FindNewestFolder(s.opts.SourceDir)
	if err != nil {
		return nil, err
	}
	run.SourceFolder = filepath.Base(folder)

	var loadOpts reference.Options
	if s.opts.LabLogFromDB {
		if s.repo == nil {
			return nil, models.NewConfigError("reference", "lab log source is the database but no database is configured")
		}
		loadOpts.LabLog = s.repo
	}
	ref, err := s.loader.Load(ctx, s.opts.ReferenceDir, loadOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference tables: %w", err)
	}
	required = append([]string{reference.ChoicesFile, reference.SoftConstraintsFile, reference.LocationsFile}, required...)
	if !s.opts.LabLogFromDB {
		required = append(required, reference.LabLogFile)
	}
	if err := ref.Require("reference", required...); err != nil {
		return nil, err
	}

	// the crosswalk is checked against the template before any export data is read
	var projector *projection.ExchangeProjector
	if contains(required, reference.ExchangeTemplateFile) {
		projector, err = projection.NewExchangeProjector(ref.ExchangeTemplate, ref.Rules.Exchange, run.StartedAt)
		if err != nil {
			return nil, err
		}
	}

	timer := s.metrics.StageTimer("extract")
	tables, err := s.extractor.Extract(ctx, folder)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", folder, err)
	}

	transformer, err := transform.NewTransformer(ref, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare transform: %w", err)
	}

	timer = s.metrics.StageTimer("transform")
	out, err := transformer.Run(ctx, tables, s.transformOptions())
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	s.addDiagnostics(ctx, res, out.Diagnostics)
	s.metrics.RecordStageRows("transform", len(out.Results))
	run.ResultRows = len(out.Results)

	timer = s.metrics.StageTimer(qc.StageQC)
	report, err := qc.NewEngine(ref.Rules.QC, s.logger).Run(ctx, out.Results, out.Visits, qc.Options{
		SampleSize: s.opts.SampleSize,
		Verbose:    s.opts.Verbose,
	})
	timer.ObserveDuration()
	if report != nil {
		// a fatal finding is added once by execute; advisories were logged by the engine
		var fatal *models.FatalError
		diags := report.Diagnostics
		if errors.As(err, &fatal) && len(diags) > 0 {
			diags = diags[:len(diags)-1]
		}
		s.recordDiagnostics(ctx, res, diags, false)
	}
	if err != nil {
		return nil, err
	}

	return &pipelineState{
		folder:      folder,
		ref:         ref,
		transformer: transformer,
		projector:   projector,
		results:     out.Results,
	}, nil
}

// exchange prepares the verified results and projects them through the crosswalk
func (s *PipelineService) exchange(ctx context.Context, run *models.Run, res *RunResult, state *pipelineState) (*models.Relation, error) {
	rules := state.ref.Rules.Exchange
	timer := s.metrics.StageTimer(projection.TargetExchange)
	defer timer.ObserveDuration()

	prepared, err := projection.PrepareExchange(state.results, rules.Prepare)
	if err != nil {
		return nil, err
	}
	diags, err := state.transformer.Finalize(prepared, s.transformOptions())
	if err != nil {
		return nil, err
	}
	s.addDiagnostics(ctx, res, diags)
	speciated := projection.AddSpeciation(prepared, rules.Speciation)

	rel, err := state.projector.Project(prepared)
	if err != nil {
		return nil, err
	}
	if err := projection.RecodeCharacteristics(rel, rules.WQXCharacteristics); err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "[PIPELINE_EXCHANGE] Exchange rows projected", logging.Fields{
		"verified_results": len(prepared),
		"speciated":        speciated,
		"rows":             rel.Len(),
		"stage":            projection.StageProjection,
	})
	s.metrics.RecordStageRows(projection.TargetExchange, rel.Len())
	return rel, nil
}

// emit writes the projection to CSV and publishes it, unless this is a dry run
func (s *PipelineService) emit(ctx context.Context, run *models.Run, res *RunResult, state *pipelineState, target string, rel *models.Relation) error {
	res.Output = rel
	run.OutputRows = rel.Len()
	s.metrics.RecordStageRows(target, rel.Len())

	if s.opts.DryRun {
		s.logger.Info(ctx, "[PIPELINE_DRY_RUN] Dry run; nothing written or published", logging.Fields{
			"target": target,
			"rows":   rel.Len(),
		})
		return nil
	}

	dir := s.opts.OutputDir
	if dir == "" {
		dir = state.folder
	}
	path, err := projection.WriteCSVFile(dir, target, rel)
	if err != nil {
		return err
	}
	res.OutputPath = path
	s.logger.Info(ctx, "[PIPELINE_WRITE] Projection written", logging.Fields{
		"target": target,
		"path":   path,
		"rows":   rel.Len(),
	})

	if s.repo != nil {
		if err := s.repo.ReplacePublished(ctx, target, run.RunID, rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *PipelineService) addDiagnostics(ctx context.Context, res *RunResult, diags []models.Diagnostic) {
	s.recordDiagnostics(ctx, res, diags, s.opts.Verbose)
}

// recordDiagnostics counts diagnostics on the run, optionally logging the advisories
func (s *PipelineService) recordDiagnostics(ctx context.Context, res *RunResult, diags []models.Diagnostic, logAdvisories bool) {
	for _, d := range diags {
		s.metrics.RecordDiagnostic(d.Kind, string(d.Severity))
		if logAdvisories && !d.IsFatal() {
			s.logger.Warn(ctx, "[PIPELINE_ADVISORY] "+d.Description, logging.Fields{
				"kind":      d.Kind,
				"stage":     d.Stage,
				"row_count": d.RowCount,
			})
		}
	}
	res.Diagnostics = append(res.Diagnostics, diags...)
}

func (s *PipelineService) transformOptions() transform.Options {
	return transform.Options{
		IncludeDeletes: s.opts.IncludeDeletes,
		SampleSize:     s.opts.SampleSize,
	}
}

// ImportLabLog copies lab_log.csv from the reference directory into the
// lab_log table, replacing its contents
func (s *PipelineService) ImportLabLog(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, errNoRepository
	}

	ref, err := s.loader.Load(ctx, s.opts.ReferenceDir, reference.Options{})
	if err != nil {
		return 0, fmt.Errorf("failed to load reference tables: %w", err)
	}
	if err := ref.Require("lab_log", reference.LabLogFile); err != nil {
		return 0, err
	}

	if err := s.repo.ReplaceLabLog(ctx, ref.LabLog); err != nil {
		return 0, fmt.Errorf("failed to import lab log: %w", err)
	}

	s.logger.Info(ctx, "[LAB_LOG_IMPORT] Lab log imported", logging.Fields{
		"entries": len(ref.LabLog),
		"source":  ref.Dir,
	})
	return len(ref.LabLog), nil
}

// ListRuns, GetRun and LatestRun expose the run ledger to the diagnostics API
func (s *PipelineService) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, int, error) {
	if s.repo == nil {
		return nil, 0, errNoRepository
	}
	return s.repo.ListRuns(ctx, filter)
}

func (s *PipelineService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if s.repo == nil {
		return nil, errNoRepository
	}
	return s.repo.GetRun(ctx, runID)
}

func (s *PipelineService) LatestRun(ctx context.Context, kind string) (*models.Run, error) {
	if s.repo == nil {
		return nil, errNoRepository
	}
	return s.repo.LatestRun(ctx, kind)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var errNoRepository = errors.New("run ledger requires a database")
