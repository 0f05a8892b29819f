package qc

import (
	"context"
	"fmt"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
	"water-quality-etl/pkg/logging"
)

// StageQC names the QC stage on diagnostics
const StageQC = "qc"

// FatalError aborts a run when a fatal rule finds offending rows
type FatalError = models.FatalError

// Input is what every rule checks: the transformed results and their visit table
type Input struct {
	Results []*models.Result
	Visits  *models.VisitSet
}

// Finding is one problem reported by a rule. Kind overrides the rule name when
// a rule reports several independent problems.
type Finding struct {
	Kind        string
	Description string
	Rows        []*models.Result
	Columns     []string
}

// CheckFunc inspects the input and returns its findings
type CheckFunc func(in *Input) []Finding

// Rule is one independent check
type Rule struct {
	Name     string
	Severity models.Severity
	Check    CheckFunc
}

// Options tune an engine run
type Options struct {
	SampleSize int
	Verbose    bool
}

// Report is the outcome of a QC pass
type Report struct {
	Diagnostics []models.Diagnostic
	Rules       int
	Results     int
	Duration    time.Duration
}

// Advisories returns the advisory diagnostics
func (r *Report) Advisories() []models.Diagnostic {
	var out []models.Diagnostic
	for _, d := range r.Diagnostics {
		if !d.IsFatal() {
			out = append(out, d)
		}
	}
	return out
}

// Engine runs an ordered rule list
type Engine struct {
	rules      []Rule
	projectID  string
	sampleCols []string
	logger     *logging.StructuredLogger
}

// NewEngine creates an engine with the default rule battery
func NewEngine(cfg reference.QCRules, logger *logging.StructuredLogger) *Engine {
	return &Engine{
		rules:      DefaultRules(cfg),
		projectID:  cfg.ProjectID,
		sampleCols: cfg.SampleColumns,
		logger:     logger,
	}
}

// AddRule appends a rule after the defaults
func (e *Engine) AddRule(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the rule names in evaluation order
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Run stamps the project id on every visit and evaluates every rule. Advisory
// findings never stop the pass; the first fatal finding returns a *FatalError
// alongside the report built so far.
func (e *Engine) Run(ctx context.Context, results []*models.Result, visits *models.VisitSet, opts Options) (*Report, error) {
	startTime := time.Now()
	report := &Report{Rules: len(e.rules), Results: len(results)}

	e.stampProjectID(visits)
	in := &Input{Results: results, Visits: visits}

	e.logger.Info(ctx, "[QC_START] Starting quality control", logging.Fields{
		"rules":   len(e.rules),
		"results": len(results),
		"stage":   "INITIALIZATION",
	})

	for _, rule := range e.rules {
		for _, f := range rule.Check(in) {
			d := e.diagnostic(rule, f, opts.SampleSize)
			report.Diagnostics = append(report.Diagnostics, d)

			if d.IsFatal() {
				report.Duration = time.Since(startTime)
				e.logger.Error(ctx, "[QC_FATAL] Fatal quality-control finding", logging.Fields{
					"rule":      d.Kind,
					"row_count": d.RowCount,
					"stage":     StageQC,
				}, fmt.Errorf("%s", d.Description))
				return report, &FatalError{Diagnostic: d}
			}
			if opts.Verbose {
				e.logger.Warn(ctx, "[QC_ADVISORY] "+d.Description, logging.Fields{
					"rule":        d.Kind,
					"row_count":   d.RowCount,
					"visit_count": d.VisitCount,
					"stage":       StageQC,
				})
			}
		}
	}

	report.Duration = time.Since(startTime)
	e.logger.Info(ctx, "[QC_COMPLETE] Quality control completed", logging.Fields{
		"advisories":       len(report.Diagnostics),
		"duration_seconds": report.Duration.Seconds(),
		"stage":            "COMPLETE",
	})
	return report, nil
}

func (e *Engine) stampProjectID(visits *models.VisitSet) {
	if visits == nil || e.projectID == "" {
		return
	}
	visits.AddColumn("project_id")
	for _, v := range visits.Visits {
		v.Set("project_id", e.projectID)
	}
}

func (e *Engine) diagnostic(rule Rule, f Finding, sampleSize int) models.Diagnostic {
	kind := f.Kind
	if kind == "" {
		kind = rule.Name
	}
	cols := make([]string, 0, len(e.sampleCols)+len(f.Columns))
	cols = append(cols, e.sampleCols...)
	cols = append(cols, f.Columns...)

	return models.Summarize(kind, StageQC, rule.Severity, f.Description, f.Rows, cols, sampleSize)
}
