package transform

import (
	"context"
	"fmt"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
	"water-quality-etl/pkg/logging"
)

// Options control a transform run
type Options struct {
	IncludeDeletes bool
	SampleSize     int
}

// Output is the cleaned long-format table and everything reported while building it
type Output struct {
	Results     []*models.Result
	Visits      *models.VisitSet
	Diagnostics []models.Diagnostic
	Duration    time.Duration
}

// Transformer turns an extracted table set into typed, instrument-resolved
// results with activity identifiers
type Transformer struct {
	ref      *reference.Set
	resolver *InstrumentResolver
	bounds   map[string]Bound
	logger   *logging.StructuredLogger
}

// NewTransformer prepares the instrument rules and soft-constraint bounds from the reference set
func NewTransformer(ref *reference.Set, logger *logging.StructuredLogger) (*Transformer, error) {
	resolver, err := NewInstrumentResolver(ref.Rules.Instruments, BuildHistory(ref.LabLog))
	if err != nil {
		return nil, err
	}
	bounds, err := BuildBounds(ref.SoftConstraints)
	if err != nil {
		return nil, fmt.Errorf("failed to build soft constraints: %w", err)
	}
	return &Transformer{
		ref:      ref,
		resolver: resolver,
		bounds:   bounds,
		logger:   logger,
	}, nil
}

// Resolver returns the instrument resolver
func (t *Transformer) Resolver() *InstrumentResolver {
	return t.resolver
}

// Run executes the transform stages in order
func (t *Transformer) Run(ctx context.Context, tables *models.TableSet, opts Options) (*Output, error) {
	startTime := time.Now()
	schema := t.ref.Rules.Schema
	sampleCols := t.ref.Rules.QC.SampleColumns
	out := &Output{}

	t.logger.Info(ctx, "[TRANSFORM_START] Starting transform", logging.Fields{
		"folder":          tables.Folder,
		"include_deletes": opts.IncludeDeletes,
		"stage":           "INITIALIZATION",
	})

	visits, err := SiteVisits(tables.Main, schema, opts.IncludeDeletes)
	if err != nil {
		return nil, fmt.Errorf("failed to build site visits: %w", err)
	}

	var results []*models.Result
	for _, rel := range []*models.Relation{tables.Main, tables.YSI, tables.Grabsample} {
		flat, err := t.flattenRelation(ctx, rel, opts.IncludeDeletes)
		if err != nil {
			return nil, err
		}
		results = append(results, flat...)
	}

	results, orphaned := Merge(results, visits)
	results = Clean(results, schema)
	t.logger.Debug(ctx, "[TRANSFORM_MERGE] Results merged onto site visits", logging.Fields{
		"visits":   visits.Len(),
		"results":  len(results),
		"orphaned": orphaned,
		"stage":    StageMerge,
	})

	out.Diagnostics = append(out.Diagnostics, ApplyTypes(results, t.ref.Registry, sampleCols, opts.SampleSize)...)

	DecodeNames(visits, t.ref.Choices, schema.Decode)
	decoded := DecodeChars(results, t.ref.Choices, schema.Decode)
	out.Diagnostics = append(out.Diagnostics, GatherOthers(visits, schema)...)
	scrubbed := ScrubLocations(visits, t.ref.Locations)
	t.logger.Debug(ctx, "[TRANSFORM_DECODE] Codes decoded and override columns gathered", logging.Fields{
		"decoded_results": decoded,
		"scrubbed_visits": scrubbed,
		"visit_columns":   len(visits.Columns),
		"stage":           StageDecode,
	})

	out.Diagnostics = append(out.Diagnostics, CastResults(results, sampleCols, opts.SampleSize)...)
	AssignWeekOfYear(results)
	results = OrderNumericFirst(results)
	results = DropPermanentlyMissing(results)

	hits := t.resolver.Resolve(results)
	t.logger.Debug(ctx, "[TRANSFORM_INSTRUMENT] Instruments resolved", logging.Fields{
		"rules":         len(t.resolver.Rules()),
		"matched_rules": len(hits),
		"stage":         StageInstrument,
	})

	warned := ApplySoftConstraints(results, t.bounds)
	t.logger.Debug(ctx, "[TRANSFORM_SOFT_CONSTRAINTS] Soft constraints applied", logging.Fields{
		"bounds": len(t.bounds),
		"warned": warned,
		"stage":  StageSoftBounds,
	})
	results = DropIgnored(results, schema)

	diags, err := AssignActivityIDs(results, sampleCols, opts.SampleSize)
	if err != nil {
		return nil, err
	}
	out.Diagnostics = append(out.Diagnostics, diags...)

	out.Results = results
	out.Visits = visits
	out.Duration = time.Since(startTime)

	advisories, _ := models.CountBySeverity(out.Diagnostics)
	t.logger.Info(ctx, "[TRANSFORM_COMPLETE] Transform completed", logging.Fields{
		"results":          len(results),
		"visits":           visits.Len(),
		"soft_warnings":    warned,
		"advisories":       advisories,
		"duration_seconds": out.Duration.Seconds(),
		"stage":            "COMPLETE",
	})

	return out, nil
}

// flattenRelation unpivots one relation and joins its reconciled flags
func (t *Transformer) flattenRelation(ctx context.Context, rel *models.Relation, includeDeletes bool) ([]*models.Result, error) {
	if rel == nil {
		return nil, models.NewConfigError(StageFlatten, "source relation is missing")
	}
	schema := t.ref.Rules.Schema

	results, err := Flatten(rel, schema, includeDeletes)
	if err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", rel.Name, err)
	}

	reconciled, err := ReconcileFlags(rel, schema.FlagAliases)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile flags of %s: %w", rel.Name, err)
	}
	applied := ApplyFlags(results, MeltFlags(reconciled))

	t.logger.Debug(ctx, "[TRANSFORM_FLATTEN] Relation flattened", logging.Fields{
		"relation":      rel.Name,
		"rows":          rel.Len(),
		"results":       len(results),
		"flags_applied": applied,
		"stage":         StageFlatten,
	})
	return results, nil
}

// Finalize re-runs instrument resolution and activity identifiers after a
// downstream step rewrote the fields they depend on
func (t *Transformer) Finalize(results []*models.Result, opts Options) ([]models.Diagnostic, error) {
	t.resolver.Resolve(results)
	return AssignActivityIDs(results, t.ref.Rules.QC.SampleColumns, opts.SampleSize)
}
