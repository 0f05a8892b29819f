package projection

import (
	"fmt"
	"strconv"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// RunTimestampToken in a crosswalk constant expands to the run time
const RunTimestampToken = "$run_timestamp"

// RunTimestampLayout formats the expanded run time
const RunTimestampLayout = "2006-01-02 15:04:05"

// CalculatedFunc derives one exchange column from a result and its output row index
type CalculatedFunc func(index int, r *models.Result) string

// ExchangeProjector maps results onto the exchange template through the crosswalk
type ExchangeProjector struct {
	header     []string
	crosswalk  reference.Crosswalk
	calculated map[string]CalculatedFunc
	runTime    time.Time
}

// CalculatedFuncs returns the named expressions available to the crosswalk
func CalculatedFuncs(rules reference.ExchangeRules) map[string]CalculatedFunc {
	air := make(map[string]bool, len(rules.AirCharacteristics))
	for _, c := range rules.AirCharacteristics {
		air[c] = true
	}
	calculatedInstrument := rules.Prepare.CalculatedFlag.Instrument

	return map[string]CalculatedFunc{
		"row_index": func(index int, _ *models.Result) string {
			return strconv.Itoa(index)
		},
		"media_name": func(_ int, r *models.Result) string {
			if air[r.CharacteristicName] {
				return "Air"
			}
			return "Water"
		},
		"activity_type": func(_ int, r *models.Result) string {
			if r.GroupingVar == models.GroupLabChemistry {
				return "Sample-Routine"
			}
			return "Field Msr/Obs"
		},
		"value_type": func(_ int, r *models.Result) string {
			if r.Instrument == calculatedInstrument {
				return "Calculated"
			}
			return "Actual"
		},
	}
}

// NewExchangeProjector checks the crosswalk against the template before any row
// is produced: the mapping counts must add up to the template width, every
// template column must be mapped exactly once and every expression must exist.
func NewExchangeProjector(template []string, rules reference.ExchangeRules, runTime time.Time) (*ExchangeProjector, error) {
	xw := rules.Crosswalk
	mapped := len(xw.Cols) + len(xw.Constants) + len(xw.Calculated)
	if mapped != len(template) {
		return nil, models.NewConfigError(StageProjection,
			fmt.Sprintf("crosswalk maps %d columns but the exchange template has %d", mapped, len(template)))
	}

	targets := make(map[string]int, mapped)
	for _, c := range xw.Cols {
		targets[c.Target]++
	}
	for _, c := range xw.Constants {
		targets[c.Target]++
	}
	for _, c := range xw.Calculated {
		targets[c.Target]++
	}

	inTemplate := make(map[string]bool, len(template))
	var unmapped, duplicated, extra []string
	for _, col := range template {
		inTemplate[col] = true
		switch targets[col] {
		case 0:
			unmapped = append(unmapped, col)
		case 1:
		default:
			duplicated = append(duplicated, col)
		}
	}
	for target := range targets {
		if !inTemplate[target] {
			extra = append(extra, target)
		}
	}
	switch {
	case len(unmapped) > 0:
		return nil, models.NewConfigError(StageProjection, "exchange template columns missing from the crosswalk", unmapped...)
	case len(duplicated) > 0:
		return nil, models.NewConfigError(StageProjection, "exchange template columns mapped more than once", duplicated...)
	case len(extra) > 0:
		return nil, models.NewConfigError(StageProjection, "crosswalk targets missing from the exchange template", extra...)
	}

	funcs := CalculatedFuncs(rules)
	var unknown []string
	for _, c := range xw.Calculated {
		if _, ok := funcs[c.Expr]; !ok {
			unknown = append(unknown, c.Expr)
		}
	}
	if len(unknown) > 0 {
		return nil, models.NewConfigError(StageProjection, "unknown calculated expressions", unknown...)
	}

	header := make([]string, len(template))
	copy(header, template)
	return &ExchangeProjector{
		header:     header,
		crosswalk:  xw,
		calculated: funcs,
		runTime:    runTime,
	}, nil
}

// Header returns the exchange template columns
func (p *ExchangeProjector) Header() []string {
	return p.header
}

// Project builds one exchange row per result
func (p *ExchangeProjector) Project(results []*models.Result) (*models.Relation, error) {
	if len(results) > 0 {
		var missing []string
		for _, c := range p.crosswalk.Cols {
			if !results[0].Has(c.Source) {
				missing = append(missing, c.Source)
			}
		}
		if len(missing) > 0 {
			return nil, models.NewConfigError(StageProjection, "crosswalk source columns missing from the results", missing...)
		}
	}

	constants := make(map[string]string, len(p.crosswalk.Constants))
	for _, c := range p.crosswalk.Constants {
		value := c.Value
		if value == RunTimestampToken {
			value = p.runTime.Format(RunTimestampLayout)
		}
		constants[c.Target] = value
	}

	rel := models.NewRelation(TargetExchange, p.header)
	for i, r := range results {
		row := make(models.Row, len(p.header))
		for _, c := range p.crosswalk.Cols {
			row[c.Target] = r.Get(c.Source)
		}
		for target, value := range constants {
			row[target] = value
		}
		for _, c := range p.crosswalk.Calculated {
			row[c.Target] = p.calculated[c.Expr](i, r)
		}
		rel.AddRow(row)
	}
	return rel, nil
}
