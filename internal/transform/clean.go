package transform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// Merge attaches every result to its site visit by ParentGlobalID. Results whose
// visit is absent (soft-deleted or orphaned) are dropped; the count is returned.
func Merge(results []*models.Result, visits *models.VisitSet) ([]*models.Result, int) {
	kept := make([]*models.Result, 0, len(results))
	dropped := 0
	for _, r := range results {
		v, ok := visits.Lookup(r.ParentGlobalID)
		if !ok {
			dropped++
			continue
		}
		r.Visit = v
		kept = append(kept, r)
	}
	return kept, dropped
}

// Clean drops excluded characteristics, site-visit columns and any
// characteristic naming a delete or flag column
func Clean(results []*models.Result, schema reference.SchemaRules) []*models.Result {
	drop := make(map[string]bool)
	for _, c := range schema.ExcludedCharacteristics {
		drop[c] = true
	}
	for _, c := range schema.SiteVisitColumns {
		drop[c] = true
	}

	return filterResults(results, func(r *models.Result) bool {
		name := r.CharacteristicName
		return !drop[name] && !strings.Contains(name, "delete") && !strings.Contains(name, "flag")
	})
}

// ApplyTypes assigns data type and unit from the registry. Unregistered
// characteristics keep a null type and are reported, as are registry entries
// without a type.
func ApplyTypes(results []*models.Result, registry *reference.Registry, sampleCols []string, sampleSize int) []models.Diagnostic {
	var unregistered []*models.Result
	names := make(map[string]bool)

	for _, r := range results {
		c, ok := registry.Lookup(r.CharacteristicName)
		if !ok {
			r.DataType = ""
			r.ResultUnit = ""
			unregistered = append(unregistered, r)
			names[r.CharacteristicName] = true
			continue
		}
		r.DataType = c.DataType
		r.ResultUnit = c.Unit
	}

	var diags []models.Diagnostic
	if len(unregistered) > 0 {
		diags = append(diags, models.Summarize(
			"unregistered_characteristic", StageTypes, models.SeverityAdvisory,
			fmt.Sprintf("characteristics missing from the registry lose typed casting: %s", strings.Join(sortedKeys(names), ", ")),
			unregistered, sampleCols, sampleSize,
		))
	}
	if incomplete := registry.Incomplete(); len(incomplete) > 0 {
		diags = append(diags, models.Diagnostic{
			Kind:        "incomplete_registry_entry",
			Stage:       StageTypes,
			Severity:    models.SeverityAdvisory,
			Description: fmt.Sprintf("registry entries without a data type: %s", strings.Join(incomplete, ", ")),
			RowCount:    len(incomplete),
		})
	}
	return diags
}

// CastResults fills the typed value columns. Float text that fails to parse
// leaves NumResult null; the row is kept and reported.
func CastResults(results []*models.Result, sampleCols []string, sampleSize int) []models.Diagnostic {
	var malformed []*models.Result
	for _, r := range results {
		r.NumResult = nil
		r.StrResult = ""

		switch r.DataType {
		case models.TypeFloat:
			text := strings.TrimSpace(r.ResultText)
			if text == "" {
				continue
			}
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				malformed = append(malformed, r)
				continue
			}
			r.NumResult = &f
		case models.TypeBool, models.TypeString:
			r.StrResult = r.ResultText
		}
	}

	if len(malformed) == 0 {
		return nil
	}
	return []models.Diagnostic{models.Summarize(
		"malformed_numeric_result", StageTypes, models.SeverityAdvisory,
		"float results that do not parse as numbers",
		malformed, withColumn(sampleCols, "Result_Text"), sampleSize,
	)}
}

// AssignWeekOfYear sets the ISO week of the visit start date
func AssignWeekOfYear(results []*models.Result) {
	for _, r := range results {
		d, ok := r.Visit.StartDate()
		if !ok {
			r.WeekOfYear = 0
			continue
		}
		_, week := d.ISOWeek()
		r.WeekOfYear = week
	}
}

// OrderNumericFirst stably moves results with a numeric value ahead of the rest
func OrderNumericFirst(results []*models.Result) []*models.Result {
	out := make([]*models.Result, 0, len(results))
	for _, r := range results {
		if r.NumResult != nil {
			out = append(out, r)
		}
	}
	for _, r := range results {
		if r.NumResult == nil {
			out = append(out, r)
		}
	}
	return out
}

// DropPermanentlyMissing removes results flagged permanently_missing
func DropPermanentlyMissing(results []*models.Result) []*models.Result {
	return filterResults(results, func(r *models.Result) bool {
		return r.DataQualityFlag != "permanently_missing"
	})
}

// DropIgnored removes note characteristics and the configured ignore list
func DropIgnored(results []*models.Result, schema reference.SchemaRules) []*models.Result {
	ignored := make(map[string]bool)
	for _, c := range schema.IgnoredCharacteristics {
		ignored[c] = true
	}
	return filterResults(results, func(r *models.Result) bool {
		return !ignored[r.CharacteristicName] && !strings.Contains(r.CharacteristicName, "_notes")
	})
}

func filterResults(results []*models.Result, keep func(*models.Result) bool) []*models.Result {
	out := make([]*models.Result, 0, len(results))
	for _, r := range results {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// withColumn returns a copy of cols with col appended
func withColumn(cols []string, col string) []string {
	out := make([]string, 0, len(cols)+1)
	out = append(out, cols...)
	return append(out, col)
}
