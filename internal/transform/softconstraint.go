package transform

import (
	"fmt"
	"strconv"
	"strings"

	"water-quality-etl/internal/models"
)

// Soft constraint warnings
const (
	WarningBelow = "result is below soft constraint"
	WarningAbove = "result is above soft constraint"
)

// Bound is the expected range of one (location, year, month, characteristic); nil is unbounded
type Bound struct {
	Low  *float64
	High *float64
}

// BoundKey joins the parts of a soft-constraint key. Months are zero-padded.
func BoundKey(location, year, month, characteristic string) string {
	month = strings.TrimSpace(month)
	if len(month) == 1 {
		month = "0" + month
	}
	return strings.TrimSpace(location) + strings.TrimSpace(year) + month + characteristic
}

// BuildBounds melts the paired low_X/high_X columns of the bounds table into
// keyed ranges
func BuildBounds(rel *models.Relation) (map[string]Bound, error) {
	bounds := make(map[string]Bound)
	for _, row := range rel.Rows {
		for _, col := range rel.Columns {
			var char string
			var low bool
			switch {
			case strings.HasPrefix(col, "low_"):
				char, low = strings.TrimPrefix(col, "low_"), true
			case strings.HasPrefix(col, "high_"):
				char = strings.TrimPrefix(col, "high_")
			default:
				continue
			}

			text := strings.TrimSpace(row.Get(col))
			if text == "" {
				continue
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse soft constraint %s for %s: %w", col, row.Get("Location_ID"), err)
			}

			key := BoundKey(row.Get("Location_ID"), row.Get("Year"), row.Get("Month"), char)
			b := bounds[key]
			if low {
				b.Low = &v
			} else {
				b.High = &v
			}
			bounds[key] = b
		}
	}
	return bounds, nil
}

// ResultBoundKey keys a result by its visit location, start year and month
func ResultBoundKey(r *models.Result) string {
	parts := strings.SplitN(r.Get("activity_start_date"), "-", 3)
	if len(parts) < 2 {
		return ""
	}
	return BoundKey(r.Get("location_id"), parts[0], parts[1], r.CharacteristicName)
}

// ApplySoftConstraints attaches bounds and sets an advisory warning on float
// results of unverified visits that reach a bound. Flags are left untouched.
func ApplySoftConstraints(results []*models.Result, bounds map[string]Bound) int {
	warned := 0
	for _, r := range results {
		r.Low, r.High, r.ResultWarning = nil, nil, ""

		key := ResultBoundKey(r)
		if key == "" {
			continue
		}
		b, ok := bounds[key]
		if !ok {
			continue
		}
		r.Low, r.High = b.Low, b.High

		if r.DataType != models.TypeFloat || r.NumResult == nil || r.IsVerified() {
			continue
		}
		if r.Low != nil && *r.NumResult <= *r.Low {
			r.ResultWarning = WarningBelow
		}
		if r.High != nil && *r.NumResult >= *r.High {
			r.ResultWarning = WarningAbove
		}
		if r.ResultWarning != "" {
			warned++
		}
	}
	return warned
}
