package transform

import (
	"strings"

	"water-quality-etl/internal/models"
)

// FlagKey addresses one reconciled flag
type FlagKey struct {
	GlobalID       string
	Characteristic string
}

func isFlagColumn(c string) bool {
	return strings.Contains(strings.ToLower(c), "flag")
}

func isOtherColumn(c string) bool {
	return strings.Contains(strings.ToLower(c), "other")
}

// OtherCounterpart names the free-text column paired with a primary flag column
func OtherCounterpart(col string, aliases map[string]string) string {
	if alias, ok := aliases[col]; ok {
		return alias
	}
	return "other_" + col
}

// ReconcileFlags collapses each primary flag column with its "other" counterpart:
// a primary value containing "other" is replaced by the counterpart's text, then
// every "other" flag column is dropped. A relation with no "other" flag columns
// is already reconciled and is returned as is.
func ReconcileFlags(rel *models.Relation, aliases map[string]string) (*models.Relation, error) {
	flagCols := rel.ColumnsWhere(isFlagColumn)

	var others, primaries []string
	for _, c := range flagCols {
		if isOtherColumn(c) {
			others = append(others, c)
		} else {
			primaries = append(primaries, c)
		}
	}
	if len(others) == 0 {
		return rel, nil
	}

	var missing []string
	for _, c := range primaries {
		if !rel.HasColumn(OtherCounterpart(c, aliases)) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, models.NewConfigError(StageFlags, "flag columns without an other counterpart", missing...)
	}

	out := rel.Clone()
	for _, row := range out.Rows {
		for _, c := range primaries {
			v := row.Get(c)
			if v == "" || !isOtherColumn(v) {
				continue
			}
			row[c] = row.Get(OtherCounterpart(c, aliases))
		}
	}
	out.DropColumns(others...)

	return out, nil
}

// FlagCharacteristic maps a flag column to the characteristic it qualifies
// by dropping its last underscore segment
func FlagCharacteristic(col string) string {
	if i := strings.LastIndex(col, "_"); i >= 0 {
		return col[:i]
	}
	return col
}

// MeltFlags reshapes the flag columns of a reconciled relation into one
// entry per (GlobalID, characteristic). Null flags are omitted.
func MeltFlags(rel *models.Relation) map[FlagKey]string {
	flags := make(map[FlagKey]string)
	cols := rel.ColumnsWhere(func(c string) bool {
		return isFlagColumn(c) && !isOtherColumn(c)
	})
	for _, row := range rel.Rows {
		id := row.Get("GlobalID")
		for _, c := range cols {
			v := strings.TrimSpace(row.Get(c))
			if v == "" {
				continue
			}
			key := FlagKey{GlobalID: id, Characteristic: FlagCharacteristic(c)}
			if _, seen := flags[key]; !seen {
				flags[key] = v
			}
		}
	}
	return flags
}

// ApplyFlags left-joins flags onto results by (GlobalID, characteristic)
func ApplyFlags(results []*models.Result, flags map[FlagKey]string) int {
	applied := 0
	for _, r := range results {
		if f, ok := flags[FlagKey{GlobalID: r.GlobalID, Characteristic: r.CharacteristicName}]; ok {
			r.DataQualityFlag = f
			applied++
		}
	}
	return applied
}

