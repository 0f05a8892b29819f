package transform

import (
	"fmt"
	"strings"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// Stage names used on diagnostics and errors
const (
	StageFlatten    = "flatten"
	StageFlags      = "flags"
	StageMerge      = "merge"
	StageTypes      = "types"
	StageDecode     = "decode"
	StageGather     = "gather"
	StageInstrument = "instrument"
	StageSoftBounds = "soft_constraints"
	StageActivity   = "activity_id"
)

// DeleteColumn returns the single soft-delete indicator column of rel.
// Zero or several candidates is a ConfigError naming them.
func DeleteColumn(rel *models.Relation) (string, error) {
	candidates := rel.ColumnsWhere(func(c string) bool {
		return strings.Contains(strings.ToLower(c), "delete")
	})
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", models.NewConfigError(StageFlatten, fmt.Sprintf("%s has no delete indicator column", rel.Name))
	default:
		return "", models.NewConfigError(StageFlatten, fmt.Sprintf("%s has more than one delete indicator column", rel.Name), candidates...)
	}
}

// RemoveDeletes drops rows whose delete indicator lower-cases to "yes"
func RemoveDeletes(rel *models.Relation) (*models.Relation, error) {
	col, err := DeleteColumn(rel)
	if err != nil {
		return nil, err
	}
	return rel.Filter(func(row models.Row) bool {
		return strings.ToLower(strings.TrimSpace(row.Get(col))) != "yes"
	}), nil
}

// SiteVisits builds the visit table from the site-visit columns of the header relation
func SiteVisits(header *models.Relation, schema reference.SchemaRules, includeDeletes bool) (*models.VisitSet, error) {
	rel := header
	if !includeDeletes {
		filtered, err := RemoveDeletes(header)
		if err != nil {
			return nil, err
		}
		rel = filtered
	}

	var cols []string
	for _, c := range schema.SiteVisitColumns {
		if rel.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	if !rel.HasColumn("GlobalID") {
		return nil, models.NewConfigError(StageFlatten, fmt.Sprintf("%s has no GlobalID column", rel.Name))
	}

	visits := models.NewVisitSet(cols)
	for _, row := range rel.Rows {
		id := row.Get("GlobalID")
		if id == "" {
			continue
		}
		visits.Add(models.NewVisit(id, row, cols))
	}
	return visits, nil
}

// Flatten unpivots one source relation into results, one per (row, value column).
// Header results take their grouping from the membership lists; sub-relation
// results take the fixed grouping of their relation.
func Flatten(rel *models.Relation, schema reference.SchemaRules, includeDeletes bool) ([]*models.Result, error) {
	relRules, ok := schema.Relations[rel.Name]
	if !ok {
		return nil, models.NewConfigError(StageFlatten, "no flatten rules for relation", rel.Name)
	}

	if !includeDeletes {
		filtered, err := RemoveDeletes(rel)
		if err != nil {
			return nil, err
		}
		rel = filtered
	}

	if !rel.HasColumn("GlobalID") {
		return nil, models.NewConfigError(StageFlatten, fmt.Sprintf("%s is missing its key column", rel.Name), "GlobalID")
	}

	valueCols := valueColumns(rel, relRules, schema)
	isHeader := rel.Name == models.TableMain
	membership := membershipIndex(schema.Membership)
	parentCol := keyColumn(rel, "parentglobalid")

	results := make([]*models.Result, 0, len(rel.Rows)*len(valueCols))
	for _, row := range rel.Rows {
		globalID := row.Get("GlobalID")
		parentID := globalID
		if !isHeader {
			parentID = row.Get(parentCol)
		}

		for _, col := range valueCols {
			r := &models.Result{
				GlobalID:           globalID,
				ParentGlobalID:     parentID,
				CharacteristicName: col,
				ResultText:         row.Get(col),
				GroupingVar:        relRules.Grouping,
			}
			if isHeader {
				r.GroupingVar = membership[col]
			}
			for _, id := range relRules.Identifiers {
				setAttribute(r, id, row.Get(id))
			}
			for _, c := range relRules.Carried {
				setAttribute(r, c, row.Get(c))
			}
			if r.AncMethod != "" && (r.Lab != schema.AncMethod.Lab || col != schema.AncMethod.Characteristic) {
				r.AncMethod = ""
			}
			results = append(results, r)
		}
	}

	return results, nil
}

// valueColumns are the columns unpivoted into results, in header order
func valueColumns(rel *models.Relation, relRules reference.RelationRules, schema reference.SchemaRules) []string {
	skip := make(map[string]bool)
	for _, c := range relRules.Identifiers {
		skip[c] = true
	}
	for _, c := range schema.SiteVisitColumns {
		skip[c] = true
	}
	keys := make(map[string]bool)
	for _, k := range schema.KeyColumns {
		keys[strings.ToLower(k)] = true
	}

	return rel.ColumnsWhere(func(c string) bool {
		lower := strings.ToLower(c)
		switch {
		case skip[c], keys[lower]:
			return false
		case strings.Contains(lower, "flag"), strings.Contains(lower, "delete"):
			return false
		}
		return true
	})
}

func membershipIndex(membership map[string][]string) map[string]string {
	idx := make(map[string]string)
	for group, chars := range membership {
		for _, c := range chars {
			idx[c] = group
		}
	}
	return idx
}

// keyColumn finds a key column by case-insensitive name
func keyColumn(rel *models.Relation, lower string) string {
	for _, c := range rel.Columns {
		if strings.ToLower(c) == lower {
			return c
		}
	}
	return lower
}

// setAttribute copies an identifier or carried column onto its result field
func setAttribute(r *models.Result, col, value string) {
	switch col {
	case "ysi_probe":
		r.YSIProbe = value
	case "ysi_increment":
		r.YSIIncrement = value
	case "ysi_increment_notes":
		r.YSIIncrementNotes = value
	case "lab":
		r.Lab = value
	case "anc_method":
		r.AncMethod = value
	case "discharge_instrument":
		r.DischargeInstrument = value
	}
}
