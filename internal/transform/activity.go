package transform

import (
	"fmt"
	"strings"

	"water-quality-etl/internal/models"
)

// ActivityID composes the activity identifier of one result. The second return
// is false when a required part is null.
func ActivityID(r *models.Result) (string, bool) {
	group := r.ActivityGroupID()
	if group == "" || r.GroupingVar == "" {
		return "", false
	}
	parts := []string{group, r.GroupingVar}
	active := r.Visit.Sampleability() == models.SampleabilityActive

	switch r.GroupingVar {
	case models.GroupFlowQuantity:
		if r.DischargeInstrument != "" {
			parts = append(parts, r.DischargeInstrument)
		}
	case models.GroupWaterQuality:
		if active && r.YSIProbe != "" && r.YSIIncrement != "" {
			parts = append(parts, r.YSIProbe, r.YSIIncrement)
		}
	case models.GroupLabChemistry:
		if active && r.Lab != "" {
			parts = append(parts, r.Lab)
		}
	}
	return strings.Join(parts, "|"), true
}

// AssignActivityIDs sets the activity identifier of every result. A null or
// unknown grouping category, a null activity group id or a null identifier is
// fatal; a known category absent from the data is reported as an advisory.
func AssignActivityIDs(results []*models.Result, sampleCols []string, sampleSize int) ([]models.Diagnostic, error) {
	var noGroup, noActivityGroup, unknown []*models.Result
	seen := make(map[string]bool)
	unknownNames := make(map[string]bool)

	for _, r := range results {
		switch {
		case r.GroupingVar == "":
			noGroup = append(noGroup, r)
		case !models.IsKnownGrouping(r.GroupingVar):
			unknown = append(unknown, r)
			unknownNames[r.GroupingVar] = true
		default:
			seen[r.GroupingVar] = true
		}
		if r.ActivityGroupID() == "" {
			noActivityGroup = append(noActivityGroup, r)
		}
	}

	cols := withColumn(sampleCols, "grouping_var")
	if len(noGroup) > 0 {
		names := make(map[string]bool)
		for _, r := range noGroup {
			names[r.CharacteristicName] = true
		}
		return nil, models.NewFatalError(models.Summarize(
			"missing_grouping_category", StageActivity, models.SeverityFatal,
			fmt.Sprintf("characteristics without a grouping category: %s", strings.Join(sortedKeys(names), ", ")),
			noGroup, cols, sampleSize,
		))
	}
	if len(unknown) > 0 {
		return nil, models.NewFatalError(models.Summarize(
			"unknown_grouping_category", StageActivity, models.SeverityFatal,
			fmt.Sprintf("grouping categories outside the known set: %s", strings.Join(sortedKeys(unknownNames), ", ")),
			unknown, cols, sampleSize,
		))
	}
	if len(noActivityGroup) > 0 {
		return nil, models.NewFatalError(models.Summarize(
			"missing_activity_group_id", StageActivity, models.SeverityFatal,
			"results whose visit has no activity_group_id",
			noActivityGroup, withColumn(sampleCols, "SiteVisitGlobalID"), sampleSize,
		))
	}

	var unresolved []*models.Result
	for _, r := range results {
		id, ok := ActivityID(r)
		r.ActivityID = id
		if !ok || id == "" {
			unresolved = append(unresolved, r)
		}
	}
	if len(unresolved) > 0 {
		return nil, models.NewFatalError(models.Summarize(
			"missing_activity_id", StageActivity, models.SeverityFatal,
			"results left without an activity identifier",
			unresolved, cols, sampleSize,
		))
	}

	var diags []models.Diagnostic
	var absent []string
	for _, g := range models.KnownGroupings {
		if !seen[g] {
			absent = append(absent, g)
		}
	}
	if len(absent) > 0 && len(results) > 0 {
		diags = append(diags, models.Diagnostic{
			Kind:        "absent_grouping_category",
			Stage:       StageActivity,
			Severity:    models.SeverityAdvisory,
			Description: fmt.Sprintf("known grouping categories with no results: %s", strings.Join(absent, ", ")),
		})
	}
	return diags, nil
}
