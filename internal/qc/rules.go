package qc

import (
	"fmt"
	"sort"
	"strings"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// Columns added by the exchange projection; they are legitimately null before it
var projectionColumns = map[string]bool{
	"MethodSpeciationName":     true,
	"ResultSampleFractionText": true,
}

// DefaultRules returns the QC battery in evaluation order
func DefaultRules(cfg reference.QCRules) []Rule {
	return []Rule{
		{Name: "non_nullable_all_null", Severity: models.SeverityAdvisory, Check: nonNullableAllNull(cfg.Nullable)},
		{Name: "verified_non_nullable", Severity: models.SeverityAdvisory, Check: verifiedNonNullable(cfg.VerifiedNonNullable)},
		{Name: "float_missing_unit", Severity: models.SeverityAdvisory, Check: floatMissingUnit},
		{Name: "duplicate_site_visit", Severity: models.SeverityAdvisory, Check: duplicateSiteVisit},
		{Name: "nonpositive_unflagged", Severity: models.SeverityAdvisory, Check: nonPositiveUnflagged(cfg.NonPositive.ExemptCharacteristics, cfg.NonPositive.AcceptedFlags)},
		{Name: "unknown_flag", Severity: models.SeverityAdvisory, Check: unknownFlag(cfg.KnownFlags)},
		{Name: "unknown_ysi_probe", Severity: models.SeverityAdvisory, Check: unknownYSIProbe(cfg.KnownYSIProbes)},
		{Name: "unknown_flowtracker", Severity: models.SeverityAdvisory, Check: unknownFlowtracker(cfg.KnownFlowtrackers, cfg.DiscreteVisitType)},
	}
}

func nonNullableAllNull(nullable []string) CheckFunc {
	skip := toSet(nullable)
	return func(in *Input) []Finding {
		if len(in.Results) == 0 {
			return nil
		}

		var cols []string
		if in.Visits != nil {
			cols = append(cols, in.Visits.Columns...)
		}
		for _, c := range models.ResultColumns {
			if !projectionColumns[c] {
				cols = append(cols, c)
			}
		}

		var empty []string
		seen := make(map[string]bool)
		for _, c := range cols {
			if skip[c] || seen[c] {
				continue
			}
			seen[c] = true
			if allNull(in.Results, c) {
				empty = append(empty, c)
			}
		}
		if len(empty) == 0 {
			return nil
		}
		return []Finding{{
			Description: fmt.Sprintf("non-nullable fields are null in all rows: %s", strings.Join(empty, ", ")),
			Rows:        in.Results,
			Columns:     empty,
		}}
	}
}

func allNull(results []*models.Result, col string) bool {
	for _, r := range results {
		if strings.TrimSpace(r.Get(col)) != "" {
			return false
		}
	}
	return true
}

// verifiedNonNullable reports verified rows with a recorded, non-yes delete flag
// that are missing a required column
func verifiedNonNullable(cols []string) CheckFunc {
	return func(in *Input) []Finding {
		var findings []Finding
		for _, c := range cols {
			rows := filter(in.Results, func(r *models.Result) bool {
				deleteFlag := r.Get("delete_record")
				return r.IsVerified() &&
					strings.TrimSpace(r.Get(c)) == "" &&
					deleteFlag != "" && strings.ToLower(deleteFlag) != "yes"
			})
			if len(rows) == 0 {
				continue
			}
			findings = append(findings, Finding{
				Kind:        "verified_non_nullable:" + c,
				Description: fmt.Sprintf("non-nullable field %s is null in %s of rows of verified records", c, percent(len(rows), len(in.Results))),
				Rows:        rows,
				Columns:     []string{c},
			})
		}
		return findings
	}
}

func floatMissingUnit(in *Input) []Finding {
	rows := filter(in.Results, func(r *models.Result) bool {
		return r.DataType == models.TypeFloat && r.ResultUnit == ""
	})
	if len(rows) == 0 {
		return nil
	}
	return []Finding{{
		Description: fmt.Sprintf("non-nullable field Result_Unit is null in %s of rows", percent(len(rows), len(in.Results))),
		Rows:        rows,
	}}
}

// duplicateSiteVisit reports activity group ids shared by more than one site visit
func duplicateSiteVisit(in *Input) []Finding {
	if in.Visits == nil {
		return nil
	}
	byGroup := make(map[string][]string)
	for _, v := range in.Visits.Visits {
		group := v.ActivityGroupID()
		if group == "" {
			continue
		}
		byGroup[group] = append(byGroup[group], v.GlobalID)
	}

	var dupes []string
	for group, ids := range byGroup {
		if len(ids) > 1 {
			dupes = append(dupes, group)
		}
	}
	if len(dupes) == 0 {
		return nil
	}
	sort.Strings(dupes)

	dupeSet := toSet(dupes)
	rows := filter(in.Results, func(r *models.Result) bool {
		return dupeSet[r.ActivityGroupID()]
	})
	return []Finding{{
		Description: fmt.Sprintf("%d site visits are duplicated in the survey: %s", len(dupes), strings.Join(dupes, ", ")),
		Rows:        rows,
		Columns:     []string{"SiteVisitGlobalID"},
	}}
}

func nonPositiveUnflagged(exempt, accepted []string) CheckFunc {
	exemptSet, acceptedSet := toSet(exempt), toSet(accepted)
	return func(in *Input) []Finding {
		rows := filter(in.Results, func(r *models.Result) bool {
			return r.IsVerified() &&
				r.NumResult != nil && *r.NumResult <= 0 &&
				!acceptedSet[r.DataQualityFlag] &&
				!exemptSet[r.CharacteristicName]
		})
		if len(rows) == 0 {
			return nil
		}
		return []Finding{{
			Description: fmt.Sprintf("%d verified results are zero or negative but not flagged nondetect or below quantitation limit", len(rows)),
			Rows:        rows,
		}}
	}
}

func unknownFlag(known []string) CheckFunc {
	knownSet := toSet(known)
	return func(in *Input) []Finding {
		rows := filter(in.Results, func(r *models.Result) bool {
			return r.IsVerified() && r.DataQualityFlag != "" && !knownSet[r.DataQualityFlag]
		})
		if len(rows) == 0 {
			return nil
		}
		return []Finding{{
			Description: fmt.Sprintf("%d verified results carry a data_quality_flag outside the known list", len(rows)),
			Rows:        rows,
		}}
	}
}

func unknownYSIProbe(known []string) CheckFunc {
	knownSet := toSet(known)
	return func(in *Input) []Finding {
		rows := filter(in.Results, func(r *models.Result) bool {
			return r.IsVerified() &&
				r.GroupingVar == models.GroupWaterQuality &&
				r.YSIProbe != "" && !knownSet[r.YSIProbe]
		})
		if len(rows) == 0 {
			return nil
		}
		return []Finding{{
			Description: fmt.Sprintf("%d verified results name a ysi_probe outside the known list", len(rows)),
			Rows:        rows,
			Columns:     []string{"ysi_probe"},
		}}
	}
}

func unknownFlowtracker(known []string, discreteVisitType string) CheckFunc {
	knownSet := toSet(known)
	return func(in *Input) []Finding {
		rows := filter(in.Results, func(r *models.Result) bool {
			return r.IsVerified() &&
				r.CharacteristicName == "discharge_instrument" &&
				r.GroupingVar == models.GroupFlowQuantity &&
				r.Visit.Sampleability() == models.SampleabilityActive &&
				r.Visit.VisitType() == discreteVisitType &&
				!knownSet[r.ResultText]
		})
		if len(rows) == 0 {
			return nil
		}
		return []Finding{{
			Description: fmt.Sprintf("%d verified discrete visits name a discharge instrument outside the known list", len(rows)),
			Rows:        rows,
			Columns:     []string{"sampleability", "Result_Text"},
		}}
	}
}

func filter(results []*models.Result, match func(*models.Result) bool) []*models.Result {
	var out []*models.Result
	for _, r := range results {
		if match(r) {
			out = append(out, r)
		}
	}
	return out
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func percent(n, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(n)/float64(total)*100)
}
