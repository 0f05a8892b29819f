package projection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// ExchangeCharacteristicColumn is the exchange column holding the characteristic name
const ExchangeCharacteristicColumn = "CharacteristicName"

// PrepareExchange applies the exchange-only filters and recodes to copies of the
// verified results: excluded characteristics go, lab-chemistry labs are recoded
// by era, the removed lab's nutrient results go, malfunctioning equipment blanks
// its result, and the calculated and QA flag rules rewrite flags.
func PrepareExchange(results []*models.Result, rules reference.PrepareRules) ([]*models.Result, error) {
	eras, err := labEras(rules.LabEras)
	if err != nil {
		return nil, err
	}
	var since *time.Time
	if rules.CalculatedFlag.Since != "" {
		d, ok := models.ParseDate(rules.CalculatedFlag.Since)
		if !ok {
			return nil, models.NewConfigError(StageProjection, "invalid calculated flag date", rules.CalculatedFlag.Since)
		}
		since = &d
	}

	excluded := toSet(rules.ExcludedCharacteristics)
	removed := toSet(rules.RemovedLabResults.Characteristics)

	var out []*models.Result
	for _, src := range results {
		if !src.IsVerified() || excluded[src.CharacteristicName] {
			continue
		}
		r := src.Clone()
		date, dated := r.Visit.StartDate()

		if r.GroupingVar == models.GroupLabChemistry && dated {
			for _, era := range eras {
				if era.contains(date) {
					r.Lab = era.lab
				}
			}
		}
		if r.Lab == rules.RemovedLabResults.Lab && removed[r.CharacteristicName] {
			continue
		}

		if rules.BlankResultFlag != "" && r.DataQualityFlag == rules.BlankResultFlag {
			r.ResultText = ""
			r.NumResult = nil
			r.StrResult = ""
		}

		cf := rules.CalculatedFlag
		if since != nil && dated && !date.Before(*since) &&
			r.DataQualityFlag == cf.Flag && r.Instrument == cf.Instrument {
			r.DataQualityFlag = ""
		}

		qa := rules.QAIncrement
		if qa.Marker != "" && strings.Contains(r.YSIIncrementNotes, qa.Marker) &&
			r.GroupingVar == models.GroupWaterQuality && r.DataQualityFlag == qa.Flag {
			r.DataQualityFlag = qa.Replacement
		}

		out = append(out, r)
	}
	return out, nil
}

type labEra struct {
	lab      string
	min, max *time.Time
}

func (e labEra) contains(d time.Time) bool {
	if e.min != nil && d.Before(*e.min) {
		return false
	}
	if e.max != nil && d.After(*e.max) {
		return false
	}
	return true
}

func labEras(defs []reference.LabEra) ([]labEra, error) {
	eras := make([]labEra, 0, len(defs))
	for _, def := range defs {
		min, max, err := def.Bounds()
		if err != nil {
			return nil, models.NewConfigError(StageProjection, fmt.Sprintf("invalid lab era for %s: %v", def.Lab, err))
		}
		eras = append(eras, labEra{lab: def.Lab, min: min, max: max})
	}
	return eras, nil
}

// AddSpeciation sets the method speciation and sample fraction of configured characteristics
func AddSpeciation(results []*models.Result, speciation map[string]reference.SpeciationDef) int {
	n := 0
	for _, r := range results {
		def, ok := speciation[r.CharacteristicName]
		if !ok {
			continue
		}
		r.MethodSpeciationName = def.Speciation
		r.ResultSampleFractionText = def.Fraction
		n++
	}
	return n
}

// RecodeCharacteristics rewrites the exchange characteristic names to their WQX
// names. Every present name must be mapped and the map must be one-to-one.
func RecodeCharacteristics(rel *models.Relation, wqx map[string]string) error {
	byTarget := make(map[string][]string)
	for from, to := range wqx {
		byTarget[to] = append(byTarget[to], from)
	}
	var shared []string
	for to, froms := range byTarget {
		if len(froms) > 1 {
			sort.Strings(froms)
			shared = append(shared, fmt.Sprintf("%s <- %s", to, strings.Join(froms, ", ")))
		}
	}
	if len(shared) > 0 {
		sort.Strings(shared)
		return models.NewConfigError(StageProjection, "WQX characteristic map is not one-to-one", shared...)
	}

	var missing []string
	for _, name := range rel.Distinct(ExchangeCharacteristicColumn) {
		if _, ok := wqx[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return models.NewConfigError(StageProjection, "characteristics missing from the WQX map", missing...)
	}

	for _, row := range rel.Rows {
		if name := row.Get(ExchangeCharacteristicColumn); name != "" {
			row[ExchangeCharacteristicColumn] = wqx[name]
		}
	}
	return nil
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
