package transform

import (
	"fmt"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// HistoryWindow is the observed date range of one (characteristic, method)
// pair in the lab log
type HistoryWindow struct {
	Characteristic string
	Method         string
	Min            time.Time
	Max            time.Time
}

// BuildHistory derives method windows from the lab log, in order of first
// appearance of each (characteristic, method). Entries with an unparsable
// date do not widen a window.
func BuildHistory(entries []models.LabLogEntry) []HistoryWindow {
	type key struct{ char, method string }
	index := make(map[key]int)
	var windows []HistoryWindow

	for _, e := range entries {
		if e.Characteristic == "" || e.Method == "" {
			continue
		}
		d, ok := models.ParseDate(e.SampleDate)
		if !ok {
			continue
		}
		k := key{e.Characteristic, e.Method}
		i, seen := index[k]
		if !seen {
			index[k] = len(windows)
			windows = append(windows, HistoryWindow{Characteristic: e.Characteristic, Method: e.Method, Min: d, Max: d})
			continue
		}
		if d.Before(windows[i].Min) {
			windows[i].Min = d
		}
		if d.After(windows[i].Max) {
			windows[i].Max = d
		}
	}
	return windows
}

// InstrumentRule is one step of instrument resolution
type InstrumentRule struct {
	Name    string
	Applies func(r *models.Result) bool
	Assign  func(r *models.Result)
}

// InstrumentResolver applies its rules in order over every result; when several
// rules match a result the last one wins. The order is part of the contract:
// reordering changes historical assignments.
type InstrumentResolver struct {
	rules []InstrumentRule
}

// NewInstrumentResolver builds the rule list: recorded values, closed lab-log
// windows, open-ended lab-log windows after the cutover, configured eras and
// finally the explicit anc_method.
func NewInstrumentResolver(cfg reference.InstrumentRules, history []HistoryWindow) (*InstrumentResolver, error) {
	rules := []InstrumentRule{
		{
			Name:    "recorded:discharge_instrument",
			Applies: func(r *models.Result) bool { return r.GroupingVar == models.GroupFlowQuantity && r.DischargeInstrument != "" },
			Assign:  func(r *models.Result) { r.Instrument = r.DischargeInstrument },
		},
		{
			Name:    "recorded:ysi_probe",
			Applies: func(r *models.Result) bool { return r.GroupingVar == models.GroupWaterQuality && r.YSIProbe != "" },
			Assign:  func(r *models.Result) { r.Instrument = r.YSIProbe },
		},
		{
			Name:    "recorded:lab",
			Applies: func(r *models.Result) bool { return r.GroupingVar == models.GroupLabChemistry && r.Lab != "" },
			Assign:  func(r *models.Result) { r.Instrument = r.Lab },
		},
	}

	var openEnded []InstrumentRule
	for _, w := range history {
		if w.Max.Before(w.Min) {
			continue
		}
		if w.Min.After(cfg.CutoverDate) {
			openEnded = append(openEnded, windowRule("open", w.Characteristic, w.Method, &w.Min, nil))
			continue
		}
		rules = append(rules, windowRule("window", w.Characteristic, w.Method, &w.Min, &w.Max))
	}
	rules = append(rules, openEnded...)

	for _, era := range cfg.Eras {
		min, max, err := era.Bounds()
		if err != nil {
			return nil, models.NewConfigError(StageInstrument, fmt.Sprintf("invalid era for %s: %v", era.Characteristic, err))
		}
		rules = append(rules, windowRule("era", era.Characteristic, era.Method, min, max))
	}

	rules = append(rules, InstrumentRule{
		Name:    "recorded:anc_method",
		Applies: func(r *models.Result) bool { return r.AncMethod != "" },
		Assign:  func(r *models.Result) { r.Instrument = r.AncMethod },
	})

	return &InstrumentResolver{rules: rules}, nil
}

// windowRule assigns method to characteristic for visits dated within the
// inclusive bounds; a nil bound is unbounded
func windowRule(kind, characteristic, method string, min, max *time.Time) InstrumentRule {
	return InstrumentRule{
		Name: fmt.Sprintf("%s:%s:%s", kind, characteristic, method),
		Applies: func(r *models.Result) bool {
			if r.CharacteristicName != characteristic {
				return false
			}
			d, ok := r.Visit.StartDate()
			if !ok {
				return false
			}
			if min != nil && d.Before(*min) {
				return false
			}
			if max != nil && d.After(*max) {
				return false
			}
			return true
		},
		Assign: func(r *models.Result) { r.Instrument = method },
	}
}

// Rules returns the rule names in evaluation order
func (ir *InstrumentResolver) Rules() []string {
	names := make([]string, len(ir.rules))
	for i, rule := range ir.rules {
		names[i] = rule.Name
	}
	return names
}

// Resolve runs every rule over every result and returns the match count per rule
func (ir *InstrumentResolver) Resolve(results []*models.Result) map[string]int {
	hits := make(map[string]int)
	for _, rule := range ir.rules {
		for _, r := range results {
			if rule.Applies(r) {
				rule.Assign(r)
				hits[rule.Name]++
			}
		}
	}
	return hits
}
