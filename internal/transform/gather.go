package transform

import (
	"fmt"
	"sort"
	"strings"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// GatherTriple is one entry/other/root column set collapsed into root
type GatherTriple struct {
	Other string
	Entry string
	Root  string
}

// GatherTriples pairs every "other" visit column with its entry and root columns.
// Explicit pairs win; the rest follow the naming convention. Triples whose entry
// or root column is absent are returned separately as mismatches.
func GatherTriples(columns []string, pairs map[string]reference.GatherPair) (triples []GatherTriple, mismatches []string) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	for _, c := range columns {
		if !strings.Contains(strings.ToLower(c), "other") {
			continue
		}
		t := GatherTriple{Other: c}
		if p, ok := pairs[c]; ok {
			t.Entry, t.Root = p.Entry, p.Root
		} else {
			t.Entry = strings.ReplaceAll(c, "other_", "")
			t.Root = strings.ReplaceAll(t.Entry, "entry_", "")
		}

		var absent []string
		if !present[t.Entry] {
			absent = append(absent, t.Entry)
		}
		if !present[t.Root] {
			absent = append(absent, t.Root)
		}
		if len(absent) > 0 || t.Entry == c || t.Root == t.Entry {
			mismatches = append(mismatches, fmt.Sprintf("%s (missing %s)", c, strings.Join(absent, ", ")))
			continue
		}
		triples = append(triples, t)
	}
	return triples, mismatches
}

// GatherOthers collapses entry/other override columns into their root column.
// The root takes the other value when the entry selection contains "other" and
// the entry value otherwise; entry and other columns are then removed. Triples
// with a missing partner are reported and left untouched.
func GatherOthers(visits *models.VisitSet, schema reference.SchemaRules) []models.Diagnostic {
	visits.DropColumns(schema.DroppedVisitColumns...)

	triples, mismatches := GatherTriples(visits.Columns, schema.GatherPairs)

	for _, t := range triples {
		for _, v := range visits.Visits {
			entry := v.Get(t.Entry)
			if strings.Contains(strings.ToLower(entry), "other") {
				v.Set(t.Root, v.Get(t.Other))
			} else {
				v.Set(t.Root, entry)
			}
		}
		visits.DropColumns(t.Entry, t.Other)
	}

	if len(mismatches) == 0 {
		return nil
	}
	sort.Strings(mismatches)
	return []models.Diagnostic{{
		Kind:        "gather_mismatch",
		Stage:       StageGather,
		Severity:    models.SeverityAdvisory,
		Description: fmt.Sprintf("other columns without an entry or root partner were skipped: %s", strings.Join(mismatches, "; ")),
		RowCount:    len(mismatches),
	}}
}

// ScrubLocations overwrites site name and coordinates from the locations table
func ScrubLocations(visits *models.VisitSet, locations map[string]reference.Location) int {
	if len(locations) == 0 {
		return 0
	}
	for _, col := range []string{"ncrn_site_name", "ncrn_latitude", "ncrn_longitude"} {
		visits.AddColumn(col)
	}

	scrubbed := 0
	for _, v := range visits.Visits {
		loc, ok := locations[v.LocationID()]
		if !ok {
			continue
		}
		v.Set("ncrn_site_name", loc.SiteName)
		v.Set("ncrn_latitude", loc.Latitude)
		v.Set("ncrn_longitude", loc.Longitude)
		scrubbed++
	}
	return scrubbed
}
