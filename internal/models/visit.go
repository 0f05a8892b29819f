package models

import (
	"strings"
	"time"
)

// Review statuses recorded on a site visit
const (
	ReviewUnreviewed = "unreviewed"
	ReviewInReview   = "in_review"
	ReviewVerified   = "verified"
)

// SampleabilityActive marks a visit where the crew actually sampled the stream
const SampleabilityActive = "Actively Sampled"

// DateLayout is the layout of activity_start_date in exports
const DateLayout = "2006-01-02"

// Visit is one field-survey event. Every site-visit column is kept as an attribute;
// an empty value is null.
type Visit struct {
	GlobalID string
	attrs    map[string]string
}

// NewVisit builds a visit from a header row restricted to cols
func NewVisit(globalID string, row Row, cols []string) *Visit {
	v := &Visit{GlobalID: globalID, attrs: make(map[string]string, len(cols))}
	for _, c := range cols {
		v.attrs[c] = row[c]
	}
	return v
}

// Get returns an attribute value, "" when null or absent
func (v *Visit) Get(col string) string {
	if v == nil {
		return ""
	}
	return v.attrs[col]
}

// Has reports whether the attribute column exists on the visit
func (v *Visit) Has(col string) bool {
	if v == nil {
		return false
	}
	_, ok := v.attrs[col]
	return ok
}

// Set assigns an attribute
func (v *Visit) Set(col, value string) {
	v.attrs[col] = value
}

// Delete removes an attribute column
func (v *Visit) Delete(col string) {
	delete(v.attrs, col)
}

// Attributes returns a copy of every attribute
func (v *Visit) Attributes() map[string]string {
	out := make(map[string]string, len(v.attrs))
	for k, val := range v.attrs {
		out[k] = val
	}
	return out
}

// LocationID returns location_id
func (v *Visit) LocationID() string { return v.Get("location_id") }

// ActivityGroupID returns activity_group_id
func (v *Visit) ActivityGroupID() string { return v.Get("activity_group_id") }

// ReviewStatus returns review_status
func (v *Visit) ReviewStatus() string { return v.Get("review_status") }

// IsVerified reports whether the visit passed review
func (v *Visit) IsVerified() bool { return v.ReviewStatus() == ReviewVerified }

// Sampleability returns sampleability
func (v *Visit) Sampleability() string { return v.Get("sampleability") }

// VisitType returns visit_type
func (v *Visit) VisitType() string { return v.Get("visit_type") }

// ActivityStartDate returns the raw activity_start_date text
func (v *Visit) ActivityStartDate() string { return v.Get("activity_start_date") }

// StartDate parses activity_start_date. Timestamps are truncated to the date part.
func (v *Visit) StartDate() (time.Time, bool) {
	return ParseDate(v.ActivityStartDate())
}

// ParseDate parses a YYYY-MM-DD date, tolerating a trailing time component
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(DateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, s[:len(DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// VisitSet is the site-visit table: an ordered column set plus visits keyed by GlobalID
type VisitSet struct {
	Columns []string
	Visits  []*Visit
	byID    map[string]*Visit
}

// NewVisitSet creates an empty visit table with the given columns
func NewVisitSet(columns []string) *VisitSet {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &VisitSet{Columns: cols, byID: make(map[string]*Visit)}
}

// Add appends a visit; a repeated GlobalID keeps the first for lookups
func (s *VisitSet) Add(v *Visit) {
	s.Visits = append(s.Visits, v)
	if _, ok := s.byID[v.GlobalID]; !ok {
		s.byID[v.GlobalID] = v
	}
}

// Lookup finds a visit by GlobalID
func (s *VisitSet) Lookup(globalID string) (*Visit, bool) {
	v, ok := s.byID[globalID]
	return v, ok
}

// Len returns the number of visits
func (s *VisitSet) Len() int {
	return len(s.Visits)
}

// HasColumn reports whether the visit table carries col
func (s *VisitSet) HasColumn(col string) bool {
	for _, c := range s.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// AddColumn registers a new column (no-op when present)
func (s *VisitSet) AddColumn(col string) {
	if s.HasColumn(col) {
		return
	}
	s.Columns = append(s.Columns, col)
	for _, v := range s.Visits {
		if !v.Has(col) {
			v.Set(col, "")
		}
	}
}

// DropColumns removes columns from the table and every visit
func (s *VisitSet) DropColumns(cols ...string) {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}

	kept := s.Columns[:0]
	for _, c := range s.Columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	s.Columns = kept

	for _, v := range s.Visits {
		for c := range drop {
			v.Delete(c)
		}
	}
}
