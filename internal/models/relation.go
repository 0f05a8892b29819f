package models

import "strings"

// Row is one record of a tabular relation keyed by column name.
// An empty or absent value is null.
type Row map[string]string

// Get returns the value of col, or "" when null
func (r Row) Get(col string) string {
	return r[col]
}

// IsNull reports whether col is empty or absent
func (r Row) IsNull(col string) bool {
	return strings.TrimSpace(r[col]) == ""
}

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Relation is an ordered set of columns and the rows that fill them
type Relation struct {
	Name    string
	Columns []string
	Rows    []Row
}

// NewRelation creates an empty relation with the given header
func NewRelation(name string, columns []string) *Relation {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Relation{Name: name, Columns: cols}
}

// Len returns the number of rows
func (r *Relation) Len() int {
	return len(r.Rows)
}

// HasColumn reports whether col is part of the header
func (r *Relation) HasColumn(col string) bool {
	for _, c := range r.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// ColumnsWhere returns header columns satisfying pred, in header order
func (r *Relation) ColumnsWhere(pred func(string) bool) []string {
	var out []string
	for _, c := range r.Columns {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// AddRow appends a row
func (r *Relation) AddRow(row Row) {
	r.Rows = append(r.Rows, row)
}

// DropColumns removes columns from the header and every row
func (r *Relation) DropColumns(cols ...string) {
	if len(cols) == 0 {
		return
	}
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}

	kept := r.Columns[:0]
	for _, c := range r.Columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	r.Columns = kept

	for _, row := range r.Rows {
		for c := range drop {
			delete(row, c)
		}
	}
}

// Filter returns a new relation holding the rows for which keep returns true
func (r *Relation) Filter(keep func(Row) bool) *Relation {
	out := NewRelation(r.Name, r.Columns)
	for _, row := range r.Rows {
		if keep(row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// Clone deep-copies the relation
func (r *Relation) Clone() *Relation {
	out := NewRelation(r.Name, r.Columns)
	out.Rows = make([]Row, len(r.Rows))
	for i, row := range r.Rows {
		out.Rows[i] = row.Clone()
	}
	return out
}

// Distinct returns the distinct non-null values of col in first-seen order
func (r *Relation) Distinct(col string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range r.Rows {
		v := row[col]
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Source relation names
const (
	TableMain       = "tbl_main"
	TableYSI        = "tbl_ysi"
	TableGrabsample = "tbl_grabsample"
)

// TableSet is one extracted survey export: the header relation and its two sub-relations
type TableSet struct {
	Folder     string
	Main       *Relation
	YSI        *Relation
	Grabsample *Relation
}
