package models

import (
	"errors"
	"testing"
)

func TestRelation_DropColumns(t *testing.T) {
	rel := NewRelation("tbl_main", []string{"GlobalID", "a", "b"})
	rel.AddRow(Row{"GlobalID": "1", "a": "x", "b": "y"})

	rel.DropColumns("a")

	if rel.HasColumn("a") {
		t.Error("column a should be gone from the header")
	}
	if _, ok := rel.Rows[0]["a"]; ok {
		t.Error("column a should be gone from the row")
	}
	if rel.Rows[0].Get("b") != "y" {
		t.Errorf("b = %q, want y", rel.Rows[0].Get("b"))
	}
}

func TestRelation_CloneAndDistinct(t *testing.T) {
	rel := NewRelation("r", []string{"k"})
	rel.AddRow(Row{"k": "a"})
	rel.AddRow(Row{"k": ""})
	rel.AddRow(Row{"k": "b"})
	rel.AddRow(Row{"k": "a"})

	c := rel.Clone()
	c.Rows[0]["k"] = "z"

	if rel.Rows[0]["k"] != "a" {
		t.Error("clone shares row maps with the original")
	}

	got := rel.Distinct("k")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Distinct = %v, want [a b]", got)
	}

	if !rel.Rows[1].IsNull("k") {
		t.Error("empty value should be null")
	}
}

func TestVisitSet_Columns(t *testing.T) {
	set := NewVisitSet([]string{"GlobalID", "entry_park", "park"})
	set.Add(NewVisit("V1", Row{"GlobalID": "V1", "entry_park": "ROCR"}, set.Columns))

	set.AddColumn("ncrn_site_name")
	v, ok := set.Lookup("V1")
	if !ok {
		t.Fatal("V1 not found")
	}
	if !v.Has("ncrn_site_name") {
		t.Error("new column should be present on existing visits")
	}

	set.DropColumns("entry_park")
	if set.HasColumn("entry_park") || v.Has("entry_park") {
		t.Error("entry_park should be dropped from table and visit")
	}
}

func TestConfigError(t *testing.T) {
	var err error = NewConfigError("FLAGS", "missing other-flag counterpart", "a_flag", "b_flag")

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("errors.As should find ConfigError")
	}
	if cfgErr.IsTransient() {
		t.Error("ConfigError must not be transient")
	}
	want := "FLAGS: missing other-flag counterpart: a_flag, b_flag"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
