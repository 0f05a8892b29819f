package transform

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

func v1Tables() *models.TableSet {
	main := relation(models.TableMain,
		[]string{"objectid", "GlobalID", "activity_group_id", "review_status", "sampleability", "activity_start_date", "location_id", "delete_record", "air_temperature"},
		models.Row{
			"objectid":            "1",
			"GlobalID":            "V1",
			"activity_group_id":   "AG",
			"review_status":       models.ReviewVerified,
			"sampleability":       models.SampleabilityActive,
			"activity_start_date": "2023-06-15",
			"location_id":         "NCRN_ROCR_BRBR",
			"air_temperature":     "15.2",
		},
	)
	ysi := relation(models.TableYSI,
		[]string{"objectid", "GlobalID", "ParentGlobalID", "ysi_probe", "ysi_increment", "delete_increment", "ph"},
	)
	grab := relation(models.TableGrabsample,
		[]string{"objectid", "GlobalID", "ParentGlobalID", "lab", "delete_sample", "anc"},
		models.Row{"objectid": "1", "GlobalID": "G1", "ParentGlobalID": "V1", "lab": "AL", "anc": "120"},
	)
	return &models.TableSet{Main: main, YSI: ysi, Grabsample: grab}
}

func findResult(t *testing.T, results []*models.Result, char string) *models.Result {
	t.Helper()
	for _, r := range results {
		if r.CharacteristicName == char {
			return r
		}
	}
	t.Fatalf("no result for %s", char)
	return nil
}

func TestTransformer_EndToEndSingleVisit(t *testing.T) {
	transformer, err := NewTransformer(testReference(t), testLogger())
	require.NoError(t, err)

	out, err := transformer.Run(context.Background(), v1Tables(), Options{})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)

	air := findResult(t, out.Results, "air_temperature")
	assert.Equal(t, models.TypeFloat, air.DataType)
	require.NotNil(t, air.NumResult)
	assert.Equal(t, 15.2, *air.NumResult)
	assert.Equal(t, models.GroupSiteObservation, air.GroupingVar)
	assert.Equal(t, "deg C", air.ResultUnit)
	assert.Equal(t, 24, air.WeekOfYear)

	anc := findResult(t, out.Results, "anc")
	assert.Equal(t, models.GroupLabChemistry, anc.GroupingVar)
	assert.Equal(t, "AL", anc.Instrument)
	assert.Equal(t, "G1", anc.GlobalID)
	assert.Equal(t, "V1", anc.ParentGlobalID)

	assert.Equal(t, "AG|NCRN_WQ_HABINV", air.ActivityID)
	assert.Equal(t, "AG|NCRN_WQ_WCHEM|AL", anc.ActivityID)
	assert.NotEqual(t, air.ActivityID, anc.ActivityID)
}

func TestTransformer_SoftDeletes(t *testing.T) {
	tables := v1Tables()
	tables.Grabsample.Rows[0]["delete_sample"] = "Yes"

	transformer, err := NewTransformer(testReference(t), testLogger())
	require.NoError(t, err)

	out, err := transformer.Run(context.Background(), tables, Options{})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "air_temperature", out.Results[0].CharacteristicName)

	out, err = transformer.Run(context.Background(), v1Tables(), Options{IncludeDeletes: true})
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)
}

func TestTransformer_MalformedNumericKept(t *testing.T) {
	tables := v1Tables()
	tables.Main.Rows[0]["air_temperature"] = "warm"

	transformer, err := NewTransformer(testReference(t), testLogger())
	require.NoError(t, err)

	out, err := transformer.Run(context.Background(), tables, Options{})
	require.NoError(t, err)

	air := findResult(t, out.Results, "air_temperature")
	assert.Nil(t, air.NumResult)
	assert.Equal(t, "warm", air.ResultText)

	var kinds []string
	for _, d := range out.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, "malformed_numeric_result")
}

func TestRemoveDeletes_AmbiguousColumn(t *testing.T) {
	rel := relation(models.TableYSI, []string{"GlobalID", "delete_increment", "deleted_by"})
	_, err := RemoveDeletes(rel)
	require.Error(t, err)

	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"delete_increment", "deleted_by"}, cfgErr.Columns)
}

func TestFlatten_Groupings(t *testing.T) {
	rules := testRules(t)

	main := relation(models.TableMain,
		[]string{"GlobalID", "delete_record", "discharge", "discharge_instrument", "air_temperature", "landuse_category", "discharge_flag"},
		models.Row{"GlobalID": "V1", "discharge": "2.5", "discharge_instrument": "flowtracker_2", "air_temperature": "20"},
	)
	results, err := Flatten(main, rules.Schema, false)
	require.NoError(t, err)
	require.Len(t, results, 4)

	discharge := findResult(t, results, "discharge")
	assert.Equal(t, models.GroupFlowQuantity, discharge.GroupingVar)
	assert.Equal(t, "V1", discharge.ParentGlobalID)
	assert.Equal(t, "flowtracker_2", discharge.DischargeInstrument)

	assert.Equal(t, models.GroupSiteObservation, findResult(t, results, "air_temperature").GroupingVar)
	assert.Empty(t, findResult(t, results, "landuse_category").GroupingVar)

	grab := relation(models.TableGrabsample,
		[]string{"GlobalID", "ParentGlobalID", "lab", "anc_method", "delete_sample", "anc", "tn"},
		models.Row{"GlobalID": "G1", "ParentGlobalID": "V1", "lab": "CUE", "anc_method": "gran", "anc": "90", "tn": "1.1"},
		models.Row{"GlobalID": "G2", "ParentGlobalID": "V1", "lab": "AL", "anc_method": "gran", "anc": "95"},
	)
	results, err = Flatten(grab, rules.Schema, false)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for _, r := range results {
		assert.Equal(t, models.GroupLabChemistry, r.GroupingVar)
		assert.Equal(t, "V1", r.ParentGlobalID)
		if r.GlobalID == "G1" && r.CharacteristicName == "anc" {
			assert.Equal(t, "gran", r.AncMethod)
		} else {
			assert.Empty(t, r.AncMethod, "%s %s", r.GlobalID, r.CharacteristicName)
		}
	}
}

func TestFlatten_CarriesIncrementNotes(t *testing.T) {
	rules := testRules(t)
	ysi := relation(models.TableYSI,
		[]string{"GlobalID", "ParentGlobalID", "ysi_probe", "ysi_increment", "delete_increment", "ph", "ysi_increment_notes"},
		models.Row{"GlobalID": "Y1", "ParentGlobalID": "V1", "ysi_probe": "ysi_pro_plus", "ysi_increment": "QA", "ph": "7.1", "ysi_increment_notes": "QA repeat"},
	)

	results, err := Flatten(ysi, rules.Schema, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	ph := findResult(t, results, "ph")
	assert.Equal(t, models.GroupWaterQuality, ph.GroupingVar)
	assert.Equal(t, "ysi_pro_plus", ph.YSIProbe)
	assert.Equal(t, "QA", ph.YSIIncrement)
	assert.Equal(t, "QA repeat", ph.YSIIncrementNotes)
}

func TestApplyTypes_Unregistered(t *testing.T) {
	rules := testRules(t)
	results := []*models.Result{
		{Visit: visit("V1", nil), CharacteristicName: "ph"},
		{Visit: visit("V1", nil), CharacteristicName: "new_probe_reading"},
	}

	diags := ApplyTypes(results, rules.Registry(), []string{"Characteristic_Name"}, 10)
	assert.Equal(t, models.TypeFloat, results[0].DataType)
	assert.Equal(t, "pH", results[0].ResultUnit)
	assert.Empty(t, results[1].DataType)

	require.Len(t, diags, 1)
	assert.Equal(t, "unregistered_characteristic", diags[0].Kind)
	assert.Contains(t, diags[0].Description, "new_probe_reading")
	assert.Equal(t, 1, diags[0].RowCount)
}

func TestDecodeNames(t *testing.T) {
	choices := relation("choices", []string{"list_name", "name", "label"},
		models.Row{"list_name": "reviewers", "name": "jdoe", "label": "Jane Doe"},
		models.Row{"list_name": "field_crew", "name": "jdoe", "label": "Duplicate Label"},
		models.Row{"list_name": "field_crew", "name": "asmith", "label": "Alex Smith"},
	)
	visits := models.NewVisitSet([]string{"record_reviewers", "field_crew"})
	visits.Add(visit("V1", map[string]string{
		"record_reviewers": "jdoe",
		"field_crew":       "jdoe,asmith,,other,John Jack Doe",
	}))

	rules := testRules(t)
	DecodeNames(visits, choices, rules.Schema.Decode)

	v, _ := visits.Lookup("V1")
	assert.Equal(t, "Jane Doe", v.Get("record_reviewers"))
	assert.Equal(t, "Jane Doe, Alex Smith, John J. D.", v.Get("field_crew"))
}

func TestObfuscateName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single word", "Jane", "Jane"},
		{"ascii", "John Jack Doe", "John J. D."},
		{"accented initials", "Ana Ñúñez Ödegaard", "Ana Ñ. Ö."},
		{"double space", "Ana  Lopez", "Ana . L."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ObfuscateName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestDecodeChars_IntegerCodes(t *testing.T) {
	choices := relation("choices", []string{"list_name", "name", "label"},
		models.Row{"list_name": "weather_condition", "name": "0", "label": "Clear"},
		models.Row{"list_name": "weather_condition", "name": "2", "label": "Overcast"},
	)
	rules := testRules(t)
	results := []*models.Result{
		{CharacteristicName: "weather_condition", ResultText: "2.0"},
		{CharacteristicName: "weather_condition", ResultText: "7"},
		{CharacteristicName: "flow_status", ResultText: "2"},
	}

	assert.Equal(t, 1, DecodeChars(results, choices, rules.Schema.Decode))
	assert.Equal(t, "Overcast", results[0].ResultText)
	assert.Equal(t, "7", results[1].ResultText)
	assert.Equal(t, "2", results[2].ResultText)
}

func TestGatherOthers(t *testing.T) {
	rules := testRules(t)
	cols := []string{"entry_park", "entry_other_park", "park", "location_name", "other_location_name", "ncrn_site_name", "entry_other_sampleability", "reviewer_name"}
	visits := models.NewVisitSet(cols)
	visits.Add(visit("V1", map[string]string{
		"entry_park": "ROCR", "entry_other_park": "", "park": "",
		"location_name": "Other", "other_location_name": "New Creek", "ncrn_site_name": "",
		"entry_other_sampleability": "x", "reviewer_name": "jdoe",
	}))

	diags := GatherOthers(visits, rules.Schema)

	v, _ := visits.Lookup("V1")
	assert.Equal(t, "ROCR", v.Get("park"))
	assert.Equal(t, "New Creek", v.Get("ncrn_site_name"))
	assert.False(t, visits.HasColumn("entry_park"))
	assert.False(t, visits.HasColumn("other_location_name"))
	assert.False(t, visits.HasColumn("reviewer_name"))
	assert.True(t, visits.HasColumn("entry_other_sampleability"), "mismatched triples are skipped, not dropped")

	require.Len(t, diags, 1)
	assert.Equal(t, "gather_mismatch", diags[0].Kind)
	assert.Contains(t, diags[0].Description, "entry_other_sampleability")
}

func TestScrubLocations(t *testing.T) {
	visits := models.NewVisitSet([]string{"location_id"})
	visits.Add(visit("V1", map[string]string{"location_id": "NCRN_ROCR_BRBR"}))
	visits.Add(visit("V2", map[string]string{"location_id": "UNKNOWN"}))

	n := ScrubLocations(visits, map[string]reference.Location{
		"NCRN_ROCR_BRBR": {ID: "NCRN_ROCR_BRBR", SiteName: "Broad Branch", Latitude: "38.96", Longitude: "-77.05"},
	})
	assert.Equal(t, 1, n)

	v1, _ := visits.Lookup("V1")
	assert.Equal(t, "Broad Branch", v1.Get("ncrn_site_name"))
	v2, _ := visits.Lookup("V2")
	assert.Empty(t, v2.Get("ncrn_site_name"))
	assert.True(t, v2.Has("ncrn_latitude"))
}
