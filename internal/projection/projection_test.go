package projection

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
	"water-quality-etl/internal/source"
)

func testRules(t *testing.T) reference.ExchangeRules {
	t.Helper()
	rules, err := reference.LoadRules("")
	require.NoError(t, err)
	return rules.Exchange
}

// templateFor lists every crosswalk target, the shape of a complete template
func templateFor(xw reference.Crosswalk) []string {
	var cols []string
	for _, c := range xw.Cols {
		cols = append(cols, c.Target)
	}
	for _, c := range xw.Constants {
		cols = append(cols, c.Target)
	}
	for _, c := range xw.Calculated {
		cols = append(cols, c.Target)
	}
	return cols
}

func newVisit(id string, attrs map[string]string) *models.Visit {
	cols := make([]string, 0, len(attrs))
	row := models.Row{}
	for k, v := range attrs {
		cols = append(cols, k)
		row[k] = v
	}
	return models.NewVisit(id, row, cols)
}

func verifiedOn(date string) *models.Visit {
	return newVisit("V-"+date, map[string]string{
		"activity_group_id":   "AG-" + date,
		"activity_start_date": date,
		"review_status":       models.ReviewVerified,
	})
}

func assertConfigError(t *testing.T, err error) *models.ConfigError {
	t.Helper()
	require.Error(t, err)
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %T: %v", err, err)
	return cfgErr
}

func TestDashboard(t *testing.T) {
	v := newVisit("V1", map[string]string{"location_id": "NCRN_ROCR_BRBR", "activity_group_id": "AG"})
	results := []*models.Result{
		{Visit: v, CharacteristicName: "ph", ResultText: "7.1"},
		{Visit: v, CharacteristicName: "anc", ResultText: "120"},
	}

	rel, err := Dashboard(results, []string{"location_id", "Characteristic_Name", "Result_Text"})
	require.NoError(t, err)
	assert.Equal(t, []string{"location_id", "Characteristic_Name", "Result_Text"}, rel.Columns)
	require.Equal(t, 2, rel.Len())
	assert.Equal(t, models.Row{"location_id": "NCRN_ROCR_BRBR", "Characteristic_Name": "anc", "Result_Text": "120"}, rel.Rows[1])

	_, err = Dashboard(results, []string{"location_id", "stream_order"})
	cfgErr := assertConfigError(t, err)
	assert.Equal(t, []string{"stream_order"}, cfgErr.Columns)
}

func TestNewExchangeProjector_Validation(t *testing.T) {
	rules := testRules(t)
	template := templateFor(rules.Crosswalk)
	runTime := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("complete crosswalk", func(t *testing.T) {
		p, err := NewExchangeProjector(template, rules, runTime)
		require.NoError(t, err)
		assert.Len(t, p.Header(), 81)
	})

	t.Run("template wider than crosswalk", func(t *testing.T) {
		_, err := NewExchangeProjector(append(template, "ExtraColumn"), rules, runTime)
		cfgErr := assertConfigError(t, err)
		assert.Contains(t, cfgErr.Message, "maps 81 columns but the exchange template has 82")
	})

	t.Run("renamed template column", func(t *testing.T) {
		renamed := append([]string{}, template...)
		renamed[0] = "ActivityId"
		_, err := NewExchangeProjector(renamed, rules, runTime)
		cfgErr := assertConfigError(t, err)
		assert.Equal(t, []string{"ActivityIdentifier"}, cfgErr.Columns)
	})

	t.Run("unknown expression", func(t *testing.T) {
		broken := rules
		broken.Crosswalk.Calculated = append([]reference.CalculatedMapping{}, rules.Crosswalk.Calculated...)
		broken.Crosswalk.Calculated[0].Expr = "eval(wqp.index)"
		_, err := NewExchangeProjector(template, broken, runTime)
		cfgErr := assertConfigError(t, err)
		assert.Equal(t, []string{"eval(wqp.index)"}, cfgErr.Columns)
	})
}

func TestExchangeProjector_Project(t *testing.T) {
	rules := testRules(t)
	runTime := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	p, err := NewExchangeProjector(templateFor(rules.Crosswalk), rules, runTime)
	require.NoError(t, err)

	v := verifiedOn("2023-06-15")
	for _, c := range []string{"activity_start_time", "timezone", "location_id", "ncrn_site_name", "ncrn_latitude", "ncrn_longitude"} {
		v.Set(c, "")
	}
	results := []*models.Result{
		{Visit: v, CharacteristicName: "air_temperature", GroupingVar: models.GroupSiteObservation, ResultText: "15.2"},
		{Visit: v, CharacteristicName: "anc", GroupingVar: models.GroupLabChemistry, Lab: "AL", Instrument: "AL"},
		{Visit: v, CharacteristicName: "tds", GroupingVar: models.GroupWaterQuality, Instrument: "calculated_result"},
	}

	rel, err := p.Project(results)
	require.NoError(t, err)
	require.Equal(t, 3, rel.Len())

	got := []map[string]string{}
	for _, row := range rel.Rows {
		got = append(got, map[string]string{
			"ResultIdentifier":    row["ResultIdentifier"],
			"ActivityMediaName":   row["ActivityMediaName"],
			"ActivityTypeCode":    row["ActivityTypeCode"],
			"ResultValueTypeName": row["ResultValueTypeName"],
		})
	}
	want := []map[string]string{
		{"ResultIdentifier": "0", "ActivityMediaName": "Air", "ActivityTypeCode": "Field Msr/Obs", "ResultValueTypeName": "Actual"},
		{"ResultIdentifier": "1", "ActivityMediaName": "Water", "ActivityTypeCode": "Sample-Routine", "ResultValueTypeName": "Actual"},
		{"ResultIdentifier": "2", "ActivityMediaName": "Water", "ActivityTypeCode": "Field Msr/Obs", "ResultValueTypeName": "Calculated"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calculated columns mismatch (-want +got):\n%s", diff)
	}

	first := rel.Rows[0]
	assert.Equal(t, "NCRN", first["OrganizationIdentifier"])
	assert.Equal(t, "2024-03-01 09:30:00", first["LastUpdated"])
	assert.Equal(t, "", first["ActivityEndDate"])
	assert.Equal(t, "air_temperature", first["CharacteristicName"])
	assert.Equal(t, "AG-2023-06-15", first["ActivityMediaSubdivisionName"])
	assert.Equal(t, "AL", rel.Rows[1]["LaboratoryName"])
}

func TestPrepareExchange(t *testing.T) {
	rules := testRules(t).Prepare
	unverified := newVisit("U", map[string]string{"review_status": models.ReviewInReview, "activity_start_date": "2021-01-01"})

	results := []*models.Result{
		{Visit: unverified, CharacteristicName: "anc", GroupingVar: models.GroupLabChemistry, Lab: "AL"},
		{Visit: verifiedOn("2021-01-01"), CharacteristicName: "chlorine", GroupingVar: models.GroupLabChemistry},
		{Visit: verifiedOn("2016-09-30"), CharacteristicName: "anc", GroupingVar: models.GroupLabChemistry, Lab: "AL"},
		{Visit: verifiedOn("2016-09-30"), CharacteristicName: "tn", GroupingVar: models.GroupLabChemistry, Lab: "AL"},
		{Visit: verifiedOn("2016-10-01"), CharacteristicName: "anc", GroupingVar: models.GroupLabChemistry, Lab: "CUE"},
		{Visit: verifiedOn("2020-01-01"), CharacteristicName: "tn", GroupingVar: models.GroupLabChemistry, Lab: "CUE"},
		{Visit: verifiedOn("2020-01-02"), CharacteristicName: "tp", GroupingVar: models.GroupLabChemistry, Lab: "CBL"},
		{Visit: verifiedOn("2021-05-05"), CharacteristicName: "ph", GroupingVar: models.GroupWaterQuality, ResultText: "7", NumResult: floatPtr(7), DataQualityFlag: "equipment_malfunction"},
		{Visit: verifiedOn("2007-12-18"), CharacteristicName: "tds", GroupingVar: models.GroupWaterQuality, Instrument: "calculated_result", DataQualityFlag: "present_not_on_datasheet"},
		{Visit: verifiedOn("2007-12-17"), CharacteristicName: "tds", GroupingVar: models.GroupWaterQuality, Instrument: "calculated_result", DataQualityFlag: "present_not_on_datasheet"},
		{Visit: verifiedOn("2022-07-01"), CharacteristicName: "do_concentration", GroupingVar: models.GroupWaterQuality, YSIIncrementNotes: "QA repeat", DataQualityFlag: "present_not_on_datasheet"},
	}

	out, err := PrepareExchange(results, rules)
	require.NoError(t, err)

	type summary struct{ Date, Char, Lab, Flag, Text string }
	var got []summary
	for _, r := range out {
		got = append(got, summary{r.Get("activity_start_date"), r.CharacteristicName, r.Lab, r.DataQualityFlag, r.ResultText})
	}
	want := []summary{
		{"2016-09-30", "anc", "CUE", "", ""},
		{"2016-10-01", "anc", "CBL", "", ""},
		{"2020-01-01", "tn", "CBL", "", ""},
		{"2020-01-02", "tp", "AL", "", ""},
		{"2021-05-05", "ph", "", "equipment_malfunction", ""},
		{"2007-12-18", "tds", "", "", ""},
		{"2007-12-17", "tds", "", "present_not_on_datasheet", ""},
		{"2022-07-01", "do_concentration", "", "QA; repeated sample at same location", ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prepared results mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "AL", results[2].Lab, "inputs are not modified")
	assert.NotNil(t, results[7].NumResult)
	assert.Nil(t, out[4].NumResult)
}

func TestAddSpeciation(t *testing.T) {
	rules := testRules(t)
	results := []*models.Result{
		{CharacteristicName: "tn"},
		{CharacteristicName: "anc"},
		{CharacteristicName: "ph"},
	}
	assert.Equal(t, 2, AddSpeciation(results, rules.Speciation))
	assert.Equal(t, "as N", results[0].MethodSpeciationName)
	assert.Equal(t, "Total", results[0].ResultSampleFractionText)
	assert.Empty(t, results[1].MethodSpeciationName)
	assert.Equal(t, "Total", results[1].ResultSampleFractionText)
	assert.Empty(t, results[2].ResultSampleFractionText)
}

func TestRecodeCharacteristics(t *testing.T) {
	wqx := testRules(t).WQXCharacteristics

	rel := models.NewRelation(TargetExchange, []string{ExchangeCharacteristicColumn})
	rel.AddRow(models.Row{ExchangeCharacteristicColumn: "air_temperature"})
	rel.AddRow(models.Row{ExchangeCharacteristicColumn: "anc"})
	require.NoError(t, RecodeCharacteristics(rel, wqx))
	assert.Equal(t, "Temperature, air", rel.Rows[0][ExchangeCharacteristicColumn])
	assert.Equal(t, "Acid Neutralizing Capacity (ANC)", rel.Rows[1][ExchangeCharacteristicColumn])

	t.Run("missing name", func(t *testing.T) {
		rel := models.NewRelation(TargetExchange, []string{ExchangeCharacteristicColumn})
		rel.AddRow(models.Row{ExchangeCharacteristicColumn: "chlorine"})
		cfgErr := assertConfigError(t, RecodeCharacteristics(rel, wqx))
		assert.Equal(t, []string{"chlorine"}, cfgErr.Columns)
		assert.Equal(t, "chlorine", rel.Rows[0][ExchangeCharacteristicColumn])
	})

	t.Run("not one-to-one", func(t *testing.T) {
		dup := map[string]string{"tn": "Nitrogen", "tdn": "Nitrogen"}
		cfgErr := assertConfigError(t, RecodeCharacteristics(models.NewRelation(TargetExchange, nil), dup))
		assert.Equal(t, []string{"Nitrogen <- tdn, tn"}, cfgErr.Columns)
	})
}

func TestWriteCSVFile(t *testing.T) {
	dir := t.TempDir()
	rel := models.NewRelation(TargetDashboard, []string{"location_id", "Result_Text"})
	rel.AddRow(models.Row{"location_id": "NCRN_ROCR_BRBR", "Result_Text": "a, quoted \"value\""})
	rel.AddRow(models.Row{"location_id": "NCRN_ROCR_BRBR"})

	path, err := WriteCSVFile(dir, TargetDashboard, rel)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dashboard.csv"), path)

	back, err := source.ReadRelationCSV(path, TargetDashboard)
	require.NoError(t, err)
	assert.Equal(t, rel.Columns, back.Columns)
	assert.Equal(t, rel.Rows[0], back.Rows[0])
	assert.Equal(t, "", back.Rows[1]["Result_Text"])

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func floatPtr(v float64) *float64 {
	return &v
}
