package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

func labResult(char, lab, date string) *models.Result {
	return &models.Result{
		Visit:              visit("V-"+date, map[string]string{"activity_start_date": date}),
		CharacteristicName: char,
		GroupingVar:        models.GroupLabChemistry,
		Lab:                lab,
	}
}

func instrumentRules(t *testing.T, eras ...reference.Era) reference.InstrumentRules {
	t.Helper()
	cutover, ok := models.ParseDate("2020-01-01")
	require.True(t, ok)
	return reference.InstrumentRules{Cutover: "2020-01-01", CutoverDate: cutover, Eras: eras}
}

func TestBuildHistory_FirstAppearanceOrder(t *testing.T) {
	history := BuildHistory([]models.LabLogEntry{
		{Characteristic: "tn", Method: "CBL", SampleDate: "2017-03-01"},
		{Characteristic: "anc", Method: "CBL", SampleDate: "2016-10-05"},
		{Characteristic: "tn", Method: "CBL", SampleDate: "2016-11-01"},
		{Characteristic: "tn", Method: "CBL", SampleDate: "not a date"},
		{Characteristic: "tn", Method: "AL", SampleDate: "2020-02-01"},
	})

	require.Len(t, history, 3)
	assert.Equal(t, "tn", history[0].Characteristic)
	assert.Equal(t, "CBL", history[0].Method)
	assert.Equal(t, "2016-11-01", history[0].Min.Format(models.DateLayout))
	assert.Equal(t, "2017-03-01", history[0].Max.Format(models.DateLayout))
	assert.Equal(t, "anc", history[1].Characteristic)
	assert.Equal(t, "AL", history[2].Method)
}

func TestInstrumentResolver_WindowBoundsInclusive(t *testing.T) {
	history := BuildHistory([]models.LabLogEntry{
		{Characteristic: "tn", Method: "CBL", SampleDate: "2016-10-01"},
		{Characteristic: "tn", Method: "CBL", SampleDate: "2019-12-31"},
	})
	resolver, err := NewInstrumentResolver(instrumentRules(t), history)
	require.NoError(t, err)

	tests := []struct {
		date string
		want string
	}{
		{"2016-09-30", "LAB"},
		{"2016-10-01", "CBL"},
		{"2018-05-05", "CBL"},
		{"2019-12-31", "CBL"},
		{"2020-01-01", "LAB"},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			r := labResult("tn", "LAB", tt.date)
			resolver.Resolve([]*models.Result{r})
			assert.Equal(t, tt.want, r.Instrument)
		})
	}
}

func TestInstrumentResolver_OpenEndedAfterCutover(t *testing.T) {
	history := BuildHistory([]models.LabLogEntry{
		{Characteristic: "tp", Method: "AL", SampleDate: "2020-03-01"},
		{Characteristic: "tp", Method: "AL", SampleDate: "2021-03-01"},
	})
	resolver, err := NewInstrumentResolver(instrumentRules(t), history)
	require.NoError(t, err)

	before := labResult("tp", "", "2020-02-29")
	onMin := labResult("tp", "", "2020-03-01")
	later := labResult("tp", "", "2024-07-04")
	resolver.Resolve([]*models.Result{before, onMin, later})

	assert.Empty(t, before.Instrument)
	assert.Equal(t, "AL", onMin.Instrument)
	assert.Equal(t, "AL", later.Instrument)
}

func TestInstrumentResolver_EraBoundaries(t *testing.T) {
	resolver, err := NewInstrumentResolver(instrumentRules(t,
		reference.Era{Characteristic: "anc", Method: "CUE", Max: "2016-09-30"},
		reference.Era{Characteristic: "anc", Method: "MID", Min: "2017-01-01", Max: "2017-12-31"},
	), nil)
	require.NoError(t, err)

	tests := []struct {
		date string
		want string
	}{
		{"2001-01-01", "CUE"},
		{"2016-09-30", "CUE"},
		{"2016-10-01", ""},
		{"2016-12-31", ""},
		{"2017-01-01", "MID"},
		{"2017-12-31", "MID"},
		{"2018-01-01", ""},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			r := labResult("anc", "", tt.date)
			resolver.Resolve([]*models.Result{r})
			assert.Equal(t, tt.want, r.Instrument)
		})
	}
}

func TestInstrumentResolver_LastMatchWins(t *testing.T) {
	history := BuildHistory([]models.LabLogEntry{
		{Characteristic: "tn", Method: "WIDE", SampleDate: "2010-01-01"},
		{Characteristic: "tn", Method: "WIDE", SampleDate: "2019-01-01"},
		{Characteristic: "tn", Method: "NARROW", SampleDate: "2015-01-01"},
		{Characteristic: "tn", Method: "NARROW", SampleDate: "2015-12-31"},
	})
	resolver, err := NewInstrumentResolver(instrumentRules(t), history)
	require.NoError(t, err)

	r := labResult("tn", "", "2015-06-01")
	resolver.Resolve([]*models.Result{r})
	assert.Equal(t, "NARROW", r.Instrument)

	reversed := []HistoryWindow{history[1], history[0]}
	resolver, err = NewInstrumentResolver(instrumentRules(t), reversed)
	require.NoError(t, err)

	r = labResult("tn", "", "2015-06-01")
	resolver.Resolve([]*models.Result{r})
	assert.Equal(t, "WIDE", r.Instrument)
}

func TestInstrumentResolver_RuleOrder(t *testing.T) {
	history := []HistoryWindow{
		{Characteristic: "tn", Method: "AL", Min: time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), Max: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Characteristic: "tn", Method: "CBL", Min: time.Date(2016, 10, 1, 0, 0, 0, 0, time.UTC), Max: time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	resolver, err := NewInstrumentResolver(instrumentRules(t,
		reference.Era{Characteristic: "tn", Method: "CUE", Max: "2016-09-30"},
	), history)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"recorded:discharge_instrument",
		"recorded:ysi_probe",
		"recorded:lab",
		"window:tn:CBL",
		"open:tn:AL",
		"era:tn:CUE",
		"recorded:anc_method",
	}, resolver.Rules())
}

func TestInstrumentResolver_RecordedValues(t *testing.T) {
	resolver, err := NewInstrumentResolver(instrumentRules(t,
		reference.Era{Characteristic: "anc", Method: "CUE", Max: "2016-09-30"},
	), nil)
	require.NoError(t, err)

	flow := &models.Result{Visit: visit("V1", nil), GroupingVar: models.GroupFlowQuantity, CharacteristicName: "discharge", DischargeInstrument: "flowtracker_2"}
	probe := &models.Result{Visit: visit("V1", nil), GroupingVar: models.GroupWaterQuality, CharacteristicName: "ph", YSIProbe: "ysi_pro_plus"}
	anc := labResult("anc", "CUE", "2012-05-01")
	anc.AncMethod = "gran_titration"
	site := &models.Result{Visit: visit("V1", nil), GroupingVar: models.GroupSiteObservation, CharacteristicName: "air_temperature"}

	hits := resolver.Resolve([]*models.Result{flow, probe, anc, site})

	assert.Equal(t, "flowtracker_2", flow.Instrument)
	assert.Equal(t, "ysi_pro_plus", probe.Instrument)
	assert.Equal(t, "gran_titration", anc.Instrument)
	assert.Empty(t, site.Instrument)
	assert.Equal(t, 1, hits["era:anc:CUE"])
	assert.Equal(t, 1, hits["recorded:anc_method"])
}
