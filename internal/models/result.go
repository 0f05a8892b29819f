package models

import "strconv"

// Grouping categories, the coarse measurement class of a result
const (
	GroupSiteObservation = "NCRN_WQ_HABINV"
	GroupFlowQuantity    = "NCRN_WQ_WQUANTITY"
	GroupWaterQuality    = "NCRN_WQ_WQUALITY"
	GroupLabChemistry    = "NCRN_WQ_WCHEM"
)

// KnownGroupings lists every valid grouping category in canonical order
var KnownGroupings = []string{
	GroupSiteObservation,
	GroupFlowQuantity,
	GroupWaterQuality,
	GroupLabChemistry,
}

// IsKnownGrouping reports whether g is one of the four categories
func IsKnownGrouping(g string) bool {
	for _, k := range KnownGroupings {
		if g == k {
			return true
		}
	}
	return false
}

// Data types assigned from the characteristic registry
const (
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeString = "string"
)

// Result is one measured characteristic for one visit in long format.
// Empty strings are null.
type Result struct {
	Visit *Visit `json:"-"`

	GlobalID           string `json:"GlobalID"`
	ParentGlobalID     string `json:"ParentGlobalID"`
	CharacteristicName string `json:"Characteristic_Name"`
	ResultText         string `json:"Result_Text"`
	GroupingVar        string `json:"grouping_var"`
	DataQualityFlag    string `json:"data_quality_flag"`
	DataType           string `json:"data_type"`
	ResultUnit         string `json:"Result_Unit"`

	NumResult *float64 `json:"num_result"`
	StrResult string   `json:"str_result"`

	Instrument          string `json:"instrument"`
	Lab                 string `json:"lab"`
	AncMethod           string `json:"anc_method"`
	YSIProbe            string `json:"ysi_probe"`
	YSIIncrement        string `json:"ysi_increment"`
	YSIIncrementNotes   string `json:"ysi_increment_notes"`
	DischargeInstrument string `json:"discharge_instrument"`

	Low           *float64 `json:"low"`
	High          *float64 `json:"high"`
	ResultWarning string   `json:"result_warning"`
	WeekOfYear    int      `json:"week_of_year"`
	ActivityID    string   `json:"activity_id"`

	MethodSpeciationName     string `json:"MethodSpeciationName"`
	ResultSampleFractionText string `json:"ResultSampleFractionText"`
}

// ResultColumns are the export names of the fields a result owns.
// Any other column name is read from the owning visit.
var ResultColumns = []string{
	"GlobalID",
	"ParentGlobalID",
	"SiteVisitGlobalID",
	"Characteristic_Name",
	"Result_Text",
	"grouping_var",
	"data_quality_flag",
	"data_type",
	"Result_Unit",
	"num_result",
	"str_result",
	"instrument",
	"lab",
	"anc_method",
	"ysi_probe",
	"ysi_increment",
	"ysi_increment_notes",
	"discharge_instrument",
	"low",
	"high",
	"result_warning",
	"week_of_year",
	"activity_id",
	"MethodSpeciationName",
	"ResultSampleFractionText",
}

var resultColumnSet = func() map[string]bool {
	m := make(map[string]bool, len(ResultColumns))
	for _, c := range ResultColumns {
		m[c] = true
	}
	return m
}()

// IsResultColumn reports whether col is owned by the result rather than the visit
func IsResultColumn(col string) bool {
	return resultColumnSet[col]
}

// Get returns the value of col by export name
func (r *Result) Get(col string) string {
	switch col {
	case "GlobalID":
		return r.GlobalID
	case "ParentGlobalID":
		return r.ParentGlobalID
	case "SiteVisitGlobalID":
		if r.Visit != nil {
			return r.Visit.GlobalID
		}
		return r.ParentGlobalID
	case "Characteristic_Name":
		return r.CharacteristicName
	case "Result_Text":
		return r.ResultText
	case "grouping_var":
		return r.GroupingVar
	case "data_quality_flag":
		return r.DataQualityFlag
	case "data_type":
		return r.DataType
	case "Result_Unit":
		return r.ResultUnit
	case "num_result":
		return FormatFloat(r.NumResult)
	case "str_result":
		return r.StrResult
	case "instrument":
		return r.Instrument
	case "lab":
		return r.Lab
	case "anc_method":
		return r.AncMethod
	case "ysi_probe":
		return r.YSIProbe
	case "ysi_increment":
		return r.YSIIncrement
	case "ysi_increment_notes":
		return r.YSIIncrementNotes
	case "discharge_instrument":
		return r.DischargeInstrument
	case "low":
		return FormatFloat(r.Low)
	case "high":
		return FormatFloat(r.High)
	case "result_warning":
		return r.ResultWarning
	case "week_of_year":
		if r.WeekOfYear == 0 {
			return ""
		}
		return strconv.Itoa(r.WeekOfYear)
	case "activity_id":
		return r.ActivityID
	case "MethodSpeciationName":
		return r.MethodSpeciationName
	case "ResultSampleFractionText":
		return r.ResultSampleFractionText
	default:
		return r.Visit.Get(col)
	}
}

// Has reports whether col resolves to a result field or a visit attribute
func (r *Result) Has(col string) bool {
	return IsResultColumn(col) || r.Visit.Has(col)
}

// ActivityGroupID returns the owning visit's activity_group_id
func (r *Result) ActivityGroupID() string {
	return r.Visit.ActivityGroupID()
}

// IsVerified reports whether the owning visit is verified
func (r *Result) IsVerified() bool {
	return r.Visit != nil && r.Visit.IsVerified()
}

// Clone returns a copy of the result sharing the visit
func (r *Result) Clone() *Result {
	c := *r
	if r.NumResult != nil {
		v := *r.NumResult
		c.NumResult = &v
	}
	if r.Low != nil {
		v := *r.Low
		c.Low = &v
	}
	if r.High != nil {
		v := *r.High
		c.High = &v
	}
	return &c
}

// CloneResults clones every result in order
func CloneResults(in []*Result) []*Result {
	out := make([]*Result, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// FormatFloat renders a nullable float without trailing zeros
func FormatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
