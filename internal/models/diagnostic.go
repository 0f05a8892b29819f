package models

// Severity classifies a diagnostic
type Severity string

const (
	// SeverityAdvisory findings are reported and the run continues
	SeverityAdvisory Severity = "advisory"
	// SeverityFatal findings abort the run
	SeverityFatal Severity = "fatal"
)

// Diagnostic is one structured finding raised by a transform stage or QC rule
type Diagnostic struct {
	Kind        string              `json:"kind"`
	Stage       string              `json:"stage"`
	Severity    Severity            `json:"severity"`
	Description string              `json:"description"`
	RowCount    int                 `json:"row_count"`
	VisitCount  int                 `json:"visit_count"`
	Sample      []map[string]string `json:"sample,omitempty"`
}

// IsFatal reports whether the diagnostic aborts the run
func (d Diagnostic) IsFatal() bool {
	return d.Severity == SeverityFatal
}

// LabLogEntry is one row of the authoritative lab log
type LabLogEntry struct {
	Characteristic string `json:"characteristic" db:"characteristic"`
	Method         string `json:"method" db:"method"`
	SampleDate     string `json:"sample_date" db:"sample_date"`
}

// DefaultSampleSize bounds the offending rows kept on a diagnostic
const DefaultSampleSize = 10

// Summarize builds a diagnostic over the offending results: row count, distinct
// visits by activity_group_id and the first sampleSize rows restricted to cols.
// Visits sharing an activity_group_id count once.
func Summarize(kind, stage string, severity Severity, description string, rows []*Result, cols []string, sampleSize int) Diagnostic {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	visits := make(map[string]bool)
	for _, r := range rows {
		visits[r.ActivityGroupID()] = true
	}

	d := Diagnostic{
		Kind:        kind,
		Stage:       stage,
		Severity:    severity,
		Description: description,
		RowCount:    len(rows),
		VisitCount:  len(visits),
	}
	for i, r := range rows {
		if i == sampleSize {
			break
		}
		sample := make(map[string]string, len(cols))
		for _, c := range cols {
			sample[c] = r.Get(c)
		}
		d.Sample = append(d.Sample, sample)
	}
	return d
}

// CountBySeverity returns the number of advisory and fatal diagnostics
func CountBySeverity(ds []Diagnostic) (advisory, fatal int) {
	for _, d := range ds {
		if d.IsFatal() {
			fatal++
		} else {
			advisory++
		}
	}
	return advisory, fatal
}
