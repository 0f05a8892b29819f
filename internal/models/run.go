package models

import "time"

// Run kinds
const (
	RunDashboard = "dashboard"
	RunExchange  = "exchange"
	RunMetadata  = "metadata"
)

// Run statuses
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is the ledger entry for one pipeline execution
type Run struct {
	RunID          string       `json:"run_id"`
	Kind           string       `json:"kind"`
	Status         string       `json:"status"`
	DryRun         bool         `json:"dry_run"`
	IncludeDeletes bool         `json:"include_deletes"`
	SourceFolder   string       `json:"source_folder"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	ResultRows     int          `json:"result_rows"`
	OutputRows     int          `json:"output_rows"`
	AdvisoryCount  int          `json:"advisory_count"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Findings       []Diagnostic `json:"findings,omitempty"`
}

// Duration returns the elapsed run time, zero while running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
