package projection

import (
	"water-quality-etl/internal/models"
)

// Projection names, used as publish targets and file names
const (
	TargetDashboard = "dashboard"
	TargetExchange  = "exchange"
	TargetMetadata  = "metadata"
)

// StageProjection names the projection stage on errors
const StageProjection = "projection"

// Dashboard projects results onto the dashboard template columns, in template
// order. A template column that is neither a result column nor a visit
// attribute is a ConfigError.
func Dashboard(results []*models.Result, header []string) (*models.Relation, error) {
	if len(results) > 0 {
		var unknown []string
		for _, c := range header {
			if !results[0].Has(c) {
				unknown = append(unknown, c)
			}
		}
		if len(unknown) > 0 {
			return nil, models.NewConfigError(StageProjection, "dashboard template names columns the results do not carry", unknown...)
		}
	}

	rel := models.NewRelation(TargetDashboard, header)
	for _, r := range results {
		row := make(models.Row, len(header))
		for _, c := range header {
			row[c] = r.Get(c)
		}
		rel.AddRow(row)
	}
	return rel, nil
}
