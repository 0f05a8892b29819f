package transform

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
	"water-quality-etl/pkg/logging"
)

func testRules(t *testing.T) *reference.Rules {
	t.Helper()
	rules, err := reference.LoadRules("")
	require.NoError(t, err)
	return rules
}

func testReference(t *testing.T) *reference.Set {
	t.Helper()
	rules := testRules(t)
	return &reference.Set{
		Rules:           rules,
		Registry:        rules.Registry(),
		Choices:         models.NewRelation("choices", []string{"list_name", "name", "label"}),
		SoftConstraints: models.NewRelation("soft_constraints", []string{"Location_ID", "Year", "Month"}),
		Locations:       map[string]reference.Location{},
	}
}

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("transform-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return logger
}

func relation(name string, cols []string, rows ...models.Row) *models.Relation {
	rel := models.NewRelation(name, cols)
	for _, r := range rows {
		rel.AddRow(r)
	}
	return rel
}

func visit(id string, attrs map[string]string) *models.Visit {
	row := models.Row{}
	cols := make([]string, 0, len(attrs))
	for k, v := range attrs {
		row[k] = v
		cols = append(cols, k)
	}
	return models.NewVisit(id, row, cols)
}

func floatPtr(v float64) *float64 {
	return &v
}
