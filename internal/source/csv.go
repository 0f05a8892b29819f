package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"water-quality-etl/internal/models"
)

const utf8BOM = "\ufeff"

// ReadRelationCSV reads a csv file with a header row into a relation
func ReadRelationCSV(path, name string) (*models.Relation, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	rel, err := DecodeRelation(file, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rel, nil
}

// DecodeRelation parses csv text with a header row. Short records leave the
// trailing columns null; a duplicated header name is an error.
func DecodeRelation(r io.Reader, name string) (*models.Relation, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	seen := make(map[string]bool, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if seen[col] {
			return nil, fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
		header[i] = col
	}

	rel := models.NewRelation(name, header)
	for _, record := range records[1:] {
		row := make(models.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rel.AddRow(row)
	}

	return rel, nil
}

// ReadHeader returns only the header of a csv file. Templates are read this way.
func ReadHeader(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	// pandas writes an unnamed index column as the first header cell
	if len(header) > 0 && (header[0] == "" || header[0] == "Unnamed: 0") {
		header = header[1:]
	}

	out := make([]string, len(header))
	for i, col := range header {
		out[i] = strings.TrimSpace(col)
	}
	return out, nil
}
