package projection

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"water-quality-etl/internal/models"
)

// WriteCSV writes the relation with a header row
func WriteCSV(w io.Writer, rel *models.Relation) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(rel.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(rel.Columns))
	for _, row := range rel.Rows {
		for i, c := range rel.Columns {
			record[i] = row.Get(c)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteCSVFile writes the relation to dir/<name>.csv through a temporary file
// so readers never see a partial projection. It returns the final path.
func WriteCSVFile(dir, name string, rel *models.Relation) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, name+".csv")
	tmp, err := os.CreateTemp(dir, name+"-*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rel); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return path, nil
}
