package source

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"water-quality-etl/internal/models"
	"water-quality-etl/pkg/logging"
)

// Extractor unpacks survey exports into a TableSet
type Extractor struct {
	logger *logging.StructuredLogger
}

// NewExtractor creates a new extractor
func NewExtractor(logger *logging.StructuredLogger) *Extractor {
	return &Extractor{logger: logger}
}

// FindNewestFolder returns the subdirectory of dir with the greatest name.
// Export folders are named by timestamp so lexical order is chronological.
func FindNewestFolder(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read source directory: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no export folders found in %s", dir)
	}

	sort.Strings(dirs)
	return filepath.Join(dir, dirs[len(dirs)-1]), nil
}

// Extract unzips the newest csv collection in folder and reads the three source relations
func (e *Extractor) Extract(ctx context.Context, folder string) (*models.TableSet, error) {
	archive, err := newestArchive(folder)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(folder, strings.TrimSuffix(filepath.Base(archive), ".zip"))
	files, err := unzip(archive, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", archive, err)
	}

	e.logger.Info(ctx, "[EXTRACT] Unpacked csv collection", logging.Fields{
		"archive":    archive,
		"dest":       dest,
		"file_count": len(files),
	})

	paths, err := mapTables(files)
	if err != nil {
		return nil, err
	}

	set := &models.TableSet{Folder: folder}
	for name, path := range paths {
		rel, err := ReadRelationCSV(path, name)
		if err != nil {
			return nil, err
		}
		switch name {
		case models.TableMain:
			set.Main = rel
		case models.TableYSI:
			set.YSI = rel
		case models.TableGrabsample:
			set.Grabsample = rel
		}

		e.logger.Debug(ctx, "[EXTRACT] Read relation", logging.Fields{
			"table":   name,
			"path":    path,
			"rows":    rel.Len(),
			"columns": len(rel.Columns),
		})
	}

	return set, nil
}

// newestArchive picks the greatest-named .zip whose name contains "csv"
func newestArchive(folder string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", fmt.Errorf("failed to read export folder: %w", err)
	}

	var targets []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".zip") && strings.Contains(name, "csv") {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("no csv collections found in %s", folder)
	}

	sort.Strings(targets)
	return filepath.Join(folder, targets[len(targets)-1]), nil
}

// unzip extracts every regular file of the archive under dest and returns their paths
func unzip(archive, dest string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		r.Close()
		return nil, fmt.Errorf("archive entry escapes the destination: %w", err)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	var files []string
	for _, f := range r.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive entry %q escapes the destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return nil, err
		}
		files = append(files, target)
	}

	return files, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// mapTables assigns extracted csv files to relation names. The header table is the
// layer file suffixed "_0"; the sub-tables are recognised by name.
func mapTables(files []string) (map[string]string, error) {
	paths := make(map[string]string, 3)
	for _, path := range files {
		base := filepath.Base(path)
		if !strings.EqualFold(filepath.Ext(base), ".csv") {
			continue
		}

		var name string
		switch {
		case strings.Contains(base, "_0"):
			name = models.TableMain
		case strings.Contains(base, "grabsample"):
			name = models.TableGrabsample
		case strings.Contains(base, "ysi"):
			name = models.TableYSI
		default:
			continue
		}

		if prev, ok := paths[name]; ok {
			return nil, fmt.Errorf("ambiguous source files for %s: %s and %s", name, filepath.Base(prev), base)
		}
		paths[name] = path
	}

	var missing []string
	for _, name := range []string{models.TableMain, models.TableYSI, models.TableGrabsample} {
		if _, ok := paths[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv collection is missing tables: %s", strings.Join(missing, ", "))
	}

	return paths, nil
}
