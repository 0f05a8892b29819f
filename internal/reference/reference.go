package reference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/charmap"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/source"
	"water-quality-etl/pkg/logging"
)

// Reference table files, relative to the reference directory
const (
	ChoicesFile           = "choices.csv"
	SoftConstraintsFile   = "soft_constraints.csv"
	LabLogFile            = "lab_log.csv"
	LocationsFile         = "locations.csv"
	DashboardTemplateFile = "dashboard_template.csv"
	ExchangeTemplateFile  = "exchange_template.csv"
	MetadataTableFile     = "metadata.csv"

	// RulesDir holds rule files that replace the embedded defaults
	RulesDir = "rules"
)

// Location is one monitoring site from the locations table
type Location struct {
	ID        string
	SiteName  string
	Latitude  string
	Longitude string
}

// LabLogSource supplies the authoritative lab log from somewhere other than the csv file
type LabLogSource interface {
	ListLabLog(ctx context.Context) ([]models.LabLogEntry, error)
}

// Options tune a Load call
type Options struct {
	// LabLog, when set, replaces lab_log.csv as the lab log source
	LabLog LabLogSource
}

// Set is every reference input of a run
type Set struct {
	Dir      string
	Rules    *Rules
	Registry *Registry

	Choices           *models.Relation
	SoftConstraints   *models.Relation
	LabLog            []models.LabLogEntry
	Locations         map[string]Location
	DashboardTemplate []string
	ExchangeTemplate  []string
	Metadata          *models.Relation

	// Missing lists reference files that were not found
	Missing []string
}

// IsMissing reports whether file was absent at load time
func (s *Set) IsMissing(file string) bool {
	for _, m := range s.Missing {
		if m == file {
			return true
		}
	}
	return false
}

// Require returns a ConfigError naming every absent file among files
func (s *Set) Require(stage string, files ...string) error {
	var absent []string
	for _, f := range files {
		if s.IsMissing(f) {
			absent = append(absent, f)
		}
	}
	if len(absent) > 0 {
		return models.NewConfigError(stage, fmt.Sprintf("missing reference files in %s", s.Dir), absent...)
	}
	return nil
}

// Loader reads reference tables
type Loader struct {
	logger *logging.StructuredLogger
}

// NewLoader creates a new loader
func NewLoader(logger *logging.StructuredLogger) *Loader {
	return &Loader{logger: logger}
}

// Load reads the rules and every reference table under dir. Tables are read
// concurrently; a missing file is recorded in Set.Missing, a malformed one fails the load.
func (l *Loader) Load(ctx context.Context, dir string, opts Options) (*Set, error) {
	overrideDir := ""
	if dir != "" {
		overrideDir = filepath.Join(dir, RulesDir)
	}
	rules, err := LoadRules(overrideDir)
	if err != nil {
		return nil, err
	}

	set := &Set{
		Dir:       dir,
		Rules:     rules,
		Registry:  rules.Registry(),
		Locations: make(map[string]Location),
	}

	var mu sync.Mutex
	markMissing := func(file string) {
		mu.Lock()
		set.Missing = append(set.Missing, file)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		rel, err := readTable(dir, ChoicesFile, []string{"list_name", "name", "label"}, markMissing)
		set.Choices = rel
		return err
	})

	eg.Go(func() error {
		rel, err := readTable(dir, SoftConstraintsFile, []string{"Location_ID", "Year", "Month"}, markMissing)
		set.SoftConstraints = rel
		return err
	})

	eg.Go(func() error {
		if opts.LabLog != nil {
			entries, err := opts.LabLog.ListLabLog(egCtx)
			if err != nil {
				return fmt.Errorf("failed to read lab log: %w", err)
			}
			set.LabLog = entries
			return nil
		}
		rel, err := readTable(dir, LabLogFile, []string{"characteristic", "method", "sample_date"}, markMissing)
		if err != nil {
			return err
		}
		set.LabLog = LabLogFromRelation(rel)
		return nil
	})

	eg.Go(func() error {
		rel, err := readTable(dir, LocationsFile, []string{"location_id", "site_name", "latitude", "longitude"}, markMissing)
		if err != nil {
			return err
		}
		for _, row := range rel.Rows {
			id := strings.TrimSpace(row.Get("location_id"))
			if id == "" {
				continue
			}
			set.Locations[id] = Location{
				ID:        id,
				SiteName:  row.Get("site_name"),
				Latitude:  row.Get("latitude"),
				Longitude: row.Get("longitude"),
			}
		}
		return nil
	})

	eg.Go(func() error {
		header, err := readTemplate(dir, DashboardTemplateFile, markMissing)
		set.DashboardTemplate = header
		return err
	})

	eg.Go(func() error {
		header, err := readTemplate(dir, ExchangeTemplateFile, markMissing)
		set.ExchangeTemplate = header
		return err
	})

	eg.Go(func() error {
		rel, err := readTable(dir, MetadataTableFile, nil, markMissing)
		set.Metadata = rel
		return err
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(set.Missing)

	l.logger.Info(ctx, "[REFERENCE] Reference tables loaded", logging.Fields{
		"dir":             dir,
		"choices":         set.Choices.Len(),
		"soft_bounds":     set.SoftConstraints.Len(),
		"lab_log":         len(set.LabLog),
		"locations":       len(set.Locations),
		"registry":        set.Registry.Len(),
		"lab_log_source":  labLogSourceName(opts),
		"missing_files":   strings.Join(set.Missing, ","),
		"metadata_rows":   set.Metadata.Len(),
		"template_fields": len(set.ExchangeTemplate),
	})
	if len(set.Missing) > 0 {
		l.logger.Warn(ctx, "[REFERENCE] Reference files not found", logging.Fields{
			"dir":   dir,
			"files": set.Missing,
		})
	}

	return set, nil
}

// LabLogFromRelation converts lab_log rows into entries, skipping blank characteristics
func LabLogFromRelation(rel *models.Relation) []models.LabLogEntry {
	entries := make([]models.LabLogEntry, 0, rel.Len())
	for _, row := range rel.Rows {
		if row.IsNull("characteristic") {
			continue
		}
		entries = append(entries, models.LabLogEntry{
			Characteristic: strings.TrimSpace(row.Get("characteristic")),
			Method:         strings.TrimSpace(row.Get("method")),
			SampleDate:     strings.TrimSpace(row.Get("sample_date")),
		})
	}
	return entries
}

func labLogSourceName(opts Options) string {
	if opts.LabLog != nil {
		return "database"
	}
	return "csv"
}

// readTable reads a reference csv. A missing file yields an empty relation with
// the required columns; a file lacking a required column is a ConfigError.
func readTable(dir, file string, required []string, markMissing func(string)) (*models.Relation, error) {
	name := strings.TrimSuffix(file, filepath.Ext(file))

	data, err := os.ReadFile(filepath.Join(dir, file))
	if os.IsNotExist(err) {
		markMissing(file)
		return models.NewRelation(name, required), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	rel, err := source.DecodeRelation(bytes.NewReader(toUTF8(data)), name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	var absent []string
	for _, col := range required {
		if !rel.HasColumn(col) {
			absent = append(absent, col)
		}
	}
	if len(absent) > 0 {
		return nil, models.NewConfigError("reference", fmt.Sprintf("%s is missing required columns", file), absent...)
	}

	return rel, nil
}

func readTemplate(dir, file string, markMissing func(string)) ([]string, error) {
	header, err := source.ReadHeader(filepath.Join(dir, file))
	if err != nil {
		if _, statErr := os.Stat(filepath.Join(dir, file)); os.IsNotExist(statErr) {
			markMissing(file)
			return nil, nil
		}
		return nil, err
	}
	return header, nil
}

// toUTF8 decodes legacy Latin-1 exports; valid UTF-8 passes through untouched
func toUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}
