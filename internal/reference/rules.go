package reference

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"water-quality-etl/internal/models"
)

//go:embed rules/*.yaml
var embeddedRules embed.FS

// Rule file names. A file of the same name under <reference dir>/rules replaces the embedded copy.
const (
	SchemaFile      = "schema.yaml"
	InstrumentsFile = "instruments.yaml"
	QCFile          = "qc.yaml"
	ExchangeFile    = "exchange.yaml"
	MetadataFile    = "metadata.yaml"
)

// Rules is the static, hand-maintained configuration of the pipeline
type Rules struct {
	Schema      SchemaRules
	Instruments InstrumentRules
	QC          QCRules
	Exchange    ExchangeRules
	Metadata    MetadataRules
}

// SchemaRules describes the survey shape
type SchemaRules struct {
	SiteVisitColumns        []string                     `yaml:"site_visit_columns"`
	KeyColumns              []string                     `yaml:"key_columns"`
	Relations               map[string]RelationRules     `yaml:"relations"`
	AncMethod               AncMethodRule                `yaml:"anc_method"`
	Membership              map[string][]string          `yaml:"membership"`
	FlagAliases             map[string]string            `yaml:"flag_aliases"`
	ExcludedCharacteristics []string                     `yaml:"excluded_characteristics"`
	DroppedVisitColumns     []string                     `yaml:"dropped_visit_columns"`
	GatherPairs             map[string]GatherPair        `yaml:"gather_pairs"`
	IgnoredCharacteristics  []string                     `yaml:"ignored_characteristics"`
	Decode                  DecodeRules                  `yaml:"decode"`
	Registry                map[string]CharacteristicDef `yaml:"registry"`
}

// RelationRules names the identifier columns of one source relation
type RelationRules struct {
	Identifiers []string `yaml:"identifiers"`
	// Carried columns are copied onto every result of the row and still unpivoted
	Carried []string `yaml:"carried"`
	// Grouping is the fixed category of the relation; empty uses the membership list
	Grouping string `yaml:"grouping"`
}

// AncMethodRule restricts where anc_method is kept
type AncMethodRule struct {
	Lab            string `yaml:"lab"`
	Characteristic string `yaml:"characteristic"`
}

// GatherPair is an explicit other-column pairing
type GatherPair struct {
	Entry string `yaml:"entry"`
	Root  string `yaml:"root"`
}

// DecodeRules configures code-to-label decoding
type DecodeRules struct {
	Names struct {
		Lists   []string `yaml:"lists"`
		Columns []string `yaml:"columns"`
	} `yaml:"names"`
	Characteristics []CharDecode `yaml:"characteristics"`
}

// CharDecode decodes one characteristic's coded results
type CharDecode struct {
	List           string `yaml:"list"`
	Characteristic string `yaml:"characteristic"`
	IntegerCodes   bool   `yaml:"integer_codes"`
}

// CharacteristicDef is one characteristic registry entry
type CharacteristicDef struct {
	Type string `yaml:"type"`
	Unit string `yaml:"unit"`
}

// InstrumentRules configures instrument resolution
type InstrumentRules struct {
	Cutover string `yaml:"cutover"`
	Eras    []Era  `yaml:"eras"`

	CutoverDate time.Time `yaml:"-"`
}

// Era assigns method to characteristic between optional inclusive bounds
type Era struct {
	Characteristic string `yaml:"characteristic"`
	Method         string `yaml:"method"`
	Min            string `yaml:"min"`
	Max            string `yaml:"max"`
}

// Bounds parses the era bounds; a nil bound is unbounded
func (e Era) Bounds() (min, max *time.Time, err error) {
	return parseBounds(e.Min, e.Max)
}

// QCRules parameterises the QC rule battery
type QCRules struct {
	ProjectID           string   `yaml:"project_id"`
	Nullable            []string `yaml:"nullable"`
	VerifiedNonNullable []string `yaml:"verified_non_nullable"`
	NonPositive         struct {
		ExemptCharacteristics []string `yaml:"exempt_characteristics"`
		AcceptedFlags         []string `yaml:"accepted_flags"`
	} `yaml:"nonpositive"`
	KnownFlags        []string `yaml:"known_flags"`
	KnownYSIProbes    []string `yaml:"known_ysi_probes"`
	KnownFlowtrackers []string `yaml:"known_flowtrackers"`
	DiscreteVisitType string   `yaml:"discrete_visit_type"`
	SampleColumns     []string `yaml:"sample_columns"`
}

// ExchangeRules configures the exchange projection and its preparation
type ExchangeRules struct {
	Crosswalk          Crosswalk                `yaml:"crosswalk"`
	AirCharacteristics []string                 `yaml:"air_characteristics"`
	Prepare            PrepareRules             `yaml:"prepare"`
	WQXCharacteristics map[string]string        `yaml:"wqx_characteristics"`
	Speciation         map[string]SpeciationDef `yaml:"speciation"`
}

// Crosswalk maps template columns to result columns, constants and named expressions
type Crosswalk struct {
	Cols       []ColumnMapping     `yaml:"cols"`
	Constants  []ConstantMapping   `yaml:"constants"`
	Calculated []CalculatedMapping `yaml:"calculated"`
}

// ColumnMapping copies a result column into a template column
type ColumnMapping struct {
	Target string `yaml:"target"`
	Source string `yaml:"source"`
}

// ConstantMapping repeats a value in every row
type ConstantMapping struct {
	Target string `yaml:"target"`
	Value  string `yaml:"value"`
}

// CalculatedMapping derives a template column with a named expression
type CalculatedMapping struct {
	Target string `yaml:"target"`
	Expr   string `yaml:"expr"`
}

// PrepareRules are the exchange-only filters and recodes
type PrepareRules struct {
	ExcludedCharacteristics []string `yaml:"excluded_characteristics"`
	LabEras                 []LabEra `yaml:"lab_eras"`
	RemovedLabResults       struct {
		Lab             string   `yaml:"lab"`
		Characteristics []string `yaml:"characteristics"`
	} `yaml:"removed_lab_results"`
	BlankResultFlag string `yaml:"blank_result_flag"`
	CalculatedFlag  struct {
		Flag       string `yaml:"flag"`
		Instrument string `yaml:"instrument"`
		Since      string `yaml:"since"`
	} `yaml:"calculated_flag"`
	QAIncrement struct {
		Marker      string `yaml:"marker"`
		Flag        string `yaml:"flag"`
		Replacement string `yaml:"replacement"`
	} `yaml:"qa_increment"`
}

// LabEra names the lab that analysed samples between inclusive bounds
type LabEra struct {
	Lab string `yaml:"lab"`
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

// Bounds parses the era bounds; a nil bound is unbounded
func (e LabEra) Bounds() (min, max *time.Time, err error) {
	return parseBounds(e.Min, e.Max)
}

// SpeciationDef is the WQX speciation and fraction of a lab characteristic
type SpeciationDef struct {
	Speciation string `yaml:"speciation"`
	Fraction   string `yaml:"fraction"`
}

// MetadataRules configures the companion metadata reconciliation
type MetadataRules struct {
	DroppedCharacteristics []string               `yaml:"dropped_characteristics"`
	Aliases                map[string]string      `yaml:"aliases"`
	BlankOnAdd             []string               `yaml:"blank_on_add"`
	Additions              map[string]MetadataAdd `yaml:"additions"`
	ReferenceSite          string                 `yaml:"reference_site"`
	ParkMerges             []ParkMerge            `yaml:"park_merges"`
	SiteNames              map[string]string      `yaml:"site_names"`
	DisplayNameFixes       map[string]string      `yaml:"display_name_fixes"`
	NonNullable            []string               `yaml:"non_nullable"`
	NullableDataType       string                 `yaml:"nullable_data_type"`
	ConditionallyNullable  map[string]string      `yaml:"conditionally_nullable"`
	SortBy                 []string               `yaml:"sort_by"`
}

// MetadataAdd holds the fixed field values of a new metadata characteristic
type MetadataAdd struct {
	CharacteristicName string `yaml:"CharacteristicName"`
	DisplayName        string `yaml:"DisplayName"`
	Category           string `yaml:"Category"`
	CategoryDisplay    string `yaml:"CategoryDisplay"`
	DataType           string `yaml:"DataType"`
	UnitsFromData      bool   `yaml:"units_from_data"`
}

// ParkMerge folds one park code into another
type ParkMerge struct {
	From    string   `yaml:"from"`
	To      string   `yaml:"to"`
	Columns []string `yaml:"columns"`
}

// LoadRules reads the embedded rule files, replacing any that exist under overrideDir.
// An empty overrideDir uses the embedded rules only.
func LoadRules(overrideDir string) (*Rules, error) {
	rules := &Rules{}

	targets := []struct {
		file string
		dest interface{}
	}{
		{SchemaFile, &rules.Schema},
		{InstrumentsFile, &rules.Instruments},
		{QCFile, &rules.QC},
		{ExchangeFile, &rules.Exchange},
		{MetadataFile, &rules.Metadata},
	}

	for _, t := range targets {
		data, err := readRuleFile(overrideDir, t.file)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, t.dest); err != nil {
			return nil, fmt.Errorf("failed to parse rules %s: %w", t.file, err)
		}
	}

	if err := rules.validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

func readRuleFile(overrideDir, name string) ([]byte, error) {
	if overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(overrideDir, name))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read rules %s: %w", name, err)
		}
	}

	data, err := embeddedRules.ReadFile("rules/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded rules %s: %w", name, err)
	}
	return data, nil
}

// validate checks rule values that would otherwise fail deep inside a run
func (r *Rules) validate() error {
	cutover, ok := models.ParseDate(r.Instruments.Cutover)
	if !ok {
		return models.NewConfigError("rules", "invalid instrument cutover date", r.Instruments.Cutover)
	}
	r.Instruments.CutoverDate = cutover

	for _, era := range r.Instruments.Eras {
		if era.Characteristic == "" || era.Method == "" {
			return models.NewConfigError("rules", "instrument era needs a characteristic and a method")
		}
		if _, _, err := era.Bounds(); err != nil {
			return models.NewConfigError("rules", fmt.Sprintf("invalid era bounds for %s: %v", era.Characteristic, err))
		}
	}

	for _, era := range r.Exchange.Prepare.LabEras {
		if _, _, err := era.Bounds(); err != nil {
			return models.NewConfigError("rules", fmt.Sprintf("invalid lab era bounds for %s: %v", era.Lab, err))
		}
	}
	if since := r.Exchange.Prepare.CalculatedFlag.Since; since != "" {
		if _, ok := models.ParseDate(since); !ok {
			return models.NewConfigError("rules", "invalid calculated flag date", since)
		}
	}

	for group := range r.Schema.Membership {
		if !models.IsKnownGrouping(group) {
			return models.NewConfigError("rules", "unknown grouping category in membership", group)
		}
	}
	for name, rel := range r.Schema.Relations {
		if rel.Grouping != "" && !models.IsKnownGrouping(rel.Grouping) {
			return models.NewConfigError("rules", fmt.Sprintf("unknown grouping category for %s", name), rel.Grouping)
		}
		if len(rel.Identifiers) == 0 {
			return models.NewConfigError("rules", fmt.Sprintf("relation %s has no identifier columns", name))
		}
	}

	return nil
}

// Registry returns the characteristic registry
func (r *Rules) Registry() *Registry {
	return NewRegistry(r.Schema.Registry)
}

func parseBounds(minText, maxText string) (min, max *time.Time, err error) {
	if minText != "" {
		t, ok := models.ParseDate(minText)
		if !ok {
			return nil, nil, fmt.Errorf("invalid min date %q", minText)
		}
		min = &t
	}
	if maxText != "" {
		t, ok := models.ParseDate(maxText)
		if !ok {
			return nil, nil, fmt.Errorf("invalid max date %q", maxText)
		}
		max = &t
	}
	if min != nil && max != nil && max.Before(*min) {
		return nil, nil, fmt.Errorf("max %s precedes min %s", maxText, minText)
	}
	return min, max, nil
}
