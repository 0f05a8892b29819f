package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
	"water-quality-etl/pkg/logging"
)

// StageMetadata names the metadata stage on diagnostics and errors
const StageMetadata = "metadata"

// Exchange columns read by the reconciler
const (
	ExchangeSite      = "MonitoringLocationIdentifier"
	ExchangeSiteName  = "MonitoringLocationName"
	ExchangeLatitude  = "ActivityLocation/LatitudeMeasure"
	ExchangeLongitude = "ActivityLocation/LongitudeMeasure"
	ExchangeChar      = "CharacteristicName"
	ExchangeUnit      = "ResultMeasure/MeasureUnitCode"
)

// Metadata table columns
const (
	ColSiteCode    = "SiteCode"
	ColSiteCodeWQX = "SiteCodeWQX"
	ColParkCode    = "ParkCode"
	ColShortName   = "ShortName"
	ColLongName    = "LongName"
	ColSiteName    = "SiteName"
	ColLat         = "Lat"
	ColLong        = "Long"
	ColDataName    = "DataName"
	ColCharName    = "CharacteristicName"
	ColDisplayName = "DisplayName"
	ColUnits       = "Units"
	ColDataType    = "DataType"
)

// templateColumns are copied from the first site when a new site is added
var templateColumns = []string{"Network", ColDataName, "Category", "CategoryDisplay", ColUnits, ColCharName, ColDisplayName, "Type", ColDataType}

// locationColumns describe the site rather than the characteristic
var locationColumns = []string{ColParkCode, ColShortName, ColLongName, ColSiteCode, ColSiteCodeWQX, ColSiteName, ColLat, ColLong}

// SiteOverride holds operator-supplied values for a site the exchange rows cannot describe
type SiteOverride struct {
	SiteName  string
	ShortName string
	LongName  string
	Lat       string
	Long      string
}

// Output is the reconciled metadata table and the problems found while building it
type Output struct {
	Metadata    *models.Relation
	Diagnostics []models.Diagnostic
	Duration    time.Duration
}

// Passed reports whether the reconciled table raised no QC problems
func (o *Output) Passed() bool {
	return len(o.Diagnostics) == 0
}

// Reconciler brings the companion metadata table in line with an exchange projection
type Reconciler struct {
	rules     reference.MetadataRules
	overrides map[string]SiteOverride
	logger    *logging.StructuredLogger
}

// NewReconciler creates a reconciler
func NewReconciler(rules reference.MetadataRules, overrides map[string]SiteOverride, logger *logging.StructuredLogger) *Reconciler {
	if overrides == nil {
		overrides = make(map[string]SiteOverride)
	}
	return &Reconciler{rules: rules, overrides: overrides, logger: logger}
}

// Reconcile returns a copy of md whose sites and characteristics match the
// exchange rows, repaired and checked. Neither input is modified.
func (rc *Reconciler) Reconcile(ctx context.Context, md, exchange *models.Relation) (*Output, error) {
	startTime := time.Now()
	out := &Output{}

	dropped := toSet(rc.rules.DroppedCharacteristics)
	ex := exchange.Filter(func(row models.Row) bool {
		return !dropped[row.Get(ExchangeChar)]
	})

	md = md.Clone()
	addColumn(md, ColSiteCodeWQX)
	for _, row := range md.Rows {
		row[ColSiteCodeWQX] = row.Get(ColSiteCode)
	}

	rc.logger.Info(ctx, "[METADATA_START] Reconciling metadata", logging.Fields{
		"metadata_rows": md.Len(),
		"exchange_rows": ex.Len(),
		"stage":         "INITIALIZATION",
	})

	md, err := rc.reconcileSites(md, ex)
	if err != nil {
		return nil, err
	}
	md, err = rc.reconcileCharacteristics(md, ex)
	if err != nil {
		return nil, err
	}

	md, diags, err := rc.repairNeighbours(md)
	if err != nil {
		return nil, err
	}
	out.Diagnostics = append(out.Diagnostics, diags...)
	out.Diagnostics = append(out.Diagnostics, rc.mergeParks(md)...)
	out.Diagnostics = append(out.Diagnostics, rc.checkNulls(md)...)
	out.Diagnostics = append(out.Diagnostics, checkPresence(md, ex)...)
	rc.spotFixes(md)
	out.Diagnostics = append(out.Diagnostics, checkCoverage(md, ex)...)
	sortRows(md, rc.rules.SortBy)

	out.Metadata = md
	out.Duration = time.Since(startTime)

	fields := logging.Fields{
		"metadata_rows":    md.Len(),
		"problems":         len(out.Diagnostics),
		"duration_seconds": out.Duration.Seconds(),
		"stage":            "COMPLETE",
	}
	if out.Passed() {
		rc.logger.Info(ctx, "[METADATA_COMPLETE] Metadata passed QC", fields)
	} else {
		rc.logger.Warn(ctx, "[METADATA_COMPLETE] Metadata failed QC", fields)
	}
	return out, nil
}

// reconcileSites drops sites absent from the exchange rows and adds new ones
// from a template of the first site's characteristics
func (rc *Reconciler) reconcileSites(md, ex *models.Relation) (*models.Relation, error) {
	exSites := ex.Distinct(ExchangeSite)
	present := toSet(exSites)
	md = md.Filter(func(row models.Row) bool {
		return present[row.Get(ColSiteCodeWQX)]
	})

	known := toSet(md.Distinct(ColSiteCodeWQX))
	var adds []string
	for _, s := range exSites {
		if !known[s] {
			adds = append(adds, s)
		}
	}
	if len(adds) == 0 {
		return md, nil
	}

	template := siteTemplate(md)
	parks := parkNames(md)
	pending := make(map[string][]string)

	for _, site := range adds {
		siteRows := ex.Filter(func(row models.Row) bool { return row.Get(ExchangeSite) == site })
		override := rc.overrides[site]

		park := ParkCode(site)
		values := map[string]string{
			ColSiteCode:    site,
			ColSiteCodeWQX: site,
			ColParkCode:    park,
			ColSiteName:    single(siteRows.Distinct(ExchangeSiteName)),
			ColShortName:   parks[park].short,
			ColLongName:    parks[park].long,
			ColLat:         single(siteRows.Distinct(ExchangeLatitude)),
			ColLong:        single(siteRows.Distinct(ExchangeLongitude)),
		}
		fallback := map[string]string{
			ColSiteName:  override.SiteName,
			ColShortName: override.ShortName,
			ColLongName:  override.LongName,
			ColLat:       override.Lat,
			ColLong:      override.Long,
		}
		for _, col := range []string{ColSiteName, ColShortName, ColLongName, ColLat, ColLong} {
			if values[col] == "" {
				values[col] = fallback[col]
			}
			if values[col] == "" {
				pending[site] = append(pending[site], col)
			}
		}

		for _, tmpl := range template {
			row := tmpl.Clone()
			for col, v := range values {
				row[col] = v
			}
			md.AddRow(row)
		}
	}

	if len(pending) > 0 {
		return nil, &PendingResolutionError{Fields: pending}
	}
	return md, nil
}

// reconcileCharacteristics renames aliased characteristics, drops those the
// exchange no longer carries and adds configured new ones for every site
func (rc *Reconciler) reconcileCharacteristics(md, ex *models.Relation) (*models.Relation, error) {
	for _, row := range md.Rows {
		if to, ok := rc.rules.Aliases[row.Get(ColDataName)]; ok {
			row[ColDataName] = to
		}
	}

	exChars := ex.Distinct(ExchangeChar)
	present := toSet(exChars)
	md = md.Filter(func(row models.Row) bool {
		return present[row.Get(ColDataName)]
	})

	known := toSet(md.Distinct(ColDataName))
	var adds []string
	for _, c := range exChars {
		if !known[c] {
			adds = append(adds, c)
		}
	}
	if len(adds) == 0 {
		return md, nil
	}

	var undefined []string
	for _, c := range adds {
		if _, ok := rc.rules.Additions[c]; !ok {
			undefined = append(undefined, c)
		}
	}
	if len(undefined) > 0 {
		return nil, models.NewConfigError(StageMetadata, "exchange characteristics have no metadata definition", undefined...)
	}

	names := md.Distinct(ColDataName)
	if len(names) == 0 {
		return md, nil
	}
	first := names[0]
	var template []models.Row
	for _, row := range md.Rows {
		if row.Get(ColDataName) == first {
			template = append(template, row)
		}
	}

	for _, c := range adds {
		def := rc.rules.Additions[c]
		values := map[string]string{
			ColDataName:       c,
			ColCharName:       def.CharacteristicName,
			ColDisplayName:    def.DisplayName,
			"Category":        def.Category,
			"CategoryDisplay": def.CategoryDisplay,
			ColDataType:       def.DataType,
		}
		if def.UnitsFromData {
			units := ex.Filter(func(row models.Row) bool { return row.Get(ExchangeChar) == c }).Distinct(ExchangeUnit)
			if len(units) > 0 {
				values[ColUnits] = units[0]
			}
		}

		for _, tmpl := range template {
			row := tmpl.Clone()
			for _, col := range rc.rules.BlankOnAdd {
				row[col] = ""
			}
			for col, v := range values {
				row[col] = v
			}
			md.AddRow(row)
		}
	}
	return md, nil
}

// repairNeighbours gives every site the characteristic set of the reference
// site, borrowing each missing row from the last-coded site of the same park
func (rc *Reconciler) repairNeighbours(md *models.Relation) (*models.Relation, []models.Diagnostic, error) {
	var refChars []string
	for _, row := range md.Rows {
		if row.Get(ColSiteCode) == rc.rules.ReferenceSite {
			refChars = appendUnique(refChars, row.Get(ColCharName))
		}
	}
	if len(refChars) == 0 {
		return md, []models.Diagnostic{advisory("metadata_reference_site_absent",
			fmt.Sprintf("reference site %s is not in the metadata; neighbour repair skipped", rc.rules.ReferenceSite), 0)}, nil
	}

	var diags []models.Diagnostic
	for _, site := range md.Distinct(ColSiteCode) {
		var chars []string
		var location models.Row
		for _, row := range md.Rows {
			if row.Get(ColSiteCode) == site {
				chars = appendUnique(chars, row.Get(ColCharName))
				if location == nil {
					location = row
				}
			}
		}

		if len(chars) > len(refChars) {
			diags = append(diags, advisory("metadata_extra_characteristics",
				fmt.Sprintf("%s has %d characteristics, more than the %d of the reference site", site, len(chars), len(refChars)), len(chars)))
			continue
		}
		have := toSet(chars)
		park := ParkCode(site)

		for _, char := range refChars {
			if have[char] {
				continue
			}
			var neighbours []models.Row
			maxSite := ""
			for _, row := range md.Rows {
				if park != "" && ParkCode(row.Get(ColSiteCode)) == park && row.Get(ColCharName) == char {
					neighbours = append(neighbours, row)
					if s := row.Get(ColSiteCode); s > maxSite {
						maxSite = s
					}
				}
			}
			if len(neighbours) == 0 {
				return nil, nil, models.NewFatalError(models.Diagnostic{
					Kind:        "metadata_missing_neighbour",
					Stage:       StageMetadata,
					Description: fmt.Sprintf("%s has no neighbour in its park with the characteristic %s", site, char),
				})
			}
			for _, n := range neighbours {
				if n.Get(ColSiteCode) != maxSite {
					continue
				}
				row := n.Clone()
				for _, col := range locationColumns {
					row[col] = location.Get(col)
				}
				md.AddRow(row)
			}
		}
	}
	return md, diags, nil
}

// mergeParks folds configured park codes into another park
func (rc *Reconciler) mergeParks(md *models.Relation) []models.Diagnostic {
	var diags []models.Diagnostic
	for _, merge := range rc.rules.ParkMerges {
		var rows []models.Row
		for _, row := range md.Rows {
			if row.Get(ColParkCode) == merge.From {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			continue
		}

		for _, col := range merge.Columns {
			var values []string
			for _, row := range md.Rows {
				if row.Get(ColParkCode) == merge.To {
					values = appendUnique(values, row.Get(col))
				}
			}
			if len(values) != 1 {
				diags = append(diags, advisory("metadata_park_merge",
					fmt.Sprintf("failed to assign %s for %s: %d candidate values in %s", col, merge.From, len(values), merge.To), len(rows)))
				continue
			}
			for _, row := range rows {
				row[col] = values[0]
			}
		}
	}
	return diags
}

func (rc *Reconciler) checkNulls(md *models.Relation) []models.Diagnostic {
	var diags []models.Diagnostic
	for _, col := range rc.rules.NonNullable {
		n := 0
		for _, row := range md.Rows {
			if row.IsNull(col) && row.Get(ColDataType) != rc.rules.NullableDataType {
				n++
			}
		}
		if n > 0 {
			diags = append(diags, advisory("metadata_null_field",
				fmt.Sprintf("non-nullable field %s was null in %d rows of metadata", col, n), n))
		}
	}

	keys := make([]string, 0, len(rc.rules.ConditionallyNullable))
	for k := range rc.rules.ConditionallyNullable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dep := rc.rules.ConditionallyNullable[k]
		n := 0
		for _, row := range md.Rows {
			if !row.IsNull(k) && row.IsNull(dep) {
				n++
			}
		}
		if n > 0 {
			diags = append(diags, advisory("metadata_conditional_null",
				fmt.Sprintf("field %s is null in %d rows where %s is set", dep, n, k), n))
		}
	}
	return diags
}

func checkPresence(md, ex *models.Relation) []models.Diagnostic {
	var diags []models.Diagnostic
	report := func(kind, description string, missing []string) {
		if len(missing) > 0 {
			diags = append(diags, advisory(kind, fmt.Sprintf("%s: %s", description, strings.Join(missing, ", ")), len(missing)))
		}
	}

	mdChars, exChars := md.Distinct(ColDataName), ex.Distinct(ExchangeChar)
	mdSites, exSites := md.Distinct(ColSiteCodeWQX), ex.Distinct(ExchangeSite)
	report("metadata_extra_characteristic", "metadata characteristics not present in the exchange rows", missingFrom(mdChars, exChars))
	report("metadata_missing_characteristic", "exchange characteristics not present in the metadata", missingFrom(exChars, mdChars))
	report("metadata_missing_site", "exchange sites not present in the metadata", missingFrom(exSites, mdSites))
	report("metadata_extra_site", "metadata sites not present in the exchange rows", missingFrom(mdSites, exSites))
	return diags
}

func (rc *Reconciler) spotFixes(md *models.Relation) {
	for _, row := range md.Rows {
		if units := row.Get(ColUnits); strings.Contains(units, "/l") {
			row[ColUnits] = strings.ReplaceAll(units, "/l", "/L")
		}
		if name, ok := rc.rules.SiteNames[row.Get(ColSiteCode)]; ok {
			row[ColSiteName] = name
		}
		if fixed, ok := rc.rules.DisplayNameFixes[row.Get(ColDisplayName)]; ok {
			row[ColDisplayName] = fixed
		}
	}
}

// checkCoverage reports exchange site/characteristic pairs the metadata does not describe
func checkCoverage(md, ex *models.Relation) []models.Diagnostic {
	described := make(map[string]bool)
	for _, row := range md.Rows {
		described[row.Get(ColSiteCode)+"\x00"+row.Get(ColDataName)] = true
	}

	var missing []string
	seen := make(map[string]bool)
	for _, row := range ex.Rows {
		key := row.Get(ExchangeSite) + "\x00" + row.Get(ExchangeChar)
		if described[key] || seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, row.Get(ExchangeSite)+" "+row.Get(ExchangeChar))
	}
	if len(missing) == 0 {
		return nil
	}
	return []models.Diagnostic{advisory("metadata_missing_combination",
		fmt.Sprintf("%d site and characteristic combinations are missing from the metadata: %s", len(missing), strings.Join(missing, "; ")), len(missing))}
}

// ParkCode returns the park segment of a site code such as NCRN_ROCR_BRBR
func ParkCode(site string) string {
	parts := strings.Split(site, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

type parkName struct{ short, long string }

func parkNames(md *models.Relation) map[string]parkName {
	parks := make(map[string]parkName)
	seenShort := make(map[string]bool)
	for _, row := range md.Rows {
		short := row.Get(ColShortName)
		if seenShort[short] {
			continue
		}
		seenShort[short] = true
		park := row.Get(ColParkCode)
		if _, ok := parks[park]; !ok {
			parks[park] = parkName{short: short, long: row.Get(ColLongName)}
		}
	}
	return parks
}

// siteTemplate is one row per characteristic of the first site, holding only the characteristic columns
func siteTemplate(md *models.Relation) []models.Row {
	sites := md.Distinct(ColSiteCodeWQX)
	if len(sites) == 0 {
		return nil
	}
	var template []models.Row
	for _, row := range md.Rows {
		if row.Get(ColSiteCodeWQX) != sites[0] {
			continue
		}
		t := make(models.Row, len(md.Columns))
		for _, c := range md.Columns {
			t[c] = ""
		}
		for _, c := range templateColumns {
			t[c] = row.Get(c)
		}
		template = append(template, t)
	}
	return template
}

func sortRows(md *models.Relation, by []string) {
	sort.SliceStable(md.Rows, func(i, j int) bool {
		for _, c := range by {
			a, b := md.Rows[i].Get(c), md.Rows[j].Get(c)
			if a != b {
				return a < b
			}
		}
		return false
	})
}

func advisory(kind, description string, rows int) models.Diagnostic {
	return models.Diagnostic{
		Kind:        kind,
		Stage:       StageMetadata,
		Severity:    models.SeverityAdvisory,
		Description: description,
		RowCount:    rows,
	}
}

func addColumn(rel *models.Relation, col string) {
	if !rel.HasColumn(col) {
		rel.Columns = append(rel.Columns, col)
	}
}

func single(values []string) string {
	if len(values) == 1 {
		return values[0]
	}
	return ""
}

func missingFrom(values, in []string) []string {
	set := toSet(in)
	var out []string
	for _, v := range values {
		if !set[v] {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
