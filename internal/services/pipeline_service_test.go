package services

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/projection"
	"water-quality-etl/internal/repository"
	"water-quality-etl/internal/source"
	"water-quality-etl/pkg/database"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

const referenceDir = "../../data/reference"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("services-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return logger
}

// writeExport lays out one timestamped export folder holding a single verified
// visit with an air temperature and one lab ANC sample
func writeExport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	folder := filepath.Join(dir, "20240301_093000")
	require.NoError(t, os.Mkdir(folder, 0755))

	files := map[string]string{
		"NCRN_WQ_0.csv": "objectid,GlobalID,activity_group_id,review_status,sampleability,activity_start_date,activity_start_time,timezone,location_id,delete_record,air_temperature\n" +
			"1,V1,AG,verified,Actively Sampled,2023-06-15,09:45,EST,NCRN_ROCR_BRBR,,15.2\n",
		"ysi_increments_1.csv": "objectid,GlobalID,ParentGlobalID,ysi_probe,ysi_increment,delete_increment,ph\n",
		"grabsample_2.csv": "objectid,GlobalID,ParentGlobalID,lab,delete_sample,anc\n" +
			"1,G1,V1,AL,,120\n",
	}

	f, err := os.Create(filepath.Join(folder, "NCRN_WQ_csv.zip"))
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return dir
}

func newTestRepository(t *testing.T) repository.RunRepository {
	t.Helper()
	logger := testLogger()
	collector := metrics.NewCollector("services_test", nil)

	db, err := database.NewDB(&database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, logger, collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = database.NewMigrationManager(db, logger).Up(context.Background())
	require.NoError(t, err)
	return repository.NewRunRepository(db, logger, collector)
}

func newTestService(t *testing.T, repo repository.RunRepository, opts PipelineOptions) *PipelineService {
	t.Helper()
	if opts.SourceDir == "" {
		opts.SourceDir = writeExport(t)
	}
	if opts.ReferenceDir == "" {
		opts.ReferenceDir = referenceDir
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	s := NewPipelineService(repo, opts, testLogger(), metrics.NewCollector("services_test", nil))
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return s
}

func rowWhere(t *testing.T, rel *models.Relation, col, value string) models.Row {
	t.Helper()
	for _, row := range rel.Rows {
		if row.Get(col) == value {
			return row
		}
	}
	t.Fatalf("no row with %s = %s", col, value)
	return nil
}

func TestPipelineService_RunDashboard(t *testing.T) {
	s := newTestService(t, nil, PipelineOptions{})

	res, err := s.RunDashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, res.Run.Status)
	assert.Equal(t, "20240301_093000", res.Run.SourceFolder)
	assert.Equal(t, 2, res.Run.ResultRows)
	require.Equal(t, 2, res.Output.Len())

	air := rowWhere(t, res.Output, "Characteristic_Name", "air_temperature")
	assert.Equal(t, "AG|NCRN_WQ_HABINV", air.Get("activity_id"))
	assert.Equal(t, "Broad Branch", air.Get("ncrn_site_name"))
	assert.Equal(t, "deg C", air.Get("Result_Unit"))

	anc := rowWhere(t, res.Output, "Characteristic_Name", "anc")
	assert.Equal(t, "AG|NCRN_WQ_WCHEM|AL", anc.Get("activity_id"))
	assert.Equal(t, "AL", anc.Get("instrument"))

	written, err := source.ReadRelationCSV(res.OutputPath, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, res.Output.Columns, written.Columns)
	assert.Equal(t, 2, written.Len())
}

func TestPipelineService_RunExchangePublishes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	s := newTestService(t, repo, PipelineOptions{})

	res, err := s.RunExchange(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Output.Len())
	assert.Len(t, res.Output.Columns, 81)

	air := rowWhere(t, res.Output, "CharacteristicName", "Temperature, air")
	assert.Equal(t, "Air", air.Get("ActivityMediaName"))
	assert.Equal(t, "Field Msr/Obs", air.Get("ActivityTypeCode"))
	assert.Equal(t, "2024-03-01 09:30:00", air.Get("LastUpdated"))
	assert.Equal(t, "NCRN_ROCR_BRBR", air.Get("MonitoringLocationIdentifier"))

	anc := rowWhere(t, res.Output, "CharacteristicName", "Acid Neutralizing Capacity (ANC)")
	assert.Equal(t, "Water", anc.Get("ActivityMediaName"))
	assert.Equal(t, "Sample-Routine", anc.Get("ActivityTypeCode"))
	assert.Equal(t, "AL", anc.Get("LaboratoryName"))
	assert.Equal(t, "Total", anc.Get("ResultSampleFractionText"))
	assert.Equal(t, "Actual", anc.Get("ResultValueTypeName"))

	run, err := repo.GetRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, models.RunExchange, run.Kind)
	assert.Equal(t, 2, run.OutputRows)
	assert.Equal(t, len(res.Diagnostics), len(run.Findings))

	rows, total, err := repo.ListPublished(ctx, models.RunExchange, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rows, 2)
}

func TestPipelineService_DryRun(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	out := t.TempDir()
	s := newTestService(t, repo, PipelineOptions{DryRun: true, OutputDir: out})

	res, err := s.RunDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output.Len())
	assert.Empty(t, res.OutputPath)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, total, err := repo.ListPublished(ctx, models.RunDashboard, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	run, err := repo.GetRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	assert.True(t, run.DryRun)
}

func TestPipelineService_RunMetadata(t *testing.T) {
	s := newTestService(t, nil, PipelineOptions{})

	res, err := s.RunMetadata(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"NCRN_ROCR_BRBR"}, res.Output.Distinct("SiteCode"))
	assert.Equal(t, []string{"Acid Neutralizing Capacity (ANC)", "Temperature, air"}, res.Output.Distinct("DataName"))
	assert.Equal(t, "ueq/L", rowWhere(t, res.Output, "CharacteristicName", "ANC").Get("Units"))
	assert.Equal(t, "metadata.csv", filepath.Base(res.OutputPath))

	var kinds []string
	for _, d := range res.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, "metadata_reference_site_absent")
}

func TestPipelineService_FailedRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	s := newTestService(t, repo, PipelineOptions{ReferenceDir: t.TempDir()})

	res, err := s.RunExchange(ctx)
	require.Error(t, err)

	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Columns, "exchange_template.csv")

	run, err := repo.GetRun(ctx, res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "exchange_template.csv")
	assert.NotNil(t, run.FinishedAt)
}

func TestPipelineService_CrosswalkCheckedBeforeTransform(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	entries, err := os.ReadDir(referenceDir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(referenceDir, e.Name()))
		require.NoError(t, err)
		if e.Name() == "exchange_template.csv" {
			data = []byte(strings.Replace(string(data), "ResultIdentifier", "ResultIdentifier,UnmappedColumn", 1))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, e.Name()), data, 0644))
	}

	res, err := newTestService(t, nil, PipelineOptions{ReferenceDir: dir}).RunExchange(ctx)
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, projection.StageProjection, cfgErr.Stage)
	assert.Zero(t, res.Run.ResultRows)
	assert.Nil(t, res.Output)
}

func TestPipelineService_LabLogFromDatabase(t *testing.T) {
	ctx := context.Background()

	_, err := newTestService(t, nil, PipelineOptions{LabLogFromDB: true}).RunDashboard(ctx)
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))

	repo := newTestRepository(t)
	require.NoError(t, repo.ReplaceLabLog(ctx, []models.LabLogEntry{
		{Characteristic: "anc", Method: "Gran titration", SampleDate: "2023-01-10"},
		{Characteristic: "anc", Method: "Gran titration", SampleDate: "2023-12-10"},
	}))
	res, err := newTestService(t, repo, PipelineOptions{LabLogFromDB: true}).RunDashboard(ctx)
	require.NoError(t, err)

	// an open-ended lab log method evaluated after the recorded lab takes precedence
	anc := rowWhere(t, res.Output, "Characteristic_Name", "anc")
	assert.Equal(t, "Gran titration", anc.Get("instrument"))
}

func TestPipelineService_ImportLabLog(t *testing.T) {
	ctx := context.Background()

	_, err := newTestService(t, nil, PipelineOptions{}).ImportLabLog(ctx)
	assert.ErrorIs(t, err, errNoRepository)

	repo := newTestRepository(t)
	n, err := newTestService(t, repo, PipelineOptions{}).ImportLabLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	entries, err := repo.ListLabLog(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestPipelineService_RunLedgerWithoutDatabase(t *testing.T) {
	s := newTestService(t, nil, PipelineOptions{})
	_, _, err := s.ListRuns(context.Background(), repository.RunFilter{Limit: 10})
	assert.ErrorIs(t, err, errNoRepository)
}
