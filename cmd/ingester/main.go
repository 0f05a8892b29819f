package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"water-quality-etl/internal/config"
	"water-quality-etl/internal/metadata"
	"water-quality-etl/internal/repository"
	"water-quality-etl/internal/services"
	"water-quality-etl/pkg/database"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

const version = "1.0.0"

var (
	configPath     string
	includeDeletes bool
	dryRun         bool
	verbose        bool
	schedule       string
	metricsFile    string
)

var rootCmd = &cobra.Command{
	Use:   "ingester",
	Short: "Water-quality ETL: field exports to dashboard, exchange and metadata tables",
	Long: `ingester reads the newest field-data export, cleans and checks it, and
writes the dashboard, water-quality exchange and metadata projections.

Every run is recorded with its quality-control findings when the database is enabled.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level and log every advisory finding")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(labLogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs, built from the configuration
type app struct {
	cfg      *config.Config
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	db       *database.DB
	pipeline *services.PipelineService
}

// newApp loads and validates the configuration, applies command-line
// overrides, opens the database when enabled and builds the pipeline service
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("include-deletes") {
		cfg.Pipeline.IncludeDeletes = includeDeletes
	}
	if flags.Changed("dry-run") {
		cfg.Pipeline.DryRun = dryRun
	}
	if flags.Changed("schedule") {
		cfg.Pipeline.Schedule = schedule
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.TextfilePath = metricsFile
	}
	if verbose {
		cfg.Pipeline.Verbose = true
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewStructuredLogger("wq-ingester", version, logging.ParseLevel(cfg.Logging.Level))
	collector := metrics.NewCollector(cfg.Metrics.Namespace, nil)

	a := &app{cfg: cfg, logger: logger, metrics: collector}

	var repo repository.RunRepository
	if cfg.Database.Enabled {
		db, err := database.NewDB(cfg.DatabaseSettings(), logger, collector)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if _, err := database.NewMigrationManager(db, logger).Up(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		a.db = db
		repo = repository.NewRunRepository(db, logger, collector)
	}

	a.pipeline = services.NewPipelineService(repo, pipelineOptions(cfg), logger, collector)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

// writeMetrics dumps the registry for the node-exporter textfile collector
func (a *app) writeMetrics(ctx context.Context) {
	path := a.cfg.Metrics.TextfilePath
	if path == "" {
		return
	}
	if err := a.metrics.WriteTextfile(path); err != nil {
		a.logger.Error(ctx, "[METRICS_ERROR] Failed to write metrics textfile", logging.Fields{
			"path": path,
		}, err)
	}
}

func pipelineOptions(cfg *config.Config) services.PipelineOptions {
	overrides := make(map[string]metadata.SiteOverride, len(cfg.Pipeline.SiteOverrides))
	for site, o := range cfg.Pipeline.SiteOverrides {
		overrides[site] = metadata.SiteOverride{
			SiteName:  o.SiteName,
			ShortName: o.ShortName,
			LongName:  o.LongName,
			Lat:       o.Lat,
			Long:      o.Long,
		}
	}

	return services.PipelineOptions{
		SourceDir:      cfg.Pipeline.SourceDir,
		ReferenceDir:   cfg.Pipeline.ReferenceDir,
		OutputDir:      cfg.Pipeline.OutputDir,
		IncludeDeletes: cfg.Pipeline.IncludeDeletes,
		DryRun:         cfg.Pipeline.DryRun,
		Verbose:        cfg.Pipeline.Verbose,
		SampleSize:     cfg.Pipeline.SampleSize,
		LabLogFromDB:   cfg.Pipeline.LabLogSource == config.LabLogDatabase,
		SiteOverrides:  overrides,
	}
}
