package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"water-quality-etl/pkg/database"
)

// Config is the complete runtime configuration for the ingester, server and migrate binaries
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig configures the publish/diagnostics database
type DatabaseConfig struct {
	// Enabled turns on run recording and publishing to the database
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig configures the diagnostics HTTP server
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig configures the ETL runs
type PipelineConfig struct {
	// SourceDir holds timestamped export folders; the newest one is processed
	SourceDir string `yaml:"source_dir"`
	// ReferenceDir holds the reference tables (choices, soft constraints, lab log, templates, metadata)
	ReferenceDir string `yaml:"reference_dir"`
	// OutputDir receives the CSV projections; empty writes next to the processed export
	OutputDir      string `yaml:"output_dir"`
	IncludeDeletes bool   `yaml:"include_deletes"`
	DryRun         bool   `yaml:"dry_run"`
	Verbose        bool   `yaml:"verbose"`
	// Schedule is a standard cron spec; empty means run once
	Schedule string `yaml:"schedule"`
	// SampleSize bounds the offending rows kept per QC diagnostic
	SampleSize int `yaml:"sample_size"`
	// LabLogSource is "csv" (reference dir) or "database" (lab_log table)
	LabLogSource string `yaml:"lab_log_source"`
	// SiteOverrides supplies manual values for new monitoring sites, keyed by site code
	SiteOverrides map[string]SiteOverride `yaml:"site_overrides"`
}

// SiteOverride holds operator-supplied metadata for a monitoring site
type SiteOverride struct {
	SiteName  string `yaml:"site_name"`
	ShortName string `yaml:"short_name"`
	LongName  string `yaml:"long_name"`
	Lat       string `yaml:"lat"`
	Long      string `yaml:"long"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	// TextfilePath, when set, receives a textfile-collector dump after each batch run
	TextfilePath string `yaml:"textfile_path"`
}

// Lab log sources
const (
	LabLogCSV      = "csv"
	LabLogDatabase = "database"
)

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Enabled:         false,
			Driver:          database.DriverSQLite,
			Host:            "localhost",
			Port:            5432,
			User:            "wq",
			Database:        "water_quality.db",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			SourceDir:    "data/exports",
			ReferenceDir: "data/reference",
			SampleSize:   10,
			LabLogSource: LabLogCSV,
		},
		Metrics: MetricsConfig{
			Namespace: "water_quality",
		},
	}
}

// LoadConfig loads defaults, then the YAML file at path if it exists, then environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// defaults stand
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies WQ_* environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("WQ_DB_DRIVER"); v != "" {
		c.Database.Driver = v
		c.Database.Enabled = true
	}
	if v := os.Getenv("WQ_DB_DSN"); v != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
	if v := os.Getenv("WQ_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("WQ_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse WQ_DB_PORT: %w", err)
		}
		c.Database.Port = port
	}
	if v := os.Getenv("WQ_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("WQ_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("WQ_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("WQ_DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("WQ_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WQ_SOURCE_DIR"); v != "" {
		c.Pipeline.SourceDir = v
	}
	if v := os.Getenv("WQ_REFERENCE_DIR"); v != "" {
		c.Pipeline.ReferenceDir = v
	}
	if v := os.Getenv("WQ_OUTPUT_DIR"); v != "" {
		c.Pipeline.OutputDir = v
	}
	if v := os.Getenv("WQ_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse WQ_SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("WQ_SCHEDULE"); v != "" {
		c.Pipeline.Schedule = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Enabled {
		switch c.Database.Driver {
		case database.DriverPostgres:
			if c.Database.DSN == "" && c.Database.Host == "" {
				return fmt.Errorf("postgres requires database.host or database.dsn")
			}
			if c.Database.DSN == "" && (c.Database.Port <= 0 || c.Database.Port > 65535) {
				return fmt.Errorf("invalid database port: %d", c.Database.Port)
			}
		case database.DriverSQLite:
			if c.Database.DSN == "" && c.Database.Database == "" {
				return fmt.Errorf("sqlite requires database.database or database.dsn")
			}
		default:
			return fmt.Errorf("invalid database driver: %q (valid: %s, %s)", c.Database.Driver, database.DriverPostgres, database.DriverSQLite)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.SourceDir == "" {
		return fmt.Errorf("pipeline.source_dir is required")
	}
	if c.Pipeline.ReferenceDir == "" {
		return fmt.Errorf("pipeline.reference_dir is required")
	}
	if c.Pipeline.SampleSize <= 0 {
		return fmt.Errorf("pipeline.sample_size must be positive, got %d", c.Pipeline.SampleSize)
	}

	switch c.Pipeline.LabLogSource {
	case LabLogCSV:
	case LabLogDatabase:
		if !c.Database.Enabled {
			return fmt.Errorf("lab_log_source %q requires the database to be enabled", LabLogDatabase)
		}
	default:
		return fmt.Errorf("invalid pipeline.lab_log_source: %q", c.Pipeline.LabLogSource)
	}

	if c.Pipeline.Schedule != "" {
		if _, err := cron.ParseStandard(c.Pipeline.Schedule); err != nil {
			return fmt.Errorf("invalid pipeline.schedule %q: %w", c.Pipeline.Schedule, err)
		}
	}

	return nil
}

// DatabaseSettings converts the database section into the pkg/database form
func (c *Config) DatabaseSettings() *database.Config {
	return &database.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}
