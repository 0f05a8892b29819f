package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"water-quality-etl/pkg/logging"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents one versioned schema change
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// MigrationManager applies versioned migrations and records them in schema_migrations
type MigrationManager struct {
	db     *DB
	source fs.FS
	logger *logging.StructuredLogger
}

// NewMigrationManager creates a manager over the embedded migration set
func NewMigrationManager(db *DB, logger *logging.StructuredLogger) *MigrationManager {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &MigrationManager{db: db, source: sub, logger: logger}
}

// NewMigrationManagerFS creates a manager over an arbitrary migration directory
func NewMigrationManagerFS(db *DB, source fs.FS, logger *logging.StructuredLogger) *MigrationManager {
	return &MigrationManager{db: db, source: source, logger: logger}
}

// InitMigrationsTable creates the migrations tracking table
func (m *MigrationManager) InitMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`
	if _, err := m.db.ExecContext(ctx, "init_migrations", query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// AppliedVersions returns the set of applied migration versions
func (m *MigrationManager) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := m.db.SelectContext(ctx, "applied_migrations", &versions,
		"SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// LoadMigrations reads NNN_name.up.sql / NNN_name.down.sql pairs sorted by version
func (m *MigrationManager) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, ".sql") {
			continue
		}

		var direction string
		base := strings.TrimSuffix(fileName, ".sql")
		switch {
		case strings.HasSuffix(base, ".up"):
			direction = "up"
			base = strings.TrimSuffix(base, ".up")
		case strings.HasSuffix(base, ".down"):
			direction = "down"
			base = strings.TrimSuffix(base, ".down")
		default:
			direction = "up"
		}

		var version int
		if _, err := fmt.Sscanf(base, "%d_", &version); err != nil {
			m.logger.Warn(context.Background(), "[MIGRATE] Skipping migration file with invalid name", logging.Fields{
				"file": fileName,
			})
			continue
		}

		content, err := fs.ReadFile(m.source, fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: base}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Up applies every pending migration in version order and returns how many ran
func (m *MigrationManager) Up(ctx context.Context) (int, error) {
	if err := m.InitMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, err
		}
		count++
	}

	m.logger.Info(ctx, "[MIGRATE] Migrations complete", logging.Fields{
		"applied":  count,
		"known":    len(migrations),
		"database": m.db.Driver(),
	})
	return count, nil
}

// Down reverts applied migrations newest first, stopping after steps (0 = all)
func (m *MigrationManager) Down(ctx context.Context, steps int) (int, error) {
	if err := m.InitMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && count >= steps {
			break
		}
		mig := migrations[i]
		if !applied[mig.Version] {
			continue
		}
		if err := m.revert(ctx, mig); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *MigrationManager) apply(ctx context.Context, mig Migration) error {
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range splitStatements(mig.Up) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
		}

		_, err := tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			mig.Version, mig.Name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info(ctx, "[MIGRATE] Applied migration", logging.Fields{
		"version": mig.Version,
		"name":    mig.Name,
	})
	return nil
}

func (m *MigrationManager) revert(ctx context.Context, mig Migration) error {
	if strings.TrimSpace(mig.Down) == "" {
		return fmt.Errorf("migration %d has no down script", mig.Version)
	}

	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range splitStatements(mig.Down) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to revert migration %d: %w", mig.Version, err)
			}
		}

		_, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), mig.Version)
		if err != nil {
			return fmt.Errorf("failed to unrecord migration %d: %w", mig.Version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info(ctx, "[MIGRATE] Reverted migration", logging.Fields{
		"version": mig.Version,
		"name":    mig.Name,
	})
	return nil
}
