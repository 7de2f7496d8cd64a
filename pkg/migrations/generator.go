package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getpup/stagecoord/store/sqlstore"
)

// Config configures migration generation for the run store tables.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// RunsTable is the name of the runs table
	RunsTable string

	// CheckpointsTable is the name of the stage checkpoints table
	CheckpointsTable string
}

// DefaultConfig returns the default configuration for run store migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	tables := sqlstore.DefaultTableConfig()
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_stagecoord_runs.sql", timestamp),
		RunsTable:        tables.RunsTable,
		CheckpointsTable: tables.CheckpointsTable,
	}
}

func (c *Config) tables() sqlstore.TableConfig {
	return sqlstore.TableConfig{
		RunsTable:        c.RunsTable,
		CheckpointsTable: c.CheckpointsTable,
	}
}

// Generate writes the migration for dialect d.
func Generate(d sqlstore.Dialect, config *Config) error {
	sql, err := render(d, config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(sqlstore.Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(sqlstore.MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(sqlstore.SQLite, config)
}

func render(d sqlstore.Dialect, config *Config) (string, error) {
	if config.OutputFilename == "" {
		return "", fmt.Errorf("invalid configuration: OutputFilename cannot be empty")
	}
	schema, err := sqlstore.Schema(d, config.tables())
	if err != nil {
		return "", fmt.Errorf("invalid configuration: %w", err)
	}

	return fmt.Sprintf(`-- stagecoord Run Store Migration
-- Generated: %s
-- Database: %s

-- %s holds one row per pipeline run and its terminal status.
-- %s holds the job list after each stage, keyed by (run_id, stage).
-- Stage 0 is the submitted job list; resuming a run reloads the row at last_stage.

%s`,
		time.Now().Format(time.RFC3339),
		databaseName(d),
		config.RunsTable,
		config.CheckpointsTable,
		schema,
	), nil
}

func databaseName(d sqlstore.Dialect) string {
	switch d {
	case sqlstore.Postgres:
		return "PostgreSQL"
	case sqlstore.MySQL:
		return "MySQL/MariaDB"
	case sqlstore.SQLite:
		return "SQLite"
	default:
		return string(d)
	}
}
