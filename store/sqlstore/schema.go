package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// TableConfig configures the table names used by the run store.
type TableConfig struct {
	// RunsTable stores one row per run.
	RunsTable string

	// CheckpointsTable stores the job list after each stage of a run.
	CheckpointsTable string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		RunsTable:        "stagecoord_runs",
		CheckpointsTable: "stagecoord_checkpoints",
	}
}

// ValidateIdentifier ensures an identifier contains only safe characters for SQL.
func ValidateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// Validate checks every table name.
func (c TableConfig) Validate() error {
	if err := ValidateIdentifier(c.RunsTable, "RunsTable"); err != nil {
		return err
	}
	if err := ValidateIdentifier(c.CheckpointsTable, "CheckpointsTable"); err != nil {
		return err
	}
	if c.RunsTable == c.CheckpointsTable {
		return fmt.Errorf("RunsTable and CheckpointsTable must differ (got: %s)", c.RunsTable)
	}
	return nil
}

const statusCheck = "'running', 'completed', 'completed_with_failures', 'failed', 'interrupted'"

// Statements returns the DDL for the run store, one statement per element.
// Every statement is idempotent.
func Statements(d Dialect, cfg TableConfig) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runs, cps := cfg.RunsTable, cfg.CheckpointsTable

	switch d {
	case Postgres:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id UUID PRIMARY KEY,
    pipeline TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN (%s)),
    workers INTEGER NOT NULL,
    jobs INTEGER NOT NULL,
    last_stage INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, runs, statusCheck),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pipeline ON %s (pipeline, created_at DESC)`, runs, runs),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
    stage INTEGER NOT NULL CHECK (stage BETWEEN 0 AND 4),
    jobs JSONB NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (run_id, stage)
)`, cps, runs),
		}, nil

	case MySQL:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id VARCHAR(36) PRIMARY KEY,
    pipeline VARCHAR(255) NOT NULL,
    status ENUM(%s) NOT NULL,
    workers INT NOT NULL,
    jobs INT NOT NULL,
    last_stage INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    INDEX idx_%s_pipeline (pipeline, created_at DESC)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, runs, statusCheck, runs),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id VARCHAR(36) NOT NULL,
    stage INT NOT NULL,
    jobs JSON NOT NULL,
    saved_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    PRIMARY KEY (run_id, stage),
    FOREIGN KEY (run_id) REFERENCES %s(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, cps, runs),
		}, nil

	case SQLite:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    pipeline TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN (%s)),
    workers INTEGER NOT NULL,
    jobs INTEGER NOT NULL,
    last_stage INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`, runs, statusCheck),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pipeline ON %s (pipeline, created_at DESC)`, runs, runs),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
    stage INTEGER NOT NULL CHECK (stage BETWEEN 0 AND 4),
    jobs TEXT NOT NULL,
    saved_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, stage)
)`, cps, runs),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
}

// Schema returns the DDL for the run store as a single script.
func Schema(d Dialect, cfg TableConfig) (string, error) {
	stmts, err := Statements(d, cfg)
	if err != nil {
		return "", err
	}
	return strings.Join(stmts, ";\n\n") + ";\n", nil
}

// DropStatements returns the DDL that removes the run store tables.
func DropStatements(cfg TableConfig) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", cfg.CheckpointsTable),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", cfg.RunsTable),
	}, nil
}

// Migrate creates the run store tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, cfg TableConfig) error {
	stmts, err := Statements(d, cfg)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply run store schema: %w", err)
		}
	}
	return nil
}
