//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/getpup/stagecoord/store/sqlstore"
)

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sqlstore.Open(sqlstore.Postgres, dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// getTestRedis returns a Redis client for integration tests.
// It reads the REDIS_ADDR environment variable and skips the test if not set.
func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	return client
}

// setupTables creates the run store tables using the default configuration.
func setupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if err := sqlstore.Migrate(context.Background(), db, sqlstore.Postgres, sqlstore.DefaultTableConfig()); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
}

// cleanupTables truncates the run store tables to clean up test data.
// Errors are logged but don't fail the test (cleanup is best-effort).
func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	config := sqlstore.DefaultTableConfig()

	// TRUNCATE checkpoints first (references runs)
	if _, err := db.Exec("TRUNCATE " + config.CheckpointsTable + " CASCADE"); err != nil {
		t.Logf("warning: failed to truncate checkpoints table: %v", err)
	}
	if _, err := db.Exec("TRUNCATE " + config.RunsTable + " CASCADE"); err != nil {
		t.Logf("warning: failed to truncate runs table: %v", err)
	}
}

// teardownTables drops the run store tables using the default configuration.
// Errors are logged but don't fail the test.
func teardownTables(t *testing.T, db *sql.DB) {
	t.Helper()

	stmts, err := sqlstore.DropStatements(sqlstore.DefaultTableConfig())
	if err != nil {
		t.Logf("warning: failed to build drop statements: %v", err)
		return
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Logf("warning: failed to drop tables: %v", err)
		}
	}
}
