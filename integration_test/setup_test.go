//go:build integration

package integration_test

import (
	"testing"
)

// TestSetupHelpers validates that the integration test helper functions work correctly.
// This test requires a PostgreSQL database to be available via DATABASE_URL.
func TestSetupHelpers(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTables(t, db)
	setupTables(t, db)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM stagecoord_runs").Scan(&count); err != nil {
		t.Fatalf("failed to query runs table: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM stagecoord_checkpoints").Scan(&count); err != nil {
		t.Fatalf("failed to query checkpoints table: %v", err)
	}

	cleanupTables(t, db)

	if err := db.QueryRow("SELECT COUNT(*) FROM stagecoord_runs").Scan(&count); err != nil {
		t.Fatalf("failed to query runs table after cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows in runs table after cleanup, got %d", count)
	}

	teardownTables(t, db)

	if err := db.QueryRow("SELECT COUNT(*) FROM stagecoord_runs").Scan(&count); err == nil {
		t.Error("expected runs table to be dropped")
	}
}
