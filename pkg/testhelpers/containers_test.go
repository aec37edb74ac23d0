//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestEngineDB_MigrationsApplied(t *testing.T) {
	engineDB := GetEngineDB(t)

	ctx := context.Background()

	expectedTables := []string{"files", "pois", "relationships", "relationship_evidence", "outbox", "incidents"}

	for _, table := range expectedTables {
		var exists bool
		err := engineDB.DB.Pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected migrated table %q to exist", table)
		}
	}
}

func TestEngineDB_MigrationsIdempotent(t *testing.T) {
	// GetEngineDB runs migrations once via sync.Once; calling it again must
	// not re-apply migrations or error.
	first := GetEngineDB(t)
	second := GetEngineDB(t)

	if first.ConnStr != second.ConnStr {
		t.Errorf("expected shared engine DB across calls, got different connection strings")
	}
}
