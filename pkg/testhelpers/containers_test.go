//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestEngineDB_MigrationsApplied(t *testing.T) {
	engineDB := GetEngineDB(t)

	ctx := context.Background()

	tables := []string{
		"mindmap_projects",
		"mindmap_members",
		"mindmap_nodes",
		"mindmap_associative_lines",
		"mindmap_edit_log",
	}

	for _, table := range tables {
		var exists bool
		err := engineDB.DB.Pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestEngineDB_OneRootIndex(t *testing.T) {
	engineDB := GetEngineDB(t)

	var exists bool
	err := engineDB.DB.Pool.QueryRow(context.Background(),
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'mindmap_nodes_one_root')").Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check index: %v", err)
	}
	if !exists {
		t.Error("expected mindmap_nodes_one_root index to exist")
	}
}
