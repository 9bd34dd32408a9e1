package migrate_test

import (
	"testing"

	"civitrack/internal/db"
	"civitrack/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	var versions int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&versions); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if versions != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", versions)
	}
	for _, table := range []string{"projects", "validation_items", "validation_logs", "actor_roles", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
			t.Fatalf("probe %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("table %s missing after migrate", table)
		}
	}
}
