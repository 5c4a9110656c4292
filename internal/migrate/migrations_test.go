package migrate_test

import (
	"testing"

	"actionline/internal/db"
	"actionline/internal/migrate"
)

func TestOpenAllCreatesStoresIdempotently(t *testing.T) {
	dir := t.TempDir()
	conns, err := migrate.OpenAll(dir)
	if err != nil {
		t.Fatalf("open all: %v", err)
	}
	tables := map[db.Store]string{
		db.Registry: "jobs",
		db.Content:  "content_items",
		db.Quota:    "address_usage",
	}
	for store, table := range tables {
		var n int
		if err := conns[store].QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
			t.Fatalf("%s: %v", store, err)
		}
		if n != 1 {
			t.Fatalf("%s: table %s missing", store, table)
		}
	}
	var mode string
	if err := conns[db.Registry].QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %s, want wal", mode)
	}
	migrate.CloseAll(conns)

	conns, err = migrate.OpenAll(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer migrate.CloseAll(conns)
	var version int
	if err := conns[db.Quota].QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}
