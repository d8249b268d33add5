package db

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tables := []string{"schema_version", "tasks", "events", "checkpoints", "fix_attempts"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)

	if _, err := d.conn.Exec(
		`INSERT INTO events (task_id, event_type) VALUES ('t1', 'PlanningStarted')`,
	); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	var count int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("count events after reset: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 events after reset, got %d", count)
	}
}

func TestCheckpointUniqueness(t *testing.T) {
	d := testDB(t)

	insert := `INSERT INTO checkpoints (task_id, phase, status) VALUES ('t1', 'planning', 'active')`
	if _, err := d.conn.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := d.conn.Exec(insert); err == nil {
		t.Error("expected unique constraint violation on (task_id, phase)")
	}
}
