package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "migrations.db"))
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestApplyCreatesSchema(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, table := range []string{"traces", "spans", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	for i := 0; i < 3; i++ {
		if err := Apply(context.Background(), db, DriverSQLite); err != nil {
			t.Fatalf("apply round %d: %v", i, err)
		}
	}

	var applied int
	if err := db.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("count applied migrations: %v", err)
	}
	if applied == 0 {
		t.Fatal("no migrations recorded")
	}

	var distinct int
	if err := db.QueryRow("SELECT COUNT(DISTINCT name) FROM schema_migrations").Scan(&distinct); err != nil {
		t.Fatalf("count distinct migrations: %v", err)
	}
	if distinct != applied {
		t.Fatalf("migrations applied more than once: %d rows, %d distinct", applied, distinct)
	}
}

func TestApplyRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	if err := Apply(context.Background(), db, "mysql"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestApplyRequiresDatabase(t *testing.T) {
	t.Parallel()

	if err := Apply(context.Background(), nil, DriverSQLite); err == nil {
		t.Fatal("expected error for nil database")
	}
}
