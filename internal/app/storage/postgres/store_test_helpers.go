package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := ApplyMigrations(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetTables(db); err != nil {
		t.Fatalf("reset tables: %v", err)
	}

	t.Cleanup(func() {
		_ = resetTables(db)
		_ = db.Close()
	})

	return New(db), context.Background()
}

func resetTables(db *sql.DB) error {
	_, err := db.Exec(`
		TRUNCATE
			gw_lookups,
			gw_scheduled_deliveries,
			gw_dlq_entries,
			gw_execution_logs,
			gw_audit_events,
			gw_processed_events,
			gw_checkpoints,
			gw_event_source_configs,
			gw_rules,
			gw_org_units,
			gw_tenants
		RESTART IDENTITY CASCADE
	`)
	return err
}
