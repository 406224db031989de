package database

import (
	"context"
	"fmt"
	"strings"
)

// migration is one idempotent schema change. check returns true once the
// change is present, so applied migrations are skipped without touching DDL.
type migration struct {
	name  string
	sql   string
	check string
}

func addColumn(table, column, def string) migration {
	return migration{
		name: "add " + table + "." + column,
		sql:  fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, table, column, def),
		check: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_name = '%s' AND column_name = '%s')`, table, column),
	}
}

func addIndex(name, ddl string) migration {
	return migration{
		name:  "add index " + name,
		sql:   fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s %s`, name, ddl),
		check: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = '%s')`, name),
	}
}

// Applied in order; databases created from an older schema.sql catch up here.
var migrations = []migration{
	addColumn("recordings", "attempts", "int NOT NULL DEFAULT 0"),
	addColumn("recordings", "duration_seconds", "double precision"),
	addIndex("idx_recordings_processing", "ON recordings (updated_at) WHERE status = 'processing'"),
}

// Migrate applies the migrations whose check reports them missing. A failure
// is returned as *MigrationError carrying the SQL still outstanding, since
// recording queries depend on every column being present.
func (db *DB) Migrate(ctx context.Context) error {
	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		var present bool
		if err := db.Pool.QueryRow(ctx, m.check).Scan(&present); err == nil && present {
			continue
		}
		pending = append(pending, m)
	}

	for i, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{failed: m, pending: pending[i:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
	}
	if len(pending) > 0 {
		db.log.Info().Int("applied", len(pending)).Msg("schema migrations complete")
	}
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart scribe-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
