package database

import (
	"context"
	"errors"
	"fmt"
)

// schemaProbe detects a database that already carries the recordings schema.
// The job_id column is checked rather than the table name alone so an
// unrelated "recordings" table is not mistaken for ours.
const schemaProbe = `SELECT
	EXISTS (SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = 'recordings'),
	EXISTS (SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'recordings' AND column_name = 'job_id')`

// InitSchema loads schemaSQL into a fresh database. An existing recordings
// table without the job columns is reported instead of being overwritten.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var table, jobCol bool
	if err := db.Pool.QueryRow(ctx, schemaProbe).Scan(&table, &jobCol); err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	switch {
	case table && jobCol:
		db.log.Debug().Msg("recordings schema present")
		return nil
	case table:
		return errors.New("table recordings exists but has no job_id column; not a scribe-engine schema")
	}

	db.log.Info().Msg("empty database, loading recordings schema")
	if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
