// Package migrations holds forward-only schema migrations.
//
// Each migration is idempotent: it probes the live schema (pragma_table_info
// or sqlite_master) and returns without touching anything already migrated.
// Apply runs each under a short transaction so a crash mid-migration leaves
// the previous schema intact.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward schema change.
type migration struct {
	name string
	run  func(tx *sql.Tx) error
}

// registry, in application order. Append only; never reorder or remove.
var registry = []migration{
	{"001_device_weight_decode", migrateDeviceWeightDecode},
	{"002_batch_reconcile_note", migrateBatchReconcileNote},
	{"003_sync_queue_table", migrateSyncQueueTable},
}

// Apply runs all registered migrations in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for _, m := range registry {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", m.name, err)
		}
		if err := m.run(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m.name, err)
		}
	}
	return nil
}

// columnExists probes a table for a column.
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s.%s: %w", table, column, err)
	}
	return exists, nil
}

// tableExists probes for a table.
func tableExists(tx *sql.Tx, table string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type = 'table' AND name = ?
	`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe table %s: %w", table, err)
	}
	return exists, nil
}
