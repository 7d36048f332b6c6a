package migrations

import "database/sql"

// migrateBatchReconcileNote adds the free-form reconciliation note written by
// operators when assigning an offline batch to a session.
func migrateBatchReconcileNote(tx *sql.Tx) error {
	exists, err := columnExists(tx, "offline_batches", "reconcile_note")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(`ALTER TABLE offline_batches ADD COLUMN reconcile_note TEXT NOT NULL DEFAULT ''`)
	return err
}
