package migrations

import "database/sql"

// migrateSyncQueueTable creates the sync_queue table on databases that
// predate the durable drain record.
func migrateSyncQueueTable(tx *sql.Tx) error {
	exists, err := tableExists(tx, "sync_queue")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(`
		CREATE TABLE sync_queue (
			event_id TEXT PRIMARY KEY,
			enqueued_at TEXT NOT NULL
		)
	`)
	return err
}
