package migrations

import "database/sql"

// migrateDeviceWeightDecode adds the per-device weight_decode column.
// Databases created before the override existed decode with the deci-kilogram
// heuristic, which 'auto' preserves.
func migrateDeviceWeightDecode(tx *sql.Tx) error {
	exists, err := columnExists(tx, "devices", "weight_decode")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(`ALTER TABLE devices ADD COLUMN weight_decode TEXT NOT NULL DEFAULT 'auto'`)
	return err
}
