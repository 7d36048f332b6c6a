package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sahinler/edgescale/internal/types"
)

const batchColumns = `id, device_id, started_at, ended_at, event_count,
	total_weight_grams, status, cloud_session_id, reconciled_at, reconcile_note`

// CreateBatch inserts a new offline batch. The open-batch invariant (at most
// one ended_at IS NULL per device) is enforced here rather than by a schema
// constraint so the violation surfaces as a typed error.
func (s *Store) CreateBatch(ctx context.Context, b *types.OfflineBatch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM offline_batches WHERE device_id = ? AND ended_at IS NULL`,
			b.DeviceID).Scan(&open)
		if err != nil {
			return wrapDBError("count open batches", err)
		}
		if open > 0 {
			return fmt.Errorf("create batch: device %s already has an open batch", b.DeviceID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offline_batches (`+batchColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			b.ID, b.DeviceID, formatTime(b.StartedAt), formatTimePtr(b.EndedAt),
			b.EventCount, b.TotalWeightGrams, string(b.Status),
			b.CloudSessionID, formatTimePtr(b.ReconciledAt), b.ReconcileNote)
		return wrapDBError("create batch", err)
	})
}

// GetBatch returns one batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.OfflineBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM offline_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		return nil, wrapDBError("get batch", err)
	}
	return b, nil
}

// OpenBatchForDevice returns the device's open batch, or storage.ErrNotFound.
func (s *Store) OpenBatchForDevice(ctx context.Context, deviceID string) (*types.OfflineBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM offline_batches
		WHERE device_id = ? AND ended_at IS NULL
	`, deviceID)
	b, err := scanBatch(row)
	if err != nil {
		return nil, wrapDBError("open batch for device", err)
	}
	return b, nil
}

// ListOpenBatches returns every batch still accepting events.
func (s *Store) ListOpenBatches(ctx context.Context) ([]*types.OfflineBatch, error) {
	return s.listBatches(ctx,
		`SELECT `+batchColumns+` FROM offline_batches WHERE ended_at IS NULL ORDER BY started_at`)
}

// ListBatchesPendingSync returns ended batches not yet reconciled.
func (s *Store) ListBatchesPendingSync(ctx context.Context) ([]*types.OfflineBatch, error) {
	return s.listBatches(ctx, `
		SELECT `+batchColumns+` FROM offline_batches
		WHERE ended_at IS NOT NULL AND status IN ('pending', 'in_progress', 'failed')
		ORDER BY started_at`)
}

func (s *Store) listBatches(ctx context.Context, query string, args ...any) ([]*types.OfflineBatch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list batches", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.OfflineBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, wrapDBError("scan batch", err)
		}
		out = append(out, b)
	}
	return out, wrapDBError("iterate batches", rows.Err())
}

// EndBatch closes an open batch. Ending an already-ended batch is a no-op.
func (s *Store) EndBatch(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_batches SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(endedAt), id)
	if err != nil {
		return wrapDBError("end batch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already ended, or unknown ID: distinguish for the caller.
		if _, err := s.GetBatch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// IncrementBatchCounters bumps event_count and total_weight_grams in one
// statement so concurrent captures cannot interleave.
func (s *Store) IncrementBatchCounters(ctx context.Context, id string, weightGrams int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_batches
		SET event_count = event_count + 1,
		    total_weight_grams = total_weight_grams + ?
		WHERE id = ?
	`, weightGrams, id)
	if err != nil {
		return wrapDBError("increment batch counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("increment batch counters", sql.ErrNoRows)
	}
	return nil
}

// SetBatchStatus moves a batch through its reconciliation states.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status types.BatchStatus, cloudSessionID string, reconciledAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_batches
		SET status = ?,
		    cloud_session_id = CASE WHEN ? != '' THEN ? ELSE cloud_session_id END,
		    reconciled_at = COALESCE(?, reconciled_at)
		WHERE id = ?
	`, string(status), cloudSessionID, cloudSessionID, formatTimePtr(reconciledAt), id)
	if err != nil {
		return wrapDBError("set batch status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("set batch status", sql.ErrNoRows)
	}
	return nil
}

// DeleteBatchesOlderThan removes reconciled batches whose events are synced
// and whose end time predates the retention cutoff. Event rows survive with
// their batch link nulled, in one transaction.
func (s *Store) DeleteBatchesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const expired = `
		status = 'reconciled'
		  AND ended_at IS NOT NULL AND ended_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM events e
			WHERE e.offline_batch_id = offline_batches.id
			  AND e.sync_status != 'synced'
		  )`

	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE events SET offline_batch_id = NULL
			WHERE offline_batch_id IN (
				SELECT id FROM offline_batches WHERE`+expired+`
			)
		`, formatTime(cutoff))
		if err != nil {
			return wrapDBError("unlink batch events", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM offline_batches WHERE`+expired, formatTime(cutoff))
		if err != nil {
			return wrapDBError("delete old batches", err)
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func scanBatch(sc scanner) (*types.OfflineBatch, error) {
	var (
		b             types.OfflineBatch
		status        string
		startedAt     string
		endedAt       sql.NullString
		reconciledAt  sql.NullString
	)
	if err := sc.Scan(&b.ID, &b.DeviceID, &startedAt, &endedAt, &b.EventCount,
		&b.TotalWeightGrams, &status, &b.CloudSessionID, &reconciledAt,
		&b.ReconcileNote); err != nil {
		return nil, err
	}
	b.Status = types.BatchStatus(status)

	var err error
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if b.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	if b.ReconciledAt, err = parseTimePtr(reconciledAt); err != nil {
		return nil, err
	}
	return &b, nil
}
