package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

const eventColumns = `id, device_id, cloud_session_id, offline_mode, offline_batch_id,
	plu_code, product_name, weight_grams, tare_grams, barcode,
	scale_timestamp, received_at, source_ip, raw_line,
	sync_status, cloud_event_id, synced_at, sync_attempts, last_error`

// InsertEvent appends one weighing event. A violation of the unique dedup
// index surfaces as storage.ErrDuplicateEvent.
func (s *Store) InsertEvent(ctx context.Context, e *types.WeighingEvent) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.DeviceID, nullable(e.CloudSessionID), boolToInt(e.OfflineMode),
		nullable(e.OfflineBatchID),
		e.PLUCode, e.ProductName, e.WeightGrams, e.TareGrams, e.Barcode,
		formatTime(e.ScaleTimestamp), formatTime(e.ReceivedAt), e.SourceIP, e.RawLine,
		string(e.SyncStatus), e.CloudEventID, formatTimePtr(e.SyncedAt),
		e.SyncAttempts, e.LastError)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("insert event %s: %w", e.ID, storage.ErrDuplicateEvent)
	}
	return wrapDBError("insert event", err)
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.WeighingEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, wrapDBError("get event", err)
	}
	return e, nil
}

// ListEvents returns events matching the filter, received_at ascending.
func (s *Store) ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.WeighingEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.BatchID != "" {
		conds = append(conds, "offline_batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.OfflineOnly {
		conds = append(conds, "offline_mode = 1")
	}
	if len(f.SyncStatuses) > 0 {
		ph := make([]string, len(f.SyncStatuses))
		for i, st := range f.SyncStatuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "sync_status IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY received_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.listEvents(ctx, query, args...)
}

// PendingEvents is the backlog-drain feed: pending or failed events in
// received_at order, capped at limit.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*types.WeighingEvent, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE sync_status IN ('pending', 'failed')
		ORDER BY received_at ASC
		LIMIT ?
	`, limit)
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]*types.WeighingEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.WeighingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan event", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate events", rows.Err())
}

// CountEventsBySyncStatus returns per-status totals for status reporting.
func (s *Store) CountEventsBySyncStatus(ctx context.Context) (map[types.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM events GROUP BY sync_status`)
	if err != nil {
		return nil, wrapDBError("count events", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[types.SyncStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrapDBError("scan count", err)
		}
		out[types.SyncStatus(st)] = n
	}
	return out, wrapDBError("iterate counts", rows.Err())
}

// ResetStreamingEvents returns events stranded in streaming to pending. A
// crash or shutdown between marking an event streaming and resolving its
// delivery would otherwise leave it outside the backlog feed forever; the
// daemon calls this once at startup.
func (s *Store) ResetStreamingEvents(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = 'pending'
		WHERE sync_status = 'streaming'
	`)
	if err != nil {
		return 0, wrapDBError("reset streaming events", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkEventStreaming moves a non-terminal event to streaming.
func (s *Store) MarkEventStreaming(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = 'streaming'
		WHERE id = ? AND sync_status != 'synced'
	`, id)
	if err != nil {
		return wrapDBError("mark event streaming", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("mark event streaming", sql.ErrNoRows)
	}
	return nil
}

// MarkEventSynced records delivery. Synced is terminal: a second call with a
// different cloud ID is a no-op, never a regression.
func (s *Store) MarkEventSynced(ctx context.Context, id, cloudEventID string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET sync_status = 'synced', cloud_event_id = ?, synced_at = ?, last_error = ''
		WHERE id = ? AND sync_status != 'synced'
	`, cloudEventID, formatTime(syncedAt), id)
	return wrapDBError("mark event synced", err)
}

// MarkEventFailed records a delivery failure and bumps the attempt counter.
// A synced event never regresses to failed.
func (s *Store) MarkEventFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET sync_status = 'failed', last_error = ?, sync_attempts = sync_attempts + 1
		WHERE id = ? AND sync_status != 'synced'
	`, lastError, id)
	return wrapDBError("mark event failed", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanEvent(sc scanner) (*types.WeighingEvent, error) {
	var (
		e                   types.WeighingEvent
		sessionID, batchID  sql.NullString
		offline             int
		scaleTS, receivedAt string
		syncStatus          string
		syncedAt            sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.DeviceID, &sessionID, &offline, &batchID,
		&e.PLUCode, &e.ProductName, &e.WeightGrams, &e.TareGrams, &e.Barcode,
		&scaleTS, &receivedAt, &e.SourceIP, &e.RawLine,
		&syncStatus, &e.CloudEventID, &syncedAt, &e.SyncAttempts,
		&e.LastError); err != nil {
		return nil, err
	}
	e.CloudSessionID = sessionID.String
	e.OfflineBatchID = batchID.String
	e.OfflineMode = offline != 0
	e.SyncStatus = types.SyncStatus(syncStatus)

	var err error
	if e.ScaleTimestamp, err = parseTime(scaleTS); err != nil {
		return nil, err
	}
	if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	if e.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
