package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sahinler/edgescale/internal/types"
)

const deviceColumns = `id, global_id, name, location, device_type, status, weight_decode,
	last_heartbeat_at, last_event_at, heartbeat_count, event_count,
	connected_at, source_ip, created_at, updated_at`

// UpsertDevice inserts or fully replaces the persisted device record.
// The socket handle is in-memory state and is never written.
func (s *Store) UpsertDevice(ctx context.Context, d *types.Device) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			global_id = excluded.global_id,
			name = excluded.name,
			location = excluded.location,
			device_type = excluded.device_type,
			status = excluded.status,
			weight_decode = excluded.weight_decode,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_event_at = excluded.last_event_at,
			heartbeat_count = excluded.heartbeat_count,
			event_count = excluded.event_count,
			connected_at = excluded.connected_at,
			source_ip = excluded.source_ip,
			updated_at = excluded.updated_at
	`,
		d.ID, d.GlobalID, d.Name, d.Location, string(d.Type), string(d.Status),
		string(d.WeightDecode),
		formatTimePtr(d.LastHeartbeatAt), formatTimePtr(d.LastEventAt),
		d.HeartbeatCount, d.EventCount,
		formatTimePtr(d.ConnectedAt), d.SourceIP,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	return wrapDBError("upsert device", err)
}

// GetDevice returns one device by local ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapDBError("get device", err)
	}
	return d, nil
}

// ListDevices returns every known device ordered by local ID.
func (s *Store) ListDevices(ctx context.Context) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list devices", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, wrapDBError("scan device", err)
		}
		out = append(out, d)
	}
	return out, wrapDBError("iterate devices", rows.Err())
}

// UpdateDeviceStatus sets only the status column.
func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, status types.DeviceStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("update device status: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return wrapDBError("update device status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("update device status", sql.ErrNoRows)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(sc scanner) (*types.Device, error) {
	var (
		d                    types.Device
		devType, status      string
		weightDecode         string
		lastHB, lastEv, conn sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&d.ID, &d.GlobalID, &d.Name, &d.Location, &devType, &status,
		&weightDecode, &lastHB, &lastEv, &d.HeartbeatCount, &d.EventCount,
		&conn, &d.SourceIP, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Type = types.DeviceType(devType)
	d.Status = types.DeviceStatus(status)
	d.WeightDecode = types.WeightDecodeMode(weightDecode)

	var err error
	if d.LastHeartbeatAt, err = parseTimePtr(lastHB); err != nil {
		return nil, err
	}
	if d.LastEventAt, err = parseTimePtr(lastEv); err != nil {
		return nil, err
	}
	if d.ConnectedAt, err = parseTimePtr(conn); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
