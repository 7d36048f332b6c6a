package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sahinler/edgescale/internal/types"
)

const sessionColumns = `cloud_session_id, device_id, animal_id, animal_tag,
	animal_species, operator_id, status, cached_at, last_updated_at, expires_at`

// UpsertSession inserts or refreshes a mirrored cloud session.
func (s *Store) UpsertSession(ctx context.Context, m *types.SessionMirror) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions_cache (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cloud_session_id) DO UPDATE SET
			device_id = excluded.device_id,
			animal_id = excluded.animal_id,
			animal_tag = excluded.animal_tag,
			animal_species = excluded.animal_species,
			operator_id = excluded.operator_id,
			status = excluded.status,
			last_updated_at = excluded.last_updated_at,
			expires_at = excluded.expires_at
	`,
		m.CloudSessionID, m.DeviceID, m.AnimalID, m.AnimalTag, m.AnimalSpecies,
		m.OperatorID, string(m.Status),
		formatTime(m.CachedAt), formatTime(m.LastUpdatedAt), formatTime(m.ExpiresAt))
	return wrapDBError("upsert session", err)
}

// GetSession returns one mirrored session by cloud ID.
func (s *Store) GetSession(ctx context.Context, cloudSessionID string) (*types.SessionMirror, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM active_sessions_cache WHERE cloud_session_id = ?`,
		cloudSessionID)
	m, err := scanSession(row)
	if err != nil {
		return nil, wrapDBError("get session", err)
	}
	return m, nil
}

// ListSessions returns every cached session.
func (s *Store) ListSessions(ctx context.Context) ([]*types.SessionMirror, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM active_sessions_cache ORDER BY cached_at`)
	if err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.SessionMirror
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, wrapDBError("scan session", err)
		}
		out = append(out, m)
	}
	return out, wrapDBError("iterate sessions", rows.Err())
}

// ActiveSessionForDevice returns the most recently cached active,
// non-expired session for a device, or storage.ErrNotFound.
func (s *Store) ActiveSessionForDevice(ctx context.Context, deviceID string, now time.Time) (*types.SessionMirror, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM active_sessions_cache
		WHERE device_id = ? AND status = 'active' AND expires_at > ?
		ORDER BY cached_at DESC
		LIMIT 1
	`, deviceID, formatTime(now))
	m, err := scanSession(row)
	if err != nil {
		return nil, wrapDBError("active session for device", err)
	}
	return m, nil
}

// DeleteSession removes a mirrored session. Events referencing it keep their
// rows but lose the linkage: the FK column is nulled first, in the same
// transaction, so the delete cannot trip a constraint.
func (s *Store) DeleteSession(ctx context.Context, cloudSessionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET cloud_session_id = NULL WHERE cloud_session_id = ?`,
			cloudSessionID); err != nil {
			return wrapDBError("null session on events", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM active_sessions_cache WHERE cloud_session_id = ?`,
			cloudSessionID); err != nil {
			return wrapDBError("delete session", err)
		}
		return nil
	})
}

// DeleteExpiredSessions removes every mirror whose expires_at has passed,
// nulling event linkage first. Returns the number of sessions removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := formatTime(now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET cloud_session_id = NULL
			WHERE cloud_session_id IN (
				SELECT cloud_session_id FROM active_sessions_cache WHERE expires_at <= ?
			)
		`, cutoff); err != nil {
			return wrapDBError("null expired sessions on events", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM active_sessions_cache WHERE expires_at <= ?`, cutoff)
		if err != nil {
			return wrapDBError("delete expired sessions", err)
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func scanSession(sc scanner) (*types.SessionMirror, error) {
	var (
		m                          types.SessionMirror
		status                     string
		cachedAt, updatedAt, expAt string
	)
	if err := sc.Scan(&m.CloudSessionID, &m.DeviceID, &m.AnimalID, &m.AnimalTag,
		&m.AnimalSpecies, &m.OperatorID, &status,
		&cachedAt, &updatedAt, &expAt); err != nil {
		return nil, err
	}
	m.Status = types.SessionStatus(status)

	var err error
	if m.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, err
	}
	if m.LastUpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if m.ExpiresAt, err = parseTime(expAt); err != nil {
		return nil, err
	}
	return &m, nil
}
