package sqlite

import (
	"context"
	"time"
)

// SetEdgeConfig stores a key/value pair, replacing any existing value.
func (s *Store) SetEdgeConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edge_config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	return wrapDBError("set edge config", err)
}

// GetEdgeConfig returns the value for key, or storage.ErrNotFound.
func (s *Store) GetEdgeConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM edge_config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", wrapDBError("get edge config", err)
	}
	return value, nil
}

// AllEdgeConfig returns every stored key/value pair.
func (s *Store) AllEdgeConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM edge_config`)
	if err != nil {
		return nil, wrapDBError("list edge config", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapDBError("scan edge config", err)
		}
		out[k] = v
	}
	return out, wrapDBError("iterate edge config", rows.Err())
}
