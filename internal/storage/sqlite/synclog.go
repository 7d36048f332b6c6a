package sqlite

import (
	"context"
	"time"
)

// LogConnectionTransition records an observed cloud reachability change.
func (s *Store) LogConnectionTransition(ctx context.Context, online bool, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cloud_connection_log (online, reason, at) VALUES (?, ?, ?)`,
		boolToInt(online), reason, formatTime(at))
	return wrapDBError("log connection transition", err)
}

// EnqueueSync records that an event entered a drain cycle. Re-enqueueing an
// already-queued event refreshes the timestamp.
func (s *Store) EnqueueSync(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (event_id, enqueued_at) VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET enqueued_at = excluded.enqueued_at
	`, eventID, formatTime(at))
	return wrapDBError("enqueue sync", err)
}

// DequeueSync removes the drain record after the event reaches a terminal
// sync state. Removing an absent record is a no-op.
func (s *Store) DequeueSync(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE event_id = ?`, eventID)
	return wrapDBError("dequeue sync", err)
}
