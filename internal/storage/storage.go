// Package storage defines the durable-store contract of the edge pipeline.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on this interface rather than on the concrete type so that mocks
// can be substituted in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sahinler/edgescale/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when an event insert hits the unique dedup
// index on (device_id, scale_timestamp, plu_code, weight_grams). Callers
// treat it as a silent drop, not a failure.
var ErrDuplicateEvent = errors.New("duplicate event")

// EventFilter narrows ListEvents queries.
type EventFilter struct {
	DeviceID     string
	SyncStatuses []types.SyncStatus
	BatchID      string
	OfflineOnly  bool
	Limit        int
}

// Storage is the interface satisfied by *sqlite.Store.
type Storage interface {
	// Edge config (key/value, process-wide identity).
	SetEdgeConfig(ctx context.Context, key, value string) error
	GetEdgeConfig(ctx context.Context, key string) (string, error)
	AllEdgeConfig(ctx context.Context) (map[string]string, error)

	// Devices.
	UpsertDevice(ctx context.Context, d *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	ListDevices(ctx context.Context) ([]*types.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status types.DeviceStatus) error

	// Session mirror.
	UpsertSession(ctx context.Context, s *types.SessionMirror) error
	GetSession(ctx context.Context, cloudSessionID string) (*types.SessionMirror, error)
	ListSessions(ctx context.Context) ([]*types.SessionMirror, error)
	ActiveSessionForDevice(ctx context.Context, deviceID string, now time.Time) (*types.SessionMirror, error)
	// DeleteSession nulls the session FK on referencing events before
	// removing the mirror row, in one transaction.
	DeleteSession(ctx context.Context, cloudSessionID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// Offline batches.
	CreateBatch(ctx context.Context, b *types.OfflineBatch) error
	GetBatch(ctx context.Context, id string) (*types.OfflineBatch, error)
	OpenBatchForDevice(ctx context.Context, deviceID string) (*types.OfflineBatch, error)
	ListOpenBatches(ctx context.Context) ([]*types.OfflineBatch, error)
	ListBatchesPendingSync(ctx context.Context) ([]*types.OfflineBatch, error)
	EndBatch(ctx context.Context, id string, endedAt time.Time) error
	IncrementBatchCounters(ctx context.Context, id string, weightGrams int64) error
	SetBatchStatus(ctx context.Context, id string, status types.BatchStatus, cloudSessionID string, reconciledAt *time.Time) error
	DeleteBatchesOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Weighing events.
	InsertEvent(ctx context.Context, e *types.WeighingEvent) error
	GetEvent(ctx context.Context, id string) (*types.WeighingEvent, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*types.WeighingEvent, error)
	// PendingEvents returns pending or failed events in received_at order,
	// capped at limit. This is the backlog-drain feed.
	PendingEvents(ctx context.Context, limit int) ([]*types.WeighingEvent, error)
	CountEventsBySyncStatus(ctx context.Context) (map[types.SyncStatus]int, error)
	// ResetStreamingEvents returns events left in streaming by a previous
	// run to pending so the backlog drain picks them up again.
	ResetStreamingEvents(ctx context.Context) (int, error)
	MarkEventStreaming(ctx context.Context, id string) error
	MarkEventSynced(ctx context.Context, id, cloudEventID string, syncedAt time.Time) error
	MarkEventFailed(ctx context.Context, id, lastError string) error

	// Cloud connection log.
	LogConnectionTransition(ctx context.Context, online bool, reason string, at time.Time) error

	// Sync queue (durable record of drain attempts).
	EnqueueSync(ctx context.Context, eventID string, at time.Time) error
	DequeueSync(ctx context.Context, eventID string) error

	// Lifecycle.
	Close() error
}
