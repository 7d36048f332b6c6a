// Package batch manages offline batches: edge-assigned groupings of events
// captured while the cloud is unreachable, reconciled to a cloud session
// once an operator assigns one.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/idgen"
	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

// BatchStore is the slice of the durable store the manager needs.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *types.OfflineBatch) error
	GetBatch(ctx context.Context, id string) (*types.OfflineBatch, error)
	OpenBatchForDevice(ctx context.Context, deviceID string) (*types.OfflineBatch, error)
	ListOpenBatches(ctx context.Context) ([]*types.OfflineBatch, error)
	ListBatchesPendingSync(ctx context.Context) ([]*types.OfflineBatch, error)
	EndBatch(ctx context.Context, id string, endedAt time.Time) error
	IncrementBatchCounters(ctx context.Context, id string, weightGrams int64) error
	SetBatchStatus(ctx context.Context, id string, status types.BatchStatus, cloudSessionID string, reconciledAt *time.Time) error
}

// Manager tracks the open batch per device.
type Manager struct {
	store     BatchStore
	bus       *eventbus.Bus
	logger    *zap.Logger
	maxEvents int64 // events per batch before it is rolled; 0 disables

	mu      sync.Mutex
	current map[string]*types.OfflineBatch // device ID -> open batch

	now func() time.Time // test hook
}

// New creates a batch manager. maxEvents caps how many events a single
// batch accumulates before a fresh one is rolled; 0 disables the cap.
// Call Load to adopt batches left open by a previous run.
func New(store BatchStore, bus *eventbus.Bus, maxEvents int64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		bus:       bus,
		logger:    logger.Named("batch"),
		maxEvents: maxEvents,
		current:   make(map[string]*types.OfflineBatch),
		now:       time.Now,
	}
}

// Load adopts batches that were open when the previous process stopped.
// Events captured offline after a restart keep accumulating into the same
// batch instead of fragmenting.
func (m *Manager) Load(ctx context.Context) error {
	open, err := m.store.ListOpenBatches(ctx)
	if err != nil {
		return fmt.Errorf("load open batches: %w", err)
	}

	m.mu.Lock()
	for _, b := range open {
		m.current[b.DeviceID] = b
	}
	n := len(m.current)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("adopted open offline batches", zap.Int("count", n))
	}
	return nil
}

// CurrentOrStart returns the device's open batch, starting one if none
// exists. This is the processor's entry point for offline tagging.
func (m *Manager) CurrentOrStart(ctx context.Context, deviceID string) (*types.OfflineBatch, error) {
	m.mu.Lock()
	if b, ok := m.current[deviceID]; ok && b.Open() {
		if m.maxEvents > 0 && b.EventCount >= m.maxEvents {
			full := b.ID
			m.mu.Unlock()
			// Cap reached: end the full batch and roll a fresh one so no
			// single batch grows unbounded during a long outage.
			if err := m.EndBatch(ctx, full); err != nil {
				return nil, err
			}
			return m.StartBatch(ctx, deviceID)
		}
		snapshot := *b
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()
	return m.StartBatch(ctx, deviceID)
}

// StartBatch opens a new batch for the device. If a crash-vs-memory race
// left an open batch in the store, it is adopted instead.
func (m *Manager) StartBatch(ctx context.Context, deviceID string) (*types.OfflineBatch, error) {
	now := m.now()
	b := &types.OfflineBatch{
		ID:        idgen.NewBatchID(),
		DeviceID:  deviceID,
		StartedAt: now,
		Status:    types.BatchPending,
	}
	if err := m.store.CreateBatch(ctx, b); err != nil {
		existing, lookupErr := m.store.OpenBatchForDevice(ctx, deviceID)
		if lookupErr == nil {
			m.mu.Lock()
			m.current[deviceID] = existing
			snapshot := *existing
			m.mu.Unlock()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("start batch for %s: %w", deviceID, err)
	}

	m.mu.Lock()
	m.current[deviceID] = b
	snapshot := *b
	m.mu.Unlock()

	m.logger.Info("offline batch started",
		zap.String("batch", b.ID), zap.String("device", deviceID))
	m.publish(ctx, eventbus.BatchStarted, &snapshot, "")
	return &snapshot, nil
}

// EndBatch closes a batch. Ending an already-ended batch is a no-op.
func (m *Manager) EndBatch(ctx context.Context, batchID string) error {
	now := m.now()
	if err := m.store.EndBatch(ctx, batchID, now); err != nil {
		return fmt.Errorf("end batch %s: %w", batchID, err)
	}
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("reload batch %s: %w", batchID, err)
	}

	m.mu.Lock()
	if cur, ok := m.current[b.DeviceID]; ok && cur.ID == batchID {
		delete(m.current, b.DeviceID)
	}
	m.mu.Unlock()

	m.logger.Info("offline batch ended",
		zap.String("batch", batchID),
		zap.Int64("events", b.EventCount),
		zap.Int64("total_grams", b.TotalWeightGrams))
	m.publish(ctx, eventbus.BatchEnded, b, "")
	return nil
}

// EndAllOpen closes every open batch. The sync client calls this when cloud
// reachability is restored, before draining the backlog.
func (m *Manager) EndAllOpen(ctx context.Context) error {
	open, err := m.store.ListOpenBatches(ctx)
	if err != nil {
		return fmt.Errorf("list open batches: %w", err)
	}
	for _, b := range open {
		if err := m.EndBatch(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// IncrementEventCount bumps the batch counters for one captured event.
func (m *Manager) IncrementEventCount(ctx context.Context, batchID string, weightGrams int64) error {
	if err := m.store.IncrementBatchCounters(ctx, batchID, weightGrams); err != nil {
		return fmt.Errorf("increment batch %s: %w", batchID, err)
	}
	m.mu.Lock()
	for _, b := range m.current {
		if b.ID == batchID {
			b.EventCount++
			b.TotalWeightGrams += weightGrams
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// MarkBatchSyncing moves a batch into reconciliation.
func (m *Manager) MarkBatchSyncing(ctx context.Context, batchID string) error {
	if err := m.store.SetBatchStatus(ctx, batchID, types.BatchInProgress, "", nil); err != nil {
		return fmt.Errorf("mark batch %s syncing: %w", batchID, err)
	}
	return nil
}

// MarkBatchSynced records a completed reconciliation, optionally with the
// cloud session the operator assigned.
func (m *Manager) MarkBatchSynced(ctx context.Context, batchID, cloudSessionID string) error {
	now := m.now()
	if err := m.store.SetBatchStatus(ctx, batchID, types.BatchReconciled, cloudSessionID, &now); err != nil {
		return fmt.Errorf("mark batch %s synced: %w", batchID, err)
	}
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("reload batch %s: %w", batchID, err)
	}
	m.logger.Info("offline batch reconciled",
		zap.String("batch", batchID),
		zap.String("session", cloudSessionID))
	m.publish(ctx, eventbus.BatchSynced, b, "")
	return nil
}

// MarkBatchFailed records a reconciliation failure.
func (m *Manager) MarkBatchFailed(ctx context.Context, batchID string) error {
	if err := m.store.SetBatchStatus(ctx, batchID, types.BatchFailed, "", nil); err != nil {
		return fmt.Errorf("mark batch %s failed: %w", batchID, err)
	}
	return nil
}

// Batch looks a batch up by ID.
func (m *Manager) Batch(ctx context.Context, batchID string) (*types.OfflineBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// OpenBatches returns every batch still accepting events.
func (m *Manager) OpenBatches(ctx context.Context) ([]*types.OfflineBatch, error) {
	return m.store.ListOpenBatches(ctx)
}

// PendingSync returns ended batches awaiting reconciliation.
func (m *Manager) PendingSync(ctx context.Context) ([]*types.OfflineBatch, error) {
	return m.store.ListBatchesPendingSync(ctx)
}

func (m *Manager) publish(ctx context.Context, t eventbus.EventType, b *types.OfflineBatch, reason string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, &eventbus.Event{
		Type:     t,
		At:       m.now(),
		DeviceID: b.DeviceID,
		Batch:    b,
		Reason:   reason,
	})
}
