package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

// SyncState is the lifecycle state of the sync service.
type SyncState string

const (
	SyncStopped SyncState = "stopped"
	SyncRunning SyncState = "running"
	SyncPaused  SyncState = "paused"
)

// SyncStore is the slice of the durable store the sync service needs.
type SyncStore interface {
	PendingEvents(ctx context.Context, limit int) ([]*types.WeighingEvent, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.WeighingEvent, error)
	EnqueueSync(ctx context.Context, eventID string, at time.Time) error
	DequeueSync(ctx context.Context, eventID string) error
}

// EventSink applies sync-state transitions. Satisfied by the event
// processor.
type EventSink interface {
	MarkEventSynced(ctx context.Context, eventID, cloudEventID string) error
	MarkEventFailed(ctx context.Context, eventID, cause string) error
	UpdateSyncStatus(ctx context.Context, eventID string, status types.SyncStatus) error
}

// BatchCloser closes and reconciles offline batches. Satisfied by the
// batch manager.
type BatchCloser interface {
	EndAllOpen(ctx context.Context) error
	PendingSync(ctx context.Context) ([]*types.OfflineBatch, error)
	MarkBatchSyncing(ctx context.Context, batchID string) error
	MarkBatchSynced(ctx context.Context, batchID, cloudSessionID string) error
}

// DeviceResolver maps device IDs to records for the payload's global ID.
type DeviceResolver interface {
	Device(deviceID string) (*types.Device, bool)
}

// SyncOptions configure the drain cadence.
type SyncOptions struct {
	BatchSize     int
	BatchInterval time.Duration
}

// Sync delivers captured events to the cloud: streaming on capture when
// online, periodic backlog drains otherwise, and the reconnect handling
// that closes offline batches before draining.
type Sync struct {
	client  *Client
	store   SyncStore
	events  EventSink
	batches BatchCloser
	devices DeviceResolver
	bus     *eventbus.Bus
	opts    SyncOptions
	logger  *zap.Logger

	mu      sync.Mutex
	state   SyncState
	cancel  context.CancelFunc
	done    chan struct{}
	subOnce sync.Once

	streamCh chan *types.WeighingEvent
	drainCh  chan struct{}
}

// NewSync creates the sync service. Start must be called before it does
// anything.
func NewSync(client *Client, store SyncStore, events EventSink, batches BatchCloser, devices DeviceResolver, bus *eventbus.Bus, opts SyncOptions, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 5 * time.Second
	}
	return &Sync{
		client:   client,
		store:    store,
		events:   events,
		batches:  batches,
		devices:  devices,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("sync"),
		state:    SyncStopped,
		streamCh: make(chan *types.WeighingEvent, 256),
		drainCh:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Sync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the drive loop and wires the bus subscriptions.
// Idempotent: starting a running service is a no-op.
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != SyncStopped {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = SyncRunning
	s.mu.Unlock()

	if s.bus != nil {
		s.subOnce.Do(func() {
			s.bus.Subscribe("cloud-sync", s.onBusEvent,
				eventbus.EventCaptured, eventbus.CloudConnected)
		})
	}
	go s.run(runCtx, s.done)
	s.logger.Info("sync service started")
}

// Stop cancels the timers and in-flight retries and waits for the drive
// loop to exit. Idempotent.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.state == SyncStopped {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.state = SyncStopped
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("sync service stopped")
}

// Pause suspends the periodic drain timer; streaming of freshly captured
// events continues.
func (s *Sync) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SyncRunning {
		s.state = SyncPaused
	}
}

// Resume reinstalls the drain timer.
func (s *Sync) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SyncPaused {
		s.state = SyncRunning
	}
}

// Kick requests an immediate drain without waiting for the timer.
func (s *Sync) Kick() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// onBusEvent runs on the publisher's goroutine; it only hands work to the
// drive loop so store writes are never blocked on HTTP.
func (s *Sync) onBusEvent(ctx context.Context, e *eventbus.Event) error {
	switch e.Type {
	case eventbus.EventCaptured:
		if e.Weighing == nil || e.Weighing.OfflineMode {
			// Offline captures stay pending until the reconnect drain.
			return nil
		}
		select {
		case s.streamCh <- e.Weighing:
		default:
			// Stream queue full; the periodic drain will pick it up.
			s.logger.Warn("stream queue full, deferring to drain",
				zap.String("event", e.Weighing.ID))
		}
	case eventbus.CloudConnected:
		s.Kick()
	}
	return nil
}

func (s *Sync) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.streamCh:
			s.streamEvent(ctx, e)
		case <-s.drainCh:
			s.onConnected(ctx)
		case <-ticker.C:
			if s.State() != SyncRunning {
				continue
			}
			if err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("drain failed", zap.Error(err))
			}
		}
	}
}

// streamEvent posts a single freshly captured event.
func (s *Sync) streamEvent(ctx context.Context, e *types.WeighingEvent) {
	if err := s.events.UpdateSyncStatus(ctx, e.ID, types.SyncStreaming); err != nil {
		s.logger.Error("mark streaming failed",
			zap.String("event", e.ID), zap.Error(err))
		return
	}
	if err := s.store.EnqueueSync(ctx, e.ID, time.Now()); err != nil {
		s.logger.Error("enqueue sync failed",
			zap.String("event", e.ID), zap.Error(err))
	}

	result, err := s.client.SendEvent(ctx, s.payload(e))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if ferr := s.events.MarkEventFailed(ctx, e.ID, err.Error()); ferr != nil {
			s.logger.Error("mark failed failed",
				zap.String("event", e.ID), zap.Error(ferr))
		}
		return
	}
	s.applyResult(ctx, e.ID, result.Status, result.CloudEventID, "")
}

// onConnected handles a reachability restore: close every open offline
// batch, then drain the backlog.
func (s *Sync) onConnected(ctx context.Context) {
	if err := s.batches.EndAllOpen(ctx); err != nil {
		s.logger.Error("closing open batches on reconnect failed", zap.Error(err))
	}
	if err := s.Drain(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconnect drain failed", zap.Error(err))
	}
}

// Drain posts up to one batch of pending or failed events, oldest first,
// then reconciles batches whose events have all synced.
func (s *Sync) Drain(ctx context.Context) error {
	events, err := s.store.PendingEvents(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}
	if len(events) > 0 {
		for _, e := range events {
			if err := s.events.UpdateSyncStatus(ctx, e.ID, types.SyncStreaming); err != nil {
				s.logger.Error("mark streaming failed",
					zap.String("event", e.ID), zap.Error(err))
			}
			if err := s.store.EnqueueSync(ctx, e.ID, time.Now()); err != nil {
				s.logger.Error("enqueue sync failed",
					zap.String("event", e.ID), zap.Error(err))
			}
		}
		if len(events) == 1 {
			s.drainSingle(ctx, events[0])
		} else {
			s.drainBatch(ctx, events)
		}
	}
	return s.reconcileBatches(ctx)
}

func (s *Sync) drainSingle(ctx context.Context, e *types.WeighingEvent) {
	result, err := s.client.SendEvent(ctx, s.payload(e))
	if err != nil {
		s.failAll(ctx, []*types.WeighingEvent{e}, err)
		return
	}
	s.applyResult(ctx, e.ID, result.Status, result.CloudEventID, "")
}

func (s *Sync) drainBatch(ctx context.Context, events []*types.WeighingEvent) {
	payloads := make([]EventPayload, len(events))
	for i, e := range events {
		payloads[i] = s.payload(e)
	}
	results, err := s.client.SendEventBatch(ctx, payloads)
	if err != nil {
		s.failAll(ctx, events, err)
		return
	}
	for _, r := range results {
		s.applyResult(ctx, r.LocalEventID, r.Status, r.CloudEventID, r.Error)
	}
}

// applyResult maps one cloud verdict onto the event's sync state.
// Duplicate counts as delivered: the cloud already has the measurement.
func (s *Sync) applyResult(ctx context.Context, eventID, status, cloudEventID, cause string) {
	switch status {
	case StatusAccepted, StatusDuplicate:
		if err := s.events.MarkEventSynced(ctx, eventID, cloudEventID); err != nil {
			s.logger.Error("mark synced failed",
				zap.String("event", eventID), zap.Error(err))
			return
		}
		if err := s.store.DequeueSync(ctx, eventID); err != nil {
			s.logger.Error("dequeue sync failed",
				zap.String("event", eventID), zap.Error(err))
		}
	default:
		if cause == "" {
			cause = fmt.Sprintf("cloud returned status %q", status)
		}
		if err := s.events.MarkEventFailed(ctx, eventID, cause); err != nil {
			s.logger.Error("mark failed failed",
				zap.String("event", eventID), zap.Error(err))
		}
	}
}

func (s *Sync) failAll(ctx context.Context, events []*types.WeighingEvent, cause error) {
	if ctx.Err() != nil {
		return
	}
	for _, e := range events {
		if err := s.events.MarkEventFailed(ctx, e.ID, cause.Error()); err != nil {
			s.logger.Error("mark failed failed",
				zap.String("event", e.ID), zap.Error(err))
		}
	}
}

// reconcileBatches marks ended batches whose events have all synced.
func (s *Sync) reconcileBatches(ctx context.Context) error {
	pending, err := s.batches.PendingSync(ctx)
	if err != nil {
		return fmt.Errorf("load pending batches: %w", err)
	}
	for _, b := range pending {
		events, err := s.store.ListEvents(ctx, storage.EventFilter{BatchID: b.ID})
		if err != nil {
			return fmt.Errorf("load events of batch %s: %w", b.ID, err)
		}
		allSynced := true
		for _, e := range events {
			if e.SyncStatus != types.SyncSynced {
				allSynced = false
				break
			}
		}
		if !allSynced || len(events) == 0 {
			continue
		}
		if err := s.batches.MarkBatchSyncing(ctx, b.ID); err != nil {
			s.logger.Error("mark batch syncing failed",
				zap.String("batch", b.ID), zap.Error(err))
			continue
		}
		if err := s.batches.MarkBatchSynced(ctx, b.ID, b.CloudSessionID); err != nil {
			s.logger.Error("mark batch synced failed",
				zap.String("batch", b.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Sync) payload(e *types.WeighingEvent) EventPayload {
	globalID := e.DeviceID
	if s.devices != nil {
		if d, ok := s.devices.Device(e.DeviceID); ok {
			globalID = d.GlobalID
		}
	}
	return NewEventPayload(e, globalID)
}
