// Package processor turns parsed weighing packets into persisted events:
// dedup, session/batch tagging, durable insert, and the sync-state
// transitions driven by the cloud sync client.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/idgen"
	"github.com/sahinler/edgescale/internal/scale"
	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

// EventStore is the slice of the durable store the processor needs.
type EventStore interface {
	InsertEvent(ctx context.Context, e *types.WeighingEvent) error
	GetEvent(ctx context.Context, id string) (*types.WeighingEvent, error)
	MarkEventStreaming(ctx context.Context, id string) error
	MarkEventSynced(ctx context.Context, id, cloudEventID string, syncedAt time.Time) error
	MarkEventFailed(ctx context.Context, id, lastError string) error
}

// SessionLookup resolves the active session for a device. Satisfied by the
// session cache.
type SessionLookup interface {
	ActiveSessionForDevice(deviceID string) (*types.SessionMirror, bool)
}

// BatchAllocator hands out open offline batches. Satisfied by the batch
// manager.
type BatchAllocator interface {
	CurrentOrStart(ctx context.Context, deviceID string) (*types.OfflineBatch, error)
	IncrementEventCount(ctx context.Context, batchID string, weightGrams int64) error
}

// DeviceLookup resolves device records for per-device decode overrides.
// Satisfied by the device registry.
type DeviceLookup interface {
	Device(deviceID string) (*types.Device, bool)
}

// Reachability reports whether the cloud is currently reachable. Satisfied
// by the cloud client.
type Reachability interface {
	IsOnline() bool
}

// Processor is the single path from parsed packet to persisted event.
type Processor struct {
	store    EventStore
	sessions SessionLookup
	batches  BatchAllocator
	devices  DeviceLookup
	cloud    Reachability
	bus      *eventbus.Bus
	logger   *zap.Logger

	dedupWindow time.Duration

	mu     sync.Mutex
	recent map[string]time.Time // dedup signature -> arrival

	now func() time.Time // test hook
}

// New creates a processor. devices and cloud may be nil in tests; a nil
// cloud is treated as offline.
func New(store EventStore, sessions SessionLookup, batches BatchAllocator, devices DeviceLookup, cloud Reachability, bus *eventbus.Bus, dedupWindow time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Second
	}
	return &Processor{
		store:       store,
		sessions:    sessions,
		batches:     batches,
		devices:     devices,
		cloud:       cloud,
		bus:         bus,
		logger:      logger.Named("processor"),
		dedupWindow: dedupWindow,
		recent:      make(map[string]time.Time),
		now:         time.Now,
	}
}

// Process materializes one weighing packet into a persisted event. A nil
// event with a nil error means the packet was a duplicate and was dropped.
func (p *Processor) Process(ctx context.Context, deviceID, sourceIP string, w *scale.Weighing) (*types.WeighingEvent, error) {
	now := p.now()
	weightGrams, tareGrams := p.decodeWeights(deviceID, w)

	e := &types.WeighingEvent{
		ID:             idgen.NewEventID(),
		DeviceID:       deviceID,
		PLUCode:        w.Barcode,
		ProductName:    w.ProductName,
		WeightGrams:    weightGrams,
		TareGrams:      tareGrams,
		Barcode:        w.Barcode,
		ScaleTimestamp: w.Timestamp,
		ReceivedAt:     now,
		SourceIP:       sourceIP,
		RawLine:        w.RawLine,
		SyncStatus:     types.SyncPending,
	}

	if p.duplicate(e, now) {
		p.logger.Debug("duplicate weighing dropped",
			zap.String("device", deviceID),
			zap.String("plu", e.PLUCode),
			zap.Int64("grams", e.WeightGrams))
		return nil, nil
	}

	if err := p.tag(ctx, e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("process weighing for %s: %w", deviceID, err)
	}
	if err := p.store.InsertEvent(ctx, e); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			// The unique index is the durable backstop for the in-memory
			// dedup map, e.g. across a restart inside the window.
			p.logger.Debug("duplicate weighing rejected by store",
				zap.String("device", deviceID))
			return nil, nil
		}
		return nil, fmt.Errorf("persist event for %s: %w", deviceID, err)
	}

	if e.OfflineMode {
		if err := p.batches.IncrementEventCount(ctx, e.OfflineBatchID, e.WeightGrams); err != nil {
			p.logger.Error("batch counter update failed",
				zap.String("batch", e.OfflineBatchID), zap.Error(err))
		}
	}

	p.logger.Info("weighing captured",
		zap.String("event", e.ID),
		zap.String("device", deviceID),
		zap.String("plu", e.PLUCode),
		zap.Int64("grams", e.WeightGrams),
		zap.Bool("offline", e.OfflineMode))
	p.publish(ctx, &eventbus.Event{
		Type:     eventbus.EventCaptured,
		At:       now,
		DeviceID: deviceID,
		Weighing: e,
	})
	return e, nil
}

// MarkEventSynced records a successful cloud delivery. Synced is terminal:
// marking an already-synced event again is a no-op and publishes nothing,
// so the synced counters never double-count a redelivery.
func (p *Processor) MarkEventSynced(ctx context.Context, eventID, cloudEventID string) error {
	prior, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load %s: %w", eventID, err)
	}
	if prior.SyncStatus == types.SyncSynced {
		return nil
	}
	now := p.now()
	if err := p.store.MarkEventSynced(ctx, eventID, cloudEventID, now); err != nil {
		return fmt.Errorf("mark %s synced: %w", eventID, err)
	}
	e, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", eventID, err)
	}
	p.publish(ctx, &eventbus.Event{
		Type:     eventbus.EventSynced,
		At:       now,
		DeviceID: e.DeviceID,
		Weighing: e,
		CloudID:  cloudEventID,
	})
	return nil
}

// MarkEventFailed records a delivery failure and bumps the attempt counter.
func (p *Processor) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	if err := p.store.MarkEventFailed(ctx, eventID, cause); err != nil {
		return fmt.Errorf("mark %s failed: %w", eventID, err)
	}
	e, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", eventID, err)
	}
	p.publish(ctx, &eventbus.Event{
		Type:     eventbus.EventFailed,
		At:       p.now(),
		DeviceID: e.DeviceID,
		Weighing: e,
		Err:      cause,
	})
	return nil
}

// UpdateSyncStatus applies a non-terminal transition; only streaming is
// reachable this way, the terminal transitions have dedicated operations.
func (p *Processor) UpdateSyncStatus(ctx context.Context, eventID string, status types.SyncStatus) error {
	switch status {
	case types.SyncStreaming:
		return p.store.MarkEventStreaming(ctx, eventID)
	default:
		return fmt.Errorf("unsupported sync transition to %q", status)
	}
}

// duplicate records the arrival and reports whether an equal signature was
// seen within the window. The map is pruned on every call.
func (p *Processor) duplicate(e *types.WeighingEvent, now time.Time) bool {
	sig := e.Signature()
	cutoff := now.Add(-p.dedupWindow)

	p.mu.Lock()
	defer p.mu.Unlock()
	for s, at := range p.recent {
		if at.Before(cutoff) {
			delete(p.recent, s)
		}
	}
	if _, seen := p.recent[sig]; seen {
		return true
	}
	p.recent[sig] = now
	return false
}

// tag assigns the event to a session when online, or to the device's open
// offline batch otherwise.
func (p *Processor) tag(ctx context.Context, e *types.WeighingEvent) error {
	online := p.cloud != nil && p.cloud.IsOnline()
	if online {
		if s, ok := p.sessions.ActiveSessionForDevice(e.DeviceID); ok {
			e.CloudSessionID = s.CloudSessionID
		}
		return nil
	}

	e.OfflineMode = true
	b, err := p.batches.CurrentOrStart(ctx, e.DeviceID)
	if err != nil {
		return fmt.Errorf("allocate offline batch for %s: %w", e.DeviceID, err)
	}
	e.OfflineBatchID = b.ID
	return nil
}

// decodeWeights applies the per-device decode override when one is set;
// otherwise the parser's heuristic decoding stands.
func (p *Processor) decodeWeights(deviceID string, w *scale.Weighing) (net, tare int64) {
	if p.devices != nil {
		if d, ok := p.devices.Device(deviceID); ok && d.WeightDecode == types.WeightDecodeGrams {
			return w.NetRaw, w.TareRaw
		}
	}
	return w.NetGrams, w.TareGrams
}

func (p *Processor) publish(ctx context.Context, e *eventbus.Event) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, e)
}
