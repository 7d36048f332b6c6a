// Package registry tracks weighing scales and their health state machine.
//
// The registry owns the device-ID/socket-ID mappings and the per-device
// status transitions; the TCP front-end owns the sockets themselves. Every
// device mutation is persisted, and transitions are announced on the bus
// after the store write completes.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/idgen"
	"github.com/sahinler/edgescale/internal/types"
)

// DeviceStore is the slice of the durable store the registry needs.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d *types.Device) error
	ListDevices(ctx context.Context) ([]*types.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status types.DeviceStatus) error
}

// Options configure the registry thresholds.
type Options struct {
	SiteID           string
	HeartbeatTimeout time.Duration // absence beyond this forces a disconnect
	ActivityIdle     time.Duration // no events for this long while online -> idle
	ActivityStale    time.Duration // no events for this long while idle -> stale; 0 disables
}

// Registry is the in-memory device registry.
type Registry struct {
	store  DeviceStore
	bus    *eventbus.Bus
	opts   Options
	logger *zap.Logger

	mu             sync.RWMutex
	devices        map[string]*types.Device // device ID -> record
	socketToDevice map[string]string        // socket ID -> device ID

	now func() time.Time // test hook
}

// New creates a registry. Call Load before wiring it to the front-end.
func New(store DeviceStore, bus *eventbus.Bus, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:          store,
		bus:            bus,
		opts:           opts,
		logger:         logger.Named("registry"),
		devices:        make(map[string]*types.Device),
		socketToDevice: make(map[string]string),
		now:            time.Now,
	}
}

// Load pulls every known device from the store and marks it disconnected:
// whatever the previous process believed, no socket survives a restart.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	r.mu.Lock()
	for _, d := range devices {
		d.Status = types.DeviceDisconnected
		d.SocketID = ""
		r.devices[d.ID] = d
	}
	n := len(r.devices)
	r.mu.Unlock()

	for _, d := range devices {
		if err := r.store.UpdateDeviceStatus(ctx, d.ID, types.DeviceDisconnected); err != nil {
			return fmt.Errorf("mark %s disconnected: %w", d.ID, err)
		}
	}
	r.logger.Info("loaded devices", zap.Int("count", n))
	return nil
}

// RegisterDevice handles a SCALE-NN registration packet. A first-ever
// registration creates the record and assigns the immutable global ID; a
// registration for a known device is a reconnection, never an error.
func (r *Registry) RegisterDevice(ctx context.Context, socketID, scaleNumber, sourceIP string, devType types.DeviceType) (*types.Device, error) {
	if !types.ValidLocalDeviceID(scaleNumber) {
		return nil, fmt.Errorf("register device: invalid scale number %q", scaleNumber)
	}

	now := r.now()
	r.mu.Lock()
	d, known := r.devices[scaleNumber]
	if !known {
		d = &types.Device{
			ID:           scaleNumber,
			GlobalID:     idgen.GlobalDeviceID(r.opts.SiteID, scaleNumber),
			Type:         devType,
			WeightDecode: types.WeightDecodeAuto,
			CreatedAt:    now,
		}
		r.devices[scaleNumber] = d
	}
	// Reconnection: drop any stale socket mapping before installing the new one.
	if d.SocketID != "" && d.SocketID != socketID {
		delete(r.socketToDevice, d.SocketID)
	}
	d.SocketID = socketID
	r.socketToDevice[socketID] = scaleNumber
	d.Status = types.DeviceOnline
	d.ConnectedAt = &now
	d.SourceIP = sourceIP
	d.HeartbeatCount++
	if devType != "" {
		d.Type = devType
	}
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("persist device %s: %w", scaleNumber, err)
	}

	eventType := eventbus.DeviceConnected
	if !known {
		eventType = eventbus.DeviceRegistered
		r.logger.Info("new scale registered",
			zap.String("device", scaleNumber),
			zap.String("global_id", snapshot.GlobalID),
			zap.String("source_ip", sourceIP))
	} else {
		r.logger.Info("scale reconnected",
			zap.String("device", scaleNumber),
			zap.String("socket", socketID))
	}
	r.publish(ctx, eventType, &snapshot, "")
	r.publish(ctx, eventbus.DeviceOnline, &snapshot, "")
	return &snapshot, nil
}

// OnHeartbeat processes an HB packet from a socket.
func (r *Registry) OnHeartbeat(ctx context.Context, socketID string) error {
	now := r.now()

	r.mu.Lock()
	d, err := r.deviceBySocketLocked(socketID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	d.LastHeartbeatAt = &now
	d.HeartbeatCount++

	// A heartbeat cures heartbeat-lateness but not activity-staleness: a
	// scale that pings without weighing anything for ActivityStale stays
	// stale until a real event arrives.
	inactive := r.inactiveSince(d, now)
	activityStale := r.opts.ActivityStale > 0 && inactive >= r.opts.ActivityStale

	var transition eventbus.EventType
	switch {
	case d.Status == types.DeviceStale && !activityStale:
		d.Status = types.DeviceOnline
		transition = eventbus.DeviceOnline
	case d.Status == types.DeviceIdle && activityStale:
		d.Status = types.DeviceStale
		transition = eventbus.DeviceStale
	case d.Status == types.DeviceOnline && inactive >= r.opts.ActivityIdle:
		d.Status = types.DeviceIdle
		transition = eventbus.DeviceIdle
	}
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist heartbeat for %s: %w", snapshot.ID, err)
	}
	if transition != "" {
		r.publish(ctx, transition, &snapshot, "")
	}
	r.publish(ctx, eventbus.DeviceUpdated, &snapshot, "")
	return nil
}

// OnEvent records weighing activity from a socket. Any active state returns
// to online.
func (r *Registry) OnEvent(ctx context.Context, socketID string) error {
	now := r.now()

	r.mu.Lock()
	d, err := r.deviceBySocketLocked(socketID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	d.LastEventAt = &now
	d.EventCount++

	var transition eventbus.EventType
	if d.Status == types.DeviceIdle || d.Status == types.DeviceStale {
		d.Status = types.DeviceOnline
		transition = eventbus.DeviceOnline
	}
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist event activity for %s: %w", snapshot.ID, err)
	}
	if transition != "" {
		r.publish(ctx, transition, &snapshot, "")
	}
	r.publish(ctx, eventbus.DeviceUpdated, &snapshot, "")
	return nil
}

// DisconnectDevice clears the socket mapping after a connection closed.
// Unknown sockets (a scale that never registered) are ignored.
func (r *Registry) DisconnectDevice(ctx context.Context, socketID, reason string) {
	r.mu.Lock()
	deviceID, ok := r.socketToDevice[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.socketToDevice, socketID)
	d := r.devices[deviceID]
	// A reconnection may have already moved the device to a newer socket.
	if d.SocketID != socketID {
		r.mu.Unlock()
		return
	}
	d.SocketID = ""
	d.Status = types.DeviceDisconnected
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpdateDeviceStatus(ctx, deviceID, types.DeviceDisconnected); err != nil {
		r.logger.Error("persist disconnect failed",
			zap.String("device", deviceID), zap.Error(err))
	}
	r.logger.Info("scale disconnected",
		zap.String("device", deviceID),
		zap.String("reason", reason))
	r.publish(ctx, eventbus.DeviceDisconnected, &snapshot, reason)
}

// MarkStale flags a device whose heartbeat deadline slipped but has not yet
// timed out. Non-fatal warning state.
func (r *Registry) MarkStale(ctx context.Context, deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || (d.Status != types.DeviceOnline && d.Status != types.DeviceIdle) {
		r.mu.Unlock()
		return
	}
	d.Status = types.DeviceStale
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpdateDeviceStatus(ctx, deviceID, types.DeviceStale); err != nil {
		r.logger.Error("persist stale failed",
			zap.String("device", deviceID), zap.Error(err))
	}
	r.logger.Warn("scale heartbeat late", zap.String("device", deviceID))
	r.publish(ctx, eventbus.DeviceStale, &snapshot, "heartbeat late")
}

// Device returns a snapshot of one device.
func (r *Registry) Device(deviceID string) (*types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	snapshot := *d
	return &snapshot, true
}

// DeviceBySocket resolves a socket ID to a device snapshot.
func (r *Registry) DeviceBySocket(socketID string) (*types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.socketToDevice[socketID]
	if !ok {
		return nil, false
	}
	snapshot := *r.devices[deviceID]
	return &snapshot, true
}

// Devices returns snapshots of every known device.
func (r *Registry) Devices() []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Device, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot := *d
		out = append(out, &snapshot)
	}
	return out
}

// ConnectedDeviceIDs returns the IDs of devices holding a live socket. The
// session poller scopes its cloud query with this set.
func (r *Registry) ConnectedDeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.socketToDevice))
	for _, deviceID := range r.socketToDevice {
		out = append(out, deviceID)
	}
	return out
}

// deviceBySocketLocked resolves a socket under the write lock.
func (r *Registry) deviceBySocketLocked(socketID string) (*types.Device, error) {
	deviceID, ok := r.socketToDevice[socketID]
	if !ok {
		return nil, fmt.Errorf("socket %s has no registered device", socketID)
	}
	return r.devices[deviceID], nil
}

// inactiveSince measures time since the device's last weighing event.
func (r *Registry) inactiveSince(d *types.Device, now time.Time) time.Duration {
	if d.LastEventAt == nil {
		if d.ConnectedAt == nil {
			return 0
		}
		return now.Sub(*d.ConnectedAt)
	}
	return now.Sub(*d.LastEventAt)
}

func (r *Registry) publish(ctx context.Context, t eventbus.EventType, d *types.Device, reason string) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, &eventbus.Event{
		Type:     t,
		At:       r.now(),
		DeviceID: d.ID,
		Device:   d,
		Reason:   reason,
	})
}
