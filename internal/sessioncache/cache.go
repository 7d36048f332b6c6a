// Package sessioncache mirrors cloud-owned weighing sessions for event
// tagging. The cloud owns the session lifecycle; the cache only receives
// pushed changes, polls for the connected devices' sessions, and expires
// mirrors that stop being refreshed.
package sessioncache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/types"
)

// SessionStore is the slice of the durable store the cache needs.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *types.SessionMirror) error
	ListSessions(ctx context.Context) ([]*types.SessionMirror, error)
	DeleteSession(ctx context.Context, cloudSessionID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// SessionFetcher pulls the active sessions for a set of devices from the
// cloud. Satisfied by the cloud client.
type SessionFetcher interface {
	FetchSessions(ctx context.Context, deviceIDs []string) ([]*types.SessionMirror, error)
}

// DeviceLister yields the devices worth polling for. Satisfied by the
// device registry.
type DeviceLister interface {
	ConnectedDeviceIDs() []string
}

// Options configure the cache timers.
type Options struct {
	TTL           time.Duration // mirror lifetime without a refresh
	PollInterval  time.Duration
	SweepInterval time.Duration
}

// Cache is the in-memory session mirror backed by the store.
type Cache struct {
	store   SessionStore
	fetcher SessionFetcher
	devices DeviceLister
	bus     *eventbus.Bus
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*types.SessionMirror // cloud session ID -> mirror

	now func() time.Time // test hook
}

// New creates a session cache. fetcher and devices may be nil, which
// disables polling (push handlers and expiry still work).
func New(store SessionStore, fetcher SessionFetcher, devices DeviceLister, bus *eventbus.Bus, opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Cache{
		store:    store,
		fetcher:  fetcher,
		devices:  devices,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("sessioncache"),
		sessions: make(map[string]*types.SessionMirror),
		now:      time.Now,
	}
}

// Load restores surviving mirrors from the store. Expired rows are dropped
// rather than loaded.
func (c *Cache) Load(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	for _, s := range sessions {
		if s.Expired(now) {
			continue
		}
		c.sessions[s.CloudSessionID] = s
	}
	n := len(c.sessions)
	c.mu.Unlock()

	if _, err := c.store.DeleteExpiredSessions(ctx, now); err != nil {
		return fmt.Errorf("drop expired sessions: %w", err)
	}
	c.logger.Info("loaded session mirrors", zap.Int("count", n))
	return nil
}

// HandleSessionStart mirrors a newly started cloud session.
func (c *Cache) HandleSessionStart(ctx context.Context, s *types.SessionMirror) error {
	return c.write(ctx, s, eventbus.SessionStarted)
}

// HandleSessionUpdate refreshes a mirrored session after a cloud-side change.
func (c *Cache) HandleSessionUpdate(ctx context.Context, s *types.SessionMirror) error {
	return c.write(ctx, s, eventbus.SessionUpdated)
}

// HandleSessionEnd removes the mirror for a session the cloud ended.
// Ending an unknown session is not an error.
func (c *Cache) HandleSessionEnd(ctx context.Context, cloudSessionID string) error {
	c.mu.Lock()
	s, known := c.sessions[cloudSessionID]
	delete(c.sessions, cloudSessionID)
	c.mu.Unlock()

	if err := c.store.DeleteSession(ctx, cloudSessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", cloudSessionID, err)
	}
	if known && c.bus != nil {
		_ = c.bus.Publish(ctx, &eventbus.Event{
			Type:     eventbus.SessionEnded,
			At:       c.now(),
			DeviceID: s.DeviceID,
			Session:  s,
		})
	}
	return nil
}

// ActiveSessionForDevice returns the most recently cached active,
// unexpired session for the device.
func (c *Cache) ActiveSessionForDevice(deviceID string) (*types.SessionMirror, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *types.SessionMirror
	for _, s := range c.sessions {
		if s.DeviceID != deviceID || s.Status != types.SessionActive || s.Expired(now) {
			continue
		}
		if best == nil || s.CachedAt.After(best.CachedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	snapshot := *best
	return &snapshot, true
}

// Sessions returns snapshots of all cached mirrors.
func (c *Cache) Sessions() []*types.SessionMirror {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.SessionMirror, 0, len(c.sessions))
	for _, s := range c.sessions {
		snapshot := *s
		out = append(out, &snapshot)
	}
	return out
}

// RunPoller polls the cloud at the configured interval until ctx is
// cancelled. A no-op when no fetcher or device lister is wired.
func (c *Cache) RunPoller(ctx context.Context) error {
	if c.fetcher == nil || c.devices == nil || c.opts.PollInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				c.logger.Warn("session poll failed", zap.Error(err))
			}
		}
	}
}

// RunSweeper expires stale mirrors at the configured interval until ctx is
// cancelled.
func (c *Cache) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// Poll fetches the active sessions for every connected device in one call
// and reconciles the cache against the response: new mirrors are inserted,
// known ones refreshed, and cached sessions for a polled device that the
// cloud no longer reports are removed.
func (c *Cache) Poll(ctx context.Context) error {
	deviceIDs := c.devices.ConnectedDeviceIDs()
	if len(deviceIDs) == 0 {
		return nil
	}
	fetched, err := c.fetcher.FetchSessions(ctx, deviceIDs)
	if err != nil {
		return fmt.Errorf("fetch sessions: %w", err)
	}

	polled := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		polled[id] = true
	}
	present := make(map[string]bool, len(fetched))
	for _, s := range fetched {
		present[s.CloudSessionID] = true
	}

	for _, s := range fetched {
		c.mu.RLock()
		prev, known := c.sessions[s.CloudSessionID]
		changed := known && !sameSession(prev, s)
		c.mu.RUnlock()

		switch {
		case !known:
			if err := c.HandleSessionStart(ctx, s); err != nil {
				return err
			}
		case changed:
			if err := c.HandleSessionUpdate(ctx, s); err != nil {
				return err
			}
		default:
			// Unchanged, but the cloud still reports it: refresh the TTL.
			if err := c.refresh(ctx, s.CloudSessionID); err != nil {
				return err
			}
		}
	}

	// A cached session for a polled device that the response omitted has
	// ended cloud-side without a push reaching us.
	for _, s := range c.Sessions() {
		if polled[s.DeviceID] && !present[s.CloudSessionID] {
			if err := c.HandleSessionEnd(ctx, s.CloudSessionID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) write(ctx context.Context, s *types.SessionMirror, eventType eventbus.EventType) error {
	now := c.now()
	snapshot := *s
	snapshot.LastUpdatedAt = now
	snapshot.ExpiresAt = now.Add(c.opts.TTL)

	c.mu.Lock()
	if prev, ok := c.sessions[snapshot.CloudSessionID]; ok {
		snapshot.CachedAt = prev.CachedAt
	} else {
		snapshot.CachedAt = now
	}
	stored := snapshot
	c.sessions[snapshot.CloudSessionID] = &stored
	c.mu.Unlock()

	if err := c.store.UpsertSession(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist session %s: %w", snapshot.CloudSessionID, err)
	}
	if c.bus != nil {
		_ = c.bus.Publish(ctx, &eventbus.Event{
			Type:     eventType,
			At:       now,
			DeviceID: snapshot.DeviceID,
			Session:  &snapshot,
		})
	}
	return nil
}

// refresh pushes the expiry forward without announcing a change.
func (c *Cache) refresh(ctx context.Context, cloudSessionID string) error {
	now := c.now()

	c.mu.Lock()
	s, ok := c.sessions[cloudSessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	s.ExpiresAt = now.Add(c.opts.TTL)
	snapshot := *s
	c.mu.Unlock()

	if err := c.store.UpsertSession(ctx, &snapshot); err != nil {
		return fmt.Errorf("refresh session %s: %w", cloudSessionID, err)
	}
	return nil
}

func (c *Cache) sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	expired := make([]*types.SessionMirror, 0)
	for id, s := range c.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	n, err := c.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		c.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 || len(expired) > 0 {
		c.logger.Info("expired session mirrors",
			zap.Int("memory", len(expired)), zap.Int("store", n))
	}
	if c.bus == nil {
		return
	}
	for _, s := range expired {
		_ = c.bus.Publish(ctx, &eventbus.Event{
			Type:     eventbus.SessionEnded,
			At:       now,
			DeviceID: s.DeviceID,
			Session:  s,
			Reason:   "expired",
		})
	}
}

func sameSession(a, b *types.SessionMirror) bool {
	return a.DeviceID == b.DeviceID &&
		a.AnimalID == b.AnimalID &&
		a.AnimalTag == b.AnimalTag &&
		a.AnimalSpecies == b.AnimalSpecies &&
		a.OperatorID == b.OperatorID &&
		a.Status == b.Status
}
