package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SocketCloser force-closes a live connection. Satisfied by the TCP server.
type SocketCloser interface {
	Close(socketID, reason string)
}

// Monitor sweeps the registry for scales whose heartbeat went quiet.
// Past half the timeout a device is marked stale; past the full timeout
// its socket is force-closed, which drives the normal disconnect path.
type Monitor struct {
	registry *Registry
	sockets  SocketCloser
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a heartbeat monitor sweeping at the given interval.
func NewMonitor(registry *Registry, sockets SocketCloser, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		sockets:  sockets,
		interval: interval,
		logger:   logger.Named("monitor"),
	}
}

// Run blocks sweeping until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.registry.now()
	timeout := m.registry.opts.HeartbeatTimeout

	for _, d := range m.registry.Devices() {
		if !d.Connected() {
			continue
		}
		last := d.ConnectedAt
		if d.LastHeartbeatAt != nil {
			last = d.LastHeartbeatAt
		}
		if last == nil {
			continue
		}
		silence := now.Sub(*last)
		switch {
		case silence > timeout:
			m.logger.Warn("heartbeat timeout, closing socket",
				zap.String("device", d.ID),
				zap.Duration("silence", silence))
			m.sockets.Close(d.SocketID, "heartbeat timeout")
		case silence > timeout/2:
			m.registry.MarkStale(ctx, d.ID)
		}
	}
}
