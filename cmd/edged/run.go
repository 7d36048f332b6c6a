package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sahinler/edgescale/internal/admin"
	"github.com/sahinler/edgescale/internal/batch"
	"github.com/sahinler/edgescale/internal/cloud"
	"github.com/sahinler/edgescale/internal/config"
	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/processor"
	"github.com/sahinler/edgescale/internal/registry"
	"github.com/sahinler/edgescale/internal/scale"
	"github.com/sahinler/edgescale/internal/sessioncache"
	"github.com/sahinler/edgescale/internal/storage/sqlite"
	"github.com/sahinler/edgescale/internal/tcpserver"
	"github.com/sahinler/edgescale/internal/telemetry"
	"github.com/sahinler/edgescale/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting edged",
		zap.String("version", version),
		zap.String("site", cfg.SiteID),
		zap.String("tcp", cfg.TCPAddr()),
		zap.String("http", cfg.HTTPAddr()),
		zap.String("db", cfg.DBPath))

	if err := telemetry.Init(ctx, "edged", version); err != nil {
		logger.Warn("telemetry init failed, continuing without metrics", zap.Error(err))
	}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	bus := eventbus.New(logger)

	client, err := cloud.New(cloud.Options{
		BaseURL:           cfg.CloudAPIURL,
		SiteID:            cfg.SiteID,
		SiteName:          cfg.SiteName,
		EdgeName:          cfg.EdgeName,
		RegistrationToken: cfg.RegistrationToken,
		Version:           version,
		Timeout:           cfg.EventSendTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		OfflineAfter:      cfg.OfflineTriggerDelay,
	}, store, bus, logger)
	if err != nil {
		return err
	}

	// Identity and remote config are best-effort at boot: the gateway
	// must come up with the cloud down. Later calls self-heal identity.
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := client.EnsureEdgeIdentity(bootCtx); err != nil {
		logger.Warn("cloud registration deferred", zap.Error(err))
	} else if rc, err := client.FetchConfig(bootCtx); err != nil {
		logger.Warn("remote config unavailable, using local settings", zap.Error(err))
	} else {
		cfg = cfg.ApplyCloudOverrides(
			time.Duration(rc.SessionPollIntervalMs)*time.Millisecond,
			time.Duration(rc.HeartbeatIntervalMs)*time.Millisecond)
	}
	cancel()

	reg := registry.New(store, bus, registry.Options{
		SiteID:           cfg.SiteID,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ActivityIdle:     cfg.ActivityIdle,
		ActivityStale:    cfg.ActivityStale,
	}, logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	cache := sessioncache.New(store, client, reg, bus, sessioncache.Options{
		TTL:          cfg.SessionCacheExpiry,
		PollInterval: cfg.SessionPollInterval,
	}, logger)
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	batches := batch.New(store, bus, int64(cfg.OfflineMaxEventsBatch), logger)
	if err := batches.Load(ctx); err != nil {
		return fmt.Errorf("load batches: %w", err)
	}

	// Deliveries left in flight by the previous run re-enter the backlog.
	if n, err := store.ResetStreamingEvents(ctx); err != nil {
		return fmt.Errorf("requeue in-flight events: %w", err)
	} else if n > 0 {
		logger.Info("requeued events left in flight by previous run", zap.Int("count", n))
	}

	proc := processor.New(store, cache, batches, reg, client, bus, 0, logger)

	syncSvc := cloud.NewSync(client, store, proc, batches, reg, bus, cloud.SyncOptions{
		BatchSize:     cfg.CloudBatchSize,
		BatchInterval: cfg.BatchInterval,
	}, logger)

	g, runCtx := errgroup.WithContext(ctx)

	var frontend *tcpserver.Server
	disp := tcpserver.NewDispatcher(runCtx, scale.New(logger), reg, proc,
		tcpserver.SenderFunc(func(socketID string, data []byte) bool {
			return frontend.Send(socketID, data)
		}), logger)
	frontend = tcpserver.New(cfg.TCPAddr(), disp, logger)

	monitor := registry.NewMonitor(reg, frontend, cfg.MonitorInterval(), logger)

	adminSrv := admin.New(cfg.HTTPAddr(), &statusSource{
		registry: reg,
		frontend: frontend,
		client:   client,
		sync:     syncSvc,
		store:    store,
		batches:  batches,
	}, version, logger)

	if err := telemetry.RegisterPipeline(bus, connStats{frontend}); err != nil {
		logger.Warn("metric registration failed", zap.Error(err))
	}

	reporter := newStatusReporter(client, logger)
	reporter.subscribe(bus)

	syncSvc.Start(runCtx)

	g.Go(func() error { return frontend.Start(runCtx) })
	g.Go(func() error { return monitor.Run(runCtx) })
	g.Go(func() error { return cache.RunPoller(runCtx) })
	g.Go(func() error { return cache.RunSweeper(runCtx) })
	g.Go(func() error { return adminSrv.Run(runCtx) })
	g.Go(func() error { return reporter.run(runCtx) })
	if cfg.OfflineRetentionDays > 0 {
		g.Go(func() error {
			return runBatchRetention(runCtx, store, cfg.OfflineRetentionDays, logger)
		})
	}

	err = g.Wait()

	// Teardown in reverse: stop feeding the pipeline, flush what we can,
	// then close the store.
	logger.Info("shutting down")
	syncSvc.Stop()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetry.Shutdown(shCtx)
	shCancel()

	// A signal cancels ctx and the loops return nil; any other error is a
	// real failure (bind, accept, listener).
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runBatchRetention prunes reconciled offline batches older than the
// retention window, once at startup and then every six hours.
func runBatchRetention(ctx context.Context, store *sqlite.Store, days int, logger *zap.Logger) error {
	log := logger.Named("retention")
	sweep := func() {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := store.DeleteBatchesOlderThan(ctx, cutoff)
		if err != nil {
			log.Warn("batch retention sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("pruned old offline batches", zap.Int("count", n))
		}
	}
	sweep()

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("EDGED_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// statusSource feeds the admin /status endpoint from the live components.
type statusSource struct {
	registry *registry.Registry
	frontend *tcpserver.Server
	client   *cloud.Client
	sync     *cloud.Sync
	store    *sqlite.Store
	batches  *batch.Manager
}

func (s *statusSource) Devices() []*types.Device  { return s.registry.Devices() }
func (s *statusSource) TCPStats() tcpserver.Stats { return s.frontend.Stats() }
func (s *statusSource) CloudOnline() bool         { return s.client.IsOnline() }
func (s *statusSource) SyncState() string         { return string(s.sync.State()) }

func (s *statusSource) EventCounts(ctx context.Context) (map[types.SyncStatus]int, error) {
	return s.store.CountEventsBySyncStatus(ctx)
}

func (s *statusSource) OpenBatches(ctx context.Context) ([]*types.OfflineBatch, error) {
	return s.batches.OpenBatches(ctx)
}

// connStats adapts the front-end counters to the telemetry gauges.
type connStats struct {
	srv *tcpserver.Server
}

func (c connStats) BytesIn() int64           { return c.srv.Stats().BytesIn }
func (c connStats) BytesOut() int64          { return c.srv.Stats().BytesOut }
func (c connStats) ActiveConnections() int64 { return c.srv.Stats().ActiveConnections }

// statusReporter forwards device status transitions to the cloud. Reports
// are advisory and single-attempt; when the queue is full the transition
// is dropped because the next one supersedes it.
type statusReporter struct {
	client *cloud.Client
	logger *zap.Logger
	ch     chan *types.Device
}

func newStatusReporter(client *cloud.Client, logger *zap.Logger) *statusReporter {
	return &statusReporter{
		client: client,
		logger: logger.Named("statusreport"),
		ch:     make(chan *types.Device, 64),
	}
}

func (r *statusReporter) subscribe(bus *eventbus.Bus) {
	bus.Subscribe("cloud-status-report", func(ctx context.Context, e *eventbus.Event) error {
		if e.Device == nil {
			return nil
		}
		select {
		case r.ch <- e.Device:
		default:
			r.logger.Debug("status report queue full, dropping",
				zap.String("device", e.Device.ID))
		}
		return nil
	},
		eventbus.DeviceOnline,
		eventbus.DeviceIdle,
		eventbus.DeviceStale,
		eventbus.DeviceDisconnected,
	)
}

func (r *statusReporter) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-r.ch:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := r.client.ReportDeviceStatus(callCtx, d); err != nil {
				r.logger.Debug("status report not delivered",
					zap.String("device", d.ID),
					zap.String("status", string(d.Status)),
					zap.Error(err))
			}
			cancel()
		}
	}
}
