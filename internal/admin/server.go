// Package admin serves the operational HTTP endpoints: a liveness probe
// and a JSON status snapshot of the pipeline.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/tcpserver"
	"github.com/sahinler/edgescale/internal/types"
)

// StatusSource aggregates the snapshots the /status endpoint reports.
type StatusSource interface {
	Devices() []*types.Device
	TCPStats() tcpserver.Stats
	CloudOnline() bool
	SyncState() string
	EventCounts(ctx context.Context) (map[types.SyncStatus]int, error)
	OpenBatches(ctx context.Context) ([]*types.OfflineBatch, error)
}

// Server is the admin HTTP listener.
type Server struct {
	http    *http.Server
	source  StatusSource
	logger  *zap.Logger
	started time.Time
	version string
}

// New creates the admin server bound to addr.
func New(addr string, source StatusSource, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		source:  source,
		logger:  logger.Named("admin"),
		started: time.Now(),
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("admin listening", zap.String("addr", s.http.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":     true,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type statusResponse struct {
	Version     string                    `json:"version"`
	Uptime      string                    `json:"uptime"`
	CloudOnline bool                      `json:"cloud_online"`
	SyncState   string                    `json:"sync_state"`
	TCP         tcpserver.Stats           `json:"tcp"`
	Devices     []*types.Device           `json:"devices"`
	Events      map[types.SyncStatus]int  `json:"events_by_sync_status"`
	OpenBatches []*types.OfflineBatch     `json:"open_batches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		Version:     s.version,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		CloudOnline: s.source.CloudOnline(),
		SyncState:   s.source.SyncState(),
		TCP:         s.source.TCPStats(),
		Devices:     s.source.Devices(),
	}

	counts, err := s.source.EventCounts(ctx)
	if err != nil {
		s.logger.Error("event counts failed", zap.Error(err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	resp.Events = counts

	open, err := s.source.OpenBatches(ctx)
	if err != nil {
		s.logger.Error("open batches failed", zap.Error(err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	resp.OpenBatches = open

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
