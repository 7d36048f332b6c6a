package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

type fakeSyncStore struct {
	mu     sync.Mutex
	events map[string]*types.WeighingEvent
	queued map[string]bool
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		events: make(map[string]*types.WeighingEvent),
		queued: make(map[string]bool),
	}
}

func (s *fakeSyncStore) add(e *types.WeighingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
}

func (s *fakeSyncStore) PendingEvents(ctx context.Context, limit int) ([]*types.WeighingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WeighingEvent
	for _, e := range s.events {
		if e.SyncStatus == types.SyncPending || e.SyncStatus == types.SyncFailed {
			cp := *e
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSyncStore) ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.WeighingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WeighingEvent
	for _, e := range s.events {
		if f.BatchID != "" && e.OfflineBatchID != f.BatchID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeSyncStore) EnqueueSync(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[eventID] = true
	return nil
}

func (s *fakeSyncStore) DequeueSync(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, eventID)
	return nil
}

// fakeSink mirrors transitions back into the fake store so Drain's
// follow-up queries observe them.
type fakeSink struct{ store *fakeSyncStore }

func (f *fakeSink) MarkEventSynced(ctx context.Context, eventID, cloudEventID string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	e, ok := f.store.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	e.SyncStatus = types.SyncSynced
	e.CloudEventID = cloudEventID
	return nil
}

func (f *fakeSink) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	e, ok := f.store.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	if e.SyncStatus != types.SyncSynced {
		e.SyncStatus = types.SyncFailed
		e.LastError = cause
		e.SyncAttempts++
	}
	return nil
}

func (f *fakeSink) UpdateSyncStatus(ctx context.Context, eventID string, status types.SyncStatus) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	e, ok := f.store.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	if e.SyncStatus != types.SyncSynced {
		e.SyncStatus = status
	}
	return nil
}

type fakeBatchCloser struct {
	mu       sync.Mutex
	batches  map[string]*types.OfflineBatch
	endedAll int
}

func newFakeBatchCloser() *fakeBatchCloser {
	return &fakeBatchCloser{batches: make(map[string]*types.OfflineBatch)}
}

func (f *fakeBatchCloser) EndAllOpen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endedAll++
	now := time.Now()
	for _, b := range f.batches {
		if b.EndedAt == nil {
			t := now
			b.EndedAt = &t
		}
	}
	return nil
}

func (f *fakeBatchCloser) PendingSync(ctx context.Context) ([]*types.OfflineBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.OfflineBatch
	for _, b := range f.batches {
		if b.EndedAt != nil && (b.Status == types.BatchPending || b.Status == types.BatchFailed) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBatchCloser) MarkBatchSyncing(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[batchID].Status = types.BatchInProgress
	return nil
}

func (f *fakeBatchCloser) MarkBatchSynced(ctx context.Context, batchID, cloudSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[batchID].Status = types.BatchReconciled
	return nil
}

type staticResolver struct{}

func (staticResolver) Device(deviceID string) (*types.Device, bool) {
	return &types.Device{ID: deviceID, GlobalID: "site-1-" + deviceID}, true
}

func acceptAllServer(t *testing.T, single, batch *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /edge/events", func(w http.ResponseWriter, r *http.Request) {
		if single != nil {
			*single++
		}
		json.NewEncoder(w).Encode(EventResult{CloudEventID: "cloud-single", Status: StatusAccepted})
	})
	mux.HandleFunc("POST /edge/events/batch", func(w http.ResponseWriter, r *http.Request) {
		if batch != nil {
			*batch++
		}
		var req struct {
			Events []EventPayload `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		results := make([]BatchResult, len(req.Events))
		for i, p := range req.Events {
			results[i] = BatchResult{
				LocalEventID: p.LocalEventID,
				CloudEventID: "cloud-" + p.LocalEventID,
				Status:       StatusAccepted,
			}
		}
		json.NewEncoder(w).Encode(struct {
			Results []BatchResult `json:"results"`
		}{results})
	})
	return httptest.NewServer(mux)
}

func pendingEvent(id, batchID string) *types.WeighingEvent {
	e := &types.WeighingEvent{
		ID:             id,
		DeviceID:       "SCALE-01",
		PLUCode:        "12345",
		WeightGrams:    1000,
		ScaleTimestamp: time.Now(),
		ReceivedAt:     time.Now(),
		SyncStatus:     types.SyncPending,
	}
	if batchID != "" {
		e.OfflineMode = true
		e.OfflineBatchID = batchID
	}
	return e
}

func newTestSync(t *testing.T, baseURL string, store *fakeSyncStore, batches *fakeBatchCloser, bus *eventbus.Bus) *Sync {
	t.Helper()
	idStore := newFakeIdentityStore()
	idStore.config[edgeIDConfigKey] = testEdgeID
	client, err := New(testClientOptions(baseURL), idStore, nil, nil)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	return NewSync(client, store, &fakeSink{store: store}, batches, staticResolver{}, bus, SyncOptions{
		BatchSize:     50,
		BatchInterval: time.Hour, // tests drive drains explicitly
	}, nil)
}

func TestDrainBatchReconciles(t *testing.T) {
	var single, batchCalls int
	srv := acceptAllServer(t, &single, &batchCalls)
	defer srv.Close()

	store := newFakeSyncStore()
	batches := newFakeBatchCloser()
	ended := time.Now()
	batches.batches["ob-1"] = &types.OfflineBatch{
		ID: "ob-1", DeviceID: "SCALE-01", Status: types.BatchPending, EndedAt: &ended,
	}
	for i := 1; i <= 3; i++ {
		store.add(pendingEvent(fmt.Sprintf("evt-%d", i), "ob-1"))
	}

	s := newTestSync(t, srv.URL, store, batches, nil)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if batchCalls != 1 || single != 0 {
		t.Errorf("calls single=%d batch=%d, want 0/1 for a 3-event drain", single, batchCalls)
	}
	for id, e := range store.events {
		if e.SyncStatus != types.SyncSynced {
			t.Errorf("event %s status = %q, want synced", id, e.SyncStatus)
		}
		if e.CloudEventID == "" {
			t.Errorf("event %s has no cloud ID", id)
		}
	}
	if batches.batches["ob-1"].Status != types.BatchReconciled {
		t.Errorf("batch status = %q, want reconciled", batches.batches["ob-1"].Status)
	}
	if len(store.queued) != 0 {
		t.Errorf("sync queue not emptied: %v", store.queued)
	}
}

func TestDrainSingleUsesSingleEndpoint(t *testing.T) {
	var single, batchCalls int
	srv := acceptAllServer(t, &single, &batchCalls)
	defer srv.Close()

	store := newFakeSyncStore()
	store.add(pendingEvent("evt-1", ""))

	s := newTestSync(t, srv.URL, store, newFakeBatchCloser(), nil)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if single != 1 || batchCalls != 0 {
		t.Errorf("calls single=%d batch=%d, want 1/0 for a 1-event drain", single, batchCalls)
	}
	if store.events["evt-1"].CloudEventID != "cloud-single" {
		t.Errorf("cloud ID = %q", store.events["evt-1"].CloudEventID)
	}
}

func TestDrainTransportFailureMarksAllFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /edge/events/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeSyncStore()
	store.add(pendingEvent("evt-1", ""))
	store.add(pendingEvent("evt-2", ""))

	s := newTestSync(t, srv.URL, store, newFakeBatchCloser(), nil)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for id, e := range store.events {
		if e.SyncStatus != types.SyncFailed {
			t.Errorf("event %s status = %q, want failed", id, e.SyncStatus)
		}
		if e.LastError == "" {
			t.Errorf("event %s has no last error", id)
		}
	}
}

func TestDrainAppliesPerElementResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /edge/events/batch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
			{"localEventId":"evt-1","cloudEventId":"cloud-1","status":"accepted"},
			{"localEventId":"evt-2","cloudEventId":"cloud-2","status":"duplicate"},
			{"localEventId":"evt-3","status":"rejected","error":"unknown device"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeSyncStore()
	store.add(pendingEvent("evt-1", ""))
	store.add(pendingEvent("evt-2", ""))
	store.add(pendingEvent("evt-3", ""))

	s := newTestSync(t, srv.URL, store, newFakeBatchCloser(), nil)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := store.events["evt-1"].SyncStatus; got != types.SyncSynced {
		t.Errorf("accepted event status = %q", got)
	}
	if got := store.events["evt-2"].SyncStatus; got != types.SyncSynced {
		t.Errorf("duplicate event status = %q, duplicates count as delivered", got)
	}
	e3 := store.events["evt-3"]
	if e3.SyncStatus != types.SyncFailed || e3.LastError != "unknown device" {
		t.Errorf("rejected event = %q/%q", e3.SyncStatus, e3.LastError)
	}
}

func TestReconnectClosesBatchesAndDrains(t *testing.T) {
	srv := acceptAllServer(t, nil, nil)
	defer srv.Close()

	store := newFakeSyncStore()
	batches := newFakeBatchCloser()
	batches.batches["ob-1"] = &types.OfflineBatch{
		ID: "ob-1", DeviceID: "SCALE-01", Status: types.BatchPending,
	}
	for i := 1; i <= 3; i++ {
		store.add(pendingEvent(fmt.Sprintf("evt-%d", i), "ob-1"))
	}

	bus := eventbus.New(nil)
	s := newTestSync(t, srv.URL, store, batches, bus)
	s.Start(context.Background())
	defer s.Stop()

	_ = bus.Publish(context.Background(), &eventbus.Event{Type: eventbus.CloudConnected, At: time.Now()})

	deadline := time.After(5 * time.Second)
	for {
		batches.mu.Lock()
		done := batches.batches["ob-1"].Status == types.BatchReconciled
		batches.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch not reconciled after reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if batches.endedAll == 0 {
		t.Error("open batches not closed on reconnect")
	}
}

func TestStreamSkipsOfflineCaptures(t *testing.T) {
	var single int
	srv := acceptAllServer(t, &single, nil)
	defer srv.Close()

	store := newFakeSyncStore()
	bus := eventbus.New(nil)
	s := newTestSync(t, srv.URL, store, newFakeBatchCloser(), bus)
	s.Start(context.Background())
	defer s.Stop()

	online := pendingEvent("evt-on", "")
	store.add(online)
	offline := pendingEvent("evt-off", "ob-1")
	store.add(offline)

	_ = bus.Publish(context.Background(), &eventbus.Event{
		Type: eventbus.EventCaptured, At: time.Now(), Weighing: online,
	})
	_ = bus.Publish(context.Background(), &eventbus.Event{
		Type: eventbus.EventCaptured, At: time.Now(), Weighing: offline,
	})

	deadline := time.After(5 * time.Second)
	for {
		store.mu.Lock()
		synced := store.events["evt-on"].SyncStatus == types.SyncSynced
		store.mu.Unlock()
		if synced {
			break
		}
		select {
		case <-deadline:
			t.Fatal("online capture never streamed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	store.mu.Lock()
	offStatus := store.events["evt-off"].SyncStatus
	store.mu.Unlock()
	if offStatus != types.SyncPending {
		t.Errorf("offline capture status = %q, want pending until drain", offStatus)
	}
	if single != 1 {
		t.Errorf("single endpoint hit %d times, want 1", single)
	}
}

func TestSyncStateMachine(t *testing.T) {
	srv := acceptAllServer(t, nil, nil)
	defer srv.Close()

	s := newTestSync(t, srv.URL, newFakeSyncStore(), newFakeBatchCloser(), eventbus.New(nil))
	if s.State() != SyncStopped {
		t.Errorf("initial state = %q", s.State())
	}

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // idempotent
	if s.State() != SyncRunning {
		t.Errorf("state after start = %q", s.State())
	}

	s.Pause()
	if s.State() != SyncPaused {
		t.Errorf("state after pause = %q", s.State())
	}
	s.Resume()
	if s.State() != SyncRunning {
		t.Errorf("state after resume = %q", s.State())
	}

	s.Stop()
	s.Stop() // idempotent
	if s.State() != SyncStopped {
		t.Errorf("state after stop = %q", s.State())
	}
}
