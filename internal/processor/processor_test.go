package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/scale"
	"github.com/sahinler/edgescale/internal/storage"
	"github.com/sahinler/edgescale/internal/types"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string]*types.WeighingEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*types.WeighingEvent)}
}

func (s *fakeEventStore) InsertEvent(ctx context.Context, e *types.WeighingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.DeviceID == e.DeviceID &&
			existing.ScaleTimestamp.Equal(e.ScaleTimestamp) &&
			existing.PLUCode == e.PLUCode &&
			existing.WeightGrams == e.WeightGrams {
			return storage.ErrDuplicateEvent
		}
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *fakeEventStore) GetEvent(ctx context.Context, id string) (*types.WeighingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeEventStore) MarkEventStreaming(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.SyncStatus != types.SyncSynced {
		e.SyncStatus = types.SyncStreaming
	}
	return nil
}

func (s *fakeEventStore) MarkEventSynced(ctx context.Context, id, cloudEventID string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.SyncStatus = types.SyncSynced
	e.CloudEventID = cloudEventID
	t := syncedAt
	e.SyncedAt = &t
	return nil
}

func (s *fakeEventStore) MarkEventFailed(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.SyncStatus != types.SyncSynced {
		e.SyncStatus = types.SyncFailed
		e.LastError = lastError
		e.SyncAttempts++
	}
	return nil
}

type fakeSessions struct{ active map[string]*types.SessionMirror }

func (f *fakeSessions) ActiveSessionForDevice(deviceID string) (*types.SessionMirror, bool) {
	s, ok := f.active[deviceID]
	return s, ok
}

type fakeBatches struct {
	mu         sync.Mutex
	batches    map[string]*types.OfflineBatch
	increments map[string]int64
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{
		batches:    make(map[string]*types.OfflineBatch),
		increments: make(map[string]int64),
	}
}

func (f *fakeBatches) CurrentOrStart(ctx context.Context, deviceID string) (*types.OfflineBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[deviceID]; ok {
		return b, nil
	}
	b := &types.OfflineBatch{ID: "ob-" + deviceID, DeviceID: deviceID, Status: types.BatchPending}
	f.batches[deviceID] = b
	return b, nil
}

func (f *fakeBatches) IncrementEventCount(ctx context.Context, batchID string, weightGrams int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments[batchID] += weightGrams
	return nil
}

type fakeDevices struct{ devices map[string]*types.Device }

func (f *fakeDevices) Device(deviceID string) (*types.Device, bool) {
	d, ok := f.devices[deviceID]
	return d, ok
}

type fakeCloud struct{ online bool }

func (f *fakeCloud) IsOnline() bool { return f.online }

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func weighing(plu string, netGrams int64, at time.Time) *scale.Weighing {
	return &scale.Weighing{
		Barcode:     plu,
		ProductName: "KIYMA",
		Timestamp:   at,
		NetRaw:      netGrams,
		TareRaw:     0,
		NetGrams:    netGrams,
		TareGrams:   0,
		RawLine:     "raw",
	}
}

type fixture struct {
	proc     *Processor
	store    *fakeEventStore
	sessions *fakeSessions
	batches  *fakeBatches
	cloud    *fakeCloud
	bus      *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeEventStore(),
		sessions: &fakeSessions{active: make(map[string]*types.SessionMirror)},
		batches:  newFakeBatches(),
		cloud:    &fakeCloud{online: true},
		bus:      eventbus.New(nil),
	}
	f.proc = New(f.store, f.sessions, f.batches, nil, f.cloud, f.bus, 5*time.Second, nil)
	f.proc.now = func() time.Time { return testBase }
	return f
}

func TestProcessOnlineWithSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.active["SCALE-01"] = &types.SessionMirror{
		CloudSessionID: "sess-1",
		DeviceID:       "SCALE-01",
		Status:         types.SessionActive,
	}

	var captured []*types.WeighingEvent
	f.bus.Subscribe("test", func(ctx context.Context, e *eventbus.Event) error {
		captured = append(captured, e.Weighing)
		return nil
	}, eventbus.EventCaptured)

	e, err := f.proc.Process(ctx, "SCALE-01", "10.0.0.5", weighing("2000001025004", 37500, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.CloudSessionID != "sess-1" {
		t.Errorf("session = %q, want sess-1", e.CloudSessionID)
	}
	if e.OfflineMode || e.OfflineBatchID != "" {
		t.Errorf("online event tagged offline: mode=%v batch=%q", e.OfflineMode, e.OfflineBatchID)
	}
	if e.SyncStatus != types.SyncPending {
		t.Errorf("sync status = %q, want pending", e.SyncStatus)
	}
	if len(captured) != 1 || captured[0].ID != e.ID {
		t.Errorf("event:captured = %v, want the persisted event", captured)
	}
	if f.store.events[e.ID] == nil {
		t.Error("event not persisted")
	}
}

func TestProcessOnlineWithoutSession(t *testing.T) {
	f := newFixture(t)
	e, err := f.proc.Process(context.Background(), "SCALE-01", "", weighing("12345", 1400, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.CloudSessionID != "" || e.OfflineMode {
		t.Errorf("expected untagged online event, got session=%q offline=%v", e.CloudSessionID, e.OfflineMode)
	}
}

func TestProcessOfflineTagsBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cloud.online = false

	e, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !e.OfflineMode || e.OfflineBatchID != "ob-SCALE-01" {
		t.Errorf("offline tagging = mode=%v batch=%q", e.OfflineMode, e.OfflineBatchID)
	}
	if e.CloudSessionID != "" {
		t.Error("offline event carries a session")
	}
	if got := f.batches.increments["ob-SCALE-01"]; got != 37500 {
		t.Errorf("batch increment = %d, want 37500", got)
	}
}

func TestDedupWithinWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase))
	if err != nil || first == nil {
		t.Fatalf("first Process: %v %v", first, err)
	}

	// Same signature 2s later with a different scale timestamp: the print
	// duplicate. Dropped without error.
	f.proc.now = func() time.Time { return testBase.Add(2 * time.Second) }
	dup, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase.Add(time.Second)))
	if err != nil {
		t.Fatalf("duplicate Process: %v", err)
	}
	if dup != nil {
		t.Error("duplicate within window not dropped")
	}

	// Past the window the same signature is a new measurement.
	f.proc.now = func() time.Time { return testBase.Add(10 * time.Second) }
	again, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("post-window Process: %v", err)
	}
	if again == nil {
		t.Error("measurement past the window dropped")
	}
}

func TestDedupDistinguishesWeight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	e, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 1400, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e == nil {
		t.Error("different weight treated as duplicate")
	}
}

func TestStoreDuplicateIsSilentDrop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Fresh processor, same store: in-memory map is empty, the unique
	// index catches the duplicate.
	p2 := New(f.store, f.sessions, f.batches, nil, f.cloud, nil, 5*time.Second, nil)
	p2.now = func() time.Time { return testBase.Add(time.Second) }
	e, err := p2.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase))
	if err != nil {
		t.Fatalf("Process after restart: %v", err)
	}
	if e != nil {
		t.Error("store-level duplicate not dropped")
	}
}

func TestWeightDecodeOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	devices := &fakeDevices{devices: map[string]*types.Device{
		"SCALE-01": {ID: "SCALE-01", WeightDecode: types.WeightDecodeGrams},
	}}
	f.proc = New(f.store, f.sessions, f.batches, devices, f.cloud, nil, 5*time.Second, nil)
	f.proc.now = func() time.Time { return testBase }

	// Raw 375 would decode to 37500 under the heuristic; the override
	// takes it verbatim.
	w := &scale.Weighing{
		Barcode:   "12345",
		Timestamp: testBase,
		NetRaw:    375,
		TareRaw:   13,
		NetGrams:  37500,
		TareGrams: 1300,
	}
	e, err := f.proc.Process(ctx, "SCALE-01", "", w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.WeightGrams != 375 || e.TareGrams != 13 {
		t.Errorf("grams = %d/%d, want verbatim 375/13", e.WeightGrams, e.TareGrams)
	}
}

func TestRejectsBadPLU(t *testing.T) {
	f := newFixture(t)
	if _, err := f.proc.Process(context.Background(), "SCALE-01", "", weighing("12", 100, testBase)); err == nil {
		t.Error("expected validation error for 2-digit PLU")
	}
}

func TestMarkEventSyncedIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var synced int
	f.bus.Subscribe("test", func(ctx context.Context, e *eventbus.Event) error {
		synced++
		return nil
	}, eventbus.EventSynced)

	e, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := f.proc.MarkEventSynced(ctx, e.ID, "cloud-evt-1"); err != nil {
		t.Fatalf("MarkEventSynced: %v", err)
	}
	// A redelivery acknowledgement for a terminal event changes nothing
	// and is not re-announced.
	if err := f.proc.MarkEventSynced(ctx, e.ID, "cloud-evt-dup"); err != nil {
		t.Fatalf("second MarkEventSynced: %v", err)
	}

	if synced != 1 {
		t.Errorf("event:synced fired %d times, want 1", synced)
	}
	got, _ := f.store.GetEvent(ctx, e.ID)
	if got.CloudEventID != "cloud-evt-1" {
		t.Errorf("cloud event ID = %q, want the first delivery's", got.CloudEventID)
	}
}

func TestSyncTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var syncedIDs, failedIDs []string
	f.bus.Subscribe("test", func(ctx context.Context, e *eventbus.Event) error {
		switch e.Type {
		case eventbus.EventSynced:
			syncedIDs = append(syncedIDs, e.CloudID)
		case eventbus.EventFailed:
			failedIDs = append(failedIDs, e.Err)
		}
		return nil
	}, eventbus.EventSynced, eventbus.EventFailed)

	e, err := f.proc.Process(ctx, "SCALE-01", "", weighing("12345", 37500, testBase))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if err := f.proc.UpdateSyncStatus(ctx, e.ID, types.SyncStreaming); err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}
	got, _ := f.store.GetEvent(ctx, e.ID)
	if got.SyncStatus != types.SyncStreaming {
		t.Errorf("status = %q, want streaming", got.SyncStatus)
	}

	if err := f.proc.MarkEventFailed(ctx, e.ID, "connect refused"); err != nil {
		t.Fatalf("MarkEventFailed: %v", err)
	}
	got, _ = f.store.GetEvent(ctx, e.ID)
	if got.SyncStatus != types.SyncFailed || got.SyncAttempts != 1 {
		t.Errorf("after failure: status=%q attempts=%d", got.SyncStatus, got.SyncAttempts)
	}

	if err := f.proc.MarkEventSynced(ctx, e.ID, "cloud-evt-9"); err != nil {
		t.Fatalf("MarkEventSynced: %v", err)
	}
	got, _ = f.store.GetEvent(ctx, e.ID)
	if got.SyncStatus != types.SyncSynced || got.CloudEventID != "cloud-evt-9" || got.SyncedAt == nil {
		t.Errorf("after sync: %+v", got)
	}

	if len(syncedIDs) != 1 || syncedIDs[0] != "cloud-evt-9" {
		t.Errorf("synced events = %v", syncedIDs)
	}
	if len(failedIDs) != 1 || failedIDs[0] != "connect refused" {
		t.Errorf("failed events = %v", failedIDs)
	}

	if err := f.proc.UpdateSyncStatus(ctx, e.ID, types.SyncPending); err == nil {
		t.Error("expected error for unsupported transition")
	}
}
