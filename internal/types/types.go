// Package types defines the core data structures of the scale edge service.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// DeviceStatus tracks a scale's health as driven by heartbeat and event recency.
type DeviceStatus string

const (
	DeviceOnline       DeviceStatus = "online"
	DeviceIdle         DeviceStatus = "idle"
	DeviceStale        DeviceStatus = "stale"
	DeviceDisconnected DeviceStatus = "disconnected"
)

// IsValid returns true for a known device status.
func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceOnline, DeviceIdle, DeviceStale, DeviceDisconnected:
		return true
	}
	return false
}

// DeviceType classifies what the scale weighs.
type DeviceType string

const (
	DeviceDisassembly DeviceType = "disassembly"
	DeviceRetail      DeviceType = "retail"
	DeviceReceiving   DeviceType = "receiving"
)

// WeightDecodeMode selects how raw scale weight fields are converted to grams.
// "auto" applies the deci-kilogram heuristic (<1000 means 100x grams); "grams"
// takes the raw value verbatim.
type WeightDecodeMode string

const (
	WeightDecodeAuto  WeightDecodeMode = "auto"
	WeightDecodeGrams WeightDecodeMode = "grams"
)

// localIDPattern matches the wire-format scale identifier, e.g. SCALE-01.
var localIDPattern = regexp.MustCompile(`^SCALE-\d{2}$`)

// ValidLocalDeviceID reports whether id is a well-formed scale identifier.
func ValidLocalDeviceID(id string) bool {
	return localIDPattern.MatchString(id)
}

// Device represents one weighing scale known to this edge.
//
// SocketID is runtime state owned by the TCP front-end; it is never persisted.
type Device struct {
	ID               string           `json:"id"`        // local ID, SCALE-NN
	GlobalID         string           `json:"global_id"` // <site>-<local>, set once at first registration
	Name             string           `json:"name,omitempty"`
	Location         string           `json:"location,omitempty"`
	Type             DeviceType       `json:"type,omitempty"`
	Status           DeviceStatus     `json:"status"`
	WeightDecode     WeightDecodeMode `json:"weight_decode,omitempty"`
	LastHeartbeatAt  *time.Time       `json:"last_heartbeat_at,omitempty"`
	LastEventAt      *time.Time       `json:"last_event_at,omitempty"`
	HeartbeatCount   int64            `json:"heartbeat_count"`
	EventCount       int64            `json:"event_count"`
	ConnectedAt      *time.Time       `json:"connected_at,omitempty"`
	SourceIP         string           `json:"source_ip,omitempty"`
	SocketID         string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate checks device invariants before persistence.
func (d *Device) Validate() error {
	if !ValidLocalDeviceID(d.ID) {
		return fmt.Errorf("invalid device ID %q: want SCALE-NN", d.ID)
	}
	if !d.Status.IsValid() {
		return fmt.Errorf("invalid device status %q", d.Status)
	}
	if d.HeartbeatCount < 0 || d.EventCount < 0 {
		return fmt.Errorf("negative counter on device %s", d.ID)
	}
	return nil
}

// Connected reports whether the device currently holds a live socket.
func (d *Device) Connected() bool {
	return d.SocketID != "" && d.Status != DeviceDisconnected
}

// SessionStatus is the cloud-owned lifecycle state of a mirrored session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
)

// SessionMirror is a read-only local copy of a cloud weighing session,
// cached for event tagging. The cloud owns the lifecycle; the edge only
// mirrors, refreshes, and expires.
type SessionMirror struct {
	CloudSessionID string        `json:"cloud_session_id"`
	DeviceID       string        `json:"device_id"`
	AnimalID       string        `json:"animal_id,omitempty"`
	AnimalTag      string        `json:"animal_tag,omitempty"`
	AnimalSpecies  string        `json:"animal_species,omitempty"`
	OperatorID     string        `json:"operator_id,omitempty"`
	Status         SessionStatus `json:"status"`
	CachedAt       time.Time     `json:"cached_at"`
	LastUpdatedAt  time.Time     `json:"last_updated_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// Expired reports whether the mirror has outlived its refresh TTL.
func (s *SessionMirror) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// BatchStatus is the reconciliation state of an offline batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchReconciled BatchStatus = "reconciled"
	BatchFailed     BatchStatus = "failed"
)

// OfflineBatch groups events captured while the cloud was unreachable so an
// operator can later reconcile them to a session.
type OfflineBatch struct {
	ID               string      `json:"id"`
	DeviceID         string      `json:"device_id"`
	StartedAt        time.Time   `json:"started_at"`
	EndedAt          *time.Time  `json:"ended_at,omitempty"` // nil while the batch is open
	EventCount       int64       `json:"event_count"`
	TotalWeightGrams int64       `json:"total_weight_grams"`
	Status           BatchStatus `json:"status"`
	CloudSessionID   string      `json:"cloud_session_id,omitempty"`
	ReconciledAt     *time.Time  `json:"reconciled_at,omitempty"`
	ReconcileNote    string      `json:"reconcile_note,omitempty"`
}

// Open reports whether the batch still accepts events.
func (b *OfflineBatch) Open() bool {
	return b.EndedAt == nil
}

// SyncStatus is the cloud-delivery state of a weighing event.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncStreaming SyncStatus = "streaming"
	SyncSynced    SyncStatus = "synced"
	SyncFailed    SyncStatus = "failed"
)

// Terminal reports whether the status can never regress. Once synced, an
// event stays synced.
func (s SyncStatus) Terminal() bool {
	return s == SyncSynced
}

// WeighingEvent is one captured measurement from a scale.
type WeighingEvent struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	CloudSessionID string     `json:"cloud_session_id,omitempty"`
	OfflineMode    bool       `json:"offline_mode"`
	OfflineBatchID string     `json:"offline_batch_id,omitempty"`
	PLUCode        string     `json:"plu_code"`
	ProductName    string     `json:"product_name,omitempty"`
	WeightGrams    int64      `json:"weight_grams"`
	TareGrams      int64      `json:"tare_grams"`
	Barcode        string     `json:"barcode,omitempty"`
	ScaleTimestamp time.Time  `json:"scale_timestamp"`
	ReceivedAt     time.Time  `json:"received_at"`
	SourceIP       string     `json:"source_ip,omitempty"`
	RawLine        string     `json:"raw_line,omitempty"`
	SyncStatus     SyncStatus `json:"sync_status"`
	CloudEventID   string     `json:"cloud_event_id,omitempty"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	SyncAttempts   int        `json:"sync_attempts"`
	LastError      string     `json:"last_error,omitempty"`
}

// pluPattern: 5-13 digits, taken from the barcode field of the CSV record.
// EAN-13 barcodes carry 12 payload digits plus a check digit, so 13 shows up
// on the wire.
var pluPattern = regexp.MustCompile(`^\d{5,13}$`)

// ValidPLU reports whether code is an acceptable PLU.
func ValidPLU(code string) bool {
	return pluPattern.MatchString(code)
}

// Validate checks event invariants before persistence.
func (e *WeighingEvent) Validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("event missing device ID")
	}
	if !ValidPLU(e.PLUCode) {
		return fmt.Errorf("invalid PLU code %q", e.PLUCode)
	}
	if e.WeightGrams < 0 || e.TareGrams < 0 {
		return fmt.Errorf("negative weight on event for %s", e.DeviceID)
	}
	if e.OfflineMode {
		if e.OfflineBatchID == "" {
			return fmt.Errorf("offline event for %s has no batch", e.DeviceID)
		}
		if e.CloudSessionID != "" {
			return fmt.Errorf("offline event for %s carries a session", e.DeviceID)
		}
	} else if e.OfflineBatchID != "" {
		return fmt.Errorf("online event for %s carries a batch", e.DeviceID)
	}
	if (e.SyncStatus == SyncSynced) != (e.SyncedAt != nil) {
		return fmt.Errorf("event %s: synced_at must be set exactly when synced", e.ID)
	}
	return nil
}

// Signature is the dedup identity of an event. The scale timestamp is
// intentionally excluded: scales emit the same measurement twice (weigh and
// print) with slightly different clocks.
func (e *WeighingEvent) Signature() string {
	return fmt.Sprintf("%s|%s|%d", e.DeviceID, e.PLUCode, e.WeightGrams)
}
