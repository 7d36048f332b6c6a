package eventbus

import (
	"time"

	"github.com/sahinler/edgescale/internal/types"
)

// EventType identifies a notification flowing through the bus.
type EventType string

const (
	// Weighing-event lifecycle.
	EventCaptured EventType = "event:captured"
	EventSynced   EventType = "event:synced"
	EventFailed   EventType = "event:failed"

	// Offline-batch lifecycle.
	BatchStarted EventType = "batch:started"
	BatchEnded   EventType = "batch:ended"
	BatchSynced  EventType = "batch:synced"

	// Device state transitions.
	DeviceRegistered   EventType = "device:registered"
	DeviceConnected    EventType = "device:connected"
	DeviceOnline       EventType = "device:online"
	DeviceIdle         EventType = "device:idle"
	DeviceStale        EventType = "device:stale"
	DeviceDisconnected EventType = "device:disconnected"
	DeviceUpdated      EventType = "device:updated"

	// Cloud reachability transitions.
	CloudConnected    EventType = "cloud:connected"
	CloudDisconnected EventType = "cloud:disconnected"

	// Session mirror changes (push or poll).
	SessionStarted EventType = "session:started"
	SessionUpdated EventType = "session:updated"
	SessionEnded   EventType = "session:ended"
)

// Event is one notification. Exactly the payload fields relevant to the type
// are populated; the rest stay nil.
type Event struct {
	Type       EventType
	At         time.Time
	DeviceID   string
	Reason     string
	Weighing   *types.WeighingEvent
	Batch      *types.OfflineBatch
	Session    *types.SessionMirror
	Device     *types.Device
	CloudID    string // cloud-assigned ID on event:synced
	Err        string // last error on event:failed
}
