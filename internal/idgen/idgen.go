// Package idgen generates identifiers for edge-local entities.
//
// Events, batches and the edge identity all use random 128-bit UUIDs.
// Device global IDs are deterministic: <site>-<local>, assigned once at
// first registration and immutable afterwards.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

// NewBatchID returns a fresh offline-batch identifier.
func NewBatchID() string {
	return "ob-" + uuid.NewString()
}

// NewSocketID returns a short opaque identifier for an accepted TCP socket.
func NewSocketID() string {
	return "sock-" + uuid.NewString()[:8]
}

// GlobalDeviceID derives the globally-unique device ID from the site and the
// local scale ID, e.g. ("ist-04", "SCALE-01") -> "ist-04-SCALE-01".
func GlobalDeviceID(siteID, localID string) string {
	return fmt.Sprintf("%s-%s", strings.TrimSuffix(siteID, "-"), localID)
}

// ValidEdgeID reports whether s is a well-formed RFC 4122 UUID. The cloud
// rejects X-Edge-Id headers that are not.
func ValidEdgeID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
