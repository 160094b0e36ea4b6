package chsk

import (
	"strings"

	"github.com/gofrs/uuid"
)

// NewCBUUID mints a fresh, short opaque callback id.
func NewCBUUID() CBUUID {
	return CBUUID(shortToken())
}

// NewEvUUID mints a fresh per-event dedup token for the send-buffer
// coalescing mechanism.
func NewEvUUID() string {
	return fullToken()
}

// NewConnID mints a fresh identity token a client uses to detect stale
// callbacks from a superseded connection attempt.
func NewConnID() string {
	return fullToken()
}

// NewSocketID mints a fresh per-socket identifier so late callbacks from a
// superseded underlying WebSocket are ignored.
func NewSocketID() string {
	return fullToken()
}

func shortToken() string {
	return fullToken()[:6]
}

func fullToken() string {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails when the entropy source is broken; degrade
		// to the nil UUID's string form rather than panicking mid-request.
		return strings.ReplaceAll(uuid.Nil.String(), "-", "")
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
