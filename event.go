package chsk

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved control event ids.
const (
	EvHandshake = "chsk/handshake"
	EvWSPing = "chsk/ws-ping"
	EvState = "chsk/state"
	EvRecv = "chsk/recv"
	EvClose = "chsk/close"
	EvTimeout = "chsk/timeout"
	EvBadPackage = "chsk/bad-package"
	EvBadEvent = "chsk/bad-event"
	EvUidPortOpen = "chsk/uidport-open"
	EvUidPortClose = "chsk/uidport-close"
)

// Callback-only reply sentinels. These never appear as an event id; they are
// only ever the value passed to a reply callback.
const (
	CBValClosed = "chsk/closed"
	CBValTimeout = "chsk/timeout"
	CBValError = "chsk/error"
	CBValDummy200 = "chsk/dummy-cb-200"
)

// NilUID is the sentinel uid meaning "authenticated but unidentified".
const NilUID = "chsk/nil-uid"

// AllUsersWithoutUID is the pseudo-uid that Send rewrites to NilUID.
const AllUsersWithoutUID = "chsk/all-users-without-uid"

// Event is the ordered pair [event-id, optional-data].
type Event struct {
	ID string
	Data interface{}
	HasData bool
}

// New builds a data-less event.
func New(id string) Event { return Event{ID: id} }

// NewWithData builds an event carrying data.
func NewWithData(id string, data interface{}) Event {
	return Event{ID: id, Data: data, HasData: true}
}

// ValidEventID reports whether id has a non-empty namespace segment, i.e. it
// contains a '/' that is neither the first nor the last character.
func ValidEventID(id string) bool {
	i := strings.IndexByte(id, '/')
	return i > 0 && i < len(id)-1
}

// Valid reports whether e's id is a well-formed namespaced identifier.
func (e Event) Valid() bool { return ValidEventID(e.ID) }

// Reserved reports whether id belongs to a namespace user code must not
// fabricate: chsk/* (transport control) or sente/* (internal sentinels).
func Reserved(id string) bool {
	return strings.HasPrefix(id, "chsk/") || strings.HasPrefix(id, "sente/")
}

// AsValue renders the event as the [id] or [id, data] tuple the packed
// envelope expects as its "value" slot.
func (e Event) AsValue() []interface{} {
	if e.HasData {
		return []interface{}{e.ID, e.Data}
	}
	return []interface{}{e.ID}
}

// EventFromValue reconstructs an Event from an unpacked envelope value.
// Anything failing the ordered-pair shape is replaced with chsk/bad-event
// carrying the original value.
func EventFromValue(v interface{}) Event {
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 1 || len(arr) > 2 {
		return NewWithData(EvBadEvent, v)
	}
	id, ok := arr[0].(string)
	if !ok || !ValidEventID(id) {
		return NewWithData(EvBadEvent, v)
	}
	if len(arr) == 2 {
		return NewWithData(id, arr[1])
	}
	return New(id)
}

// ErrInvalidEvent is returned by send-path validation.
var ErrInvalidEvent = errors.New("chsk: invalid event")

// ErrReservedEvent is returned when user code attempts to send under a
// reserved namespace.
var ErrReservedEvent = errors.New("chsk: reserved event namespace")

// ValidateSend checks e's shape for the send path. Callers that additionally
// want to forbid user code from fabricating chsk/*|sente/* events should
// also call Reserved(e.ID).
func ValidateSend(e Event) error {
	if !ValidEventID(e.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, e.ID)
	}
	return nil
}

// ValidateUserSend is ValidateSend plus the reserved-namespace guard, for
// entry points that accept events from application code rather than from
// this package's own control-plane logic.
func ValidateUserSend(e Event) error {
	if err := ValidateSend(e); err != nil {
		return err
	}
	if Reserved(e.ID) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, e.ID)
	}
	return nil
}
