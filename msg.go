package chsk

import "net/http"

// ReplyFn is the single-shot reply capability handed to the application
// alongside an EventMsg that carried a callback id. Calling it after the
// first call is a no-op.
type ReplyFn func(value interface{})

// EventMsg is the message the server hands to the application's receive
// channel. ReplyFn is nil when the client did not
// request a reply.
type EventMsg struct {
	Req *http.Request
	ClientID string
	UID string
	Event Event
	ReplyFn ReplyFn
}

// WantsReply reports whether the sender expects a reply.
func (m EventMsg) WantsReply() bool { return m.ReplyFn != nil }
