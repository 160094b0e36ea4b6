// Package server implements the server side of chsk: the connection
// registry, the buffered fanout engine, and the HTTP entry points that bind
// incoming requests into both.
package server

import "net/http"

// ServerChannel is one underlying HTTP or WebSocket connection as exposed by
// the adapter. The registry never inspects a
// ServerChannel beyond these two operations; it is the adapter's job to
// implement send/close correctly for its transport.
type ServerChannel interface {
	// Send writes packed on the channel. isWebSocket selects frame-vs-body
	// semantics: for WebSocket it writes a frame, for a parked Ajax
	// long-poll it writes the HTTP response body and implicitly closes the
	// channel. Send never panics or returns an error; it returns false if
	// the channel is already closed.
	Send(packed string, isWebSocket bool) bool
	// Close is idempotent.
	Close()
}

// Callbacks are the lifecycle hooks an Adapter drives against one accepted
// request.
type Callbacks struct {
	OnOpen func(sch ServerChannel, isWebSocket bool)
	OnMessage func(sch ServerChannel, isWebSocket bool, packed string)
	OnClose func(sch ServerChannel, isWebSocket bool, status int)
	OnError func(sch ServerChannel, isWebSocket bool, err error)
}

// Adapter is the capability chsk needs from the underlying HTTP/WebSocket
// server library: accept an HTTP request and produce a
// ServerChannel, driving Callbacks as the connection lives out its lifecycle.
// chsk does not ship a required implementation of this interface — see
// chsk/server/wsadapter for an optional, concrete gorilla/websocket-backed
// one.
type Adapter interface {
	Handle(w http.ResponseWriter, r *http.Request, cb Callbacks)
}
