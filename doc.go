// Package chsk implements the wire-level contract of a channel socket: a
// bidirectional event protocol that runs over either a persistent WebSocket
// or an HTTP long-polling fallback.
//
// This package holds the transport-independent core: the event shape
// ([event-id, optional-data]), the packed envelope a Packer serializes, and
// the reserved chsk/* and sente/* control identifiers. The server-side
// connection registry and fanout engine live in chsk/server, the client
// state machines live in chsk/client, and the application dispatch loop
// lives in chsk/router.
package chsk
