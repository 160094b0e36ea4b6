// Package client implements the three client-side state machines: a
// WebSocket socket, an Ajax long-poll socket, and an Auto wrapper that
// starts on WebSocket and permanently downgrades to Ajax on a
// first-connection failure.
package client
