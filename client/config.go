package client

import (
	"net/url"
	"time"

	"github.com/chskio/chsk"
)

// Config holds the client-side tunables "Configuration
// (client)" plus the connection parameters needed to build the handshake
// URL.
type Config struct {
	// URL is the base ws(s):// or http(s):// URL the server's Mux is
	// mounted at, without query parameters.
	URL string
	// ClientID uniquely identifies this browser tab / poller across
	// reconnects. Required on every request; defaults to a freshly minted
	// socket id if left empty, but the same value is then held stable for
	// the socket's lifetime rather than re-minted per attempt.
	ClientID string
	// Params carries additional query parameters (e.g. application-level
	// auth hints) merged into every request alongside client-id/csrf-token.
	Params url.Values
	// CSRFToken is sent as both the x-csrf-token header and the
	// csrf-token query/form parameter.
	CSRFToken string
	// Packer defaults to chsk.JSONPacker{} when nil.
	Packer chsk.Packer

	// TimeoutMS is the default per-Send callback timeout.
	TimeoutMS int
	// WSKaliveMS is the WebSocket idle interval before a keep-alive ping
	// (default 20000, client fires slightly ahead of the server's 25000).
	WSKaliveMS int
	// WSKalivePingTimeoutMS bounds how long a keep-alive ping may go
	// unanswered before the socket reconnects (default 5000).
	WSKalivePingTimeoutMS int
	// LPTimeoutMS is the Ajax long-poll HTTP timeout hint (default 60000;
	// must exceed the server's lp-timeout-ms).
	LPTimeoutMS int

	// Backoff computes reconnect delays. Defaults to an exponential
	// backoff with jitter (see newBackOff) when nil.
	Backoff func() BackOff
}

// BackOff is the minimal surface Config.Backoff needs to implement;
// *backoff.ExponentialBackOff (github.com/cenkalti/backoff/v4) satisfies it.
type BackOff interface {
	NextBackOff() time.Duration
	Reset()
}

func (c Config) packer() chsk.Packer {
	if c.Packer != nil {
		return c.Packer
	}
	return chsk.JSONPacker{}
}

func (c Config) timeoutOr(ms int, def int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(def) * time.Millisecond
}

func withDefaults(cfg Config) Config {
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = 10000
	}
	if cfg.WSKaliveMS == 0 {
		cfg.WSKaliveMS = 20000
	}
	if cfg.WSKalivePingTimeoutMS == 0 {
		cfg.WSKalivePingTimeoutMS = 5000
	}
	if cfg.LPTimeoutMS == 0 {
		cfg.LPTimeoutMS = 60000
	}
	if cfg.Params == nil {
		cfg.Params = url.Values{}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = chsk.NewSocketID()
	}
	return cfg
}
