package server

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AllowAllOrigins is the sentinel value for Config.AllowedOrigins meaning
// "accept any Origin".
const AllowAllOrigins = "*"

// Config holds the server-side tunables.
type Config struct {
	// RecvBufOrN sizes the sliding receive buffer (default 1000).
	RecvBufOrN int
	// WSKaliveMS is the WebSocket keep-alive ping interval (default 25000).
	WSKaliveMS int
	// LPTimeoutMS is the Ajax long-poll timeout (default 20000; must be
	// less than the client's default of 60000).
	LPTimeoutMS int
	// SendBufMSWS is the WebSocket send-buffer coalescing window (default 30).
	SendBufMSWS int
	// SendBufMSAjax is the Ajax send-buffer coalescing window (default 100).
	SendBufMSAjax int
	// MSAllowReconnectBeforeCloseWS is the WebSocket grace-close window
	// (default 2500).
	MSAllowReconnectBeforeCloseWS int
	// MSAllowReconnectBeforeCloseAjax is the Ajax grace-close window
	// (default 5000).
	MSAllowReconnectBeforeCloseAjax int

	// AllowedOrigins is either {AllowAllOrigins} or an explicit allow-set.
	AllowedOrigins []string

	// UserIDFn extracts the application uid from an inbound request.
	UserIDFn func(r *http.Request) string
	// CSRFTokenFn computes the reference CSRF token for a request. A nil
	// CSRFTokenFn disables the CSRF check.
	CSRFTokenFn func(r *http.Request) string
	// AuthorizedFn reports whether r is authorized. A nil AuthorizedFn
	// authorizes everything.
	AuthorizedFn func(r *http.Request) bool
	// UnauthorizedFn writes a rejection response when AuthorizedFn fails.
	// A nil UnauthorizedFn writes a bare 401.
	UnauthorizedFn func(w http.ResponseWriter, r *http.Request)
	// HandshakeDataFn produces the per-connection handshake payload.
	HandshakeDataFn func(r *http.Request, uid string) interface{}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufOrN: 1000,
		WSKaliveMS: 25000,
		LPTimeoutMS: 20000,
		SendBufMSWS: 30,
		SendBufMSAjax: 100,
		MSAllowReconnectBeforeCloseWS: 2500,
		MSAllowReconnectBeforeCloseAjax: 5000,
		AllowedOrigins: []string{AllowAllOrigins},
	}
}

// fileConfig is the subset of Config that can be expressed in a config file
// or environment variables; the function-valued fields are always supplied
// programmatically.
type fileConfig struct {
	RecvBufOrN int `koanf:"recv_buf_or_n"`
	WSKaliveMS int `koanf:"ws_kalive_ms"`
	LPTimeoutMS int `koanf:"lp_timeout_ms"`
	SendBufMSWS int `koanf:"send_buf_ms_ws"`
	SendBufMSAjax int `koanf:"send_buf_ms_ajax"`
	MSAllowReconnectBeforeCloseWS int `koanf:"ms_allow_reconnect_before_close_ws"`
	MSAllowReconnectBeforeCloseAjax int `koanf:"ms_allow_reconnect_before_close_ajax"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LoadConfig layers built-in defaults, an optional YAML file at path
// (skipped if it does not exist), and CHSK_-prefixed environment variables,
// in that precedence order. Function-valued fields (UserIDFn, CSRFTokenFn,
// ...) are left at their DefaultConfig zero values; callers set those in
// code.
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	defaults := fileConfig{
		RecvBufOrN: def.RecvBufOrN,
		WSKaliveMS: def.WSKaliveMS,
		LPTimeoutMS: def.LPTimeoutMS,
		SendBufMSWS: def.SendBufMSWS,
		SendBufMSAjax: def.SendBufMSAjax,
		MSAllowReconnectBeforeCloseWS: def.MSAllowReconnectBeforeCloseWS,
		MSAllowReconnectBeforeCloseAjax: def.MSAllowReconnectBeforeCloseAjax,
		AllowedOrigins: def.AllowedOrigins,
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("chsk: load default config: %w", err)
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("chsk: load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("CHSK_", ".", envKeyTransform), nil); err != nil {
		return Config{}, fmt.Errorf("chsk: load env config: %w", err)
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return Config{}, fmt.Errorf("chsk: unmarshal config: %w", err)
	}

	cfg := def
	cfg.RecvBufOrN = fc.RecvBufOrN
	cfg.WSKaliveMS = fc.WSKaliveMS
	cfg.LPTimeoutMS = fc.LPTimeoutMS
	cfg.SendBufMSWS = fc.SendBufMSWS
	cfg.SendBufMSAjax = fc.SendBufMSAjax
	cfg.MSAllowReconnectBeforeCloseWS = fc.MSAllowReconnectBeforeCloseWS
	cfg.MSAllowReconnectBeforeCloseAjax = fc.MSAllowReconnectBeforeCloseAjax
	cfg.AllowedOrigins = fc.AllowedOrigins
	return cfg, nil
}

func envKeyTransform(s string) string {
	// CHSK_WS_KALIVE_MS -> ws_kalive_ms
	s = strings.TrimPrefix(s, "CHSK_")
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}
