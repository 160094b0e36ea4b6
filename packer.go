package chsk

import (
	"fmt"
	"sync/atomic"

	gojson "github.com/goccy/go-json"

	"github.com/chskio/chsk/internal/logging"
)

// CBUUID is a short opaque callback id correlating a request with its reply.
// CBAjax is the reserved sentinel meaning "Ajax callback" — no separate
// uuid is needed because Ajax correlates by request.
type CBUUID string

// CBAjax is the sentinel cb-uuid used for Ajax POST replies.
const CBAjax CBUUID = "0"

// IsAjax reports whether c is the Ajax-callback sentinel.
func (c CBUUID) IsAjax() bool { return c == CBAjax }

// Empty reports whether c carries no callback id at all.
func (c CBUUID) Empty() bool { return c == "" }

// Packer serializes arbitrary payloads to and from wire strings. It sees
// only the envelope value handed to it by PackEnvelope/UnpackEnvelope
// below — it has no knowledge of event or callback semantics.
type Packer interface {
	Pack(v interface{}) (string, error)
	Unpack(s string) (interface{}, error)
}

// JSONPacker is the default Packer, backed by goccy/go-json for
// allocation-light encode/decode.
type JSONPacker struct{}

// Pack implements Packer.
func (JSONPacker) Pack(v interface{}) (string, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("chsk: pack: %w", err)
	}
	return string(b), nil
}

// Unpack implements Packer.
func (JSONPacker) Unpack(s string) (interface{}, error) {
	var v interface{}
	if err := gojson.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("chsk: unpack: %w", err)
	}
	return v, nil
}

// LegacyWritePrefix is a process-wide flag: when set, PackEnvelope emits the
// legacy "+"-prefixed wire form instead of the current unprefixed wrapped
// form. Interop-only; new deployments should leave this false.
var LegacyWritePrefix atomic.Bool

// PackEnvelope wraps value (and, if hasCB, cb) in the size-1 or size-2
// envelope and hands it to p. This is the write half.
func PackEnvelope(p Packer, value interface{}, cb CBUUID, hasCB bool) (string, error) {
	var arr []interface{}
	if hasCB {
		arr = []interface{}{value, string(cb)}
	} else {
		arr = []interface{}{value}
	}
	s, err := p.Pack(arr)
	if err != nil {
		return "", err
	}
	if LegacyWritePrefix.Load() {
		return "+" + s, nil
	}
	return s, nil
}

// UnpackEnvelope is the read half. It accepts all three wire
// forms: legacy "+" (envelope-wrapped), legacy "-" (bare payload, no cb), and
// the current unprefixed form (envelope-wrapped). On failure it returns a
// chsk/bad-package event value with no cb-uuid, and logs.
func UnpackEnvelope(p Packer, raw string) (value interface{}, cb CBUUID, hasCB bool, err error) {
	if raw == "" {
		return badPackage(raw), "", false, nil
	}
	switch raw[0] {
	case '-':
		v, uerr := p.Unpack(raw[1:])
		if uerr != nil {
			logging.Warn().Err(uerr).Msg("chsk: failed to unpack bare payload")
			return badPackage(raw), "", false, nil
		}
		return v, "", false, nil
	case '+':
		return unpackWrapped(p, raw[1:], raw)
	default:
		return unpackWrapped(p, raw, raw)
	}
}

func unpackWrapped(p Packer, body, original string) (interface{}, CBUUID, bool, error) {
	v, err := p.Unpack(body)
	if err != nil {
		logging.Warn().Err(err).Msg("chsk: failed to unpack envelope")
		return badPackage(original), "", false, nil
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 1 || len(arr) > 2 {
		logging.Warn().Str("raw", original).Msg("chsk: malformed envelope shape")
		return badPackage(original), "", false, nil
	}
	if len(arr) == 1 {
		return arr[0], "", false, nil
	}
	cb, ok := cbFromAny(arr[1])
	if !ok {
		logging.Warn().Str("raw", original).Msg("chsk: malformed cb-uuid")
		return badPackage(original), "", false, nil
	}
	return arr[0], cb, true, nil
}

// cbFromAny accepts either a JSON string or the numeric 0 sentinel (which
// decodes as float64 through encoding/json-style decoders) for the Ajax-cb
// marker.
func cbFromAny(v interface{}) (CBUUID, bool) {
	switch t := v.(type) {
	case string:
		return CBUUID(t), true
	case float64:
		if t == 0 {
			return CBAjax, true
		}
	}
	return "", false
}

func badPackage(raw string) []interface{} {
	return []interface{}{EvBadPackage, raw}
}
