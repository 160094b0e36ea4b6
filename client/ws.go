package client

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/internal/logging"
)

// WS is the client WebSocket state machine.
type WS struct {
	cfg Config
	packer chsk.Packer
	state *stateBox

	events chan chsk.Event

	mu sync.Mutex
	conn *websocket.Conn
	connID string
	socketID string
	boff BackOff
	retry int
	udtNextReconnect int64

	cbsWaiting sync.Map // cb-uuid string -> func(interface{})
	unloading atomic.Bool
}

// NewWS builds a WS socket that has not yet connected; call Connect to
// start it.
func NewWS(cfg Config) *WS {
	return newWSSharingState(cfg, newStateBox())
}

// newWSSharingState builds a WS publishing into an existing stateBox,
// letting Auto's downgrade watcher observe the same state a caller already
// holds a State()/Events() view of.
func newWSSharingState(cfg Config, state *stateBox) *WS {
	cfg = withDefaults(cfg)
	return &WS{
		cfg: cfg,
		packer: cfg.packer(),
		state: state,
		events: make(chan chsk.Event, 256),
		boff: defaultBackOff(cfg),
	}
}

func defaultBackOff(cfg Config) BackOff {
	if cfg.Backoff != nil {
		return cfg.Backoff()
	}
	return newBackOff()
}

// Events returns the combined ingress channel: chsk.EvState transitions,
// the chsk.EvHandshake announcement, and ordinary buffered application
// events, in the order the server flushed them.
func (w *WS) Events() <-chan chsk.Event { return w.events }

// State returns the current published state.
func (w *WS) State() State { return w.state.get() }

func (w *WS) deliver(ev chsk.Event) {
	select {
	case w.events <- ev:
	default:
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

func (w *WS) publishState(mutate func(*State)) {
	change := w.state.update(mutate)
	w.deliver(chsk.NewWithData(chsk.EvState, change))
}

// Connect mints a fresh conn-id, dials the underlying WebSocket, and
// registers handlers keyed by a per-socket id so late callbacks from a
// superseded socket are ignored.
func (w *WS) Connect() {
	w.mu.Lock()
	connID := chsk.NewConnID()
	w.connID = connID
	w.mu.Unlock()

	w.publishState(func(s *State) { s.Connecting = true; s.Type = "ws" })
	w.dial(connID)
}

func (w *WS) buildURL() (string, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	for k, vs := range w.cfg.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("client-id", w.cfg.ClientID)
	if w.cfg.CSRFToken != "" {
		q.Set("csrf-token", w.cfg.CSRFToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WS) dial(connID string) {
	target, err := w.buildURL()
	if err != nil {
		w.onDialFailure(connID, err)
		return
	}

	header := map[string][]string{}
	if w.cfg.CSRFToken != "" {
		header["X-CSRF-Token"] = []string{w.cfg.CSRFToken}
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		w.onDialFailure(connID, err)
		return
	}

	socketID := chsk.NewSocketID()
	w.mu.Lock()
	if w.connID != connID {
		// Superseded by a Disconnect/Reconnect while dialing.
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.socketID = socketID
	w.mu.Unlock()

	go w.readLoop(conn, connID, socketID)
	w.scheduleKeepAlive(connID, socketID)
}

func (w *WS) onDialFailure(connID string, err error) {
	w.publishState(func(s *State) { s.Connecting = false; s.LastWSError = err })
	w.scheduleReconnect(connID, "ws-error")
}

// readLoop reads frames off conn until it errors, dispatching each by
// shape.
func (w *WS) readLoop(conn *websocket.Conn, connID, socketID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.onSocketClosed(connID, socketID, err)
			return
		}
		if !w.isCurrent(socketID) {
			return
		}
		w.handleFrame(string(data), socketID)
	}
}

func (w *WS) isCurrent(socketID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.socketID == socketID
}

func (w *WS) handleFrame(raw string, socketID string) {
	value, cb, hasCB, _ := chsk.UnpackEnvelope(w.packer, raw)
	event := chsk.EventFromValue(value)

	switch {
	case event.ID == chsk.EvHandshake:
		w.receiveHandshake(event)
	case event.ID == chsk.EvWSPing:
		w.deliver(chsk.New(chsk.EvWSPing))
	case hasCB:
		if fn, ok := w.cbsWaiting.LoadAndDelete(string(cb)); ok {
			fn.(func(interface{}))(value)
		} else {
			logging.Warn().Str("cb", string(cb)).Msg("chsk: reply for unknown or already-resolved callback")
		}
	default:
		for _, ev := range asEventBatch(value) {
			if chsk.Reserved(ev.ID) {
				continue
			}
			w.deliver(ev)
		}
	}
}

// asEventBatch renders a flush payload (an ordered list of [id,?data]
// tuples) as Events; a single non-list value is treated as one event.
func asEventBatch(value interface{}) []chsk.Event {
	arr, ok := value.([]interface{})
	if !ok {
		return []chsk.Event{chsk.EventFromValue(value)}
	}
	out := make([]chsk.Event, 0, len(arr))
	for _, v := range arr {
		out = append(out, chsk.EventFromValue(v))
	}
	return out
}

func (w *WS) receiveHandshake(event chsk.Event) {
	pair, _ := event.Data.([]interface{})
	var uid string
	var hsData interface{}
	if len(pair) >= 1 {
		uid, _ = pair[0].(string)
	}
	if len(pair) >= 3 {
		hsData = pair[2]
	}

	firstHandshake := !w.state.get().EverOpened
	w.mu.Lock()
	w.retry = 0
	w.udtNextReconnect = 0
	w.boff.Reset()
	w.mu.Unlock()

	w.publishState(func(s *State) {
		s.UID = uid
		s.HandshakeData = hsData
		s.Open = true
		s.EverOpened = true
		s.Connecting = false
	})
	w.deliver(chsk.NewWithData(chsk.EvHandshake, struct {
		UID string
		HandshakeData interface{}
		FirstHandshake bool
	}{uid, hsData, firstHandshake}))
}

func (w *WS) onSocketClosed(connID, socketID string, err error) {
	if !w.isCurrent(socketID) {
		return
	}
	reason := "unexpected"
	if w.unloading.Load() {
		reason = "clean"
	}
	w.publishState(func(s *State) { s.Open = false; s.LastCloseReason = reason; s.LastWSError = err })

	w.mu.Lock()
	stillCurrent := w.connID == connID
	w.mu.Unlock()
	if !stillCurrent {
		// disconnect()/Reconnect() already superseded this attempt.
		return
	}
	w.scheduleReconnect(connID, reason)
}

// scheduleReconnect waits for the next backoff interval, then redials if
// connID is still the current connection attempt.
func (w *WS) scheduleReconnect(connID, reason string) {
	if w.unloading.Load() {
		return
	}
	delay := w.boff.NextBackOff()
	w.mu.Lock()
	w.retry++
	w.udtNextReconnect = time.Now().Add(delay).UnixMilli()
	w.mu.Unlock()

	time.AfterFunc(delay, func() {
		w.mu.Lock()
		current := w.connID == connID
		w.mu.Unlock()
		if !current {
			return
		}
		_ = reason
		w.dial(connID)
	})
}

// Send writes event to the current WebSocket and, if cb is non-nil,
// resolves it with the server's reply or with a timeout/error value.
func (w *WS) Send(event chsk.Event, timeoutMS int, cb func(interface{})) bool {
	if err := chsk.ValidateUserSend(event); err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}
	return w.send(event, timeoutMS, cb)
}

// send is Send without the reserved-namespace guard, used for the socket's
// own control events (the keep-alive chsk/ws-ping).
func (w *WS) send(event chsk.Event, timeoutMS int, cb func(interface{})) bool {
	if !w.State().Open {
		if cb != nil {
			cb(chsk.CBValClosed)
		}
		return false
	}

	var cbUUID chsk.CBUUID
	if cb != nil {
		cbUUID = chsk.NewCBUUID()
		w.cbsWaiting.Store(string(cbUUID), cb)
		to := timeoutMS
		if to <= 0 {
			to = w.cfg.TimeoutMS
		}
		time.AfterFunc(time.Duration(to)*time.Millisecond, func() {
			if fn, ok := w.cbsWaiting.LoadAndDelete(string(cbUUID)); ok {
				fn.(func(interface{}))(chsk.CBValTimeout)
			}
		})
	}

	packed, err := chsk.PackEnvelope(w.packer, event.AsValue(), cbUUID, cb != nil)
	if err != nil {
		if cb != nil {
			if fn, ok := w.cbsWaiting.LoadAndDelete(string(cbUUID)); ok {
				fn.(func(interface{}))(chsk.CBValError)
			}
		}
		return false
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		if cb != nil {
			if fn, ok := w.cbsWaiting.LoadAndDelete(string(cbUUID)); ok {
				fn.(func(interface{}))(chsk.CBValClosed)
			}
		}
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(packed)); err != nil {
		if cb != nil {
			if fn, ok := w.cbsWaiting.LoadAndDelete(string(cbUUID)); ok {
				fn.(func(interface{}))(chsk.CBValError)
			}
		}
		w.scheduleReconnect(w.currentConnID(), "ws-error")
		return false
	}
	return true
}

func (w *WS) currentConnID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connID
}

// scheduleKeepAlive periodically pings the server and treats a missed pong
// as a dead connection.
func (w *WS) scheduleKeepAlive(connID, socketID string) {
	interval := time.Duration(w.cfg.WSKaliveMS) * time.Millisecond
	var loop func()
	loop = func() {
		if !w.isCurrent(socketID) {
			return
		}
		w.send(chsk.New(chsk.EvWSPing), w.cfg.WSKalivePingTimeoutMS, func(reply interface{}) {
			if !w.isCurrent(socketID) {
				return
			}
			if s, ok := reply.(string); ok && s == "pong" {
				time.AfterFunc(interval, loop)
				return
			}
			w.onSocketClosed(connID, socketID, fmt.Errorf("chsk: keep-alive ping timeout"))
		})
	}
	time.AfterFunc(interval, loop)
}

// Disconnect implements a user-initiated close: nulls conn-id so any
// in-flight reconnect or keep-alive sees the mismatch and exits.
func (w *WS) Disconnect() {
	w.mu.Lock()
	w.connID = ""
	w.socketID = ""
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	w.publishState(func(s *State) { s.Open = false; s.Connecting = false; s.LastCloseReason = "requested-disconnect" })
}

// Reconnect implements requested-reconnect close reason: tear
// down the current socket (if any) and connect fresh.
func (w *WS) Reconnect() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	w.publishState(func(s *State) { s.LastCloseReason = "requested-reconnect" })
	w.Connect()
}

// SetUnloading marks the process as shutting down; no further reconnect
// attempts are scheduled once set.
func (w *WS) SetUnloading() { w.unloading.Store(true) }
