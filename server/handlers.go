package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/internal/logging"
)

// Chsk wires the registry, the buffered fanout engine and an Adapter into
// the two HTTP entry points. It is the top-level handle an application
// holds onto: Send to push events, Recv to consume them, Mux to get an
// http.Handler.
type Chsk struct {
	registry *Registry
	engine *Engine
	adapter Adapter
	cfg Config
	packer chsk.Packer
}

// New builds a Chsk bound to adapter and cfg. packer defaults to
// chsk.JSONPacker{} when nil. relay is optional; pass nil to run
// single-process.
func New(adapter Adapter, cfg Config, packer chsk.Packer, relay Relay) *Chsk {
	if packer == nil {
		packer = chsk.JSONPacker{}
	}
	registry := NewRegistry()
	return &Chsk{
		registry: registry,
		engine: NewEngine(registry, packer, cfg, relay),
		adapter: adapter,
		cfg: cfg,
		packer: packer,
	}
}

// Registry exposes the connection registry, e.g. for Registry().Stats().
func (c *Chsk) Registry() *Registry { return c.registry }

// Send enqueues event for uid, flushing the send-buffer immediately if
// flush is true.
func (c *Chsk) Send(uid string, event chsk.Event, flush bool) error {
	return c.engine.Send(uid, event, flush)
}

// Recv returns the channel the application's router loop consumes.
func (c *Chsk) Recv() <-chan chsk.EventMsg { return c.engine.Recv() }

// Mux mounts the Ajax POST and Ajax-GET/WS-handshake entry points at path
// on a fresh chi.Router.
func (c *Chsk) Mux(path string) chi.Router {
	r := chi.NewRouter()
	if !c.allowsAllOrigins() {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Origin", "X-CSRF-Token", "X-XSRF-Token"},
			AllowCredentials: true,
		}))
	}
	r.Post(path, c.ServeAjaxPOST)
	r.Get(path, c.ServeHandshake)
	return r
}

func (c *Chsk) allowsAllOrigins() bool {
	for _, o := range c.cfg.AllowedOrigins {
		if o == AllowAllOrigins {
			return true
		}
	}
	return false
}

func (c *Chsk) userID(r *http.Request) string {
	if c.cfg.UserIDFn == nil {
		return chsk.NilUID
	}
	if uid := c.cfg.UserIDFn(r); uid != "" {
		return uid
	}
	return chsk.NilUID
}

func (c *Chsk) handshakeData(r *http.Request, uid string) interface{} {
	if c.cfg.HandshakeDataFn == nil {
		return nil
	}
	return c.cfg.HandshakeDataFn(r, uid)
}

// writeReply writes v as a bare packed value (no envelope wrapping), the
// wire form Ajax POST replies use since the request itself is the
// correlation mechanism.
func (c *Chsk) writeReply(w http.ResponseWriter, v interface{}) {
	packed, err := c.packer.Pack(v)
	if err != nil {
		logging.Error().Err(err).Msg("chsk: failed to pack ajax reply")
		http.Error(w, "chsk: failed to pack reply", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = io.WriteString(w, packed)
}

func (c *Chsk) sendHandshake(sch ServerChannel, isWebSocket bool, r *http.Request, uid string) {
	hsData := c.handshakeData(r, uid)
	value := chsk.NewWithData(chsk.EvHandshake, []interface{}{uid, nil, hsData}).AsValue()
	packed, err := chsk.PackEnvelope(c.packer, value, "", false)
	if err != nil {
		logging.Error().Err(err).Msg("chsk: failed to pack handshake")
		return
	}
	sch.Send(packed, isWebSocket)
}

// ServeAjaxPOST handles a single Ajax POST: an event submission that
// replies inline (via ReplyFn) if the caller wants an answer, or with a
// dummy 200 body otherwise.
func (c *Chsk) ServeAjaxPOST(w http.ResponseWriter, r *http.Request) {
	if !c.preflight(w, r) {
		return
	}
	cid := r.URL.Query().Get("client-id")
	if cid == "" {
		http.Error(w, "chsk: missing client-id (middleware misconfigured)", http.StatusBadRequest)
		return
	}
	uid := c.userID(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "chsk: failed to read body", http.StatusBadRequest)
		return
	}
	value, cb, hasCB, err := chsk.UnpackEnvelope(c.packer, string(body))
	if err != nil {
		http.Error(w, "chsk: bad package", http.StatusBadRequest)
		return
	}
	event := chsk.EventFromValue(value)

	if !hasCB {
		c.engine.Deliver(chsk.EventMsg{Req: r, ClientID: cid, UID: uid, Event: event})
		c.writeReply(w, chsk.CBValDummy200)
		return
	}
	_ = cb // Ajax correlates by request, not by the cb-uuid's value.

	replied := make(chan interface{}, 1)
	var once sync.Once
	msg := chsk.EventMsg{
		Req: r, ClientID: cid, UID: uid, Event: event,
		ReplyFn: func(v interface{}) { once.Do(func() { replied <- v }) },
	}
	c.engine.Deliver(msg)

	select {
	case v := <-replied:
		c.writeReply(w, v)
	case <-time.After(time.Duration(c.cfg.LPTimeoutMS) * time.Millisecond):
		c.writeReply(w, chsk.CBValTimeout)
	}
}

// ServeHandshake handles the Ajax GET / WebSocket upgrade entry point,
// delegating transport-specific work to the configured Adapter.
func (c *Chsk) ServeHandshake(w http.ResponseWriter, r *http.Request) {
	if !c.preflight(w, r) {
		return
	}
	cid := r.URL.Query().Get("client-id")
	if cid == "" {
		http.Error(w, "chsk: missing client-id (middleware misconfigured)", http.StatusBadRequest)
		return
	}
	if c.adapter == nil {
		http.Error(w, "chsk: no server adapter configured", http.StatusInternalServerError)
		return
	}
	uid := c.userID(r)
	forceHandshake := r.URL.Query().Get("handshake?") == "true"

	c.adapter.Handle(w, r, Callbacks{
		OnOpen: func(sch ServerChannel, isWebSocket bool) {
			if isWebSocket {
				_, _, uidNewlyConnected := c.registry.Attach(TransportWS, uid, cid, true, nil, sch)
				if uidNewlyConnected {
					c.engine.Deliver(chsk.EventMsg{Req: r, ClientID: cid, UID: uid, Event: chsk.NewWithData(chsk.EvUidPortOpen, uid)})
				}
				c.sendHandshake(sch, true, r, uid)
				c.engine.scheduleKeepAlive(uid, cid, sch)
				return
			}

			_, hadPrior := c.registry.Snapshot(TransportAjax, uid)[cid]
			if forceHandshake || !hadPrior {
				c.sendHandshake(sch, false, r, uid)
				return
			}

			entry, _, _ := c.registry.Attach(TransportAjax, uid, cid, true, nil, sch)
			deadline := time.Duration(c.cfg.LPTimeoutMS) * time.Millisecond
			time.AfterFunc(deadline, func() {
				cur, ok := c.registry.Snapshot(TransportAjax, uid)[cid]
				if !ok || cur.sch != entry.sch || cur.udt != entry.udt {
					return
				}
				packed, err := chsk.PackEnvelope(c.packer, chsk.EvTimeout, "", false)
				if err == nil {
					sch.Send(packed, false)
				}
				c.registry.Attach(TransportAjax, uid, cid, false, sch, nil)
			})
		},
		OnMessage: func(sch ServerChannel, isWebSocket bool, packed string) {
			c.registry.Touch(TransportWS, uid, cid)
			value, cb, hasCB, _ := chsk.UnpackEnvelope(c.packer, packed)
			event := chsk.EventFromValue(value)

			if event.ID == chsk.EvWSPing {
				if hasCB {
					pong, err := chsk.PackEnvelope(c.packer, "pong", cb, true)
					if err == nil {
						sch.Send(pong, true)
					}
				}
				return
			}

			msg := chsk.EventMsg{Req: r, ClientID: cid, UID: uid, Event: event}
			if hasCB {
				msg.ReplyFn = c.engine.makeReplyFn(sch, true, cb)
			}
			c.engine.Deliver(msg)
		},
		OnClose: func(sch ServerChannel, isWebSocket bool, status int) {
			t := TransportAjax
			graceMS := c.cfg.MSAllowReconnectBeforeCloseAjax
			if isWebSocket {
				t = TransportWS
				graceMS = c.cfg.MSAllowReconnectBeforeCloseWS
			}
			expected, _, _ := c.registry.Attach(t, uid, cid, false, sch, nil)
			time.AfterFunc(time.Duration(graceMS)*time.Millisecond, func() {
				removed, uidLeftAny := c.registry.Detach(t, uid, cid, expected)
				if removed && uidLeftAny {
					c.engine.Deliver(chsk.EventMsg{Req: r, ClientID: cid, UID: uid, Event: chsk.NewWithData(chsk.EvUidPortClose, uid)})
				}
			})
		},
		OnError: func(sch ServerChannel, isWebSocket bool, err error) {
			logging.Warn().Err(err).Str("uid", uid).Str("cid", cid).Msg("chsk: transport error")
		},
	})
}
