// Package wsadapter is a reference, gorilla/websocket-backed implementation
// of chsk/server.Adapter, using a readPump loop for the WebSocket side
// (writes go straight to the connection under a per-channel mutex; there is
// no separate writePump) and a parked http.ResponseWriter standing in for a
// per-client send channel on the Ajax long-poll side of the same entry
// point.
package wsadapter

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chskio/chsk/internal/logging"
	"github.com/chskio/chsk/server"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin/CSRF/authorization already ran in chsk/server's preflight;
	// re-checking here would just duplicate that policy decision.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Adapter implements server.Adapter over gorilla/websocket for the
// WebSocket path and a parked http.ResponseWriter for the Ajax long-poll
// path.
type Adapter struct{}

// New builds an Adapter.
func New() *Adapter { return &Adapter{} }

// Handle implements server.Adapter.
func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request, cb server.Callbacks) {
	if websocket.IsWebSocketUpgrade(r) {
		a.handleWS(w, r, cb)
		return
	}
	a.handleAjax(w, r, cb)
}

// wsChannel is the ServerChannel backing one live WebSocket connection.
type wsChannel struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (c *wsChannel) Send(packed string, isWebSocket bool) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(packed)); err != nil {
		return false
	}
	return true
}

func (c *wsChannel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request, cb server.Callbacks) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("chsk: websocket upgrade failed")
		return
	}
	sch := &wsChannel{conn: conn}
	conn.SetReadLimit(maxMessageSize)

	if cb.OnOpen != nil {
		cb.OnOpen(sch, true)
	}
	a.readPump(sch, cb)
}

// readPump pumps frames off conn until it closes. Reads happen on their own
// goroutine so a slow reader never blocks writes issued from elsewhere
// (fanout, keep-alive, replies).
func (a *Adapter) readPump(sch *wsChannel, cb server.Callbacks) {
	defer func() {
		sch.closed.Store(true)
		_ = sch.conn.Close()
		if cb.OnClose != nil {
			cb.OnClose(sch, true, websocket.CloseNormalClosure)
		}
	}()

	for {
		if err := sch.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		msgType, data, err := sch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				if cb.OnError != nil {
					cb.OnError(sch, true, err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if cb.OnMessage != nil {
			cb.OnMessage(sch, true, string(data))
		}
	}
}

// ajaxChannel is the ServerChannel backing one parked Ajax long-poll
// request: Send writes the HTTP response body and completes the request;
// Close completes it with no body (the client's next repoll picks up
// wherever fanout left off).
type ajaxChannel struct {
	done     chan string
	closeCh  chan struct{}
	used     atomic.Bool
	closeOne sync.Once
}

func newAjaxChannel() *ajaxChannel {
	return &ajaxChannel{done: make(chan string, 1), closeCh: make(chan struct{})}
}

func (c *ajaxChannel) Send(packed string, isWebSocket bool) bool {
	if !c.used.CompareAndSwap(false, true) {
		return false
	}
	c.done <- packed
	return true
}

func (c *ajaxChannel) Close() {
	if !c.used.CompareAndSwap(false, true) {
		return
	}
	c.closeOne.Do(func() { close(c.closeCh) })
}

func (a *Adapter) handleAjax(w http.ResponseWriter, r *http.Request, cb server.Callbacks) {
	sch := newAjaxChannel()

	if cb.OnOpen != nil {
		cb.OnOpen(sch, false)
	}

	select {
	case packed := <-sch.done:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(packed))
	case <-sch.closeCh:
	case <-r.Context().Done():
	}

	if cb.OnClose != nil {
		cb.OnClose(sch, false, http.StatusOK)
	}
}
