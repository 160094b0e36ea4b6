package client

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chskio/chsk"
)

// waitForEvent drains ch until id is seen, failing the test after 2s. Used
// to skip over interleaved chsk.EvState transitions.
func waitForEvent(t *testing.T, ch <-chan chsk.Event, id string) chsk.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.ID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", id)
		}
	}
}

func handshakePacket(uid string) string {
	packed, _ := chsk.PackEnvelope(chsk.JSONPacker{}, chsk.NewWithData(chsk.EvHandshake, []interface{}{uid, nil, nil}).AsValue(), "", false)
	return packed
}

// echoServer upgrades to a WebSocket, sends a handshake, then replies pong
// to ws-ping and echoes any other cb-bearing send's data back to the caller.
func echoServer() *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(handshakePacket("u1"))); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			value, cb, hasCB, _ := chsk.UnpackEnvelope(chsk.JSONPacker{}, string(data))
			event := chsk.EventFromValue(value)
			if event.ID == chsk.EvWSPing {
				if hasCB {
					reply, _ := chsk.PackEnvelope(chsk.JSONPacker{}, "pong", cb, true)
					_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
				}
				continue
			}
			if hasCB {
				reply, _ := chsk.PackEnvelope(chsk.JSONPacker{}, event.Data, cb, true)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
			}
		}
	})
	return httptest.NewServer(mux)
}

// deadPingServer upgrades to a WebSocket, sends a handshake, then never
// answers any frame the client sends it, simulating a peer that keeps the
// TCP connection open but stops responding.
func deadPingServer() *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(handshakePacket("u1"))); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestWS_HandshakeThenEcho(t *testing.T) {
	srv := echoServer()
	defer srv.Close()

	ws := NewWS(Config{URL: srv.URL + "/chsk", WSKaliveMS: 60000})
	ws.Connect()
	defer ws.Disconnect()

	require.Eventually(t, func() bool { return ws.State().Open }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", ws.State().UID)

	replied := make(chan interface{}, 1)
	ws.Send(chsk.NewWithData("app/echo", "hello"), 1000, func(v interface{}) { replied <- v })

	select {
	case v := <-replied:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("no reply received")
	}
}

func TestWS_KeepAlivePingTimeout(t *testing.T) {
	srv := deadPingServer()
	defer srv.Close()

	ws := NewWS(Config{
		URL: srv.URL + "/chsk",
		WSKaliveMS: 20,
		WSKalivePingTimeoutMS: 20,
	})
	ws.Connect()
	defer ws.Disconnect()

	require.Eventually(t, func() bool { return ws.State().Open }, time.Second, 5*time.Millisecond, "handshake never completed")

	require.Eventually(t, func() bool {
		s := ws.State()
		return !s.Open && s.LastCloseReason == "unexpected"
	}, 2*time.Second, 5*time.Millisecond, "an unanswered keep-alive ping never closed the socket")

	require.Error(t, ws.State().LastWSError)
	assert.Contains(t, ws.State().LastWSError.Error(), "keep-alive ping timeout")
}

func TestWS_BuildURL_StableClientIDAcrossCalls(t *testing.T) {
	ws := NewWS(Config{URL: "http://example.com/chsk"})

	first, err := ws.buildURL()
	require.NoError(t, err)
	second, err := ws.buildURL()
	require.NoError(t, err)

	u1, err := url.Parse(first)
	require.NoError(t, err)
	u2, err := url.Parse(second)
	require.NoError(t, err)

	assert.NotEmpty(t, u1.Query().Get("client-id"))
	assert.Equal(t, u1.Query().Get("client-id"), u2.Query().Get("client-id"), "buildURL must reuse the same client-id across reconnect attempts")
	assert.Equal(t, ws.cfg.ClientID, u1.Query().Get("client-id"))
}
