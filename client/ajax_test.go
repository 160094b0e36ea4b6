package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chskio/chsk"
)

func TestAjax_HandshakeThenPushBatch(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			switch atomic.AddInt32(&polls, 1) {
			case 1:
				_, _ = io.WriteString(w, handshakePacket("u1"))
			case 2:
				batch := []interface{}{
					chsk.New("app/a").AsValue(),
					chsk.NewWithData("app/b", float64(42)).AsValue(),
				}
				packed, _ := chsk.PackEnvelope(chsk.JSONPacker{}, batch, "", false)
				_, _ = io.WriteString(w, packed)
			default:
				<-r.Context().Done()
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewAjax(Config{URL: srv.URL + "/chsk"})
	a.Connect()
	defer a.Disconnect()

	waitForEvent(t, a.Events(), chsk.EvHandshake)

	evA := waitForEvent(t, a.Events(), "app/a")
	assert.False(t, evA.HasData)

	evB := waitForEvent(t, a.Events(), "app/b")
	require.True(t, evB.HasData)
	assert.Equal(t, float64(42), evB.Data)

	assert.True(t, a.State().Open)
	assert.Equal(t, "u1", a.State().UID)
}

func TestAjax_Send_WithReply(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			<-r.Context().Done()
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			value, _, _, _ := chsk.UnpackEnvelope(chsk.JSONPacker{}, string(body))
			event := chsk.EventFromValue(value)
			packed, _ := chsk.JSONPacker{}.Pack(event.Data)
			_, _ = io.WriteString(w, packed)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewAjax(Config{URL: srv.URL + "/chsk"})

	replied := make(chan interface{}, 1)
	ok := a.Send(chsk.NewWithData("app/echo", "hi"), 1000, func(v interface{}) { replied <- v })
	assert.True(t, ok)

	select {
	case v := <-replied:
		assert.Equal(t, "hi", v)
	case <-time.After(time.Second):
		t.Fatal("no reply received")
	}
}

func TestAjax_Send_TimesOutWithoutServerReply(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewAjax(Config{URL: srv.URL + "/chsk"})

	replied := make(chan interface{}, 1)
	ok := a.Send(chsk.NewWithData("app/echo", "hi"), 30, func(v interface{}) { replied <- v })
	assert.False(t, ok)

	select {
	case v := <-replied:
		assert.Equal(t, chsk.CBValTimeout, v)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestAjax_ClientIDStableAcrossPolls(t *testing.T) {
	a := NewAjax(Config{URL: "http://example.com/chsk"})

	first, err := a.baseURL(url.Values{})
	require.NoError(t, err)
	second, err := a.baseURL(url.Values{})
	require.NoError(t, err)

	u1, err := url.Parse(first)
	require.NoError(t, err)
	u2, err := url.Parse(second)
	require.NoError(t, err)

	assert.NotEmpty(t, u1.Query().Get("client-id"))
	assert.Equal(t, u1.Query().Get("client-id"), u2.Query().Get("client-id"))
	assert.Equal(t, a.cfg.ClientID, u1.Query().Get("client-id"))
}
