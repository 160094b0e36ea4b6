// Command chskdemo runs a minimal chsk server and an Auto client against
// each other on localhost, printing every event either side receives. It
// exists to exercise the wiring end to end against a live server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/client"
	"github.com/chskio/chsk/internal/logging"
	"github.com/chskio/chsk/router"
	"github.com/chskio/chsk/server"
	"github.com/chskio/chsk/server/wsadapter"
)

func main() {
	logging.Init(logging.Config{Level: "info", Format: "console"})

	cfg := server.DefaultConfig()
	cfg.UserIDFn = func(r *http.Request) string { return r.URL.Query().Get("uid") }

	chskSrv := server.New(wsadapter.New(), cfg, nil, nil)

	rt := router.New(chskSrv.Recv(), func(msg chsk.EventMsg) error {
		logging.Info().Str("uid", msg.UID).Str("event", msg.Event.ID).Msg("chsk: server received event")
		if msg.WantsReply() {
			msg.ReplyFn(fmt.Sprintf("ack:%s", msg.Event.ID))
		}
		return nil
	})
	go rt.Run()

	httpSrv := &http.Server{Addr: "127.0.0.1:8080", Handler: chskSrv.Mux("/chsk")}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("chsk: demo http server failed")
		}
	}()
	time.Sleep(200 * time.Millisecond)

	auto := client.NewAuto(client.Config{
		URL:    "http://127.0.0.1:8080/chsk",
		Params: url.Values{"uid": {"demo-user"}},
	})
	auto.Connect()

	go func() {
		for ev := range auto.Events() {
			logging.Info().Str("event", ev.ID).Msg("chsk: client received event")
		}
	}()

	go func() {
		time.Sleep(time.Second)
		auto.Send(chsk.NewWithData("demo/ping", "hello"), 5000, func(reply interface{}) {
			logging.Info().Interface("reply", reply).Msg("chsk: got reply")
		})
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = chskSrv.Shutdown(ctx)
	_ = httpSrv.Shutdown(ctx)
	rt.Stop()
}
