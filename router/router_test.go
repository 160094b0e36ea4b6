package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chskio/chsk"
)

func TestRouter_DispatchesEachMessage(t *testing.T) {
	recv := make(chan chsk.EventMsg, 4)
	var mu sync.Mutex
	var seen []string

	r := New(recv, func(msg chsk.EventMsg) error {
		mu.Lock()
		seen = append(seen, msg.Event.ID)
		mu.Unlock()
		return nil
	})
	go r.Run()

	recv <- chsk.EventMsg{Event: chsk.New("app/a")}
	recv <- chsk.EventMsg{Event: chsk.New("app/b")}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	r.Stop()
}

func TestRouter_ErrorHandlerReceivesHandlerErrors(t *testing.T) {
	recv := make(chan chsk.EventMsg, 1)
	errs := make(chan error, 1)

	r := New(recv, func(msg chsk.EventMsg) error {
		return errors.New("boom")
	}, WithErrorHandler(func(err error, msg chsk.EventMsg) { errs <- err }))
	go r.Run()

	recv <- chsk.EventMsg{Event: chsk.New("app/a")}

	select {
	case err := <-errs:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("error handler was not invoked")
	}
	r.Stop()
}

func TestRouter_RecoversHandlerPanic(t *testing.T) {
	recv := make(chan chsk.EventMsg, 1)
	errs := make(chan error, 1)

	r := New(recv, func(msg chsk.EventMsg) error {
		panic("kaboom")
	}, WithErrorHandler(func(err error, msg chsk.EventMsg) { errs <- err }))
	go r.Run()

	recv <- chsk.EventMsg{Event: chsk.New("app/a")}

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "panicked")
	case <-time.After(time.Second):
		t.Fatal("panic was not converted into an error")
	}
	r.Stop()
}

func TestRouter_SurvivesPanickingErrorHandler(t *testing.T) {
	recv := make(chan chsk.EventMsg, 2)
	var mu sync.Mutex
	var calls int

	r := New(recv, func(msg chsk.EventMsg) error {
		return errors.New("boom")
	}, WithErrorHandler(func(err error, msg chsk.EventMsg) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("error-handler itself panics")
	}))
	go r.Run()

	recv <- chsk.EventMsg{Event: chsk.New("app/a")}
	recv <- chsk.EventMsg{Event: chsk.New("app/b")}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, time.Millisecond, "a panicking error-handler must not kill the consumer loop")

	r.Stop()
}

func TestRouter_StopIsIdempotent(t *testing.T) {
	recv := make(chan chsk.EventMsg)
	r := New(recv, func(chsk.EventMsg) error { return nil })
	go r.Run()
	r.Stop()
	r.Stop()
}
