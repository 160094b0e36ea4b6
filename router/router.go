// Package router implements the server-side dispatch loop:
// a long-running consumer of the receive channel that hands each message to
// an application handler, isolating handler panics/errors from the loop
// itself.
package router

import (
	"sync"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/internal/logging"
)

// Handler processes one inbound event-msg.
type Handler func(msg chsk.EventMsg) error

// ErrorHandler is invoked when a Handler returns an error or panics.
// Defaults to a log line if not supplied to New.
type ErrorHandler func(err error, msg chsk.EventMsg)

// Router is the loop.
type Router struct {
	recv <-chan chsk.EventMsg
	handle Handler
	onError ErrorHandler
	async bool

	stop chan struct{}
	stopOnce sync.Once
	done chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithErrorHandler overrides the default log-and-continue error handler.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(r *Router) { r.onError = fn }
}

// WithAsync wraps each Handler invocation in its own goroutine, so a
// blocking handler cannot starve the consumer.
func WithAsync() Option {
	return func(r *Router) { r.async = true }
}

// New builds a Router reading from recv and dispatching to handle. Call Run
// to start consuming; it blocks until Stop is called or recv closes.
func New(recv <-chan chsk.EventMsg, handle Handler, opts...Option) *Router {
	r := &Router{
		recv: recv,
		handle: handle,
		onError: func(err error, msg chsk.EventMsg) {
			logging.Error().Err(err).Str("uid", msg.UID).Str("event", msg.Event.ID).Msg("chsk: router handler failed")
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the receive channel until Stop is called or the channel
// closes. It is meant to be called from its own goroutine.
func (r *Router) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case msg, ok := <-r.recv:
			if !ok {
				return
			}
			r.dispatch(msg)
		}
	}
}

func (r *Router) dispatch(msg chsk.EventMsg) {
	if r.async {
		go r.invoke(msg)
		return
	}
	r.invoke(msg)
}

func (r *Router) invoke(msg chsk.EventMsg) {
	defer func() {
		if rec := recover(); rec != nil {
			r.safeOnError(panicError{rec}, msg)
		}
	}()
	if err := r.handle(msg); err != nil {
		r.safeOnError(err, msg)
	}
}

// safeOnError calls the configured ErrorHandler behind its own recover, so a
// panicking error-handler cannot take the consumer loop down with it.
func (r *Router) safeOnError(err error, msg chsk.EventMsg) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Interface("panic", rec).Str("uid", msg.UID).Str("event", msg.Event.ID).Msg("chsk: router error-handler panicked")
		}
	}()
	r.onError(err, msg)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return "chsk: handler panicked: " + err.Error()
	}
	return "chsk: handler panicked"
}

// Stop closes the internal control channel; Run returns once its current
// dispatch (if any) completes.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
