package client

import (
	"sync"

	"github.com/chskio/chsk"
)

// socket is the surface WS and Ajax both satisfy; Auto delegates to
// whichever implementation is currently live.
type socket interface {
	Connect()
	Send(event chsk.Event, timeoutMS int, cb func(interface{})) bool
	Disconnect()
	Reconnect()
	State() State
	Events() <-chan chsk.Event
}

// Auto is the client auto wrapper: starts as WebSocket and
// permanently downgrades to Ajax on a first-connection WebSocket failure.
type Auto struct {
	cfg Config
	state *stateBox

	events chan chsk.Event

	mu sync.Mutex
	delegate socket
	pumpStop chan struct{}
	downgraded bool
}

// NewAuto builds an Auto wrapper. It does not connect until Connect is
// called.
func NewAuto(cfg Config) *Auto {
	cfg = withDefaults(cfg)
	state := newStateBox()
	a := &Auto{
		cfg: cfg,
		state: state,
		events: make(chan chsk.Event, 256),
	}
	state.setOnChange(a.onStateChange)
	a.setDelegate(newWSSharingState(cfg, state))
	return a
}

// Connect starts the current delegate.
func (a *Auto) Connect() { a.currentDelegate().Connect() }

// Send delegates to whichever transport is currently live.
func (a *Auto) Send(event chsk.Event, timeoutMS int, cb func(interface{})) bool {
	return a.currentDelegate().Send(event, timeoutMS, cb)
}

// Disconnect delegates to the current transport.
func (a *Auto) Disconnect() { a.currentDelegate().Disconnect() }

// Reconnect delegates to the current transport. No attempt is made to
// upgrade back to WebSocket once downgraded, so this reconnects whichever
// transport is current, never WS after a downgrade.
func (a *Auto) Reconnect() { a.currentDelegate().Reconnect() }

// State returns the shared published state.
func (a *Auto) State() State { return a.state.get() }

// Events returns the combined ingress channel, relayed from whichever
// delegate is currently live.
func (a *Auto) Events() <-chan chsk.Event { return a.events }

func (a *Auto) currentDelegate() socket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delegate
}

func (a *Auto) deliver(ev chsk.Event) {
	select {
	case a.events <- ev:
	default:
		select {
		case <-a.events:
		default:
		}
		select {
		case a.events <- ev:
		default:
		}
	}
}

func (a *Auto) setDelegate(d socket) {
	a.mu.Lock()
	if a.pumpStop != nil {
		close(a.pumpStop)
	}
	stop := make(chan struct{})
	a.pumpStop = stop
	a.delegate = d
	a.mu.Unlock()
	go a.pump(d, stop)
}

func (a *Auto) pump(d socket, stop chan struct{}) {
	for {
		select {
		case ev := <-d.Events():
			a.deliver(ev)
		case <-stop:
			return
		}
	}
}

// onStateChange is the one-shot downgrade watcher: if a last-ws-error is
// observed before the WebSocket has ever opened, the wrapper disconnects
// the WebSocket and makes Ajax the permanent delegate.
func (a *Auto) onStateChange(change StateChange) {
	a.mu.Lock()
	already := a.downgraded
	a.mu.Unlock()
	if already {
		return
	}
	if change.New.EverOpened || change.New.LastWSError == nil {
		return
	}
	a.downgrade()
}

func (a *Auto) downgrade() {
	a.mu.Lock()
	if a.downgraded {
		a.mu.Unlock()
		return
	}
	a.downgraded = true
	old := a.delegate
	a.mu.Unlock()

	old.Disconnect()
	a.state.update(func(s *State) { s.LastCloseReason = "downgrading-ws-to-ajax" })

	ajax := newAjaxSharingState(a.cfg, a.state)
	a.setDelegate(ajax)
	ajax.Connect()
}
