package client

import "sync"

// State is the client connection state published on every transition.
type State struct {
	Open bool
	EverOpened bool
	Connecting bool
	UID string
	HandshakeData interface{}
	Type string // "ws" or "ajax", set once the transport is known
	LastCloseReason string
	LastWSError error
}

// StateChange is the payload of a chsk.EvState event: the transition plus
// whether Open flipped, mirroring `[chsk/state, [old,new,openChanged?]]`.
type StateChange struct {
	Old, New State
	OpenChanged bool
}

// stateBox is the mutable state cell shared by a WS socket and (after an
// Auto downgrade) the Ajax delegate that takes over from it.
type stateBox struct {
	mu sync.Mutex
	state State
	onChange func(StateChange)
}

func newStateBox() *stateBox {
	return &stateBox{}
}

// update applies mutate to the current state and invokes onChange with the
// transition, whether or not any field actually changed.
func (b *stateBox) update(mutate func(*State)) StateChange {
	b.mu.Lock()
	old := b.state
	neu := old
	mutate(&neu)
	b.state = neu
	cb := b.onChange
	b.mu.Unlock()

	change := StateChange{Old: old, New: neu, OpenChanged: old.Open != neu.Open}
	if cb != nil {
		cb(change)
	}
	return change
}

func (b *stateBox) get() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stateBox) setOnChange(fn func(StateChange)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}
