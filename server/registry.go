package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transport distinguishes the two live-connection tables the registry keeps.
type Transport int

const (
	// TransportWS identifies WebSocket connections.
	TransportWS Transport = iota
	// TransportAjax identifies Ajax long-poll connections.
	TransportAjax
)

// String renders the transport using its wire vocabulary name.
func (t Transport) String() string {
	if t == TransportWS {
		return "ws"
	}
	return "ajax"
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// nextUDT returns now, or old.udt+1 if the clock has not moved past it, so
// every replacement of an entry carries a udt distinct from the one it
// replaced.
func nextUDT(old *connEntry) int64 {
	now := nowMillis()
	if old != nil && now <= old.udt {
		return old.udt + 1
	}
	return now
}

// connEntry is the immutable value CAS'd into a connection slot: a
// server-channel-or-none paired with its identity/activity token, udt.
type connEntry struct {
	sch ServerChannel
	udt int64
}

func (e connEntry) live() bool { return e.sch != nil }

// cidSlot is the CAS cell for one (transport, uid, cid).
type cidSlot struct {
	val atomic.Pointer[connEntry]
}

// uidConns is the set of cid slots live under one (transport, uid).
type uidConns struct {
	cids sync.Map // cid string -> *cidSlot
}

func (u *uidConns) empty() bool {
	empty := true
	u.cids.Range(func(_, _ interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// ConnectedView is the derived {ws, ajax, any} uid-set snapshot the
// registry maintains.
type ConnectedView struct {
	WS map[string]struct{}
	Ajax map[string]struct{}
	Any map[string]struct{}
}

// Registry holds the per-user, per-transport connection table plus the
// derived connected-uid view. All mutation goes through CAS
// on individual connEntry cells; the derived live-counts below are the only
// piece protected by a plain mutex, since "uid transitioned into/out of
// any" is inherently a cross-cid aggregate that a single-cell CAS cannot
// express.
type Registry struct {
	uids [2]sync.Map // Transport -> uid string -> *uidConns

	liveMu sync.Mutex
	liveCounts [2]map[string]int // Transport -> uid -> count of live cids
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		liveCounts: [2]map[string]int{
			TransportWS: make(map[string]int),
			TransportAjax: make(map[string]int),
		},
	}
}

func (r *Registry) uidConnsLoad(t Transport, uid string) *uidConns {
	v, ok := r.uids[t].Load(uid)
	if !ok {
		return nil
	}
	return v.(*uidConns)
}

func (r *Registry) uidConnsFor(t Transport, uid string) *uidConns {
	if uc := r.uidConnsLoad(t, uid); uc != nil {
		return uc
	}
	v, _ := r.uids[t].LoadOrStore(uid, &uidConns{})
	return v.(*uidConns)
}

func (r *Registry) slotFor(t Transport, uid, cid string) *cidSlot {
	uc := r.uidConnsFor(t, uid)
	v, _ := uc.cids.LoadOrStore(cid, &cidSlot{})
	return v.(*cidSlot)
}

// Touch bumps udt (see nextUDT) while preserving sch. A
// missing slot is a no-op — touching a connection that was already
// grace-removed does nothing.
func (r *Registry) Touch(t Transport, uid, cid string) {
	uc := r.uidConnsLoad(t, uid)
	if uc == nil {
		return
	}
	v, ok := uc.cids.Load(cid)
	if !ok {
		return
	}
	slot := v.(*cidSlot)
	for {
		old := slot.val.Load()
		if old == nil {
			return
		}
		neu := &connEntry{sch: old.sch, udt: nextUDT(old)}
		if slot.val.CompareAndSwap(old, neu) {
			return
		}
	}
}

// Attach CASes a new sch into (t,uid,cid): if the current sch equals
// expectedOldSch (or expectAny is set, matching any current value),
// replace it with newSch and bump udt; otherwise leave the entry
// untouched. A missing entry is always created with newSch, whatever the
// expectation. Returns the post-state, whether this was the first-ever entry
// for (transport,uid,cid), and whether uid just transitioned into the
// connected.any set.
func (r *Registry) Attach(t Transport, uid, cid string, expectAny bool, expectedOldSch, newSch ServerChannel) (entry connEntry, isInit bool, uidNewlyConnected bool) {
	slot := r.slotFor(t, uid, cid)
	for {
		old := slot.val.Load()
		if old == nil {
			neu := &connEntry{sch: newSch, udt: nowMillis()}
			if slot.val.CompareAndSwap(nil, neu) {
				wasAny, isAny := r.bumpLive(t, uid, false, neu.live())
				return *neu, true, !wasAny && isAny
			}
			continue
		}
		if !expectAny && old.sch != expectedOldSch {
			return *old, false, false
		}
		neu := &connEntry{sch: newSch, udt: nextUDT(old)}
		if slot.val.CompareAndSwap(old, neu) {
			wasAny, isAny := r.bumpLive(t, uid, old.live(), neu.live())
			return *neu, false, !wasAny && isAny
		}
	}
}

// Detach removes (t,uid,cid) if the entry still matches the (sch,udt)
// snapshot captured when the grace timer was scheduled (and the uid's map,
// if now empty). Returns whether the entry was actually removed and
// whether uid transitioned out of connected.any as a result.
func (r *Registry) Detach(t Transport, uid, cid string, expected connEntry) (removed, uidLeftAny bool) {
	uc := r.uidConnsLoad(t, uid)
	if uc == nil {
		return false, false
	}
	v, ok := uc.cids.Load(cid)
	if !ok {
		return false, false
	}
	slot := v.(*cidSlot)
	cur := slot.val.Load()
	if cur == nil || cur.sch != expected.sch || cur.udt != expected.udt {
		return false, false
	}
	if !slot.val.CompareAndSwap(cur, nil) {
		return false, false
	}
	uc.cids.Delete(cid)
	if uc.empty() {
		r.uids[t].CompareAndDelete(uid, uc)
	}
	wasAny, isAny := r.bumpLive(t, uid, cur.live(), false)
	return true, wasAny && !isAny
}

// bumpLive adjusts the live-cid counter for (t,uid) by the wasLive->isLive
// transition and reports connected.any membership before and after.
func (r *Registry) bumpLive(t Transport, uid string, wasLive, isLive bool) (wasAny, isAny bool) {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	wasAny = r.isAnyLocked(uid)
	if wasLive != isLive {
		if isLive {
			r.liveCounts[t][uid]++
		} else if r.liveCounts[t][uid] > 0 {
			r.liveCounts[t][uid]--
			if r.liveCounts[t][uid] == 0 {
				delete(r.liveCounts[t], uid)
			}
		}
	}
	isAny = r.isAnyLocked(uid)
	return
}

func (r *Registry) isAnyLocked(uid string) bool {
	return r.liveCounts[TransportWS][uid] > 0 || r.liveCounts[TransportAjax][uid] > 0
}

// Snapshot returns every (cid -> connEntry) currently tracked for
// (t, uid), including cids whose sch is nil (a client mid-reconnect). This
// is what the fanout engine iterates.
func (r *Registry) Snapshot(t Transport, uid string) map[string]connEntry {
	uc := r.uidConnsLoad(t, uid)
	if uc == nil {
		return nil
	}
	out := make(map[string]connEntry)
	uc.cids.Range(func(k, v interface{}) bool {
		slot := v.(*cidSlot)
		if e := slot.val.Load(); e != nil {
			out[k.(string)] = *e
		}
		return true
	})
	return out
}

// Connected returns a point-in-time snapshot of the {ws, ajax, any}
// connected-uid view.
func (r *Registry) Connected() ConnectedView {
	view := ConnectedView{WS: map[string]struct{}{}, Ajax: map[string]struct{}{}, Any: map[string]struct{}{}}
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	for uid := range r.liveCounts[TransportWS] {
		view.WS[uid] = struct{}{}
		view.Any[uid] = struct{}{}
	}
	for uid := range r.liveCounts[TransportAjax] {
		view.Ajax[uid] = struct{}{}
		view.Any[uid] = struct{}{}
	}
	return view
}

// IsConnected reports whether uid has at least one live connection on any
// transport.
func (r *Registry) IsConnected(uid string) bool {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	return r.isAnyLocked(uid)
}

// Stats is a read-only operational snapshot of connected-uid counts.
type Stats struct {
	WSUsers int
	AjaxUsers int
	AnyUsers int
}

// Stats reports connected-uid counts per transport.
func (r *Registry) Stats() Stats {
	v := r.Connected()
	return Stats{WSUsers: len(v.WS), AjaxUsers: len(v.Ajax), AnyUsers: len(v.Any)}
}
