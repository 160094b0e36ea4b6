package server

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/internal/logging"
)

// fanoutBackoffMS is the fixed retry schedule for fanout attempts:
// each interval is randomized in [b, 2b) before the next attempt.
var fanoutBackoffMS = []int{90, 180, 360, 720, 1440}

// ErrNilUID is returned by Send when called with an empty uid.
var ErrNilUID = errors.New("chsk: send requires a non-empty uid")

// bufValue is the immutable contents of one (transport,uid) send-buffer
// cell.
type bufValue struct {
	events []chsk.Event
	ids map[string]struct{}
}

type bufSlot struct {
	val atomic.Pointer[bufValue]
}

// Engine is the server send/buffer engine: per-user
// send-buffers, time-batched flushing, and retry fan-out over ephemeral
// disconnections.
type Engine struct {
	registry *Registry
	packer chsk.Packer
	cfg Config
	relay Relay

	buffers [2]sync.Map // Transport -> uid string -> *bufSlot
	recv chan chsk.EventMsg
}

// NewEngine builds an Engine bound to registry, using packer for wire
// encoding and cfg for buffering/timeout intervals. relay may be nil, in
// which case fanout stays best-effort and single-process.
func NewEngine(registry *Registry, packer chsk.Packer, cfg Config, relay Relay) *Engine {
	e := &Engine{
		registry: registry,
		packer: packer,
		cfg: cfg,
		relay: relay,
		recv: make(chan chsk.EventMsg, cfg.RecvBufOrN),
	}
	if relay != nil {
		relay.Subscribe(e.onRelayed)
	}
	return e
}

// Recv returns the receive channel the application's router loop consumes.
func (e *Engine) Recv() <-chan chsk.EventMsg { return e.recv }

// Deliver pushes msg onto the receive channel, implementing the "sliding"
// buffer semantics (recv-buf-or-n "1000 sliding"): when full,
// the oldest pending message is dropped to make room rather than blocking
// the caller.
func (e *Engine) Deliver(msg chsk.EventMsg) {
	for {
		select {
		case e.recv <- msg:
			return
		default:
		}
		select {
		case <-e.recv:
		default:
		}
	}
}

// Send buffers event for uid across both transports, flushing immediately
// if flushNow is true or coalescing it into the next scheduled flush
// otherwise.
func (e *Engine) Send(uid string, event chsk.Event, flushNow bool) error {
	if uid == "" {
		return ErrNilUID
	}
	if uid == chsk.AllUsersWithoutUID {
		uid = chsk.NilUID
	}
	if err := chsk.ValidateSend(event); err != nil {
		return err
	}

	if event.ID == chsk.EvClose {
		e.sendClose(uid, flushNow)
		return nil
	}

	if e.relay != nil && !e.registry.IsConnected(uid) {
		packed, err := chsk.PackEnvelope(e.packer, []interface{}{event.AsValue()}, "", false)
		if err != nil {
			return err
		}
		e.relayIfConfigured(uid, packed)
		return nil
	}

	evUUID := chsk.NewEvUUID()
	e.appendToBuffer(TransportWS, uid, event, evUUID)
	e.appendToBuffer(TransportAjax, uid, event, evUUID)

	if flushNow {
		e.flushNow(TransportWS, uid)
		e.flushNow(TransportAjax, uid)
		return nil
	}

	wsDelay := time.Duration(e.cfg.SendBufMSWS) * time.Millisecond
	ajaxDelay := time.Duration(e.cfg.SendBufMSAjax) * time.Millisecond
	time.AfterFunc(wsDelay, func() { e.flushScheduled(TransportWS, uid, evUUID) })
	time.AfterFunc(ajaxDelay, func() { e.flushScheduled(TransportAjax, uid, evUUID) })
	return nil
}

func (e *Engine) bufSlotFor(t Transport, uid string) *bufSlot {
	v, _ := e.buffers[t].LoadOrStore(uid, &bufSlot{})
	return v.(*bufSlot)
}

func (e *Engine) bufSlotLoad(t Transport, uid string) *bufSlot {
	v, ok := e.buffers[t].Load(uid)
	if !ok {
		return nil
	}
	return v.(*bufSlot)
}

func (e *Engine) appendToBuffer(t Transport, uid string, event chsk.Event, evUUID string) {
	slot := e.bufSlotFor(t, uid)
	for {
		old := slot.val.Load()
		var events []chsk.Event
		ids := make(map[string]struct{})
		if old != nil {
			events = append(events, old.events...)
			for id := range old.ids {
				ids[id] = struct{}{}
			}
		}
		events = append(events, event)
		ids[evUUID] = struct{}{}
		neu := &bufValue{events: events, ids: ids}
		if slot.val.CompareAndSwap(old, neu) {
			return
		}
	}
}

// flushNow unconditionally reads-and-clears the buffer, for the flush?=true
// path and for the [chsk/close] control send.
func (e *Engine) flushNow(t Transport, uid string) {
	slot := e.bufSlotLoad(t, uid)
	if slot == nil {
		return
	}
	for {
		old := slot.val.Load()
		if old == nil {
			return
		}
		if slot.val.CompareAndSwap(old, nil) {
			e.doFanout(t, uid, old.events)
			return
		}
	}
}

// flushScheduled is the coalescing flush: it only pulls the
// buffer if evUUID (the event the *scheduling* Send call was responsible
// for) is still present, meaning no later flush already drained it.
func (e *Engine) flushScheduled(t Transport, uid, evUUID string) {
	slot := e.bufSlotLoad(t, uid)
	if slot == nil {
		return
	}
	for {
		old := slot.val.Load()
		if old == nil {
			return
		}
		if _, present := old.ids[evUUID]; !present {
			return
		}
		if slot.val.CompareAndSwap(old, nil) {
			e.doFanout(t, uid, old.events)
			return
		}
	}
}

func (e *Engine) doFanout(t Transport, uid string, events []chsk.Event) {
	if len(events) == 0 {
		return
	}
	values := make([]interface{}, len(events))
	for i, ev := range events {
		values[i] = ev.AsValue()
	}
	packed, err := chsk.PackEnvelope(e.packer, values, "", false)
	if err != nil {
		logging.Error().Err(err).Msg("chsk: failed to pack fanout batch")
		return
	}
	pending := e.registry.Snapshot(t, uid)
	if len(pending) == 0 {
		return
	}
	e.attemptFanout(t, uid, packed, pending, 0)
}

// attemptFanout sends packed to every currently registered (cid, sch);
// cids with no live sch (a client mid-reconnect) are unsatisfied and
// retried on the fixed, jittered backoff schedule.
func (e *Engine) attemptFanout(t Transport, uid, packed string, cids map[string]connEntry, attempt int) {
	unsatisfied := make(map[string]connEntry)
	for cid, entry := range cids {
		if entry.sch == nil {
			unsatisfied[cid] = entry
			continue
		}
		if entry.sch.Send(packed, t == TransportWS) {
			if t == TransportAjax {
				// The long-poll response is now closed; a later repoll
				// reattaches a fresh sch.
				e.registry.Attach(t, uid, cid, false, entry.sch, nil)
			}
			continue
		}
		unsatisfied[cid] = entry
	}
	if len(unsatisfied) == 0 || attempt >= len(fanoutBackoffMS) {
		return
	}
	delay := jitter(time.Duration(fanoutBackoffMS[attempt]) * time.Millisecond)
	time.AfterFunc(delay, func() {
		fresh := e.registry.Snapshot(t, uid)
		merged := make(map[string]connEntry)
		for cid := range unsatisfied {
			if entry, ok := fresh[cid]; ok {
				merged[cid] = entry
			}
		}
		if len(merged) == 0 {
			return
		}
		e.attemptFanout(t, uid, packed, merged, attempt+1)
	})
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (e *Engine) relayIfConfigured(uid, packed string) {
	if e.relay == nil {
		return
	}
	if err := e.relay.Publish(uid, packed); err != nil {
		logging.Warn().Err(err).Str("uid", uid).Msg("chsk: relay publish failed")
	}
}

// onRelayed is invoked when another process publishes an event for a uid
// this process may hold live connections for. The payload is already
// packed and batched, so it is handed straight to attemptFanout rather
// than re-entering the local send-buffer.
func (e *Engine) onRelayed(uid, packed string) {
	for _, t := range []Transport{TransportWS, TransportAjax} {
		if snap := e.registry.Snapshot(t, uid); len(snap) > 0 {
			e.attemptFanout(t, uid, packed, snap, 0)
		}
	}
}

func (e *Engine) sendClose(uid string, flushFirst bool) {
	for _, t := range []Transport{TransportWS, TransportAjax} {
		if flushFirst {
			e.flushNow(t, uid)
		}
		for _, entry := range e.registry.Snapshot(t, uid) {
			if entry.sch != nil {
				entry.sch.Close()
			}
		}
	}
}

// makeReplyFn builds the single-shot reply-fn capability handed to the
// application alongside an inbound EventMsg. Calling the returned function
// packs [value, cb-uuid] and sends it on sch; only the first call has any
// effect.
func (e *Engine) makeReplyFn(sch ServerChannel, isWS bool, cb chsk.CBUUID) chsk.ReplyFn {
	var used atomic.Bool
	return func(value interface{}) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		packed, err := chsk.PackEnvelope(e.packer, value, cb, true)
		if err != nil {
			logging.Error().Err(err).Msg("chsk: failed to pack reply")
			return
		}
		sch.Send(packed, isWS)
	}
}

// scheduleKeepAlive pings a WebSocket connection after ws-kalive-ms of
// inactivity on (ws,uid,cid) by sending chsk/ws-ping. The loop stops once
// the tracked connection entry no longer matches sch (superseded or
// removed).
func (e *Engine) scheduleKeepAlive(uid, cid string, sch ServerChannel) {
	interval := time.Duration(e.cfg.WSKaliveMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	var loop func()
	loop = func() {
		cur, ok := e.registry.Snapshot(TransportWS, uid)[cid]
		if !ok || cur.sch != sch {
			return
		}
		idleMS := nowMillis() - cur.udt
		if idleMS >= interval.Milliseconds() {
			packed, err := chsk.PackEnvelope(e.packer, chsk.New(chsk.EvWSPing).AsValue(), "", false)
			if err == nil {
				sch.Send(packed, true)
			}
			time.AfterFunc(interval, loop)
			return
		}
		time.AfterFunc(time.Duration(interval.Milliseconds()-idleMS)*time.Millisecond, loop)
	}
	time.AfterFunc(interval, loop)
}
