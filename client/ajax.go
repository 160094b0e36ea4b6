package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chskio/chsk"
	"github.com/chskio/chsk/internal/logging"
)

// Ajax is the client long-poll state machine.
type Ajax struct {
	cfg Config
	packer chsk.Packer
	state *stateBox
	events chan chsk.Event
	http *http.Client

	boff BackOff

	mu sync.Mutex
	cancel context.CancelFunc
	stopped atomic.Bool
}

// NewAjax builds an Ajax socket sharing no state with any prior WebSocket
// attempt; use newAjaxSharingState from auto.go for the downgrade path.
func NewAjax(cfg Config) *Ajax {
	return newAjaxSharingState(cfg, newStateBox())
}

func newAjaxSharingState(cfg Config, state *stateBox) *Ajax {
	cfg = withDefaults(cfg)
	return &Ajax{
		cfg: cfg,
		packer: cfg.packer(),
		state: state,
		events: make(chan chsk.Event, 256),
		http: &http.Client{Timeout: time.Duration(cfg.LPTimeoutMS+10000) * time.Millisecond},
		boff: defaultBackOff(cfg),
	}
}

// Events returns the combined ingress channel, matching WS.Events.
func (a *Ajax) Events() <-chan chsk.Event { return a.events }

// State returns the current published state.
func (a *Ajax) State() State { return a.state.get() }

func (a *Ajax) deliver(ev chsk.Event) {
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

func (a *Ajax) publishState(mutate func(*State)) {
	change := a.state.update(mutate)
	a.deliver(chsk.NewWithData(chsk.EvState, change))
}

// Connect starts the long-poll loop.
func (a *Ajax) Connect() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.publishState(func(s *State) { s.Connecting = true; s.Type = "ajax" })
	go a.pollLoop(ctx)
}

func (a *Ajax) baseURL(extra url.Values) (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range a.cfg.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("client-id", a.cfg.ClientID)
	q.Set("udt", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if a.cfg.CSRFToken != "" {
		q.Set("csrf-token", a.cfg.CSRFToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pollLoop repeatedly issues a long-poll GET and dispatches whatever comes
// back, backing off between failed requests.
func (a *Ajax) pollLoop(ctx context.Context) {
	for {
		if a.stopped.Load() {
			return
		}
		extra := url.Values{}
		if !a.State().Open {
			extra.Set("handshake?", "true")
		}
		target, err := a.baseURL(extra)
		if err != nil {
			logging.Error().Err(err).Msg("chsk: ajax poll: bad url")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return
		}
		if a.cfg.CSRFToken != "" {
			req.Header.Set("X-CSRF-Token", a.cfg.CSRFToken)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue // repoll immediately, no state change
			}
			a.publishState(func(s *State) { s.Open = false; s.LastCloseReason = "unexpected" })
			delay := a.boff.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		a.boff.Reset()
		a.handlePollBody(string(body))
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

func (a *Ajax) handlePollBody(raw string) {
	value, _, _, _ := chsk.UnpackEnvelope(a.packer, raw)
	event := chsk.EventFromValue(value)

	if event.ID == chsk.EvHandshake {
		pair, _ := event.Data.([]interface{})
		var uid string
		var hsData interface{}
		if len(pair) >= 1 {
			uid, _ = pair[0].(string)
		}
		if len(pair) >= 3 {
			hsData = pair[2]
		}
		firstHandshake := !a.state.get().EverOpened
		a.publishState(func(s *State) {
			s.UID = uid
			s.HandshakeData = hsData
			s.Open = true
			s.EverOpened = true
			s.Connecting = false
		})
		a.deliver(chsk.NewWithData(chsk.EvHandshake, struct {
			UID string
			HandshakeData interface{}
			FirstHandshake bool
		}{uid, hsData, firstHandshake}))
		return
	}

	if event.ID == chsk.EvTimeout {
		return // no-op, immediate repoll
	}

	for _, ev := range asEventBatch(value) {
		if chsk.Reserved(ev.ID) {
			continue
		}
		a.deliver(ev)
	}
}

// Send POSTs event and, if a reply is requested, waits up to timeoutMS for
// the response body before invoking cb.
func (a *Ajax) Send(event chsk.Event, timeoutMS int, cb func(interface{})) bool {
	if err := chsk.ValidateUserSend(event); err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}

	var cbUUID chsk.CBUUID
	if cb != nil {
		cbUUID = chsk.CBAjax
	}
	packed, err := chsk.PackEnvelope(a.packer, event.AsValue(), cbUUID, cb != nil)
	if err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}

	target, err := a.baseURL(url.Values{})
	if err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout(timeoutMS))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(packed))
	if err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if a.cfg.CSRFToken != "" {
		req.Header.Set("X-CSRF-Token", a.cfg.CSRFToken)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if cb != nil {
			if ctx.Err() == context.DeadlineExceeded {
				cb(chsk.CBValTimeout)
			} else {
				cb(chsk.CBValError)
			}
		}
		return false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if cb != nil {
			cb(chsk.CBValError)
		}
		return false
	}

	if cb == nil {
		return true
	}
	value, err := a.packer.Unpack(string(body))
	if err != nil {
		cb(chsk.CBValError)
		return false
	}
	cb(value)
	return true
}

func (a *Ajax) sendTimeout(timeoutMS int) time.Duration {
	if timeoutMS > 0 {
		return time.Duration(timeoutMS) * time.Millisecond
	}
	return time.Duration(a.cfg.TimeoutMS) * time.Millisecond
}

// Disconnect stops the poll loop.
func (a *Ajax) Disconnect() {
	a.stopped.Store(true)
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.publishState(func(s *State) { s.Open = false; s.Connecting = false; s.LastCloseReason = "requested-disconnect" })
}

// Reconnect restarts the poll loop from a clean slate.
func (a *Ajax) Reconnect() {
	a.Disconnect()
	a.stopped.Store(false)
	a.publishState(func(s *State) { s.LastCloseReason = "requested-reconnect" })
	a.Connect()
}
