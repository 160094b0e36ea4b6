package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chskio/chsk"
)

type recordingChannel struct {
	mu      sync.Mutex
	packets []string
	closed  bool
}

func (r *recordingChannel) Send(packed string, isWebSocket bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.packets = append(r.packets, packed)
	return true
}

func (r *recordingChannel) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendBufMSWS = 10
	cfg.SendBufMSAjax = 10
	return cfg
}

func TestEngine_Send_RejectsNilUID(t *testing.T) {
	e := NewEngine(NewRegistry(), chsk.JSONPacker{}, testConfig(), nil)
	err := e.Send("", chsk.New("app/x"), false)
	assert.ErrorIs(t, err, ErrNilUID)
}

func TestEngine_Send_FlushNowDeliversImmediately(t *testing.T) {
	reg := NewRegistry()
	sch := &recordingChannel{}
	reg.Attach(TransportWS, "u1", "cid1", true, nil, sch)

	e := NewEngine(reg, chsk.JSONPacker{}, testConfig(), nil)
	require.NoError(t, e.Send("u1", chsk.NewWithData("app/x", 1), true))

	assert.Eventually(t, func() bool { return sch.count() == 1 }, time.Second, time.Millisecond)
}

func TestEngine_Send_CoalescesWithinWindow(t *testing.T) {
	reg := NewRegistry()
	sch := &recordingChannel{}
	reg.Attach(TransportWS, "u1", "cid1", true, nil, sch)

	e := NewEngine(reg, chsk.JSONPacker{}, testConfig(), nil)
	require.NoError(t, e.Send("u1", chsk.New("app/a"), false))
	require.NoError(t, e.Send("u1", chsk.New("app/b"), false))

	assert.Eventually(t, func() bool { return sch.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, sch.count(), "two sends within the buffer window should fanout as a single batch")
}

func TestEngine_Deliver_SlidingBufferDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufOrN = 2
	e := NewEngine(NewRegistry(), chsk.JSONPacker{}, cfg, nil)

	e.Deliver(chsk.EventMsg{Event: chsk.New("app/1")})
	e.Deliver(chsk.EventMsg{Event: chsk.New("app/2")})
	e.Deliver(chsk.EventMsg{Event: chsk.New("app/3")})

	first := <-e.Recv()
	second := <-e.Recv()
	assert.Equal(t, "app/2", first.Event.ID)
	assert.Equal(t, "app/3", second.Event.ID)
}

func TestMakeReplyFn_OnlyFiresOnce(t *testing.T) {
	reg := NewRegistry()
	sch := &recordingChannel{}
	e := NewEngine(reg, chsk.JSONPacker{}, testConfig(), nil)

	fn := e.makeReplyFn(sch, true, chsk.NewCBUUID())
	fn("first")
	fn("second")

	assert.Equal(t, 1, sch.count())
}
