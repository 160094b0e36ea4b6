package chsk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidEventID(t *testing.T) {
	cases := map[string]bool{
		"chsk/handshake": true,
		"app/login":      true,
		"noNamespace":    false,
		"/leading":       false,
		"trailing/":      false,
		"":               false,
	}
	for id, want := range cases {
		assert.Equalf(t, want, ValidEventID(id), "id %q", id)
	}
}

func TestReserved(t *testing.T) {
	assert.True(t, Reserved("chsk/close"))
	assert.True(t, Reserved("sente/foo"))
	assert.False(t, Reserved("app/foo"))
}

func TestEventFromValue_WellFormed(t *testing.T) {
	ev := EventFromValue([]interface{}{"app/login", map[string]interface{}{"uid": "u1"}})
	require.Equal(t, "app/login", ev.ID)
	require.True(t, ev.HasData)
	assert.Equal(t, map[string]interface{}{"uid": "u1"}, ev.Data)
}

func TestEventFromValue_DataLess(t *testing.T) {
	ev := EventFromValue([]interface{}{"app/ping"})
	assert.Equal(t, "app/ping", ev.ID)
	assert.False(t, ev.HasData)
}

func TestEventFromValue_Malformed(t *testing.T) {
	cases := []interface{}{
		"not-an-array",
		[]interface{}{},
		[]interface{}{"a", "b", "c"},
		[]interface{}{"no-namespace"},
		[]interface{}{123},
	}
	for _, v := range cases {
		ev := EventFromValue(v)
		assert.Equal(t, EvBadEvent, ev.ID)
		assert.Equal(t, v, ev.Data)
	}
}

func TestAsValue_RoundTrip(t *testing.T) {
	ev := NewWithData("app/login", 42)
	got := EventFromValue(ev.AsValue())
	assert.Equal(t, ev, got)

	ev2 := New("app/ping")
	got2 := EventFromValue(ev2.AsValue())
	assert.Equal(t, ev2, got2)
}

func TestValidateSend(t *testing.T) {
	assert.NoError(t, ValidateSend(New("app/x")))
	err := ValidateSend(New("bad"))
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestValidateUserSend_RejectsReserved(t *testing.T) {
	err := ValidateUserSend(New("chsk/close"))
	assert.True(t, errors.Is(err, ErrReservedEvent))
}
