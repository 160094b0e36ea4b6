package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateBox_UpdateReportsOpenChanged(t *testing.T) {
	b := newStateBox()
	var changes []StateChange
	b.setOnChange(func(c StateChange) { changes = append(changes, c) })

	b.update(func(s *State) { s.Connecting = true })
	b.update(func(s *State) { s.Open = true; s.Connecting = false })
	b.update(func(s *State) { s.UID = "u1" })

	assert.Len(t, changes, 3)
	assert.False(t, changes[0].OpenChanged)
	assert.True(t, changes[1].OpenChanged)
	assert.False(t, changes[2].OpenChanged)
	assert.Equal(t, "u1", b.get().UID)
}

func TestWithDefaults_FillsZeroValues(t *testing.T) {
	cfg := withDefaults(Config{})
	assert.Equal(t, 10000, cfg.TimeoutMS)
	assert.Equal(t, 20000, cfg.WSKaliveMS)
	assert.Equal(t, 5000, cfg.WSKalivePingTimeoutMS)
	assert.Equal(t, 60000, cfg.LPTimeoutMS)
	assert.NotNil(t, cfg.Params)
}

func TestNewBackOff_ProducesPositiveDelays(t *testing.T) {
	b := newBackOff()
	first := b.NextBackOff()
	second := b.NextBackOff()
	assert.Greater(t, int64(first), int64(0))
	assert.Greater(t, int64(second), int64(0))
}
