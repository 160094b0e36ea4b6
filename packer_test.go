package chsk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackEnvelope_NoCB(t *testing.T) {
	p := JSONPacker{}
	packed, err := PackEnvelope(p, []interface{}{"app/ping"}, "", false)
	require.NoError(t, err)

	value, cb, hasCB, err := UnpackEnvelope(p, packed)
	require.NoError(t, err)
	assert.False(t, hasCB)
	assert.Empty(t, cb)
	assert.Equal(t, []interface{}{"app/ping"}, value)
}

func TestPackUnpackEnvelope_WithCB(t *testing.T) {
	p := JSONPacker{}
	packed, err := PackEnvelope(p, "some-value", CBUUID("abc123"), true)
	require.NoError(t, err)

	value, cb, hasCB, err := UnpackEnvelope(p, packed)
	require.NoError(t, err)
	assert.True(t, hasCB)
	assert.Equal(t, CBUUID("abc123"), cb)
	assert.Equal(t, "some-value", value)
}

func TestUnpackEnvelope_LegacyPrefixes(t *testing.T) {
	p := JSONPacker{}

	bare, err := p.Pack("bare-payload")
	require.NoError(t, err)
	value, _, hasCB, err := UnpackEnvelope(p, "-"+bare)
	require.NoError(t, err)
	assert.False(t, hasCB)
	assert.Equal(t, "bare-payload", value)

	wrapped, err := PackEnvelope(p, "wrapped-payload", "", false)
	require.NoError(t, err)
	value2, _, _, err := UnpackEnvelope(p, "+"+wrapped)
	require.NoError(t, err)
	assert.Equal(t, "wrapped-payload", value2)
}

func TestUnpackEnvelope_AjaxCBSentinel(t *testing.T) {
	p := JSONPacker{}
	packed, err := p.Pack([]interface{}{"v", float64(0)})
	require.NoError(t, err)

	_, cb, hasCB, err := UnpackEnvelope(p, packed)
	require.NoError(t, err)
	require.True(t, hasCB)
	assert.True(t, cb.IsAjax())
}

func TestUnpackEnvelope_Malformed(t *testing.T) {
	p := JSONPacker{}
	value, _, hasCB, err := UnpackEnvelope(p, "not json at all {{{")
	require.NoError(t, err)
	assert.False(t, hasCB)
	arr, ok := value.([]interface{})
	require.True(t, ok)
	assert.Equal(t, EvBadPackage, arr[0])
}

func TestUnpackEnvelope_Empty(t *testing.T) {
	p := JSONPacker{}
	value, _, hasCB, err := UnpackEnvelope(p, "")
	require.NoError(t, err)
	assert.False(t, hasCB)
	arr, ok := value.([]interface{})
	require.True(t, ok)
	assert.Equal(t, EvBadPackage, arr[0])
}
