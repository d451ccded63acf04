package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStringVerbatim(t *testing.T) {
	k, err := Key("decision:abc")
	require.NoError(t, err)
	assert.Equal(t, "decision:abc", k)
}

func TestKeyStableAcrossFieldOrder(t *testing.T) {
	a := map[string]any{"user": "alice", "action": "read", "n": 3}
	b := map[string]any{"n": 3, "action": "read", "user": "alice"}

	ka, err := Key(a)
	require.NoError(t, err)
	kb, err := Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "canonicalization must erase map ordering")
}

func TestKeyDistinguishesValues(t *testing.T) {
	ka, err := Key(map[string]any{"x": 1})
	require.NoError(t, err)
	kb, err := Key(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb)
}

func TestKeyUnmarshalableValue(t *testing.T) {
	_, err := Key(map[string]any{"f": func() {}})
	assert.Error(t, err)
}
