package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	input := `{"zeta":1,"alpha":{"b":2,"a":1},"mid":"x"}`

	var m Map
	require.NoError(t, json.Unmarshal([]byte(input), &m))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys())

	encoded, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, input, string(encoded))
}

func TestMapSetKeepsPositionOfExistingKey(t *testing.T) {
	t.Parallel()

	m, err := FromPairs("name", "Ada", "link", "https://example.com")
	require.NoError(t, err)
	require.NoError(t, m.Set("name", "Grace"))

	name, ok := m.String("name")
	require.True(t, ok)
	assert.Equal(t, "Grace", name)
	assert.Equal(t, []string{"name", "link"}, m.Keys())
}

func TestMapZeroValueAndNull(t *testing.T) {
	t.Parallel()

	var zero Map
	encoded, err := json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(encoded))

	var fromNull Map
	require.NoError(t, json.Unmarshal([]byte("null"), &fromNull))
	assert.Equal(t, 0, fromNull.Len())
}

func TestMapRejectsNonObject(t *testing.T) {
	t.Parallel()

	var m Map
	err := json.Unmarshal([]byte(`[1,2]`), &m)
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestMapCloneIsIndependent(t *testing.T) {
	t.Parallel()

	original, err := FromPairs("a", 1)
	require.NoError(t, err)

	clone := original.Clone()
	require.NoError(t, clone.Set("b", 2))

	assert.Equal(t, 1, original.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestFromPairsValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := FromPairs("a")
	assert.Error(t, err)

	_, err = FromPairs(1, "a")
	assert.Error(t, err)
}
