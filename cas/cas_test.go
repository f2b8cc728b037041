package cas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": []any{map[string]any{"y": 1, "x": 2}},
	}

	result, err := CanonicalJSON(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":2,"y":1}],"z":{"a":2,"b":1}}`, string(result))
}

func TestCanonicalJSON_PreservesLargeIntegers(t *testing.T) {
	result, err := CanonicalJSON(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(result))
}

func TestSumJSON_IndependentOfFieldOrder(t *testing.T) {
	a, err := SumJSON(map[string]any{"kind": "prop", "name": "size"})
	require.NoError(t, err)
	b, err := SumJSON(map[string]any{"name": "size", "kind": "prop"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestHash_TextRoundTrip(t *testing.T) {
	h := Sum([]byte("snapshot"))

	data, err := json.Marshal(map[string]Hash{"address": h})
	require.NoError(t, err)

	var decoded map[string]Hash
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded["address"])
	assert.Len(t, h.Short(), 12)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestHash_Scan(t *testing.T) {
	h := Sum([]byte("blob"))

	var scanned Hash
	require.NoError(t, scanned.Scan(h.Bytes()))
	assert.Equal(t, h, scanned)

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	v, err := ZeroHash.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestHasher_LengthPrefixed(t *testing.T) {
	a := NewHasher()
	a.WriteString("ab")
	a.WriteString("c")

	b := NewHasher()
	b.WriteString("a")
	b.WriteString("bc")

	assert.NotEqual(t, a.Sum(), b.Sum())
}

func TestNowMs(t *testing.T) {
	// 2024-01-01 in milliseconds
	assert.Greater(t, NowMs(), int64(1704067200000))
}
