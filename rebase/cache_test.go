package rebase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebaser/cas"
	"rebaser/graph"
)

func TestSnapshotCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newSnapshotCache(2)
	g, err := graph.Bootstrap()
	require.NoError(t, err)

	a, b, d := cas.Sum([]byte("a")), cas.Sum([]byte("b")), cas.Sum([]byte("d"))
	c.put(a, g)
	c.put(b, g)
	_, ok := c.get(a)
	require.True(t, ok)

	c.put(d, g)
	assert.Equal(t, 2, c.len())
	_, ok = c.get(b)
	assert.False(t, ok, "b was least recently used")
	_, ok = c.get(a)
	assert.True(t, ok)

	c.remove(a)
	_, ok = c.get(a)
	assert.False(t, ok)
	assert.Equal(t, 1, c.len())
}
