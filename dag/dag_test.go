package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphOrderAndExport(t *testing.T) {
	g := New()
	for _, name := range []string{"validate", "reserve", "pay"} {
		_, err := g.AddNamed(name, name)
		require.NoError(t, err)
	}
	require.NoError(t, g.Connect("validate", "reserve", EdgeNext))
	require.NoError(t, g.Connect("reserve", "pay", EdgeNext))
	require.NoError(t, g.Connect("validate", "pay", EdgeData))

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "reserve", "pay"}, order)

	dot, err := g.ExportToDot("checkout")
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph checkout")
	assert.Contains(t, dot, "validate -> pay")
	assert.Contains(t, dot, "dashed")

	n, ok := g.Named("pay")
	require.True(t, ok)
	assert.Equal(t, "pay", n.Name())
}

func TestGraphRejectsBadEdges(t *testing.T) {
	g := New()
	_, err := g.AddNamed("a", "a")
	require.NoError(t, err)
	_, err = g.AddNamed("a", "a")
	assert.Error(t, err)
	_, err = g.AddNamed("b", "b")
	require.NoError(t, err)

	assert.Error(t, g.Connect("a", "a", EdgeData))
	assert.Error(t, g.Connect("a", "ghost", EdgeNext))

	require.NoError(t, g.Connect("a", "b", EdgeNext))
	require.NoError(t, g.Connect("b", "a", EdgeData))
	_, err = g.Order()
	assert.ErrorContains(t, err, "dependency cycle")
}
