package network

import (
	"context"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmpty(t *testing.T) {
	_, err := Render(context.Background(), BuildJSON(nil), graphviz.SVG)
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

func TestRenderSVG(t *testing.T) {
	net, err := Build(table(rule("A", "B", 2), rule("B", "C", 1.5)), Options{Strict: true, FullTenantList: []string{"D"}})
	require.NoError(t, err)

	out, err := Render(context.Background(), net, graphviz.SVG)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<svg")
	assert.Contains(t, string(out), ">A<")
}
