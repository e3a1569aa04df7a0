package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/value"
)

func idx(order []string, id string) int {
	for i, o := range order {
		if o == id {
			return i
		}
	}
	return -1
}

func TestDataFlowOrdering(t *testing.T) {
	block := &ast.Block{Statements: []*ast.Statement{
		{ID: "s1", FacetName: "Add", Args: map[string]*ast.Expr{"x": ast.Lit(value.Int(1))}},
		{ID: "s2", FacetName: "Double", Args: map[string]*ast.Expr{"x": ast.StatementRef("s1", "r")}},
	}}
	g, err := Build(block)
	require.NoError(t, err)
	assert.Less(t, idx(g.Order, "s1"), idx(g.Order, "s2"))
}

func TestExplicitPrecedence(t *testing.T) {
	block := &ast.Block{Statements: []*ast.Statement{
		{ID: "s1", FacetName: "A"},
		{ID: "s2", FacetName: "B", Precedence: []string{"s1"}},
	}}
	g, err := Build(block)
	require.NoError(t, err)
	assert.Less(t, idx(g.Order, "s1"), idx(g.Order, "s2"))
}

func TestSourceOrderTieBreak(t *testing.T) {
	block := &ast.Block{Statements: []*ast.Statement{
		{ID: "s2", FacetName: "B"},
		{ID: "s1", FacetName: "A"},
	}}
	g, err := Build(block)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, g.Order)
}

func TestPrecedenceGuardOrdersAndEvaluates(t *testing.T) {
	block := &ast.Block{Statements: []*ast.Statement{
		{ID: "s1", FacetName: "A"},
		{ID: "s2", FacetName: "B", PrecedenceGuard: "s1.done"},
	}}
	g, err := Build(block)
	require.NoError(t, err)
	assert.Less(t, idx(g.Order, "s1"), idx(g.Order, "s2"))

	ok, err := g.EvalGuard("s2", map[string]bool{"s1": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.EvalGuard("s2", map[string]bool{"s1": false})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.EvalGuard("s1", nil)
	require.NoError(t, err)
	assert.True(t, ok, "a statement with no guard always evaluates true")
}

func TestCycleDetected(t *testing.T) {
	block := &ast.Block{Statements: []*ast.Statement{
		{ID: "s1", FacetName: "A", Precedence: []string{"s2"}},
		{ID: "s2", FacetName: "B", Precedence: []string{"s1"}},
	}}
	_, err := Build(block)
	assert.Error(t, err)
}

func TestCacheRebuildsLazilyIfMissing(t *testing.T) {
	c := NewCache()
	block := &ast.Block{Statements: []*ast.Statement{{ID: "s1"}}}
	g1, err := c.GetOrBuild("block-1", block)
	require.NoError(t, err)
	g2, err := c.GetOrBuild("block-1", nil)
	require.NoError(t, err)
	assert.Same(t, g1, g2, "second call with a nil block must hit the cache, not rebuild from nil")
}
