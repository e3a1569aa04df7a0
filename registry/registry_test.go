package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/value"
)

func TestLookupFallbackChain(t *testing.T) {
	r := New()
	r.Register("fetch.Url", func(p *flow.Attributes) (*flow.Attributes, error) {
		out := flow.New()
		out.Set("body", value.String("qualified"), "")
		return out, nil
	})
	r.Register("Url", func(p *flow.Attributes) (*flow.Attributes, error) {
		out := flow.New()
		out.Set("body", value.String("short"), "")
		return out, nil
	})

	h, ok := r.Lookup("fetch.Url")
	require.True(t, ok)
	res, err := h(flow.New())
	require.NoError(t, err)
	v, _ := res.Value("body")
	s, _ := v.String()
	assert.Equal(t, "qualified", s)

	h, ok = r.Lookup("other.Url")
	require.True(t, ok, "falls back to short leaf name")
	res, _ = h(flow.New())
	v, _ = res.Value("body")
	s, _ = v.String()
	assert.Equal(t, "short", s)
}

func TestLookupDefaultThenNil(t *testing.T) {
	r := New()
	_, ok := r.Lookup("nope")
	assert.False(t, ok)

	r.SetDefault(func(name string, p *flow.Attributes) (*flow.Attributes, error) {
		out := flow.New()
		out.Set("name", value.String(name), "")
		return out, nil
	})
	h, ok := r.Lookup("nope")
	require.True(t, ok)
	res, _ := h(flow.New())
	v, _ := res.Value("name")
	s, _ := v.String()
	assert.Equal(t, "nope", s)
}

func TestHasHandlerIgnoresDefault(t *testing.T) {
	r := New()
	r.SetDefault(func(name string, p *flow.Attributes) (*flow.Attributes, error) { return flow.New(), nil })
	assert.False(t, r.HasHandler("x"), "HasHandler must not count the default fallback")
	r.Register("x", func(p *flow.Attributes) (*flow.Attributes, error) { return flow.New(), nil })
	assert.True(t, r.HasHandler("x"))
}
