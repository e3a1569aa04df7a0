package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{Null(), Bool(true), Int(42), Float(3.5), String("hi")}
	for _, v := range cases {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		var out Value
		require.NoError(t, json.Unmarshal(b, &out))
		assert.Equal(t, v.Kind(), out.Kind())
		assert.Equal(t, v.ToAny(), out.ToAny())
	}
}

func TestRoundTripListAndMap(t *testing.T) {
	v := Map(map[string]Value{
		"a": Int(1),
		"b": List(String("x"), String("y")),
		"c": Null(),
	})
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out Value
	require.NoError(t, json.Unmarshal(b, &out))
	m, ok := out.Map()
	require.True(t, ok)
	i, ok := m["a"].Int()
	require.True(t, ok)
	assert.Equal(t, int64(1), i)
	list, ok := m["b"].List()
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestIntVsFloatPreserved(t *testing.T) {
	var out Value
	require.NoError(t, json.Unmarshal([]byte("3"), &out))
	assert.Equal(t, KindInt, out.Kind())

	require.NoError(t, json.Unmarshal([]byte("3.5"), &out))
	assert.Equal(t, KindFloat, out.Kind())
}

func TestFromAnyCollapsesWholeFloats(t *testing.T) {
	v := FromAny(float64(5))
	assert.Equal(t, KindInt, v.Kind())
}

func TestCloneIsDeep(t *testing.T) {
	orig := List(Map(map[string]Value{"k": Int(1)}))
	clone := orig.Clone()
	origList, _ := orig.List()
	cloneList, _ := clone.List()
	origMap, _ := origList[0].Map()
	origMap["k"] = Int(99)
	cloneMap, _ := cloneList[0].Map()
	v, _ := cloneMap["k"].Int()
	assert.Equal(t, int64(1), v)
}
