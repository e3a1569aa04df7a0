// Package flow holds the attribute-map type shared by steps, tasks and
// facet payloads throughout the engine.
package flow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentflow/agentflow/value"
)

// Attribute is one named entry of an Attributes map: a value plus the
// optional declared type hint carried from the AST (advisory only, per
// the facet declaration's parameter typing).
type Attribute struct {
	Name     string
	Value    value.Value
	TypeHint string
}

// Attributes is the ordered map from name to Attribute backing a step's
// params/returns and a task's data. Order is preserved across Set calls
// so that positional consumers (foreach aggregation, log rendering) see
// a stable, declaration-order view.
type Attributes struct {
	order []string
	m     map[string]Attribute
}

// New returns an empty Attributes map.
func New() *Attributes {
	return &Attributes{m: map[string]Attribute{}}
}

// FromMap builds an Attributes map from a plain value map. Keys are added
// in Go map iteration order, so the resulting order is not deterministic;
// callers needing a stable order build the map with New and Set instead.
func FromMap(values map[string]value.Value) *Attributes {
	a := New()
	for k, v := range values {
		a.Set(k, v, "")
	}
	return a
}

// Set inserts or overwrites name, appending it to the order on first
// insertion.
func (a *Attributes) Set(name string, v value.Value, typeHint string) {
	if _, ok := a.m[name]; !ok {
		a.order = append(a.order, name)
	}
	a.m[name] = Attribute{Name: name, Value: v, TypeHint: typeHint}
}

// Get returns the named attribute, if present.
func (a *Attributes) Get(name string) (Attribute, bool) {
	if a == nil {
		return Attribute{}, false
	}
	attr, ok := a.m[name]
	return attr, ok
}

// Value is a convenience accessor returning just the value.Value.
func (a *Attributes) Value(name string) (value.Value, bool) {
	attr, ok := a.Get(name)
	return attr.Value, ok
}

// Names returns the attribute names in insertion order.
func (a *Attributes) Names() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len reports the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.order)
}

// Clone returns a deep copy preserving order.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return New()
	}
	out := &Attributes{
		order: append([]string{}, a.order...),
		m:     make(map[string]Attribute, len(a.m)),
	}
	for k, v := range a.m {
		out.m[k] = Attribute{Name: v.Name, Value: v.Value.Clone(), TypeHint: v.TypeHint}
	}
	return out
}

// Overlay returns a copy of a with every attribute of other set on top
// (other wins on name collisions). Used for "defaults, then overlay
// inputs" resolution (workflow parameters) and implicit-argument overlay.
func (a *Attributes) Overlay(other *Attributes) *Attributes {
	out := a.Clone()
	if other == nil {
		return out
	}
	for _, name := range other.Names() {
		attr, _ := other.Get(name)
		out.Set(attr.Name, attr.Value, attr.TypeHint)
	}
	return out
}

// ToValueMap returns a plain map view, discarding order and type hints.
func (a *Attributes) ToValueMap() map[string]value.Value {
	out := make(map[string]value.Value, a.Len())
	if a == nil {
		return out
	}
	for _, name := range a.order {
		out[name] = a.m[name].Value
	}
	return out
}

// MarshalJSON renders as a JSON object in insertion order (type hints are
// not part of the wire shape; they are advisory AST metadata, not data).
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range a.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(a.m[name].Value)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object preserving key order via token
// scanning (encoding/json's map decoding does not preserve order).
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("flow: Attributes must decode from a JSON object")
	}
	*a = *New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("flow: Attributes object key must be a string")
		}
		var v value.Value
		if err := dec.Decode(&v); err != nil {
			return err
		}
		a.Set(key, v, "")
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
