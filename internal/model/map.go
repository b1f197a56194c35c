package model

import (
	"bytes"
	"encoding/json"
	"iter"
	"slices"
)

// Map is an insertion-ordered mapping of field names to Values. The zero
// value is an empty map ready to use. A Map is not safe for concurrent use.
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Len returns the number of fields.
func (m *Map) Len() int { return len(m.keys) }

// Keys returns the field names in insertion order.
func (m *Map) Keys() []string { return slices.Clone(m.keys) }

// Get returns the value stored under k.
func (m *Map) Get(k string) (Value, bool) {
	v, ok := m.vals[k]
	return v, ok
}

// Has reports whether k is present.
func (m *Map) Has(k string) bool {
	_, ok := m.vals[k]
	return ok
}

// Set stores v under k. A new key is appended; an existing key keeps its
// position.
func (m *Map) Set(k string, v Value) {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}

	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}

	m.vals[k] = v
}

// Delete removes k and reports whether it was present.
func (m *Map) Delete(k string) bool {
	if _, ok := m.vals[k]; !ok {
		return false
	}

	delete(m.vals, k)
	m.keys = slices.DeleteFunc(m.keys, func(s string) bool { return s == k })

	return true
}

// Clear removes every field, keeping the Map's identity.
func (m *Map) Clear() {
	m.keys = nil
	m.vals = make(map[string]Value)
}

// All iterates over the fields in insertion order.
func (m *Map) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, k := range m.keys {
			if !yield(k, m.vals[k]) {
				return
			}
		}
	}
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := &Map{
		keys: slices.Clone(m.keys),
		vals: make(map[string]Value, len(m.vals)),
	}

	for k, v := range m.vals {
		out.vals[k] = v.Clone()
	}

	return out
}

// Equal reports deep equality, ignoring field order.
func (m *Map) Equal(o *Map) bool {
	if m == nil || o == nil {
		return m == o
	}

	if len(m.vals) != len(o.vals) {
		return false
	}

	for k, v := range m.vals {
		ov, ok := o.vals[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}

	return true
}

// ToAny converts m to a map[string]any tree.
func (m *Map) ToAny() map[string]any {
	out := make(map[string]any, len(m.vals))
	for k, v := range m.vals {
		out[k] = v.ToAny()
	}

	return out
}

// MarshalJSON encodes m as a JSON object in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}

		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}

		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}
