// Package model holds the in-memory representation of a key subtree: a
// tagged Value variant (null, scalar, map, sequence) and an insertion-ordered
// Map. It also provides the path operations the sync engine uses to merge
// key events into a model and the store uses to keep its tree.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ErrUnsupported is returned by FromAny for Go values that have no Value
// representation (channels, funcs, structs, non-string map keys).
var ErrUnsupported = errors.New("model: unsupported value type")

// Kind identifies the variant held by a Value.
type Kind uint8

// Value kinds. The zero Value is KindNull.
const (
	KindNull Kind = iota
	KindScalar
	KindMap
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindMap:
		return "map"
	case KindSequence:
		return "sequence"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged variant. Scalars are bool, int64, float64 or string.
// A map Value shares its *Map: mutating the map through one copy of the
// Value is visible through every other copy.
type Value struct {
	kind   Kind
	scalar any
	m      *Map
	seq    []Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindScalar, scalar: b} }

// Int returns an integer scalar.
func Int(i int64) Value { return Value{kind: KindScalar, scalar: i} }

// Float returns a floating-point scalar.
func Float(f float64) Value { return Value{kind: KindScalar, scalar: f} }

// String returns a string scalar.
func String(s string) Value { return Value{kind: KindScalar, scalar: s} }

// MapOf wraps m. A nil m yields an empty map.
func MapOf(m *Map) Value {
	if m == nil {
		m = NewMap()
	}

	return Value{kind: KindMap, m: m}
}

// SequenceOf returns a sequence of vs.
func SequenceOf(vs ...Value) Value {
	return Value{kind: KindSequence, seq: vs}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsContainer reports whether v is a map or a sequence.
func (v Value) IsContainer() bool {
	return v.kind == KindMap || v.kind == KindSequence
}

// IsPrimitive reports whether v is null or a scalar.
func (v Value) IsPrimitive() bool { return !v.IsContainer() }

// Scalar returns the scalar payload, or nil for non-scalars.
func (v Value) Scalar() any { return v.scalar }

// Map returns the map payload, or nil for non-maps.
func (v Value) Map() *Map { return v.m }

// Sequence returns the sequence payload, or nil for non-sequences.
func (v Value) Sequence() []Value { return v.seq }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return MapOf(v.m.Clone())
	case KindSequence:
		out := make([]Value, len(v.seq))
		for i := range v.seq {
			out[i] = v.seq[i].Clone()
		}

		return SequenceOf(out...)
	default:
		return v
	}
}

// Equal reports deep equality. Map field order is ignored; sequence order is
// not. Int(1) and Float(1) are different values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindScalar:
		return v.scalar == o.scalar
	case KindMap:
		return v.m.Equal(o.m)
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}

		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// ToAny converts v to plain Go values: nil, bool, int64, float64, string,
// map[string]any and []any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindMap:
		return v.m.ToAny()
	case KindSequence:
		out := make([]any, len(v.seq))
		for i := range v.seq {
			out[i] = v.seq[i].ToAny()
		}

		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}

	return string(b)
}

// MarshalJSON encodes v, preserving map field order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindMap:
		return v.m.MarshalJSON()
	case KindSequence:
		if v.seq == nil {
			return []byte("[]"), nil
		}

		return json.Marshal(v.seq)
	default:
		return []byte("null"), nil
	}
}

// FromAny converts decoded Go data into a Value. Integers of every width
// become int64 (unsigned values above MaxInt64 become float64), float32
// becomes float64, json.Number is parsed, and keys of plain Go maps are
// sorted so the result is deterministic.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Map:
		return MapOf(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		return fromNumber(t)
	case map[string]any:
		return fromStringMap(t)
	case map[any]any:
		return fromAnyMap(t)
	case []any:
		out := make([]Value, len(t))
		for i := range t {
			v, err := FromAny(t[i])
			if err != nil {
				return Value{}, err
			}

			out[i] = v
		}

		return SequenceOf(out...), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

// MustFromAny is FromAny for values known to be representable. It panics
// on ErrUnsupported.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}

	return v
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Float(float64(u))
	}

	return Int(int64(u))
}

func fromNumber(n json.Number) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Int(i), nil
	}

	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("model: parsing number %q: %w", n.String(), err)
	}

	return Float(f), nil
}

func fromStringMap(src map[string]any) (Value, error) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	m := NewMap()
	for _, k := range keys {
		v, err := FromAny(src[k])
		if err != nil {
			return Value{}, err
		}

		m.Set(k, v)
	}

	return MapOf(m), nil
}

func fromAnyMap(src map[any]any) (Value, error) {
	conv := make(map[string]any, len(src))
	for k, v := range src {
		ks, ok := k.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: map key %T", ErrUnsupported, k)
		}

		conv[ks] = v
	}

	return fromStringMap(conv)
}
