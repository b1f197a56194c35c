package model

import "strconv"

// ValueField is the reserved field under which a map holds a scalar when the
// key it mirrors stores a primitive instead of a collection. A map never
// holds ValueField together with other fields.
const ValueField = "$value"

// ReadAt returns the value at segs below m. An empty segs returns m itself.
// The second result is false when any segment is absent or an intermediate
// value is not a map.
func ReadAt(m *Map, segs []string) (Value, bool) {
	if len(segs) == 0 {
		return MapOf(m), true
	}

	cur := m

	for i, s := range segs {
		v, ok := cur.Get(s)
		if !ok {
			return Value{}, false
		}

		if i == len(segs)-1 {
			return v, true
		}

		if cur = v.Map(); cur == nil {
			return Value{}, false
		}
	}

	return Value{}, false
}

// Assign applies v to the root map m. A primitive replaces every field with
// {ValueField: v}. A container is merged field by field onto m (fields of m
// that v lacks are kept) and clears any ValueField.
func Assign(m *Map, v Value) {
	if v.IsPrimitive() {
		m.Clear()
		m.Set(ValueField, v)

		return
	}

	m.Delete(ValueField)
	mergeProjected(m, project(v).Map())
}

// WriteAt stores v at segs below m, creating intermediate maps as needed.
// An intermediate scalar is replaced by a map, and every map on the way
// loses its ValueField: structure wins over scalar. When v is a container
// and a map already exists at segs, v's fields are merged into it.
// An empty segs behaves like Assign.
func WriteAt(m *Map, segs []string, v Value) {
	if len(segs) == 0 {
		Assign(m, v)
		return
	}

	parent := Branch(m, segs[:len(segs)-1])
	last := segs[len(segs)-1]

	if v.IsContainer() {
		if cur, ok := parent.Get(last); ok && cur.Map() != nil {
			target := cur.Map()
			target.Delete(ValueField)
			mergeProjected(target, project(v).Map())

			return
		}
	}

	parent.Set(last, project(v))
}

// ReplaceAt stores v at segs below m, discarding whatever was there. At the
// root a primitive becomes {ValueField: v} and a container replaces all
// fields.
func ReplaceAt(m *Map, segs []string, v Value) {
	if len(segs) == 0 {
		m.Clear()

		if v.IsPrimitive() {
			m.Set(ValueField, v)
		} else {
			mergeProjected(m, project(v).Map())
		}

		return
	}

	parent := Branch(m, segs[:len(segs)-1])
	parent.Set(segs[len(segs)-1], project(v))
}

// DeleteAt removes the value at segs and then removes every ancestor map
// the deletion left empty, stopping below m: deleting the last child of a
// branch prunes the branch. It reports whether anything was removed. An
// empty segs removes nothing.
func DeleteAt(m *Map, segs []string) bool {
	if len(segs) == 0 {
		return false
	}

	chain := make([]*Map, 0, len(segs))
	cur := m

	for _, s := range segs[:len(segs)-1] {
		v, ok := cur.Get(s)
		if !ok || v.Map() == nil {
			return false
		}

		chain = append(chain, cur)
		cur = v.Map()
	}

	if !cur.Delete(segs[len(segs)-1]) {
		return false
	}

	for i := len(chain) - 1; i >= 0 && cur.Len() == 0; i-- {
		chain[i].Delete(segs[i])
		cur = chain[i]
	}

	return true
}

// Branch returns the map at segs below m, creating missing maps and
// replacing scalars on the way. ValueField is cleared on m and on every map
// it passes through.
func Branch(m *Map, segs []string) *Map {
	cur := m
	cur.Delete(ValueField)

	for _, s := range segs {
		v, ok := cur.Get(s)

		next := v.Map()
		if !ok || next == nil {
			next = NewMap()
			cur.Set(s, MapOf(next))
		}

		next.Delete(ValueField)
		cur = next
	}

	return cur
}

// Merge shallow-merges src's fields onto dst. Each field of src replaces the
// same field of dst; fields only in dst are kept.
func Merge(dst, src *Map) {
	mergeProjected(dst, project(MapOf(src)).Map())
}

// mergeProjected sets each field of src on dst. A field that is a map on
// both sides has its contents replaced in place rather than the map swapped
// out, so holders of the nested *Map (child engines) keep seeing it.
func mergeProjected(dst, src *Map) {
	for k, v := range src.All() {
		if cur, ok := dst.Get(k); ok && cur.Map() != nil && v.Map() != nil {
			replaceContents(cur.Map(), v.Map())
			continue
		}

		dst.Set(k, v)
	}
}

// replaceContents makes dst hold exactly src's fields while keeping the
// identity of dst and of every nested map present on both sides.
func replaceContents(dst, src *Map) {
	for _, k := range dst.Keys() {
		if _, ok := src.Get(k); !ok {
			dst.Delete(k)
		}
	}

	mergeProjected(dst, src)
}

// Removed returns the paths present in prev and absent from next, walking
// into fields that are maps on both sides. ValueField is ignored. Paths are
// listed in prev's order; the descendants of a removed path are not listed.
func Removed(prev, next *Map) [][]string {
	var out [][]string

	var walk func(p, n *Map, prefix []string)
	walk = func(p, n *Map, prefix []string) {
		for k, pv := range p.All() {
			if k == ValueField {
				continue
			}

			path := append(append([]string(nil), prefix...), k)

			nv, ok := n.Get(k)
			if !ok {
				out = append(out, path)
				continue
			}

			if pv.Map() != nil && nv.Map() != nil {
				walk(pv.Map(), nv.Map(), path)
			}
		}
	}

	walk(prev, next, nil)

	return out
}

// Walk calls fn for every primitive leaf of v with its path relative to v.
// Sequences are visited as index-keyed maps. Empty containers have no
// leaves.
func Walk(v Value, fn func(segs []string, leaf Value)) {
	var walk func(v Value, prefix []string)
	walk = func(v Value, prefix []string) {
		if v.IsPrimitive() {
			fn(prefix, v)
			return
		}

		for k, child := range project(v).Map().All() {
			walk(child, append(append([]string(nil), prefix...), k))
		}
	}

	walk(v, nil)
}

// project returns a deep copy of v in which every sequence has become a map
// keyed by element index, the shape a model stores.
func project(v Value) Value {
	switch v.Kind() {
	case KindMap:
		out := NewMap()
		for k, child := range v.Map().All() {
			out.Set(k, project(child))
		}

		return MapOf(out)
	case KindSequence:
		out := NewMap()
		for i, child := range v.Sequence() {
			out.Set(strconv.Itoa(i), project(child))
		}

		return MapOf(out)
	default:
		return v
	}
}
