// Package keypath manipulates the slash-separated key paths that address
// nodes in a hierarchical key-value store. All functions are pure.
package keypath

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Separator divides the segments of a key path.
const Separator = "/"

// Root is the path of the store's top-level node.
const Root = Separator

// Clean returns the canonical form of p: NFC-normalized, with a leading
// separator, no empty segments and no trailing separator. The root cleans
// to "/".
func Clean(p string) string {
	return Separator + strings.Join(Split(p), Separator)
}

// Split returns the non-empty, NFC-normalized segments of p. The root (or
// an empty string) yields a nil slice.
func Split(p string) []string {
	var segs []string

	for _, s := range strings.Split(p, Separator) {
		if s == "" {
			continue
		}

		segs = append(segs, norm.NFC.String(s))
	}

	return segs
}

// Join appends elems to root. Each elem may itself contain separators.
func Join(root string, elems ...string) string {
	segs := Split(root)
	for _, e := range elems {
		segs = append(segs, Split(e)...)
	}

	return Separator + strings.Join(segs, Separator)
}

// Parent returns the path of p's parent. The parent of the root is the root.
func Parent(p string) string {
	segs := Split(p)
	if len(segs) == 0 {
		return Root
	}

	return Separator + strings.Join(segs[:len(segs)-1], Separator)
}

// Base returns the last segment of p, or "" for the root.
func Base(p string) string {
	segs := Split(p)
	if len(segs) == 0 {
		return ""
	}

	return segs[len(segs)-1]
}

// Relative returns the segments of key below root. An empty result means
// key is root itself. The caller guarantees key lies within root; for any
// other key the result is the key's segments with the common prefix
// removed, which is not meaningful.
func Relative(key, root string) []string {
	keySegs := Split(key)
	rootSegs := Split(root)

	n := 0
	for n < len(rootSegs) && n < len(keySegs) && keySegs[n] == rootSegs[n] {
		n++
	}

	if n == len(keySegs) {
		return nil
	}

	return keySegs[n:]
}

// Within reports whether key is root or one of its descendants.
func Within(key, root string) bool {
	keySegs := Split(key)
	rootSegs := Split(root)

	if len(rootSegs) > len(keySegs) {
		return false
	}

	for i, s := range rootSegs {
		if keySegs[i] != s {
			return false
		}
	}

	return true
}

// Ancestors returns every proper ancestor of p from the root down, root
// included. The root has no ancestors.
func Ancestors(p string) []string {
	segs := Split(p)
	if len(segs) == 0 {
		return nil
	}

	out := make([]string, 0, len(segs))
	for i := range len(segs) {
		out = append(out, Separator+strings.Join(segs[:i], Separator))
	}

	return out
}
