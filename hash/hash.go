// Package hash implements the Karabo Hash: an insertion-ordered tree of typed
// values in which every node also carries typed attributes. It is the payload
// of every broker message, pipeline frame and configuration.
//
// Paths address nested nodes with "." as separator. Writing to "a.b.c"
// creates the intermediate Hash nodes "a" and "a.b".
package hash

import (
	"iter"
	"strings"

	"github.com/c360/karabo/errors"
)

// Separator splits a path into keys.
const Separator = "."

// Node is one entry of a Hash: a key, a value and its attributes.
type Node struct {
	key   string
	value any
	attrs Attributes
}

// Key returns the node key (not the full path).
func (n *Node) Key() string { return n.key }

// Value returns the stored value.
func (n *Node) Value() any { return n.value }

// Type returns the tag of the stored value.
func (n *Node) Type() Type {
	t, _ := TypeOf(n.value)
	return t
}

// Attributes returns the node's attributes for reading and writing.
func (n *Node) Attributes() *Attributes { return &n.attrs }

// SetValue replaces the value, keeping attributes and position.
func (n *Node) SetValue(v any) error {
	nv, ok := normalize(v)
	if !ok {
		return errors.Newf(errors.Conversion, "%s: unsupported value type %T", n.key, v)
	}
	n.value = nv
	return nil
}

// Hash is an ordered mapping from keys to nodes. A nil *Hash behaves as an
// empty Hash for reads.
type Hash struct {
	nodes []*Node
	index map[string]int
}

// New returns an empty Hash.
func New() *Hash {
	return &Hash{index: make(map[string]int)}
}

// From builds a Hash from alternating path/value arguments. It panics if
// the arguments are malformed; it is intended for literals in code.
func From(pairs ...any) *Hash {
	if len(pairs)%2 != 0 {
		panic("hash.From: odd number of arguments")
	}
	h := New()
	for i := 0; i < len(pairs); i += 2 {
		path, ok := pairs[i].(string)
		if !ok {
			panic("hash.From: path must be a string")
		}
		if err := h.Set(path, pairs[i+1]); err != nil {
			panic("hash.From: " + err.Error())
		}
	}
	return h
}

// Len returns the number of top-level nodes.
func (h *Hash) Len() int {
	if h == nil {
		return 0
	}
	return len(h.nodes)
}

// Empty reports whether the Hash has no nodes.
func (h *Hash) Empty() bool { return h.Len() == 0 }

func (h *Hash) lazyInit() {
	if h.index == nil {
		h.index = make(map[string]int, len(h.nodes))
		for i, n := range h.nodes {
			h.index[n.key] = i
		}
	}
}

func (h *Hash) local(key string) *Node {
	if h == nil {
		return nil
	}
	h.lazyInit()
	if i, ok := h.index[key]; ok {
		return h.nodes[i]
	}
	return nil
}

func (h *Hash) appendNode(n *Node) {
	h.lazyInit()
	h.index[n.key] = len(h.nodes)
	h.nodes = append(h.nodes, n)
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New(errors.Format, "empty path")
	}
	keys := strings.Split(path, Separator)
	for _, k := range keys {
		if k == "" {
			return nil, errors.Newf(errors.Format, "malformed path %q", path)
		}
	}
	return keys, nil
}

// parent walks to the Hash holding the last key of path. With create set,
// missing intermediate nodes are added.
func (h *Hash) parent(path string, create bool) (*Hash, string, error) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	cur := h
	for i, k := range keys[:len(keys)-1] {
		n := cur.local(k)
		if n == nil {
			if !create {
				return nil, "", nil
			}
			child := New()
			cur.appendNode(&Node{key: k, value: child})
			cur = child
			continue
		}
		child, ok := n.value.(*Hash)
		if !ok || child == nil {
			if !create {
				return nil, "", nil
			}
			return nil, "", errors.Newf(errors.TypeMismatch, "%s is a %s, not a HASH",
				strings.Join(keys[:i+1], Separator), n.Type())
		}
		cur = child
	}
	return cur, keys[len(keys)-1], nil
}

// Set stores value at path, creating intermediate nodes. An existing node
// keeps its position and attributes. Fails with type-mismatch if an
// intermediate path element holds a non-Hash value.
func (h *Hash) Set(path string, value any) error {
	v, ok := normalize(value)
	if !ok {
		return errors.Newf(errors.Conversion, "%s: unsupported value type %T", path, value)
	}
	p, key, err := h.parent(path, true)
	if err != nil {
		return err
	}
	if n := p.local(key); n != nil {
		n.value = v
		return nil
	}
	p.appendNode(&Node{key: key, value: v})
	return nil
}

// Put is Set for literal construction: it returns h for chaining and panics
// on error.
func (h *Hash) Put(path string, value any) *Hash {
	if err := h.Set(path, value); err != nil {
		panic(err)
	}
	return h
}

// GetNode returns the node at path.
func (h *Hash) GetNode(path string) (*Node, bool) {
	if h == nil {
		return nil, false
	}
	p, key, err := h.parent(path, false)
	if err != nil || p == nil {
		return nil, false
	}
	n := p.local(key)
	return n, n != nil
}

// Get returns the value at path.
func (h *Hash) Get(path string) (any, bool) {
	n, ok := h.GetNode(path)
	if !ok {
		return nil, false
	}
	return n.value, true
}

// GetAs returns the value at path converted to t by lossless widening.
func (h *Hash) GetAs(path string, t Type) (any, error) {
	v, ok := h.Get(path)
	if !ok {
		return nil, errors.Newf(errors.Conversion, "no value at %q", path)
	}
	return Convert(v, t)
}

// GetHash returns the nested Hash at path.
func (h *Hash) GetHash(path string) (*Hash, bool) {
	v, ok := h.Get(path)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Hash)
	return c, ok && c != nil
}

// Has reports whether path exists.
func (h *Hash) Has(path string) bool {
	_, ok := h.GetNode(path)
	return ok
}

// Erase removes the node at path and reports whether it existed.
func (h *Hash) Erase(path string) bool {
	if h == nil {
		return false
	}
	p, key, err := h.parent(path, false)
	if err != nil || p == nil {
		return false
	}
	p.lazyInit()
	i, ok := p.index[key]
	if !ok {
		return false
	}
	p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
	delete(p.index, key)
	for j := i; j < len(p.nodes); j++ {
		p.index[p.nodes[j].key] = j
	}
	return true
}

// Keys returns the top-level keys in insertion order.
func (h *Hash) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, len(h.nodes))
	for i, n := range h.nodes {
		keys[i] = n.key
	}
	return keys
}

// Paths returns the full paths of all leaves in depth-first insertion order.
// An empty nested Hash counts as a leaf.
func (h *Hash) Paths() []string {
	var out []string
	h.walk("", func(path string, n *Node) bool {
		if c, ok := n.value.(*Hash); ok && !c.Empty() {
			return true
		}
		out = append(out, path)
		return true
	})
	return out
}

// Nodes returns the top-level nodes in insertion order.
func (h *Hash) Nodes() []*Node {
	if h == nil {
		return nil
	}
	out := make([]*Node, len(h.nodes))
	copy(out, h.nodes)
	return out
}

// All iterates top-level key/value pairs in insertion order.
func (h *Hash) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if h == nil {
			return
		}
		for _, n := range h.nodes {
			if !yield(n.key, n.value) {
				return
			}
		}
	}
}

// Walk visits every node depth first with its full path. Returning false
// from fn skips the node's children.
func (h *Hash) Walk(fn func(path string, n *Node) bool) {
	h.walk("", fn)
}

func (h *Hash) walk(prefix string, fn func(string, *Node) bool) {
	if h == nil {
		return
	}
	for _, n := range h.nodes {
		path := n.key
		if prefix != "" {
			path = prefix + Separator + n.key
		}
		if !fn(path, n) {
			continue
		}
		if c, ok := n.value.(*Hash); ok {
			c.walk(path, fn)
		}
	}
}

// SetAttribute sets attribute name on the node at path. The node must exist.
func (h *Hash) SetAttribute(path, name string, value any) error {
	n, ok := h.GetNode(path)
	if !ok {
		return errors.Newf(errors.Conversion, "no node at %q", path)
	}
	return n.attrs.Set(name, value)
}

// Attribute returns attribute name of the node at path.
func (h *Hash) Attribute(path, name string) (any, bool) {
	n, ok := h.GetNode(path)
	if !ok {
		return nil, false
	}
	return n.attrs.Get(name)
}

// AttributeAs returns an attribute converted to t.
func (h *Hash) AttributeAs(path, name string, t Type) (any, error) {
	v, ok := h.Attribute(path, name)
	if !ok {
		return nil, errors.Newf(errors.Conversion, "no attribute %q at %q", name, path)
	}
	return Convert(v, t)
}

// HasAttribute reports whether the node at path has attribute name.
func (h *Hash) HasAttribute(path, name string) bool {
	_, ok := h.Attribute(path, name)
	return ok
}

// Attributes returns the attribute set of the node at path.
func (h *Hash) Attributes(path string) (*Attributes, bool) {
	n, ok := h.GetNode(path)
	if !ok {
		return nil, false
	}
	return &n.attrs, true
}

// MergePolicy selects how attributes of matching nodes combine in Merge.
type MergePolicy int

const (
	// ReplaceAttributes makes the incoming node's attributes replace the existing ones.
	ReplaceAttributes MergePolicy = iota
	// MergeAttributes unions attributes, incoming values win on conflict.
	MergeAttributes
)

// Merge folds other into h recursively. Surviving keys keep the position of
// their first occurrence; new keys are appended in other's order.
func (h *Hash) Merge(other *Hash, policy MergePolicy) {
	if other == nil {
		return
	}
	for _, on := range other.nodes {
		n := h.local(on.key)
		if n == nil {
			h.appendNode(cloneNode(on))
			continue
		}
		dst, dstIsHash := n.value.(*Hash)
		src, srcIsHash := on.value.(*Hash)
		switch {
		case dstIsHash && srcIsHash && dst != nil:
			dst.Merge(src, policy)
		default:
			n.value = cloneValue(on.value)
		}
		if policy == ReplaceAttributes {
			n.attrs = on.attrs.Clone()
		} else {
			n.attrs.merge(&on.attrs)
		}
	}
}

// Clone returns a deep copy.
func (h *Hash) Clone() *Hash {
	if h == nil {
		return nil
	}
	out := &Hash{nodes: make([]*Node, len(h.nodes)), index: make(map[string]int, len(h.nodes))}
	for i, n := range h.nodes {
		out.nodes[i] = cloneNode(n)
		out.index[n.key] = i
	}
	return out
}

func cloneNode(n *Node) *Node {
	return &Node{key: n.key, value: cloneValue(n.value), attrs: n.attrs.Clone()}
}

// Equal compares structure, order, values, value types and attributes.
func (h *Hash) Equal(other *Hash) bool {
	if h.Len() != other.Len() {
		return false
	}
	for i := 0; i < h.Len(); i++ {
		a, b := h.nodes[i], other.nodes[i]
		if a.key != b.key || !a.attrs.Equal(&b.attrs) || !valuesEqual(a.value, b.value) {
			return false
		}
	}
	return true
}

// Flatten returns a one-level Hash whose keys are the leaf paths of h.
func (h *Hash) Flatten() *Hash {
	out := New()
	h.walk("", func(path string, n *Node) bool {
		if c, ok := n.value.(*Hash); ok && !c.Empty() {
			return true
		}
		out.appendNode(&Node{key: path, value: cloneValue(n.value), attrs: n.attrs.Clone()})
		return true
	})
	return out
}
