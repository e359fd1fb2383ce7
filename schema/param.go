package schema

import (
	"reflect"

	"github.com/c360/karabo/hash"
)

// Param is a read-only view of one schema node.
type Param struct {
	Path string
	node *hash.Node
}

// Lookup returns the description of path.
func Lookup(s *hash.Schema, path string) (Param, bool) {
	if s == nil {
		return Param{}, false
	}
	n, ok := s.Hash.GetNode(path)
	if !ok {
		return Param{}, false
	}
	return Param{Path: path, node: n}, true
}

func (p Param) int32Attr(name string, def int32) int32 {
	v, err := p.node.Attributes().GetAs(name, hash.Int32)
	if err != nil {
		return def
	}
	return v.(int32)
}

// NodeType returns LEAF, NODE, CHOICE_OF_NODES or LIST_OF_NODES.
func (p Param) NodeType() NodeType { return NodeType(p.int32Attr(AttrNodeType, int32(Leaf))) }

// ValueType returns the leaf value type; None for structural nodes.
func (p Param) ValueType() hash.Type {
	s, ok := p.StringAttr(AttrValueType)
	if !ok {
		return hash.None
	}
	t, ok := hash.ParseType(s)
	if !ok {
		return hash.None
	}
	return t
}

// AccessMode defaults to RECONFIGURABLE when undeclared.
func (p Param) AccessMode() AccessMode {
	return AccessMode(p.int32Attr(AttrAccessMode, int32(Reconfigurable)))
}

// Assignment defaults to OPTIONAL when undeclared.
func (p Param) Assignment() Assignment {
	return Assignment(p.int32Attr(AttrAssignment, int32(Optional)))
}

// DisplayType returns the presentation hint, if any.
func (p Param) DisplayType() string {
	s, _ := p.StringAttr(AttrDisplayType)
	return s
}

// IsSlot reports whether the node declares a slot.
func (p Param) IsSlot() bool {
	return p.NodeType() == Node && p.DisplayType() == DisplaySlot
}

// Default returns the declared default value.
func (p Param) Default() (any, bool) { return p.node.Attributes().Get(AttrDefaultValue) }

// Options returns the allowed values, or nil when unrestricted.
func (p Param) Options() []any {
	v, ok := p.node.Attributes().Get(AttrOptions)
	if !ok {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// AllowedStates returns the states in which the parameter may be written.
// An empty result means no restriction.
func (p Param) AllowedStates() []string {
	v, ok := p.node.Attributes().Get(AttrAllowedStates)
	if !ok {
		return nil
	}
	states, _ := v.([]string)
	return states
}

// Attr returns any attribute.
func (p Param) Attr(name string) (any, bool) { return p.node.Attributes().Get(name) }

// StringAttr returns a string attribute.
func (p Param) StringAttr(name string) (string, bool) {
	v, ok := p.node.Attributes().Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Attributes exposes the raw attribute set.
func (p Param) Attributes() *hash.Attributes { return p.node.Attributes() }

// Children returns the schema below a structural node.
func (p Param) Children() *hash.Hash {
	c, _ := p.node.Value().(*hash.Hash)
	return c
}

// Leaves lists the paths of all leaf parameters in declaration order.
func Leaves(s *hash.Schema) []string {
	return collect(s, func(p Param) bool { return p.NodeType() == Leaf })
}

// Slots lists the paths of all slots.
func Slots(s *hash.Schema) []string {
	return collect(s, Param.IsSlot)
}

// Find lists the paths whose node carries displayType dt.
func Find(s *hash.Schema, dt string) []string {
	return collect(s, func(p Param) bool { return p.DisplayType() == dt })
}

func collect(s *hash.Schema, match func(Param) bool) []string {
	if s == nil {
		return nil
	}
	var out []string
	s.Hash.Walk(func(path string, n *hash.Node) bool {
		p := Param{Path: path, node: n}
		if match(p) {
			out = append(out, path)
		}
		return p.NodeType() != Leaf && !p.IsSlot()
	})
	return out
}
