package schema

import (
	"slices"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Inject returns a new snapshot with delta merged into base: matching
// parameters are replaced, new ones appended, everything else kept.
func Inject(base, delta *hash.Schema) *hash.Schema {
	out := base.Clone()
	if delta != nil {
		out.Hash.Merge(delta.Hash, hash.ReplaceAttributes)
	}
	return out
}

// Remove returns a new snapshot without the parameters declared in delta.
// Nodes that only existed to hold removed parameters go as well.
func Remove(base, delta *hash.Schema) *hash.Schema {
	out := base.Clone()
	if delta == nil {
		return out
	}
	var nodes []string
	delta.Hash.Walk(func(path string, n *hash.Node) bool {
		if c, ok := n.Value().(*hash.Hash); ok && !c.Empty() {
			nodes = append(nodes, path)
			return true
		}
		out.Hash.Erase(path)
		return true
	})
	slices.Reverse(nodes)
	for _, path := range nodes {
		if c, ok := out.Hash.GetHash(path); ok && c.Empty() {
			out.Hash.Erase(path)
		}
	}
	return out
}

// Overwrite returns a new snapshot in which the attributes in attrs replace
// those of path one by one. Value-like attributes are converted to the
// parameter's type. The parameter's node type and value type cannot change.
func Overwrite(s *hash.Schema, path string, attrs *hash.Attributes) (*hash.Schema, error) {
	out := s.Clone()
	p, ok := Lookup(out, path)
	if !ok {
		return nil, errors.Newf(errors.SchemaInvalid, "overwrite: no parameter %q", path)
	}
	for name, value := range attrs.All() {
		if name == AttrNodeType || name == AttrValueType {
			return nil, errors.Newf(errors.SchemaInvalid, "overwrite: %s of %q is fixed", name, path)
		}
		v, err := typedAttr(p.NodeType(), p.ValueType(), name, value)
		if err != nil {
			return nil, errors.WithKind(errors.SchemaInvalid, err, "overwrite "+path)
		}
		if err := p.Attributes().Set(name, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExtractModifiedAttributes compares two versions of a schema and returns
// the editable attributes (alarm and warn thresholds, unit, metric prefix,
// description, displayed name) that differ. Each changed leaf appears in
// the result as an empty Hash carrying the new attribute values.
func ExtractModifiedAttributes(base, modified *hash.Schema) *hash.Hash {
	out := hash.New()
	for _, path := range Leaves(modified) {
		was, ok := Lookup(base, path)
		if !ok {
			continue
		}
		now, _ := Lookup(modified, path)
		for _, name := range editableAttributes {
			nv, has := now.Attr(name)
			if !has {
				continue
			}
			if ov, had := was.Attr(name); had && hash.ValuesEqual(ov, nv) {
				continue
			}
			if !out.Has(path) {
				_ = out.Set(path, hash.New())
			}
			_ = out.SetAttribute(path, name, hash.CloneValue(nv))
		}
	}
	return out
}

// ApplyModifiedAttributes overwrites s with the output of
// ExtractModifiedAttributes. Paths missing from s are skipped.
func ApplyModifiedAttributes(s *hash.Schema, changes *hash.Hash) (*hash.Schema, error) {
	out := s
	var err error
	for _, path := range changes.Paths() {
		if _, ok := Lookup(out, path); !ok {
			continue
		}
		attrs, _ := changes.Attributes(path)
		if out, err = Overwrite(out, path, attrs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SanitizeInit keeps the parts of cfg a user may supply at instantiation:
// INITONLY and RECONFIGURABLE leaves that are not INTERNAL. Unknown paths,
// read-only values and internals are stripped silently.
func SanitizeInit(s *hash.Schema, cfg *hash.Hash) *hash.Hash {
	return filter(s, cfg, func(p Param) bool {
		return p.AccessMode() != ReadOnly && p.Assignment() != Internal
	})
}

// SanitizeRuntime keeps only RECONFIGURABLE leaves, internals included.
func SanitizeRuntime(s *hash.Schema, cfg *hash.Hash) *hash.Hash {
	return filter(s, cfg, func(p Param) bool {
		return p.AccessMode() == Reconfigurable
	})
}

func filter(s *hash.Schema, cfg *hash.Hash, keep func(Param) bool) *hash.Hash {
	out := hash.New()
	if s == nil {
		return out
	}
	filterNode(s.Hash, cfg, out, "", keep)
	return out
}

func filterNode(sch, in, out *hash.Hash, prefix string, keep func(Param) bool) {
	for _, n := range in.Nodes() {
		p, ok := lookupChild(sch, n.Key(), prefix)
		if !ok || p.IsSlot() {
			continue
		}
		switch p.NodeType() {
		case Leaf:
			if keep(p) {
				_ = out.Set(n.Key(), hash.CloneValue(n.Value()))
				if attrs, ok := out.Attributes(n.Key()); ok {
					*attrs = n.Attributes().Clone()
				}
			}
		case Node:
			sub, ok := n.Value().(*hash.Hash)
			if !ok {
				continue
			}
			child := hash.New()
			filterNode(p.Children(), sub, child, p.Path, keep)
			if !child.Empty() {
				_ = out.Set(n.Key(), child)
			}
		default:
			_ = out.Set(n.Key(), hash.CloneValue(n.Value()))
		}
	}
}
