package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Origin says where a configuration comes from.
type Origin int

// Origins.
const (
	OriginInit Origin = iota
	OriginRuntime
)

// Options tunes Validate.
type Options struct {
	Origin Origin
	// State is the current device state for allowedStates gating at
	// runtime. Empty disables gating.
	State string
	// InjectDefaults fills missing parameters from their defaults at init.
	InjectDefaults bool
}

// Problem is one rejected path.
type Problem struct {
	Path    string
	Kind    errors.Kind
	Message string
}

func (p Problem) String() string {
	return p.Path + ": " + p.Message
}

// Problems is the full validation report.
type Problems []Problem

// Paths returns the offending paths.
func (ps Problems) Paths() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Path
	}
	return out
}

// Err folds the report into one error. A state violation dominates because
// it is what callers act on; otherwise the first problem's kind is used.
func (ps Problems) Err() error {
	if len(ps) == 0 {
		return nil
	}
	kind := ps[0].Kind
	msgs := make([]string, len(ps))
	for i, p := range ps {
		msgs[i] = p.String()
		if p.Kind == errors.StateViolation {
			kind = errors.StateViolation
		}
	}
	return errors.New(kind, strings.Join(msgs, "; "))
}

// Validate checks cfg against s and returns the sanitized configuration
// together with every problem found. Rejected paths are absent from the
// result; accepted values are converted to their declared types and keep
// the attributes they arrived with.
func Validate(s *hash.Schema, cfg *hash.Hash, opts Options) (*hash.Hash, Problems) {
	v := &validator{opts: opts}
	out := hash.New()
	if s == nil {
		v.report("", errors.SchemaInvalid, "no schema")
		return out, v.problems
	}
	v.node(s.Hash, cfg, out, "")
	return out, v.problems
}

type validator struct {
	opts     Options
	problems Problems
}

func (v *validator) report(path string, kind errors.Kind, format string, args ...any) {
	v.problems = append(v.problems, Problem{Path: path, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + hash.Separator + key
}

func (v *validator) node(sch, in, out *hash.Hash, prefix string) {
	atInit := v.opts.Origin == OriginInit
	for _, sn := range sch.Nodes() {
		key := sn.Key()
		p := Param{Path: join(prefix, key), node: sn}
		if p.IsSlot() {
			continue
		}
		n, present := in.GetNode(key)
		if !present {
			if atInit {
				v.missing(p, out, key)
			}
			continue
		}
		switch p.NodeType() {
		case Leaf:
			v.leaf(p, n, out, key)
		case Node:
			sub, ok := n.Value().(*hash.Hash)
			if !ok {
				v.report(p.Path, errors.TypeMismatch, "expected a node, got %s", n.Type())
				continue
			}
			child := hash.New()
			v.node(p.Children(), sub, child, p.Path)
			_ = out.Set(key, child)
		case ChoiceOfNodes:
			v.choice(p, n.Value(), out, key)
		case ListOfNodes:
			v.list(p, n.Value(), out, key)
		}
	}
	for _, n := range in.Nodes() {
		if sch.Has(n.Key()) {
			if p, _ := lookupChild(sch, n.Key(), prefix); p.IsSlot() {
				v.report(p.Path, errors.SchemaInvalid, "slots cannot be configured")
			}
			continue
		}
		v.report(join(prefix, n.Key()), errors.SchemaInvalid, "unknown parameter")
	}
}

func lookupChild(sch *hash.Hash, key, prefix string) (Param, bool) {
	n, ok := sch.GetNode(key)
	if !ok {
		return Param{}, false
	}
	return Param{Path: join(prefix, key), node: n}, true
}

func (v *validator) missing(p Param, out *hash.Hash, key string) {
	switch p.NodeType() {
	case Leaf:
		if def, ok := p.Default(); ok && v.opts.InjectDefaults {
			_ = out.Set(key, hash.CloneValue(def))
			return
		}
		if p.Assignment() == Mandatory && p.AccessMode() != ReadOnly {
			v.report(p.Path, errors.SchemaInvalid, "missing mandatory parameter")
		}
	case Node:
		child := hash.New()
		v.node(p.Children(), hash.New(), child, p.Path)
		if !child.Empty() {
			_ = out.Set(key, child)
		}
	case ChoiceOfNodes:
		def, ok := p.StringAttr(AttrDefaultValue)
		if !ok {
			if p.Assignment() == Mandatory {
				v.report(p.Path, errors.SchemaInvalid, "missing mandatory choice")
			}
			return
		}
		v.choice(p, def, out, key)
	}
}

func (v *validator) leaf(p Param, n *hash.Node, out *hash.Hash, key string) {
	access := p.AccessMode()
	switch {
	case access == ReadOnly:
		v.report(p.Path, errors.SchemaInvalid, "read-only parameter")
		return
	case v.opts.Origin == OriginRuntime && access == InitOnly:
		v.report(p.Path, errors.SchemaInvalid, "parameter can only be set at instantiation")
		return
	}
	if v.opts.Origin == OriginRuntime && v.opts.State != "" {
		if allowed := p.AllowedStates(); len(allowed) > 0 && !slices.Contains(allowed, v.opts.State) {
			v.report(p.Path, errors.StateViolation, "not writable in state %s (allowed: %s)",
				v.opts.State, strings.Join(allowed, ", "))
			return
		}
	}
	val, err := hash.Coerce(n.Value(), p.ValueType())
	if err != nil {
		v.report(p.Path, errors.Conversion, "%s", errors.Details(err))
		return
	}
	if msg := checkOptions(p, val); msg != "" {
		v.report(p.Path, errors.SchemaInvalid, "%s", msg)
		return
	}
	if msg := checkBounds(p, val); msg != "" {
		v.report(p.Path, errors.SchemaInvalid, "%s", msg)
		return
	}
	_ = out.Set(key, val)
	for name, a := range n.Attributes().All() {
		_ = out.SetAttribute(key, name, a)
	}
}

func checkOptions(p Param, val any) string {
	opts := p.Options()
	if opts == nil {
		return ""
	}
	for _, o := range opts {
		if hash.ValuesEqual(o, val) {
			return ""
		}
	}
	return fmt.Sprintf("value %s is not one of the options", hash.Format(val))
}

func checkBounds(p Param, val any) string {
	if !p.ValueType().IsNumeric() {
		return ""
	}
	bounds := []struct {
		attr   string
		reject func(c int) bool
		text   string
	}{
		{AttrMinInc, func(c int) bool { return c < 0 }, "below minimum"},
		{AttrMaxInc, func(c int) bool { return c > 0 }, "above maximum"},
		{AttrMinExc, func(c int) bool { return c <= 0 }, "not above exclusive minimum"},
		{AttrMaxExc, func(c int) bool { return c >= 0 }, "not below exclusive maximum"},
	}
	for _, b := range bounds {
		limit, ok := p.Attr(b.attr)
		if !ok {
			continue
		}
		c, err := hash.Compare(val, limit)
		if err != nil || b.reject(c) {
			return fmt.Sprintf("value %s is %s %s", hash.Format(val), b.text, hash.Format(limit))
		}
	}
	return ""
}

// choice accepts {child: {...}} or the bare child name.
func (v *validator) choice(p Param, value any, out *hash.Hash, key string) {
	in, ok := value.(*hash.Hash)
	if name, isName := value.(string); isName {
		in, ok = hash.New().Put(name, hash.New()), true
	}
	if !ok || in.Len() != 1 {
		v.report(p.Path, errors.TypeMismatch, "a choice needs exactly one selected option")
		return
	}
	sel := in.Nodes()[0]
	opt, exists := lookupChild(p.Children(), sel.Key(), p.Path)
	if !exists {
		v.report(join(p.Path, sel.Key()), errors.SchemaInvalid, "unknown option")
		return
	}
	sub, _ := sel.Value().(*hash.Hash)
	child := hash.New()
	v.node(opt.Children(), sub, child, opt.Path)
	_ = out.Set(key, hash.New().Put(sel.Key(), child))
}

func (v *validator) list(p Param, value any, out *hash.Hash, key string) {
	items, ok := value.([]*hash.Hash)
	if !ok {
		v.report(p.Path, errors.TypeMismatch, "expected a list of nodes")
		return
	}
	result := make([]*hash.Hash, 0, len(items))
	for i, it := range items {
		path := fmt.Sprintf("%s[%d]", p.Path, i)
		if it.Len() != 1 {
			v.report(path, errors.TypeMismatch, "list items need exactly one key")
			continue
		}
		sel := it.Nodes()[0]
		opt, exists := lookupChild(p.Children(), sel.Key(), path)
		if !exists {
			v.report(join(path, sel.Key()), errors.SchemaInvalid, "unknown list item type")
			continue
		}
		sub, _ := sel.Value().(*hash.Hash)
		child := hash.New()
		v.node(opt.Children(), sub, child, opt.Path)
		result = append(result, hash.New().Put(sel.Key(), child))
	}
	_ = out.Set(key, result)
}
