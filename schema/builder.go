package schema

import (
	"strings"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Describer adds declarations to a Builder. A device class is a list of
// describers applied in order, so later ones may override earlier ones.
type Describer func(b *Builder)

// Assemble builds the schema of classID from describers.
func Assemble(classID string, describers ...Describer) (*hash.Schema, error) {
	b := NewBuilder(classID)
	for _, d := range describers {
		d(b)
	}
	return b.Build()
}

// Builder collects parameter declarations. Errors are sticky: the first
// invalid declaration is reported by Build and later ones are ignored.
type Builder struct {
	classID string
	root    *hash.Hash
	err     error
}

// NewBuilder starts an empty schema for classID.
func NewBuilder(classID string) *Builder {
	return &Builder{classID: classID, root: hash.New()}
}

// Err returns the first declaration error.
func (b *Builder) Err() error { return b.err }

// Build returns an immutable snapshot of the declarations so far.
func (b *Builder) Build() (*hash.Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &hash.Schema{Name: b.classID, Hash: b.root.Clone()}, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Leaf declares a parameter of value type t.
func (b *Builder) Leaf(path string, t hash.Type) *Element {
	e := b.element(path, Leaf)
	e.valueType = t
	if !t.Valid() || t == hash.HashType || t == hash.SchemaType || t == hash.None {
		e.err = errors.Newf(errors.SchemaInvalid, "%s: %s is not a leaf type", path, t)
	}
	_ = e.attrs.Set(AttrValueType, t.String())
	_ = e.attrs.Set(AttrAccessMode, int32(Reconfigurable))
	_ = e.attrs.Set(AttrAssignment, int32(Optional))
	return e
}

// Bool declares a BOOL parameter.
func (b *Builder) Bool(path string) *Element { return b.Leaf(path, hash.Bool) }

// Int32 declares an INT32 parameter.
func (b *Builder) Int32(path string) *Element { return b.Leaf(path, hash.Int32) }

// UInt32 declares a UINT32 parameter.
func (b *Builder) UInt32(path string) *Element { return b.Leaf(path, hash.UInt32) }

// Int64 declares an INT64 parameter.
func (b *Builder) Int64(path string) *Element { return b.Leaf(path, hash.Int64) }

// UInt64 declares a UINT64 parameter.
func (b *Builder) UInt64(path string) *Element { return b.Leaf(path, hash.UInt64) }

// Float declares a FLOAT parameter.
func (b *Builder) Float(path string) *Element { return b.Leaf(path, hash.Float) }

// Double declares a DOUBLE parameter.
func (b *Builder) Double(path string) *Element { return b.Leaf(path, hash.Double) }

// String declares a STRING parameter.
func (b *Builder) String(path string) *Element { return b.Leaf(path, hash.String) }

// VectorInt32 declares a VECTOR_INT32 parameter.
func (b *Builder) VectorInt32(path string) *Element { return b.Leaf(path, hash.VectorInt32) }

// VectorDouble declares a VECTOR_DOUBLE parameter.
func (b *Builder) VectorDouble(path string) *Element { return b.Leaf(path, hash.VectorDouble) }

// VectorString declares a VECTOR_STRING parameter.
func (b *Builder) VectorString(path string) *Element { return b.Leaf(path, hash.VectorString) }

// Node declares a group of parameters.
func (b *Builder) Node(path string) *Element { return b.element(path, Node) }

// Slot declares a callable slot. Slots are nodes so they can carry
// allowedStates and a displayed name.
func (b *Builder) Slot(path string) *Element {
	e := b.element(path, Node)
	_ = e.attrs.Set(AttrDisplayType, DisplaySlot)
	_ = e.attrs.Set(AttrClassID, DisplaySlot)
	return e
}

// OutputChannel declares a pipeline output channel node.
func (b *Builder) OutputChannel(path string) *Element {
	e := b.element(path, Node)
	_ = e.attrs.Set(AttrDisplayType, DisplayOutputChannel)
	_ = e.attrs.Set(AttrClassID, DisplayOutputChannel)
	return e
}

// InputChannel declares a pipeline input channel node.
func (b *Builder) InputChannel(path string) *Element {
	e := b.element(path, Node)
	_ = e.attrs.Set(AttrDisplayType, DisplayInputChannel)
	_ = e.attrs.Set(AttrClassID, DisplayInputChannel)
	return e
}

// ChoiceOfNodes declares a node whose configuration selects exactly one of
// its children.
func (b *Builder) ChoiceOfNodes(path string) *Element { return b.element(path, ChoiceOfNodes) }

// ListOfNodes declares a node whose configuration is a list of its children.
func (b *Builder) ListOfNodes(path string) *Element { return b.element(path, ListOfNodes) }

func (b *Builder) element(path string, nt NodeType) *Element {
	e := &Element{b: b, path: path, nodeType: nt}
	_ = e.attrs.Set(AttrNodeType, int32(nt))
	if path == "" || strings.Contains(path, "..") {
		e.err = errors.Newf(errors.SchemaInvalid, "invalid parameter path %q", path)
	}
	return e
}

// Element is one declaration in progress. Setters chain; Commit stores it.
type Element struct {
	b         *Builder
	path      string
	nodeType  NodeType
	valueType hash.Type
	attrs     hash.Attributes
	err       error
}

func (e *Element) set(name string, value any) *Element {
	if e.err != nil {
		return e
	}
	v, err := typedAttr(e.nodeType, e.valueType, name, value)
	if err != nil {
		e.err = errors.WithKind(errors.SchemaInvalid, err, e.path+": attribute "+name)
		return e
	}
	if err := e.attrs.Set(name, v); err != nil {
		e.err = err
	}
	return e
}

// ReadOnly marks the parameter as written only by the device itself.
func (e *Element) ReadOnly() *Element { return e.set(AttrAccessMode, int32(ReadOnly)) }

// Init marks the parameter as settable only at instantiation.
func (e *Element) Init() *Element { return e.set(AttrAccessMode, int32(InitOnly)) }

// Reconfigurable marks the parameter as writable at runtime.
func (e *Element) Reconfigurable() *Element { return e.set(AttrAccessMode, int32(Reconfigurable)) }

// Mandatory requires the parameter in the instantiation configuration.
func (e *Element) Mandatory() *Element { return e.set(AttrAssignment, int32(Mandatory)) }

// Optional is the default assignment.
func (e *Element) Optional() *Element { return e.set(AttrAssignment, int32(Optional)) }

// Internal marks a parameter supplied by the hosting server.
func (e *Element) Internal() *Element { return e.set(AttrAssignment, int32(Internal)) }

// Default sets the default value, converted to the parameter type. For a
// choice of nodes it names the default child.
func (e *Element) Default(v any) *Element { return e.set(AttrDefaultValue, v) }

// Options restricts the parameter to the listed values.
func (e *Element) Options(values ...any) *Element { return e.set(AttrOptions, values) }

// MinInc sets an inclusive lower bound.
func (e *Element) MinInc(v any) *Element { return e.set(AttrMinInc, v) }

// MaxInc sets an inclusive upper bound.
func (e *Element) MaxInc(v any) *Element { return e.set(AttrMaxInc, v) }

// MinExc sets an exclusive lower bound.
func (e *Element) MinExc(v any) *Element { return e.set(AttrMinExc, v) }

// MaxExc sets an exclusive upper bound.
func (e *Element) MaxExc(v any) *Element { return e.set(AttrMaxExc, v) }

// AlarmHigh sets the upper alarm threshold.
func (e *Element) AlarmHigh(v any) *Element { return e.set(AttrAlarmHigh, v) }

// AlarmLow sets the lower alarm threshold.
func (e *Element) AlarmLow(v any) *Element { return e.set(AttrAlarmLow, v) }

// WarnHigh sets the upper warning threshold.
func (e *Element) WarnHigh(v any) *Element { return e.set(AttrWarnHigh, v) }

// WarnLow sets the lower warning threshold.
func (e *Element) WarnLow(v any) *Element { return e.set(AttrWarnLow, v) }

// Unit sets the unit symbol, e.g. "m".
func (e *Element) Unit(symbol string) *Element { return e.set(AttrUnit, symbol) }

// MetricPrefix sets the metric prefix symbol, e.g. "m" for milli.
func (e *Element) MetricPrefix(symbol string) *Element { return e.set(AttrMetricPrefix, symbol) }

// Description sets the help text.
func (e *Element) Description(s string) *Element { return e.set(AttrDescription, s) }

// DisplayedName sets the label shown to operators.
func (e *Element) DisplayedName(s string) *Element { return e.set(AttrDisplayedName, s) }

// DisplayType sets a presentation hint such as "State".
func (e *Element) DisplayType(s string) *Element { return e.set(AttrDisplayType, s) }

// Tags attaches free-form tags.
func (e *Element) Tags(tags ...string) *Element { return e.set(AttrTags, tags) }

// AllowedStates restricts writes (or slot calls) to the listed states.
func (e *Element) AllowedStates(states ...string) *Element { return e.set(AttrAllowedStates, states) }

// Attr sets any other attribute verbatim.
func (e *Element) Attr(name string, value any) *Element { return e.set(name, value) }

// Commit stores the declaration. Redeclaring a path replaces the earlier
// declaration's attributes and keeps its position and children.
func (e *Element) Commit() {
	b := e.b
	if b.err != nil {
		return
	}
	if e.err != nil {
		b.fail(e.err)
		return
	}
	if i := strings.LastIndex(e.path, hash.Separator); i >= 0 {
		parent := e.path[:i]
		p, ok := Lookup(&hash.Schema{Name: b.classID, Hash: b.root}, parent)
		if !ok || p.NodeType() == Leaf || p.IsSlot() {
			b.fail(errors.Newf(errors.SchemaInvalid, "%s: parent %q is not a declared node", e.path, parent))
			return
		}
	}
	n, exists := b.root.GetNode(e.path)
	switch {
	case !exists && e.nodeType == Leaf:
		if err := b.root.Set(e.path, nil); err != nil {
			b.fail(err)
			return
		}
	case !exists:
		if err := b.root.Set(e.path, hash.New()); err != nil {
			b.fail(err)
			return
		}
	case e.nodeType == Leaf:
		_ = n.SetValue(nil)
	default:
		if _, isNode := n.Value().(*hash.Hash); !isNode {
			_ = n.SetValue(hash.New())
		}
	}
	n, _ = b.root.GetNode(e.path)
	*n.Attributes() = e.attrs.Clone()
}

// typedAttr converts value-like attributes to the parameter's value type.
func typedAttr(nt NodeType, vt hash.Type, name string, value any) (any, error) {
	switch name {
	case AttrDefaultValue, AttrMinInc, AttrMaxInc, AttrMinExc, AttrMaxExc,
		AttrAlarmHigh, AttrAlarmLow, AttrWarnHigh, AttrWarnLow:
		if nt != Leaf {
			if name == AttrDefaultValue {
				return hash.Coerce(value, hash.String)
			}
			return nil, errors.Newf(errors.SchemaInvalid, "%s only applies to leaves", name)
		}
		if name != AttrDefaultValue && !vt.IsNumeric() {
			return nil, errors.Newf(errors.SchemaInvalid, "%s needs a numeric parameter, not %s", name, vt)
		}
		return hash.Coerce(value, vt)
	case AttrOptions:
		if nt != Leaf || vt.IsVector() {
			return nil, errors.Newf(errors.SchemaInvalid, "options need a scalar leaf")
		}
		if vt == hash.Char {
			return hash.Coerce(value, hash.VectorChar)
		}
		return hash.Coerce(value, vt+1)
	}
	return value, nil
}
