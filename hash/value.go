package hash

import (
	"reflect"
	"slices"
)

// Schema is the SCHEMA value type: a named Hash describing parameters.
// The schema package gives it meaning; here it is only a typed container.
type Schema struct {
	Name string
	Hash *Hash
}

// NewSchema returns an empty schema for a class or device.
func NewSchema(name string) *Schema {
	return &Schema{Name: name, Hash: New()}
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	return &Schema{Name: s.Name, Hash: s.Hash.Clone()}
}

// Equal compares name and description.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Name == o.Name && s.Hash.Equal(o.Hash)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Hash:
		return x.Clone()
	case []*Hash:
		out := make([]*Hash, len(x))
		for i, e := range x {
			out[i] = e.Clone()
		}
		return out
	case *Schema:
		return x.Clone()
	case []bool:
		return slices.Clone(x)
	case []byte:
		return slices.Clone(x)
	case UInt8s:
		return slices.Clone(x)
	case []int8:
		return slices.Clone(x)
	case []int16:
		return slices.Clone(x)
	case []uint16:
		return slices.Clone(x)
	case []int32:
		return slices.Clone(x)
	case []uint32:
		return slices.Clone(x)
	case []int64:
		return slices.Clone(x)
	case []uint64:
		return slices.Clone(x)
	case []float32:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	case []complex64:
		return slices.Clone(x)
	case []complex128:
		return slices.Clone(x)
	case []string:
		return slices.Clone(x)
	}
	return v
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case *Hash:
		y, ok := b.(*Hash)
		return ok && x.Equal(y)
	case []*Hash:
		y, ok := b.([]*Hash)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !x[i].Equal(y[i]) {
				return false
			}
		}
		return true
	case *Schema:
		y, ok := b.(*Schema)
		return ok && x.Equal(y)
	}
	ta, _ := TypeOf(a)
	tb, _ := TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.IsVector() {
		ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
		if ra.Len() == 0 && rb.Len() == 0 {
			return true
		}
	}
	return reflect.DeepEqual(a, b)
}

// ValuesEqual compares two values with the same rules as Hash.Equal: the
// type tags must match and nested hashes compare structurally.
func ValuesEqual(a, b any) bool {
	na, okA := normalize(a)
	nb, okB := normalize(b)
	if !okA || !okB {
		return false
	}
	return valuesEqual(na, nb)
}

// CloneValue deep-copies a value that may be stored in a Hash.
func CloneValue(v any) any { return cloneValue(v) }
