package hash

import (
	"iter"

	"github.com/c360/karabo/errors"
)

// Attr is one named attribute value.
type Attr struct {
	Key   string
	Value any
}

// Attributes is an insertion-ordered set of named, typed values attached to
// a Hash node. The zero value is ready to use.
type Attributes struct {
	items []Attr
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

func (a *Attributes) find(key string) int {
	if a == nil {
		return -1
	}
	for i := range a.items {
		if a.items[i].Key == key {
			return i
		}
	}
	return -1
}

// Set stores value under key. An existing attribute keeps its position.
func (a *Attributes) Set(key string, value any) error {
	v, ok := normalize(value)
	if !ok {
		return errors.Newf(errors.Conversion, "attribute %q: unsupported value type %T", key, value)
	}
	if i := a.find(key); i >= 0 {
		a.items[i].Value = v
		return nil
	}
	a.items = append(a.items, Attr{Key: key, Value: v})
	return nil
}

// Get returns the attribute value.
func (a *Attributes) Get(key string) (any, bool) {
	if i := a.find(key); i >= 0 {
		return a.items[i].Value, true
	}
	return nil, false
}

// GetAs returns the attribute converted to t with the GetAs rules of Hash.
func (a *Attributes) GetAs(key string, t Type) (any, error) {
	v, ok := a.Get(key)
	if !ok {
		return nil, errors.Newf(errors.Conversion, "no attribute %q", key)
	}
	return Convert(v, t)
}

// Has reports whether key exists.
func (a *Attributes) Has(key string) bool {
	return a.find(key) >= 0
}

// Delete removes key and reports whether it existed.
func (a *Attributes) Delete(key string) bool {
	i := a.find(key)
	if i < 0 {
		return false
	}
	a.items = append(a.items[:i], a.items[i+1:]...)
	return true
}

// Keys returns the attribute names in insertion order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	keys := make([]string, len(a.items))
	for i, it := range a.items {
		keys[i] = it.Key
	}
	return keys
}

// All iterates attributes in insertion order.
func (a *Attributes) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if a == nil {
			return
		}
		for _, it := range a.items {
			if !yield(it.Key, it.Value) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (a *Attributes) Clone() Attributes {
	if a == nil || len(a.items) == 0 {
		return Attributes{}
	}
	out := Attributes{items: make([]Attr, len(a.items))}
	for i, it := range a.items {
		out.items[i] = Attr{Key: it.Key, Value: cloneValue(it.Value)}
	}
	return out
}

// Equal compares attributes including their order and value types.
func (a *Attributes) Equal(b *Attributes) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		x, y := a.items[i], b.items[i]
		if x.Key != y.Key || !valuesEqual(x.Value, y.Value) {
			return false
		}
	}
	return true
}

// merge copies every attribute of other into a; other wins on conflicts.
func (a *Attributes) merge(other *Attributes) {
	for _, it := range other.items {
		_ = a.Set(it.Key, cloneValue(it.Value))
	}
}
