package hash

import (
	"fmt"
	"strings"
)

// Type is the closed set of value types a Hash node or attribute may hold.
// The numeric values are the tags used on the wire.
type Type int32

// Type tags.
const (
	Bool                Type = 0
	VectorBool          Type = 1
	Char                Type = 2
	VectorChar          Type = 3
	Int8                Type = 4
	VectorInt8          Type = 5
	UInt8               Type = 6
	VectorUInt8         Type = 7
	Int16               Type = 8
	VectorInt16         Type = 9
	UInt16              Type = 10
	VectorUInt16        Type = 11
	Int32               Type = 12
	VectorInt32         Type = 13
	UInt32              Type = 14
	VectorUInt32        Type = 15
	Int64               Type = 16
	VectorInt64         Type = 17
	UInt64              Type = 18
	VectorUInt64        Type = 19
	Float               Type = 20
	VectorFloat         Type = 21
	Double              Type = 22
	VectorDouble        Type = 23
	ComplexFloat        Type = 24
	VectorComplexFloat  Type = 25
	ComplexDouble       Type = 26
	VectorComplexDouble Type = 27
	String              Type = 28
	VectorString        Type = 29
	HashType            Type = 30
	VectorHash          Type = 31
	SchemaType          Type = 47
	None                Type = 50
)

var typeNames = map[Type]string{
	Bool:                "BOOL",
	VectorBool:          "VECTOR_BOOL",
	Char:                "CHAR",
	VectorChar:          "VECTOR_CHAR",
	Int8:                "INT8",
	VectorInt8:          "VECTOR_INT8",
	UInt8:               "UINT8",
	VectorUInt8:         "VECTOR_UINT8",
	Int16:               "INT16",
	VectorInt16:         "VECTOR_INT16",
	UInt16:              "UINT16",
	VectorUInt16:        "VECTOR_UINT16",
	Int32:               "INT32",
	VectorInt32:         "VECTOR_INT32",
	UInt32:              "UINT32",
	VectorUInt32:        "VECTOR_UINT32",
	Int64:               "INT64",
	VectorInt64:         "VECTOR_INT64",
	UInt64:              "UINT64",
	VectorUInt64:        "VECTOR_UINT64",
	Float:               "FLOAT",
	VectorFloat:         "VECTOR_FLOAT",
	Double:              "DOUBLE",
	VectorDouble:        "VECTOR_DOUBLE",
	ComplexFloat:        "COMPLEX_FLOAT",
	VectorComplexFloat:  "VECTOR_COMPLEX_FLOAT",
	ComplexDouble:       "COMPLEX_DOUBLE",
	VectorComplexDouble: "VECTOR_COMPLEX_DOUBLE",
	String:              "STRING",
	VectorString:        "VECTOR_STRING",
	HashType:            "HASH",
	VectorHash:          "VECTOR_HASH",
	SchemaType:          "SCHEMA",
	None:                "NONE",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// String returns the Karabo type name, e.g. "VECTOR_INT32".
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// Valid reports whether t is a known tag.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsVector reports whether t is one of the homogeneous vector types.
func (t Type) IsVector() bool {
	switch t {
	case VectorBool, VectorChar, VectorInt8, VectorUInt8, VectorInt16, VectorUInt16,
		VectorInt32, VectorUInt32, VectorInt64, VectorUInt64, VectorFloat, VectorDouble,
		VectorComplexFloat, VectorComplexDouble, VectorString, VectorHash:
		return true
	}
	return false
}

// Element returns the scalar type of a vector type, or t itself.
func (t Type) Element() Type {
	if t.IsVector() {
		return t - 1
	}
	return t
}

// IsInteger reports whether t is a scalar integer type.
func (t Type) IsInteger() bool {
	switch t {
	case Int8, UInt8, Int16, UInt16, Int32, UInt32, Int64, UInt64:
		return true
	}
	return false
}

// IsNumeric reports whether t is a scalar integer or floating point type.
func (t Type) IsNumeric() bool {
	return t.IsInteger() || t == Float || t == Double
}

// ParseType resolves a Karabo type name (case-insensitive).
func ParseType(name string) (Type, bool) {
	t, ok := typesByName[strings.ToUpper(strings.TrimSpace(name))]
	return t, ok
}

// CharValue is the Go representation of a single CHAR.
type CharValue byte

// UInt8s is the Go representation of VECTOR_UINT8. A plain []byte is a
// VECTOR_CHAR (raw bytes).
type UInt8s []uint8

// TypeOf returns the tag for a Go value stored in a Hash. The second result
// is false for unsupported Go types.
func TypeOf(v any) (Type, bool) {
	switch v.(type) {
	case nil:
		return None, true
	case bool:
		return Bool, true
	case []bool:
		return VectorBool, true
	case CharValue:
		return Char, true
	case []byte:
		return VectorChar, true
	case int8:
		return Int8, true
	case []int8:
		return VectorInt8, true
	case uint8:
		return UInt8, true
	case UInt8s:
		return VectorUInt8, true
	case int16:
		return Int16, true
	case []int16:
		return VectorInt16, true
	case uint16:
		return UInt16, true
	case []uint16:
		return VectorUInt16, true
	case int32:
		return Int32, true
	case []int32:
		return VectorInt32, true
	case uint32:
		return UInt32, true
	case []uint32:
		return VectorUInt32, true
	case int64:
		return Int64, true
	case []int64:
		return VectorInt64, true
	case uint64:
		return UInt64, true
	case []uint64:
		return VectorUInt64, true
	case float32:
		return Float, true
	case []float32:
		return VectorFloat, true
	case float64:
		return Double, true
	case []float64:
		return VectorDouble, true
	case complex64:
		return ComplexFloat, true
	case []complex64:
		return VectorComplexFloat, true
	case complex128:
		return ComplexDouble, true
	case []complex128:
		return VectorComplexDouble, true
	case string:
		return String, true
	case []string:
		return VectorString, true
	case *Hash:
		return HashType, true
	case []*Hash:
		return VectorHash, true
	case *Schema:
		return SchemaType, true
	}
	return 0, false
}

// normalize maps convenience Go types onto the closed set: int and uint
// become 64 bit, []int becomes []int64.
func normalize(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case uint:
		return uint64(x), true
	case []int:
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out, true
	}
	if _, ok := TypeOf(v); ok {
		return v, true
	}
	return nil, false
}
