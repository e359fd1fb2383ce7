package hash

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/c360/karabo/errors"
)

// Convert returns v as type t using lossless widening only: integers to
// wider integers, integers to floating point where the value is exactly
// representable, FLOAT to DOUBLE, real to complex, and any scalar or vector
// to STRING. Vectors convert element by element. Anything else fails with a
// conversion error.
func Convert(v any, t Type) (any, error) {
	return convert(v, t, false)
}

// Coerce is the relaxed conversion used when values come from text or JSON:
// any numeric value converts to any numeric type as long as the value is
// preserved (3.0 to INT32 works, 3.5 does not), strings are parsed, and
// []any becomes a typed vector.
func Coerce(v any, t Type) (any, error) {
	return convert(v, t, true)
}

// As returns the value at path as T, converting it losslessly when the
// stored type differs.
func As[T any](h *Hash, path string) (T, error) {
	var zero T
	v, ok := h.Get(path)
	if !ok {
		return zero, errors.Newf(errors.Conversion, "no value at %q", path)
	}
	if x, ok := v.(T); ok {
		return x, nil
	}
	t, ok := TypeOf(zero)
	if !ok {
		return zero, errors.Newf(errors.Conversion, "%T is not a hash value type", zero)
	}
	c, err := Convert(v, t)
	if err != nil {
		return zero, err
	}
	x, ok := c.(T)
	if !ok {
		return zero, errors.Newf(errors.Conversion, "%s: cannot represent %T as %T", path, v, zero)
	}
	return x, nil
}

func convErr(v any, t Type) error {
	st, _ := TypeOf(v)
	return errors.Newf(errors.Conversion, "cannot convert %s %v to %s", st, v, t)
}

func convert(v any, t Type, loose bool) (any, error) {
	if list, ok := v.([]any); ok {
		if !loose || !t.IsVector() {
			return nil, errors.Newf(errors.Conversion, "cannot convert list to %s", t)
		}
		return buildVector(t, list, loose)
	}
	nv, ok := normalize(v)
	if !ok {
		return nil, errors.Newf(errors.Conversion, "unsupported value type %T", v)
	}
	src, _ := TypeOf(nv)
	if src == t {
		return nv, nil
	}
	if t == String {
		return toString(nv, src)
	}
	if t.IsVector() {
		switch {
		case src.IsVector() && src != VectorHash:
			return buildVector(t, elements(nv), loose)
		case loose && src == String:
			s := strings.TrimSpace(nv.(string))
			s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
			if s == "" {
				return buildVector(t, nil, loose)
			}
			parts := strings.Split(s, ",")
			elems := make([]any, len(parts))
			for i, p := range parts {
				elems[i] = strings.TrimSpace(p)
			}
			return buildVector(t, elems, loose)
		}
		return nil, convErr(nv, t)
	}
	if src.IsVector() || src == HashType || src == SchemaType || src == None {
		return nil, convErr(nv, t)
	}
	if loose && src == String {
		return parseScalar(nv.(string), t)
	}
	return convertScalar(nv, src, t, loose)
}

func elements(v any) []any {
	if b, ok := v.([]byte); ok {
		out := make([]any, len(b))
		for i, c := range b {
			out[i] = CharValue(c)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func fill[T any](elems []any, et Type, loose bool) ([]T, error) {
	out := make([]T, len(elems))
	for i, e := range elems {
		c, err := convert(e, et, loose)
		if err != nil {
			return nil, err
		}
		x, ok := c.(T)
		if !ok {
			return nil, errors.Newf(errors.Conversion, "element %d: %T is not %s", i, c, et)
		}
		out[i] = x
	}
	return out, nil
}

func buildVector(t Type, elems []any, loose bool) (any, error) {
	et := t.Element()
	switch t {
	case VectorBool:
		return fill[bool](elems, et, loose)
	case VectorChar:
		cs, err := fill[CharValue](elems, et, loose)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(cs))
		for i, c := range cs {
			out[i] = byte(c)
		}
		return out, nil
	case VectorInt8:
		return fill[int8](elems, et, loose)
	case VectorUInt8:
		out, err := fill[uint8](elems, et, loose)
		return UInt8s(out), err
	case VectorInt16:
		return fill[int16](elems, et, loose)
	case VectorUInt16:
		return fill[uint16](elems, et, loose)
	case VectorInt32:
		return fill[int32](elems, et, loose)
	case VectorUInt32:
		return fill[uint32](elems, et, loose)
	case VectorInt64:
		return fill[int64](elems, et, loose)
	case VectorUInt64:
		return fill[uint64](elems, et, loose)
	case VectorFloat:
		return fill[float32](elems, et, loose)
	case VectorDouble:
		return fill[float64](elems, et, loose)
	case VectorComplexFloat:
		return fill[complex64](elems, et, loose)
	case VectorComplexDouble:
		return fill[complex128](elems, et, loose)
	case VectorString:
		return fill[string](elems, et, loose)
	case VectorHash:
		return fill[*Hash](elems, et, loose)
	}
	return nil, errors.Newf(errors.Conversion, "cannot build %s", t)
}

// numeric is the common view of any real scalar.
type numeric struct {
	isFloat  bool
	negative bool
	i        int64
	u        uint64
	f        float64
}

func numericOf(v any) (numeric, bool) {
	switch x := v.(type) {
	case int8:
		return signed(int64(x)), true
	case int16:
		return signed(int64(x)), true
	case int32:
		return signed(int64(x)), true
	case int64:
		return signed(x), true
	case uint8:
		return numeric{u: uint64(x), i: int64(x), f: float64(x)}, true
	case uint16:
		return numeric{u: uint64(x), i: int64(x), f: float64(x)}, true
	case uint32:
		return numeric{u: uint64(x), i: int64(x), f: float64(x)}, true
	case uint64:
		return numeric{u: x, i: int64(x), f: float64(x)}, true
	case float32:
		return numeric{isFloat: true, f: float64(x)}, true
	case float64:
		return numeric{isFloat: true, f: x}, true
	}
	return numeric{}, false
}

func signed(i int64) numeric {
	n := numeric{i: i, f: float64(i), negative: i < 0}
	if i >= 0 {
		n.u = uint64(i)
	}
	return n
}

func intBits(t Type) (isSigned bool, bits int) {
	switch t {
	case Int8:
		return true, 8
	case Int16:
		return true, 16
	case Int32:
		return true, 32
	case Int64:
		return true, 64
	case UInt8:
		return false, 8
	case UInt16:
		return false, 16
	case UInt32:
		return false, 32
	case UInt64:
		return false, 64
	}
	return false, 0
}

// widens reports whether every value of integer type src fits in dst.
func widens(src, dst Type) bool {
	ss, sb := intBits(src)
	ds, db := intBits(dst)
	switch {
	case ss == ds:
		return db >= sb
	case !ss && ds:
		return db > sb
	}
	return false
}

func intFromNumeric(n numeric, t Type) (any, bool) {
	if n.isFloat {
		if n.f != math.Trunc(n.f) || math.IsInf(n.f, 0) || math.IsNaN(n.f) {
			return nil, false
		}
		if n.f < 0 {
			if n.f < math.MinInt64 {
				return nil, false
			}
			n = signed(int64(n.f))
		} else {
			if n.f >= math.MaxUint64 {
				return nil, false
			}
			u := uint64(n.f)
			n = numeric{u: u, i: int64(u)}
		}
	}
	isSigned, bits := intBits(t)
	if isSigned {
		limit := uint64(1)<<(bits-1) - 1
		if n.negative {
			if bits < 64 && n.i < -int64(limit)-1 {
				return nil, false
			}
		} else if n.u > limit {
			return nil, false
		}
		switch t {
		case Int8:
			return int8(n.i), true
		case Int16:
			return int16(n.i), true
		case Int32:
			return int32(n.i), true
		default:
			return n.i, true
		}
	}
	if n.negative {
		return nil, false
	}
	if bits < 64 && n.u > uint64(1)<<bits-1 {
		return nil, false
	}
	switch t {
	case UInt8:
		return uint8(n.u), true
	case UInt16:
		return uint16(n.u), true
	case UInt32:
		return uint32(n.u), true
	default:
		return n.u, true
	}
}

func floatFromNumeric(n numeric, t Type, exact bool) (any, bool) {
	if t == Float {
		f := float32(n.f)
		if exact && float64(f) != n.f && !math.IsNaN(n.f) {
			return nil, false
		}
		if !n.isFloat && !exactInt(n, float64(f)) {
			return nil, false
		}
		return f, true
	}
	if !n.isFloat && !exactInt(n, n.f) {
		return nil, false
	}
	return n.f, true
}

func exactInt(n numeric, f float64) bool {
	if n.negative {
		return f >= math.MinInt64 && int64(f) == n.i
	}
	return f < math.MaxUint64 && uint64(f) == n.u
}

func convertScalar(v any, src, t Type, loose bool) (any, error) {
	if c, ok := v.(CharValue); ok {
		if !loose {
			return nil, convErr(v, t)
		}
		v, src = uint8(c), UInt8
	}
	if b, ok := v.(bool); ok {
		if !loose {
			return nil, convErr(v, t)
		}
		var x uint8
		if b {
			x = 1
		}
		v, src = x, UInt8
	}
	switch {
	case t.IsInteger():
		n, ok := numericOf(v)
		if !ok || (!loose && (n.isFloat || !widens(src, t))) {
			return nil, convErr(v, t)
		}
		if out, ok := intFromNumeric(n, t); ok {
			return out, nil
		}
	case t == Float || t == Double:
		n, ok := numericOf(v)
		if !ok || (!loose && src == Double && t == Float) {
			return nil, convErr(v, t)
		}
		if out, ok := floatFromNumeric(n, t, loose); ok {
			return out, nil
		}
	case t == ComplexFloat || t == ComplexDouble:
		if c, ok := v.(complex64); ok {
			return complex128(c), nil
		}
		if c, ok := v.(complex128); ok {
			if !loose || complex128(complex64(c)) != c {
				return nil, convErr(v, t)
			}
			return complex64(c), nil
		}
		n, ok := numericOf(v)
		if !ok {
			return nil, convErr(v, t)
		}
		if t == ComplexFloat {
			f, ok := floatFromNumeric(n, Float, true)
			if !ok {
				return nil, convErr(v, t)
			}
			return complex(f.(float32), 0), nil
		}
		f, ok := floatFromNumeric(n, Double, true)
		if !ok {
			return nil, convErr(v, t)
		}
		return complex(f.(float64), 0), nil
	case t == Bool && loose:
		if n, ok := numericOf(v); ok {
			return n.f != 0, nil
		}
	case t == Char && loose:
		if n, ok := numericOf(v); ok {
			if out, ok := intFromNumeric(n, UInt8); ok {
				return CharValue(out.(uint8)), nil
			}
		}
	}
	return nil, convErr(v, t)
}

func parseScalar(s string, t Type) (any, error) {
	s = strings.TrimSpace(s)
	fail := func() error {
		return errors.Newf(errors.Conversion, "cannot parse %q as %s", s, t)
	}
	switch {
	case t == Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fail()
		}
		return b, nil
	case t == Char:
		if len(s) != 1 {
			return nil, fail()
		}
		return CharValue(s[0]), nil
	case t.IsInteger():
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			if out, ok := intFromNumeric(signed(i), t); ok {
				return out, nil
			}
			return nil, fail()
		}
		if u, err := strconv.ParseUint(s, 0, 64); err == nil {
			if out, ok := intFromNumeric(numeric{u: u, i: int64(u)}, t); ok {
				return out, nil
			}
			return nil, fail()
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if out, ok := intFromNumeric(numeric{isFloat: true, f: f}, t); ok {
				return out, nil
			}
		}
		return nil, fail()
	case t == Float:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fail()
		}
		return float32(f), nil
	case t == Double:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fail()
		}
		return f, nil
	case t == ComplexFloat:
		c, err := strconv.ParseComplex(s, 64)
		if err != nil {
			return nil, fail()
		}
		return complex64(c), nil
	case t == ComplexDouble:
		c, err := strconv.ParseComplex(s, 128)
		if err != nil {
			return nil, fail()
		}
		return c, nil
	}
	return nil, fail()
}

func toString(v any, src Type) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case CharValue:
		return string([]byte{byte(x)}), nil
	case []byte:
		return string(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case complex64:
		return strconv.FormatComplex(complex128(x), 'g', -1, 64), nil
	case complex128:
		return strconv.FormatComplex(x, 'g', -1, 128), nil
	}
	if n, ok := numericOf(v); ok {
		if n.negative {
			return strconv.FormatInt(n.i, 10), nil
		}
		return strconv.FormatUint(n.u, 10), nil
	}
	if src.IsVector() && src != VectorHash {
		elems := elements(v)
		parts := make([]string, len(elems))
		for i, e := range elems {
			s, err := toString(e, src.Element())
			if err != nil {
				return nil, err
			}
			parts[i] = s.(string)
		}
		return strings.Join(parts, ","), nil
	}
	return nil, errors.Newf(errors.Conversion, "cannot convert %s to STRING", src)
}

// Format renders any hash value for human consumption.
func Format(v any) string {
	t, _ := TypeOf(v)
	if s, err := toString(v, t); err == nil {
		return s.(string)
	}
	return fmt.Sprintf("%v", v)
}

// Compare orders two real scalars numerically regardless of their Go types.
// It returns -1, 0 or +1, or a conversion error for non-numeric values.
func Compare(a, b any) (int, error) {
	na, _ := normalize(a)
	nb, _ := normalize(b)
	x, ok := numericOf(na)
	if !ok {
		return 0, errors.Newf(errors.Conversion, "%T is not numeric", a)
	}
	y, ok := numericOf(nb)
	if !ok {
		return 0, errors.Newf(errors.Conversion, "%T is not numeric", b)
	}
	if x.isFloat || y.isFloat {
		switch {
		case x.f < y.f:
			return -1, nil
		case x.f > y.f:
			return 1, nil
		}
		return 0, nil
	}
	switch {
	case x.negative && !y.negative:
		return -1, nil
	case !x.negative && y.negative:
		return 1, nil
	case x.negative:
		return cmpOrdered(x.i, y.i), nil
	}
	return cmpOrdered(x.u, y.u), nil
}

func cmpOrdered[T int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
