package hash

import (
	"encoding/binary"
	"math"

	"github.com/c360/karabo/errors"
)

// NDArrayClassID marks a Hash node that holds an NDArray.
const NDArrayClassID = "NDArray"

// ClassIDAttr is the attribute naming the class of a structured Hash node.
const ClassIDAttr = "__classId"

// NDArray is an n-dimensional array of a scalar element type stored as raw
// bytes. On the wire it is the Hash {type, shape, data, isBigEndian}.
type NDArray struct {
	Type      Type
	Shape     []uint64
	Data      []byte
	BigEndian bool
}

// ElementSize returns the byte width of one element of scalar type t, or 0
// for types without a fixed width.
func ElementSize(t Type) int {
	switch t {
	case Bool, Char, Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float:
		return 4
	case Int64, UInt64, Double, ComplexFloat:
		return 8
	case ComplexDouble:
		return 16
	}
	return 0
}

// NewNDArray validates that data holds exactly prod(shape) elements of t.
func NewNDArray(t Type, shape []uint64, data []byte) (*NDArray, error) {
	a := &NDArray{Type: t, Shape: shape, Data: data}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewNDArrayFloat64 builds a little-endian DOUBLE array.
func NewNDArrayFloat64(shape []uint64, values []float64) (*NDArray, error) {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return NewNDArray(Double, shape, data)
}

// Len returns the number of elements implied by the shape.
func (a *NDArray) Len() uint64 {
	n := uint64(1)
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks the element type and the data length against the shape.
func (a *NDArray) Validate() error {
	size := ElementSize(a.Type)
	if size == 0 {
		return errors.Newf(errors.Format, "ndarray: unsupported element type %s", a.Type)
	}
	if want := a.Len() * uint64(size); want != uint64(len(a.Data)) {
		return errors.Newf(errors.Format, "ndarray: shape %v needs %d bytes, have %d", a.Shape, want, len(a.Data))
	}
	return nil
}

// Float64s decodes a DOUBLE array honouring its byte order.
func (a *NDArray) Float64s() ([]float64, error) {
	if a.Type != Double {
		return nil, errors.Newf(errors.TypeMismatch, "ndarray holds %s, not DOUBLE", a.Type)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if a.BigEndian {
		order = binary.BigEndian
	}
	out := make([]float64, len(a.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(order.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

// ToHash returns the wire shape of the array. The data slice is shared.
func (a *NDArray) ToHash() *Hash {
	h := New()
	h.appendNode(&Node{key: "type", value: int32(a.Type)})
	h.appendNode(&Node{key: "shape", value: append([]uint64(nil), a.Shape...)})
	h.appendNode(&Node{key: "data", value: a.Data})
	h.appendNode(&Node{key: "isBigEndian", value: a.BigEndian})
	return h
}

// NDArrayFromHash reads an array from its wire shape.
func NDArrayFromHash(h *Hash) (*NDArray, error) {
	if !IsNDArray(h) {
		return nil, errors.New(errors.Format, "hash is not an ndarray")
	}
	t, _ := h.Get("type")
	shape, _ := h.Get("shape")
	data, _ := h.Get("data")
	a := &NDArray{Type: Type(t.(int32)), Shape: shape.([]uint64), Data: data.([]byte)}
	if be, ok := h.Get("isBigEndian"); ok {
		a.BigEndian, _ = be.(bool)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// IsNDArray reports whether h has the NDArray shape.
func IsNDArray(h *Hash) bool {
	if h == nil {
		return false
	}
	t, ok := h.Get("type")
	if _, isInt := t.(int32); !ok || !isInt {
		return false
	}
	s, ok := h.Get("shape")
	if _, isShape := s.([]uint64); !ok || !isShape {
		return false
	}
	d, ok := h.Get("data")
	_, isBytes := d.([]byte)
	return ok && isBytes
}

// SetNDArray stores a at path and tags the node with the NDArray class id.
func (h *Hash) SetNDArray(path string, a *NDArray) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := h.Set(path, a.ToHash()); err != nil {
		return err
	}
	return h.SetAttribute(path, ClassIDAttr, NDArrayClassID)
}

// GetNDArray reads the array stored at path.
func (h *Hash) GetNDArray(path string) (*NDArray, error) {
	c, ok := h.GetHash(path)
	if !ok {
		return nil, errors.Newf(errors.TypeMismatch, "no ndarray at %q", path)
	}
	return NDArrayFromHash(c)
}
