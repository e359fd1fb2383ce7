package codec

import (
	"encoding/binary"
	"math"
	"net"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// DefaultMaxFrameBytes bounds a single encoded Hash unless configured.
const DefaultMaxFrameBytes = 256 << 20

// zeroCopyThreshold is the smallest byte payload EncodeBuffers keeps out of
// line instead of copying.
const zeroCopyThreshold = 4096

var le = binary.LittleEndian

// Encoder writes the binary Hash format.
type Encoder struct {
	// MaxFrameBytes rejects larger results with too-large. Zero means
	// DefaultMaxFrameBytes; negative disables the check.
	MaxFrameBytes int
}

// Decoder reads the binary Hash format.
type Decoder struct {
	// MaxFrameBytes rejects larger inputs with too-large. Zero means
	// DefaultMaxFrameBytes; negative disables the check.
	MaxFrameBytes int
	// ZeroCopy makes decoded byte vectors (VECTOR_CHAR, NDArray data)
	// alias the input buffer. The caller must then keep the buffer
	// unchanged for the lifetime of the result.
	ZeroCopy bool
}

func limit(n int) int {
	if n == 0 {
		return DefaultMaxFrameBytes
	}
	return n
}

// Encode serializes h with default limits.
func Encode(h *hash.Hash) ([]byte, error) {
	return Encoder{}.Encode(h)
}

// Decode deserializes data with default limits, copying byte payloads.
func Decode(data []byte) (*hash.Hash, error) {
	return Decoder{}.Decode(data)
}

// Encode serializes h.
func (e Encoder) Encode(h *hash.Hash) ([]byte, error) {
	w := &writer{}
	if err := w.hash(h); err != nil {
		return nil, err
	}
	w.flush()
	if max := limit(e.MaxFrameBytes); max > 0 && w.size > max {
		return nil, errors.Newf(errors.TooLarge, "encoded hash is %d bytes, limit %d", w.size, max)
	}
	if len(w.bufs) == 1 {
		return w.bufs[0], nil
	}
	out := make([]byte, 0, w.size)
	for _, b := range w.bufs {
		out = append(out, b...)
	}
	return out, nil
}

// EncodeBuffers serializes h into segments suitable for a vectored write.
// Byte payloads of 4 KiB or more are referenced, not copied, so they must
// stay unchanged until the write completes. The second result is the
// total length.
func (e Encoder) EncodeBuffers(h *hash.Hash) (net.Buffers, int, error) {
	w := &writer{zeroCopy: true}
	if err := w.hash(h); err != nil {
		return nil, 0, err
	}
	w.flush()
	if max := limit(e.MaxFrameBytes); max > 0 && w.size > max {
		return nil, 0, errors.Newf(errors.TooLarge, "encoded hash is %d bytes, limit %d", w.size, max)
	}
	return net.Buffers(w.bufs), w.size, nil
}

type writer struct {
	cur      []byte
	bufs     [][]byte
	size     int
	zeroCopy bool
}

func (w *writer) flush() {
	if len(w.cur) > 0 || len(w.bufs) == 0 {
		w.bufs = append(w.bufs, w.cur)
		w.size += len(w.cur)
		w.cur = nil
	}
}

func (w *writer) u8(v uint8)   { w.cur = append(w.cur, v) }
func (w *writer) u16(v uint16) { w.cur = le.AppendUint16(w.cur, v) }
func (w *writer) u32(v uint32) { w.cur = le.AppendUint32(w.cur, v) }
func (w *writer) u64(v uint64) { w.cur = le.AppendUint64(w.cur, v) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	if w.zeroCopy && len(b) >= zeroCopyThreshold {
		w.flush()
		w.bufs = append(w.bufs, b)
		w.size += len(b)
		return
	}
	w.cur = append(w.cur, b...)
}

func (w *writer) key(k string) error {
	if len(k) > math.MaxUint8 {
		return errors.Newf(errors.Format, "key %.20q... longer than 255 bytes", k)
	}
	w.u8(uint8(len(k)))
	w.cur = append(w.cur, k...)
	return nil
}

func (w *writer) hash(h *hash.Hash) error {
	w.u32(uint32(h.Len()))
	for _, n := range h.Nodes() {
		if err := w.key(n.Key()); err != nil {
			return err
		}
		t := n.Type()
		w.u32(uint32(t))
		attrs := n.Attributes()
		w.u32(uint32(attrs.Len()))
		for k, v := range attrs.All() {
			if err := w.key(k); err != nil {
				return err
			}
			at, _ := hash.TypeOf(v)
			w.u32(uint32(at))
			if err := w.value(at, v); err != nil {
				return err
			}
		}
		if err := w.value(t, n.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) value(t hash.Type, v any) error {
	switch t {
	case hash.Bool:
		if v.(bool) {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case hash.Char:
		w.u8(uint8(v.(hash.CharValue)))
	case hash.Int8:
		w.u8(uint8(v.(int8)))
	case hash.UInt8:
		w.u8(v.(uint8))
	case hash.Int16:
		w.u16(uint16(v.(int16)))
	case hash.UInt16:
		w.u16(v.(uint16))
	case hash.Int32:
		w.u32(uint32(v.(int32)))
	case hash.UInt32:
		w.u32(v.(uint32))
	case hash.Int64:
		w.u64(uint64(v.(int64)))
	case hash.UInt64:
		w.u64(v.(uint64))
	case hash.Float:
		w.u32(math.Float32bits(v.(float32)))
	case hash.Double:
		w.u64(math.Float64bits(v.(float64)))
	case hash.ComplexFloat:
		c := v.(complex64)
		w.u32(math.Float32bits(real(c)))
		w.u32(math.Float32bits(imag(c)))
	case hash.ComplexDouble:
		c := v.(complex128)
		w.u64(math.Float64bits(real(c)))
		w.u64(math.Float64bits(imag(c)))
	case hash.String:
		s := v.(string)
		w.u32(uint32(len(s)))
		w.cur = append(w.cur, s...)
	case hash.VectorChar:
		w.bytes(v.([]byte))
	case hash.VectorUInt8:
		w.bytes(v.(hash.UInt8s))
	case hash.VectorBool:
		writeVector(w, v.([]bool), func(b bool) {
			if b {
				w.u8(1)
			} else {
				w.u8(0)
			}
		})
	case hash.VectorInt8:
		writeVector(w, v.([]int8), func(x int8) { w.u8(uint8(x)) })
	case hash.VectorInt16:
		writeVector(w, v.([]int16), func(x int16) { w.u16(uint16(x)) })
	case hash.VectorUInt16:
		writeVector(w, v.([]uint16), w.u16)
	case hash.VectorInt32:
		writeVector(w, v.([]int32), func(x int32) { w.u32(uint32(x)) })
	case hash.VectorUInt32:
		writeVector(w, v.([]uint32), w.u32)
	case hash.VectorInt64:
		writeVector(w, v.([]int64), func(x int64) { w.u64(uint64(x)) })
	case hash.VectorUInt64:
		writeVector(w, v.([]uint64), w.u64)
	case hash.VectorFloat:
		writeVector(w, v.([]float32), func(x float32) { w.u32(math.Float32bits(x)) })
	case hash.VectorDouble:
		writeVector(w, v.([]float64), func(x float64) { w.u64(math.Float64bits(x)) })
	case hash.VectorComplexFloat:
		writeVector(w, v.([]complex64), func(c complex64) {
			w.u32(math.Float32bits(real(c)))
			w.u32(math.Float32bits(imag(c)))
		})
	case hash.VectorComplexDouble:
		writeVector(w, v.([]complex128), func(c complex128) {
			w.u64(math.Float64bits(real(c)))
			w.u64(math.Float64bits(imag(c)))
		})
	case hash.VectorString:
		writeVector(w, v.([]string), func(s string) {
			w.u32(uint32(len(s)))
			w.cur = append(w.cur, s...)
		})
	case hash.HashType:
		return w.hash(v.(*hash.Hash))
	case hash.VectorHash:
		hs := v.([]*hash.Hash)
		w.u32(uint32(len(hs)))
		for _, c := range hs {
			if err := w.hash(c); err != nil {
				return err
			}
		}
	case hash.SchemaType:
		return w.schema(v.(*hash.Schema))
	case hash.None:
		w.u32(0)
	default:
		return errors.Newf(errors.Format, "cannot encode type %s", t)
	}
	return nil
}

func writeVector[T any](w *writer, xs []T, each func(T)) {
	w.u32(uint32(len(xs)))
	for _, x := range xs {
		each(x)
	}
}

// schema is uint32 total length, uint8 name length, name, hash.
func (w *writer) schema(s *hash.Schema) error {
	if len(s.Name) > math.MaxUint8 {
		return errors.Newf(errors.Format, "schema name longer than 255 bytes")
	}
	inner := &writer{}
	inner.u8(uint8(len(s.Name)))
	inner.cur = append(inner.cur, s.Name...)
	if err := inner.hash(s.Hash); err != nil {
		return err
	}
	w.u32(uint32(len(inner.cur)))
	w.cur = append(w.cur, inner.cur...)
	return nil
}

// Decode deserializes data.
func (d Decoder) Decode(data []byte) (*hash.Hash, error) {
	if max := limit(d.MaxFrameBytes); max > 0 && len(data) > max {
		return nil, errors.Newf(errors.TooLarge, "frame is %d bytes, limit %d", len(data), max)
	}
	r := &reader{buf: data, zeroCopy: d.ZeroCopy}
	h, err := r.hash(0)
	if err != nil {
		return nil, err
	}
	if r.off != len(data) {
		return nil, errors.Newf(errors.Format, "%d trailing bytes after hash", len(data)-r.off)
	}
	return h, nil
}

// maxDepth stops hostile inputs from exhausting the stack.
const maxDepth = 256

type reader struct {
	buf      []byte
	off      int
	zeroCopy bool
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.buf)-r.off < n {
		return errors.Newf(errors.Format, "truncated input at offset %d", r.off)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := le.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := le.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.raw(int(n))
	return string(b), err
}

func (r *reader) key() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	b, err := r.raw(int(n))
	return string(b), err
}

// count reads a vector length and checks it against the remaining input,
// assuming each element needs at least minSize bytes.
func (r *reader) count(minSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if minSize > 0 && int(n) > (len(r.buf)-r.off)/minSize {
		return 0, errors.Newf(errors.Format, "vector of %d elements exceeds input", n)
	}
	return int(n), nil
}

func (r *reader) hash(depth int) (*hash.Hash, error) {
	if depth > maxDepth {
		return nil, errors.New(errors.Format, "hash nesting too deep")
	}
	n, err := r.count(6)
	if err != nil {
		return nil, err
	}
	h := hash.New()
	for i := 0; i < n; i++ {
		k, err := r.key()
		if err != nil {
			return nil, err
		}
		tag, err := r.u32()
		if err != nil {
			return nil, err
		}
		t := hash.Type(tag)
		if !t.Valid() {
			return nil, errors.Newf(errors.Format, "unknown type tag %d for key %q", tag, k)
		}
		na, err := r.count(5)
		if err != nil {
			return nil, err
		}
		var attrs hash.Attributes
		for j := 0; j < na; j++ {
			ak, err := r.key()
			if err != nil {
				return nil, err
			}
			atag, err := r.u32()
			if err != nil {
				return nil, err
			}
			at := hash.Type(atag)
			if !at.Valid() {
				return nil, errors.Newf(errors.Format, "unknown type tag %d for attribute %q", atag, ak)
			}
			av, err := r.value(at, depth+1)
			if err != nil {
				return nil, err
			}
			if err := attrs.Set(ak, av); err != nil {
				return nil, err
			}
		}
		v, err := r.value(t, depth+1)
		if err != nil {
			return nil, err
		}
		if h.Has(k) {
			return nil, errors.Newf(errors.Format, "duplicate key %q", k)
		}
		if err := h.Set(k, v); err != nil {
			return nil, errors.WithKind(errors.Format, err, "key "+k)
		}
		if attrs.Len() > 0 {
			a, _ := h.Attributes(k)
			*a = attrs
		}
	}
	return h, nil
}

func (r *reader) value(t hash.Type, depth int) (any, error) {
	switch t {
	case hash.Bool:
		b, err := r.u8()
		return b != 0, err
	case hash.Char:
		b, err := r.u8()
		return hash.CharValue(b), err
	case hash.Int8:
		b, err := r.u8()
		return int8(b), err
	case hash.UInt8:
		return r.u8()
	case hash.Int16:
		v, err := r.u16()
		return int16(v), err
	case hash.UInt16:
		return r.u16()
	case hash.Int32:
		v, err := r.u32()
		return int32(v), err
	case hash.UInt32:
		return r.u32()
	case hash.Int64:
		v, err := r.u64()
		return int64(v), err
	case hash.UInt64:
		return r.u64()
	case hash.Float:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case hash.Double:
		v, err := r.u64()
		return math.Float64frombits(v), err
	case hash.ComplexFloat:
		re, err := r.u32()
		if err != nil {
			return nil, err
		}
		im, err := r.u32()
		return complex(math.Float32frombits(re), math.Float32frombits(im)), err
	case hash.ComplexDouble:
		re, err := r.u64()
		if err != nil {
			return nil, err
		}
		im, err := r.u64()
		return complex(math.Float64frombits(re), math.Float64frombits(im)), err
	case hash.String:
		return r.str()
	case hash.VectorChar:
		return r.byteVector()
	case hash.VectorUInt8:
		b, err := r.byteVector()
		return hash.UInt8s(b), err
	case hash.VectorBool:
		return readVector(r, 1, func() (bool, error) { b, err := r.u8(); return b != 0, err })
	case hash.VectorInt8:
		return readVector(r, 1, func() (int8, error) { b, err := r.u8(); return int8(b), err })
	case hash.VectorInt16:
		return readVector(r, 2, func() (int16, error) { v, err := r.u16(); return int16(v), err })
	case hash.VectorUInt16:
		return readVector(r, 2, r.u16)
	case hash.VectorInt32:
		return readVector(r, 4, func() (int32, error) { v, err := r.u32(); return int32(v), err })
	case hash.VectorUInt32:
		return readVector(r, 4, r.u32)
	case hash.VectorInt64:
		return readVector(r, 8, func() (int64, error) { v, err := r.u64(); return int64(v), err })
	case hash.VectorUInt64:
		return readVector(r, 8, r.u64)
	case hash.VectorFloat:
		return readVector(r, 4, func() (float32, error) { v, err := r.u32(); return math.Float32frombits(v), err })
	case hash.VectorDouble:
		return readVector(r, 8, func() (float64, error) { v, err := r.u64(); return math.Float64frombits(v), err })
	case hash.VectorComplexFloat:
		return readVector(r, 8, func() (complex64, error) {
			c, err := r.value(hash.ComplexFloat, depth)
			if err != nil {
				return 0, err
			}
			return c.(complex64), nil
		})
	case hash.VectorComplexDouble:
		return readVector(r, 16, func() (complex128, error) {
			c, err := r.value(hash.ComplexDouble, depth)
			if err != nil {
				return 0, err
			}
			return c.(complex128), nil
		})
	case hash.VectorString:
		return readVector(r, 4, r.str)
	case hash.HashType:
		return r.hash(depth)
	case hash.VectorHash:
		return readVector(r, 4, func() (*hash.Hash, error) { return r.hash(depth + 1) })
	case hash.SchemaType:
		return r.schema(depth)
	case hash.None:
		n, err := r.u32()
		if err == nil && n != 0 {
			err = errors.Newf(errors.Format, "NONE value with length %d", n)
		}
		return nil, err
	}
	return nil, errors.Newf(errors.Format, "cannot decode type %s", t)
}

func (r *reader) byteVector() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	b, err := r.raw(int(n))
	if err != nil || r.zeroCopy {
		return b, err
	}
	return append([]byte(nil), b...), nil
}

func readVector[T any](r *reader, minSize int, next func() (T, error)) ([]T, error) {
	n, err := r.count(minSize)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		if out[i], err = next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) schema(depth int) (*hash.Schema, error) {
	total, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(total)); err != nil {
		return nil, err
	}
	end := r.off + int(total)
	name, err := r.key()
	if err != nil {
		return nil, err
	}
	h, err := r.hash(depth + 1)
	if err != nil {
		return nil, err
	}
	if r.off != end {
		return nil, errors.Newf(errors.Format, "schema %q length mismatch", name)
	}
	return &hash.Schema{Name: name, Hash: h}, nil
}
