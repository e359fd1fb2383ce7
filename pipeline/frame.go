package pipeline

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pkg/timestamp"
)

// Header keys of a data frame.
const (
	keyNData       = "nData"
	keyByteSizes   = "byteSizes"
	keySourceInfo  = "sourceInfo"
	keySource      = "source"
	keyTimestamp   = "timestamp"
	keyEndOfStream = "endOfStream"
)

// Keys of the control messages an input sends.
const (
	keyReason         = "reason"
	keyInstanceID     = "instanceId"
	keyDistribution   = "dataDistribution"
	keySlowness       = "onSlowness"
	keyMemoryLocation = "memoryLocation"
	keyMaxQueueLength = "maxQueueLength"

	reasonHello  = "hello"
	reasonUpdate = "update"
)

// Meta describes where a data item came from.
type Meta struct {
	// Source is "<deviceId>:<channel>" of the writing output.
	Source    string
	Timestamp timestamp.Timestamp
}

// frame is one encoded unit on the wire: a length-prefixed header Hash
// followed by a length-prefixed body. It is encoded once and written to
// every connection that receives it.
type frame struct {
	eos  bool
	bufs net.Buffers
	size int
}

func (f *frame) writeTo(w io.Writer) error {
	// WriteTo consumes the slice it is called on.
	bufs := make(net.Buffers, len(f.bufs))
	copy(bufs, f.bufs)
	_, err := bufs.WriteTo(w)
	return err
}

func u32(n int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(n))
}

// encodeData builds a data frame carrying items, all stamped with the same
// source and timestamp. With zeroCopy the item encodings reference large
// byte payloads instead of copying them.
func encodeData(enc codec.Encoder, zeroCopy bool, meta Meta, items ...*hash.Hash) (*frame, error) {
	var body net.Buffers
	sizes := make([]uint32, 0, len(items))
	infos := make([]*hash.Hash, 0, len(items))
	total := 0
	for _, item := range items {
		var (
			bufs net.Buffers
			n    int
			err  error
		)
		if zeroCopy {
			bufs, n, err = enc.EncodeBuffers(item)
		} else {
			var b []byte
			b, err = enc.Encode(item)
			bufs, n = net.Buffers{b}, len(b)
		}
		if err != nil {
			return nil, err
		}
		body = append(body, bufs...)
		sizes = append(sizes, uint32(n))
		total += n

		info := hash.New().Put(keySource, meta.Source).Put(keyTimestamp, true)
		attrs, _ := info.Attributes(keyTimestamp)
		meta.Timestamp.ToAttributes(attrs)
		infos = append(infos, info)
	}

	header := hash.New().
		Put(keyNData, uint32(len(items))).
		Put(keyByteSizes, sizes).
		Put(keySourceInfo, infos)
	hb, err := enc.Encode(header)
	if err != nil {
		return nil, err
	}
	bufs := append(net.Buffers{u32(len(hb)), hb, u32(total)}, body...)
	return &frame{bufs: bufs, size: 8 + len(hb) + total}, nil
}

// encodeEndOfStream builds the termination frame: the endOfStream header
// and an empty body.
func encodeEndOfStream(enc codec.Encoder) (*frame, error) {
	header := hash.New().Put(keyEndOfStream, true).Put(keyByteSizes, []uint32{})
	hb, err := enc.Encode(header)
	if err != nil {
		return nil, err
	}
	return &frame{eos: true, bufs: net.Buffers{u32(len(hb)), hb, u32(0)}, size: 8 + len(hb)}, nil
}

// readBlock reads one uint32 length prefix and the bytes it announces.
func readBlock(r io.Reader, max int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(prefix[:]))
	if max > 0 && n > max {
		return nil, errors.Newf(errors.TooLarge, "pipeline block of %d bytes exceeds limit %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func maxBytes(dec codec.Decoder) int {
	if dec.MaxFrameBytes == 0 {
		return codec.DefaultMaxFrameBytes
	}
	return dec.MaxFrameBytes
}

// writeMessage sends a single length-prefixed Hash, the form of the
// control messages an input writes to its output.
func writeMessage(w io.Writer, enc codec.Encoder, h *hash.Hash) error {
	b, err := enc.Encode(h)
	if err != nil {
		return err
	}
	_, err = (&net.Buffers{u32(len(b)), b}).WriteTo(w)
	return err
}

func readMessage(r io.Reader, dec codec.Decoder) (*hash.Hash, error) {
	b, err := readBlock(r, maxBytes(dec))
	if err != nil {
		return nil, err
	}
	return dec.Decode(b)
}

// item is one decoded data Hash with its metadata.
type item struct {
	data *hash.Hash
	meta Meta
}

// readFrame reads a header and body. For a data frame it splits the body
// into items using byteSizes; for endOfStream it reports eos.
func readFrame(r io.Reader, dec codec.Decoder) (items []item, eos bool, err error) {
	max := maxBytes(dec)
	hb, err := readBlock(r, max)
	if err != nil {
		return nil, false, err
	}
	header, err := dec.Decode(hb)
	if err != nil {
		return nil, false, err
	}
	body, err := readBlock(r, max)
	if err != nil {
		return nil, false, err
	}
	if v, ok := header.Get(keyEndOfStream); ok {
		if b, _ := v.(bool); b {
			return nil, true, nil
		}
	}

	sizes, err := hash.As[[]uint32](header, keyByteSizes)
	if err != nil {
		return nil, false, errors.WithKind(errors.Format, err, "data frame without byteSizes")
	}
	var infos []*hash.Hash
	if v, ok := header.Get(keySourceInfo); ok {
		infos, _ = v.([]*hash.Hash)
	}

	items = make([]item, 0, len(sizes))
	off := 0
	for i, n := range sizes {
		end := off + int(n)
		if end > len(body) {
			return nil, false, errors.Newf(errors.Format, "item %d overruns the %d byte body", i, len(body))
		}
		data, err := dec.Decode(body[off:end])
		if err != nil {
			return nil, false, err
		}
		off = end
		it := item{data: data}
		if i < len(infos) {
			it.meta = metaOf(infos[i])
		}
		items = append(items, it)
	}
	return items, false, nil
}

func metaOf(info *hash.Hash) Meta {
	var m Meta
	if v, ok := info.Get(keySource); ok {
		m.Source, _ = v.(string)
	}
	if attrs, ok := info.Attributes(keyTimestamp); ok {
		m.Timestamp, _ = timestamp.FromAttributes(attrs)
	}
	return m
}
