package broker

import (
	"encoding/binary"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// EncodeFrame packs a message as uint32 header length, header, body.
func EncodeFrame(enc codec.Encoder, m *Message) ([]byte, error) {
	header, err := enc.Encode(m.Header)
	if err != nil {
		return nil, err
	}
	body := m.Body
	if body == nil {
		body = hash.New()
	}
	payload, err := enc.Encode(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(header)+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	return append(out, payload...), nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(dec codec.Decoder, data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, errors.New(errors.Format, "frame shorter than its length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n > len(data)-4 {
		return nil, errors.Newf(errors.Format, "header length %d exceeds frame", n)
	}
	header, err := dec.Decode(data[4 : 4+n])
	if err != nil {
		return nil, err
	}
	body, err := dec.Decode(data[4+n:])
	if err != nil {
		return nil, err
	}
	return &Message{Header: header, Body: body}, nil
}
