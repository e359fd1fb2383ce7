// Package codec serializes Hash values for the broker and the pipelines.
//
// # Binary format
//
// The binary format is self-describing and little-endian. A Hash is a
// uint32 entry count followed by its entries; each entry is
//
//	uint8   key length
//	bytes   key (UTF-8)
//	uint32  type tag
//	uint32  attribute count
//	...     attributes (key length, key, type tag, value)
//	...     value
//
// Strings, byte vectors and vectors carry a uint32 length prefix. A SCHEMA
// value is a uint32 total length, a uint8 name length, the name and the
// encoded Hash. NONE is a uint32 zero.
//
// Decoding is bounded by Decoder.MaxFrameBytes and rejects unknown tags
// with a format error. With Decoder.ZeroCopy set, byte vectors alias the
// input buffer instead of being copied, which is what the pipeline uses for
// NDArray payloads. Encoder.EncodeBuffers is the matching write side: large
// byte payloads are referenced rather than copied so a vectored write can
// send them straight from the caller's memory.
//
// # XML format
//
// EncodeXML and DecodeXML implement the human-readable format used for
// persisted device configurations. Every element carries its type in a
// KRB_Type attribute and Hash attributes are written as
// name="KRB_<TYPE>:<value>". Vectors are comma separated, byte vectors are
// base64 and vectors of hashes nest their items in KRB_Item elements.
package codec
