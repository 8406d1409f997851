// waproto.go - protowire helpers shared by the hand-rolled codecs.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package waproto implements the protobuf messages the server speaks
// during the Noise handshake, pairing, device verification, app state
// sync and message exchange. The messages are few and flat, so they are
// coded directly against the wire format instead of through generated
// bindings.
package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) bytes(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, v)
}

func (w *fieldWriter) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, v)
}

func (w *fieldWriter) uvarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *fieldWriter) flag(num protowire.Number, v bool) {
	if !v {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, 1)
}

// enum writes a varint field even when the value is zero, for enums whose
// zero value is semantically meaningful.
func (w *fieldWriter) enum(num protowire.Number, v uint64) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

type submarshaler interface {
	appendTo(w *fieldWriter)
}

func (w *fieldWriter) message(num protowire.Number, m submarshaler) {
	if m == nil {
		return
	}
	var inner fieldWriter
	m.appendTo(&inner)
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, inner.buf)
}

// field is one decoded protobuf field. Exactly one of bytes/varint is
// meaningful depending on the wire type.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

// eachField walks a serialized message, invoking fn per field. Unknown
// fields are passed through for the callback to ignore.
func eachField(data []byte, fn func(f field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("waproto: bad field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("waproto: bad varint in field %d: %w", num, protowire.ParseError(n))
			}
			f.varint = v
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("waproto: bad length-delimited field %d: %w", num, protowire.ParseError(n))
			}
			f.bytes = v
			data = data[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("waproto: bad fixed32 field %d: %w", num, protowire.ParseError(n))
			}
			f.varint = uint64(v)
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return fmt.Errorf("waproto: bad fixed64 field %d: %w", num, protowire.ParseError(n))
			}
			f.varint = v
			data = data[n:]
		default:
			return fmt.Errorf("waproto: unsupported wire type %d in field %d", typ, num)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
