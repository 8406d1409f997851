// decode.go - binary tree decoder.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/haven-im/wamd/types"
)

// Unmarshal decodes a decrypted frame into a node tree. The first byte is
// the flag byte; bit 1 selects zlib compression of the remainder.
func Unmarshal(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wabinary: empty frame")
	}
	payload := data[1:]
	if data[0]&2 != 0 {
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("wabinary: bad zlib stream: %w", err)
		}
		defer r.Close()
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wabinary: inflate failed: %w", err)
		}
	}
	d := &decoder{buf: payload}
	n, err := d.readNode()
	if err != nil {
		return nil, err
	}
	return n, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("wabinary: unexpected end of frame at offset %d", d.off)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, fmt.Errorf("wabinary: %d bytes wanted at offset %d, %d available", n, d.off, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) readUint(width int) (uint32, error) {
	b, err := d.readBytes(width)
	if err != nil {
		return 0, err
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

func (d *decoder) readNode() (*Node, error) {
	size, err := d.readListSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("wabinary: node with zero size")
	}
	tag, err := d.readString()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, fmt.Errorf("wabinary: node with empty tag")
	}

	n := &Node{Tag: tag}
	attrCount := (size - 1) >> 1
	if attrCount > 0 {
		n.Attrs = make(map[string]string, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		key, err := d.readString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, fmt.Errorf("wabinary: empty attribute key on <%s>", tag)
		}
		value, err := d.readString()
		if err != nil {
			return nil, err
		}
		n.Attrs[key] = value
	}

	if size%2 == 0 {
		if err := d.readContent(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (d *decoder) readContent(n *Node) error {
	marker, err := d.readByte()
	if err != nil {
		return err
	}
	switch marker {
	case listEmpty, list8, list16:
		d.off--
		count, err := d.readListSize()
		if err != nil {
			return err
		}
		children := make([]Node, count)
		for i := 0; i < count; i++ {
			child, err := d.readNode()
			if err != nil {
				return err
			}
			children[i] = *child
		}
		n.Content = children
	case binary8, binary20, binary32:
		length, err := d.readByteLength(marker)
		if err != nil {
			return err
		}
		raw, err := d.readBytes(length)
		if err != nil {
			return err
		}
		content := make([]byte, length)
		copy(content, raw)
		n.Content = content
	default:
		d.off--
		s, err := d.readString()
		if err != nil {
			return err
		}
		n.Content = []byte(s)
	}
	return nil
}

func (d *decoder) readListSize() (int, error) {
	marker, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch marker {
	case listEmpty:
		return 0, nil
	case list8:
		v, err := d.readUint(1)
		return int(v), err
	case list16:
		v, err := d.readUint(2)
		return int(v), err
	default:
		return 0, fmt.Errorf("wabinary: invalid list size marker 0x%02x at offset %d", marker, d.off-1)
	}
}

func (d *decoder) readByteLength(marker byte) (int, error) {
	switch marker {
	case binary8:
		v, err := d.readUint(1)
		return int(v), err
	case binary20:
		v, err := d.readUint(3)
		return int(v & 0x000FFFFF), err
	case binary32:
		v, err := d.readUint(4)
		return int(v), err
	default:
		return 0, fmt.Errorf("wabinary: invalid byte length marker 0x%02x", marker)
	}
}

func (d *decoder) readString() (string, error) {
	marker, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch {
	case marker == listEmpty:
		return "", nil
	case int(marker) < len(singleByteTokens):
		return singleToken(int(marker))
	case marker >= dictionary0 && marker <= dictionary3:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		return doubleToken(int(marker-dictionary0), int(idx))
	case marker == jidPair:
		return d.readJIDPair()
	case marker == adJID:
		return d.readADJID()
	case marker == nibble8:
		return d.readPacked(unpackNibble)
	case marker == hex8:
		return d.readPacked(unpackHex)
	case marker == binary8 || marker == binary20 || marker == binary32:
		length, err := d.readByteLength(marker)
		if err != nil {
			return "", err
		}
		raw, err := d.readBytes(length)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("wabinary: invalid string marker 0x%02x at offset %d", marker, d.off-1)
	}
}

func (d *decoder) readJIDPair() (string, error) {
	user, err := d.readString()
	if err != nil {
		return "", err
	}
	server, err := d.readString()
	if err != nil {
		return "", err
	}
	if server == "" {
		return "", fmt.Errorf("wabinary: JID pair with empty server")
	}
	return types.NewJID(user, server).String(), nil
}

func (d *decoder) readADJID() (string, error) {
	agent, err := d.readByte()
	if err != nil {
		return "", err
	}
	device, err := d.readUint(2)
	if err != nil {
		return "", err
	}
	user, err := d.readString()
	if err != nil {
		return "", err
	}
	return types.NewADJID(user, agent, uint16(device)).String(), nil
}

func (d *decoder) readPacked(unpack func(byte) (byte, error)) (string, error) {
	lengthInfo, err := d.readByte()
	if err != nil {
		return "", err
	}
	packed, err := d.readBytes(int(lengthInfo & 0x7F))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(packed) * 2)
	for _, b := range packed {
		hi, err := unpack(b >> 4)
		if err != nil {
			return "", err
		}
		sb.WriteByte(hi)
		lo, err := unpack(b & 0x0F)
		if err != nil {
			return "", err
		}
		sb.WriteByte(lo)
	}
	s := sb.String()
	if lengthInfo&0x80 != 0 && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s, nil
}

func unpackNibble(v byte) (byte, error) {
	switch {
	case v <= 9:
		return '0' + v, nil
	case v == 10:
		return '-', nil
	case v == 11:
		return '.', nil
	case v == 15:
		return 0, nil
	default:
		return 0, fmt.Errorf("wabinary: invalid nibble value %d", v)
	}
}

func unpackHex(v byte) (byte, error) {
	switch {
	case v <= 9:
		return '0' + v, nil
	case v <= 15:
		return 'A' + v - 10, nil
	default:
		return 0, fmt.Errorf("wabinary: invalid hex value %d", v)
	}
}
