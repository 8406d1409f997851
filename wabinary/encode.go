// encode.go - binary tree encoder.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"fmt"
	"sort"

	"github.com/haven-im/wamd/types"
)

// Marshal encodes a node tree into its wire form, including the leading
// flag byte expected inside decrypted frames.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.buf = append(e.buf, 0) // flag: uncompressed
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) push(data ...byte) {
	e.buf = append(e.buf, data...)
}

func (e *encoder) pushUint(value uint32, width int) {
	for i := width - 1; i >= 0; i-- {
		e.push(byte(value >> (8 * i)))
	}
}

func (e *encoder) writeNode(n Node) error {
	if n.Tag == "" {
		return fmt.Errorf("wabinary: cannot encode node with empty tag")
	}
	size := 1 + 2*len(n.Attrs)
	if n.Content != nil {
		size++
	}
	e.writeListSize(size)
	if err := e.writeString(n.Tag); err != nil {
		return err
	}

	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("wabinary: cannot encode empty attribute key on <%s>", n.Tag)
		}
		if err := e.writeString(k); err != nil {
			return err
		}
		if err := e.writeString(n.Attrs[k]); err != nil {
			return err
		}
	}

	switch content := n.Content.(type) {
	case nil:
	case []byte:
		e.writeByteLength(len(content))
		e.push(content...)
	case []Node:
		e.writeListSize(len(content))
		for i := range content {
			if err := e.writeNode(content[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("wabinary: invalid content type %T on <%s>", n.Content, n.Tag)
	}
	return nil
}

func (e *encoder) writeListSize(size int) {
	switch {
	case size == 0:
		e.push(listEmpty)
	case size < 256:
		e.push(list8, byte(size))
	default:
		e.push(list16)
		e.pushUint(uint32(size), 2)
	}
}

func (e *encoder) writeByteLength(length int) {
	switch {
	case length < 1<<8:
		e.push(binary8, byte(length))
	case length < 1<<20:
		e.push(binary20, byte(length>>16)&0x0F, byte(length>>8), byte(length))
	default:
		e.push(binary32)
		e.pushUint(uint32(length), 4)
	}
}

func (e *encoder) writeString(s string) error {
	if idx, ok := singleTokenIndex[s]; ok {
		e.push(byte(idx))
		return nil
	}
	if loc, ok := doubleTokenIndex[s]; ok {
		e.push(byte(dictionary0+loc[0]), byte(loc[1]))
		return nil
	}
	if jid, ok := asJID(s); ok {
		e.writeJID(jid)
		return nil
	}
	if len(s) <= packedMax {
		if validNibble(s) {
			e.writePacked(s, nibble8, nibbleValue)
			return nil
		}
		if validHex(s) {
			e.writePacked(s, hex8, hexValue)
			return nil
		}
	}
	e.writeByteLength(len(s))
	e.push([]byte(s)...)
	return nil
}

func (e *encoder) writeJID(jid types.JID) {
	if jid.Agent != 0 || jid.Device != 0 {
		e.push(adJID, jid.Agent)
		e.pushUint(uint32(jid.Device), 2)
		e.writeString(jid.User)
		return
	}
	e.push(jidPair)
	if jid.User == "" {
		e.push(listEmpty)
	} else {
		e.writeString(jid.User)
	}
	e.writeString(jid.Server)
}

func (e *encoder) writePacked(s string, marker byte, value func(byte) byte) {
	lengthInfo := byte(len(s)+1) / 2
	if len(s)%2 != 0 {
		lengthInfo |= 0x80
	}
	e.push(marker, lengthInfo)
	var packed byte
	for i := 0; i < len(s); i++ {
		if i%2 == 0 {
			packed = value(s[i]) << 4
		} else {
			e.push(packed | value(s[i]))
		}
	}
	if len(s)%2 != 0 {
		e.push(packed | 0x0F)
	}
}

func asJID(s string) (types.JID, bool) {
	at := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return types.JID{}, false
	}
	switch s[at+1:] {
	case types.DefaultUserServer, types.GroupServer, types.BroadcastServer,
		types.HiddenUserServer, types.LegacyUserServer:
	default:
		return types.JID{}, false
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, false
	}
	return jid, true
}

func validNibble(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func nibbleValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c == '-':
		return 10
	default: // '.'
		return 11
	}
}

func validHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func hexValue(c byte) byte {
	if c <= '9' {
		return c - '0'
	}
	return c - 'A' + 10
}
