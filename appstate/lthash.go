// lthash.go - additive rolling hash over app state collections.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HashSize is the accumulator width: 64 little-endian uint16 lanes.
const HashSize = 128

var lthashInfo = []byte("WhatsApp Patch Integrity")

// expandMAC stretches a 32-byte value MAC to one accumulator-sized
// summand via HKDF-SHA256 with a nil salt.
func expandMAC(mac []byte) []byte {
	out := make([]byte, HashSize)
	r := hkdf.New(sha256.New, mac, nil, lthashInfo)
	if _, err := io.ReadFull(r, out); err != nil {
		// The reader cannot fail before the 255-block output limit.
		panic(err)
	}
	return out
}

// lanewise adds or subtracts the expansion of each MAC into base, per
// uint16 lane with wraparound.
func lanewise(base []byte, macs [][]byte, subtract bool) {
	for _, mac := range macs {
		expanded := expandMAC(mac)
		for i := 0; i < HashSize; i += 2 {
			x := binary.LittleEndian.Uint16(base[i:])
			y := binary.LittleEndian.Uint16(expanded[i:])
			if subtract {
				x -= y
			} else {
				x += y
			}
			binary.LittleEndian.PutUint16(base[i:], x)
		}
	}
}

// subtractThenAdd folds removed and added value MACs into a copy of the
// accumulator. The operation is order independent and invertible, so the
// accumulator commits to the live value MAC set regardless of the patch
// sequence that produced it.
func subtractThenAdd(base []byte, removed, added [][]byte) []byte {
	out := make([]byte, HashSize)
	copy(out, base)
	lanewise(out, removed, true)
	lanewise(out, added, false)
	return out
}
