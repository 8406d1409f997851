// hash.go - per-collection sync state and its MAC constructions.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/haven-im/wamd/waproto"
)

// HashState tracks one collection: the server-assigned version, the
// accumulator over live value MACs, and the live entries keyed by
// base64 index MAC. Version never decreases except by a full wipe.
type HashState struct {
	Version       uint64
	Hash          []byte
	IndexValueMap map[string][]byte
}

// NewHashState returns the empty collection state.
func NewHashState() HashState {
	return HashState{
		Hash:          make([]byte, HashSize),
		IndexValueMap: make(map[string][]byte),
	}
}

// clone deep-copies the state so decoding can fail without corrupting
// the persisted copy.
func (hs HashState) clone() HashState {
	out := HashState{
		Version:       hs.Version,
		Hash:          make([]byte, HashSize),
		IndexValueMap: make(map[string][]byte, len(hs.IndexValueMap)),
	}
	copy(out.Hash, hs.Hash)
	for k, v := range hs.IndexValueMap {
		out.IndexValueMap[k] = v
	}
	return out
}

// macPair is the (index MAC, value MAC, operation) triple the
// accumulator is updated with.
type macPair struct {
	indexMAC []byte
	valueMAC []byte
	op       waproto.SyncdOperation
}

// apply folds a batch of mutations into the state: sets replace the
// live entry for their index, removes drop it. The previous value MAC
// of a replaced or removed entry is subtracted from the accumulator.
func (hs *HashState) apply(pairs []macPair) error {
	var added, removed [][]byte
	for _, p := range pairs {
		key := base64.StdEncoding.EncodeToString(p.indexMAC)
		prev, live := hs.IndexValueMap[key]
		switch p.op {
		case waproto.SyncdSet:
			added = append(added, p.valueMAC)
			hs.IndexValueMap[key] = p.valueMAC
		case waproto.SyncdRemove:
			if !live {
				return fmt.Errorf("%w: index %X", ErrMissingPreviousValue, p.indexMAC)
			}
			delete(hs.IndexValueMap, key)
		default:
			return fmt.Errorf("appstate: unknown operation %d", p.op)
		}
		if live {
			removed = append(removed, prev)
		}
	}
	hs.Hash = subtractThenAdd(hs.Hash, removed, added)
	return nil
}

func uint64BE(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// generateContentMAC tags one mutation value: HMAC-SHA512 over the
// operation byte, the key id, the ciphertext and the length of the
// operation-plus-key-id prefix, truncated to 32 bytes. The operation
// byte is the wire operation plus one.
func generateContentMAC(op waproto.SyncdOperation, data, keyID, key []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write([]byte{byte(op) + 1})
	h.Write(keyID)
	h.Write(data)
	h.Write(uint64BE(uint64(len(keyID) + 1)))
	return h.Sum(nil)[:32]
}

// generateSnapshotMAC commits to the collection state: HMAC-SHA256 over
// the accumulator, the version and the collection name.
func generateSnapshotMAC(hash []byte, version uint64, name Collection, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(hash)
	h.Write(uint64BE(version))
	h.Write([]byte(name))
	return h.Sum(nil)
}

// generatePatchMAC commits to one patch: HMAC-SHA256 over the patch's
// snapshot MAC, each mutation's value MAC, the patch version and the
// collection name.
func generatePatchMAC(snapshotMAC []byte, valueMACs [][]byte, version uint64, name Collection, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(snapshotMAC)
	for _, mac := range valueMACs {
		h.Write(mac)
	}
	h.Write(uint64BE(version))
	h.Write([]byte(name))
	return h.Sum(nil)
}
