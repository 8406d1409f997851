// prekeys.go - one-time pre-key bookkeeping.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package signal

import (
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/haven-im/wamd/store"
)

// PreKey is one one-time pre-key with its dense identifier.
type PreKey struct {
	ID      uint32
	KeyPair store.KeyPair
}

// GenerateOrGetPreKeys ensures want unuploaded pre-keys exist and
// returns them in id order: first the ones generated earlier but never
// acknowledged, then fresh ones from creds.NextPreKeyID. Run inside a
// key store transaction; the caller persists creds once the server
// accepts the upload.
func GenerateOrGetPreKeys(ks store.KeyStore, creds *store.Creds, want int) ([]PreKey, error) {
	if want <= 0 {
		return nil, nil
	}
	first := creds.FirstUnuploadedPreKeyID
	ids := make([]string, 0, want)
	for id := first; id < first+uint32(want) && id < creds.NextPreKeyID; id++ {
		ids = append(ids, preKeyStoreKey(id))
	}
	existing, err := ks.Get(store.NSPreKey, ids)
	if err != nil {
		return nil, err
	}
	out := make([]PreKey, 0, want)
	for _, key := range ids {
		blob, ok := existing[key]
		if !ok {
			return nil, fmt.Errorf("signal: pre-key %s missing from store", key)
		}
		var pk PreKey
		if err := cbor.Unmarshal(blob, &pk); err != nil {
			return nil, fmt.Errorf("signal: corrupt pre-key %s: %w", key, err)
		}
		out = append(out, pk)
	}

	fresh := make(map[string][]byte)
	for len(out) < want {
		kp, err := store.NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		pk := PreKey{ID: creds.NextPreKeyID, KeyPair: kp}
		blob, err := cbor.Marshal(&pk)
		if err != nil {
			return nil, err
		}
		fresh[preKeyStoreKey(pk.ID)] = blob
		out = append(out, pk)
		creds.NextPreKeyID++
	}
	if len(fresh) > 0 {
		if err := ks.Set(store.NSPreKey, fresh); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkPreKeysUploaded advances the unuploaded watermark past lastID
// after a successful upload.
func MarkPreKeysUploaded(creds *store.Creds, lastID uint32) {
	if lastID+1 > creds.FirstUnuploadedPreKeyID {
		creds.FirstUnuploadedPreKeyID = lastID + 1
	}
}

func preKeyStoreKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
