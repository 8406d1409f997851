// prekeys_test.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-im/wamd/store"
)

func ids(keys []PreKey) []uint32 {
	out := make([]uint32, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

func TestGeneratePreKeys(t *testing.T) {
	st := store.NewMemStore()
	creds, err := store.NewCreds()
	require.NoError(t, err)

	keys, err := GenerateOrGetPreKeys(st, creds, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, ids(keys))
	assert.EqualValues(t, 6, creds.NextPreKeyID)
	assert.EqualValues(t, 1, creds.FirstUnuploadedPreKeyID)
	for _, k := range keys {
		assert.Len(t, k.KeyPair.Public, 32)
		assert.Len(t, k.KeyPair.Private, 32)
	}

	// Until an upload is acknowledged, the same keys come back.
	again, err := GenerateOrGetPreKeys(st, creds, 5)
	require.NoError(t, err)
	assert.Equal(t, ids(keys), ids(again))
	assert.Equal(t, keys[0].KeyPair.Public, again[0].KeyPair.Public)
	assert.EqualValues(t, 6, creds.NextPreKeyID)
}

func TestPreKeyUploadWatermark(t *testing.T) {
	st := store.NewMemStore()
	creds, err := store.NewCreds()
	require.NoError(t, err)

	keys, err := GenerateOrGetPreKeys(st, creds, 5)
	require.NoError(t, err)

	// Server acknowledged only the first three.
	MarkPreKeysUploaded(creds, keys[2].ID)
	assert.EqualValues(t, 4, creds.FirstUnuploadedPreKeyID)
	require.NoError(t, creds.CheckPreKeyInvariant())

	// The next batch reuses the two pending keys and tops up.
	next, err := GenerateOrGetPreKeys(st, creds, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 5, 6, 7, 8}, ids(next))
	assert.Equal(t, keys[3].KeyPair.Public, next[0].KeyPair.Public)
	assert.EqualValues(t, 9, creds.NextPreKeyID)

	MarkPreKeysUploaded(creds, next[len(next)-1].ID)
	assert.EqualValues(t, 9, creds.FirstUnuploadedPreKeyID)
	require.NoError(t, creds.CheckPreKeyInvariant())

	// A stale acknowledgement never moves the watermark back.
	MarkPreKeysUploaded(creds, 2)
	assert.EqualValues(t, 9, creds.FirstUnuploadedPreKeyID)
}

func TestPreKeysInsideTransaction(t *testing.T) {
	st := store.NewMemStore()
	creds, err := store.NewCreds()
	require.NoError(t, err)

	err = st.Transaction(func(tx store.KeyStore) error {
		_, err := GenerateOrGetPreKeys(tx, creds, 3)
		return err
	})
	require.NoError(t, err)

	stored, err := st.Get(store.NSPreKey, []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}
