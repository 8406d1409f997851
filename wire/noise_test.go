// noise_test.go - XX handshake primitive behavior.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/dh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runXXHandshake drives a complete in-memory handshake and returns both
// finished states with their static keypairs. The payload slicing in
// Handshake depends on the exact message sizes asserted here.
func runXXHandshake(t *testing.T, clientPayload, serverPayload []byte) (client, server *nyquist.HandshakeState, clientStatic, serverStatic dh.Keypair) {
	t.Helper()

	var err error
	clientStatic, err = noiseProtocol().DH.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	serverStatic, err = noiseProtocol().DH.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	client, err = nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:    noiseProtocol(),
		Prologue:    ConnHeader(),
		DH:          &nyquist.DHConfig{LocalStatic: clientStatic},
		Rng:         rand.Reader,
		IsInitiator: true,
	})
	require.NoError(t, err)
	server, err = nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:    noiseProtocol(),
		Prologue:    ConnHeader(),
		DH:          &nyquist.DHConfig{LocalStatic: serverStatic},
		Rng:         rand.Reader,
		IsInitiator: false,
	})
	require.NoError(t, err)

	// -> e. Sent bare, so it must be exactly one public key.
	msg1, err := client.WriteMessage(nil, nil)
	require.NoError(t, err)
	assert.Len(t, msg1, x25519KeySize)
	_, err = server.ReadMessage(nil, msg1)
	require.NoError(t, err)

	// <- e, ee, s, es + payload. The static travels sealed, the payload
	// picks up its own AEAD tag.
	msg2, err := server.WriteMessage(nil, serverPayload)
	require.NoError(t, err)
	assert.Len(t, msg2, x25519KeySize+encryptedKeySize+len(serverPayload)+aeadTagSize)
	plaintext, err := client.ReadMessage(nil, msg2)
	require.NoError(t, err)
	assert.Equal(t, string(serverPayload), string(plaintext))

	// -> s, se + payload, completing both sides.
	msg3, err := client.WriteMessage(nil, clientPayload)
	require.Equal(t, nyquist.ErrDone, err)
	assert.Len(t, msg3, encryptedKeySize+len(clientPayload)+aeadTagSize)
	plaintext, err = server.ReadMessage(nil, msg3)
	require.Equal(t, nyquist.ErrDone, err)
	assert.Equal(t, string(clientPayload), string(plaintext))

	return client, server, clientStatic, serverStatic
}

func TestNoiseParams1(t *testing.T) {
	client, server, clientStatic, serverStatic := runXXHandshake(t, []byte("login payload"), []byte("certificate chain"))

	cs := client.GetStatus()
	ss := server.GetStatus()
	require.Equal(t, nyquist.ErrDone, cs.Err)
	require.Equal(t, nyquist.ErrDone, ss.Err)
	require.Len(t, cs.CipherStates, 2)
	require.Len(t, ss.CipherStates, 2)

	// XX authenticates both statics via DH; each side must have learned
	// the other's public key and derived the same transcript hash.
	require.NotNil(t, cs.DH)
	require.NotNil(t, ss.DH)
	assert.Equal(t, serverStatic.Public().Bytes(), cs.DH.RemoteStatic.Bytes())
	assert.Equal(t, clientStatic.Public().Bytes(), ss.DH.RemoteStatic.Bytes())
	assert.Equal(t, cs.HandshakeHash, ss.HandshakeHash)
}

func TestNoiseParams2(t *testing.T) {
	client, server, _, _ := runXXHandshake(t, nil, nil)

	// Initiator sends on cs1, receives on cs2; the responder mirrors
	// that. NoiseSocket assumes exactly this pairing.
	clientTx, clientRx := client.GetStatus().CipherStates[0], client.GetStatus().CipherStates[1]
	serverRx, serverTx := server.GetStatus().CipherStates[0], server.GetStatus().CipherStates[1]

	for _, msg := range []string{"hello", "hello again", "third frame"} {
		ct, err := clientTx.EncryptWithAd(nil, nil, []byte(msg))
		require.NoError(t, err)
		pt, err := serverRx.DecryptWithAd(nil, nil, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte(msg), pt)
	}
	for _, msg := range []string{"bye", "bye again"} {
		ct, err := serverTx.EncryptWithAd(nil, nil, []byte(msg))
		require.NoError(t, err)
		pt, err := clientRx.DecryptWithAd(nil, nil, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte(msg), pt)
	}

	// A flipped bit must not open.
	ct, err := clientTx.EncryptWithAd(nil, nil, []byte("tamper me"))
	require.NoError(t, err)
	ct[0] ^= 0xFF
	_, err = serverRx.DecryptWithAd(nil, nil, ct)
	assert.Error(t, err)
}
