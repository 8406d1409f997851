// creds.go - device credentials.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package store holds the persistent identity of a device: its credential
// blob and the namespaced key-value store consumed by the Signal and app
// state layers.
package store

import (
	"encoding/base64"
	"fmt"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/katzenpost/nyquist/dh"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/waproto"
)

// KeyBundleType is the single-byte key type prefix on serialized public
// keys in bundles.
const KeyBundleType = 0x05

// maxRegistrationID bounds the 14-bit registration id space.
const maxRegistrationID = 16380

// KeyPair is a serialized asymmetric keypair. For X25519 keys Private is
// the 32-byte scalar; for Ed25519 it is the expanded private key.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// SignedPreKey is a prekey signed by the device identity key.
type SignedPreKey struct {
	KeyID     uint32
	KeyPair   KeyPair
	Signature []byte
}

// Creds is the durable identity of this device. It is persisted as one
// blob; every mutation is followed by a creds update event so the owner
// can re-save it.
type Creds struct {
	NoiseKey          KeyPair
	SignedIdentityKey KeyPair
	SignedPreKey      SignedPreKey
	RegistrationID    uint32
	AdvSecretKey      []byte

	Me       *types.JID
	PushName string
	Platform string
	Account  *waproto.SignedDeviceIdentity

	MyAppStateKeyID []byte

	// UnarchiveChats mirrors the account-wide archive setting synced
	// from the primary.
	UnarchiveChats bool

	NextPreKeyID             uint32
	FirstUnuploadedPreKeyID  uint32
	AccountSyncCounter       uint32
	LastAccountSyncTimestamp int64
}

// NewCreds generates a fresh unpaired identity.
func NewCreds() (*Creds, error) {
	noise, err := newX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("store: noise key: %w", err)
	}
	identPriv, identPub, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("store: identity key: %w", err)
	}
	identity := KeyPair{Public: identPub.Bytes(), Private: identPriv.Bytes()}

	prekey, err := newX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("store: signed prekey: %w", err)
	}
	spk := SignedPreKey{
		KeyID:     1,
		KeyPair:   prekey,
		Signature: identPriv.SignMessage(PrefixedKey(prekey.Public)),
	}

	advSecret := make([]byte, 32)
	if _, err = rand.Reader.Read(advSecret); err != nil {
		return nil, fmt.Errorf("store: adv secret: %w", err)
	}

	return &Creds{
		NoiseKey:          noise,
		SignedIdentityKey: identity,
		SignedPreKey:      spk,
		RegistrationID:    uint32(rand.NewMath().Intn(maxRegistrationID)) + 1,
		AdvSecretKey:      advSecret,

		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

func newX25519KeyPair() (KeyPair, error) {
	kp, err := dh.X25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := kp.MarshalBinary()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: kp.Public().Bytes(), Private: priv}, nil
}

// NewX25519KeyPair generates a fresh prekey-style keypair.
func NewX25519KeyPair() (KeyPair, error) {
	return newX25519KeyPair()
}

// PrefixedKey prepends the key bundle type byte to a raw public key.
func PrefixedKey(pub []byte) []byte {
	out := make([]byte, 0, len(pub)+1)
	out = append(out, KeyBundleType)
	return append(out, pub...)
}

// NoiseKeypair rebuilds the Noise static keypair for the handshake.
func (c *Creds) NoiseKeypair() (dh.Keypair, error) {
	kp, err := dh.X25519.ParsePrivateKey(c.NoiseKey.Private)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt noise key: %w", err)
	}
	return kp, nil
}

// IdentityPrivate rebuilds the signing half of the identity key.
func (c *Creds) IdentityPrivate() (*ed25519.PrivateKey, error) {
	priv := ed25519.NewEmptyPrivateKey()
	if err := priv.FromBytes(c.SignedIdentityKey.Private); err != nil {
		return nil, fmt.Errorf("store: corrupt identity key: %w", err)
	}
	return priv, nil
}

// AdvSecretB64 renders the account secret the way it appears in QR
// payloads.
func (c *Creds) AdvSecretB64() string {
	return base64.StdEncoding.EncodeToString(c.AdvSecretKey)
}

// Registered reports whether this device has completed pairing.
func (c *Creds) Registered() bool {
	return c.Me != nil
}

// CheckPreKeyInvariant validates the prekey counter relationship.
func (c *Creds) CheckPreKeyInvariant() error {
	if c.FirstUnuploadedPreKeyID > c.NextPreKeyID {
		return fmt.Errorf("store: prekey counters inverted: first unuploaded %d > next %d",
			c.FirstUnuploadedPreKeyID, c.NextPreKeyID)
	}
	return nil
}
