// signal.go - double-ratchet collaborator interface.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package signal defines the boundary to the Signal protocol layer: the
// ciphertext kinds the relay understands, the pre-key bundle exchanged
// during session setup, and the Repository interface the ratchet
// implementation plugs in behind. The ratchet itself lives outside this
// module; everything here is the key material and plumbing around it.
package signal

import (
	"context"
	"fmt"

	"github.com/haven-im/wamd/types"
)

// CiphertextType tags an enc node payload.
type CiphertextType string

const (
	// CiphertextPreKey is a PreKeySignalMessage: a session-establishing
	// message that obliges the sender to attach its device identity.
	CiphertextPreKey CiphertextType = "pkmsg"
	// CiphertextMessage is a regular SignalMessage on an established
	// session.
	CiphertextMessage CiphertextType = "msg"
	// CiphertextSenderKey is a group SenderKeyMessage.
	CiphertextSenderKey CiphertextType = "skmsg"
)

// Ciphertext is one encrypted payload with its wire tag.
type Ciphertext struct {
	Type CiphertextType
	Data []byte
}

func (c *Ciphertext) String() string {
	return fmt.Sprintf("%s(%d bytes)", c.Type, len(c.Data))
}

// PreKeyBundle is the public key material the server hands out for one
// device. PreKeyID of zero means the server had no one-time pre-key
// left; the session is then built from the signed pre-key alone.
type PreKeyBundle struct {
	RegistrationID        uint32
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeyID              uint32
	PreKey                []byte
}

// Repository is the double-ratchet engine behind the session boundary.
// Implementations own the pre-key, session and sender-key namespaces of
// the key store; callers never touch ratchet state directly. All calls
// may block on storage.
type Repository interface {
	// ContainsSession reports whether a ratchet session exists for the
	// device.
	ContainsSession(ctx context.Context, jid types.JID) (bool, error)
	// InjectE2ESession builds a fresh outbound session from a fetched
	// pre-key bundle, replacing any existing one.
	InjectE2ESession(ctx context.Context, jid types.JID, bundle *PreKeyBundle) error
	// EncryptMessage encrypts for one device, yielding pkmsg while the
	// session is still establishing and msg afterwards.
	EncryptMessage(ctx context.Context, jid types.JID, plaintext []byte) (*Ciphertext, error)
	// DecryptMessage opens a pkmsg or msg from the given device.
	DecryptMessage(ctx context.Context, jid types.JID, ct *Ciphertext) ([]byte, error)
	// EncryptGroupMessage encrypts under the group's sender key,
	// returning the skmsg payload and the sender key distribution
	// message for devices that lack the key.
	EncryptGroupMessage(ctx context.Context, group, sender types.JID, plaintext []byte) (skmsg, distribution []byte, err error)
	// ProcessSenderKeyDistribution installs a sender key advertised by
	// another participant.
	ProcessSenderKeyDistribution(ctx context.Context, group, sender types.JID, distribution []byte) error
	// DecryptGroupMessage opens an skmsg from the given participant.
	DecryptGroupMessage(ctx context.Context, group, sender types.JID, skmsg []byte) ([]byte, error)
}
