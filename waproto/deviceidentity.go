// deviceidentity.go - signed device identity (ADV) codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"fmt"
)

// SignedDeviceIdentityHMAC is the outer pairing container: the serialized
// identity plus an HMAC keyed by the adv secret.
type SignedDeviceIdentityHMAC struct {
	Details []byte
	HMAC    []byte
}

// SignedDeviceIdentity binds the device to the primary's account key. The
// client fills in DeviceSignature during pairing and echoes the result
// back without the account signature key.
type SignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

// DeviceIdentity is the inner identity record.
type DeviceIdentity struct {
	RawID     uint32
	Timestamp uint64
	KeyIndex  uint32
}

func ParseSignedDeviceIdentityHMAC(data []byte) (*SignedDeviceIdentityHMAC, error) {
	out := &SignedDeviceIdentityHMAC{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.Details = f.bytes
		case 2:
			out.HMAC = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: signed identity hmac: %w", err)
	}
	if out.Details == nil || out.HMAC == nil {
		return nil, fmt.Errorf("waproto: signed identity hmac missing details or hmac")
	}
	return out, nil
}

func ParseSignedDeviceIdentity(data []byte) (*SignedDeviceIdentity, error) {
	out := &SignedDeviceIdentity{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.Details = f.bytes
		case 2:
			out.AccountSignatureKey = f.bytes
		case 3:
			out.AccountSignature = f.bytes
		case 4:
			out.DeviceSignature = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: signed identity: %w", err)
	}
	if out.Details == nil || out.AccountSignature == nil {
		return nil, fmt.Errorf("waproto: signed identity missing details or account signature")
	}
	return out, nil
}

func (s *SignedDeviceIdentity) Marshal() []byte {
	var w fieldWriter
	w.bytes(1, s.Details)
	w.bytes(2, s.AccountSignatureKey)
	w.bytes(3, s.AccountSignature)
	w.bytes(4, s.DeviceSignature)
	return w.buf
}

// MarshalWithoutKey serializes the identity with the account signature key
// omitted, the form echoed back to the server in the pair-device-sign
// reply.
func (s *SignedDeviceIdentity) MarshalWithoutKey() []byte {
	var w fieldWriter
	w.bytes(1, s.Details)
	w.bytes(3, s.AccountSignature)
	w.bytes(4, s.DeviceSignature)
	return w.buf
}

func ParseDeviceIdentity(data []byte) (*DeviceIdentity, error) {
	out := &DeviceIdentity{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.RawID = uint32(f.varint)
		case 2:
			out.Timestamp = f.varint
		case 3:
			out.KeyIndex = uint32(f.varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: device identity: %w", err)
	}
	return out, nil
}

func (d *DeviceIdentity) Marshal() []byte {
	var w fieldWriter
	w.uvarint(1, uint64(d.RawID))
	w.uvarint(2, d.Timestamp)
	w.uvarint(3, uint64(d.KeyIndex))
	return w.buf
}
