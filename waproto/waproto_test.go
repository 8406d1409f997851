// waproto_test.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestHandshakeRoundTrip(t *testing.T) {
	orig := &HandshakeMessage{
		ServerHello: &ServerHello{
			Ephemeral: []byte{1, 2, 3},
			Static:    []byte{4, 5, 6, 7},
			Payload:   []byte{8},
		},
	}
	parsed, err := ParseHandshakeMessage(orig.Marshal())
	require.NoError(t, err)
	require.NotNil(t, parsed.ServerHello)
	assert.Nil(t, parsed.ClientHello)
	assert.Nil(t, parsed.ClientFinish)
	assert.Equal(t, orig.ServerHello.Ephemeral, parsed.ServerHello.Ephemeral)
	assert.Equal(t, orig.ServerHello.Static, parsed.ServerHello.Static)
	assert.Equal(t, orig.ServerHello.Payload, parsed.ServerHello.Payload)
}

func TestHandshakeFieldNumbers(t *testing.T) {
	m := &HandshakeMessage{ClientHello: &ClientHello{Ephemeral: []byte{9}}}
	data := m.Marshal()
	num, typ, n := protowire.ConsumeTag(data)
	require.Greater(t, n, 0)
	assert.Equal(t, protowire.Number(2), num)
	assert.Equal(t, protowire.BytesType, typ)

	m = &HandshakeMessage{ClientFinish: &ClientFinish{Static: []byte{9}, Payload: []byte{10}}}
	data = m.Marshal()
	num, _, n = protowire.ConsumeTag(data)
	require.Greater(t, n, 0)
	assert.Equal(t, protowire.Number(4), num)
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	_, err := ParseHandshakeMessage([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}

func collectFields(t *testing.T, data []byte) map[protowire.Number]field {
	t.Helper()
	fields := make(map[protowire.Number]field)
	require.NoError(t, eachField(data, func(f field) error {
		fields[f.num] = f
		return nil
	}))
	return fields
}

func TestLoginPayloadFields(t *testing.T) {
	p := &ClientPayload{
		Username:      15551234567,
		Device:        0,
		Passive:       true,
		UserAgent:     &UserAgent{Platform: PlatformWeb, Version: AppVersion{2, 3000, 1}},
		WebInfo:       &WebInfo{SubPlatform: WebSubPlatformBrowser},
		ConnectType:   ConnectTypeWifiUnknown,
		ConnectReason: ConnectReasonUserActivated,
	}
	fields := collectFields(t, p.Marshal())

	require.Contains(t, fields, protowire.Number(1))
	assert.Equal(t, uint64(15551234567), fields[1].varint)
	require.Contains(t, fields, protowire.Number(3))
	assert.Equal(t, uint64(1), fields[3].varint)
	// Device 0 must still be serialized for logins.
	require.Contains(t, fields, protowire.Number(18))
	assert.Equal(t, uint64(0), fields[18].varint)
	assert.Contains(t, fields, protowire.Number(5))
	assert.Contains(t, fields, protowire.Number(6))
	assert.NotContains(t, fields, protowire.Number(19))
}

func TestRegisterPayloadFields(t *testing.T) {
	p := &ClientPayload{
		Passive:   true,
		Pull:      true,
		UserAgent: &UserAgent{Platform: PlatformWeb},
		Registration: &PairingRegistrationData{
			ERegID:   []byte{0, 0, 1, 2},
			EKeyType: []byte{5},
			EIdent:   make([]byte, 32),
			ESkeyID:  []byte{0, 0, 1},
			ESkeyVal: make([]byte, 32),
			ESkeySig: make([]byte, 64),
		},
	}
	fields := collectFields(t, p.Marshal())
	assert.NotContains(t, fields, protowire.Number(1))
	assert.NotContains(t, fields, protowire.Number(18))
	require.Contains(t, fields, protowire.Number(19))

	reg := collectFields(t, fields[19].bytes)
	assert.Equal(t, []byte{0, 0, 1, 2}, reg[1].bytes)
	assert.Equal(t, []byte{5}, reg[2].bytes)
	assert.Len(t, reg[6].bytes, 64)
}

func TestSignedDeviceIdentityRoundTrip(t *testing.T) {
	inner := &DeviceIdentity{RawID: 42, Timestamp: 1700000000, KeyIndex: 1}
	identity := &SignedDeviceIdentity{
		Details:             inner.Marshal(),
		AccountSignatureKey: make([]byte, 32),
		AccountSignature:    make([]byte, 64),
		DeviceSignature:     make([]byte, 64),
	}
	parsed, err := ParseSignedDeviceIdentity(identity.Marshal())
	require.NoError(t, err)
	assert.Equal(t, identity.Details, parsed.Details)
	assert.Equal(t, identity.AccountSignatureKey, parsed.AccountSignatureKey)

	innerParsed, err := ParseDeviceIdentity(parsed.Details)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), innerParsed.RawID)
	assert.Equal(t, uint32(1), innerParsed.KeyIndex)

	stripped := collectFields(t, identity.MarshalWithoutKey())
	assert.NotContains(t, stripped, protowire.Number(2))
	assert.Contains(t, stripped, protowire.Number(4))
}

func TestSignedIdentityHMACValidation(t *testing.T) {
	_, err := ParseSignedDeviceIdentityHMAC(nil)
	require.Error(t, err)

	good := &SignedDeviceIdentity{Details: []byte{1}, AccountSignature: []byte{2}}
	var w fieldWriter
	w.bytes(1, good.Marshal())
	w.bytes(2, make([]byte, 32))
	parsed, err := ParseSignedDeviceIdentityHMAC(w.buf)
	require.NoError(t, err)
	assert.Len(t, parsed.HMAC, 32)
}
