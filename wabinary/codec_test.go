// codec_test.go - encoder/decoder tests.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTripNodes() []Node {
	return []Node{
		{Tag: "ping"},
		{
			Tag: "iq",
			Attrs: map[string]string{
				"id":    "1234.5678-9",
				"type":  "get",
				"to":    "s.whatsapp.net",
				"xmlns": "w:p",
			},
		},
		{
			Tag: "message",
			Attrs: map[string]string{
				"id":   "3EB0A9D1F2C4B5E6",
				"to":   "15551234567@s.whatsapp.net",
				"type": "text",
			},
			Content: []Node{
				{Tag: "enc", Attrs: map[string]string{"v": "2", "type": "pkmsg"}, Content: []byte{0x33, 0x08, 0x01, 0xFF, 0x00}},
			},
		},
		{
			Tag:   "receipt",
			Attrs: map[string]string{"from": "15559876543.2:11@s.whatsapp.net", "type": "read"},
		},
		{
			Tag:   "presence",
			Attrs: map[string]string{"from": "status@broadcast", "last": ""},
		},
		{
			Tag:   "collection",
			Attrs: map[string]string{"name": "critical_unblock_low", "version": "17"},
		},
		{
			Tag:     "raw",
			Attrs:   map[string]string{"note": "héllo wörld", "hex": "A1B2C3", "odd": "123"},
			Content: []byte("not a token at all, just text"),
		},
		{
			Tag:     "empty-kids",
			Content: []Node{},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, n := range roundTripNodes() {
		n := n
		t.Run(n.Tag, func(t *testing.T) {
			encoded, err := Marshal(n)
			require.NoError(t, err)
			decoded, err := Unmarshal(encoded)
			require.NoError(t, err)
			require.True(t, n.Equal(decoded), "mismatch:\nwant %s\ngot  %s", n.XMLString(), decoded.XMLString())
		})
	}
}

func TestRoundTripWideList(t *testing.T) {
	children := make([]Node, 300)
	for i := range children {
		children[i] = Node{Tag: "item", Attrs: map[string]string{"seq": "0"}}
	}
	n := Node{Tag: "list", Content: children}
	encoded, err := Marshal(n)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.True(t, n.Equal(decoded))
}

func TestRoundTripLongBinary(t *testing.T) {
	content := make([]byte, 1<<8+5)
	for i := range content {
		content[i] = byte(i)
	}
	n := Node{Tag: "blob", Content: content}
	encoded, err := Marshal(n)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.True(t, n.Equal(decoded))
}

func TestJIDValues(t *testing.T) {
	cases := map[string]string{
		"plain":        "15551234567@s.whatsapp.net",
		"group":        "120363040512345678@g.us",
		"ad":           "15551234567.1:3@s.whatsapp.net",
		"device only":  "15551234567:9@s.whatsapp.net",
		"hidden":       "98765432109876@lid",
		"not a server": "user@example.com",
	}
	for name, value := range cases {
		value := value
		t.Run(name, func(t *testing.T) {
			n := Node{Tag: "probe", Attrs: map[string]string{"jid": value}}
			encoded, err := Marshal(n)
			require.NoError(t, err)
			decoded, err := Unmarshal(encoded)
			require.NoError(t, err)
			assert.Equal(t, value, decoded.Attrs["jid"])
		})
	}
}

func TestLegacyServerNormalized(t *testing.T) {
	n := Node{Tag: "probe", Attrs: map[string]string{"jid": "15551234567@c.us"}}
	encoded, err := Marshal(n)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	assert.Equal(t, "15551234567@s.whatsapp.net", decoded.Attrs["jid"])
}

func TestDecodeTruncated(t *testing.T) {
	encoded, err := Marshal(roundTripNodes()[2])
	require.NoError(t, err)
	for i := 0; i < len(encoded); i++ {
		_, err := Unmarshal(encoded[:i])
		require.Error(t, err, "prefix of length %d must not decode", i)
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		{},
		{0x00},
		{0x00, 0xF6},
		{0x00, list8, 0x05, 0x01},
		{0x02, 0xDE, 0xAD, 0xBE, 0xEF},
	} {
		_, err := Unmarshal(frame)
		require.Error(t, err)
	}
}

func TestZlibFlag(t *testing.T) {
	n := Node{Tag: "success", Attrs: map[string]string{"location": "fra", "props": "27"}}
	plain, err := Marshal(n)
	require.NoError(t, err)

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err = w.Write(plain[1:])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	frame := append([]byte{0x02}, compressed.Bytes()...)
	decoded, err := Unmarshal(frame)
	require.NoError(t, err)
	require.True(t, n.Equal(decoded))
}

func TestEncodeRejectsBadNodes(t *testing.T) {
	_, err := Marshal(Node{})
	require.Error(t, err)

	_, err = Marshal(Node{Tag: "x", Content: 42})
	require.Error(t, err)

	_, err = Marshal(Node{Tag: "x", Attrs: map[string]string{"": "v"}})
	require.Error(t, err)
}

func TestAttrParser(t *testing.T) {
	n := Node{
		Tag: "receipt",
		Attrs: map[string]string{
			"id":   "ABCD",
			"from": "15551234567@s.whatsapp.net",
			"t":    "1700000000",
			"seq":  "42",
		},
	}
	p := n.AttrParser()
	assert.Equal(t, "ABCD", p.String("id"))
	assert.Equal(t, "15551234567", p.JID("from").User)
	assert.Equal(t, int64(1700000000), p.UnixTime("t").Unix())
	assert.Equal(t, 42, p.Int("seq"))
	assert.Equal(t, "", p.OptionalString("participant"))
	assert.Nil(t, p.OptionalJID("participant"))
	assert.False(t, p.OptionalBool("offline"))
	require.True(t, p.OK())
	require.NoError(t, p.Error())

	p.String("missing")
	p.Int("id")
	require.False(t, p.OK())
	err := p.Error()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestTokenTables(t *testing.T) {
	// Every indexable token must survive an encode/decode cycle through
	// its table entry.
	for i := tokenFloor; i < len(singleByteTokens); i++ {
		s, err := singleToken(i)
		require.NoError(t, err)
		idx, ok := singleTokenIndex[s]
		require.True(t, ok, "token %q not indexed", s)
		assert.Equal(t, i, idx)
	}
	_, err := singleToken(0)
	require.Error(t, err)
	_, err = doubleToken(2, 0)
	require.Error(t, err)
	_, err = doubleToken(0, 60000)
	require.Error(t, err)
}
