// handshake.go - Noise handshake envelope codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"fmt"
)

// HandshakeMessage is the outer envelope of every handshake frame. Exactly
// one of the three components is set per frame.
type HandshakeMessage struct {
	ClientHello  *ClientHello
	ServerHello  *ServerHello
	ClientFinish *ClientFinish
}

// ClientHello carries the client's plaintext ephemeral key.
type ClientHello struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// ServerHello carries the server's ephemeral plus its encrypted static key
// and encrypted certificate payload.
type ServerHello struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// ClientFinish carries the client's encrypted static key and encrypted
// ClientPayload.
type ClientFinish struct {
	Static  []byte
	Payload []byte
}

func (m *HandshakeMessage) Marshal() []byte {
	var w fieldWriter
	if m.ClientHello != nil {
		w.message(2, m.ClientHello)
	}
	if m.ServerHello != nil {
		w.message(3, m.ServerHello)
	}
	if m.ClientFinish != nil {
		w.message(4, m.ClientFinish)
	}
	return w.buf
}

func (h *ClientHello) appendTo(w *fieldWriter) {
	w.bytes(1, h.Ephemeral)
	w.bytes(2, h.Static)
	w.bytes(3, h.Payload)
}

func (h *ServerHello) appendTo(w *fieldWriter) {
	w.bytes(1, h.Ephemeral)
	w.bytes(2, h.Static)
	w.bytes(3, h.Payload)
}

func (f *ClientFinish) appendTo(w *fieldWriter) {
	w.bytes(1, f.Static)
	w.bytes(2, f.Payload)
}

func ParseHandshakeMessage(data []byte) (*HandshakeMessage, error) {
	m := &HandshakeMessage{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 2:
			hello, err := parseHello(f.bytes)
			if err != nil {
				return err
			}
			m.ClientHello = (*ClientHello)(hello)
		case 3:
			hello, err := parseHello(f.bytes)
			if err != nil {
				return err
			}
			m.ServerHello = (*ServerHello)(hello)
		case 4:
			finish := &ClientFinish{}
			err := eachField(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					finish.Static = f.bytes
				case 2:
					finish.Payload = f.bytes
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.ClientFinish = finish
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: handshake message: %w", err)
	}
	return m, nil
}

func parseHello(data []byte) (*ServerHello, error) {
	hello := &ServerHello{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			hello.Ephemeral = f.bytes
		case 2:
			hello.Static = f.bytes
		case 3:
			hello.Payload = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hello, nil
}
