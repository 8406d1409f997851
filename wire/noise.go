// noise.go - Noise XX handshake and AEAD session.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/internal/worker"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/waproto"
)

const (
	x25519KeySize = 32
	aeadTagSize   = 16

	// encryptedKeySize is an X25519 public key sealed by the handshake
	// cipher state.
	encryptedKeySize = x25519KeySize + aeadTagSize

	// DefaultHandshakeTimeout bounds the wait for the server hello.
	DefaultHandshakeTimeout = 20 * time.Second
)

var (
	errHandshakeTimeout = errors.New("wire: handshake timed out")
	errSocketClosed     = errors.New("wire: socket closed")
)

// noiseProtocol is the handshake suite spoken by the server.
func noiseProtocol() *nyquist.Protocol {
	return &nyquist.Protocol{
		Pattern: pattern.XX,
		DH:      dh.X25519,
		Cipher:  cipher.AESGCM,
		Hash:    hash.SHA256,
	}
}

// HandshakeConfig parameterizes one handshake attempt.
type HandshakeConfig struct {
	// StaticKey is the device's long-lived Noise keypair.
	StaticKey dh.Keypair

	// Payload is the serialized ClientPayload sent in the final frame.
	Payload []byte

	// Timeout bounds the wait for the server hello. Zero means
	// DefaultHandshakeTimeout.
	Timeout time.Duration

	LogBackend *log.Backend
}

// Handshake drives the three-frame exchange over fs and returns the
// protected session. On error the FrameSocket is left open; the caller
// owns its teardown.
func Handshake(ctx context.Context, fs *FrameSocket, cfg *HandshakeConfig) (*NoiseSocket, error) {
	if cfg.StaticKey == nil {
		return nil, errors.New("wire: handshake requires a static key")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol: noiseProtocol(),
		Prologue: ConnHeader(),
		DH: &nyquist.DHConfig{
			LocalStatic: cfg.StaticKey,
		},
		Rng:         rand.Reader,
		IsInitiator: true,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: handshake init: %w", err)
	}
	defer hs.Reset()

	// -> e
	ephemeral, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: client hello: %w", err)
	}
	hello := &waproto.HandshakeMessage{ClientHello: &waproto.ClientHello{Ephemeral: ephemeral}}
	if err = fs.WriteFrame(hello.Marshal()); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	var frame []byte
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame = <-fs.Frames():
		if frame == nil {
			return nil, errSocketClosed
		}
	case <-timer.C:
		return nil, errHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fs.HaltCh():
		return nil, errSocketClosed
	}

	resp, err := waproto.ParseHandshakeMessage(frame)
	if err != nil {
		return nil, err
	}
	if resp.ServerHello == nil {
		return nil, errors.New("wire: server reply missing server hello")
	}
	sh := resp.ServerHello
	if len(sh.Ephemeral) != x25519KeySize || len(sh.Static) != encryptedKeySize {
		return nil, fmt.Errorf("wire: malformed server hello: ephemeral %d static %d", len(sh.Ephemeral), len(sh.Static))
	}
	msg2 := make([]byte, 0, len(sh.Ephemeral)+len(sh.Static)+len(sh.Payload))
	msg2 = append(msg2, sh.Ephemeral...)
	msg2 = append(msg2, sh.Static...)
	msg2 = append(msg2, sh.Payload...)
	// The decrypted payload carries the server certificate chain; the XX
	// pattern already authenticates the static key via DH.
	if _, err = hs.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("wire: server hello: %w", err)
	}

	// -> s, se + payload
	msg3, err := hs.WriteMessage(nil, cfg.Payload)
	if err != nyquist.ErrDone {
		if err == nil {
			err = errors.New("handshake not complete after final message")
		}
		return nil, fmt.Errorf("wire: client finish: %w", err)
	}
	if len(msg3) < encryptedKeySize {
		return nil, fmt.Errorf("wire: client finish too short: %d", len(msg3))
	}
	finish := &waproto.HandshakeMessage{ClientFinish: &waproto.ClientFinish{
		Static:  msg3[:encryptedKeySize],
		Payload: msg3[encryptedKeySize:],
	}}
	if err = fs.WriteFrame(finish.Marshal()); err != nil {
		return nil, err
	}

	status := hs.GetStatus()
	if status.Err != nyquist.ErrDone || len(status.CipherStates) != 2 {
		return nil, fmt.Errorf("wire: handshake did not split: %v", status.Err)
	}

	ns := &NoiseSocket{
		log: cfg.LogBackend.GetLogger("wire/noisesocket"),
		fs:  fs,
		tx:  status.CipherStates[0],
		rx:  status.CipherStates[1],

		frames: make(chan []byte, 8),
	}
	ns.Go(ns.decryptWorker)
	return ns, nil
}

// NoiseSocket is the post-handshake session. Outbound frames are sealed
// with the tx cipher state, inbound frames are opened with rx; each
// direction keeps its own strictly increasing counter.
type NoiseSocket struct {
	worker.Worker

	log *logging.Logger
	fs  *FrameSocket

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	txMutex sync.Mutex

	frames chan []byte

	closeOnce sync.Once
}

// Frames returns the channel of decrypted inbound frames. It is closed
// when the connection dies.
func (ns *NoiseSocket) Frames() <-chan []byte {
	return ns.frames
}

// SendFrame seals and writes one frame.
func (ns *NoiseSocket) SendFrame(plaintext []byte) error {
	ns.txMutex.Lock()
	ciphertext, err := ns.tx.EncryptWithAd(nil, nil, plaintext)
	ns.txMutex.Unlock()
	if err != nil {
		return fmt.Errorf("wire: seal frame: %w", err)
	}
	return ns.fs.WriteFrame(ciphertext)
}

// Close tears down the session and underlying socket.
func (ns *NoiseSocket) Close() {
	ns.closeOnce.Do(func() {
		ns.fs.Close()
		ns.Halt()
	})
}

func (ns *NoiseSocket) decryptWorker() {
	defer close(ns.frames)
	for {
		var frame []byte
		select {
		case frame = <-ns.fs.Frames():
			if frame == nil {
				return
			}
		case <-ns.HaltCh():
			return
		}
		plaintext, err := ns.rx.DecryptWithAd(nil, nil, frame)
		if err != nil {
			// A single AEAD failure desynchronizes the rx counter, so
			// the connection cannot continue.
			ns.log.Warningf("inbound frame failed to decrypt: %v", err)
			ns.fs.Close()
			return
		}
		select {
		case ns.frames <- plaintext:
		case <-ns.HaltCh():
			return
		}
	}
}
