// framesocket.go - WebSocket frame carrier.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire provides the framed WebSocket carrier and the Noise
// protected session that runs over it. A FrameSocket moves length-prefixed
// byte frames; a NoiseSocket adds the post-handshake AEAD layer.
package wire

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/internal/worker"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/wabinary"
)

const (
	// DefaultURL is the production chat endpoint.
	DefaultURL = "wss://web.whatsapp.com/ws/chat"

	origin = "https://web.whatsapp.com"

	frameLengthSize = 3

	// MaxFramePayload is the largest payload expressible in the 3-byte
	// length prefix.
	MaxFramePayload = 1<<24 - 1

	noiseProtocolVersion = 6

	closeDeadline = 5 * time.Second
)

// ConnHeader returns the 4-byte magic prepended to the first frame of a
// connection. It doubles as the Noise prologue.
func ConnHeader() []byte {
	return []byte{'W', 'A', noiseProtocolVersion, wabinary.DictVersion}
}

var errFrameTooLarge = fmt.Errorf("wire: frame payload exceeds %d bytes", MaxFramePayload)

// FrameSocket is a WebSocket carrying length-prefixed frames. Inbound
// frames are delivered on Frames until the socket closes, after which the
// channel is closed.
type FrameSocket struct {
	worker.Worker

	log  *logging.Logger
	conn *websocket.Conn

	frames chan []byte

	writeMutex sync.Mutex
	header     []byte

	closeOnce sync.Once
}

// Dial connects to wsURL and starts the frame reader. The context bounds
// only the WebSocket dial; the returned socket lives until Close.
func Dial(ctx context.Context, wsURL string, logBackend *log.Backend) (*FrameSocket, error) {
	dialer := websocket.Dialer{}
	headers := http.Header{"Origin": []string{origin}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wire: dial %s: status %d: %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wire: dial %s: %w", wsURL, err)
	}

	fs := &FrameSocket{
		log:    logBackend.GetLogger("wire/framesocket"),
		conn:   conn,
		frames: make(chan []byte, 8),
		header: ConnHeader(),
	}
	fs.Go(fs.readWorker)
	return fs, nil
}

// Frames returns the inbound frame channel.
func (fs *FrameSocket) Frames() <-chan []byte {
	return fs.frames
}

// WriteFrame sends one length-prefixed frame. The first frame of the
// connection is preceded by the connection header.
func (fs *FrameSocket) WriteFrame(payload []byte) error {
	if len(payload) > MaxFramePayload {
		return errFrameTooLarge
	}

	fs.writeMutex.Lock()
	defer fs.writeMutex.Unlock()

	data := make([]byte, 0, len(fs.header)+frameLengthSize+len(payload))
	data = append(data, fs.header...)
	fs.header = nil
	data = append(data, byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	data = append(data, payload...)

	err := fs.conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Close tears down the WebSocket and stops the reader. Safe to call more
// than once and from any goroutine.
func (fs *FrameSocket) Close() {
	fs.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := fs.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline)); err != nil {
			fs.log.Debugf("close message write failed: %v", err)
		}
		fs.conn.Close()
		fs.Halt()
	})
}

func (fs *FrameSocket) readWorker() {
	defer close(fs.frames)

	var pending []byte
	for {
		_, data, err := fs.conn.ReadMessage()
		if err != nil {
			fs.log.Debugf("read worker exiting: %v", err)
			return
		}
		pending = append(pending, data...)
		for {
			frame, rest, ok := splitFrame(pending)
			if !ok {
				break
			}
			pending = rest
			select {
			case fs.frames <- frame:
			case <-fs.HaltCh():
				return
			}
		}
	}
}

// splitFrame slices one complete frame off buf, returning the payload copy
// and the remainder.
func splitFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < frameLengthSize {
		return nil, buf, false
	}
	length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
	if len(buf) < frameLengthSize+length {
		return nil, buf, false
	}
	frame = make([]byte, length)
	copy(frame, buf[frameLengthSize:frameLengthSize+length])
	return frame, buf[frameLengthSize+length:], true
}
