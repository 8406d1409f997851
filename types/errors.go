// errors.go - error kinds shared across the client.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"errors"
	"fmt"
)

// DisconnectReason names the cause of a connection teardown.  Each reason
// maps to a fixed status code carried in connection.update events.
type DisconnectReason string

// Disconnect reasons, disjoint per the error handling design.
const (
	ReasonConnectionClosed    DisconnectReason = "connectionClosed"
	ReasonConnectionLost      DisconnectReason = "connectionLost"
	ReasonTimedOut            DisconnectReason = "timedOut"
	ReasonLoggedOut           DisconnectReason = "loggedOut"
	ReasonUnpaired            DisconnectReason = "unpaired"
	ReasonMultideviceMismatch DisconnectReason = "multideviceMismatch"
	ReasonForbidden           DisconnectReason = "forbidden"
	ReasonBadSession          DisconnectReason = "badSession"
	ReasonRestartRequired     DisconnectReason = "restartRequired"
	ReasonStreamError         DisconnectReason = "streamError"
)

var reasonCodes = map[DisconnectReason]int{
	ReasonConnectionClosed:    428,
	ReasonConnectionLost:      408,
	ReasonTimedOut:            408,
	ReasonLoggedOut:           401,
	ReasonUnpaired:            401,
	ReasonMultideviceMismatch: 411,
	ReasonForbidden:           403,
	ReasonBadSession:          500,
	ReasonRestartRequired:     515,
	ReasonStreamError:         515,
}

// DisconnectError is the error attached to connection.update close events.
type DisconnectError struct {
	Reason DisconnectReason
	Code   int
	Err    error
}

// NewDisconnectError builds a DisconnectError with the reason's canonical
// status code.
func NewDisconnectError(reason DisconnectReason, err error) *DisconnectError {
	return &DisconnectError{Reason: reason, Code: reasonCodes[reason], Err: err}
}

// Error implements the error interface.
func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.Reason, e.Code)
}

// Unwrap returns the wrapped error, if any.
func (e *DisconnectError) Unwrap() error { return e.Err }

// StatusCode returns the status code associated with the disconnect.
func (e *DisconnectError) StatusCode() int { return e.Code }

var (
	// ErrNotConnected is returned when an operation requires an open
	// connection and there is none.
	ErrNotConnected = errors.New("wamd: not connected")

	// ErrNotLoggedIn is returned for operations that require a paired and
	// authenticated session.
	ErrNotLoggedIn = errors.New("wamd: not logged in")

	// ErrQueryTimedOut is returned when an info query receives no reply
	// within the configured timeout.
	ErrQueryTimedOut = errors.New("wamd: info query timed out")

	// ErrClientClosed is returned to pending queries when the connection
	// is torn down before their reply arrives.
	ErrClientClosed = errors.New("wamd: connection closed while awaiting reply")

	// ErrPreKeyUpload is returned when the server rejects a prekey upload.
	ErrPreKeyUpload = errors.New("wamd: prekey upload rejected")

	// ErrAppStateKeyMissing is returned while decoding app state when the
	// referenced sync key is not in the key store yet.
	ErrAppStateKeyMissing = errors.New("wamd: app state sync key not found")

	// ErrMediaConn is returned when a media connection refresh fails.
	ErrMediaConn = errors.New("wamd: media connection refresh failed")

	// ErrNoPushName is returned when presence is sent before a push name
	// is known; the server silently drops anonymous presence.
	ErrNoPushName = errors.New("wamd: cannot send presence without a push name")
)

// IQError is an error response to an info query.
type IQError struct {
	Code int
	Text string
}

// Error implements the error interface.
func (e *IQError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("iq error %d (%s)", e.Code, e.Text)
	}
	return fmt.Sprintf("iq error %d", e.Code)
}

// StatusCode returns the server's error code.
func (e *IQError) StatusCode() int { return e.Code }

// AppStateError is raised on MAC mismatches and undecodable patches.  The
// resync loop wipes the collection's cached state and retries when it sees
// one of these.
type AppStateError struct {
	Collection string
	Err        error
}

// Error implements the error interface.
func (e *AppStateError) Error() string {
	return fmt.Sprintf("appstate %s: %v", e.Collection, e.Err)
}

// Unwrap returns the wrapped error.
func (e *AppStateError) Unwrap() error { return e.Err }

// StreamError is a server-initiated stream close.
type StreamError struct {
	Code   string
	Reason DisconnectReason
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s", e.Code)
}
