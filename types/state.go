// state.go - connection lifecycle states.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package types

// ConnectionState is one position in the connection lifecycle.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "connecting"
	StateHandshaking   ConnectionState = "handshaking"
	StatePairing       ConnectionState = "pairing"
	StateLoggingIn     ConnectionState = "logging_in"
	StateAuthenticated ConnectionState = "authenticated"
	StateOpen          ConnectionState = "open"
	StateClosing       ConnectionState = "closing"
	StateClosed        ConnectionState = "closed"
)
