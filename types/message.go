// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package types

import "time"

// MessageID is the server-visible stanza id of a message.
type MessageID = string

// MessageSource describes where a message came from.
type MessageSource struct {
	// Chat is the conversation the message belongs to.
	Chat JID
	// Sender is the specific device that sent the message.
	Sender JID
	// IsFromMe is true for messages sent by any of the own devices.
	IsFromMe bool
	// IsGroup is true when Chat is a group or broadcast JID.
	IsGroup bool
}

// MessageInfo carries the metadata of an inbound or outbound message.
type MessageInfo struct {
	MessageSource
	ID        MessageID
	Type      string
	PushName  string
	Timestamp time.Time
	Category  string
}

// ReceiptType classifies receipt stanzas.
type ReceiptType string

// Receipt types observed on the wire.  The empty type is a plain delivery
// receipt.
const (
	ReceiptTypeDelivered ReceiptType = ""
	ReceiptTypeRead      ReceiptType = "read"
	ReceiptTypeReadSelf  ReceiptType = "read-self"
	ReceiptTypeRetry     ReceiptType = "retry"
	ReceiptTypePlayed    ReceiptType = "played"
	ReceiptTypeInactive  ReceiptType = "inactive"
)

// Presence is the coarse user availability state.
type Presence string

// Presence values.
const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
)

// ChatPresence is the per-chat typing state.
type ChatPresence string

// Chat presence values.
const (
	ChatPresenceComposing ChatPresence = "composing"
	ChatPresencePaused    ChatPresence = "paused"
)
