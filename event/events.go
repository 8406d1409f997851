// events.go - typed events delivered through the Bus.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package event defines the typed events a connection produces and the
// buffering Bus that delivers them.
package event

import (
	"fmt"
	"time"

	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
)

// Event is the generic event delivered to subscribers.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// ConnectionUpdate reports a connection lifecycle transition. Partial
// updates leave Connection empty and set only the field that changed:
// QR while pairing, ReceivedPendingNotifications after the offline
// queue drains. LastDisconnect carries the mapped close reason.
type ConnectionUpdate struct {
	Connection types.ConnectionState

	IsNewLogin bool

	// QR is the current pairing code, "ref,noisePub,identityPub,advSecret"
	// base64-joined. Empty outside pairing.
	QR string

	// ReceivedPendingNotifications is set once the server has drained its
	// offline queue after login.
	ReceivedPendingNotifications bool

	LastDisconnect error
}

func (e *ConnectionUpdate) String() string {
	if e.LastDisconnect != nil {
		return fmt.Sprintf("ConnectionUpdate: %s (%v)", e.Connection, e.LastDisconnect)
	}
	return fmt.Sprintf("ConnectionUpdate: %s", e.Connection)
}

// CredsUpdate signals that the credential blob mutated and must be
// re-persisted by the owner.
type CredsUpdate struct {
	Creds *store.Creds
}

func (e *CredsUpdate) String() string {
	return "CredsUpdate"
}

// PairSuccess is emitted when the primary accepts this device.
type PairSuccess struct {
	ID           types.JID
	LID          types.JID
	BusinessName string
	Platform     string
}

func (e *PairSuccess) String() string {
	return fmt.Sprintf("PairSuccess: %s (platform %s)", e.ID, e.Platform)
}

// LoggedOut is emitted when the server removes this device.
type LoggedOut struct {
	Reason types.DisconnectReason
}

func (e *LoggedOut) String() string {
	return fmt.Sprintf("LoggedOut: %s", e.Reason)
}

// UpsertType distinguishes live messages from backfill.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

// UpsertMessage is one decrypted inbound message. Plaintext is the raw
// serialized message protobuf; interpreting it is the consumer's concern.
type UpsertMessage struct {
	Info      types.MessageInfo
	Plaintext []byte
}

// MessagesUpsert delivers a batch of inbound messages. Batches of the
// same Type coalesce while the bus is buffering.
type MessagesUpsert struct {
	Type     UpsertType
	Messages []UpsertMessage
}

func (e *MessagesUpsert) String() string {
	return fmt.Sprintf("MessagesUpsert: %d messages (%s)", len(e.Messages), e.Type)
}

// MessageReceipt reports delivery/read/retry receipts for sent messages.
type MessageReceipt struct {
	types.MessageSource
	IDs       []types.MessageID
	Type      types.ReceiptType
	Timestamp time.Time
}

func (e *MessageReceipt) String() string {
	return fmt.Sprintf("MessageReceipt: %q for %d messages", e.Type, len(e.IDs))
}

// ContactsUpdate carries partial contact mutations; entries for the same
// JID coalesce while buffering.
type ContactsUpdate struct {
	Contacts []types.ContactUpdate
}

func (e *ContactsUpdate) String() string {
	return fmt.Sprintf("ContactsUpdate: %d contacts", len(e.Contacts))
}

// ChatsUpdate carries partial chat mutations from app state sync.
type ChatsUpdate struct {
	Chats []types.ChatUpdate
}

func (e *ChatsUpdate) String() string {
	return fmt.Sprintf("ChatsUpdate: %d chats", len(e.Chats))
}

// ChatsDelete reports chats removed on another device.
type ChatsDelete struct {
	JIDs []types.JID
}

func (e *ChatsDelete) String() string {
	return fmt.Sprintf("ChatsDelete: %d chats", len(e.JIDs))
}

// MessagesDelete reports messages removed for this account.
type MessagesDelete struct {
	Chat  types.JID
	IDs   []types.MessageID
	ForMe bool
}

func (e *MessagesDelete) String() string {
	return fmt.Sprintf("MessagesDelete: %d messages in %s", len(e.IDs), e.Chat)
}

// MessagesStar reports star state changes.
type MessagesStar struct {
	Chat    types.JID
	IDs     []types.MessageID
	Starred bool
}

func (e *MessagesStar) String() string {
	return fmt.Sprintf("MessagesStar: %d messages starred=%v", len(e.IDs), e.Starred)
}

// MessagesReaction reports an emoji reaction added to or removed from a
// message. An empty Text removes the reaction.
type MessagesReaction struct {
	Chat      types.JID
	Sender    types.JID
	TargetID  types.MessageID
	Text      string
	Timestamp time.Time
}

func (e *MessagesReaction) String() string {
	return fmt.Sprintf("MessagesReaction: %q on %s", e.Text, e.TargetID)
}

// PresenceUpdate reports a contact's availability.
type PresenceUpdate struct {
	From        types.JID
	Unavailable bool
	LastSeen    time.Time
}

func (e *PresenceUpdate) String() string {
	return fmt.Sprintf("PresenceUpdate: %s unavailable=%v", e.From, e.Unavailable)
}

// ChatPresenceUpdate reports typing state in a chat.
type ChatPresenceUpdate struct {
	Chat   types.JID
	Sender types.JID
	State  types.ChatPresence
}

func (e *ChatPresenceUpdate) String() string {
	return fmt.Sprintf("ChatPresenceUpdate: %s in %s: %s", e.Sender, e.Chat, e.State)
}

// HistorySync delivers the raw payload of a history sync notification.
type HistorySync struct {
	Data []byte
}

func (e *HistorySync) String() string {
	return fmt.Sprintf("HistorySync: %d bytes", len(e.Data))
}

// GroupsUpdate reports one group change observed through a server
// notification. Action is the change kind (subject, add, remove, leave,
// promote, demote, ...); Participants carries the affected members for
// membership actions and Subject the new name for subject changes.
type GroupsUpdate struct {
	JID          types.JID
	Sender       types.JID
	Action       string
	Subject      string
	Participants []types.JID
	Timestamp    time.Time
}

func (e *GroupsUpdate) String() string {
	return fmt.Sprintf("GroupsUpdate: %s in %s", e.Action, e.JID)
}

// BlocklistUpdate reports blocklist changes.
type BlocklistUpdate struct {
	Action string // "block", "unblock" or "" for a full set
	JIDs   []types.JID
}

func (e *BlocklistUpdate) String() string {
	return fmt.Sprintf("BlocklistUpdate: %s %d jids", e.Action, len(e.JIDs))
}

// AppStateSyncComplete reports one collection reaching the server version.
type AppStateSyncComplete struct {
	Collection string
	Version    uint64
}

func (e *AppStateSyncComplete) String() string {
	return fmt.Sprintf("AppStateSyncComplete: %s at v%d", e.Collection, e.Version)
}
