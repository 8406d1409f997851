// syncaction.go - decrypted app state mutation payload codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"fmt"
)

// SyncActionData is the plaintext inside a sync record value: the JSON
// index the entry is keyed by, the action, and the action schema version.
type SyncActionData struct {
	Index   []byte
	Value   *SyncActionValue
	Padding []byte
	Version int32
}

// SyncActionValue is a union of the mutation kinds the engine understands.
// Exactly one action field is set per mutation; unknown kinds parse with
// all action fields nil.
type SyncActionValue struct {
	Timestamp            int64
	Star                 *StarAction
	Contact              *ContactAction
	Mute                 *MuteAction
	Pin                  *PinAction
	SecurityNotification *SecurityNotificationSetting
	PushName             *PushNameSetting
	DeleteMessageForMe   *DeleteMessageForMeAction
	ArchiveChat          *ArchiveChatAction
	MarkChatAsRead       *MarkChatAsReadAction
	ClearChat            *ClearChatAction
	DeleteChat           *DeleteChatAction
	UnarchiveChats       *UnarchiveChatsSetting
}

type StarAction struct {
	Starred bool
}

type ContactAction struct {
	FullName  string
	FirstName string
	LIDJID    string
}

type MuteAction struct {
	Muted            bool
	MuteEndTimestamp int64
}

type PinAction struct {
	Pinned bool
}

type SecurityNotificationSetting struct {
	ShowNotification bool
}

type PushNameSetting struct {
	Name string
}

type DeleteMessageForMeAction struct {
	DeleteMedia      bool
	MessageTimestamp int64
}

// ActionMessageRange bounds the chat history a chat-wide action applies
// to.
type ActionMessageRange struct {
	LastMessageTimestamp       int64
	LastSystemMessageTimestamp int64
}

type ArchiveChatAction struct {
	Archived     bool
	MessageRange *ActionMessageRange
}

type MarkChatAsReadAction struct {
	Read         bool
	MessageRange *ActionMessageRange
}

type ClearChatAction struct {
	MessageRange *ActionMessageRange
}

type DeleteChatAction struct {
	MessageRange *ActionMessageRange
}

type UnarchiveChatsSetting struct {
	UnarchiveChats bool
}

func (a *StarAction) appendTo(w *fieldWriter) {
	w.flag(1, a.Starred)
}

func (a *ContactAction) appendTo(w *fieldWriter) {
	w.str(1, a.FullName)
	w.str(2, a.FirstName)
	w.str(3, a.LIDJID)
}

func (a *MuteAction) appendTo(w *fieldWriter) {
	w.flag(1, a.Muted)
	w.uvarint(2, uint64(a.MuteEndTimestamp))
}

func (a *PinAction) appendTo(w *fieldWriter) {
	w.flag(1, a.Pinned)
}

func (a *SecurityNotificationSetting) appendTo(w *fieldWriter) {
	w.flag(1, a.ShowNotification)
}

func (a *PushNameSetting) appendTo(w *fieldWriter) {
	w.str(1, a.Name)
}

func (a *DeleteMessageForMeAction) appendTo(w *fieldWriter) {
	w.flag(1, a.DeleteMedia)
	w.uvarint(2, uint64(a.MessageTimestamp))
}

func (r *ActionMessageRange) appendTo(w *fieldWriter) {
	w.uvarint(1, uint64(r.LastMessageTimestamp))
	w.uvarint(2, uint64(r.LastSystemMessageTimestamp))
}

func (a *ArchiveChatAction) appendTo(w *fieldWriter) {
	w.flag(1, a.Archived)
	w.message(2, a.MessageRange)
}

func (a *MarkChatAsReadAction) appendTo(w *fieldWriter) {
	w.flag(1, a.Read)
	w.message(2, a.MessageRange)
}

func (a *ClearChatAction) appendTo(w *fieldWriter) {
	w.message(1, a.MessageRange)
}

func (a *DeleteChatAction) appendTo(w *fieldWriter) {
	w.message(1, a.MessageRange)
}

func (a *UnarchiveChatsSetting) appendTo(w *fieldWriter) {
	w.flag(1, a.UnarchiveChats)
}

func (v *SyncActionValue) appendTo(w *fieldWriter) {
	w.uvarint(1, uint64(v.Timestamp))
	w.message(2, v.Star)
	w.message(3, v.Contact)
	w.message(4, v.Mute)
	w.message(5, v.Pin)
	w.message(6, v.SecurityNotification)
	w.message(7, v.PushName)
	w.message(11, v.DeleteMessageForMe)
	w.message(17, v.ArchiveChat)
	w.message(20, v.MarkChatAsRead)
	w.message(21, v.ClearChat)
	w.message(22, v.DeleteChat)
	w.message(23, v.UnarchiveChats)
}

func (v *SyncActionValue) Marshal() []byte {
	var w fieldWriter
	v.appendTo(&w)
	return w.buf
}

func parseMessageRange(data []byte) (*ActionMessageRange, error) {
	out := &ActionMessageRange{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.LastMessageTimestamp = int64(f.varint)
		case 2:
			out.LastSystemMessageTimestamp = int64(f.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseStar(data []byte) (*StarAction, error) {
	out := &StarAction{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out.Starred = f.varint != 0
		}
		return nil
	})
	return out, err
}

func parseContact(data []byte) (*ContactAction, error) {
	out := &ContactAction{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.FullName = string(f.bytes)
		case 2:
			out.FirstName = string(f.bytes)
		case 3:
			out.LIDJID = string(f.bytes)
		}
		return nil
	})
	return out, err
}

func parseMute(data []byte) (*MuteAction, error) {
	out := &MuteAction{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.Muted = f.varint != 0
		case 2:
			out.MuteEndTimestamp = int64(f.varint)
		}
		return nil
	})
	return out, err
}

func parsePin(data []byte) (*PinAction, error) {
	out := &PinAction{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out.Pinned = f.varint != 0
		}
		return nil
	})
	return out, err
}

func parseSecurityNotification(data []byte) (*SecurityNotificationSetting, error) {
	out := &SecurityNotificationSetting{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out.ShowNotification = f.varint != 0
		}
		return nil
	})
	return out, err
}

func parsePushName(data []byte) (*PushNameSetting, error) {
	out := &PushNameSetting{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out.Name = string(f.bytes)
		}
		return nil
	})
	return out, err
}

func parseDeleteMessageForMe(data []byte) (*DeleteMessageForMeAction, error) {
	out := &DeleteMessageForMeAction{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.DeleteMedia = f.varint != 0
		case 2:
			out.MessageTimestamp = int64(f.varint)
		}
		return nil
	})
	return out, err
}

func parseArchiveChat(data []byte) (*ArchiveChatAction, error) {
	out := &ArchiveChatAction{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.Archived = f.varint != 0
		case 2:
			r, err := parseMessageRange(f.bytes)
			if err != nil {
				return err
			}
			out.MessageRange = r
		}
		return nil
	})
	return out, err
}

func parseMarkChatAsRead(data []byte) (*MarkChatAsReadAction, error) {
	out := &MarkChatAsReadAction{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.Read = f.varint != 0
		case 2:
			r, err := parseMessageRange(f.bytes)
			if err != nil {
				return err
			}
			out.MessageRange = r
		}
		return nil
	})
	return out, err
}

func parseRangeOnly(data []byte) (*ActionMessageRange, error) {
	var out *ActionMessageRange
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			r, err := parseMessageRange(f.bytes)
			if err != nil {
				return err
			}
			out = r
		}
		return nil
	})
	return out, err
}

func parseUnarchiveChats(data []byte) (*UnarchiveChatsSetting, error) {
	out := &UnarchiveChatsSetting{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out.UnarchiveChats = f.varint != 0
		}
		return nil
	})
	return out, err
}

func ParseSyncActionValue(data []byte) (*SyncActionValue, error) {
	out := &SyncActionValue{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Timestamp = int64(f.varint)
		case 2:
			out.Star, err = parseStar(f.bytes)
		case 3:
			out.Contact, err = parseContact(f.bytes)
		case 4:
			out.Mute, err = parseMute(f.bytes)
		case 5:
			out.Pin, err = parsePin(f.bytes)
		case 6:
			out.SecurityNotification, err = parseSecurityNotification(f.bytes)
		case 7:
			out.PushName, err = parsePushName(f.bytes)
		case 11:
			out.DeleteMessageForMe, err = parseDeleteMessageForMe(f.bytes)
		case 17:
			out.ArchiveChat, err = parseArchiveChat(f.bytes)
		case 20:
			out.MarkChatAsRead, err = parseMarkChatAsRead(f.bytes)
		case 21:
			var r *ActionMessageRange
			r, err = parseRangeOnly(f.bytes)
			out.ClearChat = &ClearChatAction{MessageRange: r}
		case 22:
			var r *ActionMessageRange
			r, err = parseRangeOnly(f.bytes)
			out.DeleteChat = &DeleteChatAction{MessageRange: r}
		case 23:
			out.UnarchiveChats, err = parseUnarchiveChats(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: sync action value: %w", err)
	}
	return out, nil
}

func (d *SyncActionData) Marshal() []byte {
	var w fieldWriter
	w.bytes(1, d.Index)
	w.message(2, d.Value)
	w.bytes(3, d.Padding)
	w.uvarint(4, uint64(d.Version))
	return w.buf
}

func ParseSyncActionData(data []byte) (*SyncActionData, error) {
	out := &SyncActionData{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Index = f.bytes
		case 2:
			out.Value, err = ParseSyncActionValue(f.bytes)
		case 3:
			out.Padding = f.bytes
		case 4:
			out.Version = int32(f.varint)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: sync action data: %w", err)
	}
	if out.Index == nil {
		return nil, fmt.Errorf("waproto: sync action data missing index")
	}
	return out, nil
}
