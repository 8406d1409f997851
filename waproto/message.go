// message.go - e2e message envelope codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"fmt"
)

// MessageKey identifies one message within a chat.
type MessageKey struct {
	RemoteJID   string
	FromMe      bool
	ID          string
	Participant string
}

func (k *MessageKey) appendTo(w *fieldWriter) {
	w.str(1, k.RemoteJID)
	w.flag(2, k.FromMe)
	w.str(3, k.ID)
	w.str(4, k.Participant)
}

// Marshal serializes the key.
func (k *MessageKey) Marshal() []byte {
	var w fieldWriter
	k.appendTo(&w)
	return w.buf
}

func parseMessageKey(data []byte) (*MessageKey, error) {
	out := &MessageKey{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.RemoteJID = string(f.bytes)
		case 2:
			out.FromMe = f.varint != 0
		case 3:
			out.ID = string(f.bytes)
		case 4:
			out.Participant = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProtocolMessageType discriminates protocol message payloads.
type ProtocolMessageType int32

// Protocol message types acted on by the client. Other values are
// carried but ignored.
const (
	ProtoRevoke                 ProtocolMessageType = 0
	ProtoHistorySyncNotify      ProtocolMessageType = 5
	ProtoAppStateSyncKeyShare   ProtocolMessageType = 6
	ProtoAppStateSyncKeyRequest ProtocolMessageType = 7
)

func (t ProtocolMessageType) String() string {
	switch t {
	case ProtoRevoke:
		return "revoke"
	case ProtoHistorySyncNotify:
		return "history-sync-notification"
	case ProtoAppStateSyncKeyShare:
		return "app-state-sync-key-share"
	case ProtoAppStateSyncKeyRequest:
		return "app-state-sync-key-request"
	default:
		return fmt.Sprintf("protocol-message-type(%d)", int32(t))
	}
}

// HistorySyncType classifies a history sync payload.
type HistorySyncType int32

// History sync types.
const (
	HistorySyncInitialBootstrap HistorySyncType = 0
	HistorySyncInitialStatusV3  HistorySyncType = 1
	HistorySyncFull             HistorySyncType = 2
	HistorySyncRecent           HistorySyncType = 3
	HistorySyncPushName         HistorySyncType = 4
	HistorySyncNonBlockingData  HistorySyncType = 5
	HistorySyncOnDemand         HistorySyncType = 6
)

// HistorySyncNotification announces a downloadable history blob. The
// blob itself is fetched by the media collaborator; the core only routes
// the reference.
type HistorySyncNotification struct {
	FileSHA256        []byte
	FileLength        uint64
	MediaKey          []byte
	FileEncSHA256     []byte
	DirectPath        string
	SyncType          HistorySyncType
	ChunkOrder        uint32
	OriginalMessageID string
}

func (h *HistorySyncNotification) appendTo(w *fieldWriter) {
	w.bytes(1, h.FileSHA256)
	w.uvarint(2, h.FileLength)
	w.bytes(3, h.MediaKey)
	w.bytes(4, h.FileEncSHA256)
	w.str(5, h.DirectPath)
	w.enum(6, uint64(h.SyncType))
	w.uvarint(7, uint64(h.ChunkOrder))
	w.str(8, h.OriginalMessageID)
}

// Marshal serializes the notification.
func (h *HistorySyncNotification) Marshal() []byte {
	var w fieldWriter
	h.appendTo(&w)
	return w.buf
}

func parseHistorySyncNotification(data []byte) (*HistorySyncNotification, error) {
	out := &HistorySyncNotification{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.FileSHA256 = f.bytes
		case 2:
			out.FileLength = f.varint
		case 3:
			out.MediaKey = f.bytes
		case 4:
			out.FileEncSHA256 = f.bytes
		case 5:
			out.DirectPath = string(f.bytes)
		case 6:
			out.SyncType = HistorySyncType(f.varint)
		case 7:
			out.ChunkOrder = uint32(f.varint)
		case 8:
			out.OriginalMessageID = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppStateSyncKeyID names one app state sync key.
type AppStateSyncKeyID struct {
	KeyID []byte
}

func (k *AppStateSyncKeyID) appendTo(w *fieldWriter) {
	w.bytes(1, k.KeyID)
}

// AppStateSyncKeyData is the key material for one sync key. Fingerprint
// is kept as an opaque sub-message.
type AppStateSyncKeyData struct {
	KeyData     []byte
	Fingerprint []byte
	Timestamp   int64
}

func (d *AppStateSyncKeyData) appendTo(w *fieldWriter) {
	w.bytes(1, d.KeyData)
	w.bytes(2, d.Fingerprint)
	w.uvarint(3, uint64(d.Timestamp))
}

// AppStateSyncKey pairs a key id with its material.
type AppStateSyncKey struct {
	KeyID   *AppStateSyncKeyID
	KeyData *AppStateSyncKeyData
}

func (k *AppStateSyncKey) appendTo(w *fieldWriter) {
	w.message(1, k.KeyID)
	w.message(2, k.KeyData)
}

func parseAppStateSyncKey(data []byte) (*AppStateSyncKey, error) {
	out := &AppStateSyncKey{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			id := &AppStateSyncKeyID{}
			if err := eachField(f.bytes, func(inner field) error {
				if inner.num == 1 {
					id.KeyID = inner.bytes
				}
				return nil
			}); err != nil {
				return err
			}
			out.KeyID = id
		case 2:
			kd := &AppStateSyncKeyData{}
			if err := eachField(f.bytes, func(inner field) error {
				switch inner.num {
				case 1:
					kd.KeyData = inner.bytes
				case 2:
					kd.Fingerprint = inner.bytes
				case 3:
					kd.Timestamp = int64(inner.varint)
				}
				return nil
			}); err != nil {
				return err
			}
			out.KeyData = kd
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppStateSyncKeyShare delivers sync keys from the primary device.
type AppStateSyncKeyShare struct {
	Keys []*AppStateSyncKey
}

func (s *AppStateSyncKeyShare) appendTo(w *fieldWriter) {
	for _, k := range s.Keys {
		w.message(1, k)
	}
}

func parseAppStateSyncKeyShare(data []byte) (*AppStateSyncKeyShare, error) {
	out := &AppStateSyncKeyShare{}
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			k, err := parseAppStateSyncKey(f.bytes)
			if err != nil {
				return err
			}
			out.Keys = append(out.Keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProtocolMessage carries in-band protocol traffic: revokes, history
// sync notifications and app state key shares.
type ProtocolMessage struct {
	Key                     *MessageKey
	Type                    ProtocolMessageType
	HistorySyncNotification *HistorySyncNotification
	AppStateSyncKeyShare    *AppStateSyncKeyShare
}

func (p *ProtocolMessage) appendTo(w *fieldWriter) {
	w.message(1, p.Key)
	w.enum(2, uint64(p.Type))
	w.message(6, p.HistorySyncNotification)
	w.message(7, p.AppStateSyncKeyShare)
}

func parseProtocolMessage(data []byte) (*ProtocolMessage, error) {
	out := &ProtocolMessage{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Key, err = parseMessageKey(f.bytes)
		case 2:
			out.Type = ProtocolMessageType(f.varint)
		case 6:
			out.HistorySyncNotification, err = parseHistorySyncNotification(f.bytes)
		case 7:
			out.AppStateSyncKeyShare, err = parseAppStateSyncKeyShare(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SenderKeyDistributionMessage wraps the Signal group key material sent
// to each participant device.
type SenderKeyDistributionMessage struct {
	GroupID string
	// AxolotlSenderKeyDistributionMessage is the serialized Signal
	// distribution record, opaque to this layer.
	AxolotlSenderKeyDistributionMessage []byte
}

func (m *SenderKeyDistributionMessage) appendTo(w *fieldWriter) {
	w.str(1, m.GroupID)
	w.bytes(2, m.AxolotlSenderKeyDistributionMessage)
}

func parseSenderKeyDistributionMessage(data []byte) (*SenderKeyDistributionMessage, error) {
	out := &SenderKeyDistributionMessage{}
	err := eachField(data, func(f field) error {
		switch f.num {
		case 1:
			out.GroupID = string(f.bytes)
		case 2:
			out.AxolotlSenderKeyDistributionMessage = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceSentMessage wraps a message copied to the sender's own devices,
// carrying the chat it was really destined for.
type DeviceSentMessage struct {
	DestinationJID string
	Message        *Message
	Phash          string
}

func (m *DeviceSentMessage) appendTo(w *fieldWriter) {
	w.str(1, m.DestinationJID)
	w.message(2, m.Message)
	w.str(3, m.Phash)
}

func parseDeviceSentMessage(data []byte) (*DeviceSentMessage, error) {
	out := &DeviceSentMessage{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.DestinationJID = string(f.bytes)
		case 2:
			out.Message, err = ParseMessage(f.bytes)
		case 3:
			out.Phash = string(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtendedTextMessage is a text message with rich metadata. Only the
// text is interpreted here.
type ExtendedTextMessage struct {
	Text string
}

func (m *ExtendedTextMessage) appendTo(w *fieldWriter) {
	w.str(1, m.Text)
}

// ListMessage is an interactive single-select list.
type ListMessage struct {
	Title       string
	Description string
	ButtonText  string
	ListType    uint64
}

func (m *ListMessage) appendTo(w *fieldWriter) {
	w.str(1, m.Title)
	w.str(2, m.Description)
	w.str(3, m.ButtonText)
	w.enum(4, m.ListType)
}

// ListResponseMessage answers a ListMessage.
type ListResponseMessage struct {
	Title string
}

func (m *ListResponseMessage) appendTo(w *fieldWriter) {
	w.str(1, m.Title)
}

// ButtonsMessage is an interactive reply-buttons message.
type ButtonsMessage struct {
	ContentText string
	FooterText  string
}

func (m *ButtonsMessage) appendTo(w *fieldWriter) {
	w.str(6, m.ContentText)
	w.str(7, m.FooterText)
}

// ButtonsResponseMessage answers a ButtonsMessage.
type ButtonsResponseMessage struct {
	SelectedButtonID    string
	SelectedDisplayText string
}

func (m *ButtonsResponseMessage) appendTo(w *fieldWriter) {
	w.str(1, m.SelectedButtonID)
	w.str(2, m.SelectedDisplayText)
}

// ReactionMessage attaches or removes an emoji reaction.
type ReactionMessage struct {
	Key               *MessageKey
	Text              string
	GroupingKey       string
	SenderTimestampMS int64
}

func (m *ReactionMessage) appendTo(w *fieldWriter) {
	w.message(1, m.Key)
	w.str(2, m.Text)
	w.str(3, m.GroupingKey)
	w.uvarint(4, uint64(m.SenderTimestampMS))
}

func parseReactionMessage(data []byte) (*ReactionMessage, error) {
	out := &ReactionMessage{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Key, err = parseMessageKey(f.bytes)
		case 2:
			out.Text = string(f.bytes)
		case 3:
			out.GroupingKey = string(f.bytes)
		case 4:
			out.SenderTimestampMS = int64(f.varint)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Message is the e2e message envelope. Exactly one content field is
// normally set; the rest are nil.
type Message struct {
	Conversation                 string
	SenderKeyDistributionMessage *SenderKeyDistributionMessage
	ExtendedTextMessage          *ExtendedTextMessage
	ProtocolMessage              *ProtocolMessage
	DeviceSentMessage            *DeviceSentMessage
	ListMessage                  *ListMessage
	ListResponseMessage          *ListResponseMessage
	ButtonsMessage               *ButtonsMessage
	ButtonsResponseMessage       *ButtonsResponseMessage
	ReactionMessage              *ReactionMessage
}

func (m *Message) appendTo(w *fieldWriter) {
	w.str(1, m.Conversation)
	w.message(2, m.SenderKeyDistributionMessage)
	w.message(6, m.ExtendedTextMessage)
	w.message(12, m.ProtocolMessage)
	w.message(31, m.DeviceSentMessage)
	w.message(36, m.ListMessage)
	w.message(39, m.ListResponseMessage)
	w.message(42, m.ButtonsMessage)
	w.message(43, m.ButtonsResponseMessage)
	w.message(46, m.ReactionMessage)
}

// Marshal serializes the message envelope.
func (m *Message) Marshal() []byte {
	var w fieldWriter
	m.appendTo(&w)
	return w.buf
}

// ParseMessage deserializes a message envelope. Content kinds this
// client does not interpret are dropped.
func ParseMessage(data []byte) (*Message, error) {
	out := &Message{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Conversation = string(f.bytes)
		case 2:
			out.SenderKeyDistributionMessage, err = parseSenderKeyDistributionMessage(f.bytes)
		case 6:
			ext := &ExtendedTextMessage{}
			err = eachField(f.bytes, func(inner field) error {
				if inner.num == 1 {
					ext.Text = string(inner.bytes)
				}
				return nil
			})
			out.ExtendedTextMessage = ext
		case 12:
			out.ProtocolMessage, err = parseProtocolMessage(f.bytes)
		case 31:
			out.DeviceSentMessage, err = parseDeviceSentMessage(f.bytes)
		case 36:
			lm := &ListMessage{}
			err = eachField(f.bytes, func(inner field) error {
				switch inner.num {
				case 1:
					lm.Title = string(inner.bytes)
				case 2:
					lm.Description = string(inner.bytes)
				case 3:
					lm.ButtonText = string(inner.bytes)
				case 4:
					lm.ListType = inner.varint
				}
				return nil
			})
			out.ListMessage = lm
		case 39:
			lr := &ListResponseMessage{}
			err = eachField(f.bytes, func(inner field) error {
				if inner.num == 1 {
					lr.Title = string(inner.bytes)
				}
				return nil
			})
			out.ListResponseMessage = lr
		case 42:
			bm := &ButtonsMessage{}
			err = eachField(f.bytes, func(inner field) error {
				switch inner.num {
				case 6:
					bm.ContentText = string(inner.bytes)
				case 7:
					bm.FooterText = string(inner.bytes)
				}
				return nil
			})
			out.ButtonsMessage = bm
		case 43:
			br := &ButtonsResponseMessage{}
			err = eachField(f.bytes, func(inner field) error {
				switch inner.num {
				case 1:
					br.SelectedButtonID = string(inner.bytes)
				case 2:
					br.SelectedDisplayText = string(inner.bytes)
				}
				return nil
			})
			out.ButtonsResponseMessage = br
		case 46:
			out.ReactionMessage, err = parseReactionMessage(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: message: %w", err)
	}
	return out, nil
}

// Unwrap strips the device-sent wrapper, if any.
func (m *Message) Unwrap() *Message {
	if m.DeviceSentMessage != nil && m.DeviceSentMessage.Message != nil {
		return m.DeviceSentMessage.Message
	}
	return m
}

// ButtonType names the interactive content kind, or returns "" for
// plain messages. Interactive sends carry a biz node naming the kind.
func (m *Message) ButtonType() string {
	switch {
	case m.ButtonsMessage != nil:
		return "buttons"
	case m.ButtonsResponseMessage != nil:
		return "buttons_response"
	case m.ListMessage != nil:
		return "list"
	case m.ListResponseMessage != nil:
		return "list_response"
	default:
		return ""
	}
}
