// encode.go - building outbound collection patches.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/waproto"
)

// MutationInfo is one entry of an outbound patch before encryption.
// Version is the action schema version the server expects for the kind.
type MutationInfo struct {
	Index   []string
	Version int32
	Value   *waproto.SyncActionValue
}

// PatchInfo is an outbound patch: the collection it belongs to and the
// mutations to apply. A zero Timestamp means now.
type PatchInfo struct {
	Timestamp time.Time
	Type      Collection
	Mutations []MutationInfo
}

// BuildMute mutes or unmutes a chat. A zero duration with mute set
// means muted forever.
func BuildMute(target types.JID, mute bool, duration time.Duration) PatchInfo {
	action := &waproto.MuteAction{Muted: mute}
	if mute && duration > 0 {
		action.MuteEndTimestamp = time.Now().Add(duration).UnixMilli()
	}
	return PatchInfo{
		Type: CollectionRegularHigh,
		Mutations: []MutationInfo{{
			Index:   []string{IndexMute, target.String()},
			Version: 2,
			Value:   &waproto.SyncActionValue{Mute: action},
		}},
	}
}

// BuildPin pins or unpins a chat.
func BuildPin(target types.JID, pinned bool) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularLow,
		Mutations: []MutationInfo{{
			Index:   []string{IndexPin, target.String()},
			Version: 5,
			Value:   &waproto.SyncActionValue{Pin: &waproto.PinAction{Pinned: pinned}},
		}},
	}
}

// BuildArchive archives or unarchives a chat up to the given last
// message timestamp.
func BuildArchive(target types.JID, archived bool, lastMessageTimestamp time.Time) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularLow,
		Mutations: []MutationInfo{{
			Index:   []string{IndexArchive, target.String()},
			Version: 3,
			Value: &waproto.SyncActionValue{ArchiveChat: &waproto.ArchiveChatAction{
				Archived:     archived,
				MessageRange: messageRange(lastMessageTimestamp),
			}},
		}},
	}
}

// BuildMarkChatAsRead sets the read state of a chat.
func BuildMarkChatAsRead(target types.JID, read bool, lastMessageTimestamp time.Time) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularLow,
		Mutations: []MutationInfo{{
			Index:   []string{IndexMarkChatAsRead, target.String()},
			Version: 3,
			Value: &waproto.SyncActionValue{MarkChatAsRead: &waproto.MarkChatAsReadAction{
				Read:         read,
				MessageRange: messageRange(lastMessageTimestamp),
			}},
		}},
	}
}

// BuildStar stars or unstars one message.
func BuildStar(chat types.JID, messageID string, fromMe, starred bool) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularLow,
		Mutations: []MutationInfo{{
			Index:   []string{IndexStar, chat.String(), messageID, boolDigit(fromMe), "0"},
			Version: 2,
			Value:   &waproto.SyncActionValue{Star: &waproto.StarAction{Starred: starred}},
		}},
	}
}

// BuildDeleteMessageForMe removes one message locally on all own
// devices.
func BuildDeleteMessageForMe(chat types.JID, messageID string, fromMe bool, messageTimestamp time.Time) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularHigh,
		Mutations: []MutationInfo{{
			Index:   []string{IndexDeleteMessageForMe, chat.String(), messageID, boolDigit(fromMe), "0"},
			Version: 3,
			Value: &waproto.SyncActionValue{DeleteMessageForMe: &waproto.DeleteMessageForMeAction{
				DeleteMedia:      false,
				MessageTimestamp: messageTimestamp.Unix(),
			}},
		}},
	}
}

// BuildDeleteChat deletes a chat up to the given last message
// timestamp.
func BuildDeleteChat(target types.JID, lastMessageTimestamp time.Time) PatchInfo {
	return PatchInfo{
		Type: CollectionRegularHigh,
		Mutations: []MutationInfo{{
			Index:   []string{IndexDeleteChat, target.String(), "1"},
			Version: 6,
			Value: &waproto.SyncActionValue{DeleteChat: &waproto.DeleteChatAction{
				MessageRange: messageRange(lastMessageTimestamp),
			}},
		}},
	}
}

// BuildSettingPushName publishes a new push name to all devices.
func BuildSettingPushName(name string) PatchInfo {
	return PatchInfo{
		Type: CollectionCriticalBlock,
		Mutations: []MutationInfo{{
			Index:   []string{IndexSettingPushName},
			Version: 1,
			Value:   &waproto.SyncActionValue{PushName: &waproto.PushNameSetting{Name: name}},
		}},
	}
}

func messageRange(lastMessageTimestamp time.Time) *waproto.ActionMessageRange {
	if lastMessageTimestamp.IsZero() {
		lastMessageTimestamp = time.Now()
	}
	return &waproto.ActionMessageRange{LastMessageTimestamp: lastMessageTimestamp.Unix()}
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// EncodePatch encrypts and signs an outbound patch under the given sync
// key and advances a copy of the collection state past it. The returned
// patch carries no version; the server assigns one, and the request
// names the predecessor version. The caller persists the new state only
// after the server accepts the patch.
func (p *Processor) EncodePatch(keyID []byte, state HashState, info PatchInfo) (*waproto.SyncdPatch, HashState, error) {
	keys, err := p.keysFor(keyID)
	if err != nil {
		return nil, HashState{}, err
	}
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	newState := state.clone()
	mutations := make([]*waproto.SyncdMutation, 0, len(info.Mutations))
	pairs := make([]macPair, 0, len(info.Mutations))
	valueMACs := make([][]byte, 0, len(info.Mutations))
	for _, mi := range info.Mutations {
		mi.Value.Timestamp = ts.UnixMilli()
		indexBytes, err := json.Marshal(mi.Index)
		if err != nil {
			return nil, HashState{}, fmt.Errorf("appstate: encoding index: %w", err)
		}
		content := (&waproto.SyncActionData{
			Index:   indexBytes,
			Value:   mi.Value,
			Padding: []byte{},
			Version: mi.Version,
		}).Marshal()
		encrypted, err := cbcEncrypt(keys.ValueEncryption, content)
		if err != nil {
			return nil, HashState{}, err
		}
		valueMAC := generateContentMAC(waproto.SyncdSet, encrypted, keyID, keys.ValueMAC)
		ih := hmac.New(sha256.New, keys.Index)
		ih.Write(indexBytes)
		indexMAC := ih.Sum(nil)

		pairs = append(pairs, macPair{indexMAC: indexMAC, valueMAC: valueMAC, op: waproto.SyncdSet})
		valueMACs = append(valueMACs, valueMAC)
		mutations = append(mutations, &waproto.SyncdMutation{
			Operation: waproto.SyncdSet,
			Record: &waproto.SyncdRecord{
				Index: indexMAC,
				Value: append(encrypted, valueMAC...),
				KeyID: keyID,
			},
		})
	}

	if err := newState.apply(pairs); err != nil {
		return nil, HashState{}, err
	}
	newState.Version++
	snapshotMAC := generateSnapshotMAC(newState.Hash, newState.Version, info.Type, keys.SnapshotMAC)
	patch := &waproto.SyncdPatch{
		Mutations:   mutations,
		SnapshotMAC: snapshotMAC,
		PatchMAC:    generatePatchMAC(snapshotMAC, valueMACs, newState.Version, info.Type, keys.PatchMAC),
		KeyID:       keyID,
	}
	return patch, newState, nil
}
