// token.go - static token tables for tag and attribute compression.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import "fmt"

// DictVersion identifies the token table revision. It is advertised in the
// connection header so the server picks matching tables.
const DictVersion = 3

// Type markers used by the codec.  Values below listEmpty are single-byte
// token indices; the rest select an encoding for what follows.
const (
	listEmpty    = 0
	streamEnd    = 2
	dictionary0  = 236
	dictionary1  = 237
	dictionary2  = 238
	dictionary3  = 239
	adJID        = 247
	list8        = 248
	list16       = 249
	jidPair      = 250
	hex8         = 251
	binary8      = 252
	binary20     = 253
	binary32     = 254
	nibble8      = 255
	packedMax    = 127
	tokenFloor   = 3
	singleMax    = 235
	dictIndexMax = 256
)

// singleByteTokens is the primary static table.  Index 0-2 are reserved
// markers and must stay empty.
var singleByteTokens = [...]string{
	"", "", "",
	"200", "400", "401", "403", "404", "409", "500", "501", "502",
	"ack", "action", "active", "add", "after", "all", "archive", "attrs",
	"available", "background", "before", "biz", "broadcast", "c.us", "call",
	"category", "chat", "chatstate", "clear", "code", "composing", "config",
	"contacts", "count", "create", "creation", "debug", "delete", "delivery",
	"demote", "device", "device-identity", "device-list", "device_hash",
	"devices", "duplicate", "edit", "enc", "encrypt", "error", "expiration",
	"failure", "false", "features", "from", "g.us", "get", "group", "groups",
	"hash", "history", "ib", "id", "identity", "image", "in", "index",
	"invite", "iq", "item", "jid", "key", "key-index", "keys", "kind",
	"last", "last-id", "leave", "lid", "list", "location", "media",
	"media_conn", "member_add_mode", "message", "mimetype", "missing",
	"mode", "modify", "msg", "mute", "name", "notification", "notify",
	"offline", "offline_preview", "on", "out", "owner", "pair-device",
	"pair-success", "participant", "participants", "passive", "paused",
	"picture", "ping", "pkmsg", "platform", "played", "presence",
	"prev_v_id", "preview", "promote", "prop", "props", "query", "read",
	"reason", "receipt", "recipient", "recording", "ref", "registration",
	"relay", "remove", "remove-companion-device", "result", "retry",
	"revoke", "s.whatsapp.net", "seconds", "sender", "server", "server_sync",
	"session", "set", "sid", "size", "skmsg", "state", "status", "stream:error",
	"subject", "subscribe", "success", "sync", "t", "tctoken", "text", "to",
	"true", "type", "unarchive", "unavailable", "unknown", "unsubscribe",
	"update", "uploadable", "url", "urn:xmpp:ping", "urn:xmpp:whatsapp:push",
	"usync", "v_id", "value", "verified_name", "version", "w", "w:b",
	"w:g2", "w:m", "w:p", "w:profile:picture", "w:stats", "w:sync:app:state",
	"w:web", "web", "xmlns",
}

// doubleByteTokens holds the secondary tables, selected by the dictionary
// markers.  Tables 2 and 3 are reserved; a decoder must reject indices into
// them without crashing.
var doubleByteTokens = [4][]string{
	{
		"media-gig2-1.cdn.whatsapp.net", "media-lhr8-1.cdn.whatsapp.net",
		"media-sin6-1.cdn.whatsapp.net", "audio", "document", "gif",
		"ppic", "product", "ptt", "sticker", "video", "vcard",
		"critical_block", "critical_unblock_low", "regular", "regular_high",
		"regular_low", "collection", "patch", "snapshot", "mutation",
		"record", "value_mac", "index_mac", "mac", "patches", "snapshot_mac",
		"key_id", "fatal", "apply", "current", "server_error", "key_expired",
		"version_mismatch", "blocklist", "privacy", "disappearing_mode",
		"groupadd", "profile", "readreceipts", "online", "w:biz",
		"fb_page", "biz-cover-photo", "signed_prekey", "prekey",
	},
	{
		"account_sync", "appdata", "w:gp2", "encrypt_v2", "dirty",
		"multicast", "no_session", "hsm", "syncd_anti_tampering_fatal_exception_notification", "frskmsg", "peer",
		"peer_msg", "call-creator", "call-id", "audio_duration",
		"invis", "trusted_contact", "token", "token_id", "apns",
		"user_notice", "w:auth:backup:token", "devices_delivery",
		"companion", "companion_enc_static", "link_code_companion_reg",
	},
	nil,
	nil,
}

var (
	singleTokenIndex map[string]int
	doubleTokenIndex map[string][2]int
)

func init() {
	singleTokenIndex = make(map[string]int, len(singleByteTokens))
	for i := tokenFloor; i < len(singleByteTokens); i++ {
		singleTokenIndex[singleByteTokens[i]] = i
	}
	doubleTokenIndex = make(map[string][2]int)
	for dict, table := range doubleByteTokens {
		for i, tok := range table {
			doubleTokenIndex[tok] = [2]int{dict, i}
		}
	}
}

func singleToken(i int) (string, error) {
	if i < tokenFloor || i >= len(singleByteTokens) {
		return "", fmt.Errorf("wabinary: invalid single byte token index %d", i)
	}
	return singleByteTokens[i], nil
}

func doubleToken(dict, i int) (string, error) {
	if dict < 0 || dict >= len(doubleByteTokens) {
		return "", fmt.Errorf("wabinary: invalid token dictionary %d", dict)
	}
	table := doubleByteTokens[dict]
	if i < 0 || i >= len(table) {
		return "", fmt.Errorf("wabinary: invalid double byte token index %d in dictionary %d (reserved)", i, dict)
	}
	return table[i], nil
}
