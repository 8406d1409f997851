// jid.go - Jabber-style identifiers.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package types contains the data types shared by every layer of the wamd
// client: JIDs, error kinds, and the clock abstraction.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Known JID servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
	LegacyUserServer  = "c.us"
)

// StatusBroadcastJID is the JID of the status broadcast pseudo-chat.
var StatusBroadcastJID = NewJID("status", BroadcastServer)

// JID identifies a user, device, group or broadcast list.
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string
}

// NewJID creates a bare (no agent, no device) JID.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// NewADJID creates an agent/device JID for a specific companion device.
func NewADJID(user string, agent uint8, device uint16) JID {
	return JID{
		User:   user,
		Agent:  agent,
		Device: device,
		Server: DefaultUserServer,
	}
}

// ParseJID parses a JID of the form user[.agent][:device]@server.  The
// legacy c.us server is normalized to s.whatsapp.net.
func ParseJID(raw string) (JID, error) {
	var jid JID
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return jid, fmt.Errorf("types: JID %q is missing a server", raw)
	}
	jid.Server = raw[at+1:]
	if jid.Server == LegacyUserServer {
		jid.Server = DefaultUserServer
	}
	user := raw[:at]

	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		dev, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return jid, fmt.Errorf("types: invalid device in JID %q: %v", raw, err)
		}
		jid.Device = uint16(dev)
		user = user[:colon]
	}
	if dot := strings.IndexByte(user, '.'); dot >= 0 {
		agent, err := strconv.ParseUint(user[dot+1:], 10, 8)
		if err != nil {
			return jid, fmt.Errorf("types: invalid agent in JID %q: %v", raw, err)
		}
		jid.Agent = uint8(agent)
		user = user[:dot]
	}
	jid.User = user
	return jid, nil
}

// String renders the JID in its canonical wire form.
func (jid JID) String() string {
	switch {
	case jid.Agent != 0:
		return fmt.Sprintf("%s.%d:%d@%s", jid.User, jid.Agent, jid.Device, jid.Server)
	case jid.Device != 0:
		return fmt.Sprintf("%s:%d@%s", jid.User, jid.Device, jid.Server)
	case jid.User != "":
		return jid.User + "@" + jid.Server
	default:
		return jid.Server
	}
}

// IsEmpty reports whether the JID has no server set.
func (jid JID) IsEmpty() bool {
	return jid.Server == ""
}

// IsGroup reports whether the JID refers to a group chat.
func (jid JID) IsGroup() bool {
	return jid.Server == GroupServer
}

// IsBroadcastList reports whether the JID refers to a broadcast list.
func (jid JID) IsBroadcastList() bool {
	return jid.Server == BroadcastServer
}

// ToNonAD strips the agent and device parts, yielding the user's bare JID.
func (jid JID) ToNonAD() JID {
	return JID{User: jid.User, Server: jid.Server}
}

// WithDevice returns a copy of the JID addressing a specific device.
func (jid JID) WithDevice(device uint16) JID {
	jid.Device = device
	return jid
}

// SignalAddress renders the JID the way the Signal session store keys it:
// user[_agent].device.
func (jid JID) SignalAddress() string {
	user := jid.User
	if jid.Agent != 0 {
		user = fmt.Sprintf("%s_%d", jid.User, jid.Agent)
	}
	return fmt.Sprintf("%s.%d", user, jid.Device)
}

// Equal compares all JID fields.
func (jid JID) Equal(other JID) bool {
	return jid == other
}
