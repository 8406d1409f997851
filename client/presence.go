// presence.go - availability and typing state.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

// SendPresence announces this device's availability. The server ignores
// presence from devices it has no push name for, so that is an error
// here.
func (c *Client) SendPresence(state types.Presence) error {
	if !c.creds.Registered() {
		return types.ErrNotLoggedIn
	}
	if c.creds.PushName == "" {
		return types.ErrNoPushName
	}
	return c.SendNode(wabinary.Node{
		Tag: "presence",
		Attrs: map[string]string{
			"name": c.creds.PushName,
			"type": string(state),
		},
	})
}

// SubscribePresence asks the server to start streaming the given user's
// presence to us.
func (c *Client) SubscribePresence(jid types.JID) error {
	return c.SendNode(wabinary.Node{
		Tag: "presence",
		Attrs: map[string]string{
			"type": "subscribe",
			"to":   jid.ToNonAD().String(),
		},
	})
}

// SendChatPresence reports typing state in a chat.
func (c *Client) SendChatPresence(chat types.JID, state types.ChatPresence) error {
	if !c.creds.Registered() {
		return types.ErrNotLoggedIn
	}
	return c.SendNode(wabinary.Node{
		Tag: "chatstate",
		Attrs: map[string]string{
			"from": c.creds.Me.String(),
			"to":   chat.String(),
		},
		Content: []wabinary.Node{{Tag: string(state)}},
	})
}

func (c *Client) handlePresence(node *wabinary.Node) bool {
	p := node.AttrParser()
	evt := &event.PresenceUpdate{From: p.JID("from")}
	if p.OptionalString("type") == "unavailable" {
		evt.Unavailable = true
	}
	// "deny" means the contact hides their last-seen.
	if last := p.OptionalString("last"); last != "" && last != "deny" {
		evt.LastSeen = p.UnixTime("last")
	}
	if err := p.Error(); err != nil {
		c.log.Warningf("malformed presence stanza: %v", err)
		return true
	}
	c.bus.Emit(evt)
	return true
}

func (c *Client) handleChatState(node *wabinary.Node) bool {
	p := node.AttrParser()
	chat := p.JID("from")
	sender := chat
	if chat.Server == types.GroupServer {
		sender = p.JID("participant")
	}
	if err := p.Error(); err != nil {
		c.log.Warningf("malformed chatstate stanza: %v", err)
		return true
	}
	state := types.ChatPresence(node.FirstChildTag())
	switch state {
	case types.ChatPresenceComposing, types.ChatPresencePaused:
	default:
		c.log.Debugf("unknown chatstate %q from %s", state, sender)
		return true
	}
	c.bus.Emit(&event.ChatPresenceUpdate{Chat: chat.ToNonAD(), Sender: sender, State: state})
	return true
}
