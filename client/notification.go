// notification.go - server notification dispatch.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"

	"github.com/haven-im/wamd/appstate"
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

// handleNotification routes one notification stanza. Runs on the
// processing worker, so collection resyncs triggered here stay ordered
// with the surrounding messages and receipts.
func (c *Client) handleNotification(node *wabinary.Node) {
	defer c.sendStanzaAck(node)
	switch node.Attrs["type"] {
	case "server_sync":
		c.handleServerSyncNotification(node)
	case "account_sync":
		c.handleAccountSyncNotification(node)
	case "blocklist":
		c.handleBlocklistNotification(node)
	case "encrypt":
		c.handleEncryptNotification(node)
	case "w:gp2":
		c.handleGroupNotification(node)
	default:
		c.log.Debugf("ignoring %s notification from %s", node.Attrs["type"], node.Attrs["from"])
	}
}

// handleServerSyncNotification resyncs the collections another device
// just patched.
func (c *Client) handleServerSyncNotification(node *wabinary.Node) {
	var collections []appstate.Collection
	for _, child := range node.GetChildrenByTag("collection") {
		if name := child.Attrs["name"]; name != "" {
			collections = append(collections, appstate.Collection(name))
		}
	}
	if len(collections) == 0 {
		return
	}
	if err := c.resyncAppState(context.Background(), collections, false); err != nil {
		c.log.Errorf("server-triggered resync failed: %v", err)
	}
}

// handleAccountSyncNotification tracks own-account changes. A device
// list edit invalidates the cached own-device set, so the next send
// re-fans to the new companion roster.
func (c *Client) handleAccountSyncNotification(node *wabinary.Node) {
	if c.creds.Me == nil {
		return
	}
	for _, child := range node.GetChildren() {
		switch child.Tag {
		case "devices":
			c.log.Infof("own device list changed")
			c.invalidateUserDevices([]types.JID{c.creds.Me.ToNonAD()})
		default:
			c.log.Debugf("unhandled account_sync child %s", child.Tag)
		}
	}
	if t := node.AttrParser().OptionalUnixTime("t"); !t.IsZero() {
		c.creds.LastAccountSyncTimestamp = t.Unix()
		c.emitCredsUpdate()
	}
}

// handleBlocklistNotification mirrors blocklist edits into events, one
// per action kind. Items may sit directly under the notification or
// inside a blocklist wrapper.
func (c *Client) handleBlocklistNotification(node *wabinary.Node) {
	parent := *node
	if wrapped, ok := node.GetOptionalChildByTag("blocklist"); ok {
		parent = wrapped
	}
	byAction := make(map[string][]types.JID)
	var order []string
	for _, item := range parent.GetChildrenByTag("item") {
		jid, err := types.ParseJID(item.Attrs["jid"])
		if err != nil {
			continue
		}
		action := item.Attrs["action"]
		if _, seen := byAction[action]; !seen {
			order = append(order, action)
		}
		byAction[action] = append(byAction[action], jid)
	}
	for _, action := range order {
		c.bus.Emit(&event.BlocklistUpdate{Action: action, JIDs: byAction[action]})
	}
}

// handleEncryptNotification reacts to the server's one-time pre-key
// inventory running low. The upload runs off the processing worker; it
// opens its own key store transaction.
func (c *Client) handleEncryptNotification(node *wabinary.Node) {
	count, ok := node.GetOptionalChildByTag("count")
	if !ok {
		return
	}
	left := count.AttrParser().OptionalInt("value")
	if left > minServerPreKeyCount {
		return
	}
	c.log.Infof("server holds %d one-time pre-keys, uploading more", left)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout())
		defer cancel()
		if err := c.uploadPreKeys(ctx); err != nil {
			c.log.Errorf("pre-key upload failed: %v", err)
		}
	}()
}

// handleGroupNotification surfaces group changes. Membership edits drop
// the cached metadata and the sender key distribution memory, so the
// next send re-fetches the roster and re-fans the key.
func (c *Client) handleGroupNotification(node *wabinary.Node) {
	p := node.AttrParser()
	group := p.JID("from")
	if p.Error() != nil || !group.IsGroup() {
		return
	}
	sender := group
	if part := p.OptionalJID("participant"); part != nil {
		sender = *part
	}
	ts := p.OptionalUnixTime("t")

	for _, child := range node.GetChildren() {
		upd := &event.GroupsUpdate{
			JID:       group,
			Sender:    sender,
			Action:    child.Tag,
			Timestamp: ts,
		}
		switch child.Tag {
		case "add", "remove", "leave", "promote", "demote":
			for _, member := range child.GetChildrenByTag("participant") {
				if jid, err := types.ParseJID(member.Attrs["jid"]); err == nil {
					upd.Participants = append(upd.Participants, jid)
				}
			}
			c.invalidateGroupInfo(group)
			if child.Tag != "promote" && child.Tag != "demote" {
				c.forgetSenderKey(group)
			}
		case "subject":
			upd.Subject = child.Attrs["subject"]
			c.invalidateGroupInfo(group)
		case "announcement", "not_announcement", "locked", "unlocked", "ephemeral":
			c.invalidateGroupInfo(group)
		default:
			c.log.Debugf("unhandled group notification %s for %s", child.Tag, group)
			continue
		}
		c.bus.Emit(upd)
	}
}
