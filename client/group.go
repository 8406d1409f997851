// group.go - group metadata queries.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

// GroupParticipant is one member of a group.
type GroupParticipant struct {
	JID          types.JID
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupInfo is the metadata of a group chat.
type GroupInfo struct {
	JID     types.JID
	Subject string
	Creator types.JID
	Created time.Time

	Participants []GroupParticipant
}

// ParticipantJIDs returns the bare user JIDs of every member.
func (g *GroupInfo) ParticipantJIDs() []types.JID {
	jids := make([]types.JID, len(g.Participants))
	for i, p := range g.Participants {
		jids[i] = p.JID
	}
	return jids
}

// GetGroupInfo fetches group metadata, serving repeat requests from the
// cache until a group notification invalidates it.
func (c *Client) GetGroupInfo(ctx context.Context, jid types.JID) (*GroupInfo, error) {
	c.groupCacheLock.Lock()
	cached, ok := c.groupCache[jid]
	c.groupCacheLock.Unlock()
	if ok {
		return cached, nil
	}

	info, err := c.queryGroupInfo(ctx, jid)
	if err != nil {
		return nil, err
	}
	c.groupCacheLock.Lock()
	c.groupCache[jid] = info
	c.groupCacheLock.Unlock()
	return info, nil
}

// invalidateGroupInfo drops a cached group after a membership change.
func (c *Client) invalidateGroupInfo(jid types.JID) {
	c.groupCacheLock.Lock()
	defer c.groupCacheLock.Unlock()
	delete(c.groupCache, jid)
}

func (c *Client) queryGroupInfo(ctx context.Context, jid types.JID) (*GroupInfo, error) {
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "w:g2",
		Type:      "get",
		To:        jid,
		Content:   []wabinary.Node{{Tag: "query", Attrs: map[string]string{"request": "interactive"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("client: group info query: %w", err)
	}
	group, ok := resp.GetOptionalChildByTag("group")
	if !ok {
		return nil, fmt.Errorf("client: group info reply missing group node")
	}
	return parseGroupNode(jid, &group)
}

func parseGroupNode(jid types.JID, group *wabinary.Node) (*GroupInfo, error) {
	p := group.AttrParser()
	info := &GroupInfo{
		JID:     jid,
		Subject: p.OptionalString("subject"),
		Created: p.OptionalUnixTime("creation"),
	}
	if creator := p.OptionalJID("creator"); creator != nil {
		info.Creator = *creator
	}
	for _, child := range group.GetChildrenByTag("participant") {
		cp := child.AttrParser()
		member := GroupParticipant{JID: cp.JID("jid")}
		switch cp.OptionalString("type") {
		case "admin":
			member.IsAdmin = true
		case "superadmin":
			member.IsAdmin = true
			member.IsSuperAdmin = true
		}
		if !cp.OK() {
			continue
		}
		info.Participants = append(info.Participants, member)
	}
	if err := p.Error(); err != nil {
		return nil, fmt.Errorf("client: group node: %w", err)
	}
	return info, nil
}
