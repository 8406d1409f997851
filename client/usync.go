// usync.go - companion device resolution.
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

// deviceCacheEntry is one user's resolved device list.
type deviceCacheEntry struct {
	devices []types.JID
	expires time.Time
}

// GetUserDevices resolves the full device list for the given users,
// serving from the cache where it is still fresh. The result covers
// every requested user, in no particular order.
func (c *Client) GetUserDevices(ctx context.Context, jids []types.JID) ([]types.JID, error) {
	now := c.clock.Now()
	var devices []types.JID
	var missing []types.JID
	seen := make(map[string]bool, len(jids))

	c.deviceCacheLock.Lock()
	for _, jid := range jids {
		bare := jid.ToNonAD()
		if seen[bare.User] {
			continue
		}
		seen[bare.User] = true
		if entry, ok := c.deviceCache[bare.User]; ok && now.Before(entry.expires) {
			devices = append(devices, entry.devices...)
		} else {
			missing = append(missing, bare)
		}
	}
	c.deviceCacheLock.Unlock()

	if len(missing) == 0 {
		return devices, nil
	}

	resolved, err := c.queryUserDevices(ctx, missing)
	if err != nil {
		return nil, err
	}
	expires := now.Add(c.cfg.UserDevicesTTL())
	c.deviceCacheLock.Lock()
	for user, list := range resolved {
		c.deviceCache[user] = &deviceCacheEntry{devices: list, expires: expires}
		devices = append(devices, list...)
	}
	c.deviceCacheLock.Unlock()
	return devices, nil
}

// invalidateUserDevices drops cached device lists, forcing the next
// fanout to resolve them again.
func (c *Client) invalidateUserDevices(jids []types.JID) {
	c.deviceCacheLock.Lock()
	defer c.deviceCacheLock.Unlock()
	for _, jid := range jids {
		delete(c.deviceCache, jid.User)
	}
}

// queryUserDevices asks the server for the device lists of the given
// bare users via a usync query.
func (c *Client) queryUserDevices(ctx context.Context, jids []types.JID) (map[string][]types.JID, error) {
	list, err := c.usync(ctx, jids, "query", "message", []wabinary.Node{
		{Tag: "devices", Attrs: map[string]string{"version": "2"}},
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]types.JID, len(jids))
	for _, user := range list.GetChildrenByTag("user") {
		jid, jerr := types.ParseJID(user.Attrs["jid"])
		if jerr != nil {
			c.log.Warningf("usync returned unparseable user %q", user.Attrs["jid"])
			continue
		}
		out[jid.User] = parseDeviceList(jid.User, user.GetChildByTag("devices"))
	}
	for _, jid := range jids {
		if _, ok := out[jid.User]; !ok {
			return nil, fmt.Errorf("client: usync reply missing user %s", jid)
		}
	}
	return out, nil
}

// parseDeviceList extracts the device JIDs from a usync devices node.
// Devices beyond the primary must present a key-index from the signed
// device list, otherwise they are ignored.
func parseDeviceList(user string, devicesNode wabinary.Node) []types.JID {
	deviceList := devicesNode.GetChildByTag("device-list")
	var devices []types.JID
	for _, device := range deviceList.GetChildrenByTag("device") {
		p := device.AttrParser()
		id := p.Int("id")
		if !p.OK() {
			continue
		}
		if id != 0 && p.OptionalString("key-index") == "" {
			continue
		}
		devices = append(devices, types.NewADJID(user, 0, uint16(id)))
	}
	return devices
}

// usync performs one usync IQ and returns the result list node.
func (c *Client) usync(ctx context.Context, jids []types.JID, mode, syncContext string, query []wabinary.Node) (*wabinary.Node, error) {
	userList := make([]wabinary.Node, len(jids))
	for i, jid := range jids {
		userList[i] = wabinary.Node{
			Tag:   "user",
			Attrs: map[string]string{"jid": jid.ToNonAD().String()},
		}
	}
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "usync",
		Type:      "get",
		Content: []wabinary.Node{{
			Tag: "usync",
			Attrs: map[string]string{
				"sid":     c.generateMessageTag(),
				"mode":    mode,
				"last":    "true",
				"index":   "0",
				"context": syncContext,
			},
			Content: []wabinary.Node{
				{Tag: "query", Content: query},
				{Tag: "list", Content: userList},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("client: usync query: %w", err)
	}
	list, ok := resp.GetOptionalChildByTag("usync", "list")
	if !ok {
		return nil, fmt.Errorf("client: usync reply missing result list")
	}
	return &list, nil
}
