// usync_test.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

func TestParseDeviceList(t *testing.T) {
	devicesNode := wabinary.Node{
		Tag: "devices",
		Content: []wabinary.Node{{
			Tag: "device-list",
			Content: []wabinary.Node{
				{Tag: "device", Attrs: map[string]string{"id": "0"}},
				// Companions without a key-index are not in the signed
				// device list and are skipped.
				{Tag: "device", Attrs: map[string]string{"id": "1"}},
				{Tag: "device", Attrs: map[string]string{"id": "3", "key-index": "2"}},
				{Tag: "device", Attrs: map[string]string{"id": "junk"}},
			},
		}},
	}

	devices := parseDeviceList("16660001111", devicesNode)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Equal(types.NewADJID("16660001111", 0, 0)))
	assert.True(t, devices[1].Equal(types.NewADJID("16660001111", 0, 3)))
}

// usyncDeviceReply renders a usync result carrying the given device ids
// per user. Ids other than 0 get a key-index so they survive parsing.
func usyncDeviceReply(req *wabinary.Node, users map[string][]int) *wabinary.Node {
	var userNodes []wabinary.Node
	for user, ids := range users {
		var deviceNodes []wabinary.Node
		for _, id := range ids {
			attrs := map[string]string{"id": strconv.Itoa(id)}
			if id != 0 {
				attrs["key-index"] = "1"
			}
			deviceNodes = append(deviceNodes, wabinary.Node{Tag: "device", Attrs: attrs})
		}
		userNodes = append(userNodes, wabinary.Node{
			Tag:   "user",
			Attrs: map[string]string{"jid": user + "@" + types.DefaultUserServer},
			Content: []wabinary.Node{{
				Tag:     "devices",
				Content: []wabinary.Node{{Tag: "device-list", Content: deviceNodes}},
			}},
		})
	}
	return iqResult(req, []wabinary.Node{{
		Tag:     "usync",
		Content: []wabinary.Node{{Tag: "list", Content: userNodes}},
	}})
}

func TestGetUserDevices(t *testing.T) {
	env := newTestClient(t, true)
	env.connect(t)

	queries := 0
	env.ft.setRespond(func(req *wabinary.Node) []*wabinary.Node {
		if req.Tag != "iq" || req.Attrs["xmlns"] != "usync" {
			return nil
		}
		queries++
		return []*wabinary.Node{usyncDeviceReply(req, map[string][]int{"16660001111": {0, 2}})}
	})

	target := types.NewJID("16660001111", types.DefaultUserServer)
	devices, err := env.c.GetUserDevices(context.Background(), []types.JID{target})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Equal(types.NewADJID("16660001111", 0, 0)))
	assert.True(t, devices[1].Equal(types.NewADJID("16660001111", 0, 2)))
	assert.Equal(t, 1, queries)

	sent := env.ft.awaitSent(t, sentIQ("usync"))
	usyncNode := sent.GetChildByTag("usync")
	assert.Equal(t, "query", usyncNode.Attrs["mode"])
	assert.Equal(t, "message", usyncNode.Attrs["context"])
	devQuery := usyncNode.GetChildByTag("query", "devices")
	assert.Equal(t, "2", devQuery.Attrs["version"])
}

func TestGetUserDevicesCaching(t *testing.T) {
	env := newTestClient(t, true)
	env.connect(t)

	queries := 0
	env.ft.setRespond(func(req *wabinary.Node) []*wabinary.Node {
		if req.Tag != "iq" || req.Attrs["xmlns"] != "usync" {
			return nil
		}
		queries++
		return []*wabinary.Node{usyncDeviceReply(req, map[string][]int{"16660001111": {0}})}
	})

	ctx := context.Background()
	// AD variants of the same user collapse to one lookup.
	targets := []types.JID{
		types.NewJID("16660001111", types.DefaultUserServer),
		types.NewADJID("16660001111", 0, 5),
	}
	_, err := env.c.GetUserDevices(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, queries)

	_, err = env.c.GetUserDevices(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, queries, "fresh cache entry must be served without a query")

	// Past the TTL the entry is stale and resolved again.
	env.clock.Advance(env.c.cfg.UserDevicesTTL() + time.Second)
	_, err = env.c.GetUserDevices(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 2, queries)

	env.c.invalidateUserDevices([]types.JID{targets[0]})
	_, err = env.c.GetUserDevices(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, 3, queries)
}

func TestGetUserDevicesMissingUser(t *testing.T) {
	env := newTestClient(t, true)
	env.connect(t)

	env.ft.setRespond(func(req *wabinary.Node) []*wabinary.Node {
		if req.Tag != "iq" || req.Attrs["xmlns"] != "usync" {
			return nil
		}
		return []*wabinary.Node{usyncDeviceReply(req, map[string][]int{"16660001111": {0}})}
	})

	_, err := env.c.GetUserDevices(context.Background(), []types.JID{
		types.NewJID("16660001111", types.DefaultUserServer),
		types.NewJID("16660002222", types.DefaultUserServer),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing user")
}
