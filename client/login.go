// login.go - post-authentication bring-up.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/signal"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

const (
	// minServerPreKeyCount is the pool level at which the server-side
	// one-time pre-key supply gets refilled.
	minServerPreKeyCount = 5

	// preKeyUploadCount is the refill batch size.
	preKeyUploadCount = 30
)

// handleLoginSuccess reacts to the server's success stanza. The actual
// bring-up does IQ round trips, so it runs off the read loop.
func (c *Client) handleLoginSuccess(node *wabinary.Node) bool {
	if push := node.AttrParser().OptionalString("pushname"); push != "" && push != c.creds.PushName {
		c.creds.PushName = push
		c.emitCredsUpdate()
	}
	c.log.Infof("authenticated as %s", c.creds.Me)
	go c.postLoginSetup()
	return true
}

// postLoginSetup tops up the server's pre-key pool, flips the session
// active, fetches the blocklist and reports the open state.
func (c *Client) postLoginSetup() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*c.cfg.QueryTimeout())
	defer cancel()

	if err := c.refillPreKeys(ctx); err != nil {
		c.log.Warningf("pre-key maintenance failed: %v", err)
	}

	if c.cfg.FireInitQueries {
		if err := c.sendPassiveIQ(ctx, false); err != nil {
			c.log.Warningf("passive toggle failed: %v", err)
		}
		if jids, err := c.fetchBlocklist(ctx); err != nil {
			c.log.Debugf("blocklist fetch failed: %v", err)
		} else {
			c.bus.Emit(&event.BlocklistUpdate{JIDs: jids})
		}
	}

	if c.cfg.MarkOnlineOnConnect {
		if err := c.SendPresence(types.PresenceAvailable); err != nil {
			c.log.Warningf("initial presence failed: %v", err)
		}
	}

	c.setState(types.StateOpen, nil)
}

// refillPreKeys uploads a fresh batch when the server's pool has run
// low.
func (c *Client) refillPreKeys(ctx context.Context) error {
	count, err := c.getServerPreKeyCount(ctx)
	if err != nil {
		return err
	}
	c.log.Debugf("server holds %d one-time pre-keys", count)
	if count > minServerPreKeyCount {
		return nil
	}
	return c.uploadPreKeys(ctx)
}

// getServerPreKeyCount asks how many one-time pre-keys the server still
// holds for this device.
func (c *Client) getServerPreKeyCount(ctx context.Context) (int, error) {
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "encrypt",
		Type:      "get",
		Content:   []wabinary.Node{{Tag: "count"}},
	})
	if err != nil {
		return 0, fmt.Errorf("client: pre-key count query: %w", err)
	}
	countNode := resp.GetChildByTag("count")
	p := countNode.AttrParser()
	count := p.Int("value")
	if err := p.Error(); err != nil {
		return 0, fmt.Errorf("client: pre-key count reply: %w", err)
	}
	return count, nil
}

// uploadPreKeys pushes a batch of one-time pre-keys plus the current
// signed pre-key and identity to the server. The unuploaded watermark
// only advances once the server acks.
func (c *Client) uploadPreKeys(ctx context.Context) error {
	var preKeys []signal.PreKey
	err := c.retryTransaction(func(tx storeTx) error {
		var err error
		preKeys, err = signal.GenerateOrGetPreKeys(tx, c.creds, preKeyUploadCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPreKeyUpload, err)
	}
	c.emitCredsUpdate()

	nodes := make([]wabinary.Node, 0, len(preKeys))
	for _, pk := range preKeys {
		nodes = append(nodes, preKeyNode(pk.ID, pk.KeyPair.Public))
	}

	regID := make([]byte, 4)
	binary.BigEndian.PutUint32(regID, c.creds.RegistrationID)

	_, err = c.sendIQ(ctx, infoQuery{
		Namespace: "encrypt",
		Type:      "set",
		Content: []wabinary.Node{
			{Tag: "registration", Content: regID},
			{Tag: "type", Content: []byte{store.KeyBundleType}},
			{Tag: "identity", Content: c.creds.SignedIdentityKey.Public},
			{Tag: "list", Content: nodes},
			signedPreKeyNode(&c.creds.SignedPreKey),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPreKeyUpload, err)
	}

	signal.MarkPreKeysUploaded(c.creds, preKeys[len(preKeys)-1].ID)
	c.emitCredsUpdate()
	c.log.Infof("uploaded %d one-time pre-keys", len(preKeys))
	return nil
}

// preKeyNode renders one one-time pre-key. Key ids travel as big-endian
// u24.
func preKeyNode(id uint32, pub []byte) wabinary.Node {
	idBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idBytes, id)
	return wabinary.Node{
		Tag: "key",
		Content: []wabinary.Node{
			{Tag: "id", Content: idBytes[1:]},
			{Tag: "value", Content: pub},
		},
	}
}

func signedPreKeyNode(spk *store.SignedPreKey) wabinary.Node {
	idBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idBytes, spk.KeyID)
	return wabinary.Node{
		Tag: "skey",
		Content: []wabinary.Node{
			{Tag: "id", Content: idBytes[1:]},
			{Tag: "value", Content: spk.KeyPair.Public},
			{Tag: "signature", Content: spk.Signature},
		},
	}
}

// sendPassiveIQ toggles whether the server treats this device as a
// passive listener. Logging in flips it active so the device receives
// the full stanza stream.
func (c *Client) sendPassiveIQ(ctx context.Context, passive bool) error {
	tag := "active"
	if passive {
		tag = "passive"
	}
	_, err := c.sendIQ(ctx, infoQuery{
		Namespace: "passive",
		Type:      "set",
		Content:   []wabinary.Node{{Tag: tag}},
	})
	return err
}

// fetchBlocklist retrieves the full block list.
func (c *Client) fetchBlocklist(ctx context.Context) ([]types.JID, error) {
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "blocklist",
		Type:      "get",
	})
	if err != nil {
		return nil, err
	}
	list := resp.GetChildByTag("list")
	var jids []types.JID
	for _, item := range list.GetChildrenByTag("item") {
		p := item.AttrParser()
		jid := p.JID("jid")
		if !p.OK() {
			continue
		}
		jids = append(jids, jid)
	}
	return jids, nil
}
