// receipts.go - delivery/read receipts and stanza acks.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"strconv"
	"time"

	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// sendStanzaAck acknowledges receipt/notification/call stanzas so the
// server stops redelivering them.
func (c *Client) sendStanzaAck(node *wabinary.Node) {
	attrs := map[string]string{
		"class": node.Tag,
		"id":    node.Attrs["id"],
		"to":    node.Attrs["from"],
	}
	if participant, ok := node.Attrs["participant"]; ok {
		attrs["participant"] = participant
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		attrs["recipient"] = recipient
	}
	if ackType, ok := node.Attrs["type"]; ok && node.Tag != "message" {
		attrs["type"] = ackType
	}
	if err := c.SendNode(wabinary.Node{Tag: "ack", Attrs: attrs}); err != nil {
		c.log.Warningf("failed to ack %s %s: %v", node.Tag, attrs["id"], err)
	}
}

// sendMessageReceipt confirms delivery of a decrypted inbound message.
func (c *Client) sendMessageReceipt(info *types.MessageInfo) {
	attrs := map[string]string{
		"id": info.ID,
		"to": info.Chat.String(),
	}
	if info.IsFromMe {
		attrs["type"] = "sender"
	}
	if info.IsGroup {
		attrs["participant"] = info.Sender.String()
	}
	if err := c.SendNode(wabinary.Node{Tag: "receipt", Attrs: attrs}); err != nil {
		c.log.Warningf("failed to send receipt for %s: %v", info.ID, err)
	}
}

// handleReceipt parses one receipt stanza, emits the event and services
// retry requests. Runs on the processing worker.
func (c *Client) handleReceipt(node *wabinary.Node) {
	defer c.sendStanzaAck(node)

	p := node.AttrParser()
	source, err := c.parseMessageSource(node)
	if err != nil {
		c.log.Warningf("malformed receipt: %v", err)
		return
	}
	receipt := &event.MessageReceipt{
		MessageSource: source,
		Type:          types.ReceiptType(p.OptionalString("type")),
		Timestamp:     p.OptionalUnixTime("t"),
	}
	receipt.IDs = append(receipt.IDs, p.String("id"))
	if list, ok := node.GetOptionalChildByTag("list"); ok {
		for _, item := range list.GetChildrenByTag("item") {
			if id, idOK := item.Attrs["id"]; idOK {
				receipt.IDs = append(receipt.IDs, id)
			}
		}
	}
	if err = p.Error(); err != nil {
		c.log.Warningf("malformed receipt: %v", err)
		return
	}

	if receipt.Type == types.ReceiptTypeRetry {
		c.handleRetryReceipt(receipt, node)
	}
	c.bus.Emit(receipt)
}

// handleRetryReceipt re-sends a message to the one device that failed
// to decrypt it. The rest of the fanout is left alone.
func (c *Client) handleRetryReceipt(receipt *event.MessageReceipt, node *wabinary.Node) {
	if c.cfg.GetMessage == nil {
		c.log.Warningf("ignoring retry receipt for %s: no message source configured", receipt.IDs[0])
		return
	}
	retry, ok := node.GetOptionalChildByTag("retry")
	if !ok {
		c.log.Warningf("retry receipt for %s carries no retry node", receipt.IDs[0])
		return
	}
	rp := retry.AttrParser()
	messageID := rp.OptionalString("id")
	if messageID == "" {
		messageID = receipt.IDs[0]
	}
	count := rp.OptionalInt("count")

	msg := c.cfg.GetMessage(&waproto.MessageKey{
		RemoteJID: receipt.Chat.ToNonAD().String(),
		FromMe:    true,
		ID:        messageID,
	})
	if msg == nil {
		c.log.Warningf("cannot service retry %d for %s: message not available", count, messageID)
		return
	}

	participant := receipt.Sender
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout())
		defer cancel()
		_, err := c.RelayMessage(ctx, receipt.Chat, msg, &SendMessageOpts{
			MessageID:   messageID,
			Participant: &participant,
		})
		if err != nil {
			c.log.Warningf("retry resend of %s to %s failed: %v", messageID, participant, err)
		} else {
			c.log.Debugf("resent %s to %s (retry %d)", messageID, participant, count)
		}
	}()
}

// MarkRead sends a read receipt for the given messages. The sender is
// required for group chats.
func (c *Client) MarkRead(ids []types.MessageID, timestamp time.Time, chat, sender types.JID) error {
	return c.sendReceipt(ids, timestamp, chat, sender, types.ReceiptTypeRead)
}

// SendReceipt sends an arbitrary receipt for the given messages.
func (c *Client) SendReceipt(ids []types.MessageID, chat, sender types.JID, receiptType types.ReceiptType) error {
	return c.sendReceipt(ids, c.clock.Now(), chat, sender, receiptType)
}

func (c *Client) sendReceipt(ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptType types.ReceiptType) error {
	if len(ids) == 0 {
		return nil
	}
	node := wabinary.Node{
		Tag: "receipt",
		Attrs: map[string]string{
			"id": ids[0],
			"to": chat.String(),
			"t":  strconv.FormatInt(timestamp.Unix(), 10),
		},
	}
	if receiptType != types.ReceiptTypeDelivered {
		node.Attrs["type"] = string(receiptType)
	}
	if !sender.IsEmpty() && chat.Server != types.DefaultUserServer {
		node.Attrs["participant"] = sender.ToNonAD().String()
	}
	if len(ids) > 1 {
		items := make([]wabinary.Node, len(ids)-1)
		for i, id := range ids[1:] {
			items[i] = wabinary.Node{Tag: "item", Attrs: map[string]string{"id": id}}
		}
		node.Content = []wabinary.Node{{Tag: "list", Content: items}}
	}
	return c.SendNode(node)
}
