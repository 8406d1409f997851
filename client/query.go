// query.go - request/response correlation over the stanza stream.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
)

// infoQuery describes one iq round trip. Zero To addresses the server.
type infoQuery struct {
	Namespace string
	Type      string
	To        types.JID
	Target    types.JID
	Content   interface{}

	// Timeout overrides the configured default when non-zero.
	Timeout time.Duration
}

// generateMessageTag returns a fresh stanza id. Tags are unique per
// client instance.
func (c *Client) generateMessageTag() string {
	return c.uniqueID + strconv.FormatUint(c.idCounter.Add(1), 10)
}

// waitResponse registers a resolver for the given stanza id.
func (c *Client) waitResponse(id string) <-chan *wabinary.Node {
	ch := make(chan *wabinary.Node, 1)
	c.pendingLock.Lock()
	c.pending[id] = ch
	c.pendingLock.Unlock()
	return ch
}

// cancelResponse drops the resolver if the reply has not arrived.
func (c *Client) cancelResponse(id string) {
	c.pendingLock.Lock()
	delete(c.pending, id)
	c.pendingLock.Unlock()
}

// receiveResponse delivers node to a pending query, returning false when
// no query matches its id.
func (c *Client) receiveResponse(node *wabinary.Node) bool {
	id, ok := node.Attrs["id"]
	if !ok {
		return false
	}
	c.pendingLock.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingLock.Unlock()
	if !ok {
		return false
	}
	ch <- node
	return true
}

// cancelAllPending drains the query table. Every waiter observes a
// closed channel and fails with ErrClientClosed.
func (c *Client) cancelAllPending() {
	c.pendingLock.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wabinary.Node)
	c.pendingLock.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// sendIQ performs one info query and waits for the matching reply.
func (c *Client) sendIQ(ctx context.Context, query infoQuery) (*wabinary.Node, error) {
	id := c.generateMessageTag()
	attrs := map[string]string{
		"id":    id,
		"xmlns": query.Namespace,
		"type":  query.Type,
	}
	if query.To.IsEmpty() {
		query.To = types.NewJID("", types.DefaultUserServer)
	}
	attrs["to"] = query.To.String()
	if !query.Target.IsEmpty() {
		attrs["target"] = query.Target.String()
	}

	timeout := query.Timeout
	if timeout == 0 {
		timeout = c.cfg.QueryTimeout()
	}

	ch := c.waitResponse(id)
	if err := c.SendNode(wabinary.Node{Tag: "iq", Attrs: attrs, Content: query.Content}); err != nil {
		c.cancelResponse(id)
		return nil, err
	}

	select {
	case node, ok := <-ch:
		if !ok {
			return nil, types.ErrClientClosed
		}
		if err := parseIQError(node); err != nil {
			return nil, err
		}
		return node, nil
	case <-c.clock.After(timeout):
		c.cancelResponse(id)
		return nil, types.ErrQueryTimedOut
	case <-ctx.Done():
		c.cancelResponse(id)
		return nil, ctx.Err()
	}
}

// Query sends a caller-built stanza and waits for the reply matching its
// id attribute, generating one if absent.
func (c *Client) Query(ctx context.Context, node wabinary.Node) (*wabinary.Node, error) {
	if node.Attrs == nil {
		node.Attrs = make(map[string]string)
	}
	id, ok := node.Attrs["id"]
	if !ok {
		id = c.generateMessageTag()
		node.Attrs["id"] = id
	}
	ch := c.waitResponse(id)
	if err := c.SendNode(node); err != nil {
		c.cancelResponse(id)
		return nil, err
	}
	select {
	case reply, chOK := <-ch:
		if !chOK {
			return nil, types.ErrClientClosed
		}
		return reply, nil
	case <-c.clock.After(c.cfg.QueryTimeout()):
		c.cancelResponse(id)
		return nil, types.ErrQueryTimedOut
	case <-ctx.Done():
		c.cancelResponse(id)
		return nil, ctx.Err()
	}
}

// parseIQError maps an iq type=error reply onto an IQError.
func parseIQError(node *wabinary.Node) error {
	if node.Attrs["type"] != "error" {
		return nil
	}
	iqErr := &types.IQError{}
	if child, ok := node.GetOptionalChildByTag("error"); ok {
		p := child.AttrParser()
		iqErr.Code = p.OptionalInt("code")
		iqErr.Text = p.OptionalString("text")
	}
	return iqErr
}

// retryTransaction runs fn inside a key store transaction, retrying
// contended commits per the configured policy.
func (c *Client) retryTransaction(fn func(tx storeTx) error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.Transaction.MaxCommitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clock.After(c.cfg.TransactionRetryDelay()):
			case <-c.HaltCh():
				return types.ErrClientClosed
			}
		}
		err = c.keys.Transaction(func(tx storeTx) error { return fn(tx) })
		if err == nil || !isCommitRetryable(err) {
			return err
		}
		c.log.Warningf("key store commit failed (attempt %d): %v", attempt+1, err)
	}
	return fmt.Errorf("client: transaction retries exhausted: %w", err)
}
