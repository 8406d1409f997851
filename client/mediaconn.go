// mediaconn.go - media server auth tickets.
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

// MediaConnHost is one media CDN endpoint.
type MediaConnHost struct {
	Hostname string
}

// MediaConn is an auth ticket for the media CDNs. Blob transfer itself
// is the consumer's concern; the client only brokers the ticket.
type MediaConn struct {
	Auth       string
	AuthTTL    int
	TTL        int
	MaxBuckets int
	Hosts      []MediaConnHost

	fetchedAt time.Time
}

// Expiry returns when the ticket stops being valid.
func (mc *MediaConn) Expiry() time.Time {
	return mc.fetchedAt.Add(time.Duration(mc.TTL) * time.Second)
}

// RefreshMediaConn returns a valid media ticket, reusing the cached one
// until its TTL runs out or force is set.
func (c *Client) RefreshMediaConn(ctx context.Context, force bool) (*MediaConn, error) {
	c.mediaConnLock.Lock()
	defer c.mediaConnLock.Unlock()
	if !force && c.mediaConn != nil && c.clock.Now().Before(c.mediaConn.Expiry()) {
		return c.mediaConn, nil
	}
	mc, err := c.queryMediaConn(ctx)
	if err != nil {
		return nil, err
	}
	c.mediaConn = mc
	return mc, nil
}

func (c *Client) queryMediaConn(ctx context.Context) (*MediaConn, error) {
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "w:m",
		Type:      "set",
		Content:   []wabinary.Node{{Tag: "media_conn"}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMediaConn, err)
	}
	node := resp.GetChildByTag("media_conn")
	p := node.AttrParser()
	mc := &MediaConn{
		Auth:       p.String("auth"),
		AuthTTL:    p.OptionalInt("auth_ttl"),
		TTL:        p.OptionalInt("ttl"),
		MaxBuckets: p.OptionalInt("max_buckets"),
		fetchedAt:  c.clock.Now(),
	}
	for _, host := range node.GetChildrenByTag("host") {
		mc.Hosts = append(mc.Hosts, MediaConnHost{Hostname: host.AttrParser().String("hostname")})
	}
	if err := p.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMediaConn, err)
	}
	return mc, nil
}
