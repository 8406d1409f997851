// attrs.go - typed attribute access.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package wabinary

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/haven-im/wamd/types"
)

// AttrParser reads typed values out of a node's attributes while
// accumulating errors, so a handler can parse everything it needs and
// check once at the end.
type AttrParser struct {
	node *Node
	errs []error
}

func (n *Node) AttrParser() *AttrParser {
	return &AttrParser{node: n}
}

// OK reports whether all lookups so far succeeded.
func (p *AttrParser) OK() bool {
	return len(p.errs) == 0
}

// Error returns the accumulated lookup errors, or nil.
func (p *AttrParser) Error() error {
	if len(p.errs) == 0 {
		return nil
	}
	return errors.Join(p.errs...)
}

func (p *AttrParser) get(key string, required bool) (string, bool) {
	value, ok := p.node.Attrs[key]
	if !ok && required {
		p.errs = append(p.errs, fmt.Errorf("<%s> is missing attribute %q", p.node.Tag, key))
	}
	return value, ok
}

func (p *AttrParser) String(key string) string {
	value, _ := p.get(key, true)
	return value
}

func (p *AttrParser) OptionalString(key string) string {
	value, _ := p.get(key, false)
	return value
}

func (p *AttrParser) JID(key string) types.JID {
	value, ok := p.get(key, true)
	if !ok {
		return types.JID{}
	}
	jid, err := types.ParseJID(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return types.JID{}
	}
	return jid
}

func (p *AttrParser) OptionalJID(key string) *types.JID {
	value, ok := p.get(key, false)
	if !ok || value == "" {
		return nil
	}
	jid, err := types.ParseJID(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return nil
	}
	return &jid
}

func (p *AttrParser) Int(key string) int {
	value, ok := p.get(key, true)
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return 0
	}
	return i
}

func (p *AttrParser) OptionalInt(key string) int {
	value, ok := p.get(key, false)
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return 0
	}
	return i
}

func (p *AttrParser) Uint64(key string) uint64 {
	value, ok := p.get(key, true)
	if !ok {
		return 0
	}
	u, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return 0
	}
	return u
}

func (p *AttrParser) OptionalBool(key string) bool {
	value, _ := p.get(key, false)
	return value == "true" || value == "1"
}

// UnixTime parses a whole-second unix timestamp attribute.
func (p *AttrParser) UnixTime(key string) time.Time {
	value, ok := p.get(key, true)
	if !ok {
		return time.Time{}
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

func (p *AttrParser) OptionalUnixTime(key string) time.Time {
	value, ok := p.get(key, false)
	if !ok || value == "" {
		return time.Time{}
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("<%s> attribute %q: %w", p.node.Tag, key, err))
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
