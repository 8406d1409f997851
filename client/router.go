// router.go - pattern dispatch of inbound stanzas.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/wabinary"
)

// handlerFunc consumes one inbound stanza. The return value reports
// whether the frame was handled; a frame no handler consumes is logged
// at debug.
type handlerFunc func(*wabinary.Node) bool

// matcher selects stanzas by tag, optionally constrained by one
// attribute and by the tag of the first child. An empty AttrValue with a
// non-empty AttrKey matches on attribute presence alone.
type matcher struct {
	Tag       string
	AttrKey   string
	AttrValue string
	ChildTag  string
}

func (m matcher) matches(n *wabinary.Node) bool {
	if n.Tag != m.Tag {
		return false
	}
	if m.AttrKey != "" {
		v, ok := n.Attrs[m.AttrKey]
		if !ok {
			return false
		}
		if m.AttrValue != "" && v != m.AttrValue {
			return false
		}
	}
	if m.ChildTag != "" && n.FirstChildTag() != m.ChildTag {
		return false
	}
	return true
}

// String renders the matcher in pattern-key form for logs.
func (m matcher) String() string {
	var b strings.Builder
	b.WriteString(m.Tag)
	if m.AttrKey != "" {
		b.WriteByte(',')
		b.WriteString(m.AttrKey)
		if m.AttrValue != "" {
			b.WriteByte(':')
			b.WriteString(m.AttrValue)
		}
	}
	if m.ChildTag != "" {
		if m.AttrKey == "" {
			b.WriteByte(',')
		}
		b.WriteByte(',')
		b.WriteString(m.ChildTag)
	}
	return b.String()
}

type route struct {
	m  matcher
	fn handlerFunc
}

// router dispatches stanzas through an ordered route list. Every
// matching route fires, in registration order; the router itself never
// blocks, so a handler needing a network round trip must hand off to its
// own goroutine or queue.
type router struct {
	log    *logging.Logger
	routes []route
}

func newRouter(log *logging.Logger) *router {
	return &router{log: log}
}

func (r *router) handle(m matcher, fn handlerFunc) {
	r.routes = append(r.routes, route{m: m, fn: fn})
}

// dispatch runs n through the route list and reports whether any
// handler consumed it.
func (r *router) dispatch(n *wabinary.Node) bool {
	consumed := false
	for _, rt := range r.routes {
		if rt.m.matches(n) {
			if rt.fn(n) {
				consumed = true
			}
		}
	}
	return consumed
}
