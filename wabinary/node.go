// node.go - the tagged tree carried by every stanza.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wabinary implements the length-prefixed, token-compressed binary
// tree format used for wire stanzas.  A stanza is a Node: a tag, a flat
// attribute map and either raw bytes, a list of child nodes, or nothing.
package wabinary

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a single element of the stanza tree.  Content is nil, []byte or
// []Node; child order is significant.
type Node struct {
	Tag     string
	Attrs   map[string]string
	Content interface{}
}

// GetChildren returns the node's children, or nil when the content is not
// a node list.
func (n *Node) GetChildren() []Node {
	if n.Content == nil {
		return nil
	}
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	return children
}

// GetChildrenByTag returns all children with the given tag.
func (n *Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// GetOptionalChildByTag walks the given tag path and returns the first
// matching descendant.
func (n *Node) GetOptionalChildByTag(tags ...string) (Node, bool) {
	cur := *n
outer:
	for _, tag := range tags {
		for _, child := range cur.GetChildren() {
			if child.Tag == tag {
				cur = child
				continue outer
			}
		}
		return Node{}, false
	}
	return cur, true
}

// GetChildByTag is like GetOptionalChildByTag but returns a zero Node when
// the path does not exist.
func (n *Node) GetChildByTag(tags ...string) Node {
	node, _ := n.GetOptionalChildByTag(tags...)
	return node
}

// FirstChildTag returns the tag of the first child node, or the empty
// string when there is none.  The stanza router keys some of its patterns
// on this.
func (n *Node) FirstChildTag() string {
	children := n.GetChildren()
	if len(children) == 0 {
		return ""
	}
	return children[0].Tag
}

// ContentBytes returns the node content as a byte slice, or nil.
func (n *Node) ContentBytes() []byte {
	data, _ := n.Content.([]byte)
	return data
}

// Equal compares two nodes structurally.  Attribute order is irrelevant,
// child order is not.
func (n *Node) Equal(other *Node) bool {
	if n.Tag != other.Tag || len(n.Attrs) != len(other.Attrs) {
		return false
	}
	for k, v := range n.Attrs {
		if ov, ok := other.Attrs[k]; !ok || ov != v {
			return false
		}
	}
	switch content := n.Content.(type) {
	case nil:
		return other.Content == nil
	case []byte:
		oc, ok := other.Content.([]byte)
		return ok && string(content) == string(oc)
	case []Node:
		oc, ok := other.Content.([]Node)
		if !ok || len(content) != len(oc) {
			return false
		}
		for i := range content {
			if !content[i].Equal(&oc[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// XMLString renders the node as pseudo-XML for logging.
func (n *Node) XMLString() string {
	var b strings.Builder
	n.appendXML(&b, 0)
	return b.String()
}

func (n *Node) appendXML(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(n.Tag)
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, n.Attrs[k])
	}
	switch content := n.Content.(type) {
	case nil:
		b.WriteString("/>")
	case []byte:
		fmt.Fprintf(b, "><!-- %d bytes --></%s>", len(content), n.Tag)
	case []Node:
		b.WriteString(">\n")
		for i := range content {
			content[i].appendXML(b, depth+1)
			b.WriteByte('\n')
		}
		b.WriteString(indent)
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteByte('>')
	}
}
