package router

import (
	"maps"
	"slices"
	"strings"
)

// node is one token of a command path. A node with cmd set is runnable;
// it may also have subcommands.
type node struct {
	cmd  *Command
	subs map[string]*node
}

func newNode() *node { return &node{subs: map[string]*node{}} }

func routeTokens(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

// insert places c at path, creating intermediate nodes, and returns its node.
func (n *node) insert(path []string, c Command) *node {
	for _, tok := range path {
		next := n.subs[tok]
		if next == nil {
			next = newNode()
			n.subs[tok] = next
		}
		n = next
	}
	n.cmd = &c
	return n
}

func (n *node) sub(tok string) (*node, bool) {
	s, ok := n.subs[tok]
	return s, ok
}

func (n *node) names() []string {
	return slices.Sorted(maps.Keys(n.subs))
}

// access is the least restrictive access found at n or below it, so a
// group shows up for anyone who can run one of its members.
func (n *node) access() Access {
	acc := AccessOwner
	if n.cmd != nil {
		acc = n.cmd.Access
	}
	for _, s := range n.subs {
		acc = min(acc, s.access())
	}
	return acc
}

// summary is the one-line description used in help and the menu.
func (n *node) summary() string {
	if n.cmd != nil && n.cmd.Description != "" {
		return n.cmd.Description
	}
	return strings.Join(n.names(), ", ")
}
