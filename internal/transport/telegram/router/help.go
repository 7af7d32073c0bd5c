package router

import (
	"fmt"
	"html"
	"strings"
)

// helpText renders HTML help limited to what userID may run. An empty path
// lists top-level commands.
func (m *Router) helpText(userID int64, path []string) string {
	reg := m.registry()
	var b strings.Builder
	if len(path) == 0 {
		b.WriteString("<b>Commands</b>\n")
		m.listSubs(&b, reg.root, userID, "/")
		b.WriteString("\nType <code>/help command</code> for details.")
		return b.String()
	}

	cur, full := reg.root, []string{}
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		if n, ok := cur.sub(p); ok {
			cur, full = n, append(full, p)
			continue
		}
		leaf := reg.alias[p]
		if leaf == nil || leaf.cmd == nil {
			return "Unknown command. Type <code>/help</code> for the list."
		}
		cur, full = leaf, routeTokens(leaf.cmd.Route)
		break
	}

	fmt.Fprintf(&b, "<b>/%s</b>\n", html.EscapeString(strings.Join(full, " ")))
	if c := cur.cmd; c != nil {
		if c.Description != "" {
			b.WriteString(html.EscapeString(c.Description) + "\n")
		}
		if c.Usage != "" {
			fmt.Fprintf(&b, "Usage: <code>%s</code>\n", html.EscapeString(c.Usage))
		}
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, "Aliases: %s\n", html.EscapeString(strings.Join(c.Aliases, ", ")))
		}
	}
	m.listSubs(&b, cur, userID, "  ")
	return strings.TrimRight(b.String(), "\n")
}

func (m *Router) listSubs(b *strings.Builder, n *node, userID int64, prefix string) {
	for _, name := range n.names() {
		sub, _ := n.sub(name)
		if !m.allowed(sub.access(), userID) {
			continue
		}
		line := prefix + html.EscapeString(name)
		if s := sub.summary(); s != "" {
			line += " - " + html.EscapeString(s)
		}
		b.WriteString(line + "\n")
	}
}
