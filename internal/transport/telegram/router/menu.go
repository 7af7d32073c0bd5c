package router

import (
	"cmp"
	"slices"
	"strings"

	kit "shiftbot/internal/transport"
)

const maxCommandLen = 32

// commandName maps text to Telegram's command alphabet [a-z0-9_]{1,32}.
// Separators collapse to one underscore and a leading digit gets "cmd_".
func commandName(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
		case strings.ContainsRune("_- /", r):
			sep = true
		}
	}
	out := b.String()
	if out != "" && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// menuCommands lists what anyone may run: top-level commands, then /a_b
// shortcuts for nested routes. Restricted commands stay out of the menu.
func menuCommands(root *node, leaves []Command) []kit.BotCommand {
	type item struct {
		kit.BotCommand
		nested bool
	}
	seen := map[string]bool{}
	var items []item
	add := func(name, desc string, nested bool) {
		if name = commandName(name); name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		items = append(items, item{kit.BotCommand{Command: name, Description: desc}, nested})
	}

	for _, name := range root.names() {
		if n, _ := root.sub(name); n.access() == AccessEveryone {
			add(name, n.summary(), false)
		}
	}
	for _, c := range leaves {
		if route := routeTokens(c.Route); len(route) > 1 && c.Access == AccessEveryone {
			add(strings.Join(route, "_"), c.Description, true)
		}
	}

	slices.SortStableFunc(items, func(a, b item) int {
		if a.nested != b.nested {
			if a.nested {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.Command, b.Command)
	})
	out := make([]kit.BotCommand, len(items))
	for i, it := range items {
		out[i] = it.BotCommand
	}
	return out
}
