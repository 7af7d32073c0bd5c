// Package router turns chat updates into command, callback, photo and
// free-text handler calls. Updates from one user are handled in order.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	rtsup "shiftbot/internal/runtime/supervisor"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessSupervisor
	AccessOwner
)

// Roles answers access checks. *config.Config implements it.
type Roles interface {
	IsOwner(userID int64) bool
	IsSupervisor(userID int64) bool
}

type Command struct {
	// Route is a space-separated command path, e.g. "task" or "admin force".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline buttons with data "scope:action:payload".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string
	Payload  string

	Args      []string
	Flags     map[string]string
	BoolFlags map[string]bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from, as HTML by
// default.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

// registry is an immutable snapshot of the handlers, swapped whole.
type registry struct {
	root      *node
	alias     map[string]*node
	callbacks map[string]CallbackRoute // "scope:action"
	menu      []kit.BotCommand
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	roles   func() Roles

	mu      sync.RWMutex
	reg     *registry
	onText  HandlerFunc
	onPhoto HandlerFunc

	runMu  sync.Mutex
	sup    *rtsup.Supervisor
	shards []chan func()
}

func New(log logx.Logger, adapter kit.Adapter, roles func() Roles) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		roles:   roles,
		reg:     &registry{root: newNode(), alias: map[string]*node{}, callbacks: map[string]CallbackRoute{}},
	}
}

// SetHooks installs the handlers for plain text and for photos.
func (m *Router) SetHooks(text, photo HandlerFunc) {
	m.mu.Lock()
	m.onText, m.onPhoto = text, photo
	m.mu.Unlock()
}

// SetRegistry replaces all commands and callbacks. /help is always added.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(req.FromID, req.Args), nil)
			return err
		},
	})

	reg := &registry{root: newNode(), alias: map[string]*node{}, callbacks: map[string]CallbackRoute{}}
	var leaves []Command
	for _, c := range cmds {
		route := routeTokens(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := reg.root.insert(route, c)
		leaves = append(leaves, c)
		// Nested routes answer to /a_b as well. A single token is never
		// aliased to itself, which would hide its subcommands.
		if name := commandName(strings.Join(route, "_")); name != "" && (len(route) > 1 || name != route[0]) {
			if _, taken := reg.alias[name]; !taken {
				reg.alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" && !strings.Contains(a, " ") {
				reg.alias[a] = leaf
			}
		}
	}
	for _, cb := range cbs {
		scope, action := strings.TrimSpace(cb.Scope), strings.TrimSpace(cb.Action)
		if scope != "" && action != "" && cb.Handle != nil {
			reg.callbacks[scope+":"+action] = cb
		}
	}
	reg.menu = menuCommands(reg.root, leaves)

	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()
}

func (m *Router) registry() *registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg
}

func (m *Router) allowed(access Access, userID int64) bool {
	if access == AccessEveryone {
		return true
	}
	if m.roles == nil {
		return false
	}
	r := m.roles()
	switch {
	case r == nil:
		return false
	case access == AccessOwner:
		return r.IsOwner(userID)
	default:
		return r.IsSupervisor(userID)
	}
}
