package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	rtsup "shiftbot/internal/runtime/supervisor"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

const (
	shardCount = 4
	shardQueue = 64
	menuUpdate = 5 * time.Second
)

var htmlReply = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

// Supervisor returns the dispatcher's supervisor, or nil when not running.
func (m *Router) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// DispatchLoop reads updates until ctx ends or updates closes. Handlers run
// on shard workers keyed by user so one user's updates never race.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	shards := make([]chan func(), shardCount)
	for i := range shards {
		q := make(chan func(), shardQueue)
		shards[i] = q
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case fn := <-q:
					m.safely(i, fn)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := m.registry().menu
		sup.Go0("telegram.menu.update", func(c context.Context) {
			c, cancel := context.WithTimeout(c, menuUpdate)
			defer cancel()
			if err := up.UpdateMenuCommands(c, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	m.runMu.Lock()
	m.sup, m.shards = sup, shards
	m.runMu.Unlock()
	m.log.Info("command dispatcher started", logx.Int("workers", shardCount))

	defer func() {
		m.runMu.Lock()
		m.sup, m.shards = nil, nil
		m.runMu.Unlock()
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.onMessage(ctx, up)
			case kit.UpdatePhoto:
				m.onHook(ctx, up, "photo")
			case kit.UpdateCallback:
				m.onCallback(ctx, up)
			}
		}
	}
}

func (m *Router) safely(shard int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", shard), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// submit runs h for req on the shard owned by user. It reports false when
// the shard is full or the dispatcher is not running.
func (m *Router) submit(ctx context.Context, user int64, req *Request, h HandlerFunc, timeout time.Duration, after func()) bool {
	m.runMu.Lock()
	shards := m.shards
	m.runMu.Unlock()
	if len(shards) == 0 {
		return false
	}
	h = Chain(h, recoverPanics(m.log), logRequests(m.log), withTimeout(timeout))
	fn := func() {
		_ = h(ctx, req)
		if after != nil {
			after()
		}
	}
	select {
	case shards[uint64(user)%uint64(len(shards))] <- fn:
		return true
	default:
		return false
	}
}

func (m *Router) request(up kit.Update, chat kit.ChatTarget, fromID int64, fromName, command string) *Request {
	return &Request{
		Update:   up,
		Chat:     chat,
		FromID:   fromID,
		FromName: fromName,
		Command:  command,
		Adapter:  m.adapter,
		Logger: m.log.With(
			logx.String("rid", uuid.NewString()),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
	}
}

// resolve finds the command node for word and walks subcommand tokens off
// the front of args.
func (r *registry) resolve(word string, args []string) (*node, []string, []string, bool) {
	if leaf := r.alias[word]; leaf != nil && leaf.cmd != nil {
		return leaf, routeTokens(leaf.cmd.Route), args, true
	}
	cur, ok := r.root.sub(word)
	if !ok {
		return nil, nil, nil, false
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		next, ok := cur.sub(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur, path, args = next, append(path, strings.ToLower(args[0])), args[1:]
	}
	return cur, path, args, true
}

func (m *Router) onMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.onHook(ctx, up, "text")
		return
	}
	parts := splitArgs(text)
	if len(parts) == 0 {
		return
	}
	word, _, _ := strings.Cut(strings.ToLower(strings.TrimPrefix(parts[0], "/")), "@")
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	n, path, args, ok := m.registry().resolve(word, parts[1:])
	switch {
	case !ok:
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	case n.cmd == nil:
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(msg.FromID, path), htmlReply)
		return
	case !m.allowed(n.cmd.Access, msg.FromID):
		_, _ = m.adapter.SendText(ctx, chat, "Not allowed.", nil)
		return
	}

	cmd := *n.cmd
	req := m.request(up, chat, msg.FromID, msg.FromName, cmd.Route)
	req.Args, req.Flags, req.BoolFlags = parseFlags(args)
	if !m.submit(ctx, msg.FromID, req, cmd.Handle, cmd.Timeout, nil) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	}
}

func (m *Router) onHook(ctx context.Context, up kit.Update, kind string) {
	msg := up.Message
	if msg == nil {
		return
	}
	m.mu.RLock()
	h := m.onText
	if kind == "photo" {
		h = m.onPhoto
	}
	m.mu.RUnlock()
	if h == nil {
		return
	}
	req := m.request(up, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.FromID, msg.FromName, kind)
	if !m.submit(ctx, msg.FromID, req, h, 0, nil) {
		m.log.Warn("update dropped: queue full", logx.String("kind", kind), logx.Int64("from_id", msg.FromID))
	}
}

func (m *Router) onCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, rest, ok := strings.Cut(strings.TrimSpace(cb.Data), ":")
	if !ok {
		return
	}
	action, payload, _ := strings.Cut(rest, ":")

	route, ok := m.registry().callbacks[scope+":"+action]
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !m.allowed(route.Access, cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "Not allowed.")
		return
	}

	req := m.request(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, cb.FromName, "cb:"+scope+":"+action)
	req.Payload = payload
	h := func(c context.Context, r *Request) error { return route.Handle(c, r, payload) }
	// Answering clears the button spinner.
	answer := func() { _ = m.adapter.AnswerCallback(ctx, cb.ID, "") }
	if !m.submit(ctx, cb.FromID, req, h, route.Timeout, answer) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "Busy, try again.")
	}
}
