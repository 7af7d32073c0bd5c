// Package bot maps chat commands, buttons, photos and replies onto the task
// engine. It holds no task state of its own: every handler reads the store
// or the session manager and calls exactly one engine operation.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"shiftbot/internal/assign"
	"shiftbot/internal/preempt"
	"shiftbot/internal/review"
	"shiftbot/internal/session"
	"shiftbot/internal/storage"
	"shiftbot/internal/tick"
	kit "shiftbot/internal/transport"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
)

// Notifier queues fire-and-forget messages.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Timers restarts a task's live message when a worker asks for it.
type Timers interface {
	Start(taskID int64, target kit.ChatTarget) bool
}

type Deps struct {
	Store    storage.Store
	Sessions *session.Manager
	Assign   *assign.Engine
	Preempt  *preempt.Controller
	Review   *review.Service
	Ticker   *tick.Ticker
	Timers   Timers
	Notifier Notifier
	// Status renders the /status report.
	Status func(ctx context.Context) string
}

type Option func(*Bot)

func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		if now != nil {
			b.now = now
		}
	}
}

// WithEmploymentTypes sets the choices offered by /start.
func WithEmploymentTypes(types ...string) Option {
	return func(b *Bot) {
		if len(types) > 0 {
			b.employment = types
		}
	}
}

// reasonTTL bounds how long a supervisor's pending reject reason is kept.
const reasonTTL = 15 * time.Minute

type Bot struct {
	d          Deps
	log        logx.Logger
	now        func() time.Time
	employment []string

	mu      sync.Mutex
	drafts  map[int64]*draft
	reasons map[int64]pendingReason
}

type pendingReason struct {
	taskID int64
	at     time.Time
}

func New(d Deps, log logx.Logger, opts ...Option) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		d:          d,
		log:        log.With(logx.String("comp", "bot")),
		now:        time.Now,
		employment: []string{"staff", "outsourced"},
		drafts:     map[int64]*draft{},
		reasons:    map[int64]pendingReason{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Description: "start a shift",
			Usage:       "/start",
			Handle:      b.cmdStart,
		},
		{
			Route:       "end",
			Description: "end the shift",
			Usage:       "/end",
			Handle:      b.cmdEnd,
		},
		{
			Route:       "task",
			Aliases:     []string{"t", "next"},
			Description: "current task or a new one",
			Usage:       "/task",
			Timeout:     15 * time.Second,
			Handle:      b.cmdTask,
		},
		{
			Route:       "done",
			Description: "finish the current task",
			Usage:       "/done (send photos first)",
			Timeout:     30 * time.Second,
			Handle:      b.cmdDone,
		},
		{
			Route:       "force",
			Description: "release one-off tasks of a start time now",
			Usage:       "/force HH:MM",
			Access:      router.AccessOwner,
			Timeout:     time.Minute,
			Handle:      b.cmdForce,
		},
		{
			Route:       "special",
			Description: "hand an override task to a worker",
			Usage:       "/special <task_id> <worker_id>",
			Access:      router.AccessOwner,
			Timeout:     15 * time.Second,
			Handle:      b.cmdSpecial,
		},
		{
			Route:       "workers",
			Aliases:     []string{"see"},
			Description: "who is on shift and what they do",
			Usage:       "/workers",
			Access:      router.AccessSupervisor,
			Timeout:     15 * time.Second,
			Handle:      b.cmdWorkers,
		},
		{
			Route:       "broadcast",
			Description: "message every worker on shift",
			Usage:       "/broadcast <text>",
			Access:      router.AccessOwner,
			Timeout:     30 * time.Second,
			Handle:      b.cmdBroadcast,
		},
		{
			Route:       "close",
			Description: "auto-close overdue and stale paused tasks now",
			Usage:       "/close",
			Access:      router.AccessOwner,
			Timeout:     time.Minute,
			Handle:      b.cmdClose,
		},
		{
			Route:       "status",
			Description: "scheduler, jobs and timers",
			Usage:       "/status",
			Access:      router.AccessOwner,
			Handle:      b.cmdStatus,
		},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: startScope, Action: stepShift, Handle: b.cbShift},
		{Scope: startScope, Action: stepRole, Handle: b.cbRole},
		{Scope: startScope, Action: stepEmployment, Handle: b.cbEmployment},
		{Scope: startScope, Action: stepSector, Handle: b.cbSector},
		{Scope: review.CallbackScope, Action: review.ActionApprove, Access: router.AccessSupervisor, Timeout: 15 * time.Second, Handle: b.cbApprove},
		{Scope: review.CallbackScope, Action: review.ActionReject, Access: router.AccessSupervisor, Handle: b.cbReject},
	}
}

// OnText handles plain messages. Only a pending reject reason consumes them.
func (b *Bot) OnText(ctx context.Context, req *router.Request) error {
	if taskID, ok := b.takeReason(req.FromID); ok {
		return b.finishReject(ctx, req, taskID)
	}
	if req.Update.Message != nil && !req.Update.Message.IsGroup {
		_, err := req.Reply(ctx, "Use /task to get work or /help for the commands.", nil)
		return err
	}
	return nil
}

// OnPhoto collects evidence for the sender's active task.
func (b *Bot) OnPhoto(ctx context.Context, req *router.Request) error {
	return b.collectPhoto(ctx, req)
}

func (b *Bot) expectReason(supervisorID, taskID int64) {
	b.mu.Lock()
	b.reasons[supervisorID] = pendingReason{taskID: taskID, at: b.now()}
	b.mu.Unlock()
}

func (b *Bot) peekReason(supervisorID int64) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.reasons[supervisorID]
	if !ok {
		return 0, false
	}
	if b.now().Sub(p.at) > reasonTTL {
		delete(b.reasons, supervisorID)
		return 0, false
	}
	return p.taskID, true
}

func (b *Bot) takeReason(supervisorID int64) (int64, bool) {
	id, ok := b.peekReason(supervisorID)
	if ok {
		b.mu.Lock()
		delete(b.reasons, supervisorID)
		b.mu.Unlock()
	}
	return id, ok
}

// friendly turns engine errors into replies. Unknown errors are returned
// for the request log.
func friendly(err error) (string, bool) {
	switch {
	case errors.Is(err, session.ErrNotOnShift):
		return "You are not on shift. Press /start first.", true
	case errors.Is(err, session.ErrAlreadyOnShift):
		return "You are already on shift.", true
	case errors.Is(err, session.ErrOpenTasks):
		return "Finish or hand in your open tasks before ending the shift.", true
	case errors.Is(err, review.ErrNoActiveTask):
		return "You have no task in progress. Use /task.", true
	case errors.Is(err, review.ErrNoPhotos):
		return "Send at least one photo of the result, then press /done.", true
	case errors.Is(err, review.ErrTooManyPhotos):
		return "Too many photos for one task.", true
	case errors.Is(err, review.ErrReasonTooShort):
		return "The reason is too short. Please write a few words.", true
	case errors.Is(err, preempt.ErrNotPending):
		return "That task is not pending any more.", true
	case errors.Is(err, preempt.ErrNotSpecial):
		return "That task is not an override task.", true
	case errors.Is(err, preempt.ErrWorkerBusy):
		return "The worker is already on an override task.", true
	case storage.IsConflict(err):
		return "Someone else already handled this.", true
	case errors.Is(err, storage.ErrNotFound):
		return "Not found.", true
	}
	return "", false
}

// replyErr answers a known error and swallows it; unknown errors get a
// generic reply and are returned.
func replyErr(ctx context.Context, req *router.Request, err error) error {
	if msg, ok := friendly(err); ok {
		_, rerr := req.Reply(ctx, msg, nil)
		return rerr
	}
	_, _ = req.Reply(ctx, "Something went wrong, please try again.", nil)
	return err
}
