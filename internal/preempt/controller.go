// Package preempt lets an override task interrupt a worker.
//
// The worker's ordinary task is frozen (elapsed time folded into the
// accumulated column, StartedAt cleared) in the same store batch that
// assigns the override task. When the override task is done, the most
// recently frozen task is resumed from its persisted fields.
package preempt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shiftbot/internal/eventbus"
	"shiftbot/internal/ledger"
	"shiftbot/internal/metrics"
	"shiftbot/internal/runtime/keylock"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

var (
	ErrNotPending = errors.New("task is not pending")
	ErrNotSpecial = errors.New("task is not an override task")
	// ErrWorkerBusy means the worker is already on an override task.
	ErrWorkerBusy = errors.New("worker is busy with an override task")
	ErrNotActive  = errors.New("task is not active for this worker")
)

// Timers is the part of the timer registry the controller drives.
type Timers interface {
	Start(taskID int64, target kit.ChatTarget) bool
	Refresh(taskID int64)
}

// Notifier delivers worker alerts. Failures never undo a transition.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(c *Controller) {
		if b != nil {
			c.bus = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithSpecialPriority(p int) Option { return func(c *Controller) { c.special = p } }

type Controller struct {
	store   storage.Store
	timers  Timers
	notify  Notifier
	locks   *keylock.Map
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
	special int
}

func New(store storage.Store, timers Timers, notify Notifier, locks *keylock.Map, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locks == nil {
		locks = keylock.New()
	}
	c := &Controller{
		store:   store,
		timers:  timers,
		notify:  notify,
		locks:   locks,
		bus:     eventbus.Nop{},
		log:     log.With(logx.String("comp", "preempt")),
		now:     time.Now,
		special: 111,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SpecialPriority is the priority that marks override tasks.
func (c *Controller) SpecialPriority() int { return c.special }

// Preemption is the outcome of AssignSpecial.
type Preemption struct {
	Task storage.Task
	// Frozen is the task that was interrupted, if any.
	Frozen *storage.Task
}

// AssignSpecial gives the override task taskID to workerID. An ordinary
// task the worker is running is frozen in the same transaction; if either
// write conflicts, neither is applied.
func (c *Controller) AssignSpecial(ctx context.Context, workerID, taskID int64, operatorName string) (Preemption, error) {
	unlock := c.locks.Lock(workerID)
	defer unlock()

	task, err := c.store.Task(ctx, taskID)
	if err != nil {
		return Preemption{}, err
	}
	if task.Status != storage.StatusPending {
		return Preemption{}, fmt.Errorf("%w: task %d is %s", ErrNotPending, taskID, task.Status)
	}
	if !task.IsSpecial(c.special) {
		return Preemption{}, fmt.Errorf("%w: task %d", ErrNotSpecial, taskID)
	}

	active, err := c.store.Tasks(ctx, storage.Filter{WorkerID: storage.Ptr(workerID), Statuses: storage.ActiveStatuses})
	if err != nil {
		return Preemption{}, fmt.Errorf("load active task: %w", err)
	}

	now := c.now().Truncate(time.Second)
	var (
		trs    []storage.Transition
		frozen *storage.Task
	)
	if len(active) > 0 {
		a := active[0]
		if a.IsSpecial(c.special) {
			return Preemption{}, fmt.Errorf("%w: worker %d holds task %d", ErrWorkerBusy, workerID, a.ID)
		}
		snap := ledger.Freeze(a.Ledger(), now)
		trs = append(trs, storage.Transition{
			TaskID:          a.ID,
			From:            a.Status,
			To:              storage.StatusFrozen,
			At:              now,
			ExpectStartedAt: a.StartedAt,
			Patch:           storage.Patch{Accumulated: storage.Ptr(snap.Accumulated), ClearStartedAt: true},
			Actor:           workerID,
			Note:            "preempted by task " + strconv.FormatInt(taskID, 10),
		})
		a.Status = storage.StatusFrozen
		a.AccumulatedSeconds = snap.Accumulated
		a.StartedAt = nil
		frozen = &a
	}
	trs = append(trs, storage.Transition{
		TaskID: taskID,
		From:   storage.StatusPending,
		To:     storage.StatusInProgress,
		At:     now,
		Patch: storage.Patch{
			WorkerID:     storage.Ptr(workerID),
			StartedAt:    storage.Ptr(now),
			Accumulated:  storage.Ptr(int64(0)),
			OperatorName: storage.Ptr(operatorName),
		},
		Actor: workerID,
		Note:  "override assign",
	})
	if err := c.store.Apply(ctx, trs...); err != nil {
		if storage.IsConflict(err) {
			c.metrics.Conflict()
			c.bus.Publish(eventbus.Event{Type: eventbus.AssignConflict, TaskID: taskID, WorkerID: workerID})
		}
		return Preemption{}, err
	}

	task.Status = storage.StatusInProgress
	task.WorkerID = storage.Ptr(workerID)
	task.StartedAt = storage.Ptr(now)
	task.AccumulatedSeconds = 0
	task.OperatorName = operatorName

	target := c.target(ctx, workerID)
	if frozen != nil {
		c.timers.Refresh(frozen.ID)
		c.metrics.Transition(string(storage.StatusFrozen))
		c.bus.Publish(eventbus.Event{Type: eventbus.TaskFrozen, Time: now, TaskID: frozen.ID, WorkerID: workerID, Detail: strconv.FormatInt(taskID, 10)})
		c.send(ctx, target, "freeze:"+strconv.FormatInt(frozen.ID, 10)+":"+strconv.FormatInt(now.Unix(), 10), frozenCard(*frozen, task))
		c.log.Info("task frozen",
			logx.Int64("task_id", frozen.ID),
			logx.Int64("worker_id", workerID),
			logx.Int64("accumulated", frozen.AccumulatedSeconds),
			logx.Int64("by_task_id", taskID),
		)
	}
	c.timers.Start(task.ID, target)
	c.metrics.Transition(string(storage.StatusInProgress))
	c.metrics.Assignment("special")
	c.bus.Publish(eventbus.Event{Type: eventbus.TaskAssigned, Time: now, TaskID: task.ID, WorkerID: workerID, Detail: "special"})
	c.log.Info("override task assigned", logx.Int64("task_id", task.ID), logx.Int64("worker_id", workerID), logx.String("task", task.Name))
	return Preemption{Task: task, Frozen: frozen}, nil
}

// CompleteSpecial verifies the worker's override task and resumes the most
// recently frozen task, if there is one. Both moves commit in one batch.
func (c *Controller) CompleteSpecial(ctx context.Context, workerID, taskID int64) (*storage.Task, error) {
	unlock := c.locks.Lock(workerID)
	defer unlock()

	task, err := c.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkerID == nil || *task.WorkerID != workerID || !task.Status.Active() {
		return nil, fmt.Errorf("%w: task %d", ErrNotActive, taskID)
	}
	if !task.IsSpecial(c.special) {
		return nil, fmt.Errorf("%w: task %d", ErrNotSpecial, taskID)
	}

	now := c.now().Truncate(time.Second)
	next, err := c.nextFrozen(ctx, workerID, taskID)
	if err != nil {
		return nil, err
	}
	snap := ledger.Freeze(task.Ledger(), now)
	trs := []storage.Transition{{
		TaskID:          taskID,
		From:            task.Status,
		To:              storage.StatusVerified,
		At:              now,
		ExpectStartedAt: task.StartedAt,
		Patch: storage.Patch{
			Accumulated:    storage.Ptr(snap.Accumulated),
			ClearStartedAt: true,
			CompletedAt:    storage.Ptr(now),
		},
		Actor: workerID,
		Note:  "override complete",
	}}
	if next != nil {
		trs = append(trs, resumeTransition(*next, workerID, now))
	}
	if err := c.store.Apply(ctx, trs...); err != nil {
		if storage.IsConflict(err) {
			c.metrics.Conflict()
		}
		return nil, err
	}
	c.timers.Refresh(taskID)
	c.metrics.Transition(string(storage.StatusVerified))
	c.bus.Publish(eventbus.Event{Type: eventbus.TaskVerified, Time: now, TaskID: taskID, WorkerID: workerID, Detail: "special"})
	c.log.Info("override task completed", logx.Int64("task_id", taskID), logx.Int64("worker_id", workerID), logx.Int64("elapsed", snap.Accumulated))

	if next == nil {
		return nil, nil
	}
	return c.resumed(ctx, *next, workerID, now), nil
}

// ResumeLatest restarts the most recently frozen task of the worker. It
// returns nil when there is nothing to resume or the worker is busy.
func (c *Controller) ResumeLatest(ctx context.Context, workerID int64) (*storage.Task, error) {
	unlock := c.locks.Lock(workerID)
	defer unlock()

	f, err := c.nextFrozen(ctx, workerID, 0)
	if err != nil || f == nil {
		return nil, err
	}
	now := c.now().Truncate(time.Second)
	if err := c.store.Apply(ctx, resumeTransition(*f, workerID, now)); err != nil {
		if storage.IsConflict(err) {
			c.metrics.Conflict()
		}
		return nil, err
	}
	return c.resumed(ctx, *f, workerID, now), nil
}

// nextFrozen returns the frozen task to restart once the worker holds no
// active task other than skip.
func (c *Controller) nextFrozen(ctx context.Context, workerID, skip int64) (*storage.Task, error) {
	wid := storage.Ptr(workerID)
	active, err := c.store.Tasks(ctx, storage.Filter{WorkerID: wid, Statuses: storage.ActiveStatuses})
	if err != nil {
		return nil, fmt.Errorf("load active: %w", err)
	}
	for _, a := range active {
		if a.ID != skip {
			return nil, nil
		}
	}
	frozen, err := c.store.Tasks(ctx, storage.Filter{
		WorkerID: wid,
		Statuses: []storage.Status{storage.StatusFrozen},
		Order:    storage.OrderRecent,
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("load frozen task: %w", err)
	}
	if len(frozen) == 0 {
		return nil, nil
	}
	return &frozen[0], nil
}

func resumeTransition(f storage.Task, workerID int64, now time.Time) storage.Transition {
	return storage.Transition{
		TaskID: f.ID,
		From:   storage.StatusFrozen,
		To:     storage.StatusInProgress,
		At:     now,
		Patch:  storage.Patch{StartedAt: storage.Ptr(now)},
		Actor:  workerID,
		Note:   "resume",
	}
}

// resumed runs the side effects of an applied resume transition.
func (c *Controller) resumed(ctx context.Context, f storage.Task, workerID int64, now time.Time) *storage.Task {
	f.Status = storage.StatusInProgress
	f.StartedAt = storage.Ptr(now)

	target := c.target(ctx, workerID)
	c.send(ctx, target, "resume:"+strconv.FormatInt(f.ID, 10)+":"+strconv.FormatInt(now.Unix(), 10), resumedCard(f, ledger.Remaining(f.Ledger(), now)))
	c.timers.Start(f.ID, target)
	c.metrics.Transition(string(storage.StatusInProgress))
	c.bus.Publish(eventbus.Event{Type: eventbus.TaskResumed, Time: now, TaskID: f.ID, WorkerID: workerID})
	c.log.Info("task resumed", logx.Int64("task_id", f.ID), logx.Int64("worker_id", workerID), logx.Int64("accumulated", f.AccumulatedSeconds))
	return &f
}

// target is the private chat of the worker. Telegram private chat ids equal
// user ids, which covers workers missing from the registry.
func (c *Controller) target(ctx context.Context, workerID int64) kit.ChatTarget {
	w, err := c.store.Worker(ctx, workerID)
	if err != nil || w.ChatID == 0 {
		return kit.ChatTarget{ChatID: workerID}
	}
	return kit.ChatTarget{ChatID: w.ChatID}
}

func (c *Controller) send(ctx context.Context, to kit.ChatTarget, key string, msg tgui.Message) {
	if c.notify == nil {
		return
	}
	err := c.notify.Notify(ctx, kit.Notification{Key: key, Target: to, Text: msg.Text, Options: msg.Opt})
	if err != nil {
		c.log.Warn("worker notification failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func frozenCard(frozen, by storage.Task) tgui.Message {
	return tgui.New().
		Title("⏸", "Task paused").
		KV("Paused", frozen.Name).
		KV("Time left", ledger.FormatHMS(ledger.Remaining(frozen.Ledger(), time.Time{}))).
		Blank().
		KV("Urgent task", by.Name).
		KV("Comment", by.Comment).
		Build()
}

func resumedCard(t storage.Task, remaining int64) tgui.Message {
	return tgui.New().
		Title("▶️", "Task resumed").
		KV("Task", t.Name).
		KV("Time left", ledger.FormatHMS(remaining)).
		Build()
}
