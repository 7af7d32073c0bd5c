// Package assign hands the next pool task to a worker who asks for one.
//
// Selection reads Pending constant tasks for the worker's sector, shift and
// date up to the current slot, lowest priority number first. The write is a
// status-guarded transition; a lost race moves on to the next candidate.
package assign

import (
	"context"
	"fmt"
	"time"

	"shiftbot/internal/eventbus"
	"shiftbot/internal/metrics"
	"shiftbot/internal/runtime/keylock"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

// Reason explains a Result.
type Reason string

const (
	Assigned Reason = "assigned"
	// Busy means the worker already holds an in-progress or rework task.
	Busy Reason = "busy"
	// AwaitingReview means a submission of the worker is not reviewed yet.
	AwaitingReview Reason = "awaiting_review"
	NoTask         Reason = "no_task"
	// Resumed means the worker got a frozen task of their own back.
	Resumed Reason = "resumed"
)

const defaultCandidates = 5

// Request is one "give me a task" from a worker on shift.
type Request struct {
	WorkerID       int64
	Target         kit.ChatTarget
	OperatorName   string
	EmploymentType string

	Sector    string
	Shift     string
	ShiftDate string
	// Slot is the current slot; tasks of later slots are not offered.
	Slot   int
	Gender string
}

// Result is the outcome of a Request. Only Assigned and Resumed carry a
// Task.
type Result struct {
	Task   storage.Task
	Reason Reason
}

func (r Result) OK() bool { return r.Reason == Assigned || r.Reason == Resumed }

// Timers is the part of the timer registry the engine drives.
type Timers interface {
	Start(taskID int64, target kit.ChatTarget) bool
}

// Resumer restarts the worker's most recently frozen task when the worker
// holds no active one. It takes the worker lock itself.
type Resumer interface {
	ResumeLatest(ctx context.Context, workerID int64) (*storage.Task, error)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithSpecialPriority sets the priority that marks override tasks; those
// are never handed out from the pool.
func WithSpecialPriority(p int) Option { return func(e *Engine) { e.special = p } }

// WithResumer makes Request hand back a frozen task before the pool.
func WithResumer(r Resumer) Option { return func(e *Engine) { e.resume = r } }

// WithCandidates bounds how many tasks are tried after lost races.
func WithCandidates(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.candidates = n
		}
	}
}

type Engine struct {
	store   storage.Store
	timers  Timers
	resume  Resumer
	locks   *keylock.Map
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	special    int
	candidates int
}

// New builds an engine. locks serializes requests per worker and should be
// shared with the preemption controller.
func New(store storage.Store, timers Timers, locks *keylock.Map, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locks == nil {
		locks = keylock.New()
	}
	e := &Engine{
		store:      store,
		timers:     timers,
		locks:      locks,
		bus:        eventbus.Nop{},
		log:        log.With(logx.String("comp", "assign")),
		now:        time.Now,
		special:    111,
		candidates: defaultCandidates,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Request assigns the best matching pool task to the worker. A frozen
// task left behind by an override comes first. Negative outcomes are
// reported through Result.Reason, not as errors.
func (e *Engine) Request(ctx context.Context, req Request) (Result, error) {
	if e.resume != nil {
		t, err := e.resume.ResumeLatest(ctx, req.WorkerID)
		if err != nil && !storage.IsConflict(err) {
			return Result{}, fmt.Errorf("resume frozen task: %w", err)
		}
		if t != nil {
			e.metrics.Assignment(string(Resumed))
			e.log.Info("frozen task handed back", logx.Int64("task_id", t.ID), logx.Int64("worker_id", req.WorkerID))
			return Result{Task: *t, Reason: Resumed}, nil
		}
	}

	unlock := e.locks.Lock(req.WorkerID)
	defer unlock()

	if r, err := e.gate(ctx, req.WorkerID); err != nil || r != "" {
		if r != "" {
			e.reject(req, r)
		}
		return Result{Reason: r}, err
	}
	if req.Slot <= 0 {
		e.reject(req, NoTask)
		return Result{Reason: NoTask}, nil
	}

	cands, err := e.store.Tasks(ctx, storage.Filter{
		Statuses:    []storage.Status{storage.StatusPending},
		Constant:    storage.Ptr(true),
		NotPriority: storage.Ptr(e.special),
		Sector:      req.Sector,
		Shift:       req.Shift,
		ShiftDate:   req.ShiftDate,
		MaxSlot:     storage.Ptr(req.Slot),
		Genders:     Genders(req.Gender),
		Order:       storage.OrderPriority,
		Limit:       e.candidates,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list candidates: %w", err)
	}

	for _, c := range cands {
		task, err := e.claim(ctx, req, c)
		if err == nil {
			return Result{Task: task, Reason: Assigned}, nil
		}
		if !storage.IsConflict(err) {
			return Result{}, err
		}
		e.metrics.Conflict()
		e.bus.Publish(eventbus.Event{Type: eventbus.AssignConflict, TaskID: c.ID, WorkerID: req.WorkerID})
		e.log.Debug("assign lost race", logx.Int64("task_id", c.ID), logx.Int64("worker_id", req.WorkerID))

		// The worker may have been given a task by another path meanwhile.
		if r, gerr := e.gate(ctx, req.WorkerID); gerr != nil || r != "" {
			if r != "" {
				e.reject(req, r)
			}
			return Result{Reason: r}, gerr
		}
	}
	e.reject(req, NoTask)
	return Result{Reason: NoTask}, nil
}

// gate returns a rejection reason when the worker cannot take a new task.
func (e *Engine) gate(ctx context.Context, workerID int64) (Reason, error) {
	wid := storage.Ptr(workerID)
	n, err := e.store.Count(ctx, storage.Filter{WorkerID: wid, Statuses: storage.ActiveStatuses})
	if err != nil {
		return "", fmt.Errorf("count active: %w", err)
	}
	if n > 0 {
		return Busy, nil
	}
	n, err = e.store.Count(ctx, storage.Filter{WorkerID: wid, Statuses: []storage.Status{storage.StatusPendingReview}})
	if err != nil {
		return "", fmt.Errorf("count pending review: %w", err)
	}
	if n > 0 {
		return AwaitingReview, nil
	}
	return "", nil
}

func (e *Engine) claim(ctx context.Context, req Request, c storage.Task) (storage.Task, error) {
	now := e.now().Truncate(time.Second)
	err := e.store.Apply(ctx, storage.Transition{
		TaskID: c.ID,
		From:   storage.StatusPending,
		To:     storage.StatusInProgress,
		At:     now,
		Patch: storage.Patch{
			WorkerID:       storage.Ptr(req.WorkerID),
			StartedAt:      storage.Ptr(now),
			Accumulated:    storage.Ptr(int64(0)),
			OperatorName:   storage.Ptr(req.OperatorName),
			EmploymentType: storage.Ptr(req.EmploymentType),
		},
		Actor: req.WorkerID,
		Note:  "assign",
	})
	if err != nil {
		return storage.Task{}, err
	}

	c.Status = storage.StatusInProgress
	c.WorkerID = storage.Ptr(req.WorkerID)
	c.StartedAt = storage.Ptr(now)
	c.AccumulatedSeconds = 0
	c.OperatorName = req.OperatorName
	c.EmploymentType = req.EmploymentType

	if e.timers != nil {
		e.timers.Start(c.ID, req.Target)
	}
	e.metrics.Assignment(string(Assigned))
	e.metrics.Transition(string(storage.StatusInProgress))
	e.bus.Publish(eventbus.Event{Type: eventbus.TaskAssigned, Time: now, TaskID: c.ID, WorkerID: req.WorkerID})
	e.log.Info("task assigned",
		logx.Int64("task_id", c.ID),
		logx.Int64("worker_id", req.WorkerID),
		logx.String("task", c.Name),
		logx.Int("priority", c.Priority),
		logx.Int("slot", c.Slot),
	)
	return c, nil
}

func (e *Engine) reject(req Request, r Reason) {
	e.metrics.Assignment(string(r))
	e.bus.Publish(eventbus.Event{Type: eventbus.AssignRejected, WorkerID: req.WorkerID, Detail: string(r)})
	e.log.Debug("assign rejected", logx.Int64("worker_id", req.WorkerID), logx.String("reason", string(r)))
}

// Genders lists the task gender values a worker of gender g may take.
// Tasks without a requirement ("" or "U") are open to everyone.
func Genders(g string) []string {
	switch g {
	case "", "U":
		return []string{"", "U"}
	}
	return []string{"", "U", g}
}
