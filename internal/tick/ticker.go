// Package tick is the periodic pass of the engine: it releases one-off
// tasks whose start time has come and closes tasks that ran past the
// ceiling. Runs never overlap; a run that finds the previous one still
// going is dropped.
package tick

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"shiftbot/internal/assign"
	"shiftbot/internal/eventbus"
	"shiftbot/internal/ledger"
	"shiftbot/internal/metrics"
	"shiftbot/internal/preempt"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	logx "shiftbot/pkg/logx"
)

type Config struct {
	// Window is how far around now a start time counts as due.
	Window time.Duration
	// Ceiling is the longest a task may stay active before auto-close.
	Ceiling time.Duration
	// NoWorkerBackoff pauses a due group that found nobody to take it.
	NoWorkerBackoff time.Duration
}

func withDefaults(cfg Config) Config {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 4 * time.Hour
	}
	if cfg.NoWorkerBackoff <= 0 {
		cfg.NoWorkerBackoff = 3 * time.Minute
	}
	return cfg
}

// Assigner hands override tasks to workers, freezing what they run, and
// restarts a frozen task once the worker is free again.
type Assigner interface {
	AssignSpecial(ctx context.Context, workerID, taskID int64, operatorName string) (preempt.Preemption, error)
	ResumeLatest(ctx context.Context, workerID int64) (*storage.Task, error)
}

// Refresher lets timer loops notice a status change at once.
type Refresher interface {
	Refresh(taskID int64)
}

type Option func(*Ticker)

func WithClock(now func() time.Time) Option {
	return func(t *Ticker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(t *Ticker) {
		if b != nil {
			t.bus = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(t *Ticker) { t.metrics = m } }

type Ticker struct {
	store   storage.Store
	cal     *shift.Calendar
	assign  Assigner
	timers  Refresher
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	run sync.Mutex

	cmu sync.RWMutex
	cfg Config

	bmu     sync.Mutex
	backoff map[string]time.Time
}

func New(cfg Config, store storage.Store, cal *shift.Calendar, a Assigner, timers Refresher, log logx.Logger, opts ...Option) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Ticker{
		store:   store,
		cal:     cal,
		assign:  a,
		timers:  timers,
		bus:     eventbus.Nop{},
		log:     log.With(logx.String("comp", "tick")),
		now:     time.Now,
		cfg:     withDefaults(cfg),
		backoff: map[string]time.Time{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply swaps timings on config reload.
func (t *Ticker) Apply(cfg Config, cal *shift.Calendar) {
	t.cmu.Lock()
	t.cfg = withDefaults(cfg)
	if cal != nil {
		t.cal = cal
	}
	t.cmu.Unlock()
}

func (t *Ticker) settings() (Config, *shift.Calendar) {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	return t.cfg, t.cal
}

// Report summarizes one run.
type Report struct {
	// Skipped is set when a previous run still held the lock.
	Skipped    bool
	Due        int
	Assigned   int
	Deferred   int
	AutoClosed int
}

// Run does one full pass. Store errors are returned so the job engine can
// retry; partial work stays applied.
func (t *Ticker) Run(ctx context.Context) (Report, error) {
	if !t.run.TryLock() {
		t.log.Debug("tick skipped: previous run still active")
		return Report{Skipped: true}, nil
	}
	defer t.run.Unlock()

	began := time.Now()
	now := t.now()
	cfg, cal := t.settings()
	id := cal.At(now)

	rep, derr := t.dispatch(ctx, cfg, id, storage.Filter{
		StartFrom: storage.Ptr(now.Add(-cfg.Window)),
		StartTo:   storage.Ptr(now.Add(cfg.Window)),
	}, now, false)
	closed, cerr := t.autoClose(ctx, cfg, now)
	rep.AutoClosed = closed

	t.metrics.ObserveTick(time.Since(began))
	if rep.Due > 0 || rep.AutoClosed > 0 {
		t.log.Info("tick done",
			logx.String("shift", string(id.Shift)),
			logx.String("date", id.DateKey()),
			logx.Int("due", rep.Due),
			logx.Int("assigned", rep.Assigned),
			logx.Int("deferred", rep.Deferred),
			logx.Int("auto_closed", rep.AutoClosed),
		)
	}
	return rep, errors.Join(derr, cerr)
}

// ForceStart releases the one-off tasks of the current shift that start at
// hhmm (local "HH:MM"), ignoring the window and any backoff.
func (t *Ticker) ForceStart(ctx context.Context, hhmm string) (Report, error) {
	t.run.Lock()
	defer t.run.Unlock()

	now := t.now()
	cfg, cal := t.settings()
	at, err := clockOn(now, cal, hhmm)
	if err != nil {
		return Report{}, err
	}
	id := cal.At(now)
	t.log.Info("forced dispatch", logx.String("start", hhmm))
	return t.dispatch(ctx, cfg, id, storage.Filter{StartTime: &at}, now, true)
}

// CloseOverdue runs the auto-close pass on its own and reports how many
// tasks it closed.
func (t *Ticker) CloseOverdue(ctx context.Context) (int, error) {
	t.run.Lock()
	defer t.run.Unlock()

	cfg, _ := t.settings()
	n, err := t.autoClose(ctx, cfg, t.now())
	t.log.Info("forced auto-close", logx.Int("closed", n))
	return n, err
}

type group struct {
	key   string
	name  string
	start time.Time
	tasks []storage.Task
}

type candidate struct {
	id     int64
	name   string
	gender string
}

func (t *Ticker) dispatch(ctx context.Context, cfg Config, id shift.Identity, f storage.Filter, now time.Time, force bool) (Report, error) {
	var rep Report
	f.Statuses = []storage.Status{storage.StatusPending}
	f.Constant = storage.Ptr(false)
	f.Shift = string(id.Shift)
	f.ShiftDate = id.DateKey()
	f.Order = storage.OrderID

	tasks, err := t.store.Tasks(ctx, f)
	if err != nil {
		return rep, fmt.Errorf("load due tasks: %w", err)
	}
	groups := groupTasks(tasks)
	if len(groups) == 0 {
		return rep, nil
	}

	workers, err := t.eligible(ctx, id.Shift)
	if err != nil {
		return rep, err
	}
	picked := make(map[int64]bool, len(workers))

	for _, g := range groups {
		rep.Due += len(g.tasks)
		if !force && t.held(g.key, now) {
			rep.Deferred += len(g.tasks)
			continue
		}
		assigned := 0
		for _, task := range g.tasks {
			ok, err := t.place(ctx, task, workers, picked)
			if err != nil {
				return rep, err
			}
			if !ok {
				break
			}
			assigned++
		}
		rep.Assigned += assigned
		if assigned == 0 {
			t.hold(g.key, now.Add(cfg.NoWorkerBackoff))
			t.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Time: now, TaskID: g.tasks[0].ID, Detail: "no_worker"})
			t.log.Warn("no free worker for due task",
				logx.String("task", g.name),
				logx.Time("start", g.start),
				logx.Int("count", len(g.tasks)),
				logx.Duration("retry_in", cfg.NoWorkerBackoff),
			)
		}
	}
	return rep, nil
}

// place gives task to the first free matching worker. It reports false when
// nobody could take it.
func (t *Ticker) place(ctx context.Context, task storage.Task, workers []candidate, picked map[int64]bool) (bool, error) {
	allowed := func(g string) bool { return slices.Contains(assign.Genders(g), task.Gender) }
	for _, w := range workers {
		if picked[w.id] || !allowed(w.gender) {
			continue
		}
		_, err := t.assign.AssignSpecial(ctx, w.id, task.ID, w.name)
		switch {
		case err == nil:
			picked[w.id] = true
			return true, nil
		case errors.Is(err, preempt.ErrWorkerBusy):
			picked[w.id] = true
			continue
		case errors.Is(err, preempt.ErrNotPending):
			// Taken by a forced run or an admin meanwhile.
			return true, nil
		case storage.IsConflict(err):
			// The worker's own task moved under us; try the next worker.
			t.log.Debug("dispatch conflict", logx.Int64("task_id", task.ID), logx.Int64("worker_id", w.id), logx.Err(err))
			continue
		default:
			return false, err
		}
	}
	return false, nil
}

// eligible lists workers on the shift in the order they started it.
func (t *Ticker) eligible(ctx context.Context, n shift.Name) ([]candidate, error) {
	sessions, err := t.store.Sessions(ctx, storage.SessionFilter{OpenOnly: true, Role: storage.RoleWorker, Shift: string(n)})
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]candidate, 0, len(sessions))
	for _, s := range sessions {
		c := candidate{id: s.WorkerID}
		w, err := t.store.Worker(ctx, s.WorkerID)
		switch {
		case err == nil:
			c.name, c.gender = w.Name, w.Gender
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("load worker %d: %w", s.WorkerID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// autoClose ends tasks past the ceiling: active tasks by their start,
// frozen ones by the time they were frozen. Workers freed from an active
// task get their frozen task back.
func (t *Ticker) autoClose(ctx context.Context, cfg Config, now time.Time) (int, error) {
	cut := now.Add(-cfg.Ceiling)
	stale, err := t.store.Tasks(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusFrozen}, UpdatedBefore: &cut, Order: storage.OrderID})
	if err != nil {
		return 0, fmt.Errorf("load stale frozen tasks: %w", err)
	}
	overdue, err := t.store.Tasks(ctx, storage.Filter{Statuses: storage.ActiveStatuses, StartedBefore: &cut, Order: storage.OrderID})
	if err != nil {
		return 0, fmt.Errorf("load overdue tasks: %w", err)
	}

	at := now.Truncate(time.Second)
	closed := 0
	var (
		errs  []error
		freed []int64
	)
	for _, task := range append(stale, overdue...) {
		ok, err := t.close(ctx, cfg, task, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		closed++
		if task.Status.Active() && task.WorkerID != nil && !slices.Contains(freed, *task.WorkerID) {
			freed = append(freed, *task.WorkerID)
		}
	}
	for _, w := range freed {
		if _, err := t.assign.ResumeLatest(ctx, w); err != nil && !storage.IsConflict(err) {
			errs = append(errs, fmt.Errorf("resume worker %d: %w", w, err))
		}
	}
	return closed, errors.Join(errs...)
}

// close moves one task to AutoClosed. A lost race reports false.
func (t *Ticker) close(ctx context.Context, cfg Config, task storage.Task, at time.Time) (bool, error) {
	snap := ledger.Freeze(task.Ledger(), at)
	err := t.store.Apply(ctx, storage.Transition{
		TaskID:          task.ID,
		From:            task.Status,
		To:              storage.StatusAutoClosed,
		At:              at,
		ExpectStartedAt: task.StartedAt,
		Patch: storage.Patch{
			Accumulated:    storage.Ptr(snap.Accumulated),
			ClearStartedAt: true,
			CompletedAt:    storage.Ptr(at),
		},
		Note: "auto-close after " + cfg.Ceiling.String(),
	})
	if storage.IsConflict(err) {
		t.metrics.Conflict()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.timers != nil {
		t.timers.Refresh(task.ID)
	}
	var worker int64
	if task.WorkerID != nil {
		worker = *task.WorkerID
	}
	t.metrics.Transition(string(storage.StatusAutoClosed))
	t.bus.Publish(eventbus.Event{Type: eventbus.TaskAutoClosed, Time: at, TaskID: task.ID, WorkerID: worker, Detail: string(task.Status)})
	t.log.Warn("task auto-closed",
		logx.Int64("task_id", task.ID),
		logx.Int64("worker_id", worker),
		logx.String("from", string(task.Status)),
		logx.Int64("elapsed", snap.Accumulated),
	)
	return true, nil
}

func (t *Ticker) held(key string, now time.Time) bool {
	t.bmu.Lock()
	defer t.bmu.Unlock()
	until, ok := t.backoff[key]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(t.backoff, key)
	return false
}

func (t *Ticker) hold(key string, until time.Time) {
	t.bmu.Lock()
	t.backoff[key] = until
	t.bmu.Unlock()
}

// groupTasks keeps the store order; tasks sharing name and start time are
// copies of one job and form one group.
func groupTasks(tasks []storage.Task) []*group {
	var (
		out   []*group
		index = map[string]*group{}
	)
	for _, task := range tasks {
		var start time.Time
		if task.StartTime != nil {
			start = *task.StartTime
		}
		key := task.Name + "|" + strconv.FormatInt(start.Unix(), 10)
		g := index[key]
		if g == nil {
			g = &group{key: key, name: task.Name, start: start}
			index[key] = g
			out = append(out, g)
		}
		g.tasks = append(g.tasks, task)
	}
	return out
}

// clockOn resolves "HH:MM" to an instant of the shift running at now.
// Night shift times before the day start belong to the next morning.
func clockOn(now time.Time, cal *shift.Calendar, hhmm string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM", hhmm)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM", hhmm)
	}
	loc := cal.Location()
	lt := now.In(loc)
	at := time.Date(lt.Year(), lt.Month(), lt.Day(), h, m, 0, 0, loc)
	if cal.ShiftAt(now) == shift.Night {
		switch {
		case lt.Hour() >= 12 && h < 12:
			at = at.AddDate(0, 0, 1)
		case lt.Hour() < 12 && h >= 12:
			at = at.AddDate(0, 0, -1)
		}
	}
	return at, nil
}
