// Package timer keeps one live countdown message per active task.
//
// A loop never writes task state. Each tick it re-reads the task from the
// store and renders what the ledger says; the in-memory registry only knows
// where to render. After a restart Recover rebuilds it from the store.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shiftbot/internal/ledger"
	"shiftbot/internal/metrics"
	rtsup "shiftbot/internal/runtime/supervisor"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

// Store is the read side the loops need.
type Store interface {
	Task(ctx context.Context, id int64) (storage.Task, error)
	Tasks(ctx context.Context, f storage.Filter) ([]storage.Task, error)
	Worker(ctx context.Context, id int64) (storage.Worker, error)
}

type Option func(*Registry)

// WithTick sets the re-render period (default 15s).
func WithTick(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.tick = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithRender(fn RenderFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.render = fn
		}
	}
}

type Registry struct {
	store   Store
	send    kit.Sender
	log     logx.Logger
	tick    time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	render  RenderFunc
	sup     *rtsup.Supervisor

	mu     sync.Mutex
	loops  map[int64]*loop
	closed bool
}

type loop struct {
	target kit.ChatTarget
	cancel context.CancelFunc
	wake   chan struct{}
	// again is set by a Start that found this loop still registered.
	again bool
}

func New(parent context.Context, store Store, send kit.Sender, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		store:  store,
		send:   send,
		log:    log.With(logx.String("comp", "timer")),
		tick:   time.Duration(ledger.DisplayTick) * time.Second,
		now:    time.Now,
		render: DefaultRender,
		loops:  map[int64]*loop{},
	}
	for _, o := range opts {
		o(r)
	}
	r.sup = rtsup.New(parent, rtsup.WithLogger(r.log), rtsup.WithPanicHook(r.metrics.Panic))
	return r
}

// Supervisor exposes the loop goroutines for /status.
func (r *Registry) Supervisor() *rtsup.Supervisor { return r.sup }

// Start arms the loop of taskID rendering to target. It returns false when
// a loop for the task already exists.
func (r *Registry) Start(taskID int64, target kit.ChatTarget) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if l, ok := r.loops[taskID]; ok {
		l.again = true
		l.target = target
		r.mu.Unlock()
		nudge(l)
		return false
	}
	ctx, cancel := context.WithCancel(r.sup.Context())
	l := &loop{target: target, cancel: cancel, wake: make(chan struct{}, 1)}
	r.loops[taskID] = l
	n := len(r.loops)
	r.mu.Unlock()

	r.metrics.SetActiveTimers(n)
	r.sup.Go0("timer.loop", func(context.Context) {
		r.run(ctx, taskID, l)
	})
	return true
}

// Refresh makes the loop of taskID re-read the task now. Callers use it
// right after a transition so the message reflects the new state.
func (r *Registry) Refresh(taskID int64) {
	r.mu.Lock()
	l := r.loops[taskID]
	r.mu.Unlock()
	if l != nil {
		nudge(l)
	}
}

// Stop cancels the loop of taskID without a final render.
func (r *Registry) Stop(taskID int64) {
	r.mu.Lock()
	l := r.loops[taskID]
	if l != nil {
		delete(r.loops, taskID)
	}
	n := len(r.loops)
	r.mu.Unlock()
	if l != nil {
		l.cancel()
		r.metrics.SetActiveTimers(n)
	}
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// Running reports whether taskID has a loop.
func (r *Registry) Running(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[taskID]
	return ok
}

// Close stops every loop and waits for them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.loops = map[int64]*loop{}
	r.mu.Unlock()
	r.metrics.SetActiveTimers(0)
	r.sup.Cancel()
	return r.sup.Wait(ctx)
}

// Recover arms a loop for every task that is accruing time, rendering to
// the chat of its worker. It returns the number of loops started.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	tasks, err := r.store.Tasks(ctx, storage.Filter{Statuses: storage.ActiveStatuses})
	if err != nil {
		return 0, err
	}
	var (
		mu      sync.Mutex
		started int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, t := range tasks {
		if t.WorkerID == nil {
			continue
		}
		g.Go(func() error {
			w, err := r.store.Worker(gctx, *t.WorkerID)
			if err != nil {
				r.log.Warn("timer recovery: worker lookup failed", logx.Int64("task_id", t.ID), logx.Int64("worker_id", *t.WorkerID), logx.Err(err))
				return nil
			}
			if r.Start(t.ID, kit.ChatTarget{ChatID: w.ChatID}) {
				mu.Lock()
				started++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return started, err
	}
	r.log.Info("timers recovered", logx.Int("started", started), logx.Int("active_tasks", len(tasks)))
	return started, nil
}

func nudge(l *loop) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// view is the last thing the loop rendered.
type view struct {
	ref  kit.MessageRef
	text string
}

func (r *Registry) run(ctx context.Context, taskID int64, l *loop) {
	log := r.log.With(logx.Int64("task_id", taskID))
	tk := time.NewTicker(r.tick)
	defer tk.Stop()

	var v view
	for {
		if r.step(ctx, log, taskID, l, &v) {
			if r.finish(taskID, l) {
				return
			}
			v = view{}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		case <-l.wake:
		}
	}
}

// finish unregisters l unless a Start asked for it to keep going.
func (r *Registry) finish(taskID int64, l *loop) bool {
	r.mu.Lock()
	if l.again {
		l.again = false
		r.mu.Unlock()
		return false
	}
	if r.loops[taskID] == l {
		delete(r.loops, taskID)
	}
	n := len(r.loops)
	r.mu.Unlock()
	l.cancel()
	r.metrics.SetActiveTimers(n)
	return true
}

// step renders once and reports whether the loop is done.
func (r *Registry) step(ctx context.Context, log logx.Logger, taskID int64, l *loop, v *view) bool {
	if ctx.Err() != nil {
		return true
	}
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true
		}
		if ctx.Err() == nil {
			log.Warn("timer read failed", logx.Err(err))
		}
		return false
	}

	r.mu.Lock()
	target := l.target
	r.mu.Unlock()

	switch {
	case task.Status == storage.StatusFrozen:
		rem := ledger.Align(ledger.Remaining(task.Ledger(), r.now()), ledger.DisplayTick)
		r.show(ctx, log, target, v, r.render(task, rem, true))
		return true
	case !task.Status.Active():
		return true
	}
	rem := ledger.Align(ledger.Remaining(task.Ledger(), r.now()), ledger.DisplayTick)
	r.show(ctx, log, target, v, r.render(task, rem, false))
	return false
}

func (r *Registry) show(ctx context.Context, log logx.Logger, target kit.ChatTarget, v *view, msg tgui.Message) {
	if v.ref.MessageID != 0 && msg.Text == v.text {
		return
	}
	if v.ref.MessageID == 0 {
		ref, err := msg.Send(ctx, r.send, target)
		if err != nil {
			log.Warn("timer send failed", logx.Err(err))
			return
		}
		v.ref = ref
	} else if err := msg.Edit(ctx, r.send, v.ref); err != nil {
		log.Warn("timer edit failed", logx.Err(err))
		return
	}
	v.text = msg.Text
}
