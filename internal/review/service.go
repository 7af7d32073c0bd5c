// Package review moves finished work through supervisor approval.
//
// A worker completes an ordinary task with photo evidence; the task waits
// in PendingReview until a supervisor approves it (Verified) or returns it
// with a reason (OnRework, timer re-armed). Override tasks skip review.
package review

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
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
	ErrNoActiveTask   = errors.New("no active task")
	ErrNoPhotos       = errors.New("at least one photo is required")
	ErrTooManyPhotos  = errors.New("too many photos")
	ErrReasonTooShort = errors.New("reason is too short")
)

// MinReasonLen is the shortest accepted rework reason, in runes.
const MinReasonLen = 3

// Callback scope and actions of the review keyboard.
const (
	CallbackScope = "review"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

type Config struct {
	// SupervisorChat receives submissions when no sector topic matches.
	SupervisorChat int64
	SectorTopics   map[string]int
	MaxPhotos      int
}

type Timers interface {
	Start(taskID int64, target kit.ChatTarget) bool
	Refresh(taskID int64)
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Specials completes override tasks, which bypass review.
type Specials interface {
	SpecialPriority() int
	CompleteSpecial(ctx context.Context, workerID, taskID int64) (*storage.Task, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLocks shares the per-worker locks of the assignment engine and the
// preemption controller.
func WithLocks(l *keylock.Map) Option {
	return func(s *Service) {
		if l != nil {
			s.locks = l
		}
	}
}

type Service struct {
	store    storage.Store
	timers   Timers
	notify   Notifier
	specials Specials
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	locks    *keylock.Map
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store storage.Store, timers Timers, notify Notifier, specials Specials, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    store,
		timers:   timers,
		notify:   notify,
		specials: specials,
		bus:      eventbus.Nop{},
		locks:    keylock.New(),
		log:      log.With(logx.String("comp", "review")),
		now:      time.Now,
		cfg:      withDefaults(cfg),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.MaxPhotos <= 0 {
		cfg.MaxPhotos = 3
	}
	return cfg
}

// Apply swaps routing settings on config reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// MaxPhotos is the photo limit of one submission.
func (s *Service) MaxPhotos() int { return s.config().MaxPhotos }

// Completion is the outcome of Complete.
type Completion struct {
	Task storage.Task
	// Special is set when the task skipped review.
	Special bool
	// Resumed is the frozen task restarted after an override task.
	Resumed *storage.Task
}

// ActiveTask returns the task the worker is currently running.
func (s *Service) ActiveTask(ctx context.Context, workerID int64) (storage.Task, error) {
	ts, err := s.store.Tasks(ctx, storage.Filter{WorkerID: storage.Ptr(workerID), Statuses: storage.ActiveStatuses, Limit: 1})
	if err != nil {
		return storage.Task{}, err
	}
	if len(ts) == 0 {
		return storage.Task{}, ErrNoActiveTask
	}
	return ts[0], nil
}

// Complete finishes the worker's active task. Override tasks are verified
// at once; ordinary tasks are submitted for review with photos.
func (s *Service) Complete(ctx context.Context, workerID int64, photos []string) (Completion, error) {
	task, err := s.ActiveTask(ctx, workerID)
	if err != nil {
		return Completion{}, err
	}
	if s.specials != nil && task.IsSpecial(s.specials.SpecialPriority()) {
		resumed, err := s.specials.CompleteSpecial(ctx, workerID, task.ID)
		if err != nil {
			return Completion{}, err
		}
		task.Status = storage.StatusVerified
		return Completion{Task: task, Special: true, Resumed: resumed}, nil
	}
	task, err = s.Submit(ctx, task, photos)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Task: task}, nil
}

// Submit moves an active task to PendingReview and posts the evidence to
// the supervisors.
func (s *Service) Submit(ctx context.Context, task storage.Task, photos []string) (storage.Task, error) {
	cfg := s.config()
	switch {
	case len(photos) == 0:
		return task, ErrNoPhotos
	case len(photos) > cfg.MaxPhotos:
		return task, fmt.Errorf("%w: %d > %d", ErrTooManyPhotos, len(photos), cfg.MaxPhotos)
	}
	if !task.Status.Active() || task.WorkerID == nil {
		return task, fmt.Errorf("%w: task %d is %s", ErrNoActiveTask, task.ID, task.Status)
	}
	workerID := *task.WorkerID

	now := s.now().Truncate(time.Second)
	snap := ledger.Freeze(task.Ledger(), now)
	err := s.store.Apply(ctx, storage.Transition{
		TaskID:          task.ID,
		From:            task.Status,
		To:              storage.StatusPendingReview,
		At:              now,
		ExpectStartedAt: task.StartedAt,
		Patch: storage.Patch{
			Accumulated:    storage.Ptr(snap.Accumulated),
			ClearStartedAt: true,
			CompletedAt:    storage.Ptr(now),
		},
		Actor: workerID,
		Note:  strconv.Itoa(len(photos)) + " photos",
	})
	if err != nil {
		if storage.IsConflict(err) {
			s.metrics.Conflict()
		}
		return task, err
	}
	task.Status = storage.StatusPendingReview
	task.AccumulatedSeconds = snap.Accumulated
	task.StartedAt = nil
	task.CompletedAt = storage.Ptr(now)

	s.timers.Refresh(task.ID)
	s.metrics.Transition(string(storage.StatusPendingReview))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Time: now, TaskID: task.ID, WorkerID: workerID})
	s.log.Info("task submitted", logx.Int64("task_id", task.ID), logx.Int64("worker_id", workerID), logx.Int("photos", len(photos)), logx.Int64("elapsed", snap.Accumulated))

	worker := s.workerName(ctx, workerID)
	target, fallback := Route(cfg, task.Sector)
	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Approve", tgui.MustData(CallbackScope, ActionApprove, strconv.FormatInt(task.ID, 10))),
		tgui.Btn("↩️ Return", tgui.MustData(CallbackScope, ActionReject, strconv.FormatInt(task.ID, 10))),
	)
	caption := submissionCard(task, worker).Text
	follow := tgui.New().Inline(kb).Line("Review task #" + strconv.FormatInt(task.ID, 10) + ": " + task.Name).Build()
	s.send(ctx, kit.Notification{
		Key:      "review:" + strconv.FormatInt(task.ID, 10) + ":" + strconv.FormatInt(now.Unix(), 10),
		Target:   target,
		Fallback: fallback,
		Text:     caption,
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		Photos:   photos,
		FollowUp: &kit.Notification{Text: follow.Text, Options: follow.Opt},
	})
	return task, nil
}

// Approve verifies a task waiting for review.
func (s *Service) Approve(ctx context.Context, taskID, reviewerID int64) (storage.Task, error) {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return task, err
	}
	now := s.now().Truncate(time.Second)
	err = s.store.Apply(ctx, storage.Transition{
		TaskID: taskID,
		From:   storage.StatusPendingReview,
		To:     storage.StatusVerified,
		At:     now,
		Patch:  storage.Patch{ReviewerID: storage.Ptr(reviewerID)},
		Actor:  reviewerID,
		Note:   "approve",
	})
	if err != nil {
		if storage.IsConflict(err) {
			s.metrics.Conflict()
		}
		return task, err
	}
	task.Status = storage.StatusVerified
	task.ReviewerID = storage.Ptr(reviewerID)

	s.metrics.Transition(string(storage.StatusVerified))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskVerified, Time: now, TaskID: taskID, WorkerID: workerOf(task)})
	s.log.Info("task approved", logx.Int64("task_id", taskID), logx.Int64("reviewer_id", reviewerID))

	if task.WorkerID != nil {
		msg := tgui.New().
			Title("✅", "Task accepted").
			KV("Task", task.Name).
			Line("Press /task for the next one.").
			Build()
		s.send(ctx, kit.Notification{
			Key:     "approve:" + strconv.FormatInt(taskID, 10) + ":" + strconv.FormatInt(now.Unix(), 10),
			Target:  s.workerTarget(ctx, *task.WorkerID),
			Text:    msg.Text,
			Options: msg.Opt,
		})
	}
	return task, nil
}

// Reject returns a task for rework. Elapsed time was folded on submission
// and keeps counting from now. A worker who took an override task in the
// meantime gets the task back frozen; it resumes after the override task.
func (s *Service) Reject(ctx context.Context, taskID, reviewerID int64, reason string) (storage.Task, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinReasonLen {
		return storage.Task{}, ErrReasonTooShort
	}
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return task, err
	}
	if task.WorkerID == nil {
		return task, fmt.Errorf("%w: task %d has no worker", storage.ErrConflict, taskID)
	}
	workerID := *task.WorkerID

	// Held so an override finishing now cannot miss the task frozen here.
	unlock := s.locks.Lock(workerID)
	defer unlock()

	busy, err := s.store.Count(ctx, storage.Filter{WorkerID: storage.Ptr(workerID), Statuses: storage.ActiveStatuses})
	if err != nil {
		return task, err
	}
	now := s.now().Truncate(time.Second)
	tr := storage.Transition{
		TaskID: taskID,
		From:   storage.StatusPendingReview,
		To:     storage.StatusOnRework,
		At:     now,
		Patch: storage.Patch{
			StartedAt:  storage.Ptr(now),
			ReviewerID: storage.Ptr(reviewerID),
			ReviewNote: storage.Ptr(reason),
		},
		Actor: reviewerID,
		Note:  reason,
	}
	if busy > 0 {
		tr.To = storage.StatusFrozen
		tr.Patch.StartedAt = nil
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		if storage.IsConflict(err) {
			s.metrics.Conflict()
		}
		return task, err
	}
	task.Status = tr.To
	task.StartedAt = tr.Patch.StartedAt
	task.ReviewerID = storage.Ptr(reviewerID)
	task.ReviewNote = reason

	s.metrics.Transition(string(tr.To))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskReworked, Time: now, TaskID: taskID, WorkerID: workerID, Detail: string(tr.To)})
	s.log.Info("task returned", logx.Int64("task_id", taskID), logx.Int64("reviewer_id", reviewerID), logx.String("status", string(tr.To)))

	target := s.workerTarget(ctx, workerID)
	msg := reworkCard(task, ledger.Remaining(task.Ledger(), now))
	s.send(ctx, kit.Notification{
		Key:     "rework:" + strconv.FormatInt(taskID, 10) + ":" + strconv.FormatInt(now.Unix(), 10),
		Target:  target,
		Text:    msg.Text,
		Options: msg.Opt,
	})
	if task.Status == storage.StatusOnRework {
		s.timers.Start(taskID, target)
	}
	return task, nil
}

// Route picks the supervisor chat and topic for a sector: an exact topic
// name first, then a partial match, then the main chat. The fallback is
// the main chat when a topic was chosen.
func Route(cfg Config, sector string) (kit.ChatTarget, *kit.ChatTarget) {
	main := kit.ChatTarget{ChatID: cfg.SupervisorChat}
	sec := strings.ToLower(strings.TrimSpace(sector))
	if sec == "" || len(cfg.SectorTopics) == 0 {
		return main, nil
	}
	thread := 0
	for name, id := range cfg.SectorTopics {
		if strings.ToLower(strings.TrimSpace(name)) == sec {
			thread = id
			break
		}
	}
	if thread == 0 {
		best := ""
		for name, id := range cfg.SectorTopics {
			n := strings.ToLower(strings.TrimSpace(name))
			if n == "" || !(strings.Contains(n, sec) || strings.Contains(sec, n)) {
				continue
			}
			// Longest name wins so the result does not depend on map order.
			if len(n) > len(best) || (len(n) == len(best) && n < best) {
				best, thread = n, id
			}
		}
	}
	if thread == 0 {
		return main, nil
	}
	return kit.ChatTarget{ChatID: cfg.SupervisorChat, ThreadID: thread}, &main
}

func (s *Service) send(ctx context.Context, n kit.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed", logx.Int64("chat_id", n.Target.ChatID), logx.Err(err))
	}
}

func (s *Service) workerTarget(ctx context.Context, workerID int64) kit.ChatTarget {
	w, err := s.store.Worker(ctx, workerID)
	if err != nil || w.ChatID == 0 {
		return kit.ChatTarget{ChatID: workerID}
	}
	return kit.ChatTarget{ChatID: w.ChatID}
}

func (s *Service) workerName(ctx context.Context, workerID int64) string {
	w, err := s.store.Worker(ctx, workerID)
	if err != nil || w.Name == "" {
		return "#" + strconv.FormatInt(workerID, 10)
	}
	return w.Name
}

func workerOf(t storage.Task) int64 {
	if t.WorkerID == nil {
		return 0
	}
	return *t.WorkerID
}

func submissionCard(t storage.Task, worker string) tgui.Message {
	return tgui.New().
		Title("📋", "Task done").
		KV("Task", t.Name).
		KV("Group", t.ProductGroup).
		KV("Sector", t.Sector).
		KV("Worker", worker).
		KV("Operator", t.OperatorName).
		KV("Planned", ledger.FormatHMS(t.AllocatedSeconds)).
		KV("Spent", ledger.FormatHMS(t.AccumulatedSeconds)).
		Build()
}

func reworkCard(t storage.Task, remaining int64) tgui.Message {
	b := tgui.New().
		Title("🔁", "Task returned for rework").
		KV("Task", t.Name).
		KV("Reason", t.ReviewNote).
		KV("Time left", ledger.FormatHMS(remaining))
	if t.Status == storage.StatusFrozen {
		b.Line("It will start after your current urgent task.")
	}
	return b.Build()
}
