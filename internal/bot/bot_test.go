package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftbot/internal/assign"
	"shiftbot/internal/preempt"
	"shiftbot/internal/review"
	"shiftbot/internal/runtime/keylock"
	"shiftbot/internal/session"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	"shiftbot/internal/storage/storagetest"
	"shiftbot/internal/tick"
	kit "shiftbot/internal/transport"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
)

// 10:30 UTC, day shift slot 2.
var t0 = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type recAdapter struct {
	mu    sync.Mutex
	texts []string
	opts  []*kit.SendOptions
}

func (a *recAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recAdapter) Stop(context.Context) error                     { return nil }
func (a *recAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	a.opts = append(a.opts, opt)
	return kit.MessageRef{MessageID: len(a.texts)}, nil
}
func (a *recAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	a.opts = append(a.opts, opt)
	return nil
}
func (a *recAdapter) SendAlbum(context.Context, kit.ChatTarget, []string, string, *kit.SendOptions) ([]kit.MessageRef, error) {
	return nil, nil
}
func (a *recAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *recAdapter) last() (string, *kit.SendOptions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.texts[len(a.texts)-1], a.opts[len(a.opts)-1]
}

type fakeTimers struct {
	mu      sync.Mutex
	started []int64
}

func (f *fakeTimers) Start(id int64, _ kit.ChatTarget) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return true
}

func (f *fakeTimers) Refresh(int64) {}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type fixture struct {
	st    storage.Store
	clock *storagetest.Clock
	ad    *recAdapter
	tm    *fakeTimers
	nt    *fakeNotifier
	sm    *session.Manager
	bot   *Bot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := shift.New(shift.Config{Location: time.UTC})
	require.NoError(t, err)
	f := &fixture{
		st:    storagetest.Open(t),
		clock: storagetest.NewClock(t0),
		ad:    &recAdapter{},
		tm:    &fakeTimers{},
		nt:    &fakeNotifier{},
	}
	locks := keylock.New()
	f.sm = session.New(session.Config{}, f.st, cal, logx.Nop(), session.WithClock(f.clock.Now))
	pc := preempt.New(f.st, f.tm, f.nt, locks, logx.Nop(), preempt.WithClock(f.clock.Now))
	f.bot = New(Deps{
		Store:    f.st,
		Sessions: f.sm,
		Assign:   assign.New(f.st, f.tm, locks, logx.Nop(), assign.WithClock(f.clock.Now), assign.WithResumer(pc)),
		Preempt:  pc,
		Review:   review.New(review.Config{SupervisorChat: -100}, f.st, f.tm, f.nt, pc, logx.Nop(), review.WithClock(f.clock.Now), review.WithLocks(locks)),
		Ticker:   tick.New(tick.Config{}, f.st, cal, pc, f.tm, logx.Nop(), tick.WithClock(f.clock.Now)),
		Timers:   f.tm,
		Notifier: f.nt,
	}, logx.Nop(), WithClock(f.clock.Now))
	return f
}

func (f *fixture) req(from int64, up kit.Update) *router.Request {
	chat := kit.ChatTarget{ChatID: from}
	if up.Callback != nil {
		chat = kit.ChatTarget{ChatID: up.Callback.ChatID}
	}
	return &router.Request{Update: up, Chat: chat, FromID: from, FromName: "Ann", Adapter: f.ad, Logger: logx.Nop()}
}

func text(from int64, s string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: s}}
}

func photo(from int64, id string) kit.Update {
	return kit.Update{Kind: kit.UpdatePhoto, Message: &kit.Message{ChatID: from, FromID: from, PhotoID: id}}
}

func button(from, chat int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", FromID: from, ChatID: chat, MessageID: 1, Data: data}}
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func poolTask(name string) storage.Task {
	return storage.Task{Name: name, Priority: 1, Constant: true, Sector: "Dairy", ShiftDate: "2026-03-02", Shift: "day", Slot: 1, AllocatedSeconds: 900}
}

func (f *fixture) onShift(t *testing.T, id int64) {
	t.Helper()
	storagetest.AddWorker(t, f.st, id, "Ann", "F")
	_, err := f.sm.Begin(context.Background(), session.Start{WorkerID: id, Name: "Ann", Gender: "F", Shift: shift.Day, Sector: "Dairy"})
	require.NoError(t, err)
}

func TestStartFlowOpensSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	storagetest.AddTasks(t, f.st, poolTask("facing"))

	require.NoError(t, f.bot.cmdStart(ctx, f.req(10, text(10, "/start"))))
	require.NoError(t, f.bot.cbShift(ctx, f.req(10, button(10, 10, "start:shift:day")), "day"))
	require.NoError(t, f.bot.cbRole(ctx, f.req(10, button(10, 10, "start:role:worker")), "worker"))
	require.NoError(t, f.bot.cbEmployment(ctx, f.req(10, button(10, 10, "start:emp:0")), "0"))
	got, _ := f.ad.last()
	require.Contains(t, got, "Pick your sector")

	require.NoError(t, f.bot.cbSector(ctx, f.req(10, button(10, 10, "start:sector:0")), "0"))
	got, _ = f.ad.last()
	require.Contains(t, got, "Shift started")

	s, ok := f.sm.Get(10)
	require.True(t, ok)
	require.Equal(t, shift.Day, s.Shift)
	require.Equal(t, "Dairy", s.Sector)
	require.Equal(t, "staff", s.EmploymentType)
	require.Nil(t, f.bot.draftOf(10))
}

func TestStaleStartButtonExpires(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.bot.cbRole(context.Background(), f.req(10, button(10, 10, "start:role:worker")), "worker"))
	got, _ := f.ad.last()
	require.Contains(t, got, "expired")
	_, ok := f.sm.Get(10)
	require.False(t, ok)
}

func TestTaskAssignsThenShowsCard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"))

	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	task := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusInProgress, task.Status)
	require.Equal(t, []int64{ids[0]}, f.tm.started)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	got, _ := f.ad.last()
	require.Contains(t, got, "facing")
	require.Contains(t, got, "00:14:00")
}

func TestPhotosThenDoneSubmitsForReview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"))
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))

	require.NoError(t, f.bot.cmdDone(ctx, f.req(10, text(10, "/done"))))
	got, _ := f.ad.last()
	require.Contains(t, got, "at least one photo")

	require.NoError(t, f.bot.OnPhoto(ctx, f.req(10, photo(10, "p1"))))
	require.NoError(t, f.bot.OnPhoto(ctx, f.req(10, photo(10, "p2"))))
	got, _ = f.ad.last()
	require.Contains(t, got, "2/3")

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.bot.cmdDone(ctx, f.req(10, text(10, "/done"))))
	task := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusPendingReview, task.Status)
	require.Equal(t, int64(300), task.AccumulatedSeconds)

	f.nt.mu.Lock()
	album := f.nt.sent[len(f.nt.sent)-1]
	f.nt.mu.Unlock()
	require.Equal(t, []string{"p1", "p2"}, album.Photos)
	require.Nil(t, f.sm.Photos(10, ids[0]))
}

func TestRejectReasonIsTakenFromNextText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"))
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	require.NoError(t, f.bot.OnPhoto(ctx, f.req(10, photo(10, "p1"))))
	require.NoError(t, f.bot.cmdDone(ctx, f.req(10, text(10, "/done"))))

	const sup = 77
	require.NoError(t, f.bot.cbReject(ctx, f.req(sup, button(sup, -100, "review:reject:"+id(ids[0]))), id(ids[0])))
	_, opt := f.ad.last()
	require.True(t, opt.ForceReply)

	require.NoError(t, f.bot.OnText(ctx, f.req(sup, text(sup, "no"))))
	require.Equal(t, storage.StatusPendingReview, storagetest.MustTask(t, f.st, ids[0]).Status)

	require.NoError(t, f.bot.OnText(ctx, f.req(sup, text(sup, "labels missing"))))
	task := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusOnRework, task.Status)
	require.Equal(t, "labels missing", task.ReviewNote)
	require.Equal(t, int64(sup), *task.ReviewerID)

	// The reason was consumed.
	_, pending := f.bot.peekReason(sup)
	require.False(t, pending)
}

func TestApproveTwiceReportsAlreadyReviewed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"))
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	require.NoError(t, f.bot.OnPhoto(ctx, f.req(10, photo(10, "p1"))))
	require.NoError(t, f.bot.cmdDone(ctx, f.req(10, text(10, "/done"))))

	require.NoError(t, f.bot.cbApprove(ctx, f.req(77, button(77, -100, "review:approve:"+id(ids[0]))), id(ids[0])))
	require.Equal(t, storage.StatusVerified, storagetest.MustTask(t, f.st, ids[0]).Status)

	require.NoError(t, f.bot.cbApprove(ctx, f.req(78, button(78, -100, "review:approve:"+id(ids[0]))), id(ids[0])))
	got, _ := f.ad.last()
	require.Contains(t, got, "already reviewed")
}

func TestEndRefusedWhileTaskIsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	storagetest.AddTasks(t, f.st, poolTask("facing"))
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))

	require.NoError(t, f.bot.cmdEnd(ctx, f.req(10, text(10, "/end"))))
	got, _ := f.ad.last()
	require.Contains(t, got, "open tasks")
	_, ok := f.sm.Get(10)
	require.True(t, ok)
}

func TestSpecialCommandFreezesRunningTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"), storage.Task{Name: "spill", Priority: 111, Constant: true, ShiftDate: "2026-03-02", Shift: "day", Slot: 1})
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))

	r := f.req(1, text(1, "/special"))
	r.Args = []string{id(ids[1]), "10"}
	require.NoError(t, f.bot.cmdSpecial(ctx, r))
	got, _ := f.ad.last()
	require.True(t, strings.Contains(got, "spill") && strings.Contains(got, "facing"), got)
	require.Equal(t, storage.StatusFrozen, storagetest.MustTask(t, f.st, ids[0]).Status)
	require.Equal(t, storage.StatusInProgress, storagetest.MustTask(t, f.st, ids[1]).Status)
}

func TestTaskHandsBackPausedTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"), poolTask("next"))
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ids[0], From: storage.StatusPending, To: storage.StatusFrozen, At: t0.Add(-time.Hour),
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(10)), Accumulated: storage.Ptr(int64(60))},
	}))

	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	task := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusInProgress, task.Status)
	require.Equal(t, int64(60), task.AccumulatedSeconds)
	require.Equal(t, storage.StatusPending, storagetest.MustTask(t, f.st, ids[1]).Status)
	require.Contains(t, f.tm.started, ids[0])
}

func TestWorkersShowsStateAndVerifiedCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	r := f.req(77, text(77, "/workers"))
	require.NoError(t, f.bot.cmdWorkers(ctx, r))
	got, _ := f.ad.last()
	require.Contains(t, got, "Nobody")

	f.onShift(t, 10)
	f.onShift(t, 11)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"), poolTask("shelving"))
	require.NoError(t, f.bot.cmdTask(ctx, f.req(10, text(10, "/task"))))
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ids[1], From: storage.StatusPending, To: storage.StatusVerified, At: t0,
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(11)), CompletedAt: storage.Ptr(t0)},
	}))

	require.NoError(t, f.bot.cmdWorkers(ctx, r))
	got, _ = f.ad.last()
	for _, want := range []string{
		"busy, 0 done: #" + id(ids[0]) + " facing",
		"free, 1 done",
	} {
		require.Contains(t, got, want)
	}
}

func TestBroadcastReachesEveryWorkerOnShift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10)
	f.onShift(t, 11)

	r := f.req(1, text(1, "/broadcast"))
	require.NoError(t, f.bot.cmdBroadcast(ctx, r))
	got, _ := f.ad.last()
	require.Contains(t, got, "Usage")

	r.Args = []string{"store", "closes", "at", "<9>"}
	require.NoError(t, f.bot.cmdBroadcast(ctx, r))
	got, _ = f.ad.last()
	require.Contains(t, got, "Sent to 2")

	f.nt.mu.Lock()
	defer f.nt.mu.Unlock()
	require.Len(t, f.nt.sent, 2)
	for i, want := range []int64{10, 11} {
		n := f.nt.sent[i]
		if n.Target.ChatID != want {
			t.Fatalf("target = %d, want %d", n.Target.ChatID, want)
		}
		require.Contains(t, n.Text, "store closes at &lt;9&gt;")
		require.NotEmpty(t, n.Key)
	}
	require.NotEqual(t, f.nt.sent[0].Key, f.nt.sent[1].Key)
}

func TestCloseCommandClosesOverdueTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st, poolTask("facing"))
	started := t0.Add(-5 * time.Hour)
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ids[0], From: storage.StatusPending, To: storage.StatusInProgress, At: started,
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(10)), StartedAt: storage.Ptr(started), Accumulated: storage.Ptr(int64(0))},
	}))

	require.NoError(t, f.bot.cmdClose(ctx, f.req(1, text(1, "/close"))))
	got, _ := f.ad.last()
	require.Contains(t, got, "Closed 1")
	require.Equal(t, storage.StatusAutoClosed, storagetest.MustTask(t, f.st, ids[0]).Status)
}
