package preempt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftbot/internal/runtime/keylock"
	"shiftbot/internal/storage"
	"shiftbot/internal/storage/storagetest"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeTimers struct {
	mu        sync.Mutex
	started   []int64
	refreshed []int64
}

func (f *fakeTimers) Start(id int64, _ kit.ChatTarget) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return true
}

func (f *fakeTimers) Refresh(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, id)
}

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

// raceStore lets a competing writer run right before the first Apply.
type raceStore struct {
	storage.Store
	once   sync.Once
	before func()
}

func (s *raceStore) Apply(ctx context.Context, trs ...storage.Transition) error {
	s.once.Do(s.before)
	return s.Store.Apply(ctx, trs...)
}

func ordinary(name string) storage.Task {
	return storage.Task{Name: name, Priority: 1, Constant: true, Sector: "Dairy", ShiftDate: "2026-03-02", Shift: "day", Slot: 1, AllocatedSeconds: 900}
}

func special(name string) storage.Task {
	return storage.Task{Name: name, Priority: 111, Constant: true, Sector: "Dairy", ShiftDate: "2026-03-02", Shift: "day", Slot: 1, AllocatedSeconds: 600}
}

func start(t *testing.T, st storage.Store, id, worker int64, at time.Time) {
	t.Helper()
	require.NoError(t, st.Apply(context.Background(), storage.Transition{
		TaskID: id, From: storage.StatusPending, To: storage.StatusInProgress, At: at,
		Patch: storage.Patch{WorkerID: storage.Ptr(worker), StartedAt: storage.Ptr(at), Accumulated: storage.Ptr(int64(0))},
	}))
}

func TestAssignSpecialFreezesOrdinaryTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	storagetest.AddWorker(t, st, 10, "Ann", "F")
	ids := storagetest.AddTasks(t, st, ordinary("facing"), special("urgent delivery"))
	start(t, st, ids[0], 10, t0)

	clock := storagetest.NewClock(t0.Add(300 * time.Second))
	tm, nt := &fakeTimers{}, &fakeNotifier{}
	c := New(st, tm, nt, keylock.New(), logx.Nop(), WithClock(clock.Now))

	p, err := c.AssignSpecial(ctx, 10, ids[1], "op")
	require.NoError(t, err)
	require.NotNil(t, p.Frozen)
	require.Equal(t, ids[0], p.Frozen.ID)

	a := storagetest.MustTask(t, st, ids[0])
	require.Equal(t, storage.StatusFrozen, a.Status)
	require.Equal(t, int64(300), a.AccumulatedSeconds)
	require.Nil(t, a.StartedAt)

	s := storagetest.MustTask(t, st, ids[1])
	require.Equal(t, storage.StatusInProgress, s.Status)
	require.Equal(t, int64(10), *s.WorkerID)

	require.Equal(t, []int64{ids[0]}, tm.refreshed)
	require.Equal(t, []int64{ids[1]}, tm.started)
	require.Len(t, nt.sent, 1)
	require.Equal(t, int64(10), nt.sent[0].Target.ChatID)
	require.Contains(t, nt.sent[0].Text, "00:10:00")
}

func TestAssignSpecialRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	ids := storagetest.AddTasks(t, st, special("first"), special("second"), ordinary("pool"))
	c := New(st, &fakeTimers{}, nil, keylock.New(), logx.Nop(), WithClock(func() time.Time { return t0 }))

	_, err := c.AssignSpecial(ctx, 10, ids[2], "op")
	require.ErrorIs(t, err, ErrNotSpecial)

	_, err = c.AssignSpecial(ctx, 10, ids[0], "op")
	require.NoError(t, err)

	_, err = c.AssignSpecial(ctx, 10, ids[1], "op")
	require.ErrorIs(t, err, ErrWorkerBusy)

	_, err = c.AssignSpecial(ctx, 11, ids[0], "op")
	require.ErrorIs(t, err, ErrNotPending)

	second := storagetest.MustTask(t, st, ids[1])
	require.Equal(t, storage.StatusPending, second.Status)
}

func TestAssignSpecialConflictWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := storagetest.Open(t)
	ids := storagetest.AddTasks(t, base, ordinary("facing"), special("urgent"))
	start(t, base, ids[0], 10, t0)

	st := &raceStore{Store: base}
	// Another worker takes the override task between read and write.
	st.before = func() { start(t, base, ids[1], 20, t0) }

	tm := &fakeTimers{}
	c := New(st, tm, nil, keylock.New(), logx.Nop(), WithClock(func() time.Time { return t0.Add(time.Minute) }))
	_, err := c.AssignSpecial(ctx, 10, ids[1], "op")
	require.ErrorIs(t, err, storage.ErrConflict)

	a := storagetest.MustTask(t, base, ids[0])
	require.Equal(t, storage.StatusInProgress, a.Status)
	require.NotNil(t, a.StartedAt)
	require.True(t, a.StartedAt.Equal(t0))
	require.Equal(t, int64(0), a.AccumulatedSeconds)
	require.Empty(t, tm.started)
	require.Empty(t, tm.refreshed)
}

func TestCompleteSpecialResumesMostRecentFrozen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	ids := storagetest.AddTasks(t, st, ordinary("older"), ordinary("newer"), special("urgent"))
	clock := storagetest.NewClock(t0)

	// "older" was frozen an hour ago with 120s done.
	start(t, st, ids[0], 10, t0.Add(-time.Hour))
	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID: ids[0], From: storage.StatusInProgress, To: storage.StatusFrozen, At: t0.Add(-time.Hour + 120*time.Second),
		Patch: storage.Patch{Accumulated: storage.Ptr(int64(120)), ClearStartedAt: true},
	}))
	start(t, st, ids[1], 10, t0)

	tm, nt := &fakeTimers{}, &fakeNotifier{}
	c := New(st, tm, nt, keylock.New(), logx.Nop(), WithClock(clock.Now))

	clock.Advance(300 * time.Second)
	_, err := c.AssignSpecial(ctx, 10, ids[2], "op")
	require.NoError(t, err)

	clock.Advance(500 * time.Second)
	resumed, err := c.CompleteSpecial(ctx, 10, ids[2])
	require.NoError(t, err)
	require.NotNil(t, resumed)
	require.Equal(t, ids[1], resumed.ID)

	s := storagetest.MustTask(t, st, ids[2])
	require.Equal(t, storage.StatusVerified, s.Status)
	require.Equal(t, int64(500), s.AccumulatedSeconds)
	require.Nil(t, s.StartedAt)

	n := storagetest.MustTask(t, st, ids[1])
	require.Equal(t, storage.StatusInProgress, n.Status)
	require.Equal(t, int64(300), n.AccumulatedSeconds)
	require.True(t, n.StartedAt.Equal(clock.Now()))

	o := storagetest.MustTask(t, st, ids[0])
	require.Equal(t, storage.StatusFrozen, o.Status)

	// The resumed message reports the time left from persisted fields.
	last := nt.sent[len(nt.sent)-1]
	require.Contains(t, last.Text, "00:10:00")
	require.Equal(t, ids[1], tm.started[len(tm.started)-1])
}

func TestResumeLatestNothingToDo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	ids := storagetest.AddTasks(t, st, ordinary("running"), ordinary("frozen"))
	c := New(st, &fakeTimers{}, nil, keylock.New(), logx.Nop(), WithClock(func() time.Time { return t0 }))

	got, err := c.ResumeLatest(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, got)

	start(t, st, ids[1], 10, t0.Add(-time.Minute))
	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID: ids[1], From: storage.StatusInProgress, To: storage.StatusFrozen, At: t0,
		Patch: storage.Patch{Accumulated: storage.Ptr(int64(60)), ClearStartedAt: true},
	}))
	start(t, st, ids[0], 10, t0)

	// A worker with a running task keeps its frozen task frozen.
	got, err = c.ResumeLatest(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, storage.StatusFrozen, storagetest.MustTask(t, st, ids[1]).Status)
}

func TestCompleteSpecialCommitsVerifyAndResumeTogether(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := storagetest.Open(t)
	ids := storagetest.AddTasks(t, base, ordinary("facing"), special("urgent"))
	start(t, base, ids[0], 10, t0)

	st := &raceStore{Store: base}
	st.before = func() {}
	tm := &fakeTimers{}
	clock := storagetest.NewClock(t0.Add(time.Minute))
	c := New(st, tm, nil, keylock.New(), logx.Nop(), WithClock(clock.Now))
	_, err := c.AssignSpecial(ctx, 10, ids[1], "op")
	require.NoError(t, err)

	// The frozen task is closed between the read and the batch write.
	st.once = sync.Once{}
	st.before = func() {
		require.NoError(t, base.Apply(ctx, storage.Transition{
			TaskID: ids[0], From: storage.StatusFrozen, To: storage.StatusAutoClosed, At: clock.Now(),
		}))
	}
	clock.Advance(10 * time.Minute)
	_, err = c.CompleteSpecial(ctx, 10, ids[1])
	require.ErrorIs(t, err, storage.ErrConflict)
	require.Equal(t, storage.StatusInProgress, storagetest.MustTask(t, base, ids[1]).Status)

	// Retrying finds nothing frozen and only verifies.
	resumed, err := c.CompleteSpecial(ctx, 10, ids[1])
	require.NoError(t, err)
	require.Nil(t, resumed)
	require.Equal(t, storage.StatusVerified, storagetest.MustTask(t, base, ids[1]).Status)
}
