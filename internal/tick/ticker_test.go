package tick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftbot/internal/preempt"
	"shiftbot/internal/runtime/keylock"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	"shiftbot/internal/storage/storagetest"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

// 11:00 UTC on a day shift, slot 2.
var t0 = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

type nopTimers struct{}

func (nopTimers) Start(int64, kit.ChatTarget) bool { return true }
func (nopTimers) Refresh(int64)                    {}

type fixture struct {
	st    storage.Store
	clock *storagetest.Clock
	tk    *Ticker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := shift.New(shift.Config{Location: time.UTC})
	require.NoError(t, err)
	f := &fixture{st: storagetest.Open(t), clock: storagetest.NewClock(t0)}
	pc := preempt.New(f.st, nopTimers{}, nil, keylock.New(), logx.Nop(), preempt.WithClock(f.clock.Now))
	f.tk = New(Config{}, f.st, cal, pc, nopTimers{}, logx.Nop(), WithClock(f.clock.Now))
	return f
}

func oneOff(name string, start time.Time, gender string) storage.Task {
	return storage.Task{
		Name:             name,
		Constant:         false,
		ShiftDate:        "2026-03-02",
		Shift:            "day",
		Gender:           gender,
		StartTime:        storage.Ptr(start),
		AllocatedSeconds: 600,
	}
}

func (f *fixture) onShift(t *testing.T, id int64, name, gender string, startedAt time.Time) {
	t.Helper()
	storagetest.AddWorker(t, f.st, id, name, gender)
	storagetest.StartShift(t, f.st, id, "day", "Dairy", startedAt)
}

func TestRunAssignsDueGroupToWorkersInShiftOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 12, "Cid", "F", t0.Add(-time.Hour))
	f.onShift(t, 10, "Ann", "F", t0.Add(-3*time.Hour))
	f.onShift(t, 11, "Bob", "M", t0.Add(-2*time.Hour))

	// Ann runs an ordinary task that will be frozen.
	ord := storagetest.AddTasks(t, f.st, storage.Task{Name: "facing", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1, Priority: 1})
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ord[0], From: storage.StatusPending, To: storage.StatusInProgress, At: t0.Add(-100 * time.Second),
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(10)), StartedAt: storage.Ptr(t0.Add(-100 * time.Second)), Accumulated: storage.Ptr(int64(0))},
	}))

	ids := storagetest.AddTasks(t, f.st,
		oneOff("unload truck", t0.Add(2*time.Minute), ""),
		oneOff("unload truck", t0.Add(2*time.Minute), ""),
		oneOff("later", t0.Add(time.Hour), ""),
	)

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Due)
	require.Equal(t, 2, rep.Assigned)

	a := storagetest.MustTask(t, f.st, ids[0])
	b := storagetest.MustTask(t, f.st, ids[1])
	require.Equal(t, storage.StatusInProgress, a.Status)
	require.Equal(t, int64(10), *a.WorkerID)
	require.Equal(t, "Ann", a.OperatorName)
	require.Equal(t, int64(11), *b.WorkerID)
	require.Equal(t, storage.StatusPending, storagetest.MustTask(t, f.st, ids[2]).Status)

	frozen := storagetest.MustTask(t, f.st, ord[0])
	require.Equal(t, storage.StatusFrozen, frozen.Status)
	require.Equal(t, int64(100), frozen.AccumulatedSeconds)
}

func TestRunRespectsGenderAndBusyOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10, "Ann", "F", t0.Add(-3*time.Hour))
	f.onShift(t, 11, "Bob", "M", t0.Add(-2*time.Hour))
	f.onShift(t, 12, "Dan", "M", t0.Add(-time.Hour))

	// Bob is already on an override task.
	busy := storagetest.AddTasks(t, f.st, oneOff("earlier", t0.Add(-time.Hour), ""))
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: busy[0], From: storage.StatusPending, To: storage.StatusInProgress, At: t0.Add(-time.Hour),
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(11)), StartedAt: storage.Ptr(t0.Add(-time.Hour))},
	}))

	ids := storagetest.AddTasks(t, f.st, oneOff("heavy lifting", t0.Add(-time.Minute), "M"))
	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Assigned)
	require.Equal(t, int64(12), *storagetest.MustTask(t, f.st, ids[0]).WorkerID)
}

func TestRunBacksOffWhenNobodyIsFree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st, oneOff("unload truck", t0.Add(4*time.Minute), ""))

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Assigned)

	f.onShift(t, 10, "Ann", "F", t0)
	f.clock.Advance(time.Minute)
	rep, err = f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Deferred)
	require.Equal(t, storage.StatusPending, storagetest.MustTask(t, f.st, ids[0]).Status)

	f.clock.Advance(2*time.Minute + time.Second)
	rep, err = f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Assigned)
}

func TestRunAutoClosesPastCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st,
		storage.Task{Name: "forgotten", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
		storage.Task{Name: "recent", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
	)
	for i, started := range []time.Time{t0.Add(-5 * time.Hour), t0.Add(-time.Hour)} {
		require.NoError(t, f.st.Apply(ctx, storage.Transition{
			TaskID: ids[i], From: storage.StatusPending, To: storage.StatusInProgress, At: started,
			Patch: storage.Patch{WorkerID: storage.Ptr(int64(10 + i)), StartedAt: storage.Ptr(started), Accumulated: storage.Ptr(int64(0))},
		}))
	}

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.AutoClosed)

	closed := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusAutoClosed, closed.Status)
	require.Equal(t, int64(5*3600), closed.AccumulatedSeconds)
	require.Nil(t, closed.StartedAt)
	require.Equal(t, storage.StatusInProgress, storagetest.MustTask(t, f.st, ids[1]).Status)
}

func TestRunIsSkippedWhileAnotherRunHoldsTheLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tk.run.Lock()
	rep, err := f.tk.Run(context.Background())
	f.tk.run.Unlock()
	require.NoError(t, err)
	require.True(t, rep.Skipped)
}

func TestForceStartIgnoresWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.onShift(t, 10, "Ann", "F", t0.Add(-time.Hour))
	ids := storagetest.AddTasks(t, f.st, oneOff("inventory", time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), ""))

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Due)

	rep, err = f.tk.ForceStart(ctx, "14:00")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Assigned)
	require.Equal(t, storage.StatusInProgress, storagetest.MustTask(t, f.st, ids[0]).Status)

	_, err = f.tk.ForceStart(ctx, "25:00")
	require.Error(t, err)
}

func TestClockOnNightShift(t *testing.T) {
	t.Parallel()
	cal, err := shift.New(shift.Config{Location: time.UTC})
	require.NoError(t, err)
	tests := []struct {
		now  time.Time
		hhmm string
		want time.Time
	}{
		{time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), "02:00", time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), "23:30", time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)},
		{time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), "21:00", time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), "15:00", time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := clockOn(tt.now, cal, tt.hhmm)
		if err != nil {
			t.Fatalf("clockOn(%v, %q) error = %v", tt.now, tt.hhmm, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("clockOn(%v, %q) = %v, want %v", tt.now, tt.hhmm, got, tt.want)
		}
	}
}

func TestAutoCloseOfOverrideResumesFrozenTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st,
		storage.Task{Name: "facing", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1, AllocatedSeconds: 900},
		oneOff("urgent", t0.Add(-5*time.Hour), ""),
		storage.Task{Name: "next", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
	)
	// The override started five hours ago; "facing" came back from review
	// frozen an hour ago with 60s done.
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ids[1], From: storage.StatusPending, To: storage.StatusInProgress, At: t0.Add(-5 * time.Hour),
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(10)), StartedAt: storage.Ptr(t0.Add(-5 * time.Hour)), Accumulated: storage.Ptr(int64(0))},
	}))
	require.NoError(t, f.st.Apply(ctx, storage.Transition{
		TaskID: ids[0], From: storage.StatusPending, To: storage.StatusFrozen, At: t0.Add(-time.Hour),
		Patch: storage.Patch{WorkerID: storage.Ptr(int64(10)), Accumulated: storage.Ptr(int64(60))},
	}))

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.AutoClosed)
	require.Equal(t, storage.StatusAutoClosed, storagetest.MustTask(t, f.st, ids[1]).Status)

	facing := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusInProgress, facing.Status)
	require.Equal(t, int64(60), facing.AccumulatedSeconds)
	require.NotNil(t, facing.StartedAt)
	require.True(t, facing.StartedAt.Equal(t0))
	require.Equal(t, storage.StatusPending, storagetest.MustTask(t, f.st, ids[2]).Status)
}

func TestAutoCloseBoundsFrozenTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st,
		storage.Task{Name: "facing", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
		storage.Task{Name: "shelving", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
	)
	for i, frozenAt := range []time.Time{t0.Add(-5 * time.Hour), t0.Add(-time.Hour)} {
		require.NoError(t, f.st.Apply(ctx, storage.Transition{
			TaskID: ids[i], From: storage.StatusPending, To: storage.StatusFrozen, At: frozenAt,
			Patch: storage.Patch{WorkerID: storage.Ptr(int64(10 + i)), Accumulated: storage.Ptr(int64(60))},
		}))
	}

	rep, err := f.tk.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.AutoClosed)

	closed := storagetest.MustTask(t, f.st, ids[0])
	require.Equal(t, storage.StatusAutoClosed, closed.Status)
	require.Equal(t, int64(60), closed.AccumulatedSeconds)
	require.Equal(t, storage.StatusFrozen, storagetest.MustTask(t, f.st, ids[1]).Status)
}

func TestCloseOverdueOnDemand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := storagetest.AddTasks(t, f.st,
		storage.Task{Name: "facing", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
		storage.Task{Name: "shelving", Constant: true, Shift: "day", ShiftDate: "2026-03-02", Slot: 1},
	)
	for i, started := range []time.Time{t0.Add(-5 * time.Hour), t0.Add(-time.Hour)} {
		require.NoError(t, f.st.Apply(ctx, storage.Transition{
			TaskID: ids[i], From: storage.StatusPending, To: storage.StatusInProgress, At: started,
			Patch: storage.Patch{WorkerID: storage.Ptr(int64(10 + i)), StartedAt: storage.Ptr(started), Accumulated: storage.Ptr(int64(0))},
		}))
	}

	n, err := f.tk.CloseOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, storage.StatusAutoClosed, storagetest.MustTask(t, f.st, ids[0]).Status)
	require.Equal(t, storage.StatusInProgress, storagetest.MustTask(t, f.st, ids[1]).Status)

	n, err = f.tk.CloseOverdue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
