package timer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftbot/internal/storage"
	"shiftbot/internal/storage/storagetest"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type call struct {
	edit bool
	ref  kit.MessageRef
	text string
}

type recSender struct {
	mu    sync.Mutex
	calls []call
	next  int
}

func (s *recSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: s.next}
	s.calls = append(s.calls, call{ref: ref, text: text})
	return ref, nil
}

func (s *recSender) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{edit: true, ref: ref, text: text})
	return nil
}

func (s *recSender) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func (s *recSender) last() call {
	c := s.snapshot()
	if len(c) == 0 {
		return call{}
	}
	return c[len(c)-1]
}

func activeTask(t *testing.T, st storage.Store, worker int64, startedAt time.Time) int64 {
	t.Helper()
	ids := storagetest.AddTasks(t, st, storage.Task{
		Name:             "restock shelves",
		Constant:         true,
		Sector:           "Dairy",
		ShiftDate:        "2026-03-02",
		Shift:            "day",
		Slot:             1,
		AllocatedSeconds: 900,
	})
	err := st.Apply(context.Background(), storage.Transition{
		TaskID: ids[0],
		From:   storage.StatusPending,
		To:     storage.StatusInProgress,
		At:     startedAt,
		Patch: storage.Patch{
			WorkerID:    storage.Ptr(worker),
			StartedAt:   storage.Ptr(startedAt),
			Accumulated: storage.Ptr(int64(0)),
		},
	})
	require.NoError(t, err)
	return ids[0]
}

func newRegistry(t *testing.T, st storage.Store, s kit.Sender, clock *storagetest.Clock) *Registry {
	t.Helper()
	r := New(context.Background(), st, s, logx.Nop(), WithTick(10*time.Millisecond), WithClock(clock.Now))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func TestStartIsNoopForRunningTask(t *testing.T) {
	t.Parallel()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0)
	id := activeTask(t, st, 10, t0)
	r := newRegistry(t, st, &recSender{}, clock)

	if !r.Start(id, kit.ChatTarget{ChatID: 10}) {
		t.Fatalf("first Start = false, want true")
	}
	if r.Start(id, kit.ChatTarget{ChatID: 10}) {
		t.Fatalf("second Start = true, want false")
	}
	if got := r.Active(); got != 1 {
		t.Fatalf("Active() = %d, want 1", got)
	}
}

func TestLoopEditsOnlyWhenDisplayChanges(t *testing.T) {
	t.Parallel()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0.Add(305 * time.Second))
	id := activeTask(t, st, 10, t0)
	s := &recSender{}
	r := newRegistry(t, st, s, clock)

	r.Start(id, kit.ChatTarget{ChatID: 10})
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.last().text, "00:09:45")

	// 595s and 590s left both render as 00:09:45.
	clock.Advance(5 * time.Second)
	time.Sleep(80 * time.Millisecond)
	require.Len(t, s.snapshot(), 1)

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := s.last()
	require.True(t, got.edit)
	require.Equal(t, 1, got.ref.MessageID)
	require.Contains(t, got.text, "00:09:30")
}

func TestFrozenTaskRendersPausedAndStops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0.Add(300 * time.Second))
	id := activeTask(t, st, 10, t0)
	s := &recSender{}
	r := newRegistry(t, st, s, clock)

	r.Start(id, kit.ChatTarget{ChatID: 10})
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID:          id,
		From:            storage.StatusInProgress,
		To:              storage.StatusFrozen,
		At:              clock.Now(),
		ExpectStartedAt: storage.Ptr(t0),
		Patch:           storage.Patch{Accumulated: storage.Ptr(int64(300)), ClearStartedAt: true},
	}))
	r.Refresh(id)

	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)
	got := s.last()
	require.True(t, got.edit)
	require.Contains(t, got.text, "paused")
	require.Contains(t, got.text, "00:10:00")
}

func TestLoopStopsWhenTaskLeavesActiveState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0.Add(60 * time.Second))
	id := activeTask(t, st, 10, t0)
	s := &recSender{}
	r := newRegistry(t, st, s, clock)

	r.Start(id, kit.ChatTarget{ChatID: 10})
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID: id,
		From:   storage.StatusInProgress,
		To:     storage.StatusPendingReview,
		At:     clock.Now(),
		Patch:  storage.Patch{Accumulated: storage.Ptr(int64(60)), ClearStartedAt: true, CompletedAt: storage.Ptr(clock.Now())},
	}))
	r.Refresh(id)

	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.Len(t, s.snapshot(), 1)
}

func TestRecoverRearmsActiveTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0.Add(time.Minute))
	storagetest.AddWorker(t, st, 10, "Ann", "F")
	storagetest.AddWorker(t, st, 11, "Bob", "M")
	a := activeTask(t, st, 10, t0)
	b := activeTask(t, st, 11, t0)
	// Pending tasks are not armed.
	storagetest.AddTasks(t, st, storage.Task{Name: "idle", Constant: true, Shift: "day", ShiftDate: "2026-03-02"})

	s := &recSender{}
	r := newRegistry(t, st, s, clock)
	n, err := r.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, r.Running(a))
	require.True(t, r.Running(b))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	chats := map[int64]bool{}
	for _, c := range s.snapshot() {
		chats[c.ref.ChatID] = true
		if !strings.Contains(c.text, "restock shelves") {
			t.Fatalf("rendered text %q does not name the task", c.text)
		}
	}
	require.Equal(t, map[int64]bool{10: true, 11: true}, chats)
}

func TestStartAfterFreezeKeepsOneLoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	clock := storagetest.NewClock(t0.Add(50 * time.Second))
	id := activeTask(t, st, 10, t0)
	s := &recSender{}
	r := newRegistry(t, st, s, clock)

	r.Start(id, kit.ChatTarget{ChatID: 10})
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.last().text, "00:14:00")

	clock.Advance(50 * time.Second)

	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID: id, From: storage.StatusInProgress, To: storage.StatusFrozen, At: clock.Now(),
		Patch: storage.Patch{Accumulated: storage.Ptr(int64(100)), ClearStartedAt: true},
	}))
	clock.Advance(time.Minute)
	require.NoError(t, st.Apply(ctx, storage.Transition{
		TaskID: id, From: storage.StatusFrozen, To: storage.StatusInProgress, At: clock.Now(),
		Patch: storage.Patch{StartedAt: storage.Ptr(clock.Now())},
	}))
	r.Start(id, kit.ChatTarget{ChatID: 10})

	require.Eventually(t, func() bool {
		return strings.Contains(s.last().text, "00:13:15")
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.Active())
}
