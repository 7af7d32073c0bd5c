// Package storagetest opens throwaway SQLite stores for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shiftbot/internal/storage"
	logx "shiftbot/pkg/logx"
)

// Open returns a migrated store in t.TempDir(), closed on cleanup.
func Open(t testing.TB) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "shiftbot.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// AddTasks inserts tasks and returns their ids in order.
func AddTasks(t testing.TB, st storage.Store, tasks ...storage.Task) []int64 {
	t.Helper()
	ids, err := st.InsertTasks(context.Background(), tasks)
	if err != nil {
		t.Fatalf("insert tasks: %v", err)
	}
	return ids
}

// AddWorker registers a worker whose chat id equals its id.
func AddWorker(t testing.TB, st storage.Store, id int64, name, gender string) storage.Worker {
	t.Helper()
	w := storage.Worker{ID: id, ChatID: id, Name: name, Gender: gender, Role: storage.RoleWorker}
	if err := st.PutWorker(context.Background(), w); err != nil {
		t.Fatalf("put worker: %v", err)
	}
	return w
}

// StartShift opens a session for a registered worker.
func StartShift(t testing.TB, st storage.Store, workerID int64, shift, sector string, at time.Time) storage.Session {
	t.Helper()
	ss, err := st.OpenSession(context.Background(), storage.Session{
		WorkerID:  workerID,
		Role:      storage.RoleWorker,
		Shift:     shift,
		Sector:    sector,
		StartedAt: at,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return ss
}

// MustTask reads a task or fails the test.
func MustTask(t testing.TB, st storage.Store, id int64) storage.Task {
	t.Helper()
	task, err := st.Task(context.Background(), id)
	if err != nil {
		t.Fatalf("task %d: %v", id, err)
	}
	return task
}

// Clock is a settable time source for code that takes func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
