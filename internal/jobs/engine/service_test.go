package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "shiftbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func fastRetry() JobOptions {
	return JobOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestEnqueueRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Job{Name: "tick", Opt: fastRetry(), Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		close(done)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not succeed")
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	h := s.Snapshot().History[0]
	require.Equal(t, 3, h.Attempts)
	require.Empty(t, h.Error)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Job{Name: "bad", Opt: fastRetry(), Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("invalid input"))
	}}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "invalid input", s.Snapshot().History[0].Error)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	job := Job{Name: "tick", Opt: JobOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(job))
	<-started
	require.ErrorIs(t, s.Enqueue(job), ErrOverlapSkip)
	close(release)

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	require.NoError(t, s.Enqueue(Job{Name: "boom", Opt: fastRetry(), Run: func(context.Context) error {
		panic("nil map")
	}}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.Snapshot().History[0].Error, "panic")
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, off.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	require.ErrorIs(t, idle.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	var once atomic.Bool
	block := Job{Name: "slow", Run: func(context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(block))
	<-started
	require.NoError(t, s.Enqueue(block))
	require.ErrorIs(t, s.Enqueue(block), ErrQueueFull)
	require.Equal(t, uint64(1), s.Snapshot().Dropped)
	close(release)
}

func TestSharedGateSpansNames(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	gate := &Gate{}
	release := make(chan struct{})
	started := make(chan struct{})
	opt := JobOptions{Overlap: OverlapSkipIfRunning}
	require.NoError(t, s.Enqueue(Job{Name: "a", Opt: opt, Gate: gate, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	err := s.Enqueue(Job{Name: "b", Opt: opt, Gate: gate, Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrOverlapSkip)
	close(release)
}
