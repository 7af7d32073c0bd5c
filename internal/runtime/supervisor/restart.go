package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	logx "shiftbot/pkg/logx"
)

// healthyRun resets the restart backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // 0 means unlimited
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = max(n, 0) }
}

// GoRestart runs fn and restarts it after an error or panic, with jittered
// exponential backoff. A nil return or cancellation ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)
	s.spawn(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	backoff := p.min
	for restarts := 0; ; restarts++ {
		began := time.Now()
		err := s.call(name, restarts > 0, fn)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		if p.maxRestarts > 0 && restarts >= p.maxRestarts {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(err)
			return
		}
		if time.Since(began) >= healthyRun {
			backoff = p.min
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/5+1))
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, p.max)
	}
}
