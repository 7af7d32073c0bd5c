package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "shiftbot/pkg/logx"
)

const slowJob = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, p *pool, idx int64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ idx<<32))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopping:
			return
		case q := <-p.queue:
			s.inFlight.Add(1)
			s.exec(ctx, p, q, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, p *pool, q queued, rng *rand.Rand) {
	if q.gate != nil {
		defer q.gate.leave()
	}
	start := time.Now()
	item := HistoryItem{ID: q.job.ID, Name: q.job.Name, Started: start, QueueDelay: max(start.Sub(q.at), 0)}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && item.QueueDelay > maxDelay {
		s.drop(q.job, "stale", logx.Duration("queue_delay", item.QueueDelay))
		item.Error = "stale: queued " + item.QueueDelay.Round(time.Millisecond).String()
		s.record(item)
		return
	}

	err := s.attempts(ctx, p, q, rng, &item.Attempts)
	item.Duration = time.Since(start)
	fields := []logx.Field{logx.String("job", q.job.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts)}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.metrics.Job(q.job.Name, "failed")
		s.log.Warn("job failed", append(fields, logx.Err(err))...)
	case item.Duration >= slowJob:
		s.metrics.Job(q.job.Name, "ok")
		s.log.Info("job completed", fields...)
	default:
		s.metrics.Job(q.job.Name, "ok")
		s.log.Debug("job completed", fields...)
	}
	s.record(item)
}

// attempts runs q until it succeeds, returns a NoRetry error or uses up
// its retries.
func (s *Service) attempts(ctx context.Context, p *pool, q queued, rng *rand.Rand, n *int) error {
	for *n = 1; ; *n++ {
		err := s.runOnce(ctx, q)
		if err == nil {
			return nil
		}
		if inner, final := unwrapFinal(err); final {
			return inner
		}
		if *n > q.opt.RetryMax {
			return err
		}
		delay := backoff(q.opt, *n, rng)
		s.log.Debug("job retry scheduled", logx.String("job", q.job.Name), logx.Int("attempt", *n+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-p.stopping:
			t.Stop()
			return ErrStopped
		case <-t.C:
		}
	}
}

// runOnce runs a single attempt. A panic becomes an error so the worker
// survives.
func (s *Service) runOnce(ctx context.Context, q queued) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.metrics.Panic("job." + q.job.Name)
			s.log.Error("job panicked", logx.String("job", q.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return q.job.Run(ctx)
}

// backoff doubles RetryBase per attempt up to RetryMaxDelay and applies
// jitter.
func backoff(opt JobOptions, attempt int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	if opt.RetryJitter > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + opt.RetryJitter*(2*rng.Float64()-1)))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
