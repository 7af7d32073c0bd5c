package notifier

import (
	"context"
	"math/rand"
	"strings"
	"time"

	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

var timeNow = time.Now

const (
	sendTimeout     = 20 * time.Second
	followUpTimeout = 10 * time.Second
)

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.handle(ctx, j)
		}
	}
}

// handle delivers j, retrying with backoff up to RetryMax times.
func (s *Service) handle(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil || (strings.TrimSpace(j.n.Text) == "" && len(j.n.Photos) == 0) {
		return
	}

	var err error
	for attempt := 1; ; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		if err = s.deliver(ctx, ad, j.n); err == nil {
			s.record(j)
			s.metrics.Notification("sent")
			return
		}
		s.log.Debug("notify send failed", logx.String("id", j.id), logx.Int("attempt", attempt), logx.Err(err))
		if attempt > cfg.RetryMax {
			break
		}
		if !sleep(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	s.metrics.Notification("failed")
	s.log.Warn("notification failed", logx.String("id", j.id), logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(err))
}

// deliver makes one attempt at n. The fallback target is tried once when
// the primary fails; the follow-up goes wherever the main message landed.
func (s *Service) deliver(ctx context.Context, ad kit.Adapter, n kit.Notification) error {
	to := n.Target
	err := send(ctx, ad, to, n)
	if err != nil && n.Fallback != nil && *n.Fallback != n.Target {
		s.log.Warn("primary target failed; using fallback",
			logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID), logx.Err(err))
		to = *n.Fallback
		err = send(ctx, ad, to, n)
	}
	if err != nil || n.FollowUp == nil {
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, followUpTimeout)
	defer cancel()
	if _, ferr := ad.SendText(fctx, to, n.FollowUp.Text, n.FollowUp.Options); ferr != nil {
		s.log.Warn("follow-up send failed", logx.Int64("chat_id", to.ChatID), logx.Err(ferr))
	}
	return nil
}

func send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget, n kit.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	var err error
	if len(n.Photos) > 0 {
		_, err = ad.SendAlbum(ctx, to, n.Photos, n.Text, n.Options)
	} else {
		_, err = ad.SendText(ctx, to, n.Text, n.Options)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait after a failed attempt: RetryBase doubled per
// attempt, jittered by ±30% and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	jitter := 0.7 + 0.6*rand.Float64()
	return min(max(time.Duration(float64(d)*jitter), 0), cfg.RetryMaxDelay)
}
