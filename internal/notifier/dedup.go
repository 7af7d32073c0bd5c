package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

// DedupStore persists suppression windows across restarts.
// storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

const storeLookupTimeout = 25 * time.Millisecond

// dedupKey is n.Key, or a content hash of target and body.
func dedupKey(n kit.Notification) string {
	switch {
	case n.Key != "":
		return n.Key
	case n.Target.ChatID == 0:
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%d/%d/", n.Target.ChatID, n.Target.ThreadID, len(n.Photos))
	h.Write([]byte(n.Text))
	return fmt.Sprintf("%016x", h.Sum64())
}

// suppressor remembers until when each key stays muted.
type suppressor struct {
	mu    sync.Mutex
	muted map[string]time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{muted: map[string]time.Time{}}
}

func (s *suppressor) active(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.muted[key]
	return ok && now.Before(until)
}

// mute records key and trims the table to limit entries, expired first and
// then soonest-to-expire.
func (s *suppressor) mute(key string, until, now time.Time, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[key] = until
	for k, u := range s.muted {
		if !now.Before(u) {
			delete(s.muted, k)
		}
	}
	for limit > 0 && len(s.muted) > limit {
		oldest, first := "", time.Time{}
		for k, u := range s.muted {
			if oldest == "" || u.Before(first) {
				oldest, first = k, u
			}
		}
		delete(s.muted, oldest)
	}
}

type dedupWrite struct {
	key   string
	until time.Time
}

// admit reports whether a message with key may be queued now, muting the key
// for the configured window when it may.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	if cfg.DedupWindow <= 0 || key == "" {
		return true
	}
	now := time.Now()
	if s.muted.active(key, now) {
		return false
	}
	if persist != nil {
		lctx, cancel := context.WithTimeout(ctx, storeLookupTimeout)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.muted.mute(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.muted.mute(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// persistLoop writes muted keys to the store until ch closes.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		var w dedupWrite
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			w = v
		}
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
}
