package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// Upper bound for the first-run offset of interval schedules. Kept small:
// the dispatch tick must not sit idle for long after a restart.
const maxStartupSpread = 5 * time.Second

// delayedStart fires once at first, then follows base.
type delayedStart struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedStart) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	offset := time.Duration(rng.Int63n(int64(spreadMax)))
	return &delayedStart{base: base, first: now.Add(offset)}, offset
}
