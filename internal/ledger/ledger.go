// Package ledger holds the elapsed-time arithmetic for tasks.
//
// Everything here is pure: callers pass the persisted fields and a clock
// reading, and get whole seconds back. Nothing is cached between calls.
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultAllocated is used when a planned duration cannot be read.
const DefaultAllocated int64 = 900

// DisplayTick is the granularity timer messages are rendered at.
const DisplayTick int64 = 15

// Snapshot is the subset of a task the ledger reads.
type Snapshot struct {
	// Accumulated is the time from finished running intervals.
	Accumulated int64
	Allocated   int64
	// StartedAt is set only while the current interval is running.
	StartedAt *time.Time
}

// Running reports whether an interval is open.
func (s Snapshot) Running() bool { return s.StartedAt != nil }

// ElapsedNow is Accumulated plus the open interval, if any.
func ElapsedNow(s Snapshot, now time.Time) int64 {
	e := s.Accumulated
	if e < 0 {
		e = 0
	}
	if s.StartedAt != nil {
		if d := now.Sub(*s.StartedAt); d > 0 {
			e += int64(d / time.Second)
		}
	}
	return e
}

// Remaining is Allocated minus ElapsedNow, floored at zero.
func Remaining(s Snapshot, now time.Time) int64 {
	r := s.Allocated - ElapsedNow(s, now)
	if r < 0 {
		return 0
	}
	return r
}

// Overdue is how far ElapsedNow has run past Allocated.
func Overdue(s Snapshot, now time.Time) int64 {
	o := ElapsedNow(s, now) - s.Allocated
	if o < 0 {
		return 0
	}
	return o
}

// Freeze folds the open interval into Accumulated and clears StartedAt.
// A snapshot without an open interval is returned unchanged.
func Freeze(s Snapshot, now time.Time) Snapshot {
	if s.StartedAt == nil {
		return s
	}
	s.Accumulated = ElapsedNow(s, now)
	s.StartedAt = nil
	return s
}

// Resume opens a new interval at now. Accumulated is left alone.
func Resume(s Snapshot, now time.Time) Snapshot {
	t := now.Truncate(time.Second)
	s.StartedAt = &t
	return s
}

// Align rounds seconds down to a multiple of tick.
func Align(seconds, tick int64) int64 {
	if seconds <= 0 {
		return 0
	}
	if tick <= 1 {
		return seconds
	}
	return seconds - seconds%tick
}

// FormatHMS renders seconds as HH:MM:SS. Hours are not wrapped at 24.
func FormatHMS(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// ParseHMS reads HH:MM:SS or HH:MM into seconds.
func ParseHMS(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	var vals [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		if i > 0 && n > 59 {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		vals[i] = n
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}

// ParseDuration accepts HH:MM:SS, HH:MM or a bare minute count and falls
// back to def when the value is unusable.
func ParseDuration(raw string, def int64) int64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	if strings.Contains(s, ":") {
		v, err := ParseHMS(s)
		if err != nil || v <= 0 {
			return def
		}
		return v
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n * 60
}
