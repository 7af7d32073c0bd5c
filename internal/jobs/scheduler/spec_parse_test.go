package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{in: "*/30 * * * * *", kind: SpecCron, cron: "*/30 * * * * *"},
		{in: "@every 30s", kind: SpecCron, cron: "@every 30s"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "every: 1m30s", kind: SpecInterval, every: 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v, want kind=%v cron=%q every=%v", tt.in, got, tt.kind, tt.cron, tt.every)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "soon", "00:75", "-5s", "every:", "cron:"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", in)
		}
	}
}

func TestIntervalSpreadStaysWithinBound(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sched, offset := makeIntervalScheduleWithSpread(30*time.Second, now, "tick")
	if offset < 0 || offset >= maxStartupSpread {
		t.Fatalf("offset = %v, want [0, %v)", offset, maxStartupSpread)
	}
	first := sched.Next(now.Add(-time.Nanosecond))
	if !first.Equal(now.Add(offset)) {
		t.Fatalf("first = %v, want %v", first, now.Add(offset))
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 29*time.Second || gap > 30*time.Second {
		t.Fatalf("second run after %v, want ~30s", gap)
	}
}
