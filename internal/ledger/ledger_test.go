package ledger

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestElapsedAndRemaining(t *testing.T) {
	t.Parallel()

	started := at(100)
	cases := []struct {
		name          string
		snap          Snapshot
		now           time.Time
		wantElapsed   int64
		wantRemaining int64
	}{
		{name: "idle", snap: Snapshot{Accumulated: 120, Allocated: 900}, now: at(5000), wantElapsed: 120, wantRemaining: 780},
		{name: "running", snap: Snapshot{Accumulated: 120, Allocated: 900, StartedAt: &started}, now: at(400), wantElapsed: 420, wantRemaining: 480},
		{name: "sub-second open interval", snap: Snapshot{Allocated: 900, StartedAt: &started}, now: at(100).Add(900 * time.Millisecond), wantElapsed: 0, wantRemaining: 900},
		{name: "overrun floors at zero", snap: Snapshot{Accumulated: 800, Allocated: 900, StartedAt: &started}, now: at(400), wantElapsed: 1100, wantRemaining: 0},
		{name: "clock behind start", snap: Snapshot{Accumulated: 60, Allocated: 900, StartedAt: &started}, now: at(50), wantElapsed: 60, wantRemaining: 840},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ElapsedNow(tc.snap, tc.now); got != tc.wantElapsed {
				t.Fatalf("ElapsedNow = %d, want %d", got, tc.wantElapsed)
			}
			if got := Remaining(tc.snap, tc.now); got != tc.wantRemaining {
				t.Fatalf("Remaining = %d, want %d", got, tc.wantRemaining)
			}
		})
	}
}

func TestFreezeResumeCyclesSumRunningTime(t *testing.T) {
	t.Parallel()

	// Running intervals: [0,300) [500,700) [1000,1030) [2000,2001)
	intervals := [][2]int{{0, 300}, {500, 700}, {1000, 1030}, {2000, 2001}}
	s := Snapshot{Allocated: 900}
	var want int64
	for _, iv := range intervals {
		s = Resume(s, at(iv[0]))
		if !s.Running() {
			t.Fatalf("Resume did not open an interval")
		}
		// Re-reading mid interval never changes what is persisted.
		_ = ElapsedNow(s, at(iv[0]+1))
		s = Freeze(s, at(iv[1]))
		want += int64(iv[1] - iv[0])
		if s.StartedAt != nil {
			t.Fatalf("Freeze left StartedAt set")
		}
		if s.Accumulated != want {
			t.Fatalf("Accumulated = %d, want %d", s.Accumulated, want)
		}
	}

	// Freezing twice is a no-op.
	again := Freeze(s, at(5000))
	if again.Accumulated != want {
		t.Fatalf("second Freeze changed Accumulated: %d", again.Accumulated)
	}
}

func TestFreezeResumeRejectScenario(t *testing.T) {
	t.Parallel()

	s := Snapshot{Allocated: 900}
	s = Resume(s, at(0))
	s = Freeze(s, at(300))
	if s.Accumulated != 300 {
		t.Fatalf("after freeze Accumulated = %d, want 300", s.Accumulated)
	}
	s = Resume(s, at(500))
	if got := ElapsedNow(s, at(700)); got != 500 {
		t.Fatalf("ElapsedNow at T0+700 = %d, want 500", got)
	}
	// Submission folds the interval; a rejection reopens it.
	s = Freeze(s, at(700))
	s = Resume(s, at(700))
	if got := Remaining(s, at(700)); got != 400 {
		t.Fatalf("Remaining = %d, want 400", got)
	}
}

func TestElapsedMonotonicWhileActive(t *testing.T) {
	t.Parallel()

	started := at(0)
	s := Snapshot{Accumulated: 10, Allocated: 900, StartedAt: &started}
	prev := int64(-1)
	for i := 0; i < 200; i += 7 {
		got := ElapsedNow(s, at(i))
		if got < prev {
			t.Fatalf("ElapsedNow decreased at %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestAlign(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, tick, want int64
	}{
		{0, 15, 0},
		{-5, 15, 0},
		{14, 15, 0},
		{15, 15, 15},
		{899, 15, 885},
		{899, 1, 899},
		{899, 0, 899},
	}
	for _, tc := range cases {
		if got := Align(tc.in, tc.tick); got != tc.want {
			t.Fatalf("Align(%d,%d) = %d, want %d", tc.in, tc.tick, got, tc.want)
		}
	}
}

func TestHMS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "00:15:00", want: 900},
		{raw: "01:02:03", want: 3723},
		{raw: "30:00:00", want: 108000},
		{raw: "00:45", want: 2700},
		{raw: " 00:00:59 ", want: 59},
		{raw: "", wantErr: true},
		{raw: "12", wantErr: true},
		{raw: "00:61:00", wantErr: true},
		{raw: "aa:bb:cc", wantErr: true},
		{raw: "1:2:3:4", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseHMS(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseHMS(%q) expected error, got %d", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseHMS(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseHMS(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}

	for _, sec := range []int64{0, 59, 900, 3723, 108000} {
		back, err := ParseHMS(FormatHMS(sec))
		if err != nil || back != sec {
			t.Fatalf("round trip %d -> %q -> %d (%v)", sec, FormatHMS(sec), back, err)
		}
	}
	if got := FormatHMS(-3); got != "00:00:00" {
		t.Fatalf("FormatHMS(-3) = %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want int64
	}{
		{"00:20:00", 1200},
		{"00:20", 1200},
		{"20", 1200},
		{"", DefaultAllocated},
		{"soon", DefaultAllocated},
		{"00:00:00", DefaultAllocated},
		{"-4", DefaultAllocated},
	}
	for _, tc := range cases {
		if got := ParseDuration(tc.raw, DefaultAllocated); got != tc.want {
			t.Fatalf("ParseDuration(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
