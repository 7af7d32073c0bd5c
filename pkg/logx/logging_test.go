package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu    sync.Mutex
	lines []string
	chat  int64
}

func (f *fakeSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = chatID
	f.lines = append(f.lines, text)
	return nil
}

func (f *fakeSender) snapshot() (int64, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat, append([]string(nil), f.lines...)
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	got := formatTelegramJSON([]byte(`{"level":"warn","message":"task stuck","task":7,"worker":"a","time":"x"}`))
	want := "[WARN] task stuck\n- task=7\n- worker=a"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}

	raw := formatTelegramJSON([]byte("  not json \n"))
	if raw != "not json" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	snd := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, snd)
	defer svc.Close()
	svc.SetTelegramTarget(-100, 0)

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, lines := snd.snapshot(); len(lines) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	chat, lines := snd.snapshot()
	if len(lines) != 1 {
		t.Fatalf("sent %d lines, want 1: %v", len(lines), lines)
	}
	if chat != -100 || !strings.Contains(lines[0], "loud") {
		t.Fatalf("unexpected line %q to %d", lines[0], chat)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARNING": zerolog.WarnLevel,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.With(Int("n", 1)).Error("ignored")
}

func TestCallerPointsAtCallSite(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	z := zerolog.New(&buf)
	l := Logger{fixed: &z}.With(String("comp", "test"))
	l.Info("hello", Int("n", 2))

	out := buf.String()
	for _, want := range []string{`"caller":"logging_test.go:`, `"comp":"test"`, `"n":2`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("line %q missing %s", out, want)
		}
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"ééééé", 6, "é..."},
	}
	for _, tc := range cases {
		if got := clip(tc.in, tc.n); got != tc.want {
			t.Fatalf("clip(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
