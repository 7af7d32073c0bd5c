package tgui

import (
	"strings"
	"testing"
)

func TestBuilderEscapesAndSkipsEmptyValues(t *testing.T) {
	t.Parallel()

	m := New().Title("⏳", "Task <42>").KV("Sector", "Dairy & Eggs").KV("Comment", "").Line("a<b").Build()
	want := "⏳ <b>Task &lt;42&gt;</b>\n<b>Sector</b>: Dairy &amp; Eggs\na&lt;b"
	if m.Text != want {
		t.Fatalf("Text = %q, want %q", m.Text, want)
	}
	if m.Opt.ParseMode != "HTML" || m.Opt.ReplyMarkupAdapter != nil {
		t.Fatalf("Opt = %+v, want HTML without markup", m.Opt)
	}
}

func TestData(t *testing.T) {
	t.Parallel()

	got, err := Data("review", "approve", "42")
	if err != nil || got != "review:approve:42" {
		t.Fatalf("Data = %q, %v", got, err)
	}
	if _, err := Data("review", "reject", strings.Repeat("9", 60)); err != ErrCallbackDataTooLong {
		t.Fatalf("Data err = %v, want ErrCallbackDataTooLong", err)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"привет мир", 6, "приве…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestGridWrapsRows(t *testing.T) {
	t.Parallel()

	kb := NewInline().Grid(2, Btn("a", "s:a"), Btn("b", "s:b"), Btn("c", "s:c")).Markup()
	if got := len(kb.InlineKeyboard); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
	if got := len(kb.InlineKeyboard[1]); got != 1 {
		t.Fatalf("last row = %d buttons, want 1", got)
	}
}

func TestCodeAndPreEscape(t *testing.T) {
	t.Parallel()

	if got := Pre("a<b").String(); got != "<pre>a&lt;b</pre>" {
		t.Fatalf("Pre = %q", got)
	}
	if got := JoinH(" ", Esc("Usage:"), Code("/x <id>"), Esc(" ")).String(); got != "Usage: <code>/x &lt;id&gt;</code>" {
		t.Fatalf("JoinH = %q", got)
	}
}
