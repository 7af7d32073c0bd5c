package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortIsUnchanged(t *testing.T) {
	t.Parallel()

	got := splitText("⏳ 00:06:40", 100, "HTML")
	if len(got) != 1 || got[0] != "⏳ 00:06:40" {
		t.Fatalf("splitText = %q, want single unchanged chunk", got)
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("я", 30) + "\n"
	s := strings.Repeat(line, 20)
	chunks := splitText(s, 100, "")
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want > 1", len(chunks))
	}
	var total int
	for i, c := range chunks {
		n := utf8.RuneCountInString(c)
		if n > 100 {
			t.Fatalf("chunk %d has %d runes, want <= 100", i, n)
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk %d has edge newline: %q", i, c)
		}
		total += strings.Count(c, "я")
	}
	if total != 600 {
		t.Fatalf("runes kept = %d, want 600", total)
	}
}

func TestSplitTextDoesNotCutHTMLTag(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 98) + "<b>x</b>"
	chunks := splitText(s, 100, "HTML")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q, want 2", chunks)
	}
	if chunks[0] != strings.Repeat("a", 98) {
		t.Fatalf("first chunk = %q, want plain prefix", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("second chunk = %q, want it to start with the tag", chunks[1])
	}
}
