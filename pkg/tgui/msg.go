package tgui

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "shiftbot/internal/transport"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	return s.SendText(ctx, to, m.Text, m.Opt)
}

func (m Message) Edit(ctx context.Context, s kit.Sender, ref kit.MessageRef) error {
	return s.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder renders HTML cards line by line; text is escaped.
type Builder struct {
	rm    *tele.ReplyMarkup
	lines []string
}

func New() *Builder { return &Builder{} }

func (b *Builder) Inline(kb *Inline) *Builder {
	b.rm = nil
	if kb != nil {
		b.rm = kb.Markup()
	}
	return b
}

// Title adds a bold title with an optional leading emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := wrap("b", Esc(strings.TrimSpace(title))).String()
	if e := strings.TrimSpace(emoji); e != "" {
		t = e + " " + t
	}
	b.lines = append(b.lines, t)
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds "key: value"; empty values are skipped.
func (b *Builder) KV(key, value string) *Builder {
	if strings.TrimSpace(value) == "" {
		return b
	}
	b.lines = append(b.lines, wrap("b", Esc(key)).String()+": "+Esc(value).String())
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"), Opt: opt}
}
