package adapter

import (
	"strings"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	kit "shiftbot/internal/transport"
)

// inbox forwards updates to the consumer without ever blocking the poller.
type inbox struct {
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64
}

func (b *inbox) attach(ch chan<- kit.Update) { b.out.Store(&ch) }
func (b *inbox) detach()                     { b.out.Store(nil) }

func (b *inbox) capacity() int {
	if p := b.out.Load(); p != nil {
		return cap(*p)
	}
	return 0
}

func (b *inbox) push(up kit.Update) {
	p := b.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		b.dropped.Add(1)
	}
}

// handle wires telebot events to the inbox. Telebot prefixes unique-less
// callback data with \f; consumers never see it.
func (a *Adapter) handle() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.in.push(kit.Update{Kind: kit.UpdateMessage, Message: fromMessage(m)})
		}
		return nil
	})
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Photo != nil {
			a.in.push(kit.Update{Kind: kit.UpdatePhoto, Message: fromPhoto(m)})
		}
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		if cb := fromCallback(c.Callback(), c.Message()); cb != nil {
			a.in.push(kit.Update{Kind: kit.UpdateCallback, Callback: cb})
		}
		return nil
	})
}

func fromMessage(m *tele.Message) *kit.Message {
	msg := &kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
	if ch := m.Chat; ch != nil {
		msg.ChatID = ch.ID
		msg.IsGroup = ch.Type == tele.ChatGroup || ch.Type == tele.ChatSuperGroup
	}
	if u := m.Sender; u != nil {
		msg.FromID, msg.FromUsername, msg.FromName = u.ID, u.Username, userName(u)
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = m.ReplyTo.ID
	}
	return msg
}

func fromPhoto(m *tele.Message) *kit.Message {
	msg := fromMessage(m)
	msg.Text = m.Caption
	msg.PhotoID = m.Photo.FileID
	msg.AlbumID = m.AlbumID
	return msg
}

func fromCallback(cb *tele.Callback, m *tele.Message) *kit.Callback {
	if cb == nil || m == nil || cb.Sender == nil || m.Chat == nil {
		return nil
	}
	return &kit.Callback{
		ID:        cb.ID,
		FromID:    cb.Sender.ID,
		FromName:  userName(cb.Sender),
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      strings.TrimPrefix(cb.Data, "\f"),
	}
}

// userName is "First Last", or the username when both are blank.
func userName(u *tele.User) string {
	full := strings.Join(strings.Fields(u.FirstName+" "+u.LastName), " ")
	if full != "" {
		return full
	}
	return u.Username
}
