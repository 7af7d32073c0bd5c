package adapter

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "shiftbot/internal/transport"
)

// Telegram caps an album at ten items.
const maxAlbum = 10

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if !withMarkup {
		return so
	}
	switch {
	case opt.ReplyMarkupAdapter != nil:
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	case opt.ForceReply:
		so.ReplyMarkup = &tele.ReplyMarkup{ForceReply: true}
	case opt.RemoveKeyboard:
		so.ReplyMarkup = &tele.ReplyMarkup{RemoveKeyboard: true}
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		// Markup goes on the first chunk only.
		msg, err := a.bot.Send(chat, chunk, a.sendOptions(to, opt, i == 0))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. Text beyond one message is dropped
// because a live timer message must stay a single message. An unchanged
// text is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	chunk := splitText(text, textLimit, opt.ParseMode)[0]
	so := a.sendOptions(kit.ChatTarget{ChatID: ref.ChatID}, opt, opt.ReplyMarkupAdapter != nil)
	so.ThreadID = 0
	if _, err := a.bot.Edit(m, chunk, so); err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

// SendAlbum sends up to ten photos as one media group; the caption goes on
// the first photo.
func (a *Adapter) SendAlbum(ctx context.Context, to kit.ChatTarget, photoIDs []string, caption string, opt *kit.SendOptions) ([]kit.MessageRef, error) {
	if len(photoIDs) == 0 {
		return nil, errors.New("album is empty")
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(photoIDs) > maxAlbum {
		photoIDs = photoIDs[:maxAlbum]
	}
	album := make(tele.Album, 0, len(photoIDs))
	for i, id := range photoIDs {
		p := &tele.Photo{File: tele.File{FileID: id}}
		if i == 0 {
			p.Caption = caption
		}
		album = append(album, p)
	}
	msgs, err := a.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, a.sendOptions(to, opt, false))
	if err != nil {
		return nil, err
	}
	refs := make([]kit.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID})
	}
	return refs, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// SendLog delivers a log line; it makes the adapter a logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
