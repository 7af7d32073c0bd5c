package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"shiftbot/internal/review"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

func parseTaskID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	return id, err == nil && id > 0
}

func (b *Bot) cbApprove(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseTaskID(payload)
	if !ok {
		return nil
	}
	t, err := b.d.Review.Approve(ctx, id, req.FromID)
	if err != nil {
		if storage.IsConflict(err) {
			return b.show(ctx, req, tgui.New().Line(fmt.Sprintf("Task #%d was already reviewed.", id)).Build())
		}
		return replyErr(ctx, req, err)
	}
	req.Logger.Info("task approved", logx.Int64("task_id", id))
	return b.show(ctx, req, tgui.New().Title("✅", "Approved").
		KV("Task", fmt.Sprintf("#%d %s", t.ID, t.Name)).
		KV("By", req.FromName).
		Build())
}

func (b *Bot) cbReject(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseTaskID(payload)
	if !ok {
		return nil
	}
	t, err := b.d.Store.Task(ctx, id)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if t.Status != storage.StatusPendingReview {
		return b.show(ctx, req, tgui.New().Line(fmt.Sprintf("Task #%d was already reviewed.", id)).Build())
	}
	b.expectReason(req.FromID, id)
	return b.askReason(ctx, req, t)
}

func (b *Bot) askReason(ctx context.Context, req *router.Request, t storage.Task) error {
	text := tgui.JoinH(" ",
		tgui.Mention(req.FromName, req.FromID),
		tgui.Esc(fmt.Sprintf("why is task #%d \"%s\" returned? Reply with at least %d characters.", t.ID, t.Name, review.MinReasonLen)),
	)
	_, err := req.Reply(ctx, text.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ForceReply: true})
	return err
}

// finishReject consumes the supervisor's reply as the rework reason.
func (b *Bot) finishReject(ctx context.Context, req *router.Request, taskID int64) error {
	reason := ""
	if req.Update.Message != nil {
		reason = req.Update.Message.Text
	}
	t, err := b.d.Review.Reject(ctx, taskID, req.FromID, reason)
	switch {
	case errors.Is(err, review.ErrReasonTooShort):
		b.expectReason(req.FromID, taskID)
		_, err = req.Reply(ctx, fmt.Sprintf("The reason needs at least %d characters. Try again.", review.MinReasonLen), &kit.SendOptions{ForceReply: true})
		return err
	case err != nil:
		return replyErr(ctx, req, err)
	}
	req.Logger.Info("task returned", logx.Int64("task_id", taskID), logx.String("status", string(t.Status)))
	msg := tgui.New().Title("🔁", "Returned for rework").
		KV("Task", fmt.Sprintf("#%d %s", t.ID, t.Name)).
		KV("Worker", t.OperatorName).
		KV("Reason", strings.TrimSpace(reason))
	if t.Status == storage.StatusFrozen {
		msg.Line("The worker is on an override task; the rework starts after it.")
	}
	_, err = msg.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}
