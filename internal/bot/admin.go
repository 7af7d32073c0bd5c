package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"shiftbot/internal/storage"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

func (b *Bot) cmdForce(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		_, err := req.Reply(ctx, "Usage: /force HH:MM", nil)
		return err
	}
	rep, err := b.d.Ticker.ForceStart(ctx, req.Args[0])
	if err != nil {
		_, rerr := req.Reply(ctx, tgui.Esc("Force start failed: "+err.Error()).String(), nil)
		return errors.Join(err, rerr)
	}
	msg := tgui.New().Title("⚡", "Force start "+req.Args[0]).
		KV("Due", strconv.Itoa(rep.Due)).
		KV("Assigned", strconv.Itoa(rep.Assigned)).
		Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdSpecial(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		_, err := req.Reply(ctx, tgui.JoinH(" ", tgui.Esc("Usage:"), tgui.Code("/special <task_id> <worker_id>")).String(), nil)
		return err
	}
	taskID, err1 := strconv.ParseInt(req.Args[0], 10, 64)
	workerID, err2 := strconv.ParseInt(req.Args[1], 10, 64)
	if err1 != nil || err2 != nil {
		_, err := req.Reply(ctx, "Task and worker ids must be numbers.", nil)
		return err
	}

	name := strconv.FormatInt(workerID, 10)
	if s, ok := b.d.Sessions.Get(workerID); ok && s.Name != "" {
		name = s.Name
	} else if w, err := b.d.Store.Worker(ctx, workerID); err == nil && w.Name != "" {
		name = w.Name
	}

	p, err := b.d.Preempt.AssignSpecial(ctx, workerID, taskID, name)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	req.Logger.Info("override task assigned", logx.Int64("task_id", taskID), logx.Int64("worker_id", workerID))
	card := tgui.New().Title("🚨", "Override task assigned").
		KV("Task", fmt.Sprintf("#%d %s", p.Task.ID, p.Task.Name)).
		KV("Worker", name)
	if p.Frozen != nil {
		card.KV("Paused", fmt.Sprintf("#%d %s", p.Frozen.ID, p.Frozen.Name))
	}
	_, err = card.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	if b.d.Status == nil {
		_, err := req.Reply(ctx, "Status unavailable.", nil)
		return err
	}
	open, err := b.d.Store.Count(ctx, storage.Filter{Statuses: storage.ActiveStatuses})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	review, err := b.d.Store.Count(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusPendingReview}})
	if err != nil {
		return replyErr(ctx, req, err)
	}
	msg := tgui.New().Title("📊", "Status").
		KV("On shift", strconv.Itoa(b.d.Sessions.Open())).
		KV("Active tasks", strconv.Itoa(open)).
		KV("Awaiting review", strconv.Itoa(review)).
		Blank().
		HTML(tgui.Pre(b.d.Status(ctx))).
		Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}
