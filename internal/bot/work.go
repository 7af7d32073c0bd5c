package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shiftbot/internal/assign"
	"shiftbot/internal/ledger"
	"shiftbot/internal/review"
	"shiftbot/internal/session"
	"shiftbot/internal/storage"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

const maxComment = 300

// cmdTask shows the running task or asks the engine for a new one.
func (b *Bot) cmdTask(ctx context.Context, req *router.Request) error {
	s, ok := b.d.Sessions.Get(req.FromID)
	if !ok {
		return replyErr(ctx, req, session.ErrNotOnShift)
	}
	if s.Role != storage.RoleWorker {
		_, err := req.Reply(ctx, "Supervisors do not take tasks.", nil)
		return err
	}

	cur, err := b.d.Review.ActiveTask(ctx, req.FromID)
	switch {
	case err == nil:
		frozen, ferr := b.d.Store.Tasks(ctx, storage.Filter{
			WorkerID: storage.Ptr(req.FromID),
			Statuses: []storage.Status{storage.StatusFrozen},
			Order:    storage.OrderRecent,
		})
		if ferr != nil {
			return replyErr(ctx, req, ferr)
		}
		special := cur.IsSpecial(b.d.Preempt.SpecialPriority())
		if _, err := taskCard(cur, special, frozen, b.d.Review.MaxPhotos(), b.now()).Send(ctx, req.Adapter, req.Chat); err != nil {
			return err
		}
		// Re-arms the live message if it was lost, e.g. after a restart.
		b.d.Timers.Start(cur.ID, s.Target())
		return nil
	case !errors.Is(err, review.ErrNoActiveTask):
		return replyErr(ctx, req, err)
	}

	ar, err := b.d.Sessions.Request(req.FromID)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	res, err := b.d.Assign.Request(ctx, ar)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	switch res.Reason {
	case assign.Assigned:
		req.Logger.Info("task assigned", logx.Int64("task_id", res.Task.ID), logx.Int("slot", ar.Slot))
		return nil
	case assign.Resumed:
		// The resume card was already sent with the task.
		req.Logger.Info("paused task handed back", logx.Int64("task_id", res.Task.ID))
		return nil
	case assign.AwaitingReview:
		_, err = req.Reply(ctx, "Your last task is waiting for the supervisor. You will get a message once it is checked.", nil)
	case assign.Busy:
		_, err = req.Reply(ctx, "You already have a task in progress.", nil)
	default:
		_, err = req.Reply(ctx, "No tasks available right now. Try again later.", nil)
	}
	return err
}

func (b *Bot) collectPhoto(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil || msg.PhotoID == "" {
		return nil
	}
	if _, ok := b.d.Sessions.Get(req.FromID); !ok {
		return replyErr(ctx, req, session.ErrNotOnShift)
	}
	cur, err := b.d.Review.ActiveTask(ctx, req.FromID)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if cur.IsSpecial(b.d.Preempt.SpecialPriority()) {
		_, err := req.Reply(ctx, "This task needs no photos. Press /done when it is finished.", nil)
		return err
	}

	started := b.now()
	if cur.StartedAt != nil {
		started = *cur.StartedAt
	}
	p, err := b.d.Sessions.AddPhoto(req.FromID, cur.ID, msg.PhotoID, started)
	if errors.Is(err, session.ErrPhotoLimit) {
		_, err = req.Reply(ctx, fmt.Sprintf("Limit of %d photos reached. Press /done to hand in.", p.Max), nil)
		return err
	}
	if err != nil {
		return replyErr(ctx, req, err)
	}
	text := fmt.Sprintf("📷 Photo %d/%d received.", p.Count, p.Max)
	if p.Count < p.Max {
		text += " Send more or press /done."
	} else {
		text += " Press /done."
	}
	if p.Late {
		text += "\n⚠️ These photos come long after the task started. The supervisor will see the timing."
	}
	_, err = req.Reply(ctx, text, nil)
	return err
}

func (b *Bot) cmdDone(ctx context.Context, req *router.Request) error {
	if _, ok := b.d.Sessions.Get(req.FromID); !ok {
		return replyErr(ctx, req, session.ErrNotOnShift)
	}
	cur, err := b.d.Review.ActiveTask(ctx, req.FromID)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	photos := b.d.Sessions.Photos(req.FromID, cur.ID)
	done, err := b.d.Review.Complete(ctx, req.FromID, photos)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	b.d.Sessions.ResetPhotos(req.FromID)

	card := tgui.New()
	if done.Special {
		card.Title("✅", "Override task done").KV("Task", done.Task.Name)
		if done.Resumed != nil {
			card.Blank().Line("Your paused task continues.")
		} else {
			card.Blank().Line("Press /task for the next one.")
		}
	} else {
		card.Title("📤", "Sent for review").
			KV("Task", done.Task.Name).
			KV("Photos", fmt.Sprint(len(photos))).
			Blank().Line("Wait for the supervisor before taking a new task.")
	}
	_, err = card.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// taskCard is the /task view of the running task and any paused ones.
func taskCard(t storage.Task, special bool, frozen []storage.Task, maxPhotos int, now time.Time) tgui.Message {
	b := tgui.New()
	switch {
	case special:
		b.Title("🚨", "Override task")
	case t.Status == storage.StatusOnRework:
		b.Title("🔁", "Task on rework")
	default:
		b.Title("⏱", "Your task")
	}
	b.KV("Task", t.Name).
		KV("Group", t.ProductGroup).
		KV("Sector", t.Sector).
		KV("Comment", tgui.TruncRunes(t.Comment, maxComment))
	if t.Status == storage.StatusOnRework {
		b.KV("Supervisor note", t.ReviewNote)
	}
	b.KV("Remaining", ledger.FormatHMS(ledger.Remaining(t.Ledger(), now)))
	for _, f := range frozen {
		b.KV("⏸ Paused", fmt.Sprintf("%s (%s left)", f.Name, ledger.FormatHMS(ledger.Remaining(f.Ledger(), now))))
	}
	if !special {
		b.Blank().Line(fmt.Sprintf("Send 1 to %d photos of the result, then press /done.", maxPhotos))
	}
	return b.Build()
}
