package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"shiftbot/internal/session"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

const maxBroadcast = 1000

// Worker states shown by /workers.
const (
	stateFree   = "free"
	stateBusy   = "busy"
	stateReview = "awaiting review"
	statePaused = "paused"
)

type rosterRow struct {
	s        session.Session
	state    string
	task     string
	verified int
}

// roster classifies every worker on shift by their open tasks.
func (b *Bot) roster(ctx context.Context) ([]rosterRow, error) {
	cal := b.d.Sessions.Calendar()
	var rows []rosterRow
	for _, s := range b.d.Sessions.List() {
		if s.Role != storage.RoleWorker {
			continue
		}
		open, err := b.d.Store.Tasks(ctx, storage.Filter{
			WorkerID: storage.Ptr(s.WorkerID),
			Statuses: slices.Concat(session.OpenStatuses, []storage.Status{storage.StatusPendingReview}),
			Order:    storage.OrderRecent,
		})
		if err != nil {
			return nil, err
		}
		done, err := b.d.Store.Count(ctx, storage.Filter{
			WorkerID:  storage.Ptr(s.WorkerID),
			Statuses:  []storage.Status{storage.StatusVerified},
			ShiftDate: shift.DateKey(cal.TaskDate(s.Shift, s.StartedAt)),
		})
		if err != nil {
			return nil, err
		}
		r := rosterRow{s: s, verified: done}
		r.state, r.task = classify(open)
		rows = append(rows, r)
	}
	return rows, nil
}

// classify picks the state that matters most: an active task beats one in
// review, which beats a paused one.
func classify(open []storage.Task) (string, string) {
	for _, want := range []struct {
		state string
		match func(storage.Status) bool
	}{
		{stateBusy, storage.Status.Active},
		{stateReview, func(s storage.Status) bool { return s == storage.StatusPendingReview }},
		{statePaused, func(s storage.Status) bool { return s == storage.StatusFrozen }},
	} {
		for _, t := range open {
			if want.match(t.Status) {
				return want.state, fmt.Sprintf("#%d %s", t.ID, t.Name)
			}
		}
	}
	return stateFree, ""
}

func (b *Bot) cmdWorkers(ctx context.Context, req *router.Request) error {
	rows, err := b.roster(ctx)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(rows) == 0 {
		_, err := req.Reply(ctx, "Nobody is on shift.", nil)
		return err
	}

	counts := map[string]int{}
	total := 0
	var lines []string
	for _, r := range rows {
		counts[r.state]++
		total += r.verified
		line := fmt.Sprintf("%s (%s, %s) %s, %d done", r.s.Name, r.s.Sector, r.s.Shift, r.state, r.verified)
		if r.task != "" {
			line += ": " + r.task
		}
		lines = append(lines, line)
	}
	msg := tgui.New().Title("👷", "Workers on shift").
		KV("Free", strconv.Itoa(counts[stateFree])).
		KV("Busy", strconv.Itoa(counts[stateBusy])).
		KV("Awaiting review", strconv.Itoa(counts[stateReview])).
		KV("Paused", strconv.Itoa(counts[statePaused])).
		KV("Verified", strconv.Itoa(total)).
		Blank().
		HTML(tgui.Pre(strings.Join(lines, "\n"))).
		Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdBroadcast(ctx context.Context, req *router.Request) error {
	body := strings.TrimSpace(strings.Join(req.Args, " "))
	if body == "" {
		_, err := req.Reply(ctx, "Usage: /broadcast <text>", nil)
		return err
	}
	if b.d.Notifier == nil {
		_, err := req.Reply(ctx, "Notifications are disabled.", nil)
		return err
	}
	body = tgui.TruncRunes(body, maxBroadcast)
	text := tgui.JoinH("\n", tgui.Esc("📢 Message from the supervisor"), tgui.Esc(body)).String()
	stamp := b.now().Unix()

	sent := 0
	var errs []error
	for _, s := range b.d.Sessions.List() {
		err := b.d.Notifier.Notify(ctx, kit.Notification{
			Key:     fmt.Sprintf("broadcast:%d:%d", s.WorkerID, stamp),
			Target:  s.Target(),
			Text:    text,
			Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	req.Logger.Info("broadcast queued", logx.Int("recipients", sent))
	_, err := req.Reply(ctx, fmt.Sprintf("Sent to %d worker(s).", sent), nil)
	return errors.Join(append(errs, err)...)
}

func (b *Bot) cmdClose(ctx context.Context, req *router.Request) error {
	n, err := b.d.Ticker.CloseOverdue(ctx)
	if err != nil {
		_, rerr := req.Reply(ctx, tgui.Esc(fmt.Sprintf("Closed %d task(s), then failed: %v", n, err)).String(), nil)
		return errors.Join(err, rerr)
	}
	_, err = req.Reply(ctx, fmt.Sprintf("Closed %d overdue task(s).", n), nil)
	return err
}
