package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"shiftbot/internal/ledger"
	"shiftbot/internal/session"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
	"shiftbot/pkg/tgui"
)

const (
	startScope     = "start"
	stepShift      = "shift"
	stepRole       = "role"
	stepEmployment = "emp"
	stepSector     = "sector"

	sectorColumns = 2
)

// draft is a /start conversation in progress.
type draft struct {
	shift      shift.Name
	role       storage.Role
	employment string
	sectors    []string
}

func (b *Bot) draftOf(userID int64) *draft {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drafts[userID]
}

func (b *Bot) dropDraft(userID int64) {
	b.mu.Lock()
	delete(b.drafts, userID)
	b.mu.Unlock()
}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	if s, ok := b.d.Sessions.Get(req.FromID); ok {
		_, err := req.Reply(ctx, fmt.Sprintf("You are already on the %s shift since %s. Use /end to finish it.",
			s.Shift, s.StartedAt.In(b.d.Sessions.Calendar().Location()).Format("15:04")), nil)
		return err
	}
	b.mu.Lock()
	b.drafts[req.FromID] = &draft{}
	b.mu.Unlock()

	current := b.d.Sessions.Calendar().ShiftAt(b.now())
	names := []shift.Name{shift.Day, shift.Night}
	if current == shift.Night {
		names = []shift.Name{shift.Night, shift.Day}
	}
	kb := tgui.NewInline()
	for _, n := range names {
		kb.Row(tgui.Btn(shiftLabel(n), tgui.MustData(startScope, stepShift, string(n))))
	}
	msg := tgui.New().Title("👋", "Start a shift").Line("Which shift are you starting?").Inline(kb).Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbShift(ctx context.Context, req *router.Request, payload string) error {
	d := b.draftOf(req.FromID)
	if d == nil {
		return b.expired(ctx, req)
	}
	n, err := shift.ParseName(payload)
	if err != nil {
		return b.expired(ctx, req)
	}
	d.shift = n
	kb := tgui.NewInline().Row(
		tgui.Btn("Worker", tgui.MustData(startScope, stepRole, string(storage.RoleWorker))),
		tgui.Btn("Supervisor", tgui.MustData(startScope, stepRole, string(storage.RoleSupervisor))),
	)
	return b.show(ctx, req, tgui.New().Title("👋", "Start a shift").KV("Shift", shiftLabel(n)).Line("Your role?").Inline(kb).Build())
}

func (b *Bot) cbRole(ctx context.Context, req *router.Request, payload string) error {
	d := b.draftOf(req.FromID)
	if d == nil || d.shift == "" {
		return b.expired(ctx, req)
	}
	switch storage.Role(payload) {
	case storage.RoleWorker:
		d.role = storage.RoleWorker
	case storage.RoleSupervisor:
		d.role = storage.RoleSupervisor
		return b.begin(ctx, req, d)
	default:
		return b.expired(ctx, req)
	}
	btns := make([]tele.Btn, 0, len(b.employment))
	for i, e := range b.employment {
		btns = append(btns, tgui.Btn(e, tgui.MustData(startScope, stepEmployment, strconv.Itoa(i))))
	}
	kb := tgui.NewInline().Row(btns...)
	return b.show(ctx, req, tgui.New().Title("👋", "Start a shift").
		KV("Shift", shiftLabel(d.shift)).
		Line("Employment type?").Inline(kb).Build())
}

func (b *Bot) cbEmployment(ctx context.Context, req *router.Request, payload string) error {
	d := b.draftOf(req.FromID)
	if d == nil || d.role == "" {
		return b.expired(ctx, req)
	}
	i, err := strconv.Atoi(payload)
	if err != nil || i < 0 || i >= len(b.employment) {
		return b.expired(ctx, req)
	}
	d.employment = b.employment[i]

	sectors, err := b.d.Sessions.Sectors(ctx, d.shift)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(sectors) == 0 {
		return b.begin(ctx, req, d)
	}
	d.sectors = sectors
	btns := make([]tele.Btn, len(sectors))
	for i, s := range sectors {
		btns[i] = tgui.Btn(s, tgui.MustData(startScope, stepSector, strconv.Itoa(i)))
	}
	kb := tgui.NewInline().Grid(sectorColumns, btns...)
	return b.show(ctx, req, tgui.New().Title("👋", "Start a shift").
		KV("Shift", shiftLabel(d.shift)).
		KV("Employment", d.employment).
		Line("Pick your sector.").Inline(kb).Build())
}

func (b *Bot) cbSector(ctx context.Context, req *router.Request, payload string) error {
	d := b.draftOf(req.FromID)
	if d == nil || len(d.sectors) == 0 {
		return b.expired(ctx, req)
	}
	i, err := strconv.Atoi(payload)
	if err != nil || i < 0 || i >= len(d.sectors) {
		return b.expired(ctx, req)
	}
	return b.begin(ctx, req, d, d.sectors[i])
}

func (b *Bot) begin(ctx context.Context, req *router.Request, d *draft, sector ...string) error {
	defer b.dropDraft(req.FromID)
	st := session.Start{
		WorkerID:       req.FromID,
		ChatID:         req.Chat.ChatID,
		Name:           req.FromName,
		Role:           d.role,
		Shift:          d.shift,
		EmploymentType: d.employment,
	}
	if len(sector) > 0 {
		st.Sector = sector[0]
	}
	// The worker registry wins over the chat profile.
	if w, err := b.d.Store.Worker(ctx, req.FromID); err == nil {
		if w.Name != "" {
			st.Name = w.Name
		}
		st.Gender = w.Gender
	} else if !errors.Is(err, storage.ErrNotFound) {
		return replyErr(ctx, req, err)
	}

	s, err := b.d.Sessions.Begin(ctx, st)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	card := tgui.New().Title("✅", "Shift started").
		KV("Name", s.Name).
		KV("Shift", shiftLabel(s.Shift)).
		KV("Role", string(s.Role)).
		KV("Employment", s.EmploymentType).
		KV("Sector", s.Sector).
		KV("Since", s.StartedAt.In(b.d.Sessions.Calendar().Location()).Format("15:04"))
	if s.Role == storage.RoleWorker {
		card.Blank().Line("Press /task to get your first task.")
	}
	return b.show(ctx, req, card.Build())
}

func (b *Bot) cmdEnd(ctx context.Context, req *router.Request) error {
	sum, err := b.d.Sessions.End(ctx, req.FromID)
	if err != nil {
		if errors.Is(err, session.ErrOpenTasks) {
			req.Logger.Info("end refused", logx.Err(err))
		}
		return replyErr(ctx, req, err)
	}
	msg := tgui.New().Title("🏁", "Shift ended").
		KV("Shift", shiftLabel(sum.Session.Shift)).
		KV("Length", ledger.FormatHMS(int64(sum.Length().Seconds()))).
		KV("Worked", ledger.FormatHMS(sum.Worked)).
		Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) expired(ctx context.Context, req *router.Request) error {
	b.dropDraft(req.FromID)
	return b.show(ctx, req, tgui.New().Line("This menu has expired. Send /start again.").Build())
}

// show edits the message a button was pressed on, or replies.
func (b *Bot) show(ctx context.Context, req *router.Request, msg tgui.Message) error {
	if cb := req.Update.Callback; cb != nil && cb.MessageID != 0 {
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := msg.Edit(ctx, req.Adapter, ref); err == nil {
			return nil
		}
	}
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func shiftLabel(n shift.Name) string {
	if n == shift.Night {
		return "🌙 Night"
	}
	return "☀️ Day"
}
