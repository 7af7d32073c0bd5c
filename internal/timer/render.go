package timer

import (
	"shiftbot/internal/ledger"
	"shiftbot/internal/storage"
	"shiftbot/pkg/tgui"
)

// RenderFunc builds the live message of a task. remaining is already
// aligned to the display tick.
type RenderFunc func(t storage.Task, remaining int64, paused bool) tgui.Message

// DefaultRender is the task card shown to workers.
func DefaultRender(t storage.Task, remaining int64, paused bool) tgui.Message {
	b := tgui.New()
	switch {
	case paused:
		b.Title("⏸", "Task paused")
	case t.Status == storage.StatusOnRework:
		b.Title("🔁", "Task returned for rework")
	default:
		b.Title("⏱", "Task in progress")
	}
	b.KV("Task", t.Name).
		KV("Group", t.ProductGroup).
		KV("Sector", t.Sector).
		KV("Comment", t.Comment)
	if t.Status == storage.StatusOnRework {
		b.KV("Supervisor note", t.ReviewNote)
	}
	b.Blank()
	switch {
	case paused:
		b.KV("Left", ledger.FormatHMS(remaining))
		b.Line("The task is frozen and will resume automatically.")
	case remaining == 0:
		b.KV("Remaining", ledger.FormatHMS(0))
		b.Line("Time is up. Send photos and press /done.")
	default:
		b.KV("Remaining", ledger.FormatHMS(remaining))
	}
	return b.Build()
}
