package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shiftbot/internal/jobs/engine"
	"shiftbot/internal/jobs/scheduler"
	rtsup "shiftbot/internal/runtime/supervisor"
)

type statusInput struct {
	Now         time.Time
	Scheduler   scheduler.Snapshot
	Engine      engine.Snapshot
	Timers      int
	Notified    int
	Supervisors []rtsup.NamedSnapshot
}

// status renders the operator report shown by /status.
func (a *App) status(context.Context) string {
	// The router starts its supervisor inside DispatchLoop.
	a.sups.Set("telegram.router", a.router.Supervisor())
	in := statusInput{
		Now:         time.Now(),
		Scheduler:   a.sched.Snapshot(),
		Engine:      a.engine.Snapshot(),
		Timers:      a.timers.Active(),
		Supervisors: a.sups.Snapshots(),
	}
	if a.notif != nil {
		in.Notified = len(a.notif.Snapshot())
	}
	return renderStatus(in)
}

func renderStatus(in statusInput) string {
	var b strings.Builder
	e := in.Engine
	if e.Enabled {
		fmt.Fprintf(&b, "jobs: workers=%d inflight=%d queue=%d/%d dropped=%d\n",
			e.Workers, e.InFlight, e.QueueLen, e.QueueCap, e.Dropped)
	} else {
		b.WriteString("jobs: disabled\n")
	}
	for _, s := range in.Scheduler.Schedules {
		fmt.Fprintf(&b, "schedule %s (%s): next %s, prev %s\n", s.Name, s.Spec, relTime(in.Now, s.Next), relTime(in.Now, s.Prev))
	}
	if h := lastRun(e.History); h != nil {
		res := "ok"
		if h.Error != "" {
			res = "error: " + h.Error
		}
		fmt.Fprintf(&b, "last job %s: %s in %s\n", h.Name, res, h.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "timers: %d\n", in.Timers)
	fmt.Fprintf(&b, "notifications: %d recent\n", in.Notified)
	for _, s := range in.Supervisors {
		fmt.Fprintf(&b, "sup %s: active=%d started=%d", s.Name, s.Active, s.Started)
		if s.FirstError != "" {
			fmt.Fprintf(&b, " err=%s", s.FirstError)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func lastRun(h []engine.HistoryItem) *engine.HistoryItem {
	if len(h) == 0 {
		return nil
	}
	last := &h[0]
	for i := range h {
		if h[i].Started.After(last.Started) {
			last = &h[i]
		}
	}
	return last
}

func relTime(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now).Round(time.Second)
	if d >= 0 {
		return "in " + d.String()
	}
	return (-d).String() + " ago"
}
