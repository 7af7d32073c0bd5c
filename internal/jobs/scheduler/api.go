package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shiftbot/internal/jobs/engine"
	logx "shiftbot/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// AddSchedule registers job under name with overlap skipping. See
// ParseSchedule for accepted schedule strings.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, JobOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt registers or replaces the schedule called name.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("name required")
	case job == nil:
		return "", errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}

	e := &entry{name: name, spec: spec, timeout: timeout, run: job, opt: opt, gate: &engine.Gate{}}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.entries = append(s.entries, e)
	if s.c == nil {
		return name, nil
	}
	if err := s.scheduleLocked(e); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec),
		logx.Duration("timeout", timeout), logx.String("next", s.nextRunsLocked(spec, 3)))
	return name, nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(strings.TrimSpace(name)) {
		return false
	}
	s.log.Debug("schedule removed", logx.String("name", name))
	return true
}

func (s *Service) removeLocked(name string) bool {
	i := slices.IndexFunc(s.entries, func(e *entry) bool { return e.name == name })
	if i < 0 {
		return false
	}
	if s.c != nil && s.entries[i].id != 0 {
		s.c.Remove(s.entries[i].id)
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	return true
}

// Trigger enqueues name now, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.entries, func(e *entry) bool { return e.name == name })
	var e *entry
	if i >= 0 {
		e = s.entries[i]
	}
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.fire(e)
}

func (s *Service) fire(e *entry) error {
	if s.engine == nil {
		return engine.ErrDisabled
	}
	return s.engine.Enqueue(e.job())
}

// scheduleLocked adds e to the running cron. Interval schedules get a short
// startup spread.
func (s *Service) scheduleLocked(e *entry) error {
	fn := cron.FuncJob(func() { s.report(e.name, s.fire(e)) })
	if every, ok := strings.CutPrefix(e.spec, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil && d > 0 {
			sched, _ := makeIntervalScheduleWithSpread(d, time.Now().In(s.loc), e.name)
			e.id = s.c.Schedule(sched, fn)
			return nil
		}
	}
	id, err := s.c.AddJob(e.spec, fn)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// report logs a failed trigger. An overlap skip is expected when a run
// outlasts its interval; other errors warn at most every enqueueWarnEvery.
func (s *Service) report(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	quiet := now.Sub(s.lastWarn[name]) < enqueueWarnEvery
	if !quiet {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()
	if !quiet {
		s.log.Warn("schedule failed to enqueue job", logx.String("schedule", name), logx.Err(err))
	}
}

// nextRunsLocked formats the next n fire times for debug logs.
func (s *Service) nextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	out := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}
