package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shiftbot/internal/assign"
	"shiftbot/internal/bot"
	"shiftbot/internal/config"
	"shiftbot/internal/eventbus"
	"shiftbot/internal/jobs/engine"
	"shiftbot/internal/jobs/scheduler"
	"shiftbot/internal/metrics"
	"shiftbot/internal/notifier"
	"shiftbot/internal/preempt"
	"shiftbot/internal/review"
	"shiftbot/internal/runtime/keylock"
	rtsup "shiftbot/internal/runtime/supervisor"
	"shiftbot/internal/session"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	"shiftbot/internal/tick"
	"shiftbot/internal/timer"
	kit "shiftbot/internal/transport"
	telegram "shiftbot/internal/transport/telegram/adapter"
	"shiftbot/internal/transport/telegram/router"
	logx "shiftbot/pkg/logx"
)

const tickJobName = "shift.tick"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	mserv   *metrics.Server
	store   storage.Store

	adapter *telegram.Adapter
	router  *router.Router

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	timers   *timer.Registry
	sessions *session.Manager
	assign   *assign.Engine
	preempt  *preempt.Controller
	review   *review.Service
	ticker   *tick.Ticker
	bot      *bot.Bot

	// tickSpec is the schedule the tick job is registered with.
	tickSpec string

	updates chan kit.Update
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	ss, err := cfg.Shift.Resolve()
	if err != nil {
		return nil, err
	}
	cal, err := shift.New(ss.Calendar)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies at once and warns when Telegram logging is on without
	// a target, so enable the sink only after the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()
	bus := eventbus.New()

	sc, err := cfg.Storage.StorageSettings()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), store, m)

	engCfg, err := mapJobsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "jobs")), m)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	timers := timer.New(ctx, store, ad, log.With(logx.String("comp", "timer")),
		timer.WithTick(ss.TimerTick), timer.WithMetrics(m))
	locks := keylock.New()

	sessions := session.New(mapSessionConfig(ss), store, cal, log,
		session.WithBus(bus), session.WithMetrics(m))
	ctrl := preempt.New(store, timers, notifSvc, locks, log,
		preempt.WithBus(bus), preempt.WithMetrics(m), preempt.WithSpecialPriority(ss.SpecialPriority))
	assigner := assign.New(store, timers, locks, log,
		assign.WithBus(bus), assign.WithMetrics(m), assign.WithSpecialPriority(ss.SpecialPriority),
		assign.WithResumer(ctrl))
	reviews := review.New(mapReviewConfig(cfg, ss), store, timers, notifSvc, ctrl, log,
		review.WithBus(bus), review.WithMetrics(m), review.WithLocks(locks))
	ticker := tick.New(mapTickConfig(ss), store, cal, ctrl, timers, log,
		tick.WithBus(bus), tick.WithMetrics(m))

	a := &App{
		cfgm:     cfgm,
		sups:     rtsup.NewRegistry(),
		log:      log,
		logs:     logSvc,
		bus:      bus,
		metrics:  m,
		mserv:    metrics.NewServer(mapMetricsConfig(cfg), m, log),
		store:    store,
		adapter:  ad,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
		timers:   timers,
		sessions: sessions,
		assign:   assigner,
		preempt:  ctrl,
		review:   reviews,
		ticker:   ticker,
		tickSpec: ss.TickSchedule,
		updates:  make(chan kit.Update, 256),
	}
	a.bot = bot.New(bot.Deps{
		Store:    store,
		Sessions: sessions,
		Assign:   assigner,
		Preempt:  ctrl,
		Review:   reviews,
		Ticker:   ticker,
		Timers:   timers,
		Notifier: notifSvc,
		Status:   a.status,
	}, log)

	roles := func() router.Roles { return cfgm.Get() }
	a.router = router.New(log.With(logx.String("comp", "router")), ad, roles)
	a.router.SetRegistry(a.bot.Commands(), a.bot.Callbacks())
	a.router.SetHooks(a.bot.OnText, a.bot.OnPhoto)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(a.metrics.Panic),
	)
	a.sups.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapJobsConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	// Sessions first: recovered timer loops look up worker chats.
	open, err := a.sessions.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild sessions: %w", err)
	}
	loops, err := a.timers.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover timers: %w", err)
	}
	a.log.Info("state recovered", logx.Int("sessions", open), logx.Int("timers", loops))
	a.sups.Set("timers", a.timers.Supervisor())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sups.Set("telegram.adapter", a.adapter.Supervisor())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
		a.sups.Set("jobs.engine", a.engine.Supervisor())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.addTick(a.tickSpec, a.cfgm.Get()); err != nil {
		return err
	}
	a.mserv.Start(a.sup.Context())

	a.sup.Go("telegram.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.trail", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				trail(a.log, a.metrics, e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// startWatchdog pings systemd at half the configured watchdog interval.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// addTick registers the periodic assignment run. Re-adding under the same
// name replaces the previous schedule.
func (a *App) addTick(spec string, cfg *config.Config) error {
	ss, err := cfg.Shift.Resolve()
	if err != nil {
		return err
	}
	_, err = a.sched.AddScheduleOpt(tickJobName, spec, tickTimeout(ss),
		scheduler.JobOptions{Overlap: scheduler.OverlapSkipIfRunning},
		a.runTick)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", tickJobName, err)
	}
	a.tickSpec = spec
	return nil
}

func (a *App) runTick(ctx context.Context) error {
	rep, err := a.ticker.Run(ctx)
	if err != nil {
		return err
	}
	if rep.Assigned > 0 || rep.AutoClosed > 0 || rep.Deferred > 0 {
		a.log.Info("tick",
			logx.Int("due", rep.Due),
			logx.Int("assigned", rep.Assigned),
			logx.Int("deferred", rep.Deferred),
			logx.Int("auto_closed", rep.AutoClosed),
		)
	}
	return nil
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if next.Telegram.Token != prev.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	// Target first so Apply does not warn about a missing one.
	a.logs.SetTelegramTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if engCfg, err := mapJobsConfig(next); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.engine.Enabled()
		a.engine.Apply(c, engCfg)
		switch {
		case wasOn && !engCfg.Enabled:
			a.log.Info("job engine disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
			a.sups.Set("jobs.engine", nil)
		case !wasOn && engCfg.Enabled:
			a.log.Info("job engine enabled via config")
			a.engine.Start(c)
			a.sups.Set("jobs.engine", a.engine.Supervisor())
		}
	}

	schedCfg := mapSchedulerConfig(next)
	schedWasOn := a.sched.Enabled()
	a.sched.Apply(schedCfg)
	switch {
	case schedWasOn && !schedCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !schedWasOn && schedCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if ss, err := next.Shift.Resolve(); err != nil {
		a.log.Warn("invalid shift config; keeping previous", logx.Err(err))
	} else if cal, err := shift.New(ss.Calendar); err != nil {
		a.log.Warn("invalid shift calendar; keeping previous", logx.Err(err))
	} else {
		a.sessions.Apply(mapSessionConfig(ss), cal)
		a.ticker.Apply(mapTickConfig(ss), cal)
		a.review.Apply(mapReviewConfig(next, ss))
		if ss.TickSchedule != a.tickSpec {
			if err := a.addTick(ss.TickSchedule, next); err != nil {
				a.log.Warn("tick reschedule failed; keeping previous", logx.Err(err))
			}
		}
		prevSS, _ := prev.Shift.Resolve()
		if prevSS.SpecialPriority != ss.SpecialPriority || prevSS.TimerTick != ss.TimerTick {
			a.log.Warn("shift.special_priority or shift.timer_tick changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then the work they feed, then the sinks.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("jobs", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("timers", 2*time.Second, a.timers.Close)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.mserv.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// trail records one bus event in the debug log and the event counter.
func trail(log logx.Logger, m *metrics.Metrics, e eventbus.Event) {
	m.Event(e.Type)
	log.Debug("event",
		logx.String("type", e.Type),
		logx.Int64("task_id", e.TaskID),
		logx.Int64("worker_id", e.WorkerID),
		logx.String("detail", e.Detail),
	)
}
