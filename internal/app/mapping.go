package app

import (
	"fmt"
	"strings"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/jobs/engine"
	"shiftbot/internal/jobs/scheduler"
	"shiftbot/internal/metrics"
	"shiftbot/internal/notifier"
	"shiftbot/internal/review"
	"shiftbot/internal/session"
	"shiftbot/internal/tick"
	logx "shiftbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapJobsConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:        cfg.JobsEnabled(),
		Workers:        2,
		QueueSize:      64,
		DefaultTimeout: 30 * time.Second,
		HistorySize:    200,
		RetryMax:       2,
	}
	j := cfg.Jobs
	if j == nil {
		return out, nil
	}
	if j.Workers < 0 || j.QueueSize < 0 || j.HistorySize < 0 || j.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("jobs: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if j.Workers > 0 {
		out.Workers = j.Workers
	}
	if j.QueueSize > 0 {
		out.QueueSize = j.QueueSize
	}
	if j.HistorySize > 0 {
		out.HistorySize = j.HistorySize
	}
	if j.RetryMax > 0 {
		out.RetryMax = j.RetryMax
	}
	var err error
	// "0s" disables the timeout, an empty value keeps the default.
	if strings.TrimSpace(j.DefaultTimeout) != "" {
		if out.DefaultTimeout, err = config.ParseDurationField("jobs.default_timeout", j.DefaultTimeout); err != nil {
			return engine.Config{}, err
		}
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("jobs.max_queue_delay", j.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.JobsEnabled(),
		Timezone: strings.TrimSpace(cfg.Shift.Timezone),
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	def := config.DefaultNotifier()
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	durations := []struct {
		path, raw, def string
		dst            *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, def.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, def.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.dedup_window", n.DedupWindow, def.DedupWindow, &out.DedupWindow},
	}
	for _, d := range durations {
		fallback, _ := time.ParseDuration(d.def)
		v, err := config.ParseDurationOrDefault(d.path, d.raw, fallback)
		if err != nil {
			return notifier.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    strings.TrimSpace(cfg.Metrics.Addr),
		Path:    strings.TrimSpace(cfg.Metrics.Path),
	}
}

func mapTickConfig(ss config.ShiftSettings) tick.Config {
	return tick.Config{
		Window:          ss.AssignWindow,
		Ceiling:         ss.AutoCloseAfter,
		NoWorkerBackoff: ss.NoWorkerBackoff,
	}
}

func mapSessionConfig(ss config.ShiftSettings) session.Config {
	return session.Config{MaxPhotos: ss.MaxPhotos, PhotoWindow: ss.PhotoWindow}
}

func mapReviewConfig(cfg *config.Config, ss config.ShiftSettings) review.Config {
	return review.Config{
		SupervisorChat: cfg.Telegram.SupervisorChatID,
		SectorTopics:   cfg.Telegram.SectorTopics,
		MaxPhotos:      ss.MaxPhotos,
	}
}

// tickTimeout bounds one tick run. A run never overlaps the next trigger.
func tickTimeout(ss config.ShiftSettings) time.Duration {
	d := ss.TickInterval
	if d <= 0 || d > 2*time.Minute {
		d = 2 * time.Minute
	}
	return d
}
