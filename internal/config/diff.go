package config

import (
	"reflect"
	"sort"
	"strings"

	logx "shiftbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens and DSNs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.SupervisorUserIDs, nt.SupervisorUserIDs) ||
		ot.SupervisorChatID != nt.SupervisorChatID ||
		!reflect.DeepEqual(ot.SectorTopics, nt.SectorTopics) ||
		ot.LogChatID != nt.LogChatID ||
		(strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.supervisor_count", len(nt.SupervisorUserIDs)),
			logx.Bool("telegram.supervisor_chat_set", nt.SupervisorChatID != 0),
			logx.Int("telegram.sector_topics", len(nt.SectorTopics)),
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oSt.Driver) != strings.TrimSpace(nSt.Driver) ||
		strings.TrimSpace(oSt.Path) != strings.TrimSpace(nSt.Path) ||
		strings.TrimSpace(oSt.DSN) != strings.TrimSpace(nSt.DSN) ||
		strings.TrimSpace(oSt.BusyTimeout) != strings.TrimSpace(nSt.BusyTimeout) ||
		oSt.MaxConns != nSt.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nSt.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Shift, newCfg.Shift) {
		changed = append(changed, "shift")
		attrs = append(attrs,
			logx.String("shift.timezone", strings.TrimSpace(newCfg.Shift.Timezone)),
			logx.String("shift.tick_interval", newCfg.Shift.TickInterval),
			logx.String("shift.timer_tick", newCfg.Shift.TimerTick),
			logx.String("shift.auto_close_after", newCfg.Shift.AutoCloseAfter),
			logx.Bool("shift.slots_custom", len(newCfg.Shift.Slots) > 0),
		)
	}

	oJ, nJ := derefJobs(oldCfg.Jobs), derefJobs(newCfg.Jobs)
	if (oldCfg.Jobs != nil) != (newCfg.Jobs != nil) || !reflect.DeepEqual(oJ, nJ) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Bool("jobs.enabled", newCfg.JobsEnabled()),
			logx.Int("jobs.workers", nJ.Workers),
			logx.Int("jobs.queue_size", nJ.QueueSize),
			logx.String("jobs.default_timeout", strings.TrimSpace(nJ.DefaultTimeout)),
			logx.Int("jobs.history_size", nJ.HistorySize),
			logx.Int("jobs.retry_max", nJ.RetryMax),
		)
	}

	oldN, newN := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefJobs(j *JobsConfig) JobsConfig {
	if j == nil {
		return JobsConfig{}
	}
	return *j
}
