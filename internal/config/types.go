package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Shift holds the calendar and the timing rules of the assignment engine.
	Shift ShiftConfig `json:"shift"`

	// Jobs controls the execution engine behind the scheduler tick.
	// If omitted, defaults apply and the engine is enabled.
	Jobs *JobsConfig `json:"jobs,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may run admin commands (/force, /special, /status).
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// SupervisorUserIDs may approve and reject submissions.
	// Owners are always supervisors.
	SupervisorUserIDs []int64 `json:"supervisor_user_ids,omitempty"`
	// SupervisorChatID is the group completions are posted to.
	SupervisorChatID int64 `json:"supervisor_chat_id"`
	// SectorTopics maps a sector name to a forum topic in the supervisor group.
	SectorTopics map[string]int `json:"sector_topics,omitempty"`
	// LogChatID receives warn+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/shiftbot.db }
//	storage: { driver: postgres, dsn: postgres://bot@db/shiftbot }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// ShiftConfig controls the calendar and engine timings.
//
// All durations are Go duration strings. Defaults (when omitted):
//   - day_start_hour: 8, night_start_hour: 20
//   - tick_interval: "60s"
//   - timer_tick: "15s"
//   - assign_window: "5m"
//   - auto_close_after: "4h"
//   - no_worker_backoff: "3m"
//   - photo_window: "180m"
//   - special_priority: 111
//   - default_duration: "00:15:00"
//   - max_photos: 3
type ShiftConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	DayStartHour   int    `json:"day_start_hour,omitempty"`
	NightStartHour int    `json:"night_start_hour,omitempty"`

	TickInterval string `json:"tick_interval,omitempty"`
	// TickSchedule overrides TickInterval with a cron spec or interval
	// ("*/1 * * * *", "@every 30s", "00:02").
	TickSchedule    string `json:"tick_schedule,omitempty"`
	TimerTick       string `json:"timer_tick,omitempty"`
	AssignWindow    string `json:"assign_window,omitempty"`
	AutoCloseAfter  string `json:"auto_close_after,omitempty"`
	NoWorkerBackoff string `json:"no_worker_backoff,omitempty"`
	PhotoWindow     string `json:"photo_window,omitempty"`

	SpecialPriority int    `json:"special_priority,omitempty"`
	DefaultDuration string `json:"default_duration,omitempty"`
	MaxPhotos       int    `json:"max_photos,omitempty"`

	// Slots overrides the slot table per shift ("day", "night").
	Slots map[string][]SlotConfig `json:"slots,omitempty"`
}

type SlotConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Slot  int    `json:"slot"`
}

// JobsConfig controls the job execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "30s"
//   - history_size: 200
//   - retry_max: 2
type JobsConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
