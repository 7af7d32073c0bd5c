package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shiftbot/internal/jobs/scheduler"
	"shiftbot/internal/ledger"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
)

// ShiftSettings is ShiftConfig with defaults applied and values parsed.
type ShiftSettings struct {
	Calendar shift.Config

	TickInterval time.Duration
	// TickSchedule is the trigger of the dispatch tick, always set.
	TickSchedule    string
	TimerTick       time.Duration
	AssignWindow    time.Duration
	AutoCloseAfter  time.Duration
	NoWorkerBackoff time.Duration
	PhotoWindow     time.Duration

	SpecialPriority int
	// DefaultDuration is the allocation (seconds) of tasks imported without one.
	DefaultDuration int64
	MaxPhotos       int
}

func (c ShiftConfig) Resolve() (ShiftSettings, error) {
	var (
		out ShiftSettings
		err error
	)
	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("shift.timezone: %w", err)
		}
	}
	out.Calendar = shift.Config{
		DayStart:   c.DayStartHour,
		NightStart: c.NightStartHour,
		Location:   loc,
	}
	if len(c.Slots) > 0 {
		out.Calendar.Slots = make(map[shift.Name][]shift.SlotRange, len(c.Slots))
		for name, ranges := range c.Slots {
			n, err := shift.ParseName(name)
			if err != nil {
				return out, fmt.Errorf("shift.slots: %w", err)
			}
			for _, r := range ranges {
				out.Calendar.Slots[n] = append(out.Calendar.Slots[n], shift.SlotRange{Start: r.Start, End: r.End, Slot: r.Slot})
			}
		}
	}
	if _, err := shift.New(out.Calendar); err != nil {
		return out, fmt.Errorf("shift: %w", err)
	}

	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"shift.tick_interval", c.TickInterval, 60 * time.Second, &out.TickInterval},
		{"shift.timer_tick", c.TimerTick, 15 * time.Second, &out.TimerTick},
		{"shift.assign_window", c.AssignWindow, 5 * time.Minute, &out.AssignWindow},
		{"shift.auto_close_after", c.AutoCloseAfter, 4 * time.Hour, &out.AutoCloseAfter},
		{"shift.no_worker_backoff", c.NoWorkerBackoff, 3 * time.Minute, &out.NoWorkerBackoff},
		{"shift.photo_window", c.PhotoWindow, 180 * time.Minute, &out.PhotoWindow},
	}
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return out, err
		}
		*f.dst = d
	}

	out.TickSchedule = "@every " + out.TickInterval.String()
	if raw := strings.TrimSpace(c.TickSchedule); raw != "" {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return out, fmt.Errorf("shift.tick_schedule: %w", err)
		}
		out.TickSchedule = raw
	}

	out.SpecialPriority = c.SpecialPriority
	if out.SpecialPriority == 0 {
		out.SpecialPriority = 111
	}
	out.DefaultDuration = ledger.ParseDuration(c.DefaultDuration, ledger.DefaultAllocated)
	out.MaxPhotos = c.MaxPhotos
	if out.MaxPhotos <= 0 {
		out.MaxPhotos = 3
	}
	return out, nil
}

// StorageSettings converts the storage section to the store config.
func (c StorageConfig) StorageSettings() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(c.Path)
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if path == "" && (driver == "" || strings.HasPrefix(driver, "sqlite")) {
		path = "./data/shiftbot.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(c.DSN),
		BusyTimeout: busy,
		MaxConns:    c.MaxConns,
	}, nil
}

// JobsEnabled reports whether the job engine should run.
func (c *Config) JobsEnabled() bool {
	if c.Jobs == nil || c.Jobs.Enabled == nil {
		return true
	}
	return *c.Jobs.Enabled
}

// NotifierOrDefault returns the notifier section or its defaults.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// IsOwner reports whether id may run admin commands.
func (c *Config) IsOwner(id int64) bool {
	for _, v := range c.Telegram.OwnerUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

// IsSupervisor reports whether id may review submissions.
func (c *Config) IsSupervisor(id int64) bool {
	if c.IsOwner(id) {
		return true
	}
	for _, v := range c.Telegram.SupervisorUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

// Validate checks the whole config. It is used at startup and as the hot
// reload validator.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	sc, err := c.Storage.StorageSettings()
	if err != nil {
		errs = append(errs, err)
	}
	switch sc.Driver {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	if _, err := c.Shift.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs != nil {
		if _, err := ParseDurationField("jobs.default_timeout", c.Jobs.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("jobs.max_queue_delay", c.Jobs.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}
	n := c.NotifierOrDefault()
	for path, raw := range map[string]string{
		"notifier.retry_base":      n.RetryBase,
		"notifier.retry_max_delay": n.RetryMaxDelay,
		"notifier.dedup_window":    n.DedupWindow,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
