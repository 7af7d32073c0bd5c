package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// withDefaults fills unset limits.
func (c Config) withDefaults() Config {
	pos := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	pos(&c.Workers, 2)
	pos(&c.QueueSize, 512)
	pos(&c.RatePerSec, 3)
	pos(&c.DedupMaxEntries, 2000)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// HistoryItem is one delivered notification.
type HistoryItem struct {
	ID     string
	At     time.Time
	ChatID int64
	Text   string
	Photos int
}

const historyCap = 300
