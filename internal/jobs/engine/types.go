package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls execution. The scheduler only triggers.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning refuses a job while one with the same gate is
	// queued or running.
	OverlapSkipIfRunning
)

type JobOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%
}

// DefaultJobOptions returns the options a job gets when it sets none.
func DefaultJobOptions(cfg Config) JobOptions {
	return JobOptions{}.resolve(cfg)
}

func (o JobOptions) resolve(cfg Config) JobOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// Gate admits one job at a time. Jobs of the same name share a gate unless
// Job.Gate is set.
type Gate struct{ busy atomic.Bool }

func (g *Gate) enter() bool { return g.busy.CompareAndSwap(false, true) }
func (g *Gate) leave()      { g.busy.Store(false) }

// Job is a unit of work.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     JobOptions
	Gate    *Gate
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is the engine state shown by /status.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64 // queue full or stale
	History  []HistoryItem
}
