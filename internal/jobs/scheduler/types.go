package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shiftbot/internal/jobs/engine"
	logx "shiftbot/pkg/logx"
)

// Config controls triggering. Execution settings live in engine.Config.
type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

type (
	OverlapPolicy = engine.OverlapPolicy
	JobOptions    = engine.JobOptions
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// entry is a registered schedule. It outlives cron restarts; id is only
// valid for the current cron instance.
type entry struct {
	name    string
	spec    string // cron expression or "@every <d>"
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     JobOptions
	gate    *engine.Gate
	id      cron.EntryID
}

func (e *entry) job() engine.Job {
	return engine.Job{Name: e.name, Timeout: e.timeout, Run: e.run, Opt: e.opt, Gate: e.gate}
}

// Service fires registered schedules into the job engine.
type Service struct {
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	entries []*entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
