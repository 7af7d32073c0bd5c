package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shiftbot/internal/metrics"
	rtsup "shiftbot/internal/runtime/supervisor"
	logx "shiftbot/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

type queued struct {
	job     Job
	at      time.Time
	timeout time.Duration
	opt     JobOptions
	gate    *Gate // nil when overlap is allowed
}

// pool is one Start..Stop run of the workers.
type pool struct {
	queue    chan queued
	sup      *rtsup.Supervisor
	stopping chan struct{}
}

// Service runs jobs on a bounded worker pool.
type Service struct {
	log     logx.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	cfg  Config
	pool *pool

	gates sync.Map // job name -> *Gate

	inFlight atomic.Int32
	dropped  atomic.Uint64
	lastWarn atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "jobs.engine")),
		metrics: m,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the running pool's supervisor, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

// Apply swaps the config. A running pool restarts when its size changes or
// the engine is disabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev, running := s.cfg, s.pool != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil || !s.cfg.Enabled {
		return
	}
	p := &pool{
		queue:    make(chan queued, s.cfg.QueueSize),
		sup:      rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithPanicHook(s.metrics.Panic)),
		stopping: make(chan struct{}),
	}
	s.pool = p
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p, int64(i))
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-p.stopping:
				return context.Canceled
			default:
				return errors.New("worker exited")
			}
		})
	}
	s.log.Info("job engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels running jobs and waits for the workers until ctx is done.
// Queued jobs are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	close(p.stopping)
	p.sup.Cancel()

	// Release gates held by jobs that will never run.
	for {
		select {
		case q := <-p.queue:
			if q.gate != nil {
				q.gate.leave()
			}
			continue
		default:
		}
		break
	}
	if err := p.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("job engine stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("job engine stopped")
}

// Enqueue hands j to the pool without blocking.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	if j.Name = strings.TrimSpace(j.Name); j.Name == "" {
		return errors.New("job Name is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	// The send happens under mu so Stop never leaves a gated job behind in
	// a discarded queue.
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, p := s.cfg, s.pool
	if !cfg.Enabled {
		return ErrDisabled
	}
	if p == nil {
		return ErrStopped
	}

	q := queued{job: j, at: time.Now(), timeout: j.Timeout, opt: j.Opt.resolve(cfg)}
	if q.timeout <= 0 {
		q.timeout = cfg.DefaultTimeout
	}
	if q.opt.Overlap == OverlapSkipIfRunning {
		q.gate = j.Gate
		if q.gate == nil {
			g, _ := s.gates.LoadOrStore(j.Name, &Gate{})
			q.gate = g.(*Gate)
		}
		if !q.gate.enter() {
			s.metrics.Job(j.Name, "overlap_skip")
			return ErrOverlapSkip
		}
	}

	select {
	case p.queue <- q:
		return nil
	default:
		if q.gate != nil {
			q.gate.leave()
		}
		s.drop(j, "queue_full", logx.Int("queue_cap", cap(p.queue)))
		return ErrQueueFull
	}
}

// drop counts a job that never ran and warns at most every dropWarnEvery.
func (s *Service) drop(j Job, reason string, fields ...logx.Field) {
	s.dropped.Add(1)
	s.metrics.Job(j.Name, reason)
	now := time.Now().UnixNano()
	last := s.lastWarn.Load()
	if now-last < int64(dropWarnEvery) || !s.lastWarn.CompareAndSwap(last, now) {
		return
	}
	fields = append([]logx.Field{logx.String("job", j.Name), logx.String("reason", reason), logx.Uint64("dropped", s.dropped.Load())}, fields...)
	s.log.Warn("job dropped", fields...)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Dropped:  s.dropped.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(it HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if extra := len(s.history) - limit; extra > 0 {
		s.history = append(s.history[:0:0], s.history[extra:]...)
	}
}
