package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shiftbot/internal/metrics"
	rtsup "shiftbot/internal/runtime/supervisor"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	id string
	n  kit.Notification
}

// pipeline is the state of one Start..Stop run.
type pipeline struct {
	queue   chan job
	persist chan dedupWrite
	sup     *rtsup.Supervisor
	senders sync.WaitGroup // Notify calls holding the queue
	done    chan struct{}  // closed once drained; nil while running
}

// Service queues notifications and delivers them from a worker pool.
// It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	store   DedupStore
	metrics *metrics.Metrics
	muted   *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	run     *pipeline

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, store DedupStore, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		adapter: adapter,
		store:   store,
		metrics: m,
		muted:   newSuppressor(),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits at runtime. Workers and queue size apply from the next
// Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start launches the workers. It waits for a previous Stop to finish and is a
// no-op while running or disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.run != nil && s.run.done != nil {
		done := s.run.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pipeline{
		queue: make(chan job, s.cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithPanicHook(s.metrics.Panic)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, 1024)
	}
	s.run = p
	workers := s.cfg.Workers
	s.mu.Unlock()

	if p.persist != nil {
		p.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, p.persist)
			return nil
		})
	}
	for i := range workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p.queue)
			return nil
		})
	}
}

// Stop refuses new messages and drains the queue until ctx is done, after
// which pending deliveries are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	done := p.done
	if done == nil {
		done = make(chan struct{})
		p.done = done
		go s.drain(p)
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

func (s *Service) drain(p *pipeline) {
	p.senders.Wait()
	if p.persist != nil {
		close(p.persist)
	}
	close(p.queue)
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	if s.run == p {
		s.run = nil
	}
	s.mu.Unlock()
	close(p.done)
}

// Notify queues n. A duplicate inside the dedup window is dropped and
// reported as success.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil || p.done != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.senders.Add(1)
	s.mu.Unlock()
	defer p.senders.Done()

	if !s.admit(ctx, dedupKey(n), cfg, p.persist) {
		s.metrics.Notification("deduped")
		return nil
	}
	select {
	case p.queue <- job{id: uuid.NewString(), n: n}:
		s.metrics.Notification("queued")
		return nil
	default:
		s.metrics.Notification("dropped")
		s.log.Warn("notification dropped", logx.Int64("chat_id", n.Target.ChatID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(j job) {
	item := HistoryItem{ID: j.id, At: timeNow(), ChatID: j.n.Target.ChatID, Text: j.n.Text, Photos: len(j.n.Photos)}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if extra := len(s.history) - historyCap; extra > 0 {
		s.history = s.history[extra:]
	}
	s.hmu.Unlock()
}
