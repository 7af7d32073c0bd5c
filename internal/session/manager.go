// Package session tracks who is on shift.
//
// A Session is created when a worker starts a shift and dropped when the
// shift ends. The open-session rows in the store are the record; the
// in-memory map is a cache of them plus the per-worker photo collection of
// the current submission, and is rebuilt from the store on restart.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"shiftbot/internal/assign"
	"shiftbot/internal/eventbus"
	"shiftbot/internal/metrics"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

var (
	ErrNotOnShift     = errors.New("not on shift")
	ErrAlreadyOnShift = errors.New("already on shift")
	// ErrOpenTasks blocks ending a shift with unfinished work.
	ErrOpenTasks  = errors.New("unfinished tasks")
	ErrPhotoLimit = errors.New("photo limit reached")
)

// OpenStatuses are the task states that keep a worker from ending a shift.
var OpenStatuses = []storage.Status{storage.StatusInProgress, storage.StatusOnRework, storage.StatusFrozen}

// Session is one worker's presence on a shift.
type Session struct {
	ID             int64
	WorkerID       int64
	ChatID         int64
	Name           string
	Gender         string
	Role           storage.Role
	Shift          shift.Name
	Sector         string
	EmploymentType string
	StartedAt      time.Time

	photos     []string
	photoTask  int64
	lateWarned bool
}

// Target is the private chat of the worker.
func (s Session) Target() kit.ChatTarget { return kit.ChatTarget{ChatID: s.ChatID} }

// Start describes a shift start.
type Start struct {
	WorkerID       int64
	ChatID         int64
	Name           string
	Gender         string
	Role           storage.Role
	Shift          shift.Name
	Sector         string
	EmploymentType string
}

// Summary is reported when a shift ends.
type Summary struct {
	Session Session
	EndedAt time.Time
	// Worked is the allocated time of the verified tasks of the shift.
	Worked int64
}

// Length is the wall-clock duration of the shift.
func (s Summary) Length() time.Duration { return s.EndedAt.Sub(s.Session.StartedAt) }

// PhotoProgress is returned after each collected photo.
type PhotoProgress struct {
	Count int
	Max   int
	// Late is set once per task when the photo came after the window.
	Late bool
}

type Config struct {
	MaxPhotos   int
	PhotoWindow time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(m *Manager) {
		if b != nil {
			m.bus = b
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

type Manager struct {
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	cfg      Config
	cal      *shift.Calendar
	sessions map[int64]*Session
}

func New(cfg Config, store storage.Store, cal *shift.Calendar, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:    store,
		log:      log.With(logx.String("comp", "session")),
		bus:      eventbus.Nop{},
		now:      time.Now,
		cfg:      withDefaults(cfg),
		cal:      cal,
		sessions: map[int64]*Session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func withDefaults(cfg Config) Config {
	if cfg.MaxPhotos <= 0 {
		cfg.MaxPhotos = 3
	}
	if cfg.PhotoWindow <= 0 {
		cfg.PhotoWindow = 180 * time.Minute
	}
	return cfg
}

// Apply swaps settings on config reload.
func (m *Manager) Apply(cfg Config, cal *shift.Calendar) {
	m.mu.Lock()
	m.cfg = withDefaults(cfg)
	if cal != nil {
		m.cal = cal
	}
	m.mu.Unlock()
}

// Calendar returns the calendar in use.
func (m *Manager) Calendar() *shift.Calendar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cal
}

// Begin registers the worker and opens a shift session.
func (m *Manager) Begin(ctx context.Context, st Start) (Session, error) {
	if st.Role == "" {
		st.Role = storage.RoleWorker
	}
	if st.ChatID == 0 {
		st.ChatID = st.WorkerID
	}
	if err := m.store.PutWorker(ctx, storage.Worker{ID: st.WorkerID, ChatID: st.ChatID, Name: st.Name, Gender: st.Gender, Role: st.Role}); err != nil {
		return Session{}, fmt.Errorf("register worker: %w", err)
	}
	now := m.now().Truncate(time.Second)
	row, err := m.store.OpenSession(ctx, storage.Session{
		WorkerID:       st.WorkerID,
		Role:           st.Role,
		Shift:          string(st.Shift),
		Sector:         st.Sector,
		EmploymentType: st.EmploymentType,
		StartedAt:      now,
	})
	if err != nil {
		if storage.IsConflict(err) {
			return Session{}, ErrAlreadyOnShift
		}
		return Session{}, err
	}
	s := &Session{
		ID:             row.ID,
		WorkerID:       st.WorkerID,
		ChatID:         st.ChatID,
		Name:           st.Name,
		Gender:         st.Gender,
		Role:           st.Role,
		Shift:          st.Shift,
		Sector:         st.Sector,
		EmploymentType: st.EmploymentType,
		StartedAt:      row.StartedAt,
	}
	m.mu.Lock()
	m.sessions[st.WorkerID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetOpenSessions(n)
	m.bus.Publish(eventbus.Event{Type: eventbus.ShiftStarted, Time: now, WorkerID: st.WorkerID, Detail: string(st.Shift)})
	m.log.Info("shift started",
		logx.Int64("worker_id", st.WorkerID),
		logx.String("shift", string(st.Shift)),
		logx.String("role", string(st.Role)),
		logx.String("sector", st.Sector),
	)
	return *s, nil
}

// End closes the worker's shift. It refuses while the worker has tasks in
// progress, on rework or frozen.
func (m *Manager) End(ctx context.Context, workerID int64) (Summary, error) {
	s, ok := m.Get(workerID)
	if !ok {
		return Summary{}, ErrNotOnShift
	}
	n, err := m.store.Count(ctx, storage.Filter{WorkerID: storage.Ptr(workerID), Statuses: OpenStatuses})
	if err != nil {
		return Summary{}, err
	}
	if n > 0 {
		return Summary{}, fmt.Errorf("%w: %d", ErrOpenTasks, n)
	}
	now := m.now().Truncate(time.Second)
	if _, err := m.store.CloseSession(ctx, workerID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Summary{}, err
	}

	date := shift.DateKey(m.Calendar().TaskDate(s.Shift, s.StartedAt))
	worked, err := m.store.WorkedSeconds(ctx, workerID, date, string(s.Shift))
	if err != nil {
		m.log.Warn("worked time unavailable", logx.Int64("worker_id", workerID), logx.Err(err))
	}

	m.mu.Lock()
	delete(m.sessions, workerID)
	left := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetOpenSessions(left)
	m.bus.Publish(eventbus.Event{Type: eventbus.ShiftEnded, Time: now, WorkerID: workerID, Detail: string(s.Shift)})
	sum := Summary{Session: s, EndedAt: now, Worked: worked}
	m.log.Info("shift ended", logx.Int64("worker_id", workerID), logx.Duration("length", sum.Length()), logx.Int64("worked", worked))
	return sum, nil
}

// Get returns a copy of the worker's session.
func (m *Manager) Get(workerID int64) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workerID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Open counts sessions in memory.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List copies the open sessions ordered by worker id.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// Rebuild loads every open session from the store.
func (m *Manager) Rebuild(ctx context.Context) (int, error) {
	rows, err := m.store.Sessions(ctx, storage.SessionFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}
	loaded := make(map[int64]*Session, len(rows))
	for _, r := range rows {
		s := &Session{
			ID:             r.ID,
			WorkerID:       r.WorkerID,
			ChatID:         r.WorkerID,
			Role:           r.Role,
			Shift:          shift.Name(r.Shift),
			Sector:         r.Sector,
			EmploymentType: r.EmploymentType,
			StartedAt:      r.StartedAt,
		}
		w, err := m.store.Worker(ctx, r.WorkerID)
		switch {
		case err == nil:
			s.ChatID, s.Name, s.Gender = w.ChatID, w.Name, w.Gender
		case !errors.Is(err, storage.ErrNotFound):
			return 0, err
		}
		loaded[r.WorkerID] = s
	}
	m.mu.Lock()
	m.sessions = loaded
	m.mu.Unlock()
	m.metrics.SetOpenSessions(len(loaded))
	m.log.Info("sessions rebuilt", logx.Int("open", len(loaded)))
	return len(loaded), nil
}

// Sectors lists the sectors that have tasks on the current date of shift n.
func (m *Manager) Sectors(ctx context.Context, n shift.Name) ([]string, error) {
	date := m.Calendar().TaskDate(n, m.now())
	return m.store.Sectors(ctx, shift.DateKey(date), string(n))
}

// Request builds the assignment request of the worker for the current time.
func (m *Manager) Request(workerID int64) (assign.Request, error) {
	s, ok := m.Get(workerID)
	if !ok {
		return assign.Request{}, ErrNotOnShift
	}
	id := m.Calendar().For(s.Shift, m.now())
	return assign.Request{
		WorkerID:       s.WorkerID,
		Target:         s.Target(),
		OperatorName:   s.Name,
		EmploymentType: s.EmploymentType,
		Sector:         s.Sector,
		Shift:          string(s.Shift),
		ShiftDate:      id.DateKey(),
		Slot:           id.Slot,
		Gender:         s.Gender,
	}, nil
}

// AddPhoto collects a photo for the submission of taskID. Switching to
// another task drops photos collected for the previous one. startedAt is
// when the task was handed out; it drives the late warning.
func (m *Manager) AddPhoto(workerID, taskID int64, fileID string, startedAt time.Time) (PhotoProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workerID]
	if !ok {
		return PhotoProgress{}, ErrNotOnShift
	}
	if s.photoTask != taskID {
		s.photos, s.photoTask, s.lateWarned = nil, taskID, false
	}
	p := PhotoProgress{Count: len(s.photos), Max: m.cfg.MaxPhotos}
	if len(s.photos) >= m.cfg.MaxPhotos {
		return p, ErrPhotoLimit
	}
	s.photos = append(s.photos, fileID)
	p.Count = len(s.photos)
	if !s.lateWarned && !startedAt.IsZero() && m.now().Sub(startedAt) > m.cfg.PhotoWindow {
		s.lateWarned = true
		p.Late = true
	}
	return p, nil
}

// Photos returns the photos collected for taskID.
func (m *Manager) Photos(workerID, taskID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workerID]
	if !ok || s.photoTask != taskID {
		return nil
	}
	return append([]string(nil), s.photos...)
}

// ResetPhotos drops collected photos, e.g. after a successful submission.
func (m *Manager) ResetPhotos(workerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[workerID]; ok {
		s.photos, s.photoTask, s.lateWarned = nil, 0, false
	}
}
