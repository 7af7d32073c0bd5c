package storage

import (
	"errors"
	"time"

	"shiftbot/internal/ledger"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded update matched no row: another writer
	// moved the task first, or a uniqueness rule would be broken.
	ErrConflict = errors.New("conflicting transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN (or DATABASE_URL)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
}

// Status is a task lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusInProgress    Status = "in_progress"
	StatusFrozen        Status = "frozen"
	StatusPendingReview Status = "pending_review"
	StatusOnRework      Status = "on_rework"
	StatusVerified      Status = "verified"
	StatusAutoClosed    Status = "auto_closed"
)

// ActiveStatuses are the states a worker can hold at most one task in.
var ActiveStatuses = []Status{StatusInProgress, StatusOnRework}

// Active reports whether time is accruing in this state.
func (s Status) Active() bool { return s == StatusInProgress || s == StatusOnRework }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusVerified || s == StatusAutoClosed }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusFrozen, StatusPendingReview,
		StatusOnRework, StatusVerified, StatusAutoClosed:
		return true
	}
	return false
}

// Role is what a shift participant does.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleSupervisor Role = "supervisor"
)

// Task is one persisted work item.
type Task struct {
	ID           int64
	Name         string
	ProductGroup string
	Provider     string
	Comment      string

	Priority int
	// Constant tasks form the recurring pool filtered by sector and slot.
	// The rest are one-off tasks released by their StartTime.
	Constant bool

	Sector    string
	ShiftDate string // YYYY-MM-DD
	Shift     string // day | night
	Slot      int
	Gender    string // "", "U", "M" or "F"
	StartTime *time.Time

	Status         Status
	WorkerID       *int64
	OperatorName   string
	EmploymentType string
	StartedAt      *time.Time
	// AccumulatedSeconds holds elapsed time of finished intervals.
	AccumulatedSeconds int64
	AllocatedSeconds   int64

	CompletedAt *time.Time
	ReviewerID  *int64
	ReviewNote  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger returns the fields the time ledger works on.
func (t Task) Ledger() ledger.Snapshot {
	return ledger.Snapshot{
		Accumulated: t.AccumulatedSeconds,
		Allocated:   t.AllocatedSeconds,
		StartedAt:   t.StartedAt,
	}
}

// IsSpecial reports whether the task overrides normal assignment rules.
// One-off tasks are always treated as override tasks.
func (t Task) IsSpecial(specialPriority int) bool {
	return t.Priority == specialPriority || !t.Constant
}

// Worker is a registered shift participant.
type Worker struct {
	ID        int64
	ChatID    int64
	Name      string
	Gender    string
	Role      Role
	CreatedAt time.Time
}

// Session is one worker's presence on a shift.
type Session struct {
	ID             int64
	WorkerID       int64
	Role           Role
	Shift          string
	Sector         string
	EmploymentType string
	StartedAt      time.Time
	EndedAt        *time.Time
}

// Order selects the row order of a task query.
type Order int

const (
	OrderID Order = iota
	// OrderPriority ranks by ascending priority number, then slot, then id.
	OrderPriority
	// OrderRecent puts the most recently started tasks first.
	OrderRecent
)

// Filter narrows a task query. Zero fields do not filter.
type Filter struct {
	Statuses      []Status
	WorkerID      *int64
	Sector        string
	Shift         string
	ShiftDate     string
	MaxSlot       *int
	Genders       []string
	Constant      *bool
	Priority      *int
	NotPriority   *int
	Name          string
	StartTime     *time.Time
	StartFrom     *time.Time
	StartTo       *time.Time
	StartedBefore *time.Time
	// UpdatedBefore matches rows whose last transition is at or before it.
	UpdatedBefore *time.Time
	Order         Order
	Limit         int
}

// SessionFilter narrows a session query.
type SessionFilter struct {
	OpenOnly bool
	WorkerID *int64
	Role     Role
	Shift    string
	// StartedAfter limits to sessions opened at or after this instant.
	StartedAfter *time.Time
}

// Patch lists column changes applied together with a status move.
type Patch struct {
	WorkerID       *int64
	StartedAt      *time.Time
	ClearStartedAt bool
	Accumulated    *int64
	CompletedAt    *time.Time
	ReviewerID     *int64
	OperatorName   *string
	EmploymentType *string
	ReviewNote     *string
}

// Transition moves one task from an expected status to a new one.
// It applies only if the row is still in From (and, when set, still has
// StartedAt equal to ExpectStartedAt).
type Transition struct {
	TaskID int64
	From   Status
	To     Status
	At     time.Time
	Patch  Patch

	ExpectStartedAt *time.Time

	// Audit context.
	Actor int64
	Note  string
}

// AuditEntry records one applied transition.
type AuditEntry struct {
	ID     int64
	TaskID int64
	From   Status
	To     Status
	Actor  int64
	Note   string
	At     time.Time
}

// Ptr returns a pointer to v. Handy for Filter and Patch literals.
func Ptr[T any](v T) *T { return &v }
