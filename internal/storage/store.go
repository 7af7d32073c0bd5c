// Package storage is the only code that reads or writes persisted tasks.
//
// Two backends share one SQL implementation:
//   - sqlite (modernc.org/sqlite, single file, WAL)
//   - postgres (pgx connection pool)
//
// Every status change goes through Apply, which conditions each UPDATE on
// the row's current status and runs a batch in one transaction.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "shiftbot/pkg/logx"
)

// Store is the persistence API used by the engine and the bot.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	Task(ctx context.Context, id int64) (Task, error)
	Tasks(ctx context.Context, f Filter) ([]Task, error)
	Count(ctx context.Context, f Filter) (int, error)
	InsertTasks(ctx context.Context, tasks []Task) ([]int64, error)
	// Apply runs all transitions atomically. If any guard misses, nothing
	// is written and the error wraps ErrConflict.
	Apply(ctx context.Context, trs ...Transition) error

	Sectors(ctx context.Context, shiftDate, shift string) ([]string, error)
	// WorkedSeconds sums allocated time of verified tasks.
	WorkedSeconds(ctx context.Context, workerID int64, shiftDate, shift string) (int64, error)
	Audit(ctx context.Context, taskID int64) ([]AuditEntry, error)

	PutWorker(ctx context.Context, w Worker) error
	Worker(ctx context.Context, id int64) (Worker, error)
	WorkerByChat(ctx context.Context, chatID int64) (Worker, error)

	OpenSession(ctx context.Context, s Session) (Session, error)
	CloseSession(ctx context.Context, workerID int64, at time.Time) (Session, error)
	Sessions(ctx context.Context, f SessionFilter) ([]Session, error)

	// Dedup state for the notifier.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
