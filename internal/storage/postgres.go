package storage

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "shiftbot/pkg/logx"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// openPostgres opens a pgx pool. An empty DSN falls back to DATABASE_URL.
func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	sub, err := fs.Sub(postgresMigrations, "migrations/postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	st := &sqlStore{
		c: pgConn{q: pool, pool: pool},
		d: dialect{
			name:          "postgres",
			placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
			isUnique:      pgUnique,
			isNoRows:      func(err error) bool { return errors.Is(err, pgx.ErrNoRows) },
			migrations:    sub,
			migrationsDDL: `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at BIGINT NOT NULL)`,
		},
		log:        log.With(logx.String("store", "postgres")),
		pruneEvery: 500,
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func pgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgConn struct {
	q    pgQuerier
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (c pgConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	return c.q.Query(ctx, q, args...)
}

func (c pgConn) queryRow(ctx context.Context, q string, args ...any) row {
	return c.q.QueryRow(ctx, q, args...)
}

func (c pgConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) begin(ctx context.Context) (txQuerier, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgConn{q: tx, pool: c.pool, tx: tx}, nil
}

func (c pgConn) commit(ctx context.Context) error   { return c.tx.Commit(ctx) }
func (c pgConn) rollback(ctx context.Context) error { return c.tx.Rollback(ctx) }

func (c pgConn) close() error {
	c.pool.Close()
	return nil
}
