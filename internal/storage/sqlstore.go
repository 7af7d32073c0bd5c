package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"shiftbot/internal/ledger"
	logx "shiftbot/pkg/logx"
)

// rows/row/querier hide the difference between database/sql and pgx.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type row interface {
	Scan(dest ...any) error
}

type querier interface {
	query(ctx context.Context, q string, args ...any) (rows, error)
	queryRow(ctx context.Context, q string, args ...any) row
	exec(ctx context.Context, q string, args ...any) (int64, error)
}

type txQuerier interface {
	querier
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

type conn interface {
	querier
	begin(ctx context.Context) (txQuerier, error)
	close() error
}

type dialect struct {
	name        string
	placeholder func(n int) string
	isUnique    func(err error) bool
	isNoRows    func(err error) bool
	migrations  fs.FS
	// migrationsDDL creates the bookkeeping table.
	migrationsDDL string
}

// sqlStore implements Store on top of a conn + dialect.
type sqlStore struct {
	c   conn
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

const taskColumns = `id, name, product_group, provider, comment, priority, constant, sector, shift_date, shift, slot, gender, start_time, status, worker_id, operator_name, employment_type, started_at, accumulated, allocated, completed_at, reviewer_id, review_note, created_at, updated_at`

const sessionColumns = `id, worker_id, role, shift, sector, employment_type, started_at, ended_at`

// qb accumulates SQL text and positional arguments.
type qb struct {
	d    dialect
	b    strings.Builder
	args []any
}

func (q *qb) arg(v any) string {
	q.args = append(q.args, v)
	return q.d.placeholder(len(q.args))
}

func (q *qb) list(vs []any) string {
	ph := make([]string, 0, len(vs))
	for _, v := range vs {
		ph = append(ph, q.arg(v))
	}
	return strings.Join(ph, ", ")
}

func (q *qb) write(parts ...string) {
	for _, p := range parts {
		q.b.WriteString(p)
	}
}

func (q *qb) String() string { return q.b.String() }

func (s *sqlStore) Close() error {
	if s == nil || s.c == nil {
		return nil
	}
	return s.c.close()
}

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations, in file-name order.
func (s *sqlStore) Migrate(ctx context.Context) error {
	if _, err := s.c.exec(ctx, s.d.migrationsDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied := map[int]bool{}
	rs, err := s.c.query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rs.Next() {
		var v int
		if err := rs.Scan(&v); err != nil {
			rs.Close()
			return err
		}
		applied[v] = true
	}
	rs.Close()

	entries, err := fs.ReadDir(s.d.migrations, ".")
	if err != nil {
		return err
	}
	type mig struct {
		version int
		name    string
	}
	var pending []mig
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(e.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		pending = append(pending, mig{version: v, name: e.Name()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		body, err := fs.ReadFile(s.d.migrations, m.name)
		if err != nil {
			return err
		}
		if _, err := s.c.exec(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		q := qb{d: s.d}
		q.write(`INSERT INTO schema_migrations(version, applied_at) VALUES(`, q.arg(m.version), `, `, q.arg(time.Now().Unix()), `)`)
		if _, err := s.c.exec(ctx, q.String(), q.args...); err != nil {
			return err
		}
		s.log.Info("migration applied", logx.String("driver", s.d.name), logx.String("file", m.name))
	}
	return nil
}

// ---- tasks ----

func (s *sqlStore) Task(ctx context.Context, id int64) (Task, error) {
	q := qb{d: s.d}
	q.write(`SELECT `, taskColumns, ` FROM tasks WHERE id = `, q.arg(id))
	t, err := scanTask(s.c.queryRow(ctx, q.String(), q.args...))
	if err != nil {
		if s.d.isNoRows(err) {
			return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return Task{}, err
	}
	return t, nil
}

func (s *sqlStore) Tasks(ctx context.Context, f Filter) ([]Task, error) {
	q := qb{d: s.d}
	q.write(`SELECT `, taskColumns, ` FROM tasks`)
	writeWhere(&q, f)
	switch f.Order {
	case OrderPriority:
		q.write(` ORDER BY priority ASC, slot ASC, id ASC`)
	case OrderRecent:
		q.write(` ORDER BY updated_at DESC, id DESC`)
	default:
		q.write(` ORDER BY id ASC`)
	}
	if f.Limit > 0 {
		q.write(` LIMIT `, strconv.Itoa(f.Limit))
	}

	rs, err := s.c.query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []Task
	for rs.Next() {
		t, err := scanTask(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rs.Err()
}

func (s *sqlStore) Count(ctx context.Context, f Filter) (int, error) {
	q := qb{d: s.d}
	q.write(`SELECT COUNT(*) FROM tasks`)
	writeWhere(&q, f)
	var n int64
	if err := s.c.queryRow(ctx, q.String(), q.args...).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func writeWhere(q *qb, f Filter) {
	var conds []string
	if len(f.Statuses) > 0 {
		vs := make([]any, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			vs = append(vs, string(st))
		}
		conds = append(conds, `status IN (`+q.list(vs)+`)`)
	}
	if f.WorkerID != nil {
		conds = append(conds, `worker_id = `+q.arg(*f.WorkerID))
	}
	if f.Sector != "" {
		conds = append(conds, `sector = `+q.arg(f.Sector))
	}
	if f.Shift != "" {
		conds = append(conds, `shift = `+q.arg(f.Shift))
	}
	if f.ShiftDate != "" {
		conds = append(conds, `shift_date = `+q.arg(f.ShiftDate))
	}
	if f.MaxSlot != nil {
		conds = append(conds, `slot <= `+q.arg(int64(*f.MaxSlot)))
	}
	if len(f.Genders) > 0 {
		vs := make([]any, 0, len(f.Genders))
		for _, g := range f.Genders {
			vs = append(vs, g)
		}
		conds = append(conds, `gender IN (`+q.list(vs)+`)`)
	}
	if f.Constant != nil {
		conds = append(conds, `constant = `+q.arg(boolInt(*f.Constant)))
	}
	if f.Priority != nil {
		conds = append(conds, `priority = `+q.arg(int64(*f.Priority)))
	}
	if f.NotPriority != nil {
		conds = append(conds, `priority <> `+q.arg(int64(*f.NotPriority)))
	}
	if f.Name != "" {
		conds = append(conds, `name = `+q.arg(f.Name))
	}
	if f.StartTime != nil {
		conds = append(conds, `start_time = `+q.arg(f.StartTime.Unix()))
	}
	if f.StartFrom != nil {
		conds = append(conds, `start_time >= `+q.arg(f.StartFrom.Unix()))
	}
	if f.StartTo != nil {
		conds = append(conds, `start_time <= `+q.arg(f.StartTo.Unix()))
	}
	if f.StartedBefore != nil {
		conds = append(conds, `started_at IS NOT NULL AND started_at <= `+q.arg(f.StartedBefore.Unix()))
	}
	if f.UpdatedBefore != nil {
		conds = append(conds, `updated_at <= `+q.arg(f.UpdatedBefore.Unix()))
	}
	if len(conds) > 0 {
		q.write(` WHERE `, strings.Join(conds, ` AND `))
	}
}

func (s *sqlStore) InsertTasks(ctx context.Context, tasks []Task) ([]int64, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	tx, err := s.c.begin(ctx)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.rollback(ctx)
		}
	}()

	now := time.Now().Unix()
	ids := make([]int64, 0, len(tasks))
	for i, t := range tasks {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("task #%d: name required", i)
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("task #%d: invalid status %q", i, t.Status)
		}
		if t.AllocatedSeconds <= 0 {
			t.AllocatedSeconds = ledger.DefaultAllocated
		}
		q := qb{d: s.d}
		q.write(`INSERT INTO tasks(name, product_group, provider, comment, priority, constant, sector, shift_date, shift, slot, gender, start_time, status, accumulated, allocated, created_at, updated_at) VALUES(`,
			q.list([]any{
				t.Name, t.ProductGroup, t.Provider, t.Comment, int64(t.Priority), boolInt(t.Constant),
				t.Sector, t.ShiftDate, t.Shift, int64(t.Slot), t.Gender, unixOrNil(t.StartTime),
				string(t.Status), ledger.FormatHMS(t.AccumulatedSeconds), ledger.FormatHMS(t.AllocatedSeconds), now, now,
			}),
			`) RETURNING id`)
		var id int64
		if err := tx.queryRow(ctx, q.String(), q.args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert task %q: %w", t.Name, err)
		}
		ids = append(ids, id)
	}
	if err := tx.commit(ctx); err != nil {
		return nil, err
	}
	done = true
	return ids, nil
}

func (s *sqlStore) Apply(ctx context.Context, trs ...Transition) error {
	if len(trs) == 0 {
		return nil
	}
	for _, tr := range trs {
		if err := validateTransition(tr); err != nil {
			return err
		}
	}
	tx, err := s.c.begin(ctx)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.rollback(ctx)
		}
	}()

	for _, tr := range trs {
		q := buildTransition(s.d, tr)
		n, err := tx.exec(ctx, q.String(), q.args...)
		if err != nil {
			if s.d.isUnique(err) {
				return fmt.Errorf("%w: task %d %s->%s: %v", ErrConflict, tr.TaskID, tr.From, tr.To, err)
			}
			return fmt.Errorf("task %d %s->%s: %w", tr.TaskID, tr.From, tr.To, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: task %d is no longer %s", ErrConflict, tr.TaskID, tr.From)
		}
		aq := qb{d: s.d}
		aq.write(`INSERT INTO audit(task_id, from_status, to_status, actor, note, at) VALUES(`,
			aq.list([]any{tr.TaskID, string(tr.From), string(tr.To), tr.Actor, tr.Note, tr.At.Unix()}), `)`)
		if _, err := tx.exec(ctx, aq.String(), aq.args...); err != nil {
			return fmt.Errorf("audit task %d: %w", tr.TaskID, err)
		}
	}
	if err := tx.commit(ctx); err != nil {
		return err
	}
	done = true
	return nil
}

func validateTransition(tr Transition) error {
	if tr.TaskID <= 0 {
		return fmt.Errorf("transition: task id required")
	}
	if !tr.From.Valid() || !tr.To.Valid() {
		return fmt.Errorf("transition: invalid status %q->%q", tr.From, tr.To)
	}
	if tr.At.IsZero() {
		return fmt.Errorf("transition: time required")
	}
	if tr.Patch.StartedAt != nil && tr.Patch.ClearStartedAt {
		return fmt.Errorf("transition: StartedAt set and cleared")
	}
	return nil
}

func buildTransition(d dialect, tr Transition) *qb {
	q := &qb{d: d}
	sets := []string{
		`status = ` + q.arg(string(tr.To)),
		`updated_at = ` + q.arg(tr.At.Unix()),
	}
	p := tr.Patch
	if p.WorkerID != nil {
		sets = append(sets, `worker_id = `+q.arg(*p.WorkerID))
	}
	if p.StartedAt != nil {
		sets = append(sets, `started_at = `+q.arg(p.StartedAt.Unix()))
	}
	if p.ClearStartedAt {
		sets = append(sets, `started_at = NULL`)
	}
	if p.Accumulated != nil {
		sets = append(sets, `accumulated = `+q.arg(ledger.FormatHMS(*p.Accumulated)))
	}
	if p.CompletedAt != nil {
		sets = append(sets, `completed_at = `+q.arg(p.CompletedAt.Unix()))
	}
	if p.ReviewerID != nil {
		sets = append(sets, `reviewer_id = `+q.arg(*p.ReviewerID))
	}
	if p.OperatorName != nil {
		sets = append(sets, `operator_name = `+q.arg(*p.OperatorName))
	}
	if p.EmploymentType != nil {
		sets = append(sets, `employment_type = `+q.arg(*p.EmploymentType))
	}
	if p.ReviewNote != nil {
		sets = append(sets, `review_note = `+q.arg(*p.ReviewNote))
	}
	q.write(`UPDATE tasks SET `, strings.Join(sets, `, `),
		` WHERE id = `, q.arg(tr.TaskID),
		` AND status = `, q.arg(string(tr.From)))
	if tr.ExpectStartedAt != nil {
		q.write(` AND started_at = `, q.arg(tr.ExpectStartedAt.Unix()))
	}
	return q
}

func (s *sqlStore) Sectors(ctx context.Context, shiftDate, shift string) ([]string, error) {
	q := qb{d: s.d}
	q.write(`SELECT DISTINCT sector FROM tasks WHERE shift_date = `, q.arg(shiftDate),
		` AND shift = `, q.arg(shift), ` AND sector <> '' ORDER BY sector`)
	rs, err := s.c.query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []string
	for rs.Next() {
		var v string
		if err := rs.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rs.Err()
}

func (s *sqlStore) WorkedSeconds(ctx context.Context, workerID int64, shiftDate, shift string) (int64, error) {
	q := qb{d: s.d}
	q.write(`SELECT allocated FROM tasks WHERE worker_id = `, q.arg(workerID),
		` AND status = `, q.arg(string(StatusVerified)),
		` AND completed_at IS NOT NULL AND shift_date = `, q.arg(shiftDate))
	if shift != "" {
		q.write(` AND shift = `, q.arg(shift))
	}
	rs, err := s.c.query(ctx, q.String(), q.args...)
	if err != nil {
		return 0, err
	}
	defer rs.Close()
	var total int64
	for rs.Next() {
		var raw string
		if err := rs.Scan(&raw); err != nil {
			return 0, err
		}
		total += ledger.ParseDuration(raw, ledger.DefaultAllocated)
	}
	return total, rs.Err()
}

func (s *sqlStore) Audit(ctx context.Context, taskID int64) ([]AuditEntry, error) {
	q := qb{d: s.d}
	q.write(`SELECT id, task_id, from_status, to_status, actor, note, at FROM audit WHERE task_id = `, q.arg(taskID), ` ORDER BY id ASC`)
	rs, err := s.c.query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []AuditEntry
	for rs.Next() {
		var (
			e        AuditEntry
			from, to string
			at       int64
		)
		if err := rs.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &e.Note, &at); err != nil {
			return nil, err
		}
		e.From, e.To, e.At = Status(from), Status(to), time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rs.Err()
}

// ---- workers ----

func (s *sqlStore) PutWorker(ctx context.Context, w Worker) error {
	if w.ID <= 0 || w.ChatID == 0 {
		return fmt.Errorf("worker: id and chat id required")
	}
	if w.Role == "" {
		w.Role = RoleWorker
	}
	q := qb{d: s.d}
	q.write(`INSERT INTO workers(id, chat_id, name, gender, role, created_at) VALUES(`,
		q.list([]any{w.ID, w.ChatID, w.Name, strings.ToUpper(strings.TrimSpace(w.Gender)), string(w.Role), time.Now().Unix()}),
		`) ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id, name = excluded.name, gender = excluded.gender, role = excluded.role`)
	_, err := s.c.exec(ctx, q.String(), q.args...)
	if err != nil && s.d.isUnique(err) {
		return fmt.Errorf("%w: chat %d already registered", ErrConflict, w.ChatID)
	}
	return err
}

func (s *sqlStore) Worker(ctx context.Context, id int64) (Worker, error) {
	return s.workerBy(ctx, "id", id)
}

func (s *sqlStore) WorkerByChat(ctx context.Context, chatID int64) (Worker, error) {
	return s.workerBy(ctx, "chat_id", chatID)
}

func (s *sqlStore) workerBy(ctx context.Context, col string, v int64) (Worker, error) {
	q := qb{d: s.d}
	q.write(`SELECT id, chat_id, name, gender, role, created_at FROM workers WHERE `, col, ` = `, q.arg(v))
	var (
		w       Worker
		role    string
		created int64
	)
	err := s.c.queryRow(ctx, q.String(), q.args...).Scan(&w.ID, &w.ChatID, &w.Name, &w.Gender, &role, &created)
	if err != nil {
		if s.d.isNoRows(err) {
			return Worker{}, fmt.Errorf("worker %s=%d: %w", col, v, ErrNotFound)
		}
		return Worker{}, err
	}
	w.Role = Role(role)
	w.CreatedAt = time.Unix(created, 0)
	return w, nil
}

// ---- sessions ----

func (s *sqlStore) OpenSession(ctx context.Context, ss Session) (Session, error) {
	if ss.WorkerID <= 0 {
		return Session{}, fmt.Errorf("session: worker id required")
	}
	if ss.StartedAt.IsZero() {
		ss.StartedAt = time.Now()
	}
	if ss.Role == "" {
		ss.Role = RoleWorker
	}
	q := qb{d: s.d}
	q.write(`INSERT INTO shift_sessions(worker_id, role, shift, sector, employment_type, started_at) VALUES(`,
		q.list([]any{ss.WorkerID, string(ss.Role), ss.Shift, ss.Sector, ss.EmploymentType, ss.StartedAt.Unix()}),
		`) RETURNING id`)
	if err := s.c.queryRow(ctx, q.String(), q.args...).Scan(&ss.ID); err != nil {
		if s.d.isUnique(err) {
			return Session{}, fmt.Errorf("%w: worker %d already on shift", ErrConflict, ss.WorkerID)
		}
		return Session{}, err
	}
	ss.StartedAt = time.Unix(ss.StartedAt.Unix(), 0)
	ss.EndedAt = nil
	return ss, nil
}

func (s *sqlStore) CloseSession(ctx context.Context, workerID int64, at time.Time) (Session, error) {
	open, err := s.Sessions(ctx, SessionFilter{OpenOnly: true, WorkerID: &workerID})
	if err != nil {
		return Session{}, err
	}
	if len(open) == 0 {
		return Session{}, fmt.Errorf("open session for worker %d: %w", workerID, ErrNotFound)
	}
	ss := open[len(open)-1]
	q := qb{d: s.d}
	q.write(`UPDATE shift_sessions SET ended_at = `, q.arg(at.Unix()), ` WHERE id = `, q.arg(ss.ID), ` AND ended_at IS NULL`)
	n, err := s.c.exec(ctx, q.String(), q.args...)
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		return Session{}, fmt.Errorf("%w: session %d already closed", ErrConflict, ss.ID)
	}
	end := time.Unix(at.Unix(), 0)
	ss.EndedAt = &end
	return ss, nil
}

func (s *sqlStore) Sessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	q := qb{d: s.d}
	q.write(`SELECT `, sessionColumns, ` FROM shift_sessions`)
	var conds []string
	if f.OpenOnly {
		conds = append(conds, `ended_at IS NULL`)
	}
	if f.WorkerID != nil {
		conds = append(conds, `worker_id = `+q.arg(*f.WorkerID))
	}
	if f.Role != "" {
		conds = append(conds, `role = `+q.arg(string(f.Role)))
	}
	if f.Shift != "" {
		conds = append(conds, `shift = `+q.arg(f.Shift))
	}
	if f.StartedAfter != nil {
		conds = append(conds, `started_at >= `+q.arg(f.StartedAfter.Unix()))
	}
	if len(conds) > 0 {
		q.write(` WHERE `, strings.Join(conds, ` AND `))
	}
	q.write(` ORDER BY started_at ASC, id ASC`)

	rs, err := s.c.query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []Session
	for rs.Next() {
		var (
			ss      Session
			role    string
			started int64
			ended   sql.NullInt64
		)
		if err := rs.Scan(&ss.ID, &ss.WorkerID, &role, &ss.Shift, &ss.Sector, &ss.EmploymentType, &started, &ended); err != nil {
			return nil, err
		}
		ss.Role = Role(role)
		ss.StartedAt = time.Unix(started, 0)
		ss.EndedAt = timeOrNil(ended)
		out = append(out, ss)
	}
	return out, rs.Err()
}

// ---- dedup ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	q := qb{d: s.d}
	q.write(`INSERT INTO dedup(key, until) VALUES(`, q.arg(key), `, `, q.arg(until.UnixMilli()),
		`) ON CONFLICT(key) DO UPDATE SET until = excluded.until`)
	_, err := s.c.exec(ctx, q.String(), q.args...)
	if err == nil && s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		pq := qb{d: s.d}
		pq.write(`DELETE FROM dedup WHERE until < `, pq.arg(time.Now().UnixMilli()))
		_, _ = s.c.exec(pctx, pq.String(), pq.args...)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	q := qb{d: s.d}
	q.write(`SELECT until FROM dedup WHERE key = `, q.arg(key))
	var ms int64
	err := s.c.queryRow(ctx, q.String(), q.args...).Scan(&ms)
	if err != nil {
		if s.d.isNoRows(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- scanning ----

func scanTask(r row) (Task, error) {
	var (
		t                              Task
		priority, constant, slot       int64
		startTime, workerID, startedAt sql.NullInt64
		completedAt, reviewerID        sql.NullInt64
		status, accumulated, allocated string
		createdAt, updatedAt           int64
	)
	err := r.Scan(
		&t.ID, &t.Name, &t.ProductGroup, &t.Provider, &t.Comment,
		&priority, &constant, &t.Sector, &t.ShiftDate, &t.Shift, &slot, &t.Gender, &startTime,
		&status, &workerID, &t.OperatorName, &t.EmploymentType, &startedAt,
		&accumulated, &allocated, &completedAt, &reviewerID, &t.ReviewNote,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	acc, err := ledger.ParseHMS(accumulated)
	if err != nil {
		return Task{}, fmt.Errorf("task %d accumulated: %w", t.ID, err)
	}
	t.Priority = int(priority)
	t.Constant = constant != 0
	t.Slot = int(slot)
	t.StartTime = timeOrNil(startTime)
	t.Status = Status(status)
	t.WorkerID = intOrNil(workerID)
	t.StartedAt = timeOrNil(startedAt)
	t.AccumulatedSeconds = acc
	t.AllocatedSeconds = ledger.ParseDuration(allocated, ledger.DefaultAllocated)
	t.CompletedAt = timeOrNil(completedAt)
	t.ReviewerID = intOrNil(reviewerID)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return t, nil
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func intOrNil(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// IsConflict reports whether err came from a lost guarded update.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
