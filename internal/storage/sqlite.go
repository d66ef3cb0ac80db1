package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"timerd/internal/expr"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timerColumns = `id, handler_type, handler_config, due_at, end_at, repeat_expr, retries, exclusive,
	execution_id, process_instance_id, process_definition_id, tenant_id,
	lock_owner, lock_expires_at, error_message`

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes firing transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Begin(ctx context.Context) (Tx, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *sqliteStore) CreateTimer(ctx context.Context, job *timer.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return insertTimerRow(ctx, s.db, job)
}

func (s *sqliteStore) PutExecution(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	vars, err := json.Marshal(e.Vars)
	if err != nil {
		return fmt.Errorf("encode variables of %q: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, activity_id, process_instance_id, variables) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET activity_id=excluded.activity_id,
		 process_instance_id=excluded.process_instance_id, variables=excluded.variables`,
		e.ID, nullStr(e.Activity), nullStr(e.ProcessInstanceID), string(vars),
	)
	return err
}

func (s *sqliteStore) GetTimer(ctx context.Context, id string) (TimerInfo, error) {
	if s == nil || s.db == nil {
		return TimerInfo{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+timerColumns+` FROM timer_jobs WHERE id = ?`, id)
	info, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TimerInfo{}, ErrNotFound
	}
	return info, err
}

func (s *sqliteStore) ListTimers(ctx context.Context) ([]TimerInfo, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+timerColumns+` FROM timer_jobs ORDER BY due_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimerInfo
	for rows.Next() {
		info, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AcquireDue(ctx context.Context, now time.Time, limit int, owner string, lease time.Duration) ([]*timer.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMS := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timer_jobs
		 WHERE due_at <= ? AND retries > 0 AND (lock_owner IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ?)
		 ORDER BY due_at, id LIMIT ?`,
		nowMS, nowMS, limit,
	)
	if err != nil {
		return nil, err
	}
	var jobs []*timer.Job
	for rows.Next() {
		info, err := scanTimer(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		jobs = append(jobs, info.Job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := now.Add(lease).UnixMilli()
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE timer_jobs SET lock_owner = ?, lock_expires_at = ? WHERE id = ?`,
			owner, expires, j.ID,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id string, msg string, retryAt time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE timer_jobs SET retries = MAX(retries - 1, 0), error_message = ?, due_at = ?,
		 lock_owner = NULL, lock_expires_at = NULL WHERE id = ?`,
		nullStr(msg), retryAt.UnixMilli(), id,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var left int
	if err := s.db.QueryRowContext(ctx, `SELECT retries FROM timer_jobs WHERE id = ?`, id).Scan(&left); err != nil {
		return 0, err
	}
	return left, nil
}

func (s *sqliteStore) ParkTimer(ctx context.Context, id string, msg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE timer_jobs SET retries = 0, error_message = ?,
		 lock_owner = NULL, lock_expires_at = NULL WHERE id = ?`,
		nullStr(msg), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return insertAudit(ctx, s.db, e)
}

// ListAudit returns the newest entries first.
func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, timer_id, handler_type, process_instance_id, repeat_expr, outcome, reason, successor_id, err, took_ms
		 FROM firing_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			at        string
			handler   sql.NullString
			pi        sql.NullString
			repeat    sql.NullString
			reason    sql.NullString
			successor sql.NullString
			errText   sql.NullString
			took      sql.NullInt64
		)
		if err := rows.Scan(&at, &e.TimerID, &handler, &pi, &repeat, &e.Outcome, &reason, &successor, &errText, &took); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.HandlerType = handler.String
		e.ProcessInstanceID = pi.String
		e.Repeat = repeat.String
		e.Reason = reason.String
		e.SuccessorID = successor.String
		e.Error = errText.String
		e.TookMS = took.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindExecution(ctx context.Context, id string) (expr.Scope, bool, error) {
	var (
		e        = Execution{ID: id}
		activity sql.NullString
		pi       sql.NullString
		vars     sql.NullString
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT activity_id, process_instance_id, variables FROM executions WHERE id = ?`, id,
	).Scan(&activity, &pi, &vars)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e.Activity = activity.String
	e.ProcessInstanceID = pi.String
	if vars.Valid && vars.String != "" && vars.String != "null" {
		if err := json.Unmarshal([]byte(vars.String), &e.Vars); err != nil {
			return nil, false, fmt.Errorf("decode variables of %q: %w", id, err)
		}
	}
	return e, true, nil
}

func (t *sqliteTx) DeleteTimer(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM timer_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) Schedule(ctx context.Context, job *timer.Job) error {
	return insertTimerRow(ctx, t.tx, job)
}

func (t *sqliteTx) GetTimer(ctx context.Context, id string) (*timer.Job, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+timerColumns+` FROM timer_jobs WHERE id = ?`, id)
	info, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return info.Job, nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func insertTimerRow(ctx context.Context, q querier, job *timer.Job) error {
	if job == nil {
		return errors.New("nil timer")
	}
	if job.ID == "" {
		job.ID = newID()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO timer_jobs(id, handler_type, handler_config, due_at, end_at, repeat_expr, retries, exclusive,
		 execution_id, process_instance_id, process_definition_id, tenant_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.HandlerType, nullStr(job.HandlerConfig), job.DueDate.UnixMilli(), nullTime(job.EndDate),
		nullStr(job.Repeat), job.Retries, boolInt(job.Exclusive),
		nullStr(job.ExecutionID), nullStr(job.ProcessInstanceID), nullStr(job.ProcessDefinitionID), nullStr(job.TenantID),
	)
	return err
}

func insertAudit(ctx context.Context, q querier, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO firing_audit(at, timer_id, handler_type, process_instance_id, repeat_expr, outcome, reason, successor_id, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TimerID, nullStr(e.HandlerType), nullStr(e.ProcessInstanceID),
		nullStr(e.Repeat), e.Outcome, nullStr(e.Reason), nullStr(e.SuccessorID), nullStr(e.Error), e.TookMS,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(r rowScanner) (TimerInfo, error) {
	var (
		job       timer.Job
		dueMS     int64
		exclusive int
		cfg       sql.NullString
		repeat    sql.NullString
		exec      sql.NullString
		pi        sql.NullString
		pd        sql.NullString
		tenant    sql.NullString
		owner     sql.NullString
		msg       sql.NullString
		endMS     sql.NullInt64
		lockMS    sql.NullInt64
	)
	if err := r.Scan(&job.ID, &job.HandlerType, &cfg, &dueMS, &endMS, &repeat, &job.Retries, &exclusive,
		&exec, &pi, &pd, &tenant, &owner, &lockMS, &msg); err != nil {
		return TimerInfo{}, err
	}
	job.HandlerConfig = cfg.String
	job.DueDate = time.UnixMilli(dueMS)
	if endMS.Valid {
		job.EndDate = time.UnixMilli(endMS.Int64)
	}
	job.Repeat = repeat.String
	job.Exclusive = exclusive != 0
	job.ExecutionID = exec.String
	job.ProcessInstanceID = pi.String
	job.ProcessDefinitionID = pd.String
	job.TenantID = tenant.String

	info := TimerInfo{Job: &job, LockOwner: owner.String, ErrorMessage: msg.String}
	if lockMS.Valid {
		info.LockExpires = time.UnixMilli(lockMS.Int64)
	}
	return info, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
