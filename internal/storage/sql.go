package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"cronhub/internal/task/model"
	logx "cronhub/pkg/logx"
)

// conn is satisfied by both *sqlx.DB and *sqlx.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// dialect captures the few places where sqlite and postgres differ.
type dialect struct {
	name string
	// forUpdate is appended to row reads inside a transaction that must
	// serialize on that row. SQLite takes the write lock at BEGIN instead.
	forUpdate string
	isUnique  func(error) bool
}

type sqlStore struct {
	db  *sqlx.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sqlx.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

func (s *sqlStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, unavailable(op+": rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqlStore) CreateJob(ctx context.Context, j *model.Job) error {
	row, err := newJobRow(j)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (
		:id, :name, :owner, :task_name, :cron_expr, :params, :state, :policy, :next_fire_at,
		:last_fired_at, :archived, :max_runs, :run_count, :max_failures, :consecutive_failures, :created_at, :updated_at)`, row)
	if err != nil {
		if s.d.isUnique(err) {
			return fmt.Errorf("%w: job %s exists", ErrConflict, j.ID)
		}
		return unavailable("create job", err)
	}
	return nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, j *model.Job) error {
	params, err := encodeParams(j.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET name = ?, task_name = ?, params = ?,
		policy = ?, max_runs = ?, max_failures = ?, updated_at = ? WHERE id = ?`),
		j.Name, j.TaskName, params, string(j.Policy), j.MaxRuns, j.MaxFailures, ms(j.UpdatedAt), j.ID)
	if err != nil {
		return unavailable("update job", err)
	}
	return affectedOr(res, ErrNotFound)
}

func (s *sqlStore) RescheduleJob(ctx context.Context, id, cronExpr string, expected, next, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET cron_expr = ?, next_fire_at = ?, updated_at = ?
		WHERE id = ? AND next_fire_at = ?`),
		cronExpr, ms(next), ms(now), id, ms(expected))
	if err != nil {
		return unavailable("reschedule job", err)
	}
	if err := affectedOr(res, ErrConflict); err != nil {
		if _, gerr := s.GetJob(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.getJob(ctx, s.db, id, "")
}

func (s *sqlStore) getJob(ctx context.Context, c conn, id, suffix string) (*model.Job, error) {
	var row jobRow
	err := c.GetContext(ctx, &row, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return row.model()
}

func jobWhere(f model.JobFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, f.TaskName)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *sqlStore) ListJobs(ctx context.Context, f model.JobFilter) ([]*model.Job, error) {
	where, args := jobWhere(f)
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, defaultLimit(f.Limit, 100), max(f.Offset, 0))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, unavailable("list jobs", err)
	}
	return jobModels(rows)
}

func (s *sqlStore) CountJobs(ctx context.Context, f model.JobFilter) (int, error) {
	where, args := jobWhere(f)
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM jobs`+where), args...); err != nil {
		return 0, unavailable("count jobs", err)
	}
	return n, nil
}

func (s *sqlStore) SetTriggerState(ctx context.Context, id string, state model.TriggerState, nextFireAt, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if nextFireAt.IsZero() {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`),
			string(state), ms(now), id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`),
			string(state), ms(nextFireAt), ms(now), id)
	}
	if err != nil {
		return unavailable("set trigger state", err)
	}
	return affectedOr(res, ErrNotFound)
}

func (s *sqlStore) ArchiveJob(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET archived = 1, state = ?, updated_at = ? WHERE id = ?`),
		string(model.TriggerPaused), ms(now), id)
	if err != nil {
		return unavailable("archive job", err)
	}
	return affectedOr(res, ErrNotFound)
}

func (s *sqlStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND archived = 0 AND next_fire_at <= ?
		ORDER BY next_fire_at LIMIT ?`),
		string(model.TriggerActive), ms(now), defaultLimit(limit, 100))
	if err != nil {
		return nil, unavailable("due jobs", err)
	}
	return jobModels(rows)
}

func (s *sqlStore) TryClaim(ctx context.Context, jobID string, expected, next time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET next_fire_at = ?, last_fired_at = ?
		WHERE id = ? AND next_fire_at = ? AND state = ? AND archived = 0`),
		ms(next), ms(expected), jobID, ms(expected), string(model.TriggerActive))
	if err != nil {
		return unavailable("claim", err)
	}
	return affectedOr(res, ErrClaimConflict)
}

func (s *sqlStore) RecordOutcome(ctx context.Context, jobID string, status model.Status, at time.Time) (*model.Job, error) {
	var out *model.Job
	err := s.withTx(ctx, "record outcome", func(tx *sqlx.Tx) error {
		j, err := s.getJob(ctx, tx, jobID, s.d.forUpdate)
		if err != nil {
			return err
		}
		applyOutcome(j, status, at)
		_, err = tx.ExecContext(ctx, s.q(`UPDATE jobs SET run_count = ?, consecutive_failures = ?, state = ?, updated_at = ?
			WHERE id = ?`), j.RunCount, j.ConsecutiveFailures, string(j.State), ms(j.UpdatedAt), j.ID)
		if err != nil {
			return unavailable("record outcome", err)
		}
		out = j
		return nil
	})
	return out, err
}

// ---- execution logs ----

const insertLog = `INSERT INTO execution_logs (` + logColumns + `) VALUES (
	:id, :job_id, :task_name, :params, :status, :attempt, :prev_id, :trigger_kind, :scheduled_for,
	:not_before, :delivered, :created_at, :started_at, :finished_at, :result, :error, :error_kind)`

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func (s *sqlStore) insertLog(ctx context.Context, c namedExecer, l *model.ExecutionLog) error {
	row, err := newLogRow(l)
	if err != nil {
		return err
	}
	if _, err := c.NamedExecContext(ctx, insertLog, row); err != nil {
		if s.d.isUnique(err) {
			return fmt.Errorf("%w: log %s exists", ErrConflict, l.ID)
		}
		return unavailable("insert log", err)
	}
	return nil
}

func (s *sqlStore) CreateExecutionLog(ctx context.Context, l *model.ExecutionLog) error {
	return s.insertLog(ctx, s.db, l)
}

func (s *sqlStore) CreateExecutionLogIfIdle(ctx context.Context, l *model.ExecutionLog) (bool, error) {
	inserted := false
	err := s.withTx(ctx, "create log if idle", func(tx *sqlx.Tx) error {
		if s.d.forUpdate != "" {
			var id string
			err := tx.GetContext(ctx, &id, s.q(`SELECT id FROM jobs WHERE id = ?`+s.d.forUpdate), l.JobID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return unavailable("lock job", err)
			}
		}
		var open int
		err := tx.GetContext(ctx, &open, s.q(`SELECT COUNT(*) FROM execution_logs WHERE job_id = ? AND status IN (?, ?)`),
			l.JobID, string(model.StatusPending), string(model.StatusRunning))
		if err != nil {
			return unavailable("count open logs", err)
		}
		if open > 0 {
			return nil
		}
		if err := s.insertLog(ctx, tx, l); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *sqlStore) transition(ctx context.Context, c conn, id string, from, to model.Status, tr model.Transition) error {
	set := []string{"status = ?"}
	args := []any{string(to)}
	if to == model.StatusRunning {
		set = append(set, "started_at = ?")
	} else {
		set = append(set, "finished_at = ?")
	}
	args = append(args, ms(tr.At))
	if tr.Result != nil {
		set = append(set, "result = ?")
		args = append(args, string(tr.Result))
	}
	if tr.Error != "" {
		set = append(set, "error = ?")
		args = append(args, tr.Error)
	}
	if tr.ErrorKind != "" {
		set = append(set, "error_kind = ?")
		args = append(args, string(tr.ErrorKind))
	}
	args = append(args, id, string(from))

	res, err := c.ExecContext(ctx, s.q(`UPDATE execution_logs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return unavailable("transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("transition", err)
	}
	if n > 0 {
		return nil
	}
	var cur string
	err = c.GetContext(ctx, &cur, s.q(`SELECT status FROM execution_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("transition", err)
	}
	return fmt.Errorf("%w: log %s is %s, not %s", ErrConflict, id, cur, from)
}

func (s *sqlStore) TransitionExecutionLog(ctx context.Context, id string, from, to model.Status, tr model.Transition) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	return s.transition(ctx, s.db, id, from, to, tr)
}

func (s *sqlStore) RetryExecutionLog(ctx context.Context, id string, tr model.Transition, next *model.ExecutionLog) error {
	return s.withTx(ctx, "retry log", func(tx *sqlx.Tx) error {
		if err := s.transition(ctx, tx, id, model.StatusRunning, model.StatusRetrying, tr); err != nil {
			return err
		}
		return s.insertLog(ctx, tx, next)
	})
}

func (s *sqlStore) ClaimDelivery(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE execution_logs SET delivered = 1
		WHERE id = ? AND delivered = 0 AND status = ?`), id, string(model.StatusPending))
	if err != nil {
		return false, unavailable("claim delivery", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim delivery", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetExecutionLog(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error) {
	var row logRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+logColumns+` FROM execution_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get log", err)
	}
	return row.model()
}

func (s *sqlStore) FindOpenLog(ctx context.Context, jobID string) (*model.ExecutionLog, error) {
	var row logRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+logColumns+` FROM execution_logs
		WHERE job_id = ? AND status IN (?, ?) ORDER BY created_at DESC, id DESC LIMIT 1`),
		jobID, string(model.StatusPending), string(model.StatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find open log", err)
	}
	return row.model()
}

func (s *sqlStore) ListExecutionLogs(ctx context.Context, f model.LogFilter) ([]*model.ExecutionLog, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + logColumns + ` FROM execution_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, defaultLimit(f.Limit, 50), max(f.Offset, 0))

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, unavailable("list logs", err)
	}
	return logModels(rows)
}

func (s *sqlStore) ListUndelivered(ctx context.Context, now time.Time, limit int) ([]*model.ExecutionLog, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+logColumns+` FROM execution_logs
		WHERE status = ? AND delivered = 0 AND not_before <= ?
		ORDER BY not_before, created_at LIMIT ?`),
		string(model.StatusPending), ms(now), defaultLimit(limit, 100))
	if err != nil {
		return nil, unavailable("list undelivered", err)
	}
	return logModels(rows)
}

func (s *sqlStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.ExecutionLog, error) {
	cut := ms(olderThan)
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+logColumns+` FROM execution_logs
		WHERE (status = ? AND started_at < ?)
		   OR (status = ? AND delivered = 1 AND created_at < ? AND not_before < ?)
		ORDER BY created_at LIMIT ?`),
		string(model.StatusRunning), cut, string(model.StatusPending), cut, cut, defaultLimit(limit, 100))
	if err != nil {
		return nil, unavailable("list stale", err)
	}
	return logModels(rows)
}

func (s *sqlStore) Stats(ctx context.Context, f model.StatsFilter) (*model.Stats, error) {
	var (
		conds []string
		args  []any
	)
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Owner != "" {
		conds = append(conds, "job_id IN (SELECT id FROM jobs WHERE owner = ?)")
		args = append(args, f.Owner)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts, s.q(`SELECT status, COUNT(*) AS n FROM execution_logs`+where+` GROUP BY status`), args...); err != nil {
		return nil, unavailable("stats", err)
	}

	var agg struct {
		DurSum  int64         `db:"dur_sum"`
		DurN    int64         `db:"dur_n"`
		LastRun sql.NullInt64 `db:"last_run"`
	}
	err := s.db.GetContext(ctx, &agg, s.q(`SELECT
		CAST(COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NOT NULL THEN finished_at - started_at ELSE 0 END), 0) AS BIGINT) AS dur_sum,
		CAST(COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS BIGINT) AS dur_n,
		MAX(started_at) AS last_run
		FROM execution_logs`+where), args...)
	if err != nil {
		return nil, unavailable("stats", err)
	}

	st := &model.Stats{JobID: f.JobID, Owner: f.Owner, ByStatus: map[model.Status]int{}}
	if f.JobID == "" {
		var jobs []struct {
			State string `db:"state"`
			N     int    `db:"n"`
		}
		jw, jargs := jobWhere(model.JobFilter{Owner: f.Owner})
		if err := s.db.SelectContext(ctx, &jobs, s.q(`SELECT state, COUNT(*) AS n FROM jobs`+jw+` GROUP BY state`), jargs...); err != nil {
			return nil, unavailable("stats", err)
		}
		for _, j := range jobs {
			st.Jobs += j.N
			switch model.TriggerState(j.State) {
			case model.TriggerActive:
				st.ActiveJobs = j.N
			case model.TriggerPaused:
				st.PausedJobs = j.N
			}
		}
	}
	for _, c := range counts {
		st.ByStatus[model.Status(c.Status)] = c.N
		st.Total += c.N
	}
	if agg.DurN > 0 {
		st.AvgDurationMs = float64(agg.DurSum) / float64(agg.DurN)
	}
	st.LastRunAt = fromNullMS(agg.LastRun)
	st.Finalize()
	return st, nil
}

func affectedOr(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}
