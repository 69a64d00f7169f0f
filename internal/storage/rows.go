package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cronhub/internal/task/model"
)

// jobRow mirrors the jobs table. Times are unix milliseconds.
type jobRow struct {
	ID                  string        `db:"id"`
	Name                string        `db:"name"`
	Owner               string        `db:"owner"`
	TaskName            string        `db:"task_name"`
	CronExpr            string        `db:"cron_expr"`
	Params              string        `db:"params"`
	State               string        `db:"state"`
	Policy              string        `db:"policy"`
	NextFireAt          int64         `db:"next_fire_at"`
	LastFiredAt         sql.NullInt64 `db:"last_fired_at"`
	Archived            int           `db:"archived"`
	MaxRuns             int           `db:"max_runs"`
	RunCount            int           `db:"run_count"`
	MaxFailures         int           `db:"max_failures"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	CreatedAt           int64         `db:"created_at"`
	UpdatedAt           int64         `db:"updated_at"`
}

const jobColumns = `id, name, owner, task_name, cron_expr, params, state, policy, next_fire_at,
	last_fired_at, archived, max_runs, run_count, max_failures, consecutive_failures, created_at, updated_at`

// logRow mirrors the execution_logs table.
type logRow struct {
	ID           string         `db:"id"`
	JobID        sql.NullString `db:"job_id"`
	TaskName     string         `db:"task_name"`
	Params       string         `db:"params"`
	Status       string         `db:"status"`
	Attempt      int            `db:"attempt"`
	PrevID       sql.NullString `db:"prev_id"`
	TriggerKind  string         `db:"trigger_kind"`
	ScheduledFor int64          `db:"scheduled_for"`
	NotBefore    int64          `db:"not_before"`
	Delivered    int            `db:"delivered"`
	CreatedAt    int64          `db:"created_at"`
	StartedAt    sql.NullInt64  `db:"started_at"`
	FinishedAt   sql.NullInt64  `db:"finished_at"`
	Result       sql.NullString `db:"result"`
	Error        string         `db:"error"`
	ErrorKind    string         `db:"error_kind"`
}

const logColumns = `id, job_id, task_name, params, status, attempt, prev_id, trigger_kind, scheduled_for,
	not_before, delivered, created_at, started_at, finished_at, result, error, error_kind`

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeParams(p model.Params) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}

func decodeParams(s string) (model.Params, error) {
	p := model.Params{}
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

func newJobRow(j *model.Job) (jobRow, error) {
	params, err := encodeParams(j.Params)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		ID:                  j.ID,
		Name:                j.Name,
		Owner:               j.Owner,
		TaskName:            j.TaskName,
		CronExpr:            j.CronExpr,
		Params:              params,
		State:               string(j.State),
		Policy:              string(j.Policy),
		NextFireAt:          ms(j.NextFireAt),
		LastFiredAt:         nullMS(j.LastFiredAt),
		Archived:            boolInt(j.Archived),
		MaxRuns:             j.MaxRuns,
		RunCount:            j.RunCount,
		MaxFailures:         j.MaxFailures,
		ConsecutiveFailures: j.ConsecutiveFailures,
		CreatedAt:           ms(j.CreatedAt),
		UpdatedAt:           ms(j.UpdatedAt),
	}, nil
}

func (r jobRow) model() (*model.Job, error) {
	params, err := decodeParams(r.Params)
	if err != nil {
		return nil, err
	}
	return &model.Job{
		ID:                  r.ID,
		Name:                r.Name,
		Owner:               r.Owner,
		TaskName:            r.TaskName,
		CronExpr:            r.CronExpr,
		Params:              params,
		State:               model.TriggerState(r.State),
		Policy:              model.ConcurrencyPolicy(r.Policy),
		NextFireAt:          fromMS(r.NextFireAt),
		LastFiredAt:         fromNullMS(r.LastFiredAt),
		Archived:            r.Archived != 0,
		MaxRuns:             r.MaxRuns,
		RunCount:            r.RunCount,
		MaxFailures:         r.MaxFailures,
		ConsecutiveFailures: r.ConsecutiveFailures,
		CreatedAt:           fromMS(r.CreatedAt),
		UpdatedAt:           fromMS(r.UpdatedAt),
	}, nil
}

func newLogRow(l *model.ExecutionLog) (logRow, error) {
	params, err := encodeParams(l.Params)
	if err != nil {
		return logRow{}, err
	}
	row := logRow{
		ID:           l.ID,
		JobID:        nullString(l.JobID),
		TaskName:     l.TaskName,
		Params:       params,
		Status:       string(l.Status),
		Attempt:      l.Attempt,
		PrevID:       nullString(l.PrevID),
		TriggerKind:  string(l.Trigger),
		ScheduledFor: ms(l.ScheduledFor),
		NotBefore:    ms(l.NotBefore),
		Delivered:    boolInt(l.Delivered),
		CreatedAt:    ms(l.CreatedAt),
		StartedAt:    nullMS(l.StartedAt),
		FinishedAt:   nullMS(l.FinishedAt),
		Error:        l.Error,
		ErrorKind:    string(l.ErrorKind),
	}
	if len(l.Result) > 0 {
		row.Result = sql.NullString{String: string(l.Result), Valid: true}
	}
	return row, nil
}

func (r logRow) model() (*model.ExecutionLog, error) {
	params, err := decodeParams(r.Params)
	if err != nil {
		return nil, err
	}
	l := &model.ExecutionLog{
		ID:           r.ID,
		JobID:        r.JobID.String,
		TaskName:     r.TaskName,
		Params:       params,
		Status:       model.Status(r.Status),
		Attempt:      r.Attempt,
		PrevID:       r.PrevID.String,
		Trigger:      model.TriggerKind(r.TriggerKind),
		ScheduledFor: fromMS(r.ScheduledFor),
		NotBefore:    fromMS(r.NotBefore),
		Delivered:    r.Delivered != 0,
		CreatedAt:    fromMS(r.CreatedAt),
		StartedAt:    fromNullMS(r.StartedAt),
		FinishedAt:   fromNullMS(r.FinishedAt),
		Error:        r.Error,
		ErrorKind:    model.ErrorKind(r.ErrorKind),
	}
	if r.Result.Valid {
		l.Result = json.RawMessage(r.Result.String)
	}
	return l, nil
}

func jobModels(rows []jobRow) ([]*model.Job, error) {
	out := make([]*model.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func logModels(rows []logRow) ([]*model.ExecutionLog, error) {
	out := make([]*model.ExecutionLog, 0, len(rows))
	for _, r := range rows {
		l, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
